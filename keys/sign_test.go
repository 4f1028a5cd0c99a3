package keys

import (
	"crypto/ed25519"
	"strings"
	"testing"
)

type deterministicReader struct{ b byte }

func (r *deterministicReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
		r.b++
	}
	return len(p), nil
}

func TestEd25519Signer_Verifies(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	signer, err := NewEd25519Signer(seed)
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}

	msg := []byte("Accessing keys of package 0x1")
	sig, err := signer.SignPersonalMessage(msg)
	if err != nil {
		t.Fatalf("SignPersonalMessage: %v", err)
	}
	if !Verify(sig, msg) {
		t.Fatalf("signature did not verify")
	}
	if Verify(sig, []byte("other message")) {
		t.Fatalf("signature verified over the wrong message")
	}
	if sig.Address() != signer.Address() {
		t.Fatalf("signature address mismatch")
	}
	if !strings.HasPrefix(signer.Address(), "0x") || len(signer.Address()) != 66 {
		t.Fatalf("unexpected address format %q", signer.Address())
	}
}

func TestDilithium3Signer_Verifies(t *testing.T) {
	signer, err := GenerateDilithium3Signer(&deterministicReader{})
	if err != nil {
		t.Fatalf("GenerateDilithium3Signer: %v", err)
	}
	msg := []byte("hello")
	sig, err := signer.SignPersonalMessage(msg)
	if err != nil {
		t.Fatalf("SignPersonalMessage: %v", err)
	}
	if !Verify(sig, msg) {
		t.Fatalf("signature did not verify")
	}
	if sig.Address() == Address(SchemeEd25519, sig.PublicKey) {
		t.Fatalf("scheme flag must change the address")
	}
}

func TestPublicKeyFormatRoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer(make([]byte, ed25519.SeedSize))
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	s := FormatPublicKey(signer.Scheme(), signer.PublicKey())
	if !strings.HasPrefix(s, "ed25519:") {
		t.Fatalf("unexpected prefix %q", s)
	}
	scheme, pub, err := ParsePublicKey(s)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if scheme != SchemeEd25519 || string(pub) != string(signer.PublicKey()) {
		t.Fatalf("round trip mismatch")
	}
	if _, _, err := ParsePublicKey("rsa:AAAA"); err == nil {
		t.Fatalf("expected unsupported scheme to fail")
	}
}
