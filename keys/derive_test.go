package keys

import (
	"crypto/ed25519"
	"testing"
)

func TestDeriveSeedDeterministic(t *testing.T) {
	root := make([]byte, ed25519.SeedSize)
	for i := range root {
		root[i] = byte(i)
	}

	a, err := DeriveSeed(root, "laptop")
	if err != nil {
		t.Fatalf("DeriveSeed: %v", err)
	}
	b, err := DeriveSeed(root, "laptop")
	if err != nil {
		t.Fatalf("DeriveSeed: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected deterministic derivation")
	}

	c, err := DeriveSeed(root, "phone")
	if err != nil {
		t.Fatalf("DeriveSeed: %v", err)
	}
	if string(a) == string(c) {
		t.Fatalf("expected different labels to derive different seeds")
	}
}

func TestDeriveSeedRejectsBadInput(t *testing.T) {
	if _, err := DeriveSeed([]byte{1, 2, 3}, "x"); err == nil {
		t.Fatalf("expected short root seed to fail")
	}
	if _, err := DeriveSeed(make([]byte, ed25519.SeedSize), "bad label"); err == nil {
		t.Fatalf("expected invalid label to fail")
	}
}

func TestKeyStoreCreateDeriveList(t *testing.T) {
	ks, err := CreateKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("CreateKeyStore: %v", err)
	}
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 7

	addr, _, err := ks.Create("alice", seed, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := ks.Create("alice", seed, false); err == nil {
		t.Fatalf("expected second Create without overwrite to fail")
	}
	derived, _, err := ks.Derive("alice", "alice-phone", false)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if derived == addr {
		t.Fatalf("derived identity must differ from root")
	}

	signer, err := ks.Signer("alice")
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}
	if signer.Address() != addr {
		t.Fatalf("address mismatch: %s vs %s", signer.Address(), addr)
	}

	list, err := ks.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alice" || list[1].Name != "alice-phone" {
		t.Fatalf("unexpected list %+v", list)
	}
}
