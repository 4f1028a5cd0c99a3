package keys

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

const personalMessageTag = "capvault-personal-message-v1"

// Signature is a personal-message signature together with the public key
// that produced it.
type Signature struct {
	Scheme    Scheme `cbor:"1,keyasint"`
	PublicKey []byte `cbor:"2,keyasint"`
	Bytes     []byte `cbor:"3,keyasint"`
}

// Address returns the ledger address of the signing key.
func (s Signature) Address() string { return Address(s.Scheme, s.PublicKey) }

// Signer produces personal-message signatures for one identity.
type Signer interface {
	Scheme() Scheme
	PublicKey() []byte
	Address() string
	SignPersonalMessage(message []byte) (Signature, error)
}

// personalDigest domain-separates personal messages from any other bytes
// the same key might sign.
func personalDigest(message []byte) []byte {
	h := sha3.New256()
	_, _ = h.Write([]byte(personalMessageTag))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(message)
	return h.Sum(nil)
}

// Verify reports whether sig is a valid personal-message signature over
// message.
func Verify(sig Signature, message []byte) bool {
	digest := personalDigest(message)
	switch sig.Scheme {
	case SchemeEd25519:
		if len(sig.PublicKey) != ed25519.PublicKeySize || len(sig.Bytes) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(sig.PublicKey), digest, sig.Bytes)
	case SchemeDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(sig.PublicKey); err != nil {
			return false
		}
		if len(sig.Bytes) != mode3.SignatureSize {
			return false
		}
		return mode3.Verify(&pk, digest, sig.Bytes)
	default:
		return false
	}
}

// Ed25519Signer signs with an in-memory Ed25519 key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer builds a signer from a 32-byte seed.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Ed25519Signer) Scheme() Scheme { return SchemeEd25519 }

func (s *Ed25519Signer) PublicKey() []byte {
	return append([]byte(nil), s.priv.Public().(ed25519.PublicKey)...)
}

func (s *Ed25519Signer) Address() string { return Address(SchemeEd25519, s.PublicKey()) }

func (s *Ed25519Signer) SignPersonalMessage(message []byte) (Signature, error) {
	return Signature{
		Scheme:    SchemeEd25519,
		PublicKey: s.PublicKey(),
		Bytes:     ed25519.Sign(s.priv, personalDigest(message)),
	}, nil
}

// Dilithium3Signer signs with a post-quantum Dilithium3 key.
type Dilithium3Signer struct {
	pub  *mode3.PublicKey
	priv *mode3.PrivateKey
}

// GenerateDilithium3Signer returns a signer for a new Dilithium3 keypair.
func GenerateDilithium3Signer(rand io.Reader) (*Dilithium3Signer, error) {
	pk, sk, err := mode3.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return &Dilithium3Signer{pub: pk, priv: sk}, nil
}

func (s *Dilithium3Signer) Scheme() Scheme { return SchemeDilithium3 }

func (s *Dilithium3Signer) PublicKey() []byte {
	b, _ := s.pub.MarshalBinary()
	return b
}

func (s *Dilithium3Signer) Address() string { return Address(SchemeDilithium3, s.PublicKey()) }

func (s *Dilithium3Signer) SignPersonalMessage(message []byte) (Signature, error) {
	if s.priv == nil {
		return Signature{}, fmt.Errorf("missing private key")
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, personalDigest(message), sig)
	return Signature{Scheme: SchemeDilithium3, PublicKey: s.PublicKey(), Bytes: sig}, nil
}
