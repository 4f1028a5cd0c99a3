package keys

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Scheme identifies a signature scheme. The value doubles as the flag byte
// prepended to the public key when deriving an address.
type Scheme uint8

const (
	SchemeEd25519    Scheme = 0x00
	SchemeDilithium3 Scheme = 0x10
)

func (s Scheme) String() string {
	switch s {
	case SchemeEd25519:
		return "ed25519"
	case SchemeDilithium3:
		return "dilithium3"
	default:
		return fmt.Sprintf("scheme(0x%02x)", uint8(s))
	}
}

// ParseScheme is the inverse of Scheme.String.
func ParseScheme(s string) (Scheme, error) {
	switch s {
	case "ed25519":
		return SchemeEd25519, nil
	case "dilithium3":
		return SchemeDilithium3, nil
	default:
		return 0, fmt.Errorf("unsupported signature scheme %q", s)
	}
}

// Address derives the ledger address for a public key:
// "0x" + hex(blake2b-256(flag || pubkey)).
func Address(scheme Scheme, pub []byte) string {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte{byte(scheme)})
	_, _ = h.Write(pub)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// FormatPublicKey encodes a public key as "<scheme>:<base64>".
func FormatPublicKey(scheme Scheme, pub []byte) string {
	return scheme.String() + ":" + base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKey is the inverse of FormatPublicKey.
func ParsePublicKey(s string) (Scheme, []byte, error) {
	alg, enc, ok := strings.Cut(s, ":")
	if !ok {
		return 0, nil, fmt.Errorf("invalid public key encoding %q", s)
	}
	scheme, err := ParseScheme(alg)
	if err != nil {
		return 0, nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid public key base64: %w", err)
	}
	return scheme, pub, nil
}
