package threshold

import (
	"crypto/sha256"
	"fmt"

	"xdao.co/capvault/internal/codec"
	"xdao.co/capvault/model"
)

// EnvelopeVersion is the only envelope format this package reads.
const EnvelopeVersion = 1

// Envelope is the encrypted object stored on storage backends.
type Envelope struct {
	Version    int            `cbor:"1,keyasint"`
	Package    string         `cbor:"2,keyasint"`
	ContentID  []byte         `cbor:"3,keyasint"`
	Threshold  int            `cbor:"4,keyasint"`
	Shares     []WrappedShare `cbor:"5,keyasint"`
	Nonce      []byte         `cbor:"6,keyasint"`
	Ciphertext []byte         `cbor:"7,keyasint"`
	// Compression applies to the plaintext before sealing; PlainSize is
	// the size after decompression.
	Compression Compression `cbor:"8,keyasint,omitempty"`
	PlainSize   int         `cbor:"9,keyasint,omitempty"`
}

// WrappedShare is one key server's share, encrypted to that server.
type WrappedShare struct {
	Server  string `cbor:"1,keyasint"`
	Index   []byte `cbor:"2,keyasint"`
	Wrapped []byte `cbor:"3,keyasint"`
}

// sharePlaintext is what a key server recovers from WrappedShare.Wrapped.
type sharePlaintext struct {
	ContentID []byte `cbor:"1,keyasint"`
	Value     []byte `cbor:"2,keyasint"`
}

func (e *Envelope) Encode() ([]byte, error) { return codec.Marshal(e) }

// ParseEnvelope decodes and sanity-checks an encrypted object.
func ParseEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := codec.Unmarshal(b, &e); err != nil {
		return nil, model.WrapError(model.ValidationError, "CAPV-TSS-030", "threshold: malformed envelope", err)
	}
	if e.Version != EnvelopeVersion {
		return nil, model.NewError(model.ValidationError, "CAPV-TSS-031", fmt.Sprintf("threshold: unsupported envelope version %d", e.Version))
	}
	if len(e.ContentID) == 0 || e.Threshold < 1 || e.Threshold > len(e.Shares) {
		return nil, model.NewError(model.ValidationError, "CAPV-TSS-032", "threshold: inconsistent envelope")
	}
	return &e, nil
}

// ContentID extracts the content id from an encrypted object without
// decrypting it.
func ContentID(ciphertext []byte) (model.ContentID, error) {
	e, err := ParseEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	return model.ContentID(e.ContentID), nil
}

// additionalData binds the payload to its package and content id.
func additionalData(pkg string, id []byte) []byte {
	h := sha256.New()
	_, _ = h.Write([]byte("capvault-envelope-v1\x00"))
	_, _ = h.Write([]byte(pkg))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(id)
	return h.Sum(nil)
}
