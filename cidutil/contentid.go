package cidutil

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"xdao.co/capvault/model"
)

// NonceSize is the number of random bytes appended to the container id.
const NonceSize = 5

// ParseObjectID decodes a 0x-prefixed hex ledger object id.
func ParseObjectID(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") {
		return nil, fmt.Errorf("object id %q: missing 0x prefix", s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("object id %q: %w", s, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("object id %q: empty", s)
	}
	return b, nil
}

// FormatObjectID is the inverse of ParseObjectID.
func FormatObjectID(b []byte) string { return "0x" + hex.EncodeToString(b) }

// NewContentID derives a fresh content id for a blob stored in containerID.
// rnd defaults to crypto/rand.
func NewContentID(containerID string, rnd io.Reader) (model.ContentID, error) {
	prefix, err := ParseObjectID(containerID)
	if err != nil {
		return nil, err
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, fmt.Errorf("content id nonce: %w", err)
	}
	out := make([]byte, 0, len(prefix)+NonceSize)
	out = append(out, prefix...)
	out = append(out, nonce...)
	return model.ContentID(out), nil
}

// HasContainerPrefix reports whether id was derived from containerID.
func HasContainerPrefix(id model.ContentID, containerID string) bool {
	prefix, err := ParseObjectID(containerID)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(id, prefix)
}
