package model

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// CapabilityKind distinguishes the two capability token types.
type CapabilityKind uint8

const (
	KindOwner CapabilityKind = iota + 1
	KindMember
)

func (k CapabilityKind) String() string {
	switch k {
	case KindOwner:
		return "Owner"
	case KindMember:
		return "Member"
	default:
		return fmt.Sprintf("CapabilityKind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k CapabilityKind) Valid() bool { return k == KindOwner || k == KindMember }

// ParseCapabilityKind accepts "owner" or "member" (case-insensitive).
func ParseCapabilityKind(s string) (CapabilityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner":
		return KindOwner, nil
	case "member":
		return KindMember, nil
	default:
		return 0, fmt.Errorf("unknown capability kind %q", s)
	}
}

// Capability is an on-chain token proving Owner or Member authorization
// over exactly one content container.
type Capability struct {
	ID          string         `json:"id"`
	ContainerID string         `json:"container_id"`
	Kind        CapabilityKind `json:"kind"`
}

// Container is the on-chain record of authorized members plus the list of
// certified blob references. Content only grows.
type Container struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Owner   string   `json:"owner"`
	Members []string `json:"members"`
	Content []string `json:"content"`
}

// HasMember reports whether identity is on the container's member list.
func (c Container) HasMember(identity string) bool {
	for _, m := range c.Members {
		if m == identity {
			return true
		}
	}
	return false
}

// HasContent reports whether blobRef has already been certified.
func (c Container) HasContent(blobRef string) bool {
	for _, ref := range c.Content {
		if ref == blobRef {
			return true
		}
	}
	return false
}

// ContainerSummary is the projection the resolver returns per capability.
type ContainerSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentCount int    `json:"content_count"`
	MemberCount  int    `json:"member_count"`
}

// Summary projects c.
func (c Container) Summary() ContainerSummary {
	return ContainerSummary{ID: c.ID, Name: c.Name, ContentCount: len(c.Content), MemberCount: len(c.Members)}
}

// ContentID is the opaque identifier of one encrypted blob: the owning
// container's object id bytes followed by a random nonce. It is immutable
// once certified.
type ContentID []byte

// String returns the lowercase hex encoding without a 0x prefix.
func (id ContentID) String() string { return hex.EncodeToString(id) }

// Equal reports byte equality.
func (id ContentID) Equal(other ContentID) bool { return string(id) == string(other) }

// ParseContentID decodes a hex content id, with or without a 0x prefix.
func ParseContentID(s string) (ContentID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid content id: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("invalid content id: empty")
	}
	return ContentID(b), nil
}

// StorageLocator names the backend that accepted a blob and the reference
// needed to read it back. Immutable once returned by an upload.
type StorageLocator struct {
	BackendID string `json:"backend_id"`
	BlobRef   string `json:"blob_ref"`
}

func (l StorageLocator) String() string { return l.BackendID + "/" + l.BlobRef }

// Outcome is the result of a single upload attempt.
type Outcome string

const (
	OutcomeStored Outcome = "stored"
	OutcomeFailed Outcome = "failed"
)

// UploadAttempt records one backend attempt. It is reported to callers and
// never persisted.
type UploadAttempt struct {
	BackendID  string
	Outcome    Outcome
	RetryCount int
	Err        error
}
