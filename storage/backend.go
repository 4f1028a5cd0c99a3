package storage

import "context"

// Backend is one blob storage endpoint.
//
// Contract:
//   - Put stores data and returns the backend's reference for it. Putting
//     the same bytes twice may return the same reference.
//   - Stored objects are immutable.
//   - Get returns ErrNotFound when ref is absent, and never returns bytes
//     that do not belong to ref when the backend can verify that.
type Backend interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// NamedBackend is a backend with its stable rotation id.
type NamedBackend struct {
	ID      string
	Backend Backend
}
