package storage

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"xdao.co/capvault/model"
)

// Reader fetches blobs with deterministic, ordered fallback across the
// rotation. Fallback order is the rotation order; callers must supply a
// fixed order.
type Reader struct {
	backends []NamedBackend
	cache    *lru.Cache[string, []byte]
	log      *slog.Logger
}

func NewReader(backends []NamedBackend, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{backends: append([]NamedBackend(nil), backends...), log: logger.With("component", "reader")}
}

// NewCachingReader is NewReader with an LRU of up to size blobs keyed by
// blob ref. Refs name immutable content, so entries never go stale.
func NewCachingReader(backends []NamedBackend, size int, logger *slog.Logger) (*Reader, error) {
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("storage: blob cache: %w", err)
	}
	r := NewReader(backends, logger)
	r.cache = c
	return r, nil
}

// Get reads loc from its own backend first and falls back to the rest of
// the rotation.
func (r *Reader) Get(ctx context.Context, loc model.StorageLocator) ([]byte, error) {
	order := make([]NamedBackend, 0, len(r.backends))
	for _, b := range r.backends {
		if b.ID == loc.BackendID {
			order = append(order, b)
		}
	}
	for _, b := range r.backends {
		if b.ID != loc.BackendID {
			order = append(order, b)
		}
	}
	return r.fetch(ctx, order, loc.BlobRef)
}

// Fetch reads ref trying each backend in rotation order.
func (r *Reader) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return r.fetch(ctx, r.backends, ref)
}

func (r *Reader) fetch(ctx context.Context, order []NamedBackend, ref string) ([]byte, error) {
	if ref == "" {
		return nil, model.WrapError(model.ValidationError, "CAPV-STO-003", "storage: empty blob ref", ErrInvalidRef)
	}
	if r.cache != nil {
		if data, ok := r.cache.Get(ref); ok {
			return data, nil
		}
	}
	var lastErr error
	allNotFound := true
	for _, b := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := b.Backend.Get(ctx, ref)
		if err == nil {
			if r.cache != nil {
				r.cache.Add(ref, data)
			}
			return data, nil
		}
		if !IsNotFound(err) {
			allNotFound = false
			r.log.Warn("blob read failed", "backend", b.ID, "blob_ref", ref, "err", err)
		}
		lastErr = err
	}
	if allNotFound {
		return nil, model.WrapError(model.StorageUnavailable, "CAPV-STO-002", "storage: blob "+ref+" not found", ErrNotFound)
	}
	return nil, model.WrapError(model.StorageUnavailable, "CAPV-STO-001", "storage: blob "+ref+" unavailable", lastErr)
}
