// Package testkit holds a conformance suite for storage.Backend
// implementations and small in-memory backends for tests.
package testkit

import (
	"bytes"
	"context"
	"testing"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/storage"
)

// NewBackend constructs a fresh, empty backend for a test.
// The returned backend MUST be isolated from other tests.
type NewBackend func(t *testing.T) storage.Backend

// Kit configures the conformance suite.
type Kit struct {
	New NewBackend
	// RefFor predicts the ref Put returns for data. Nil means the backend
	// is content-addressed with CIDv1 raw sha2-256.
	RefFor func(data []byte) string
}

func RunBackendConformance(t *testing.T, newBackend NewBackend) {
	t.Helper()
	Kit{New: newBackend}.Run(t)
}

func (k Kit) refFor(data []byte) string {
	if k.RefFor != nil {
		return k.RefFor(data)
	}
	return cidutil.CIDv1RawSHA256(data)
}

func (k Kit) Run(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		b := k.New(t)
		want := []byte("hello, capvault storage")

		ref, err := b.Put(ctx, want)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if wantRef := k.refFor(want); ref != wantRef {
			t.Fatalf("Put ref mismatch: got %s want %s", ref, wantRef)
		}

		got, err := b.Get(ctx, ref)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get bytes mismatch")
		}
	})

	t.Run("PutStableRef", func(t *testing.T) {
		b := k.New(t)
		data := []byte("same bytes")

		ref1, err := b.Put(ctx, data)
		if err != nil {
			t.Fatalf("Put(1) failed: %v", err)
		}
		ref2, err := b.Put(ctx, data)
		if err != nil {
			t.Fatalf("Put(2) failed: %v", err)
		}
		if ref1 != ref2 {
			t.Fatalf("Put refs differ: %s vs %s", ref1, ref2)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		b := k.New(t)
		missing := []byte("missing")
		if _, err := b.Get(ctx, k.refFor(missing)); !storage.IsNotFound(err) {
			t.Fatalf("Get missing: got err=%v want ErrNotFound", err)
		}
		if _, err := b.Put(ctx, missing); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if _, err := b.Get(ctx, k.refFor(missing)); err != nil {
			t.Fatalf("Get after Put: %v", err)
		}
	})

	t.Run("RejectEmptyRef", func(t *testing.T) {
		b := k.New(t)
		if _, err := b.Get(ctx, ""); err == nil {
			t.Fatalf("Get should fail for an empty ref")
		}
	})
}
