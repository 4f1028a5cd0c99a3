package storage

import (
	"context"
	"errors"
	"testing"

	"xdao.co/capvault/model"
)

func TestReaderFallsBackInRotationOrder(t *testing.T) {
	down, empty, full := newMock(true), newMock(false), newMock(false)
	ref, err := full.Put(context.Background(), []byte("blob"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	r := NewReader(rotation(down, empty, full), nil)

	got, err := r.Fetch(context.Background(), ref)
	if err != nil || string(got) != "blob" {
		t.Fatalf("Fetch = %q, %v", got, err)
	}
}

func TestReaderGetPrefersLocatorBackend(t *testing.T) {
	a, b := newMock(false), newMock(false)
	ref, _ := b.Put(context.Background(), []byte("blob"))
	r := NewReader(rotation(a, b), nil)

	if _, err := r.Get(context.Background(), model.StorageLocator{BackendID: "b", BlobRef: ref}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.gets != 0 {
		t.Fatalf("locator backend must be tried first, fallback backend saw %d reads", a.gets)
	}
}

func TestReaderNotFound(t *testing.T) {
	r := NewReader(rotation(newMock(false), newMock(false)), nil)
	_, err := r.Fetch(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) || !model.IsKind(err, model.StorageUnavailable) {
		t.Fatalf("expected not-found StorageUnavailable, got %v", err)
	}
}

func TestReaderUnavailable(t *testing.T) {
	r := NewReader(rotation(newMock(true)), nil)
	_, err := r.Fetch(context.Background(), "x")
	if errors.Is(err, ErrNotFound) || model.CodeOf(err) != "CAPV-STO-001" {
		t.Fatalf("expected CAPV-STO-001, got %v", err)
	}
}

func TestCachingReaderServesRepeatReadsFromCache(t *testing.T) {
	m := newMock(false)
	ref, _ := m.Put(context.Background(), []byte("blob"))
	r, err := NewCachingReader(rotation(m), 4, nil)
	if err != nil {
		t.Fatalf("NewCachingReader: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.Fetch(context.Background(), ref); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	if m.gets != 1 {
		t.Fatalf("expected 1 backend read, got %d", m.gets)
	}
	if _, err := NewCachingReader(nil, 0, nil); err == nil {
		t.Fatalf("expected zero-size cache to fail")
	}
}
