package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"xdao.co/capvault/clock"
	"xdao.co/capvault/model"
)

type mockBackend struct {
	mu    sync.Mutex
	fail  bool
	calls int
	gets  int
	blobs map[string][]byte
}

func newMock(fail bool) *mockBackend { return &mockBackend{fail: fail, blobs: map[string][]byte{}} }

func (m *mockBackend) Put(ctx context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return "", errors.New("503 service unavailable")
	}
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	m.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *mockBackend) Get(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.fail {
		return nil, errors.New("503 service unavailable")
	}
	b, ok := m.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *mockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func rotation(mocks ...*mockBackend) []NamedBackend {
	out := make([]NamedBackend, len(mocks))
	for i, m := range mocks {
		out[i] = NamedBackend{ID: string(rune('a' + i)), Backend: m}
	}
	return out
}

func newUploader(t *testing.T, opts UploaderOptions) *Uploader {
	t.Helper()
	u, err := NewUploader(opts)
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}
	return u
}

func TestUploadFailsOverToThirdBackend(t *testing.T) {
	b0, b1, b2 := newMock(true), newMock(true), newMock(false)
	u := newUploader(t, UploaderOptions{Backends: rotation(b0, b1, b2)})

	res, err := u.Upload(context.Background(), []byte("ciphertext"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", res.RetryCount)
	}
	if res.Locator.BackendID != "c" || res.Locator.BlobRef == "" {
		t.Fatalf("unexpected locator %+v", res.Locator)
	}
	if len(res.Attempts) != 3 || res.Attempts[0].Outcome != model.OutcomeFailed || res.Attempts[2].Outcome != model.OutcomeStored {
		t.Fatalf("unexpected attempts %+v", res.Attempts)
	}
	if u.Selected() != "c" {
		t.Fatalf("selection should stay on the backend that succeeded, got %s", u.Selected())
	}
}

func TestUploadAllFailAfterMaxRetriesPlusOne(t *testing.T) {
	mocks := []*mockBackend{newMock(true), newMock(true), newMock(true)}
	u := newUploader(t, UploaderOptions{Backends: rotation(mocks...), MaxRetries: 4})

	_, err := u.Upload(context.Background(), []byte("x"))
	if !model.IsKind(err, model.StorageUnavailable) {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
	total := 0
	for _, m := range mocks {
		total += m.Calls()
	}
	if total != 5 {
		t.Fatalf("expected max_retries+1 = 5 attempts, got %d", total)
	}
	// Wrapped forward: a, b, c, a, b.
	if mocks[0].Calls() != 2 || mocks[1].Calls() != 2 || mocks[2].Calls() != 1 {
		t.Fatalf("unexpected distribution %d/%d/%d", mocks[0].Calls(), mocks[1].Calls(), mocks[2].Calls())
	}
}

func TestUploadDefaultRetriesExhaustRotation(t *testing.T) {
	mocks := []*mockBackend{newMock(true), newMock(true), newMock(true)}
	u := newUploader(t, UploaderOptions{Backends: rotation(mocks...)})
	if _, err := u.Upload(context.Background(), []byte("x")); !model.IsKind(err, model.StorageUnavailable) {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
	for i, m := range mocks {
		if m.Calls() != 1 {
			t.Fatalf("backend %d called %d times", i, m.Calls())
		}
	}
}

func TestUploadRejectsOversizedPayloadWithoutCalls(t *testing.T) {
	b0 := newMock(false)
	u := newUploader(t, UploaderOptions{Backends: rotation(b0)})

	_, err := u.Upload(context.Background(), make([]byte, DefaultMaxSize+1))
	if !model.IsKind(err, model.ValidationError) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if b0.Calls() != 0 {
		t.Fatalf("expected zero backend calls, got %d", b0.Calls())
	}

	if _, err := u.Upload(context.Background(), make([]byte, DefaultMaxSize)); err != nil {
		t.Fatalf("payload at the limit must be accepted: %v", err)
	}
}

func TestUploadStartsAtSelectedBackend(t *testing.T) {
	b0, b1 := newMock(false), newMock(false)
	u := newUploader(t, UploaderOptions{Backends: rotation(b0, b1)})
	if err := u.Select("b"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	res, err := u.Upload(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Locator.BackendID != "b" || b0.Calls() != 0 {
		t.Fatalf("expected upload via selected backend, got %+v", res.Locator)
	}
	if err := u.Select("zz"); !model.IsKind(err, model.ValidationError) {
		t.Fatalf("expected ValidationError for unknown backend, got %v", err)
	}
}

func TestUploadWaitsBetweenAttempts(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	b0, b1 := newMock(true), newMock(false)
	u := newUploader(t, UploaderOptions{Backends: rotation(b0, b1), RetryDelay: 500 * time.Millisecond, Clock: clk})

	done := make(chan error, 1)
	go func() {
		_, err := u.Upload(context.Background(), []byte("x"))
		done <- err
	}()
	for clk.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	if b1.Calls() != 0 {
		t.Fatalf("second backend called before the retry delay elapsed")
	}
	clk.Advance(500 * time.Millisecond)
	if err := <-done; err != nil {
		t.Fatalf("Upload: %v", err)
	}
}

func TestUploadStopsOnCancel(t *testing.T) {
	b0 := newMock(true)
	u := newUploader(t, UploaderOptions{Backends: rotation(b0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := u.Upload(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b0.Calls() != 0 {
		t.Fatalf("no attempt should be issued after cancellation")
	}
}

func TestNewUploaderValidates(t *testing.T) {
	if _, err := NewUploader(UploaderOptions{}); !model.IsKind(err, model.ValidationError) {
		t.Fatalf("expected ValidationError for empty rotation, got %v", err)
	}
	dup := []NamedBackend{{ID: "a", Backend: newMock(false)}, {ID: "a", Backend: newMock(false)}}
	if _, err := NewUploader(UploaderOptions{Backends: dup}); !model.IsKind(err, model.ValidationError) {
		t.Fatalf("expected ValidationError for duplicate ids, got %v", err)
	}
}
