package testkit

import (
	"context"
	"errors"
	"sync"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/storage"
)

// ErrDown is returned by a Memory backend that has been taken down.
var ErrDown = errors.New("testkit: backend down")

// Memory is an in-memory, CID-addressed backend that can be taken down
// to simulate an unreachable mirror.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
	down  bool
	puts  int
	gets  int
}

var _ storage.Backend = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{blobs: map[string][]byte{}} }

// SetDown makes every subsequent call fail with ErrDown.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *Memory) Put(ctx context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.down {
		return "", ErrDown
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := cidutil.CIDv1RawSHA256(data)
	m.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *Memory) Get(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.down {
		return nil, ErrDown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, storage.ErrInvalidRef
	}
	b, ok := m.blobs[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Puts returns the number of Put calls, including failed ones.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Gets returns the number of Get calls, including failed ones.
func (m *Memory) Gets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}
