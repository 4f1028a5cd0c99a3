package localfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/storage"
)

// Store is a local filesystem blob backend.
//
// Objects are stored immutably and keyed strictly by CID (v1, raw,
// sha2-256), so the blob ref is a CID string. This implementation never
// uses the network and never depends on wall-clock time.
type Store struct {
	root string
}

var _ storage.Backend = (*Store)(nil)

// New constructs a filesystem store rooted at root. The directory will be created if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return "", err
	}
	if !id.Defined() {
		return "", storage.ErrInvalidRef
	}

	path := s.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			existing, rerr := s.get(id)
			if rerr != nil {
				// An existing but unreadable or corrupted object is an immutability violation.
				return "", storage.ErrImmutable
			}
			if string(existing) != string(data) {
				return "", storage.ErrImmutable
			}
			return id.String(), nil
		}
		return "", err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}

	return id.String(), nil
}

func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := cid.Decode(ref)
	if err != nil || !id.Defined() {
		return nil, storage.ErrInvalidRef
	}
	return s.get(id)
}

func (s *Store) get(id cid.Cid) ([]byte, error) {
	b, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	got, err := cidutil.CIDv1RawSHA256CID(b)
	if err != nil {
		return nil, err
	}
	if got != id {
		return nil, storage.ErrRefMismatch
	}
	return b, nil
}

func (s *Store) pathFor(id cid.Cid) string {
	str := id.String()
	if len(str) < 2 {
		return filepath.Join(s.root, str)
	}
	return filepath.Join(s.root, str[:2], str)
}
