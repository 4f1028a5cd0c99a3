package ipfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ipfs/go-cid"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/storage"
)

// Store is a blob backend backed by the local Kubo "ipfs" CLI.
//
// Properties:
// - Offline: operates on the local IPFS repo; does not require an IPFS daemon.
// - Validates bytes against the requested CID on every read.
// - Best-effort: relies on an external "ipfs" binary (configurable).
//
// Ref contract: CIDv1 raw + sha2-256, matching cidutil.CIDv1RawSHA256CID.
type Store struct {
	bin string
	env []string
}

var _ storage.Backend = (*Store)(nil)

type Options struct {
	// Bin is the path to the ipfs binary. If empty, "ipfs" is used.
	Bin string
	// Env optionally overrides the command environment (e.g. to set IPFS_PATH).
	// If nil, the process environment is used.
	Env []string
}

func New(opts Options) *Store {
	bin := opts.Bin
	if bin == "" {
		bin = "ipfs"
	}
	return &Store{bin: bin, env: opts.Env}
}

func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	id, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return "", err
	}

	// Store as a raw block with explicit parameters so the CID matches the ref contract.
	out, err := s.run(ctx, data,
		"block", "put",
		"--quiet",
		"--format=raw",
		"--mhtype=sha2-256",
		"--mhlen=32",
		"--cid-version=1",
		"/dev/stdin",
	)
	if err != nil {
		return "", err
	}

	got, err := cid.Decode(strings.TrimSpace(string(out)))
	if err != nil {
		return "", fmt.Errorf("ipfs: unexpected block put output: %w", err)
	}
	if !got.Equals(id) {
		return "", storage.ErrRefMismatch
	}
	return id.String(), nil
}

func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	id, err := cid.Decode(ref)
	if err != nil || !id.Defined() {
		return nil, storage.ErrInvalidRef
	}

	out, err := s.run(ctx, nil, "block", "get", id.String())
	if err != nil {
		if isLikelyNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	if _, matches, _ := cidutil.VerifyRef(ref, out); !matches {
		return nil, storage.ErrRefMismatch
	}
	return out, nil
}

func (s *Store) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.bin, args...)
	if s.env != nil {
		cmd.Env = s.env
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	out, err := cmd.Output()
	if err == nil {
		return out, nil
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		msg := strings.TrimSpace(string(ee.Stderr))
		if msg == "" {
			return nil, fmt.Errorf("ipfs: %v", err)
		}
		return nil, fmt.Errorf("ipfs: %s", msg)
	}
	return nil, err
}

func isLikelyNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "block not found")
}
