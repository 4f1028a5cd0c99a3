package ipfs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/testkit"
)

// fakeIPFS writes a shell script that emulates "ipfs block get" over an
// empty repo, so the adapter can be exercised without Kubo installed.
func fakeIPFS(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "ipfs")
	body := "#!/bin/sh\necho \"Error: block was not found locally (offline): ipld: could not find $3\" >&2\nexit 1\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return script
}

func TestIPFS_NotFoundAndInvalidRef(t *testing.T) {
	s := New(Options{Bin: fakeIPFS(t)})
	ctx := context.Background()

	if _, err := s.Get(ctx, "not-a-cid"); err != storage.ErrInvalidRef {
		t.Fatalf("expected ErrInvalidRef, got %v", err)
	}
	missing := testkit.NewMemory()
	ref, _ := missing.Put(ctx, []byte("absent"))
	if _, err := s.Get(ctx, ref); !storage.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIPFS_MissingBinary(t *testing.T) {
	s := New(Options{Bin: filepath.Join(t.TempDir(), "no-ipfs")})
	if _, err := s.Put(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected error when the ipfs binary is missing")
	}
}
