package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestListBackends(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"--list-backends"}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "localfs") || !strings.Contains(out.String(), "ipfs") {
		t.Fatalf("unexpected backend list:\n%s", out.String())
	}
	if strings.Contains(out.String(), "publisher") {
		t.Fatalf("CLI-only backends must not be listed:\n%s", out.String())
	}
}

func TestUnknownBackend(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"--backend", "nope"}, &out, &errOut); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out, errOut bytes.Buffer
	code := run(ctx, []string{"--listen", "127.0.0.1:0", "--opt", "dir=" + t.TempDir()}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
}
