package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type cli struct {
	t    *testing.T
	home string
	cfg  string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	home := t.TempDir()
	c := &cli{t: t, home: home, cfg: filepath.Join(home, "config.yaml")}
	c.ok("init")
	return c
}

func (c *cli) run(args ...string) (int, string, string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{args[0], "--config", c.cfg, "--home", c.home}, args[1:]...)
	code := run(context.Background(), full, &out, &errOut)
	return code, out.String(), errOut.String()
}

func (c *cli) ok(args ...string) string {
	c.t.Helper()
	code, out, errOut := c.run(args...)
	if code != 0 {
		c.t.Fatalf("capvault %s: exit %d\nstdout: %s\nstderr: %s", strings.Join(args, " "), code, out, errOut)
	}
	return out
}

func field(t *testing.T, out, label string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, label+": "); ok {
			return strings.TrimSpace(v)
		}
	}
	t.Fatalf("no %q line in output:\n%s", label, out)
	return ""
}

func TestStoreAndOpenLocalMode(t *testing.T) {
	c := newCLI(t)
	c.ok("keygen", "--name", "default")
	bob := field(t, c.ok("keygen", "--name", "bob", "--from", "default"), "Address")

	container := field(t, c.ok("create", "--name", "letters"), "Container")
	c.ok("grant", "--container", container, "--member", bob)

	src := filepath.Join(c.home, "note.txt")
	if err := os.WriteFile(src, []byte("dear bob"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	contentID := field(t, c.ok("store", "--container", container, src), "Content id")

	if out := c.ok("containers", "--identity", "bob"); !strings.Contains(out, "Member\tletters\t1 blobs") {
		t.Fatalf("bob's containers:\n%s", out)
	}

	outDir := filepath.Join(c.home, "out")
	c.ok("open", "--identity", "bob", "--container", container, "--out", outDir)
	got, err := os.ReadFile(filepath.Join(outDir, contentID))
	if err != nil || string(got) != "dear bob" {
		t.Fatalf("decrypted file = %q, %v", got, err)
	}

	c.ok("revoke", "--container", container, "--member", bob)
	code, out, _ := c.run("open", "--identity", "bob", "--container", container)
	if code != 1 || !strings.Contains(out, "AccessDenied") {
		t.Fatalf("expected AccessDenied after revoke, exit %d:\n%s", code, out)
	}
	c.ok("logout")
}

func TestExportAndRestore(t *testing.T) {
	c := newCLI(t)
	c.ok("keygen", "--name", "default")
	container := field(t, c.ok("create", "--name", "deeds"), "Container")

	src := filepath.Join(c.home, "deed.txt")
	if err := os.WriteFile(src, []byte("lot 7"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c.ok("store", "--container", container, src)

	bundlePath := filepath.Join(c.home, "deeds.tar")
	if out := c.ok("export", "--container", container, "--out", bundlePath); !strings.Contains(out, "Exported 1 blob(s)") {
		t.Fatalf("export output:\n%s", out)
	}
	if out := c.ok("restore", "--container", container, bundlePath); !strings.Contains(out, "already listed") {
		t.Fatalf("restore output:\n%s", out)
	}
	if code, _, _ := c.run("restore", "--container", container); code != 2 {
		t.Fatalf("restore without a file: exit %d", code)
	}
}

func TestUsageErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), nil, &out, &errOut); code != 2 {
		t.Fatalf("no args: exit %d", code)
	}
	if code := run(context.Background(), []string{"bogus"}, &out, &errOut); code != 2 {
		t.Fatalf("unknown command: exit %d", code)
	}
	c := newCLI(t)
	if code, _, _ := c.run("create"); code != 2 {
		t.Fatalf("create without --name: exit %d", code)
	}
	if code, _, errOut := c.run("containers"); code != 1 || !strings.Contains(errOut, "keygen") {
		t.Fatalf("missing identity should suggest keygen, exit %d: %s", code, errOut)
	}
	if code, _, _ := c.run("init"); code != 1 {
		t.Fatalf("init over an existing config should fail, exit %d", code)
	}
}

func TestBackendsListsLinkedPlugins(t *testing.T) {
	var out bytes.Buffer
	cmdBackends(&out)
	for _, name := range []string{"grpc", "ipfs", "localfs", "publisher"} {
		if !strings.Contains(out.String(), name) {
			t.Fatalf("backend %s not listed:\n%s", name, out.String())
		}
	}
}
