package rotation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/registry"
	"xdao.co/capvault/storage/testkit"
)

var closed []string

func init() {
	registry.MustRegister(registry.Backend{
		Name:  "rotation-test-mem",
		Usage: registry.UsageCLI,
		Keys:  []string{"fail", "tag"},
		Open: func(cfg map[string]string) (storage.Backend, func() error, error) {
			if cfg["fail"] == "true" {
				return nil, nil, errors.New("boom")
			}
			tag := cfg["tag"]
			return testkit.NewMemory(), func() error { closed = append(closed, tag); return nil }, nil
		},
	})
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotation.yaml")
	doc := `
preferred: b
backends:
  - name: rotation-test-mem
    id: a
  - name: rotation-test-mem
    id: b
    config: {tag: b}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Preferred != "b" || len(cfg.Backends) != 2 || cfg.Backends[1].Config["tag"] != "b" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotation.json")
	doc := `{"backends":[{"name":"rotation-test-mem"}]}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := cfg.IDs(); len(got) != 1 || got[0] != "rotation-test-mem" {
		t.Fatalf("IDs = %v", got)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Config{
		"empty":     {},
		"no name":   {Backends: []BackendConfig{{ID: "x"}}},
		"duplicate": {Backends: []BackendConfig{{Name: "m", ID: "x"}, {Name: "n", ID: "x"}}},
		"preferred": {Preferred: "zzz", Backends: []BackendConfig{{Name: "m"}}},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestOpenPreservesOrderAndCloses(t *testing.T) {
	closed = nil
	cfg := Config{Backends: []BackendConfig{
		{Name: "rotation-test-mem", ID: "first", Config: map[string]string{"tag": "first"}},
		{Name: "rotation-test-mem", ID: "second", Config: map[string]string{"tag": "second"}},
	}}
	named, closeAll, err := cfg.Open(registry.UsageCLI)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(named) != 2 || named[0].ID != "first" || named[1].ID != "second" {
		t.Fatalf("unexpected order: %+v", named)
	}
	if _, err := named[0].Backend.Put(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := closeAll(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(closed) != 2 || closed[0] != "second" || closed[1] != "first" {
		t.Fatalf("expected reverse close order, got %v", closed)
	}
}

func TestOpenFailureClosesOpened(t *testing.T) {
	closed = nil
	cfg := Config{Backends: []BackendConfig{
		{Name: "rotation-test-mem", ID: "ok", Config: map[string]string{"tag": "ok"}},
		{Name: "rotation-test-mem", ID: "bad", Config: map[string]string{"fail": "true"}},
	}}
	if _, _, err := cfg.Open(registry.UsageCLI); err == nil {
		t.Fatalf("expected open failure")
	}
	if len(closed) != 1 || closed[0] != "ok" {
		t.Fatalf("expected opened backend to be closed, got %v", closed)
	}
}
