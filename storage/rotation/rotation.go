// Package rotation opens an ordered set of storage backends from
// configuration. Backends are build-time plugins; callers link the ones
// they need via blank imports.
package rotation

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/registry"
)

// Config describes the backend rotation. Order is the failover and read
// fallback order and never changes at runtime.
//
// Example:
//
//	preferred: pub-b
//	backends:
//	  - name: publisher
//	    id: pub-a
//	    config: {publisher: "https://a.example", epochs: "5"}
//	  - name: publisher
//	    id: pub-b
//	    config: {publisher: "https://b.example"}
//	  - name: localfs
//	    config: {dir: /var/lib/capvault/blobs}
//
// JSON documents are accepted as well.
type Config struct {
	// Preferred names the backend the first upload starts from. Empty
	// means the first backend.
	Preferred string          `yaml:"preferred,omitempty" json:"preferred,omitempty"`
	Backends  []BackendConfig `yaml:"backends" json:"backends"`
}

type BackendConfig struct {
	// Name is the registry backend name to open (e.g. "grpc", "localfs").
	Name string `yaml:"name" json:"name"`
	// ID is an optional stable alias recorded in storage locators. If
	// empty, Name is used.
	ID     string            `yaml:"id,omitempty" json:"id,omitempty"`
	Config map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
}

func (b BackendConfig) id() string {
	if b.ID != "" {
		return b.ID
	}
	return b.Name
}

func LoadFile(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("rotation: empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("rotation: %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if len(c.Backends) == 0 {
		return errors.New("rotation: at least one backend is required")
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return errors.New("rotation: backend name is required")
		}
		if _, ok := seen[b.id()]; ok {
			return fmt.Errorf("rotation: duplicate backend id %q", b.id())
		}
		seen[b.id()] = struct{}{}
	}
	if c.Preferred != "" {
		if _, ok := seen[c.Preferred]; !ok {
			return fmt.Errorf("rotation: preferred backend %q not found in config", c.Preferred)
		}
	}
	return nil
}

// IDs returns the backend ids in rotation order.
func (c Config) IDs() []string {
	out := make([]string, len(c.Backends))
	for i, b := range c.Backends {
		out[i] = b.id()
	}
	return out
}

// Open opens every backend in order. On error, backends already opened
// are closed. The returned close function closes them in reverse order.
func (c Config) Open(usage registry.Usage) ([]storage.NamedBackend, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	named := make([]storage.NamedBackend, 0, len(c.Backends))
	closers := make([]func() error, 0, len(c.Backends))
	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for _, b := range c.Backends {
		be, closeFn, err := registry.Open(b.Name, usage, b.Config)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("rotation: backend %q: %w", b.id(), err)
		}
		named = append(named, storage.NamedBackend{ID: b.id(), Backend: be})
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}
	return named, closeAll, nil
}
