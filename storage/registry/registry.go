// Package registry maps backend names, as written in a storage rotation,
// to constructors linked into the binary.
//
// A backend package adds itself from init:
//
//	func init() { registry.MustRegister(registry.Backend{Name: "localfs", ...}) }
//
// and a program enables it with a blank import. Configuration is a flat
// string map taken verbatim from the rotation entry.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"xdao.co/capvault/storage"
)

// Opener builds a backend from its rotation config. The returned close
// function may be nil.
type Opener func(cfg map[string]string) (storage.Backend, func() error, error)

type Backend struct {
	Name        string
	Description string
	Usage       Usage
	// Keys are the config keys Open reads. Open is never called with any
	// other key.
	Keys []string
	Open Opener
}

var (
	mu      sync.RWMutex
	entries = map[string]Backend{}
)

// Register adds b. Names are unique per process.
func Register(b Backend) error {
	switch {
	case b.Name == "":
		return fmt.Errorf("registry: backend name is required")
	case b.Open == nil:
		return fmt.Errorf("registry: backend %q has no Open", b.Name)
	case b.Usage == 0:
		return fmt.Errorf("registry: backend %q has no Usage", b.Name)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, dup := entries[b.Name]; dup {
		return fmt.Errorf("registry: backend %q registered twice", b.Name)
	}
	entries[b.Name] = b
	return nil
}

// MustRegister panics if Register fails. Meant for init functions.
func MustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// List returns the backends usable under usage, ordered by name.
func List(usage Usage) []Backend {
	mu.RLock()
	defer mu.RUnlock()
	var out []Backend
	for _, b := range entries {
		if b.Usage.allows(usage) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func Names(usage Usage) []string {
	var names []string
	for _, b := range List(usage) {
		names = append(names, b.Name)
	}
	return names
}

// Open looks up name, checks that usage permits it and that cfg only uses
// declared keys, then calls the backend's Opener with a non-nil map.
func Open(name string, usage Usage, cfg map[string]string) (storage.Backend, func() error, error) {
	mu.RLock()
	b, ok := entries[name]
	mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown backend %q", name)
	}
	if !b.Usage.allows(usage) {
		return nil, nil, fmt.Errorf("backend %q not supported in this binary", name)
	}
	var unknown []string
	for k := range cfg {
		if !slices.Contains(b.Keys, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, nil, fmt.Errorf("backend %q: unknown config key(s) %s (accepted: %s)",
			name, strings.Join(unknown, ", "), strings.Join(b.Keys, ", "))
	}
	if cfg == nil {
		cfg = map[string]string{}
	}
	return b.Open(cfg)
}
