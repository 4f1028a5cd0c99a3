package localfs

import (
	"fmt"

	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/registry"
)

func init() {
	registry.MustRegister(registry.Backend{
		Name:        "localfs",
		Description: "Local filesystem blob store (directory)",
		Usage:       registry.UsageCLI | registry.UsageDaemon,
		Keys:        []string{"dir"},
		Open: func(cfg map[string]string) (storage.Backend, func() error, error) {
			dir := cfg["dir"]
			if dir == "" {
				return nil, nil, fmt.Errorf("localfs: missing config key \"dir\"")
			}
			s, err := New(dir)
			return s, nil, err
		},
	})
}
