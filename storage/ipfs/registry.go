package ipfs

import (
	"os"

	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/registry"
)

func init() {
	registry.MustRegister(registry.Backend{
		Name:        "ipfs",
		Description: "Local IPFS repo via the Kubo CLI (block put/get)",
		Usage:       registry.UsageCLI | registry.UsageDaemon,
		Keys:        []string{"ipfs-path", "bin"},
		Open: func(cfg map[string]string) (storage.Backend, func() error, error) {
			var env []string
			if p := cfg["ipfs-path"]; p != "" {
				env = append(os.Environ(), "IPFS_PATH="+p)
			}
			return New(Options{Bin: cfg["bin"], Env: env}), nil, nil
		},
	})
}
