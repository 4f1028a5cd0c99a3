package grpcblob

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/registry"
)

func durationKey(cfg map[string]string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(cfg[key])
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("grpc: invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func init() {
	registry.MustRegister(registry.Backend{
		Name:        "grpc",
		Description: "gRPC blob client (talks to capvault-blobd)",
		Usage:       registry.UsageCLI,
		Keys:        []string{"target", "dial-timeout", "timeout", "max-msg-bytes"},
		Open: func(cfg map[string]string) (storage.Backend, func() error, error) {
			target := strings.TrimSpace(cfg["target"])
			if target == "" {
				return nil, nil, fmt.Errorf("grpc: missing config key \"target\"")
			}
			dialTimeout, err := durationKey(cfg, "dial-timeout", 5*time.Second)
			if err != nil {
				return nil, nil, err
			}
			timeout, err := durationKey(cfg, "timeout", 0)
			if err != nil {
				return nil, nil, err
			}
			maxMsg := 0
			if v := strings.TrimSpace(cfg["max-msg-bytes"]); v != "" {
				if maxMsg, err = strconv.Atoi(v); err != nil {
					return nil, nil, fmt.Errorf("grpc: invalid max-msg-bytes %q", v)
				}
			}
			client, err := Dial(target, DialOptions{Timeout: dialTimeout, MaxMsgBytes: maxMsg})
			if err != nil {
				return nil, nil, err
			}
			client.Timeout = timeout
			return client, client.Close, nil
		},
	})
}
