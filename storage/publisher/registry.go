package publisher

import (
	"fmt"
	"strconv"
	"time"

	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/registry"
)

func init() {
	registry.MustRegister(registry.Backend{
		Name:        "publisher",
		Description: "HTTP publisher/aggregator blob service",
		Usage:       registry.UsageCLI,
		Keys:        []string{"publisher", "aggregator", "epochs", "timeout"},
		Open: func(cfg map[string]string) (storage.Backend, func() error, error) {
			opts := Options{PublisherURL: cfg["publisher"], AggregatorURL: cfg["aggregator"]}
			if v := cfg["epochs"]; v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, nil, fmt.Errorf("publisher: invalid epochs %q", v)
				}
				opts.Epochs = n
			}
			if v := cfg["timeout"]; v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return nil, nil, fmt.Errorf("publisher: invalid timeout %q", v)
				}
				opts.Timeout = d
			}
			s, err := New(opts)
			return s, nil, err
		},
	})
}
