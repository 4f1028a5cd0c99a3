package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"xdao.co/capvault/clock"
	"xdao.co/capvault/config"
	"xdao.co/capvault/internal/metrics"
	"xdao.co/capvault/keys"
	"xdao.co/capvault/ledger/memledger"
	"xdao.co/capvault/localcache"
	"xdao.co/capvault/session"
	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/registry"
	"xdao.co/capvault/threshold"
)

// LocalOptions configures OpenLocal.
type LocalOptions struct {
	Config config.Config
	Signer keys.Signer
	// Prompter defaults to signing with Signer without asking.
	Prompter session.Prompter
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Local is a Client wired to a file-backed ledger and in-process key
// servers. Close persists the ledger.
type Local struct {
	*Client
	Ledger *memledger.Ledger

	stateFile string
	closers   []func() error
}

// OpenLocal builds a Client from cfg for local mode. Storage backends are
// opened from the configured rotation; their packages must be linked by
// the binary.
func OpenLocal(opts LocalOptions) (*Local, error) {
	cfg := opts.Config
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Signer == nil {
		return nil, errors.New("vault: signer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	prompter := opts.Prompter
	if prompter == nil {
		prompter = session.SignerPrompter{Signer: opts.Signer}
	}

	l, err := memledger.Load(cfg.Ledger.StateFile, cfg.Package)
	if err != nil {
		return nil, err
	}
	servers, err := localKeyServers(cfg, l, opts.Clock, logger)
	if err != nil {
		return nil, err
	}
	tss, err := threshold.NewClient(threshold.ClientOptions{
		Package:   cfg.Package,
		Servers:   servers,
		Threshold: cfg.Threshold.Threshold,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	cache, err := localcache.NewDir(cfg.CacheDir())
	if err != nil {
		return nil, fmt.Errorf("vault: cache: %w", err)
	}
	sess, err := session.New(session.Options{
		Identity: opts.Signer.Address(),
		Package:  cfg.Package,
		TTL:      cfg.Session.TTL,
		Prompter: prompter,
		Cache:    cache,
		Clock:    opts.Clock,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	backends, closeBackends, err := cfg.Storage.Rotation.Open(registry.UsageCLI)
	if err != nil {
		return nil, err
	}
	local := &Local{Ledger: l, stateFile: cfg.Ledger.StateFile, closers: []func() error{closeBackends}}
	fail := func(err error) (*Local, error) {
		_ = closeBackends()
		return nil, err
	}

	up, err := storage.NewUploader(storage.UploaderOptions{
		Backends:   backends,
		MaxRetries: retries(cfg.Storage.MaxRetries),
		MaxSize:    cfg.Storage.MaxBlobBytes,
		RetryDelay: cfg.Storage.RetryDelay,
		Clock:      opts.Clock,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return fail(err)
	}
	if p := cfg.Storage.Rotation.Preferred; p != "" {
		if err := up.Select(p); err != nil {
			return fail(err)
		}
	}
	reader := storage.NewReader(backends, logger)
	if cfg.Storage.CacheBlobs > 0 {
		if reader, err = storage.NewCachingReader(backends, cfg.Storage.CacheBlobs, logger); err != nil {
			return fail(err)
		}
	}

	local.Client, err = New(Options{
		Identity:  opts.Signer.Address(),
		Package:   cfg.Package,
		Ledger:    l,
		Session:   sess,
		Threshold: tss,
		Uploader:  up,
		Reader:    reader,
		Cache:     cache,
		BatchSize: cfg.Decrypt.BatchSize,
		Clock:     opts.Clock,
		Logger:    logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		return fail(err)
	}
	return local, nil
}

// retries maps the config value, where zero means no retries, onto
// UploaderOptions, where zero means the default.
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// Close saves the ledger state and closes storage backends.
func (l *Local) Close() error {
	errs := []error{l.Ledger.Save(l.stateFile)}
	for i := len(l.closers) - 1; i >= 0; i-- {
		errs = append(errs, l.closers[i]())
	}
	return errors.Join(errs...)
}

// localKeyServers loads each configured key server identity from the key
// server directory, generating missing ones.
func localKeyServers(cfg config.Config, l *memledger.Ledger, clk clock.Clock, logger *slog.Logger) ([]threshold.Server, error) {
	dir, err := localcache.NewDir(cfg.KeyServerDir())
	if err != nil {
		return nil, fmt.Errorf("vault: key server dir: %w", err)
	}
	servers := make([]threshold.Server, 0, len(cfg.Threshold.Servers))
	for _, id := range cfg.Threshold.Servers {
		key := id + ".key"
		b, ok, err := dir.Get(key)
		if err != nil {
			return nil, fmt.Errorf("vault: key server %s: %w", id, err)
		}
		secret := strings.TrimSpace(string(b))
		if !ok {
			if secret, _, err = threshold.GenerateIdentity(); err != nil {
				return nil, err
			}
			if err := dir.Set(key, []byte(secret+"\n")); err != nil {
				return nil, fmt.Errorf("vault: key server %s: %w", id, err)
			}
			logger.Info("generated key server identity", "server", id)
		}
		s, err := threshold.NewLocalServer(threshold.LocalServerOptions{
			ID: id, Identity: secret, Package: cfg.Package, Ledger: l, Clock: clk, Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}
