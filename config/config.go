// Package config loads capvault client configuration.
//
// Values come from code defaults, then the YAML file, then CAPVAULT_*
// environment variables. Command-line flags are layered on top by the
// caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"xdao.co/capvault/session"
	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/rotation"
	"xdao.co/capvault/threshold"
)

const (
	DefaultBatchSize  = 10
	DefaultBlobCache  = 64
	DefaultHomeSuffix = ".xdao/capvault"
)

// LedgerLocal keeps ledger state in a JSON file under Home.
const LedgerLocal = "local"

type Config struct {
	// Home holds keys, the session cache and local ledger state.
	Home string `yaml:"home"`
	// Identity is the key name used to sign.
	Identity string `yaml:"identity"`
	// Package is the ledger package whose approval rules apply.
	Package string `yaml:"package"`

	Session   SessionConfig   `yaml:"session"`
	Decrypt   DecryptConfig   `yaml:"decrypt"`
	Threshold ThresholdConfig `yaml:"threshold"`
	Storage   StorageConfig   `yaml:"storage"`
	Ledger    LedgerConfig    `yaml:"ledger"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type DecryptConfig struct {
	BatchSize int `yaml:"batch_size"`
}

type ThresholdConfig struct {
	Threshold int `yaml:"threshold"`
	// Servers are key server ids. In local mode their identities live
	// under Home/keyservers.
	Servers []string `yaml:"servers"`
}

type StorageConfig struct {
	MaxBlobBytes int64         `yaml:"max_blob_bytes"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	// CacheBlobs bounds the in-process blob cache. Zero disables it.
	CacheBlobs int             `yaml:"cache_blobs"`
	Rotation   rotation.Config `yaml:"rotation"`
}

type LedgerConfig struct {
	Mode string `yaml:"mode"`
	// StateFile defaults to Home/ledger.json in local mode.
	StateFile string `yaml:"state_file"`
}

// Default returns a configuration with every default applied. The
// storage rotation is a single local directory backend under Home.
func Default() Config {
	home := defaultHome()
	return Config{
		Home:     home,
		Identity: "default",
		Package:  "0x5ea1",
		Session:  SessionConfig{TTL: session.DefaultTTL},
		Decrypt:  DecryptConfig{BatchSize: DefaultBatchSize},
		Threshold: ThresholdConfig{
			Threshold: threshold.DefaultThreshold,
			Servers:   []string{"ks-0", "ks-1", "ks-2"},
		},
		Storage: StorageConfig{
			MaxBlobBytes: storage.DefaultMaxSize,
			MaxRetries:   storage.DefaultMaxRetries,
			CacheBlobs:   DefaultBlobCache,
			Rotation: rotation.Config{Backends: []rotation.BackendConfig{{
				Name: "localfs",
				ID:   "local",
			}}},
		},
		Ledger: LedgerConfig{Mode: LedgerLocal},
	}
}

func defaultHome() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, DefaultHomeSuffix)
	}
	return DefaultHomeSuffix
}

// DefaultPath is the config file read when none is given.
func DefaultPath() string { return filepath.Join(defaultHome(), "config.yaml") }

// Load reads path over the defaults, then applies the environment and
// overrides in order. A missing file is not an error when path is
// DefaultPath or empty.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()
	optional := path == "" || path == DefaultPath()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && optional:
	default:
		return Config{}, fmt.Errorf("config: %w", err)
	}

	applyEnv(&cfg)
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.Resolve()
	return cfg, cfg.Validate()
}

// Resolve fills values derived from Home: the local ledger state file and
// the directory of localfs backends that name none.
func (c *Config) Resolve() {
	c.Home = expandHome(c.Home)
	if c.Ledger.Mode == LedgerLocal && c.Ledger.StateFile == "" {
		c.Ledger.StateFile = filepath.Join(c.Home, "ledger.json")
	}
	for i, b := range c.Storage.Rotation.Backends {
		if b.Name != "localfs" || b.Config["dir"] != "" {
			continue
		}
		cfg := make(map[string]string, len(b.Config)+1)
		for k, v := range b.Config {
			cfg[k] = v
		}
		cfg["dir"] = filepath.Join(c.Home, "blobs")
		c.Storage.Rotation.Backends[i].Config = cfg
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CAPVAULT_HOME")); v != "" {
		cfg.Home = v
	}
	if v := strings.TrimSpace(os.Getenv("CAPVAULT_IDENTITY")); v != "" {
		cfg.Identity = v
	}
	if v := strings.TrimSpace(os.Getenv("CAPVAULT_PACKAGE")); v != "" {
		cfg.Package = v
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~/"))
		}
	}
	return p
}

func (c Config) Validate() error {
	var errs []error
	if c.Home == "" {
		errs = append(errs, errors.New("home is required"))
	}
	if c.Identity == "" {
		errs = append(errs, errors.New("identity is required"))
	}
	if !strings.HasPrefix(c.Package, "0x") {
		errs = append(errs, fmt.Errorf("package %q must be a 0x object id", c.Package))
	}
	if c.Session.TTL < session.MinTTL || c.Session.TTL > session.MaxTTL || c.Session.TTL%time.Minute != 0 {
		errs = append(errs, fmt.Errorf("session.ttl %s must be whole minutes in [%s, %s]", c.Session.TTL, session.MinTTL, session.MaxTTL))
	}
	if c.Decrypt.BatchSize <= 0 {
		errs = append(errs, errors.New("decrypt.batch_size must be positive"))
	}
	if n := len(c.Threshold.Servers); c.Threshold.Threshold < 1 || c.Threshold.Threshold > n {
		errs = append(errs, fmt.Errorf("threshold.threshold %d must be within [1, %d]", c.Threshold.Threshold, n))
	}
	seen := map[string]bool{}
	for _, id := range c.Threshold.Servers {
		if id == "" || seen[id] {
			errs = append(errs, fmt.Errorf("threshold.servers: empty or duplicate id %q", id))
		}
		seen[id] = true
	}
	if c.Storage.MaxBlobBytes <= 0 {
		errs = append(errs, errors.New("storage.max_blob_bytes must be positive"))
	}
	if c.Storage.MaxRetries < 0 || c.Storage.CacheBlobs < 0 || c.Storage.RetryDelay < 0 {
		errs = append(errs, errors.New("storage: max_retries, cache_blobs and retry_delay must not be negative"))
	}
	if err := c.Storage.Rotation.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.Mode != LedgerLocal {
		errs = append(errs, fmt.Errorf("ledger.mode %q is not supported", c.Ledger.Mode))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Save writes c as YAML, creating parent directories.
func (c Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// KeyDir is where identity keys are stored.
func (c Config) KeyDir() string { return filepath.Join(c.Home, "keys") }

// CacheDir backs the durable local cache.
func (c Config) CacheDir() string { return filepath.Join(c.Home, "cache") }

// KeyServerDir holds local key server identities.
func (c Config) KeyServerDir() string { return filepath.Join(c.Home, "keyservers") }
