package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	"precache/internal/cache"
	"precache/internal/lifecycle"
	"precache/internal/registry"
)

const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendSQLite     = "sqlite"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Origin    OriginConfig    `yaml:"origin"`
	Cache     CacheConfig     `yaml:"cache"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Address      string    `yaml:"address"`
	AdminAddress string    `yaml:"adminAddress"`
	TLS          TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type OriginConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	Prefix       string         `yaml:"prefix"`
	Version      string         `yaml:"version"`
	Backend      BackendConfig  `yaml:"backend"`
	MaxBodyBytes int64          `yaml:"maxBodyBytes"`
	Match        MatchConfig    `yaml:"match"`
	Manifest     ManifestConfig `yaml:"manifest"`
}

type BackendConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type MatchConfig struct {
	IgnoreQuery bool     `yaml:"ignoreQuery"`
	VaryHeaders []string `yaml:"varyHeaders"`
}

type ManifestConfig struct {
	Resources []string        `yaml:"resources"`
	Variants  []VariantConfig `yaml:"variants"`
}

type VariantConfig struct {
	Path   string   `yaml:"path"`
	Param  string   `yaml:"param"`
	Values []string `yaml:"values,omitempty"`
	From   int      `yaml:"from"`
	To     int      `yaml:"to"`
}

type LifecycleConfig struct {
	ProvisionTimeout time.Duration `yaml:"provisionTimeout"`
	ReconcileTimeout time.Duration `yaml:"reconcileTimeout"`
	Concurrency      int           `yaml:"concurrency"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "unmarshal yaml")
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.AdminAddress == "" {
		cfg.Server.AdminAddress = ":9090"
	}

	if cfg.Origin.Timeout <= 0 {
		cfg.Origin.Timeout = 30 * time.Second
	}

	if cfg.Cache.Backend.Type == "" {
		cfg.Cache.Backend.Type = BackendMemory
	}
	if cfg.Cache.MaxBodyBytes <= 0 {
		cfg.Cache.MaxBodyBytes = 1 << 20 // 1 MiB
	}

	if cfg.Lifecycle.ProvisionTimeout <= 0 {
		cfg.Lifecycle.ProvisionTimeout = 60 * time.Second
	}
	if cfg.Lifecycle.ReconcileTimeout <= 0 {
		cfg.Lifecycle.ReconcileTimeout = 10 * time.Second
	}
	if cfg.Lifecycle.Concurrency <= 0 {
		cfg.Lifecycle.Concurrency = 8
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (cfg *Config) Validate() error {
	if err := registry.ValidatePrefix(cfg.Cache.Prefix); err != nil {
		return invalid("cache.prefix", err)
	}
	if err := registry.ValidateVersion(cfg.Cache.Version); err != nil {
		return invalid("cache.version", err)
	}

	if _, err := cfg.OriginURL(); err != nil {
		return invalid("origin.url", err)
	}

	switch cfg.Cache.Backend.Type {
	case BackendMemory:
	case BackendFilesystem, BackendSQLite:
		if cfg.Cache.Backend.Path == "" {
			return invalid("cache.backend.path", fmt.Errorf("required for %s backend", cfg.Cache.Backend.Type))
		}
	default:
		return invalid("cache.backend.type", fmt.Errorf("unknown backend %q", cfg.Cache.Backend.Type))
	}

	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return invalid("server.tls", fmt.Errorf("certFile and keyFile are required when enabled"))
	}

	// Manifest fetches carry no client headers, so a provisioned entry
	// could never match a request that sends a varying header.
	if vary := cfg.Policy().VaryHeaders; len(vary) > 0 {
		return invalid("cache.match.varyHeaders", fmt.Errorf("provisioned entries cannot vary on %s", strings.Join(vary, ", ")))
	}

	if _, err := cfg.Manifest(); err != nil {
		return invalid("cache.manifest", err)
	}
	return nil
}

func invalid(field string, err error) error {
	return platformerrors.WithContext(
		platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "invalid %s", field),
		"field", field,
	)
}

func (cfg *Config) OriginURL() (*url.URL, error) {
	if cfg.Origin.URL == "" {
		return nil, fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

func (cfg *Config) Policy() cache.Policy {
	vary := make([]string, 0, len(cfg.Cache.Match.VaryHeaders))
	for _, h := range cfg.Cache.Match.VaryHeaders {
		if h = strings.TrimSpace(h); h != "" {
			vary = append(vary, h)
		}
	}
	return cache.Policy{
		IgnoreQuery: cfg.Cache.Match.IgnoreQuery,
		VaryHeaders: vary,
	}
}

// Manifest returns the resource list with variants expanded.
func (cfg *Config) Manifest() ([]string, error) {
	variants := make([]lifecycle.Variant, 0, len(cfg.Cache.Manifest.Variants))
	for _, v := range cfg.Cache.Manifest.Variants {
		variants = append(variants, lifecycle.Variant{
			Path:   v.Path,
			Param:  v.Param,
			Values: v.Values,
			From:   v.From,
			To:     v.To,
		})
	}
	return lifecycle.ExpandManifest(cfg.Cache.Manifest.Resources, variants)
}

// OpenBackend constructs the storage backend named by cache.backend.
func (cfg *Config) OpenBackend() (cache.Backend, error) {
	switch cfg.Cache.Backend.Type {
	case BackendFilesystem:
		b, err := cache.NewDiskBackend(cfg.Cache.Backend.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendSQLite:
		b, err := cache.NewSQLiteBackend(cfg.Cache.Backend.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return cache.NewMemoryBackend(), nil
	}
}
