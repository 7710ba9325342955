package config

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/quire-tex/quire/pkg/bundle"
	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/resource"
	"github.com/quire-tex/quire/pkg/telemetry"
)

const (
	// DefaultBundleURL is the bundle used when nothing else is selected.
	DefaultBundleURL = "https://relay.quire-tex.org/bundles/tlextras/2024.1.tar"

	// FileName is the configuration file looked up in the user config dir.
	FileName = "config.yaml"

	EnvConfig         = "QUIRE_CONFIG"
	EnvBundleURL      = "QUIRE_BUNDLE_URL"
	EnvCacheDir       = "QUIRE_CACHE_DIR"
	EnvFormatCacheDir = "QUIRE_FORMAT_CACHE_DIR"
	EnvEngine         = "QUIRE_ENGINE"
)

// Config is the driver configuration.
type Config struct {
	Bundle    BundleConfig      `yaml:"bundle"`
	Cache     CacheConfig       `yaml:"cache"`
	Engine    EngineConfig      `yaml:"engine"`
	Watch     WatchConfig       `yaml:"watch"`
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// BundleConfig controls remote bundle access.
type BundleConfig struct {
	// DefaultURL is used when no bundle is selected on the command line.
	DefaultURL string `yaml:"default_url" validate:"required,url"`

	// DigestTTL is how long a cached URL-to-digest resolution is trusted.
	DigestTTL time.Duration `yaml:"digest_ttl" validate:"min=0"`

	// RequestsPerSecond throttles range requests. Zero means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"min=0"`

	Burst int `yaml:"burst" validate:"min=0"`

	// Timeout bounds a single HTTP request.
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`

	UserAgent string `yaml:"user_agent"`
}

// CacheConfig locates on-disk caches.
type CacheConfig struct {
	// Dir holds fetched bundle content and the cache index.
	Dir string `yaml:"dir" validate:"required"`

	// FormatDir holds generated format files, one directory per bundle
	// digest. Defaults to Dir/formats.
	FormatDir string `yaml:"format_dir"`
}

// EngineConfig locates the engine module.
type EngineConfig struct {
	// WasmPath is the WebAssembly build of the engine. Defaults to
	// engine.wasm in the cache directory.
	WasmPath string `yaml:"wasm_path"`

	// MemoryLimitPages caps guest memory in 64 KiB pages. Zero keeps the
	// runtime default.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" validate:"max=65536"`
}

// WatchConfig tunes "quire watch".
type WatchConfig struct {
	// Debounce coalesces bursts of file events.
	Debounce time.Duration `yaml:"debounce" validate:"min=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cacheDir := filepath.Join(os.TempDir(), "quire")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "quire")
	}

	tel := telemetry.DefaultConfig()
	return &Config{
		Bundle: BundleConfig{
			DefaultURL: DefaultBundleURL,
			DigestTTL:  24 * time.Hour,
			Burst:      1,
			Timeout:    60 * time.Second,
			UserAgent:  "quire",
		},
		Cache: CacheConfig{
			Dir: cacheDir,
		},
		Watch: WatchConfig{
			Debounce: 300 * time.Millisecond,
		},
		Telemetry: tel,
	}
}

// DefaultPath returns where Load looks when given no path.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "quire", FileName)
}

// Load reads the configuration at path. With an empty path the default
// location is tried and may be absent.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.decode(data); err != nil {
				return nil, fault.Configuration("invalid configuration file %s: %v", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fault.Configuration("cannot read configuration file %s: %v", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration from r over the defaults, without consulting
// the environment.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Configuration("cannot read configuration: %v", err)
	}
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fault.Configuration("invalid configuration: %v", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := checkSchema(data); err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBundleURL); v != "" {
		c.Bundle.DefaultURL = v
	}
	if v := os.Getenv(EnvCacheDir); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv(EnvFormatCacheDir); v != "" {
		c.Cache.FormatDir = v
	}
	if v := os.Getenv(EnvEngine); v != "" {
		c.Engine.WasmPath = v
	}
}

var validate = validator.New()

// finalize expands paths, fills derived defaults and validates.
func (c *Config) finalize() error {
	c.Cache.Dir = expandPath(c.Cache.Dir)
	if c.Cache.FormatDir == "" && c.Cache.Dir != "" {
		c.Cache.FormatDir = filepath.Join(c.Cache.Dir, "formats")
	}
	c.Cache.FormatDir = expandPath(c.Cache.FormatDir)
	if c.Engine.WasmPath == "" && c.Cache.Dir != "" {
		c.Engine.WasmPath = filepath.Join(c.Cache.Dir, "engine.wasm")
	}
	c.Engine.WasmPath = expandPath(c.Engine.WasmPath)
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}

	if err := validate.Struct(c); err != nil {
		return fault.Configuration("invalid configuration: %v", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fault.Configuration("invalid telemetry configuration: %v", err)
	}
	return nil
}

func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// BundleOptions returns what bundle.Resolve needs from this configuration.
func (c *Config) BundleOptions(tel *telemetry.Telemetry) bundle.Options {
	opts := bundle.Options{
		DefaultURL: c.Bundle.DefaultURL,
		CacheDir:   c.Cache.Dir,
		DigestTTL:  c.Bundle.DigestTTL,
		HTTP: resource.HTTPOptions{
			RequestsPerSecond: c.Bundle.RequestsPerSecond,
			Burst:             c.Bundle.Burst,
			UserAgent:         c.Bundle.UserAgent,
		},
	}
	if c.Bundle.Timeout > 0 {
		opts.HTTP.Client = &http.Client{Timeout: c.Bundle.Timeout}
	}
	if tel != nil {
		opts.Metrics = tel.Metrics
		opts.Tracer = tel.Tracer
		opts.Logger = tel.Logger
	}
	return opts
}
