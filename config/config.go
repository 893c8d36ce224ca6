// Package config loads the gateway configuration from YAML.
//
// Loading order: an optional .env file, the YAML file with ${VAR} and
// ${VAR:-default} references expanded from the environment, decoded over the
// built-in defaults, then vault:<path>#<field> secret references resolved
// through Vault, then validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ruteri/multicloud-gateway/interfaces"
	"gopkg.in/yaml.v2"
)

// Config is the full gateway configuration.
type Config struct {
	Default          string                    `yaml:"default"`
	Providers        map[string]ProviderConfig `yaml:"providers"`
	Settings         Settings                  `yaml:"settings"`
	EnabledProviders map[string]bool           `yaml:"enabled_providers"`
	Fallback         FallbackConfig            `yaml:"fallback"`
	Secrets          SecretsConfig             `yaml:"secrets"`
}

// ProviderConfig is one backend entry. Every key other than driver,
// display_name and options is a driver setting (credentials, bucket, region...).
type ProviderConfig struct {
	Driver      string                 `yaml:"driver"`
	DisplayName string                 `yaml:"display_name"`
	Options     map[string]string      `yaml:"options"`
	Settings    map[string]interface{} `yaml:",inline"`
}

type Settings struct {
	DefaultOptions DefaultOptions   `yaml:"default_options"`
	Upload         UploadSettings   `yaml:"upload"`
	Cache          CacheSettings    `yaml:"cache"`
	Logging        LoggingSettings  `yaml:"logging"`
	Security       SecuritySettings `yaml:"security"`
	Signing        SigningSettings  `yaml:"signing"`
	Usage          UsageSettings    `yaml:"usage"`
}

type DefaultOptions struct {
	Visibility   string            `yaml:"visibility"`
	CacheControl string            `yaml:"cache_control"`
	ContentType  string            `yaml:"content_type"`
	Metadata     map[string]string `yaml:"metadata"`
}

type UploadSettings struct {
	MaxFileSize            int64    `yaml:"max_file_size"`
	AllowedExtensions      []string `yaml:"allowed_extensions"`
	AutoGenerateThumbnails bool     `yaml:"auto_generate_thumbnails"`
}

type CacheSettings struct {
	Enabled bool   `yaml:"enabled"`
	TTL     int    `yaml:"ttl"` // seconds
	Prefix  string `yaml:"prefix"`
	Size    int    `yaml:"size"`
}

type LoggingSettings struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	JSON    bool   `yaml:"json"`
}

type SecuritySettings struct {
	EncryptUploads        bool     `yaml:"encrypt_uploads"`
	EncryptionKey         string   `yaml:"encryption_key"`
	RequireAuthentication bool     `yaml:"require_authentication"`
	APIKeys               []string `yaml:"api_keys"`
}

type SigningSettings struct {
	MinTTL int `yaml:"min_ttl"` // seconds
	MaxTTL int `yaml:"max_ttl"` // seconds
}

type UsageSettings struct {
	MaxParallel int `yaml:"max_parallel"`
	Timeout     int `yaml:"timeout"` // seconds
}

type FallbackConfig struct {
	Enabled    bool                `yaml:"enabled"`
	Providers  map[string][]string `yaml:"providers"`
	MaxRetries int                 `yaml:"max_retries"`
	RetryDelay int                 `yaml:"retry_delay"` // milliseconds
}

type SecretsConfig struct {
	Vault VaultConfig `yaml:"vault"`
}

type VaultConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	Namespace string `yaml:"namespace"`
}

// Load reads and validates the configuration at path.
func Load(ctx context.Context, path string, log *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("Failed to load .env file", "err", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if cfg.HasSecretRefs() {
		reader, err := NewVaultSecretReader(cfg.Secrets.Vault, log)
		if err != nil {
			return nil, err
		}
		if err := cfg.ResolveSecrets(ctx, reader); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info("Configuration loaded",
		slog.String("path", path),
		slog.String("default", cfg.Default),
		slog.Int("providers", len(cfg.Providers)),
		slog.Bool("fallback", cfg.Fallback.Enabled))
	return cfg, nil
}

// Parse expands environment references in data and decodes it over the defaults.
// It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Default == "" {
		return interfaces.Validationf("default provider is required")
	}
	if _, ok := c.Providers[c.Default]; !ok {
		return interfaces.Validationf("default provider %q is not configured", c.Default)
	}
	if !c.IsEnabled(c.Default) {
		return interfaces.Validationf("default provider %q is disabled", c.Default)
	}

	for backend, chain := range c.Fallback.Providers {
		for _, next := range chain {
			if next == backend {
				return interfaces.Validationf("fallback chain of %q contains itself", backend)
			}
		}
	}
	if c.Fallback.MaxRetries < 1 {
		return interfaces.Validationf("fallback.max_retries must be at least 1")
	}
	if c.Fallback.RetryDelay < 0 {
		return interfaces.Validationf("fallback.retry_delay must not be negative")
	}

	if c.Settings.Upload.MaxFileSize <= 0 {
		return interfaces.Validationf("settings.upload.max_file_size must be positive")
	}
	if c.Settings.Signing.MinTTL <= 0 || c.Settings.Signing.MaxTTL < c.Settings.Signing.MinTTL {
		return interfaces.Validationf("settings.signing requires 0 < min_ttl <= max_ttl")
	}
	if c.Settings.Usage.MaxParallel < 1 || c.Settings.Usage.Timeout < 1 {
		return interfaces.Validationf("settings.usage requires positive max_parallel and timeout")
	}
	if c.Settings.Security.EncryptUploads && c.Settings.Security.EncryptionKey == "" {
		return interfaces.Validationf("settings.security.encryption_key is required when encrypt_uploads is set")
	}
	return nil
}

// IsEnabled reports whether a provider is enabled. Providers missing from
// enabled_providers are enabled.
func (c *Config) IsEnabled(name string) bool {
	enabled, ok := c.EnabledProviders[name]
	return !ok || enabled
}

// Backends returns the provider entries as backend configurations, ordered by
// the well-known provider catalog first and by name after that.
func (c *Config) Backends() []interfaces.BackendConfig {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := catalogRank(names[i]), catalogRank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})

	backends := make([]interfaces.BackendConfig, 0, len(names))
	for _, name := range names {
		p := c.Providers[name]

		driver := p.Driver
		if driver == "" {
			driver = name
		}
		display := p.DisplayName
		if display == "" {
			display = DisplayName(name)
		}

		settings := make(map[string]string, len(p.Settings))
		for k, v := range p.Settings {
			if s, ok := scalarString(v); ok {
				settings[k] = s
			}
		}

		backends = append(backends, interfaces.BackendConfig{
			Name:        name,
			Driver:      driver,
			DisplayName: display,
			Enabled:     c.IsEnabled(name),
			Settings:    settings,
			Options:     p.Options,
		})
	}
	return backends
}

// DefaultUploadOptions returns settings.default_options as upload options.
func (c *Config) DefaultUploadOptions() interfaces.UploadOptions {
	return interfaces.UploadOptions{
		ContentType:  c.Settings.DefaultOptions.ContentType,
		Visibility:   c.Settings.DefaultOptions.Visibility,
		CacheControl: c.Settings.DefaultOptions.CacheControl,
		Metadata:     c.Settings.DefaultOptions.Metadata,
	}
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Fallback.RetryDelay) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Settings.Cache.TTL) * time.Second
}

func (c *Config) UsageTimeout() time.Duration {
	return time.Duration(c.Settings.Usage.Timeout) * time.Second
}

func (c *Config) SigningBounds() (time.Duration, time.Duration) {
	return time.Duration(c.Settings.Signing.MinTTL) * time.Second,
		time.Duration(c.Settings.Signing.MaxTTL) * time.Second
}

// AllowsExtension reports whether filename has an allowed extension.
// An empty allowlist allows everything.
func (c *Config) AllowsExtension(filename string) bool {
	return ExtensionAllowed(c.Settings.Upload.AllowedExtensions, filename)
}

// ExtensionAllowed reports whether filename's extension is in allowed,
// ignoring case and a leading dot. An empty list allows everything.
func ExtensionAllowed(allowed []string, filename string) bool {
	if len(allowed) == 0 {
		return true
	}
	dot := strings.LastIndex(filename, ".")
	if dot < 0 || dot == len(filename)-1 {
		return false
	}
	ext := strings.ToLower(filename[dot+1:])
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(a, "."), ext) {
			return true
		}
	}
	return false
}

func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool, int, int64, float64, uint64:
		return fmt.Sprint(t), true
	default:
		return "", false
	}
}
