// ABOUTME: Configuration loading and parsing for tutor-gateway
// ABOUTME: Supports YAML or TOML files with .env loading, ${VAR} expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tutor-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Generation GenerationConfig `yaml:"generation" toml:"generation"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Uploads    UploadsConfig    `yaml:"uploads" toml:"uploads"`
	CORS       CORSConfig       `yaml:"cors" toml:"cors"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	ReadHeaderTimeout time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReadHeaderTimeoutRaw string `yaml:"read_header_timeout" toml:"read_header_timeout"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeoutRaw   string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve TLS on :443 with Tailscale-issued certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Expose publicly over HTTPS via Funnel
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds credential verification configuration
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret" toml:"jwt_secret"`
	Audience         string `yaml:"audience" toml:"audience"`
	AllowShortSecret bool   `yaml:"allow_short_secret" toml:"allow_short_secret"`
}

// GenerationConfig holds Gemini configuration
type GenerationConfig struct {
	APIKey            string   `yaml:"api_key" toml:"api_key"`
	Model             string   `yaml:"model" toml:"model"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
	MaxImageBytes     int64    `yaml:"max_image_bytes" toml:"max_image_bytes"`
	AllowedMediaTypes []string `yaml:"allowed_media_types" toml:"allowed_media_types"`

	Timeout        time.Duration `yaml:"-" toml:"-"`
	PersistTimeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw        string `yaml:"timeout" toml:"timeout"`
	PersistTimeoutRaw string `yaml:"persist_timeout" toml:"persist_timeout"`
}

// StorageConfig holds S3-compatible object storage configuration.
// Uploads are disabled when Bucket is empty.
type StorageConfig struct {
	Endpoint        string `yaml:"endpoint" toml:"endpoint"`
	Region          string `yaml:"region" toml:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	Bucket          string `yaml:"bucket" toml:"bucket"`
	PublicBaseURL   string `yaml:"public_base_url" toml:"public_base_url"`
}

// Enabled reports whether object storage is configured.
func (s StorageConfig) Enabled() bool {
	return s.Bucket != ""
}

// UploadsConfig holds upload rate limiting
type UploadsConfig struct {
	RateLimit  int           `yaml:"rate_limit" toml:"rate_limit"`
	RateWindow time.Duration `yaml:"-" toml:"-"`

	RateWindowRaw string `yaml:"rate_window" toml:"rate_window"`
}

// CORSConfig lists browser origins allowed to call the API.
// Entries may use a single "*." wildcard for subdomains, e.g. "https://*.lovable.app".
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "json" or "text"
}

// Defaults
const (
	DefaultHTTPAddr          = "0.0.0.0:8000"
	DefaultDatabaseDriver    = "sqlite"
	DefaultAudience          = "authenticated"
	DefaultModel             = "gemini-1.5-flash"
	DefaultGenerationTimeout = 60 * time.Second
	DefaultPersistTimeout    = 5 * time.Second
	DefaultMaxImageBytes     = 5 * 1024 * 1024
	DefaultUploadRateLimit   = 2
	DefaultUploadRateWindow  = 5 * time.Minute
	DefaultBucket            = "user-uploads"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultWriteTimeout      = 2 * time.Minute
	DefaultShutdownTimeout   = 10 * time.Second
)

// DefaultAllowedOrigins mirrors the frontends the service was built for.
var DefaultAllowedOrigins = []string{
	"http://localhost:8080",
	"http://localhost:3000",
	"https://*.lovable.app",
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the working directory or next to the config file is loaded first
// without overriding variables already set. ${VAR_NAME} references are expanded.
// Files ending in .toml are parsed as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env", filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates raw configuration content.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvFallbacks(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadDotEnv loads each existing file into the process environment.
// Missing files are skipped; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnvFallbacks fills secrets left empty from the variables the
// identity provider and Gemini document.
func applyEnvFallbacks(cfg *Config) {
	fallback := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	fallback(&cfg.Auth.JWTSecret, "SUPABASE_JWT_SECRET")
	fallback(&cfg.Generation.APIKey, "GEMINI_API_KEY")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DefaultDatabaseDriver
	}
	if cfg.Auth.Audience == "" {
		cfg.Auth.Audience = DefaultAudience
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = DefaultModel
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = DefaultGenerationTimeout
	}
	if cfg.Generation.PersistTimeout == 0 {
		cfg.Generation.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.Generation.MaxImageBytes == 0 {
		cfg.Generation.MaxImageBytes = DefaultMaxImageBytes
	}
	if len(cfg.Generation.AllowedMediaTypes) == 0 {
		cfg.Generation.AllowedMediaTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	}
	if cfg.Uploads.RateLimit == 0 {
		cfg.Uploads.RateLimit = DefaultUploadRateLimit
	}
	if cfg.Uploads.RateWindow == 0 {
		cfg.Uploads.RateWindow = DefaultUploadRateWindow
	}
	if cfg.CORS.AllowedOrigins == nil {
		cfg.CORS.AllowedOrigins = append([]string(nil), DefaultAllowedOrigins...)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Tailscale.Enabled && cfg.Tailscale.StateDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.Tailscale.StateDir = filepath.Join(dir, "tutor", "tsnet")
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 && !c.Auth.AllowShortSecret {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes (set auth.allow_short_secret for development)")
	}

	if c.Generation.APIKey == "" {
		return fmt.Errorf("generation.api_key is required")
	}
	if c.Generation.RequestsPerSecond < 0 {
		return fmt.Errorf("generation.requests_per_second must not be negative")
	}
	if c.Generation.MaxImageBytes < 0 {
		return fmt.Errorf("generation.max_image_bytes must not be negative")
	}

	if c.Storage.Enabled() && c.Storage.PublicBaseURL == "" {
		return fmt.Errorf("storage.public_base_url is required when storage.bucket is set")
	}
	if c.Uploads.RateLimit < 0 {
		return fmt.Errorf("uploads.rate_limit must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeoutRaw, &cfg.Server.WriteTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"generation.timeout", cfg.Generation.TimeoutRaw, &cfg.Generation.Timeout},
		{"generation.persist_timeout", cfg.Generation.PersistTimeoutRaw, &cfg.Generation.PersistTimeout},
		{"uploads.rate_window", cfg.Uploads.RateWindowRaw, &cfg.Uploads.RateWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// DefaultPath resolves the config file location:
// $TUTOR_CONFIG, then $XDG_CONFIG_HOME/tutor/gateway.yaml, then ~/.config/tutor/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("TUTOR_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tutor", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "tutor", "gateway.yaml")
}
