// ABOUTME: Configuration loading and parsing for inbox-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr       = "0.0.0.0:8080"
	DefaultGRPCAddr       = "0.0.0.0:50051"
	DefaultLogBackend     = "file"
	DefaultMediaURLPrefix = "/media"
	DefaultFetchTimeout   = 60 * time.Second
	DefaultSendTimeout    = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultGraphCacheTTL  = 5 * time.Minute
	DefaultHopLimit       = 50
	DefaultDedupeTTL      = 24 * time.Hour
	DefaultMetricsPath    = "/metrics"
	DefaultGraphURL       = "https://graph.facebook.com"
	DefaultAPIVersion     = "v19.0"
	DefaultRatePerSecond  = 20
	DefaultBurst          = 40
)

// Config represents the complete inbox-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Media     MediaConfig     `yaml:"media"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Session   SessionConfig   `yaml:"session"`
	Flow      FlowConfig      `yaml:"flow"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Auth      AuthConfig      `yaml:"auth"`
	ChatKey   ChatKeyConfig   `yaml:"chatkey"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	// PublicURL is prefixed to stored media URLs when set.
	PublicURL string `yaml:"public_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig selects the conversation log backend.
type LogConfig struct {
	Backend string `yaml:"backend"` // file or pebble
	Dir     string `yaml:"dir"`
}

// MediaConfig holds media storage configuration
type MediaConfig struct {
	Dir       string `yaml:"dir"`
	URLPrefix string `yaml:"url_prefix"`

	FetchTimeout    time.Duration `yaml:"-"`
	FetchTimeoutRaw string        `yaml:"fetch_timeout"`
}

// CloudConfig holds the hosted business API configuration
type CloudConfig struct {
	GraphURL      string  `yaml:"graph_url"`
	APIVersion    string  `yaml:"api_version"`
	VerifyToken   string  `yaml:"verify_token"`
	AppSecret     string  `yaml:"app_secret"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	SendTimeout    time.Duration `yaml:"-"`
	SendTimeoutRaw string        `yaml:"send_timeout"`
}

// SessionConfig enables the session channel bridge
type SessionConfig struct {
	Enabled bool `yaml:"enabled"`
	// BridgeConfig is the path to the bridge's TOML file.
	BridgeConfig string `yaml:"bridge_config"`
}

// FlowConfig holds flow engine configuration
type FlowConfig struct {
	HopLimit   int    `yaml:"hop_limit"`
	HandoffURL string `yaml:"handoff_url"`

	RequestTimeout    time.Duration `yaml:"-"`
	GraphCacheTTL     time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
	GraphCacheTTLRaw  string        `yaml:"graph_cache_ttl"`
}

// DispatchConfig holds outbound dispatch configuration
type DispatchConfig struct {
	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DedupeConfig holds inbound duplicate suppression configuration
type DedupeConfig struct {
	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ChatKeyConfig holds the conversation key salt
type ChatKeyConfig struct {
	Salt string `yaml:"salt"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultPath returns the config path: INBOX_CONFIG if set, otherwise
// gateway.yaml under the XDG config directory.
func DefaultPath() string {
	if p := os.Getenv("INBOX_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "inbox", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "inbox", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.GRPCAddr == "" && !c.Tailscale.Enabled {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	if c.Log.Backend == "" {
		c.Log.Backend = DefaultLogBackend
	}
	if c.Media.URLPrefix == "" {
		c.Media.URLPrefix = DefaultMediaURLPrefix
	}
	if c.Media.FetchTimeout == 0 {
		c.Media.FetchTimeout = DefaultFetchTimeout
	}
	if c.Cloud.GraphURL == "" {
		c.Cloud.GraphURL = DefaultGraphURL
	}
	if c.Cloud.APIVersion == "" {
		c.Cloud.APIVersion = DefaultAPIVersion
	}
	if c.Cloud.SendTimeout == 0 {
		c.Cloud.SendTimeout = DefaultSendTimeout
	}
	if c.Cloud.RatePerSecond == 0 {
		c.Cloud.RatePerSecond = DefaultRatePerSecond
	}
	if c.Cloud.Burst == 0 {
		c.Cloud.Burst = DefaultBurst
	}
	if c.Flow.HopLimit == 0 {
		c.Flow.HopLimit = DefaultHopLimit
	}
	if c.Flow.RequestTimeout == 0 {
		c.Flow.RequestTimeout = DefaultRequestTimeout
	}
	if c.Flow.GraphCacheTTL == 0 {
		c.Flow.GraphCacheTTL = DefaultGraphCacheTTL
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = DefaultSendTimeout
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Log.Backend {
	case "file", "pebble":
	default:
		return fmt.Errorf("log.backend must be file or pebble, got %q", c.Log.Backend)
	}
	if c.Log.Dir == "" {
		return fmt.Errorf("log.dir is required")
	}
	if c.Media.Dir == "" {
		return fmt.Errorf("media.dir is required")
	}

	if c.ChatKey.Salt == "" {
		return fmt.Errorf("chatkey.salt is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Session.Enabled && c.Session.BridgeConfig == "" {
		return fmt.Errorf("session.bridge_config is required when session is enabled")
	}
	if c.Flow.HopLimit < 0 {
		return fmt.Errorf("flow.hop_limit must not be negative")
	}
	if c.Cloud.RatePerSecond < 0 || c.Cloud.Burst < 0 {
		return fmt.Errorf("cloud.rate_per_second and cloud.burst must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
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
		{"media.fetch_timeout", cfg.Media.FetchTimeoutRaw, &cfg.Media.FetchTimeout},
		{"cloud.send_timeout", cfg.Cloud.SendTimeoutRaw, &cfg.Cloud.SendTimeout},
		{"flow.request_timeout", cfg.Flow.RequestTimeoutRaw, &cfg.Flow.RequestTimeout},
		{"flow.graph_cache_ttl", cfg.Flow.GraphCacheTTLRaw, &cfg.Flow.GraphCacheTTL},
		{"dispatch.timeout", cfg.Dispatch.TimeoutRaw, &cfg.Dispatch.Timeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
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
