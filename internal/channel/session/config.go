// ABOUTME: TOML configuration for the session channel bridge
// ABOUTME: Loads the homeserver credentials and session binding with ${VAR} expansion

package session

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the bridge configuration file.
type Config struct {
	Matrix MatrixConfig `toml:"matrix"`
	Bridge BridgeConfig `toml:"bridge"`
}

// MatrixConfig holds the bridge bot's homeserver credentials.
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
}

// BridgeConfig binds the bridge to one session.
type BridgeConfig struct {
	SessionID string `toml:"session_id"`
	AccountID string `toml:"account_id"`
	// RoomsPrefix is the localpart prefix of puppeted contacts, e.g. "whatsapp_".
	RoomsPrefix string `toml:"rooms_prefix"`
	// Markdown renders outbound text bodies to HTML.
	Markdown bool `toml:"markdown"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadConfig reads the bridge config from path, expanding environment variables.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bridge config: %w", err)
	}
	return ParseConfig(string(data))
}

// ParseConfig decodes bridge config from TOML text.
func ParseConfig(data string) (*Config, error) {
	expanded := envPattern.ReplaceAllStringFunc(data, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing bridge config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating bridge config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") || !strings.Contains(c.Matrix.UserID, ":") {
		return fmt.Errorf("matrix.user_id must look like @name:server")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Bridge.SessionID == "" {
		return fmt.Errorf("bridge.session_id is required")
	}
	if c.Bridge.AccountID == "" {
		return fmt.Errorf("bridge.account_id is required")
	}
	if c.Bridge.RoomsPrefix == "" {
		return fmt.Errorf("bridge.rooms_prefix is required")
	}
	return nil
}
