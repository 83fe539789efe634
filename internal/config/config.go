// Package config implements TOML configuration loading and validation for
// termpush, with a defaults -> config file -> environment -> CLI flags
// override chain.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Environment variable names for overrides.
const (
	EnvConfig   = "TERMPUSH_CONFIG"
	EnvEndpoint = "TERMPUSH_ENDPOINT"
	EnvEditor   = "EDITOR"
)

// DefaultEndpoint is the conventional local HAPI FHIR base URL.
const DefaultEndpoint = "http://localhost:8080/fhir"

// defaultMaxTries is the upload attempt ceiling per resource.
const defaultMaxTries = 10

// defaultRateLimit is the request rate cap against the server.
const defaultRateLimit = 10

// Config is the top-level structure parsed from a TOML file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Auth    AuthConfig    `toml:"auth"`
	OAuth   OAuthConfig   `toml:"oauth"`
	Upload  UploadConfig  `toml:"upload"`
	Journal JournalConfig `toml:"journal"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig identifies the terminology server.
type ServerConfig struct {
	Endpoint  string `toml:"endpoint"`
	Cert      string `toml:"cert"`
	RateLimit int    `toml:"rate_limit"`
}

// AuthConfig carries a static credential for servers without OAuth2.
type AuthConfig struct {
	Credential string `toml:"credential"`
	Type       string `toml:"type"` // "Bearer" or "Basic"
}

// OAuthConfig carries the OAuth2 client registration. The group is all-or-
// nothing: a partial set is a configuration error, not a degraded mode.
type OAuthConfig struct {
	AuthorizeURL string   `toml:"authorize_url"`
	TokenURL     string   `toml:"token_url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	RedirectURL  string   `toml:"redirect_url"`
	PKCE         bool     `toml:"pkce"`
	Scopes       []string `toml:"scopes"`
}

// Enabled reports whether any OAuth2 setting is present.
func (o *OAuthConfig) Enabled() bool {
	return o.AuthorizeURL != "" || o.TokenURL != "" || o.ClientID != ""
}

// UploadConfig controls the upload loop and editor handoff.
type UploadConfig struct {
	MaxTries int    `toml:"max_tries"`
	PatchDir string `toml:"patch_dir"`
	Editor   string `toml:"editor"`
}

// JournalConfig controls the upload audit journal. An empty path disables it.
type JournalConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig sets the baseline log level; --verbose and --quiet override.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Endpoint:  DefaultEndpoint,
			RateLimit: defaultRateLimit,
		},
		Auth: AuthConfig{
			Type: "Bearer",
		},
		OAuth: OAuthConfig{
			RedirectURL: "http://localhost:8435/callback",
			PKCE:        true,
		},
		Upload: UploadConfig{
			MaxTries: defaultMaxTries,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the platform config file location.
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(base, "termpush", "config.toml")
}

// Load reads and parses a TOML config file, rejecting unknown keys.
// Silently ignoring a typo in a config file leads to hard-to-debug behavior,
// so unknown keys are fatal. Load does not validate: callers run Validate
// after command-line flags have been overlaid, so a file section left
// incomplete on purpose can still be completed with flags.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config with defaults. Zero-config first runs work against a local server.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// EnvOverrides holds values read from environment variables.
type EnvOverrides struct {
	ConfigPath string
	Endpoint   string
	Editor     string
}

// ReadEnvOverrides reads the supported environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Endpoint:   os.Getenv(EnvEndpoint),
		Editor:     os.Getenv(EnvEditor),
	}
}

// Resolve applies the override chain: defaults -> config file -> environment.
// CLI flags are applied by the command layer on top of the result, because
// only cobra knows which flags the user actually set.
func Resolve(env EnvOverrides) (*Config, error) {
	path := DefaultConfigPath()
	if env.ConfigPath != "" {
		path = env.ConfigPath
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if env.Endpoint != "" {
		cfg.Server.Endpoint = env.Endpoint
	}

	if cfg.Upload.Editor == "" {
		cfg.Upload.Editor = env.Editor
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	if cfg.Auth.Type != "Bearer" && cfg.Auth.Type != "Basic" {
		return fmt.Errorf("auth.type must be Bearer or Basic, got %q", cfg.Auth.Type)
	}

	if cfg.Upload.MaxTries <= 0 {
		return fmt.Errorf("upload.max_tries must be positive, got %d", cfg.Upload.MaxTries)
	}

	if cfg.Server.RateLimit <= 0 {
		return fmt.Errorf("server.rate_limit must be positive, got %d", cfg.Server.RateLimit)
	}

	return ValidateOAuth(&cfg.OAuth)
}

// ValidateOAuth rejects partial OAuth2 configurations. Discovering halfway
// through a long batch that the token endpoint was never configured is the
// failure mode this guards against.
func ValidateOAuth(o *OAuthConfig) error {
	if !o.Enabled() {
		return nil
	}

	var missing []string

	if o.AuthorizeURL == "" {
		missing = append(missing, "authorize_url")
	}

	if o.TokenURL == "" {
		missing = append(missing, "token_url")
	}

	if o.ClientID == "" {
		missing = append(missing, "client_id")
	}

	if o.RedirectURL == "" {
		missing = append(missing, "redirect_url")
	}

	if len(missing) > 0 {
		return fmt.Errorf("incomplete oauth configuration, missing: %s", strings.Join(missing, ", "))
	}

	return nil
}
