// Package config handles loading, parsing, and validating application configuration.
// It defines the structure for configuration settings, provides default values,
// loads settings from YAML files, and applies overrides from environment variables.
// file: internal/config/config.go.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/deeplink"
	"github.com/dkoosis/emailsignin/internal/logging"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvAPIKey        = "EMAILSIGNIN_API_KEY"
	EnvAppIdentifier = "EMAILSIGNIN_APP_ID"
	EnvSignInPageURL = "EMAILSIGNIN_SIGNIN_URL"
	EnvListenAddr    = "EMAILSIGNIN_LISTEN_ADDR"
	EnvFlowTimeout   = "EMAILSIGNIN_FLOW_TIMEOUT"
	EnvLogLevel      = "EMAILSIGNIN_LOG_LEVEL"
	EnvLogFile       = "EMAILSIGNIN_LOG_FILE"
)

// AppConfig identifies the host application.
type AppConfig struct {
	// Identifier is the application/bundle identifier, e.g. "com.Example.Game".
	// Its sanitized form is the deep-link URL scheme.
	Identifier string `yaml:"identifier"`
}

// ProviderConfig configures the identity REST API client.
type ProviderConfig struct {
	// APIKey authenticates requests. When empty after file and environment it
	// is read from the OS keyring.
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	TokenURL string        `yaml:"token_url"`
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"`
}

// DeepLinkConfig describes the outbound page and the inbound callback.
type DeepLinkConfig struct {
	// SignInPageURL is the external email sign-in page.
	SignInPageURL string `yaml:"sign_in_page_url"`
	Host          string `yaml:"host"`
	Path          string `yaml:"path"`
	// ListenAddr enables the loopback callback server, e.g. "127.0.0.1:8765".
	// Empty means callbacks arrive through the custom URL scheme.
	ListenAddr string `yaml:"listen_addr"`
}

// FlowConfig tunes the sign-in orchestrator.
type FlowConfig struct {
	// Timeout resolves an abandoned flow as cancelled. Zero disables it.
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queue_size"`
}

// ManifestConfig locates the Android project for the build-time patch.
type ManifestConfig struct {
	ProjectDir string `yaml:"project_dir"`
	Platform   string `yaml:"platform"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the root configuration structure.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Provider ProviderConfig `yaml:"provider"`
	DeepLink DeepLinkConfig `yaml:"deeplink"`
	Flow     FlowConfig     `yaml:"flow"`
	Manifest ManifestConfig `yaml:"manifest"`
	Log      LogConfig      `yaml:"log"`
}

// DefaultConfig returns a configuration populated with default values and
// environment overrides applied.
func DefaultConfig() *Config {
	cfg := &Config{
		Provider: ProviderConfig{
			Timeout:  30 * time.Second,
			RetryMax: 2,
		},
		DeepLink: DeepLinkConfig{
			Host: deeplink.DefaultHost,
			Path: deeplink.DefaultPath,
		},
		Manifest: ManifestConfig{
			ProjectDir: ".",
			Platform:   "android",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
	applyEnvironmentOverrides(cfg, logging.GetLogger("config_default"))
	return cfg
}

// LoadFromFile loads configuration from the YAML file at path on top of the
// defaults, then applies environment overrides and the keyring fallback for
// the API key. Supports '~' expansion in the file path.
func LoadFromFile(path string) (*Config, error) {
	logger := logging.GetLogger("config_load")

	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- Path comes from command-line flag or default, considered trusted input.
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file: %s", expanded)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file YAML: %s", expanded)
	}

	applyEnvironmentOverrides(cfg, logger)
	if err := resolveAPIKey(cfg, logger); err != nil {
		// An unavailable keyring is not fatal; Validate reports a missing key.
		logger.Warn("Keyring lookup for provider API key failed.", "error", err)
	}
	return cfg, nil
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("configs", "emailsignin.yaml")
	}
	return filepath.Join(homeDir, ".config", "emailsignin", "config.yaml")
}

// Load reads path, or DefaultPath when path is empty. A missing default
// file is not an error: defaults, environment and keyring are used instead.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFromFile(path)
	}
	path = DefaultPath()
	if _, err := os.Stat(path); err == nil {
		return LoadFromFile(path)
	}

	logger := logging.GetLogger("config_load")
	logger.Debug("No config file found, using defaults.", "path", path)
	cfg := DefaultConfig()
	if err := resolveAPIKey(cfg, logger); err != nil {
		logger.Warn("Keyring lookup for provider API key failed.", "error", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies configuration overrides from environment variables.
// Environment variables take precedence over values set in configuration files or defaults.
func applyEnvironmentOverrides(cfg *Config, logger logging.Logger) {
	apiKeySource := "default"
	if cfg.Provider.APIKey != "" {
		apiKeySource = "config file"
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Provider.APIKey = v
		apiKeySource = "environment variable"
	}
	logger.Debug("Provider API key source determined.", "source", apiKeySource)

	if v := os.Getenv(EnvAppIdentifier); v != "" {
		logger.Debug("Overriding app identifier from environment.", "envVar", EnvAppIdentifier, "value", v)
		cfg.App.Identifier = v
	}
	if v := os.Getenv(EnvSignInPageURL); v != "" {
		logger.Debug("Overriding sign-in page URL from environment.", "envVar", EnvSignInPageURL, "value", v)
		cfg.DeepLink.SignInPageURL = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		logger.Debug("Overriding callback listen address from environment.", "envVar", EnvListenAddr, "value", v)
		cfg.DeepLink.ListenAddr = v
	}
	if v := os.Getenv(EnvFlowTimeout); v != "" {
		if d, err := parseDuration(v); err == nil && d >= 0 {
			logger.Debug("Overriding flow timeout from environment.", "envVar", EnvFlowTimeout, "value", d)
			cfg.Flow.Timeout = d
		} else {
			logger.Warn("Invalid flow timeout environment variable ignored.", "envVar", EnvFlowTimeout, "value", v, "error", err)
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		expanded, err := ExpandPath(v)
		if err != nil {
			logger.Warn("Could not expand '~' in log file env var.", "error", err)
			expanded = v
		}
		cfg.Log.File = expanded
	}
}

// parseDuration accepts Go durations ("90s") and plain seconds ("90").
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return d, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory to expand path")
	}
	return filepath.Join(home, path[1:]), nil
}

// Scheme is the deep-link URL scheme derived from the app identifier.
func (c *Config) Scheme() string {
	return deeplink.SanitizeIdentifier(c.App.Identifier)
}

// RedirectURI is the custom-scheme callback URL.
func (c *Config) RedirectURI() string {
	return deeplink.RedirectURI(c.Scheme(), c.DeepLink.Host, c.DeepLink.Path)
}

// LoggingOptions converts the log section.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.App.Identifier == "" {
		return errors.New("app.identifier is required")
	}
	if c.Scheme() == "" {
		return errors.Newf("app.identifier %q has no usable scheme characters", c.App.Identifier)
	}
	if c.Flow.Timeout < 0 {
		return errors.Newf("flow.timeout must not be negative, got %s", c.Flow.Timeout)
	}
	if c.Provider.RetryMax < 0 {
		return errors.Newf("provider.retry_max must not be negative, got %d", c.Provider.RetryMax)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return errors.Newf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ValidateRuntime additionally checks what the sign-in flow needs.
func (c *Config) ValidateRuntime() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Provider.APIKey == "" {
		return errors.Newf("provider API key is missing (checked config file, %s and the system keyring)", EnvAPIKey)
	}
	u, err := url.Parse(c.DeepLink.SignInPageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Newf("deeplink.sign_in_page_url must be an absolute URL, got %q", c.DeepLink.SignInPageURL)
	}
	return nil
}
