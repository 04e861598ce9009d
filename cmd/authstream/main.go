package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/estudy-app/authstream"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.authstream/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" yaml:"default"`
	Auth    ConfigAuth    `toml:"auth" yaml:"auth"`
	Stream  ConfigStream  `toml:"stream" yaml:"stream"`
}

// ConfigDefault holds the server location.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url" yaml:"base_url"`
	Transport string `toml:"transport" yaml:"transport"`
}

// ConfigAuth holds the session credential.
type ConfigAuth struct {
	AccessToken    string `toml:"access_token" yaml:"access_token"`
	CredentialMode string `toml:"credential_mode" yaml:"credential_mode"`
	TokenExpires   string `toml:"token_expires" yaml:"token_expires"`
}

// tokenEnv overrides the stored token for a single run. It is never saved.
const tokenEnv = "AUTHSTREAM_TOKEN"

// token returns the credential to connect with: $AUTHSTREAM_TOKEN if set,
// otherwise the stored access token.
func (a ConfigAuth) token() string {
	if tok := os.Getenv(tokenEnv); tok != "" {
		return tok
	}
	return a.AccessToken
}

// ConfigStream holds reconnect tuning. Durations use time.ParseDuration syntax.
type ConfigStream struct {
	BaseDelay            string `toml:"base_delay" yaml:"base_delay"`
	MaxDelay             string `toml:"max_delay" yaml:"max_delay"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	IdleTimeout          string `toml:"idle_timeout" yaml:"idle_timeout"`
}

// streamConfig converts the stored settings, leaving unset fields to the
// library defaults.
func (s ConfigStream) streamConfig() (authstream.StreamConfig, error) {
	var (
		cfg authstream.StreamConfig
		err error
	)
	if cfg.BaseDelay, err = parseDuration("stream.base_delay", s.BaseDelay); err != nil {
		return cfg, err
	}
	if cfg.MaxDelay, err = parseDuration("stream.max_delay", s.MaxDelay); err != nil {
		return cfg, err
	}
	if cfg.IdleTimeout, err = parseDuration("stream.idle_timeout", s.IdleTimeout); err != nil {
		return cfg, err
	}
	cfg.MaxReconnectAttempts = s.MaxReconnectAttempts
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// cfgFile is set by --config and replaces ~/.authstream/config.toml.
var cfgFile string

// configDir returns the path to ~/.authstream, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".authstream")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
// YAML files get ${VAR} expansion.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	case isYAML(path):
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config yaml: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if isYAML(path) {
		return fmt.Errorf("%s is a YAML config and is read-only; edit it directly", path)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.access_token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "transport":
			if _, err := authstream.ParseTransportKind(value); err != nil {
				return err
			}
			cfg.Default.Transport = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "credential_mode":
			if _, err := authstream.ParseCredentialMode(value); err != nil {
				return err
			}
			cfg.Auth.CredentialMode = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "stream":
		switch field {
		case "base_delay":
			cfg.Stream.BaseDelay = value
		case "max_delay":
			cfg.Stream.MaxDelay = value
		case "idle_timeout":
			cfg.Stream.IdleTimeout = value
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("max_reconnect_attempts must be an integer: %w", err)
			}
			cfg.Stream.MaxReconnectAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [stream]", field)
		}
		if _, err := cfg.Stream.streamConfig(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, stream)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

// exitCodeError asks main to exit with a specific status.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

var rootCmd = &cobra.Command{
	Use:           "authstream",
	Short:         "Account notification stream CLI",
	Long:          "Command-line interface for the authstream client.\nStore a session token, listen to account notifications, and check status.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML, or YAML with ${VAR} expansion); default ~/.authstream/config.toml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			fmt.Fprintln(os.Stderr, exit.msg)
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
