package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the taskdeck CLI and MCP bridge.
// Values come from three layers: built-in defaults, the optional YAML
// config file, and environment variables, highest last.
type Config struct {
	// OAuth application registration. ClientSecret may stay empty for
	// public (PKCE-only) apps.
	ClientID     string `env:"TASKDECK_CLIENT_ID" yaml:"client_id"`
	ClientSecret string `env:"TASKDECK_CLIENT_SECRET" yaml:"client_secret"`
	RedirectURI  string `env:"TASKDECK_REDIRECT_URI" yaml:"redirect_uri"`

	// AccessToken is a personal access token, the alternative to the
	// OAuth flow for single-user setups.
	AccessToken string `env:"TASKDECK_ACCESS_TOKEN" yaml:"-"`

	// Passphrase seals the on-disk credential file. Empty is allowed; the
	// CLI prompts when it needs one.
	Passphrase string `env:"TASKDECK_PASSPHRASE" yaml:"-"`

	// CredentialsFile is where the sealed credential lives. Defaults to
	// ~/.taskdeck/credentials.json.
	CredentialsFile string `env:"TASKDECK_CREDENTIALS_FILE" yaml:"credentials_file"`

	// API endpoints. Empty means the production defaults.
	BaseURL   string `env:"TASKDECK_BASE_URL" yaml:"base_url"`
	EventsURL string `env:"TASKDECK_EVENTS_URL" yaml:"events_url"`

	// Workspace is the default workspace GID for task commands. The CLI
	// state store takes precedence once `taskdeck use` has run.
	Workspace string `env:"TASKDECK_WORKSPACE" yaml:"workspace"`

	// MaxRetries bounds retries per API request.
	MaxRetries int `env:"TASKDECK_MAX_RETRIES" envDefault:"5" yaml:"-"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development" yaml:"-"`

	// LogLevel overrides the level implied by Environment.
	LogLevel string `env:"LOG_LEVEL" yaml:"-"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load assembles the configuration: the YAML config file first, then a
// .env file if present, then environment variables on top.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}

	if err := loadFile(cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadFile merges the YAML config file into cfg. A missing file is fine;
// an unreadable or malformed one is not.
func loadFile(cfg *Config) error {
	path := os.Getenv("TASKDECK_CONFIG_FILE")
	if path == "" {
		confDir, err := os.UserConfigDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(confDir, "taskdeck", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return nil
}

func (c *Config) applyDefaults() error {
	if c.RedirectURI == "" {
		c.RedirectURI = "http://localhost:8484/callback"
	}

	if c.CredentialsFile == "" {
		path, err := DefaultCredentialsFile()
		if err != nil {
			return err
		}
		c.CredentialsFile = path
	}

	return nil
}

func (c *Config) validate() error {
	if c.AccessToken == "" && c.ClientID == "" {
		return fmt.Errorf("either TASKDECK_ACCESS_TOKEN or TASKDECK_CLIENT_ID must be set")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("TASKDECK_MAX_RETRIES must not be negative")
	}

	return nil
}

// DefaultCredentialsFile returns the default sealed credential location:
// ~/.taskdeck/credentials.json
func DefaultCredentialsFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".taskdeck", "credentials.json"), nil
}

// DefaultStateFile returns the default CLI state location:
// ~/.taskdeck/state.db
func DefaultStateFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".taskdeck", "state.db"), nil
}

// HasOAuth reports whether an OAuth application is configured.
func (c *Config) HasOAuth() bool {
	return c.ClientID != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
