// Package config handles persistent-state loading: the primary
// config.json file (§6), the separate credentials.json, and an optional
// project-local ace.toml override for tool safety settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ServerConfig describes one external-bridge subprocess server (§6).
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Config is the root config.json structure per §6: "api-key, model id,
// theme name, external-server map of name→{command, args?, env?}". The
// web_search endpoint/key is an additional field the §4.3 tool contract
// requires ("a configured search endpoint") but §6 doesn't name explicitly.
type Config struct {
	APIKey            string                  `json:"api_key,omitempty"`
	Endpoint          string                  `json:"endpoint"`
	Model             string                  `json:"model"`
	Theme             string                  `json:"theme,omitempty"`
	ExternalServers   map[string]ServerConfig `json:"external_servers,omitempty"`
	WebSearchEndpoint string                  `json:"web_search_endpoint,omitempty"`
	WebSearchAPIKey   string                  `json:"web_search_api_key,omitempty"`
}

// Load reads config.json from path, applies environment overrides, and
// validates the result. The file must exist — there is no silent
// create-on-first-run for the primary config.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	cfg := &Config{ExternalServers: make(map[string]ServerConfig)}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate returns an error describing every problem with the config.
func (c *Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if err := validateEndpoint(c.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("endpoint=%q is invalid: %v", c.Endpoint, err))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies ACE_* environment variable overrides to cfg.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"ACE_ENDPOINT", func(v string) {
			if v != "" {
				cfg.Endpoint = v
			}
		}},
		{"ACE_MODEL", func(v string) {
			if v != "" {
				cfg.Model = v
			}
		}},
		{"ACE_API_KEY", func(v string) {
			if v != "" {
				cfg.APIKey = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the engine's state directory (~/.config/ace).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ace"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// ProjectOverride is the optional ace.toml file read from the working
// directory: tool safety settings the JSON config doesn't cover. Kept
// TOML-format per SPEC_FULL.md §11 so BurntSushi/toml stays a genuinely
// wired dependency rather than a dropped one.
type ProjectOverride struct {
	BlockedCommands []string `toml:"blocked_commands"`
	BashTimeoutSecs int      `toml:"bash_timeout_seconds"`
}

// LoadProjectOverride reads ace.toml from dir if present. A missing file
// is not an error — it just means no overrides apply.
func LoadProjectOverride(dir string) (*ProjectOverride, error) {
	path := filepath.Join(dir, "ace.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &ProjectOverride{}, nil
	}
	var ov ProjectOverride
	if _, err := toml.DecodeFile(path, &ov); err != nil {
		return nil, fmt.Errorf("failed to parse ace.toml: %w", err)
	}
	return &ov, nil
}
