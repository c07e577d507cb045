// Package config loads the run configuration: which workflows to run,
// which connectors to run them against, where the fixtures and credentials
// live, and how to reach (or spawn) the server under test.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the payrun.yaml document.
type Config struct {
	// BaseURL of the server under test. Empty means dispatch directly at
	// each connector's mock server.
	BaseURL string `yaml:"base_url,omitempty"`
	// AdminAPIKey is sent as the api-key header on every request.
	AdminAPIKey string `yaml:"admin_api_key,omitempty"`
	// AuthFile points at the per-connector credential YAML.
	AuthFile string `yaml:"auth_file,omitempty"`

	Fixtures   string   `yaml:"fixtures"`
	Workflows  []string `yaml:"workflows"`
	Connectors []string `yaml:"connectors"`

	// ServerCommand spawns the server under test for the run's duration.
	// Empty means an already-running server is expected at BaseURL.
	ServerCommand []string `yaml:"server_command,omitempty"`
	// MockCommand is the connector-mock binary. Defaults to looking it up
	// on PATH.
	MockCommand string `yaml:"mock_command,omitempty"`

	OutDir string `yaml:"out_dir,omitempty"`
}

// Load reads a config file, strictly rejecting unknown fields, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a config document and applies environment overrides.
func Parse(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()

	if cfg.Fixtures == "" {
		return nil, fmt.Errorf("config names no fixtures file")
	}
	if len(cfg.Workflows) == 0 {
		return nil, fmt.Errorf("config names no workflows")
	}
	if len(cfg.Connectors) == 0 {
		return nil, fmt.Errorf("config names no connectors")
	}
	return &cfg, nil
}

// Environment variables override the file so CI can retarget a run without
// editing checked-in config.
func (c *Config) applyEnv() {
	if v := os.Getenv("PAYRUN_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("PAYRUN_ADMIN_API_KEY"); v != "" {
		c.AdminAPIKey = v
	}
	if v := os.Getenv("PAYRUN_AUTH_FILE"); v != "" {
		c.AuthFile = v
	}
}

// LoadAuth reads the per-connector credential file: a YAML map from
// connector id to credential variables. Returns an empty map when no auth
// file is configured.
func (c *Config) LoadAuth() (map[string]map[string]string, error) {
	if c.AuthFile == "" {
		return map[string]map[string]string{}, nil
	}
	data, err := os.ReadFile(c.AuthFile)
	if err != nil {
		return nil, fmt.Errorf("read auth file: %w", err)
	}
	var auth map[string]map[string]string
	if err := yaml.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("parse auth file %s: %w", c.AuthFile, err)
	}
	return auth, nil
}
