package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Gateways []GatewayConfig `yaml:"gateways"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// GatewayConfig describes one tenant gateway: the client-facing auth token,
// the upstream endpoint and credential, and the model-name mapping. Secrets
// may be written as ${ENV_VAR} references, expanded at load time.
type GatewayConfig struct {
	ID        string            `yaml:"id"`
	AuthToken string            `yaml:"auth_token"`
	Upstream  UpstreamConfig    `yaml:"upstream"`
	Models    map[string]string `yaml:"models"`
}

// UpstreamConfig captures the upstream endpoint for a gateway.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Load reads YAML configuration from disk, expands environment references
// and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	for i := range cfg.Gateways {
		cfg.Gateways[i].AuthToken = os.ExpandEnv(cfg.Gateways[i].AuthToken)
		cfg.Gateways[i].Upstream.APIKey = os.ExpandEnv(cfg.Gateways[i].Upstream.APIKey)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if len(c.Gateways) == 0 {
		return fmt.Errorf("at least one gateway must be configured")
	}

	seen := make(map[string]bool, len(c.Gateways))
	for _, gw := range c.Gateways {
		if err := validateGateway(gw); err != nil {
			return err
		}
		if seen[gw.ID] {
			return fmt.Errorf("gateway %s: duplicate id", gw.ID)
		}
		seen[gw.ID] = true
	}

	return nil
}

func validateGateway(gw GatewayConfig) error {
	if strings.TrimSpace(gw.ID) == "" {
		return fmt.Errorf("gateway id must not be empty")
	}
	if strings.TrimSpace(gw.AuthToken) == "" {
		return fmt.Errorf("gateway %s: auth_token must be provided", gw.ID)
	}
	if strings.TrimSpace(gw.Upstream.APIKey) == "" {
		return fmt.Errorf("gateway %s: upstream.api_key must be provided", gw.ID)
	}
	if err := validateBaseURL(gw.Upstream.BaseURL); err != nil {
		return fmt.Errorf("gateway %s: %w", gw.ID, err)
	}
	if len(gw.Models) == 0 {
		return fmt.Errorf("gateway %s: at least one model mapping must be configured", gw.ID)
	}
	for name, upstreamModel := range gw.Models {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("gateway %s: model name must not be empty", gw.ID)
		}
		if strings.TrimSpace(upstreamModel) == "" {
			return fmt.Errorf("gateway %s: model %q upstream target must not be empty", gw.ID, name)
		}
	}
	return nil
}

func validateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("upstream.base_url must be provided")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("upstream.base_url %q is not a valid URL", raw)
	}
	switch parsed.Scheme {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("upstream.base_url %q must use http or https", raw)
	}
}
