package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultClientName and DefaultClientVersion identify the proxy in
	// MCP initialize handshakes when no clientInfo is configured.
	DefaultClientName    = "MCPCompletions"
	DefaultClientVersion = "1.0.0"

	// DefaultUpstreamURL is the chat-completions endpoint requests are
	// forwarded to unless overridden.
	DefaultUpstreamURL = "https://api.openai.com/v1/chat/completions"
)

// ClientInfo names this client in the MCP initialize handshake.
type ClientInfo struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// ExtractService points at an optional content-extraction service used
// by the URL-context fetcher for HTML and PDF documents.
type ExtractService struct {
	URL         string `koanf:"url"`
	BearerToken string `koanf:"bearer_token"`
}

// ServerConfig holds all proxy configuration. The proxy core receives a
// constructed value and reads no environment variables itself; the CLI
// layer assembles it from file, env, and flags.
type ServerConfig struct {
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	Verbose     bool   `koanf:"verbose"`
	LogLevel    string `koanf:"log_level"`
	UpstreamURL string `koanf:"upstream_url"`

	ClientInfo ClientInfo `koanf:"client_info"`

	// ShadowHosts maps old hostname -> replacement hostname for URL
	// context fetches.
	ShadowHosts map[string]string `koanf:"shadow_hosts"`

	ExtractService ExtractService `koanf:"extract_service"`
}

// Default returns a ServerConfig with the built-in defaults applied.
func Default() *ServerConfig {
	return &ServerConfig{
		Host:        "127.0.0.1",
		Port:        8000,
		LogLevel:    "info",
		UpstreamURL: DefaultUpstreamURL,
		ClientInfo: ClientInfo{
			Name:    DefaultClientName,
			Version: DefaultClientVersion,
		},
	}
}

// Load builds a ServerConfig from an optional YAML file plus
// MCP_COMPLETIONS_* environment variables. Env keys map onto config
// paths with "__" as the nesting separator, so
// MCP_COMPLETIONS_EXTRACT_SERVICE__URL sets extract_service.url.
func Load(path string) (*ServerConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("MCP_COMPLETIONS_", ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills empty fields with defaults so a partially specified
// config is still usable.
func (c *ServerConfig) Normalize() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.UpstreamURL == "" {
		c.UpstreamURL = DefaultUpstreamURL
	}
	if c.ClientInfo.Name == "" {
		c.ClientInfo.Name = DefaultClientName
	}
	if c.ClientInfo.Version == "" {
		c.ClientInfo.Version = DefaultClientVersion
	}
}

func envKeyMapper(key string) string {
	key = strings.TrimPrefix(key, "MCP_COMPLETIONS_")
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}
