package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Cache key scopes for discovered tools.
const (
	ToolCacheScopeConversation = "conversation"
	ToolCacheScopeUser         = "user"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Gating    GatingConfig    `json:"gating"`
	Providers ProvidersConfig `json:"providers"`
	Auth      AuthConfig      `json:"auth"`
	Tools     ToolsConfig     `json:"tools"`
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
}

type AgentConfig struct {
	Workspace         string  `json:"workspace" env:"TURNPIKE_AGENT_WORKSPACE"`
	Name              string  `json:"name" env:"TURNPIKE_AGENT_NAME"`
	Model             string  `json:"model" env:"TURNPIKE_AGENT_MODEL"`
	FallbackModel     string  `json:"fallback_model" env:"TURNPIKE_AGENT_FALLBACK_MODEL"`
	MaxTokens         int     `json:"max_tokens" env:"TURNPIKE_AGENT_MAX_TOKENS"`
	Temperature       float64 `json:"temperature" env:"TURNPIKE_AGENT_TEMPERATURE"`
	MaxToolIterations int     `json:"max_tool_iterations" env:"TURNPIKE_AGENT_MAX_TOOL_ITERATIONS"`
	Instructions      string  `json:"instructions" env:"TURNPIKE_AGENT_INSTRUCTIONS"`
}

type GatingConfig struct {
	// ApplyToNotifications controls whether the terms gate also intercepts
	// notification activities, not only plain messages. Deployment policy,
	// not a fixed behavior.
	ApplyToNotifications bool `json:"apply_to_notifications" env:"TURNPIKE_GATING_APPLY_TO_NOTIFICATIONS"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base"`
}

// AuthConfig carries one client-credentials binding per auth handler.
// "agentic" serves pre-trusted agent-to-agent requests, "me" serves
// human-delegated requests.
type AuthConfig struct {
	Agentic   AuthHandlerConfig `json:"agentic"`
	Delegated AuthHandlerConfig `json:"me"`
}

type AuthHandlerConfig struct {
	TokenURL     string   `json:"token_url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
}

type ToolsConfig struct {
	CacheScope string         `json:"cache_scope" env:"TURNPIKE_TOOLS_CACHE_SCOPE"`
	MCP        MCPToolsConfig `json:"mcp"`
}

type MCPToolsConfig struct {
	Enabled bool              `json:"enabled" env:"TURNPIKE_TOOLS_MCP_ENABLED"`
	Servers []MCPServerConfig `json:"servers"`
}

type MCPServerConfig struct {
	Name             string            `json:"name"`
	Enabled          bool              `json:"enabled"`
	Transport        string            `json:"transport"` // command|streamable_http
	Command          string            `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	URL              string            `json:"url,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	ToolPrefix       string            `json:"tool_prefix,omitempty"`
	StartupTimeoutMS int               `json:"startup_timeout_ms,omitempty"`
	CallTimeoutMS    int               `json:"call_timeout_ms,omitempty"`
}

type ServerConfig struct {
	Host string `json:"host" env:"TURNPIKE_SERVER_HOST"`
	Port int    `json:"port" env:"TURNPIKE_SERVER_PORT"`
}

type LoggingConfig struct {
	FileEnabled bool   `json:"file_enabled" env:"TURNPIKE_LOGGING_FILE_ENABLED"`
	FilePath    string `json:"file_path" env:"TURNPIKE_LOGGING_FILE_PATH"`
	MaxSizeMB   int    `json:"max_size_mb" env:"TURNPIKE_LOGGING_MAX_SIZE_MB"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:         "~/.turnpike/workspace",
			Name:              "turnpike",
			Model:             "claude-sonnet-4-5",
			FallbackModel:     "gpt-4.1-mini",
			MaxTokens:         8192,
			Temperature:       0.7,
			MaxToolIterations: 10,
			Instructions:      "You are a helpful enterprise assistant.",
		},
		Gating: GatingConfig{
			ApplyToNotifications: true,
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{},
			OpenAI:    ProviderConfig{},
		},
		Auth: AuthConfig{
			Agentic:   AuthHandlerConfig{Scopes: []string{}},
			Delegated: AuthHandlerConfig{Scopes: []string{}},
		},
		Tools: ToolsConfig{
			CacheScope: ToolCacheScopeConversation,
			MCP: MCPToolsConfig{
				Enabled: false,
				Servers: []MCPServerConfig{},
			},
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3978,
		},
		Logging: LoggingConfig{
			FileEnabled: true,
			FilePath:    "~/.turnpike/workspace/turnpike.log",
			MaxSizeMB:   50,
		},
	}
}

// LoadConfig merges defaults, the config file (when present), and the
// TURNPIKE_* environment overlay, in that order. An empty path falls back
// to ~/.turnpike/config.json.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = expandHome("~/.turnpike/config.json")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	applyProviderEnvOverrides(cfg)
	resolveSecretEnvRefs(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would only fail much later at dispatch time.
func (c *Config) Validate() error {
	switch c.Tools.CacheScope {
	case ToolCacheScopeConversation, ToolCacheScopeUser:
	default:
		return fmt.Errorf("tools.cache_scope must be %q or %q, got %q",
			ToolCacheScopeConversation, ToolCacheScopeUser, c.Tools.CacheScope)
	}
	if c.Agent.MaxToolIterations <= 0 {
		return fmt.Errorf("agent.max_tool_iterations must be positive")
	}
	return nil
}

func applyProviderEnvOverrides(cfg *Config) {
	type binding struct {
		target *ProviderConfig
		apiKey string
	}
	bindings := []binding{
		{target: &cfg.Providers.Anthropic, apiKey: "TURNPIKE_PROVIDERS_ANTHROPIC_API_KEY"},
		{target: &cfg.Providers.OpenAI, apiKey: "TURNPIKE_PROVIDERS_OPENAI_API_KEY"},
	}
	for _, b := range bindings {
		if v := strings.TrimSpace(os.Getenv(b.apiKey)); v != "" {
			b.target.APIKey = v
		}
	}
	// Vendor-standard variable names win only when nothing else is set.
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func resolveSecretEnvRefs(cfg *Config) {
	providers := []*ProviderConfig{&cfg.Providers.Anthropic, &cfg.Providers.OpenAI}
	for _, p := range providers {
		p.APIKey = resolveEnvRef(p.APIKey)
		p.APIBase = resolveEnvRef(p.APIBase)
	}
	handlers := []*AuthHandlerConfig{&cfg.Auth.Agentic, &cfg.Auth.Delegated}
	for _, h := range handlers {
		h.TokenURL = resolveEnvRef(h.TokenURL)
		h.ClientID = resolveEnvRef(h.ClientID)
		h.ClientSecret = resolveEnvRef(h.ClientSecret)
	}
}

// resolveEnvRef expands "${VAR}" and "$VAR" references so secrets can live
// in the environment instead of the config file.
func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		if val, ok := os.LookupEnv(strings.TrimSpace(s[1:])); ok {
			return val
		}
	}
	return v
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) WorkspacePath() string {
	return expandHome(c.Agent.Workspace)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
