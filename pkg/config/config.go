// Package config loads worker configuration with the precedence
// environment variable > settings.json > built-in default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved worker configuration. Every field maps to one flat
// settings.json key; the environment variable of the same name overrides both
// the file and the built-in default.
type Config struct {
	DataDir string

	// HTTP listen address. The worker binds loopback by default.
	WorkerHost string
	WorkerPort int

	// LLM provider selection. Provider is one of "claude", "gemini",
	// "openrouter", "ollama"; FallbackProvider may name a second provider to
	// chain after recoverable failures (empty disables fallback).
	Provider         string
	FallbackProvider string
	Providers        map[string]ProviderConfig

	// Vector index. Mode is one of "auto", "http", "embedded", "disabled".
	VectorMode string
	VectorURL  string

	// Embedding endpoint for the embedded vector backend (OpenAI-compatible;
	// point EmbeddingURL at Ollama's /v1 for a fully local setup).
	EmbeddingModel     string
	EmbeddingAPIKey    string
	EmbeddingURL       string
	EmbeddingCacheSize int

	// Conversation truncation budgets, applied per LLM call.
	MaxContextMessages int
	MaxContextTokens   int

	DefaultVisibility string

	// Agent key lifecycle.
	KeyExpiryDays     int
	LockoutSeconds    int
	MaxFailedAttempts int

	// Search recency window in days; 0 disables the filter.
	SearchRecencyDays int

	// Git remote preference order for project identity resolution.
	GitRemoteOrder []string

	// Tool names whose ingest events are acknowledged but never enqueued.
	SkipTools []string

	// Active mode name (observation/concept vocabulary and prompt templates).
	Mode string

	LLMTimeout             time.Duration
	SessionIdleTimeout     time.Duration
	StaleProcessingTimeout time.Duration
	MaxAliases             int

	// Rate limiting for /api/agents/register and /api/agents/verify.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// ProviderConfig holds the per-provider model, key, and endpoint override.
type ProviderConfig struct {
	Model  string
	APIKey string
	URL    string
}

// Default values for every key. Ollama needs no API key; cloud providers do.
func defaults() *Config {
	return &Config{
		WorkerHost: "127.0.0.1",
		WorkerPort: 37777,
		Provider:   "claude",
		Providers: map[string]ProviderConfig{
			"claude":     {Model: "claude-sonnet-4-20250514"},
			"gemini":     {Model: "gemini-2.0-flash"},
			"openrouter": {Model: "anthropic/claude-sonnet-4"},
			"ollama":     {Model: "qwen3:8b", URL: "http://127.0.0.1:11434"},
		},
		VectorMode:             "auto",
		VectorURL:              "http://127.0.0.1:8000",
		EmbeddingModel:         "text-embedding-3-small",
		EmbeddingURL:           "https://api.openai.com/v1",
		EmbeddingCacheSize:     10000,
		MaxContextMessages:     40,
		MaxContextTokens:       80000,
		DefaultVisibility:      "project",
		KeyExpiryDays:          90,
		LockoutSeconds:         300,
		MaxFailedAttempts:      5,
		SearchRecencyDays:      0,
		GitRemoteOrder:         []string{"origin", "upstream"},
		Mode:                   "default",
		LLMTimeout:             120 * time.Second,
		SessionIdleTimeout:     10 * time.Minute,
		StaleProcessingTimeout: 10 * time.Minute,
		MaxAliases:             10,
		RateLimitPerSecond:     1,
		RateLimitBurst:         5,
	}
}

// Load resolves the configuration for the given data directory. dataDir may be
// empty, in which case CLAUDE_MEM_DATA_DIR and then ~/.claude-mem apply.
// Absent settings.json is not an error; absent keys fall back to defaults.
func Load(dataDir string) (*Config, error) {
	cfg := defaults()

	if dataDir == "" {
		dataDir = os.Getenv("CLAUDE_MEM_DATA_DIR")
	}
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".claude-mem")
	}
	cfg.DataDir = dataDir

	settings, err := readSettings(filepath.Join(dataDir, "settings.json"))
	if err != nil {
		return nil, err
	}

	// lookup returns env > settings.json > "".
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return settings[key]
	}

	applyString(lookup, "CLAUDE_MEM_WORKER_HOST", &cfg.WorkerHost)
	applyInt(lookup, "CLAUDE_MEM_WORKER_PORT", &cfg.WorkerPort)
	applyString(lookup, "CLAUDE_MEM_PROVIDER", &cfg.Provider)
	applyString(lookup, "CLAUDE_MEM_FALLBACK_PROVIDER", &cfg.FallbackProvider)
	applyString(lookup, "CLAUDE_MEM_VECTOR_MODE", &cfg.VectorMode)
	applyString(lookup, "CLAUDE_MEM_VECTOR_URL", &cfg.VectorURL)
	applyString(lookup, "CLAUDE_MEM_EMBEDDING_MODEL", &cfg.EmbeddingModel)
	applyString(lookup, "CLAUDE_MEM_EMBEDDING_API_KEY", &cfg.EmbeddingAPIKey)
	applyString(lookup, "CLAUDE_MEM_EMBEDDING_URL", &cfg.EmbeddingURL)
	applyInt(lookup, "CLAUDE_MEM_EMBEDDING_CACHE_SIZE", &cfg.EmbeddingCacheSize)
	applyInt(lookup, "CLAUDE_MEM_MAX_CONTEXT_MESSAGES", &cfg.MaxContextMessages)
	applyInt(lookup, "CLAUDE_MEM_MAX_CONTEXT_TOKENS", &cfg.MaxContextTokens)
	applyString(lookup, "CLAUDE_MEM_DEFAULT_VISIBILITY", &cfg.DefaultVisibility)
	applyInt(lookup, "CLAUDE_MEM_KEY_EXPIRY_DAYS", &cfg.KeyExpiryDays)
	applyInt(lookup, "CLAUDE_MEM_LOCKOUT_SECONDS", &cfg.LockoutSeconds)
	applyInt(lookup, "CLAUDE_MEM_MAX_FAILED_ATTEMPTS", &cfg.MaxFailedAttempts)
	applyInt(lookup, "CLAUDE_MEM_SEARCH_RECENCY_DAYS", &cfg.SearchRecencyDays)
	applyList(lookup, "CLAUDE_MEM_GIT_REMOTE_ORDER", &cfg.GitRemoteOrder)
	applyList(lookup, "CLAUDE_MEM_SKIP_TOOLS", &cfg.SkipTools)
	applyString(lookup, "CLAUDE_MEM_MODE", &cfg.Mode)
	applySeconds(lookup, "CLAUDE_MEM_LLM_TIMEOUT_SECONDS", &cfg.LLMTimeout)
	applySeconds(lookup, "CLAUDE_MEM_SESSION_IDLE_SECONDS", &cfg.SessionIdleTimeout)
	applySeconds(lookup, "CLAUDE_MEM_STALE_PROCESSING_SECONDS", &cfg.StaleProcessingTimeout)
	applyInt(lookup, "CLAUDE_MEM_MAX_ALIASES", &cfg.MaxAliases)
	applyFloat(lookup, "CLAUDE_MEM_RATE_LIMIT_RPS", &cfg.RateLimitPerSecond)
	applyInt(lookup, "CLAUDE_MEM_RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	for _, name := range []string{"claude", "gemini", "openrouter", "ollama"} {
		pc := cfg.Providers[name]
		upper := strings.ToUpper(name)
		applyString(lookup, "CLAUDE_MEM_"+upper+"_MODEL", &pc.Model)
		applyString(lookup, "CLAUDE_MEM_"+upper+"_API_KEY", &pc.APIKey)
		applyString(lookup, "CLAUDE_MEM_"+upper+"_URL", &pc.URL)
		cfg.Providers[name] = pc
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.WorkerHost, c.WorkerPort)
}

// DatabasePath is the SQLite file under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "claude-mem.db")
}

// VectorPath is the embedded vector collection directory.
func (c *Config) VectorPath() string {
	return filepath.Join(c.DataDir, "vector-db")
}

// LogDir is the structured log directory.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ModesDir holds mode definition files.
func (c *Config) ModesDir() string {
	return filepath.Join(c.DataDir, "modes")
}

func (c *Config) validate() error {
	switch c.VectorMode {
	case "auto", "http", "embedded", "disabled":
	default:
		return fmt.Errorf("invalid CLAUDE_MEM_VECTOR_MODE %q", c.VectorMode)
	}
	if _, ok := c.Providers[c.Provider]; !ok {
		return fmt.Errorf("unknown CLAUDE_MEM_PROVIDER %q", c.Provider)
	}
	if c.FallbackProvider != "" {
		if _, ok := c.Providers[c.FallbackProvider]; !ok {
			return fmt.Errorf("unknown CLAUDE_MEM_FALLBACK_PROVIDER %q", c.FallbackProvider)
		}
	}
	switch c.DefaultVisibility {
	case "private", "department", "project", "public":
	default:
		return fmt.Errorf("invalid CLAUDE_MEM_DEFAULT_VISIBILITY %q", c.DefaultVisibility)
	}
	return nil
}

// readSettings parses the flat key-value settings.json. A missing file yields
// an empty map. Non-string JSON values are stringified so numeric settings
// written by other tools still parse.
func readSettings(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	settings := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			settings[k] = val
		case float64:
			settings[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			settings[k] = strconv.FormatBool(val)
		}
	}
	return settings, nil
}

func applyString(lookup func(string) string, key string, dst *string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func applyInt(lookup func(string) string, key string, dst *int) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func applyFloat(lookup func(string) string, key string, dst *float64) {
	if v := lookup(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func applySeconds(lookup func(string) string, key string, dst *time.Duration) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func applyList(lookup func(string) string, key string, dst *[]string) {
	if v := lookup(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
