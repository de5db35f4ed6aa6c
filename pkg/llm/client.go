// Package llm abstracts the memory agent's LLM providers behind one
// multi-turn contract. Providers are thin net/http clients; the processing
// pipeline never sees provider-specific payloads.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/claude-mem/claude-mem/pkg/config"
	"github.com/claude-mem/claude-mem/pkg/models"
)

// Result is one completed LLM round-trip.
type Result struct {
	Content string
	// TokensUsed is the provider-reported total, or an estimate when the
	// provider reports nothing.
	TokensUsed int
	// ProviderSessionID carries a provider-side conversation id when the
	// provider has one; empty otherwise.
	ProviderSessionID string
}

// Client is the provider contract: send the full ordered history, get plain
// text back.
type Client interface {
	Run(ctx context.Context, history []models.ChatMessage) (*Result, error)
	Name() string
}

// ProviderError classifies a provider failure. Recoverable errors (network,
// timeouts, quota) may be retried or handed to a fallback provider;
// unrecoverable errors (auth, malformed request) may not.
type ProviderError struct {
	Provider    string
	Status      int
	Recoverable bool
	Err         error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err is a provider error worth retrying or
// falling back on. Unknown errors are treated as recoverable: network-level
// failures arrive untyped.
func IsRecoverable(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Recoverable
	}
	return !errors.Is(err, context.Canceled)
}

// classifyStatus maps an HTTP status to recoverability: timeouts, rate
// limits, and server errors are transient; auth and malformed requests are
// permanent.
func classifyStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// estimateTokens approximates the provider's tokenizer at 4 chars per token.
func estimateTokens(text string) int {
	return len(text) / 4
}

func historyTokens(history []models.ChatMessage) int {
	total := 0
	for _, msg := range history {
		total += estimateTokens(msg.Content)
	}
	return total
}

// Truncate enforces the message-count and token budgets by dropping the
// oldest messages, keeping a contiguous suffix. Zero budgets disable the
// corresponding check.
func Truncate(history []models.ChatMessage, maxMessages, maxTokens int) []models.ChatMessage {
	kept := history
	if maxMessages > 0 && len(kept) > maxMessages {
		kept = kept[len(kept)-maxMessages:]
	}
	if maxTokens > 0 {
		for len(kept) > 1 && historyTokens(kept) > maxTokens {
			kept = kept[1:]
		}
	}
	if dropped := len(history) - len(kept); dropped > 0 {
		slog.Warn("Truncated conversation history",
			"dropped", dropped, "kept", len(kept), "tokens", historyTokens(kept))
	}
	return kept
}

// clientOptions is the per-provider construction bundle resolved from
// configuration.
type clientOptions struct {
	model       string
	apiKey      string
	baseURL     string
	maxMessages int
	maxTokens   int
	timeout     time.Duration
}

// New builds the configured provider chain: the primary client, wrapped with
// a fallback when one is configured.
func New(cfg *config.Config) (Client, error) {
	primary, err := newProvider(cfg, cfg.Provider)
	if err != nil {
		return nil, err
	}
	if cfg.FallbackProvider == "" || cfg.FallbackProvider == cfg.Provider {
		return primary, nil
	}
	fallback, err := newProvider(cfg, cfg.FallbackProvider)
	if err != nil {
		return nil, err
	}
	return &FallbackClient{Primary: primary, Fallback: fallback}, nil
}

func newProvider(cfg *config.Config, name string) (Client, error) {
	pc, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	opts := clientOptions{
		model:       pc.Model,
		apiKey:      pc.APIKey,
		baseURL:     pc.URL,
		maxMessages: cfg.MaxContextMessages,
		maxTokens:   cfg.MaxContextTokens,
		timeout:     cfg.LLMTimeout,
	}
	switch name {
	case "claude":
		return newClaudeClient(opts), nil
	case "gemini":
		return newGeminiClient(opts), nil
	case "openrouter":
		return newOpenRouterClient(opts), nil
	case "ollama":
		return newOllamaClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// FallbackClient chains two providers: when the primary fails recoverably,
// the same history is replayed against the fallback so the conversation
// continues from the same point.
type FallbackClient struct {
	Primary  Client
	Fallback Client
}

func (f *FallbackClient) Name() string {
	return f.Primary.Name() + "+" + f.Fallback.Name()
}

func (f *FallbackClient) Run(ctx context.Context, history []models.ChatMessage) (*Result, error) {
	result, err := f.Primary.Run(ctx, history)
	if err == nil {
		return result, nil
	}
	if !IsRecoverable(err) {
		return nil, err
	}
	slog.Warn("Primary provider failed, trying fallback",
		"primary", f.Primary.Name(), "fallback", f.Fallback.Name(), "error", err)
	return f.Fallback.Run(ctx, history)
}

// doJSON posts a JSON body and decodes a JSON response, classifying HTTP
// failures into ProviderError.
func doJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Provider: provider, Recoverable: false, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &ProviderError{Provider: provider, Recoverable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &ProviderError{Provider: provider, Recoverable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &ProviderError{
			Provider:    provider,
			Status:      resp.StatusCode,
			Recoverable: classifyStatus(resp.StatusCode),
			Err:         fmt.Errorf("status %d: %s", resp.StatusCode, msg),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Provider: provider, Recoverable: true, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
