package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/claude-mem/claude-mem/pkg/models"
)

const ollamaBaseURL = "http://127.0.0.1:11434"

// ollamaClient talks to a local Ollama server's chat endpoint. No API key.
type ollamaClient struct {
	opts       clientOptions
	httpClient *http.Client
}

func newOllamaClient(opts clientOptions) *ollamaClient {
	if opts.baseURL == "" {
		opts.baseURL = ollamaBaseURL
	}
	opts.baseURL = strings.TrimRight(opts.baseURL, "/")
	timeout := opts.timeout
	if timeout <= 0 {
		// Local models can be slow to load on first call.
		timeout = 300 * time.Second
	}
	return &ollamaClient{
		opts:       opts,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (o *ollamaClient) Name() string { return "ollama" }

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (o *ollamaClient) Run(ctx context.Context, history []models.ChatMessage) (*Result, error) {
	history = Truncate(history, o.opts.maxMessages, o.opts.maxTokens)

	body := map[string]any{
		"model":    o.opts.model,
		"messages": history,
		"stream":   false,
	}

	var resp ollamaResponse
	if err := doJSON(ctx, o.httpClient, o.Name(), o.opts.baseURL+"/api/chat", nil, body, &resp); err != nil {
		return nil, err
	}

	tokens := resp.PromptEvalCount + resp.EvalCount
	if tokens == 0 {
		tokens = estimateTokens(resp.Message.Content)
	}
	return &Result{
		Content:    resp.Message.Content,
		TokensUsed: tokens,
	}, nil
}
