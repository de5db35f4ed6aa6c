package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/claude-mem/claude-mem/pkg/models"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// openRouterClient talks to OpenRouter's OpenAI-compatible chat completions
// endpoint.
type openRouterClient struct {
	opts       clientOptions
	httpClient *http.Client
}

func newOpenRouterClient(opts clientOptions) *openRouterClient {
	if opts.baseURL == "" {
		opts.baseURL = openRouterBaseURL
	}
	opts.baseURL = strings.TrimRight(opts.baseURL, "/")
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openRouterClient{
		opts:       opts,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (o *openRouterClient) Name() string { return "openrouter" }

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (o *openRouterClient) Run(ctx context.Context, history []models.ChatMessage) (*Result, error) {
	history = Truncate(history, o.opts.maxMessages, o.opts.maxTokens)

	messages := make([]models.ChatMessage, 0, len(history))
	messages = append(messages, history...)

	body := map[string]any{
		"model":    o.opts.model,
		"messages": messages,
	}

	var resp chatCompletionResponse
	headers := map[string]string{"Authorization": "Bearer " + o.opts.apiKey}
	if err := doJSON(ctx, o.httpClient, o.Name(), o.opts.baseURL+"/chat/completions", headers, body, &resp); err != nil {
		return nil, err
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return &Result{
		Content:    content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}
