package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/claude-mem/claude-mem/pkg/models"
)

const (
	claudeBaseURL    = "https://api.anthropic.com/v1"
	claudeAPIVersion = "2023-06-01"
	claudeMaxTokens  = 8192
)

// claudeClient talks to the Anthropic Messages API.
type claudeClient struct {
	opts       clientOptions
	httpClient *http.Client
}

func newClaudeClient(opts clientOptions) *claudeClient {
	if opts.baseURL == "" {
		opts.baseURL = claudeBaseURL
	}
	opts.baseURL = strings.TrimRight(opts.baseURL, "/")
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &claudeClient{
		opts:       opts,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *claudeClient) Name() string { return "claude" }

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *claudeClient) Run(ctx context.Context, history []models.ChatMessage) (*Result, error) {
	history = Truncate(history, c.opts.maxMessages, c.opts.maxTokens)

	// The Messages API takes system text as a top-level field.
	var system string
	messages := make([]claudeMessage, 0, len(history))
	for _, msg := range history {
		if msg.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		messages = append(messages, claudeMessage{Role: msg.Role, Content: msg.Content})
	}

	body := map[string]any{
		"model":      c.opts.model,
		"max_tokens": claudeMaxTokens,
		"messages":   messages,
	}
	if system != "" {
		body["system"] = system
	}

	var resp claudeResponse
	headers := map[string]string{
		"x-api-key":         c.opts.apiKey,
		"anthropic-version": claudeAPIVersion,
	}
	if err := doJSON(ctx, c.httpClient, c.Name(), c.opts.baseURL+"/messages", headers, body, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Result{
		Content:    text.String(),
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}
