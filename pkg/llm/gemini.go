package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/claude-mem/claude-mem/pkg/models"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiClient talks to the Gemini generateContent API.
type geminiClient struct {
	opts       clientOptions
	httpClient *http.Client
}

func newGeminiClient(opts clientOptions) *geminiClient {
	if opts.baseURL == "" {
		opts.baseURL = geminiBaseURL
	}
	opts.baseURL = strings.TrimRight(opts.baseURL, "/")
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &geminiClient{
		opts:       opts,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (g *geminiClient) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (g *geminiClient) Run(ctx context.Context, history []models.ChatMessage) (*Result, error) {
	history = Truncate(history, g.opts.maxMessages, g.opts.maxTokens)

	var system *geminiContent
	contents := make([]geminiContent, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case "system":
			if system == nil {
				system = &geminiContent{}
			}
			system.Parts = append(system.Parts, geminiPart{Text: msg.Content})
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}

	body := map[string]any{"contents": contents}
	if system != nil {
		body["systemInstruction"] = system
	}

	url := g.opts.baseURL + "/models/" + g.opts.model + ":generateContent?key=" + g.opts.apiKey
	var resp geminiResponse
	if err := doJSON(ctx, g.httpClient, g.Name(), url, nil, body, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	if len(resp.Candidates) > 0 {
		for _, part := range resp.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
	}
	return &Result{
		Content:    text.String(),
		TokensUsed: resp.UsageMetadata.TotalTokenCount,
	}, nil
}
