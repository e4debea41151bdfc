// Package ollama runs signal extraction prompts against a local Ollama server.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const (
	// DefaultURL is the Ollama server address when none is configured.
	DefaultURL = "http://localhost:11434"

	// DefaultModel is used when no model is configured.
	DefaultModel = "llama3.1:8b"
)

// Client implements triage.Inference against the Ollama chat API.
type Client struct {
	api   *api.Client
	model string
}

// New creates a client for the server at baseURL.
func New(baseURL, model string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{api: api.NewClient(u, httpClient), model: model}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Run sends prompt as a single non-streamed chat turn.
func (c *Client) Run(ctx context.Context, prompt string, maxTokens int) (string, error) {
	stream := false
	var out strings.Builder
	err := c.api.Chat(ctx, &api.ChatRequest{
		Model:    c.model,
		Messages: []api.Message{{Role: "user", Content: prompt}},
		Stream:   &stream,
		Options: map[string]any{
			"temperature": 0,
			"num_predict": maxTokens,
		},
	}, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return out.String(), nil
}
