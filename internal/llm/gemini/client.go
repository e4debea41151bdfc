// Package gemini runs signal extraction prompts against the Gemini API.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Client implements triage.Inference for Gemini.
type Client struct {
	api   *genai.Client
	model string
}

// New creates a Gemini API client. A non-empty baseURL overrides the API endpoint.
func New(ctx context.Context, apiKey, baseURL, model string) (*Client, error) {
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	api, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{api: api, model: model}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Run generates a single response for prompt at temperature 0.
func (c *Client) Run(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := c.api.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		MaxOutputTokens:  int32(maxTokens),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}
