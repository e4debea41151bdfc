// internal/triage/llm.go
package triage

import "context"

// Inference is the interface for any text-generation backend. Implementations
// return the raw model text; interpretation belongs to the Extractor.
type Inference interface {
	Run(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// InferenceFunc adapts a plain function to Inference.
type InferenceFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// Run implements Inference.
func (f InferenceFunc) Run(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f(ctx, prompt, maxTokens)
}
