// Package llm selects and wraps the inference backend used for signal extraction.
package llm

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/sift/internal/llm/claude"
	"github.com/linnemanlabs/sift/internal/llm/gemini"
	"github.com/linnemanlabs/sift/internal/llm/ollama"
	"github.com/linnemanlabs/sift/internal/llm/openai"
	"github.com/linnemanlabs/sift/internal/triage"
)

const tracerName = "github.com/linnemanlabs/sift/internal/llm"

// Supported providers.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// Providers lists every accepted Config.Provider value.
var Providers = []string{ProviderClaude, ProviderOpenAI, ProviderOllama, ProviderGemini}

// Config selects a provider and its connection settings.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string

	// RatePerSecond caps outbound calls. Zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// modeler is implemented by every provider client.
type modeler interface {
	triage.Inference
	Model() string
}

// New builds the configured provider, wrapped with tracing and the optional rate limit.
func New(ctx context.Context, cfg Config) (triage.Inference, error) {
	var (
		inf modeler
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderClaude, "":
		inf = claude.New(cfg.APIKey, cfg.Model)
	case ProviderOpenAI:
		inf = openai.New(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case ProviderOllama:
		inf, err = ollama.New(cfg.BaseURL, cfg.Model, nil)
	case ProviderGemini:
		inf, err = gemini.New(ctx, cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q (want one of %s)", cfg.Provider, strings.Join(Providers, ", "))
	}
	if err != nil {
		return nil, err
	}

	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = ProviderClaude
	}
	out := Traced(inf, provider, inf.Model())
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		out = Limited(out, rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst))
	}
	return out, nil
}

// Limited waits on limiter before every call. A cancelled wait is returned as
// the call's error.
func Limited(inner triage.Inference, limiter *rate.Limiter) triage.Inference {
	return triage.InferenceFunc(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		if err := limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
		return inner.Run(ctx, prompt, maxTokens)
	})
}

// Traced records an "inference.run" span around every call.
func Traced(inner triage.Inference, provider, model string) triage.Inference {
	return triage.InferenceFunc(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "inference.run", trace.WithAttributes(
			attribute.String("gen_ai.system", provider),
			attribute.String("gen_ai.request.model", model),
			attribute.Int("gen_ai.request.max_tokens", maxTokens),
		))
		defer span.End()

		text, err := inner.Run(ctx, prompt, maxTokens)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
		span.SetAttributes(attribute.Int("sift.inference.response_len", len(text)))
		return text, nil
	})
}
