package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/sift/internal/triage"
)

func echo(calls *int) triage.Inference {
	return triage.InferenceFunc(func(_ context.Context, prompt string, _ int) (string, error) {
		*calls++
		return prompt, nil
	})
}

func TestNew_Providers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"default is claude", Config{APIKey: "k"}, ""},
		{"claude", Config{Provider: "claude", APIKey: "k"}, ""},
		{"openai mixed case", Config{Provider: "OpenAI", APIKey: "k", BaseURL: "http://localhost:8000/v1"}, ""},
		{"ollama", Config{Provider: "ollama"}, ""},
		{"ollama bad url", Config{Provider: "ollama", BaseURL: "://nope"}, "parse ollama url"},
		{"gemini", Config{Provider: "gemini", APIKey: "k"}, ""},
		{"limited", Config{Provider: "openai", APIKey: "k", RatePerSecond: 2}, ""},
		{"unknown", Config{Provider: "bard"}, "unknown llm provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inf, err := New(context.Background(), tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil || inf == nil {
				t.Fatalf("New = %v, %v", inf, err)
			}
		})
	}
}

func TestLimited_PassesThrough(t *testing.T) {
	t.Parallel()

	var calls int
	inf := Limited(echo(&calls), rate.NewLimiter(rate.Inf, 1))
	for range 3 {
		got, err := inf.Run(context.Background(), "hi", 10)
		if err != nil || got != "hi" {
			t.Fatalf("Run = %q, %v", got, err)
		}
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestLimited_CancelledWait(t *testing.T) {
	t.Parallel()

	var calls int
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	inf := Limited(echo(&calls), limiter)

	if _, err := inf.Run(context.Background(), "first", 10); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := inf.Run(ctx, "second", 10); err == nil {
		t.Fatal("expected rate limit error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestTraced_RecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	boom := errors.New("boom")
	fail := triage.InferenceFunc(func(context.Context, string, int) (string, error) { return "", boom })

	var calls int
	_, _ = Traced(echo(&calls), "ollama", "llama").Run(context.Background(), "abc", 32)
	if _, err := Traced(fail, "ollama", "llama").Run(context.Background(), "abc", 32); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "inference.run" {
		t.Errorf("name = %q", spans[0].Name)
	}
	attrs := map[string]string{}
	for _, a := range spans[0].Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	if attrs["gen_ai.system"] != "ollama" || attrs["gen_ai.request.model"] != "llama" || attrs["sift.inference.response_len"] != "3" {
		t.Errorf("attrs = %v", attrs)
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("error span status = %v", spans[1].Status.Code)
	}
}
