package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/triage"
)

func intPtr(v int) *int { return &v }

func scoredAnalysis(priority int) *triage.Analysis {
	done := time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC)
	return &triage.Analysis{
		ID:         "01JN123",
		FeedbackID: "01JN100",
		Status:     triage.StatusPending,
		Priority:   priority,
		Score:      intPtr(92),
		Signals: &triage.Signals{
			Sentiment:   triage.SentimentNegative,
			Keywords:    []string{"checkout", "safari"},
			Confidence:  0.9,
			Explanation: "Checkout is broken for a paying customer.",
		},
		CompletedAt: &done,
	}
}

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	fb := &triage.Feedback{ID: "01JN100", Source: "support", Content: "Checkout broken on Safari"}
	if err := n.Notify(context.Background(), scoredAnalysis(5), fb); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, content, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "P5") || !strings.Contains(headerText, "support") {
		t.Errorf("header text = %q, want priority and source", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for P5")
	}

	content := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(content, "Checkout broken on Safari") || !strings.Contains(content, "paying customer") {
		t.Errorf("content = %q", content)
	}
}

func TestNotify_SkipsBelowThreshold(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	for p := 1; p <= 4; p++ {
		if err := n.Notify(context.Background(), scoredAnalysis(p), nil); err != nil {
			t.Fatalf("Notify(P%d): %v", p, err)
		}
	}
	if hits.Load() != 0 {
		t.Errorf("webhook hits = %d, want 0", hits.Load())
	}

	n.WithMinPriority(4)
	_ = n.Notify(context.Background(), scoredAnalysis(4), nil)
	if hits.Load() != 1 {
		t.Errorf("webhook hits = %d after lowering threshold, want 1", hits.Load())
	}
}

func TestNotify_FailedAlwaysSent(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := &triage.Analysis{ID: "an-9", FeedbackID: "fb-9", Status: triage.StatusFailed, ErrorText: "step ai-analysis failed after 3 attempts"}
	if err := New(srv.URL, log.Nop()).Notify(context.Background(), a, nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks := got["blocks"].([]any)
	headerText := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Analysis failed") {
		t.Errorf("header = %q", headerText)
	}
	content := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(content, "after 3 attempts") {
		t.Errorf("content = %q, want error text", content)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Notify(context.Background(), scoredAnalysis(5), nil); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	err := New(srv.URL, log.Nop()).Notify(context.Background(), scoredAnalysis(5), nil)
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestPriorityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   triage.Status
		priority int
		want     string
	}{
		{"failed", triage.StatusFailed, 0, "\u26a0\ufe0f"},
		{"p5", triage.StatusPending, 5, "\U0001f534"},
		{"p4", triage.StatusPending, 4, "\U0001f7e0"},
		{"p3", triage.StatusAssigned, 3, "\U0001f7e1"},
		{"p1", triage.StatusDone, 1, "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := priorityEmoji(&triage.Analysis{Status: tt.status, Priority: tt.priority})
			if got != tt.want {
				t.Errorf("priorityEmoji(%s, %d) = %q, want %q", tt.status, tt.priority, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	got := truncate(strings.Repeat("é", 20), 11)
	if !strings.HasSuffix(got, "...") || len(got) > 11 || !utf8.ValidString(got) {
		t.Errorf("truncate(multibyte) = %q (len %d)", got, len(got))
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("support", "Checkout broken", "explanation text", "boom", 5)
	f.Add("", "", "", "", 0)
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", "```code```", "err\x00", 3)
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), strings.Repeat("y", 4000), "", 5)

	f.Fuzz(func(t *testing.T, source, content, explanation, errText string, priority int) {
		a := scoredAnalysis(priority)
		a.Signals.Explanation = explanation
		a.ErrorText = errText
		fb := &triage.Feedback{ID: "fb", Source: source, Content: content}

		// Must not panic
		msg := buildMessage(a, fb)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}
