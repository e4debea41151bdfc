// Package slack sends triage notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/triage"
)

const (
	maxContentLen = 3000
	httpTimeout   = 10 * time.Second

	// DefaultMinPriority is the lowest priority that triggers a message.
	DefaultMinPriority = 5
)

// Notifier posts high-priority and failed analyses to a Slack webhook.
// It implements triage.Notifier.
type Notifier struct {
	webhookURL  string
	minPriority int
	client      *http.Client
	logger      log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL:  webhookURL,
		minPriority: DefaultMinPriority,
		client:      &http.Client{Timeout: httpTimeout},
		logger:      logger,
	}
}

// WithMinPriority changes the priority threshold. Failed analyses are always sent.
func (n *Notifier) WithMinPriority(p int) *Notifier {
	if p >= 1 && p <= 5 {
		n.minPriority = p
	}
	return n
}

// Notify posts the analysis if it failed or reached the priority threshold.
// f may be nil when the feedback could not be loaded.
func (n *Notifier) Notify(ctx context.Context, a *triage.Analysis, f *triage.Feedback) error {
	if n.webhookURL == "" || !n.wants(a) {
		return nil
	}

	body, err := json.Marshal(buildMessage(a, f))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "analysis_id", a.ID, "status", string(a.Status), "priority", a.Priority)
	return nil
}

func (n *Notifier) wants(a *triage.Analysis) bool {
	return a.Status == triage.StatusFailed || a.Priority >= n.minPriority
}

func buildMessage(a *triage.Analysis, f *triage.Feedback) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(a, f),
			{"type": "divider"},
			fieldsBlock(a),
			{"type": "divider"},
			contentBlock(a, f),
			{"type": "divider"},
			contextBlock(a),
		},
	}
}

func headerBlock(a *triage.Analysis, f *triage.Feedback) map[string]any {
	var text string
	if a.Status == triage.StatusFailed {
		text = fmt.Sprintf("%s Analysis failed", priorityEmoji(a))
	} else {
		text = fmt.Sprintf("%s P%d feedback", priorityEmoji(a), a.Priority)
	}
	if f != nil && f.Source != "" {
		text += " from " + f.Source
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(a *triage.Analysis) map[string]any {
	score := "n/a"
	if a.Score != nil {
		score = fmt.Sprintf("%d", *a.Score)
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", a.Status)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:* %d", a.Priority)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Score:* %s", score)},
	}
	if s := a.Signals; s != nil {
		fields = append(fields,
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Sentiment:* %s", s.Sentiment)},
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %.2f", s.Confidence)},
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Keywords:* %s", keywords(s.Keywords))},
		)
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contentBlock(a *triage.Analysis, f *triage.Feedback) map[string]any {
	var b strings.Builder
	if f != nil && f.Content != "" {
		fmt.Fprintf(&b, "*Feedback*\n>%s", strings.ReplaceAll(truncate(f.Content, maxContentLen), "\n", "\n>"))
	}
	switch {
	case a.Status == triage.StatusFailed && a.ErrorText != "":
		fmt.Fprintf(&b, "\n\n*Error*\n%s", truncate(a.ErrorText, maxContentLen))
	case a.Signals != nil && a.Signals.Explanation != "":
		fmt.Fprintf(&b, "\n\n*Why*\n%s", truncate(a.Signals.Explanation, maxContentLen))
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		text = "_No details available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(a *triage.Analysis) map[string]any {
	ts := a.UpdatedAt
	if a.CompletedAt != nil {
		ts = *a.CompletedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("sift • analysis %s • feedback %s • %s", a.ID, a.FeedbackID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func priorityEmoji(a *triage.Analysis) string {
	if a.Status == triage.StatusFailed {
		return "\u26a0\ufe0f" // warning sign
	}
	switch {
	case a.Priority >= 5:
		return "\U0001f534" // red circle
	case a.Priority == 4:
		return "\U0001f7e0" // orange circle
	case a.Priority == 3:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func keywords(k []string) string {
	if len(k) == 0 {
		return "-"
	}
	return strings.Join(k, ", ")
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
