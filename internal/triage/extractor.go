package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxOutputTokens bounds the model response; a signal set fits well inside it.
const DefaultMaxOutputTokens = 512

const minExplanationLen = 10

// Sentiment is the coarse tone of a feedback item.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Signals is the validated output of signal extraction.
type Signals struct {
	Sentiment          Sentiment `json:"sentiment"`
	SeveritySignal     float64   `json:"severity_signal"`
	BusinessRiskSignal float64   `json:"business_risk_signal"`
	Keywords           []string  `json:"keywords"`
	Confidence         float64   `json:"confidence"`
	Explanation        string    `json:"explanation"`
}

// ExtractErrorKind classifies extraction failures.
type ExtractErrorKind string

const (
	KindTransport  ExtractErrorKind = "transport"
	KindEmpty      ExtractErrorKind = "empty_response"
	KindParse      ExtractErrorKind = "parse"
	KindNotObject  ExtractErrorKind = "not_object"
	KindValidation ExtractErrorKind = "validation"
)

// ExtractError is returned by Extract for every failure mode. Raw holds the
// unparsed model text when one was received.
type ExtractError struct {
	Kind       ExtractErrorKind
	Violations []string
	Raw        string
	Err        error
}

func (e *ExtractError) Error() string {
	switch e.Kind {
	case KindTransport:
		return fmt.Sprintf("inference request failed: %v", e.Err)
	case KindEmpty:
		return "inference returned empty response"
	case KindParse:
		return fmt.Sprintf("failed to parse inference JSON response: %v", e.Err)
	case KindNotObject:
		return "inference response is not a JSON object"
	case KindValidation:
		return "inference response validation failed: " + strings.Join(e.Violations, "; ")
	}
	return fmt.Sprintf("extraction failed (%s)", e.Kind)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// Extractor turns raw feedback text into a validated signal set using an Inference backend.
// It never retries; retry policy belongs to the Orchestrator.
type Extractor struct {
	inference Inference
	maxTokens int
}

// NewExtractor creates an Extractor. maxTokens <= 0 uses DefaultMaxOutputTokens.
func NewExtractor(inference Inference, maxTokens int) *Extractor {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}
	return &Extractor{inference: inference, maxTokens: maxTokens}
}

// Extract runs one inference call and validates the response.
func (e *Extractor) Extract(ctx context.Context, content string) (*Signals, error) {
	raw, err := e.inference.Run(ctx, buildPrompt(content), e.maxTokens)
	if err != nil {
		return nil, &ExtractError{Kind: KindTransport, Err: err}
	}
	return ParseSignals(raw)
}

// ParseSignals parses and validates a raw model response. Every violated rule
// is reported, not just the first.
func ParseSignals(raw string) (*Signals, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, &ExtractError{Kind: KindEmpty, Raw: raw}
	}

	text = stripFence(text)

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, &ExtractError{Kind: KindParse, Raw: raw, Err: err}
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, &ExtractError{Kind: KindNotObject, Raw: raw}
	}

	s, violations := validateSignals(obj)
	if len(violations) > 0 {
		return nil, &ExtractError{Kind: KindValidation, Violations: violations, Raw: raw}
	}
	return s, nil
}

func validateSignals(obj map[string]any) (*Signals, []string) {
	var (
		s          Signals
		violations []string
	)

	sentiment, _ := obj["sentiment"].(string)
	switch Sentiment(sentiment) {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		s.Sentiment = Sentiment(sentiment)
	default:
		violations = append(violations, `sentiment must be "positive", "neutral", or "negative"`)
	}

	if v, ok := numberIn(obj["severity_signal"], 1, 5); ok {
		s.SeveritySignal = v
	} else {
		violations = append(violations, "severity_signal must be a number between 1 and 5")
	}

	if v, ok := numberIn(obj["business_risk_signal"], 1, 5); ok {
		s.BusinessRiskSignal = v
	} else {
		violations = append(violations, "business_risk_signal must be a number between 1 and 5")
	}

	if kw, ok := stringSlice(obj["keywords"]); ok {
		s.Keywords = kw
	} else {
		violations = append(violations, "keywords must be an array of strings")
	}

	if v, ok := numberIn(obj["confidence"], 0, 1); ok {
		s.Confidence = v
	} else {
		violations = append(violations, "confidence must be a number between 0 and 1")
	}

	if expl, ok := obj["explanation"].(string); ok && utf8.RuneCountInString(expl) >= minExplanationLen {
		s.Explanation = expl
	} else {
		violations = append(violations, fmt.Sprintf("explanation must be a string with at least %d characters", minExplanationLen))
	}

	return &s, violations
}

func numberIn(v any, lo, hi float64) (float64, bool) {
	f, ok := v.(float64)
	if !ok || f < lo || f > hi {
		return 0, false
	}
	return f, true
}

func stringSlice(v any) ([]string, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// stripFence removes a ``` or ```json code fence around the response.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// buildPrompt embeds the feedback text and the strict output schema.
func buildPrompt(content string) string {
	return fmt.Sprintf(`You are the analysis stage of a customer feedback triage queue.
Read the feedback below and reply with ONLY a JSON object that matches this schema exactly:

{
  "sentiment": "positive" | "neutral" | "negative",
  "severity_signal": number from 1 (minor) to 5 (critical),
  "business_risk_signal": number from 1 (low risk) to 5 (high risk),
  "keywords": ["keyword", ...],
  "confidence": number from 0.0 to 1.0,
  "explanation": "two or three sentences explaining the assessment"
}

Feedback:
%s

Reply with the JSON object only. No markdown, no code fences, no other text.`, content)
}
