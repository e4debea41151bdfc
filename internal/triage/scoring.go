package triage

import "math"

// Scoring rubric. Score is 0-100:
//
//	base  = severity_signal*20 + business_risk_signal*15 + sentiment_weight
//	score = clamp(round(base * clamp(confidence, 0, 1)), 0, 100)
//
// base can exceed 100 (up to 190); the clamp only happens after the
// confidence multiplier is applied.
const (
	severityFactor     = 20
	businessRiskFactor = 15

	weightNegative = 15
	weightNeutral  = 5
	weightPositive = 0
)

// Priority tiers, lowest score required for each priority.
var priorityTiers = []struct {
	minScore int
	priority int
}{
	{70, 5},
	{50, 4},
	{30, 3},
	{15, 2},
}

// Breakdown is the per-component contribution to a score. It is persisted
// verbatim so a historical priority can be explained without re-running the model.
type Breakdown struct {
	SentimentWeight      float64 `json:"sentiment_weight"`
	SeverityWeight       float64 `json:"severity_weight"`
	BusinessRiskWeight   float64 `json:"business_risk_weight"`
	ConfidenceMultiplier float64 `json:"confidence_multiplier"`
}

// Scoring is the output of the rubric.
type Scoring struct {
	Score     int       `json:"score"`
	Priority  int       `json:"priority"`
	Breakdown Breakdown `json:"breakdown"`
}

// Score applies the rubric to a validated signal set. Pure and deterministic.
func Score(s *Signals) Scoring {
	var sentimentWeight float64
	switch s.Sentiment {
	case SentimentNegative:
		sentimentWeight = weightNegative
	case SentimentNeutral:
		sentimentWeight = weightNeutral
	default:
		sentimentWeight = weightPositive
	}

	severityWeight := s.SeveritySignal * severityFactor
	riskWeight := s.BusinessRiskSignal * businessRiskFactor
	base := severityWeight + riskWeight + sentimentWeight

	multiplier := clamp(s.Confidence, 0, 1)
	score := int(clamp(math.Round(base*multiplier), 0, 100))

	return Scoring{
		Score:    score,
		Priority: PriorityForScore(score),
		Breakdown: Breakdown{
			SentimentWeight:      sentimentWeight,
			SeverityWeight:       severityWeight,
			BusinessRiskWeight:   riskWeight,
			ConfidenceMultiplier: multiplier,
		},
	}
}

// PriorityForScore maps a 0-100 score to a 1-5 priority tier.
func PriorityForScore(score int) int {
	for _, t := range priorityTiers {
		if score >= t.minScore {
			return t.priority
		}
	}
	return 1
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
