// Package storetest is a behavioural test suite shared by every triage.Store implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/triage"
)

// Factory returns an empty store. Cleanup belongs to the factory via t.Cleanup.
type Factory func(t *testing.T) triage.Store

// Run exercises the full Store contract against stores produced by newStore.
// Subtests run sequentially so backends sharing a database can reset between them.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s triage.Store)
	}{
		{"FeedbackRoundTrip", testFeedbackRoundTrip},
		{"AnalysisRoundTrip", testAnalysisRoundTrip},
		{"UpsertKeepsQueuedAt", testUpsertKeepsQueuedAt},
		{"UpdateStatusAndPriority", testUpdateStatusAndPriority},
		{"UpdateMissing", testUpdateMissing},
		{"AnalysesByFeedbackNewestFirst", testAnalysesByFeedback},
		{"QueueDefaultOrder", testQueueDefaultOrder},
		{"QueueSortScoreTime", testQueueSortScoreTime},
		{"QueueFilters", testQueueFilters},
		{"QueueSearchLiteral", testQueueSearchLiteral},
		{"QueueSearchMetadataVerbatim", testQueueSearchMetadataVerbatim},
		{"QueuePaging", testQueuePaging},
		{"Overrides", testOverrides},
		{"Steps", testSteps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// base is a fixed, microsecond-aligned instant so every backend round-trips it exactly.
var base = time.Date(2026, 2, 3, 4, 5, 6, 789000, time.UTC)

func ptr[T any](v T) *T { return &v }

func mustFeedback(t *testing.T, s triage.Store, id, source, content, metadata string) {
	t.Helper()
	f := &triage.Feedback{ID: id, Source: source, Content: content, CreatedAt: base}
	if metadata != "" {
		f.Metadata = json.RawMessage(metadata)
	}
	if err := s.InsertFeedback(context.Background(), f); err != nil {
		t.Fatalf("InsertFeedback(%s): %v", id, err)
	}
}

func mustAnalysis(t *testing.T, s triage.Store, a *triage.Analysis) {
	t.Helper()
	if err := s.UpsertAnalysis(context.Background(), a); err != nil {
		t.Fatalf("UpsertAnalysis(%s): %v", a.ID, err)
	}
}

func scored(id, feedbackID string, status triage.Status, priority, score int, queued time.Time) *triage.Analysis {
	return &triage.Analysis{
		ID:         id,
		FeedbackID: feedbackID,
		Status:     status,
		Priority:   priority,
		Score:      ptr(score),
		Signals: &triage.Signals{
			Sentiment:          triage.SentimentNeutral,
			SeveritySignal:     2,
			BusinessRiskSignal: 2,
			Keywords:           []string{"k"},
			Confidence:         0.5,
			Explanation:        "ten chars or more",
		},
		QueuedAt:  queued,
		CreatedAt: queued,
	}
}

func queueIDs(items []triage.QueueItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func testFeedbackRoundTrip(t *testing.T, s triage.Store) {
	ctx := context.Background()
	mustFeedback(t, s, "fb-1", "support", "Billing charged twice", `{"invoice":"4521"}`)
	mustFeedback(t, s, "fb-2", "", "No source or metadata", "")

	got, ok, err := s.GetFeedback(ctx, "fb-1")
	if err != nil || !ok {
		t.Fatalf("GetFeedback: ok=%v err=%v", ok, err)
	}
	if got.Source != "support" || got.Content != "Billing charged twice" {
		t.Errorf("feedback = %+v", got)
	}
	var meta map[string]string
	if err := json.Unmarshal(got.Metadata, &meta); err != nil || meta["invoice"] != "4521" {
		t.Errorf("metadata = %s (%v)", got.Metadata, err)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, base)
	}

	got, ok, err = s.GetFeedback(ctx, "fb-2")
	if err != nil || !ok {
		t.Fatalf("GetFeedback: ok=%v err=%v", ok, err)
	}
	if got.Source != "" || len(got.Metadata) != 0 {
		t.Errorf("feedback = %+v, want empty source and metadata", got)
	}

	if _, ok, err := s.GetFeedback(ctx, "missing"); err != nil || ok {
		t.Errorf("GetFeedback(missing): ok=%v err=%v", ok, err)
	}
}

func testAnalysisRoundTrip(t *testing.T, s triage.Store) {
	ctx := context.Background()
	mustFeedback(t, s, "fb-1", "api", "x", "")

	a := scored("an-1", "fb-1", triage.StatusPending, 4, 55, base)
	a.StartedAt = ptr(base.Add(time.Second))
	a.CompletedAt = ptr(base.Add(2 * time.Second))
	a.Result = &triage.Scoring{Score: 55, Priority: 4, Breakdown: triage.Breakdown{SentimentWeight: 5, SeverityWeight: 40, BusinessRiskWeight: 30, ConfidenceMultiplier: 0.73}}
	mustAnalysis(t, s, a)

	got, ok, err := s.GetAnalysis(ctx, "an-1")
	if err != nil || !ok {
		t.Fatalf("GetAnalysis: ok=%v err=%v", ok, err)
	}
	if got.Status != triage.StatusPending || got.Priority != 4 || got.Score == nil || *got.Score != 55 {
		t.Errorf("analysis = %+v", got)
	}
	if got.Signals == nil || got.Signals.Explanation != "ten chars or more" || !slices.Equal(got.Signals.Keywords, []string{"k"}) {
		t.Errorf("signals = %+v", got.Signals)
	}
	if got.Result == nil || *got.Result != *a.Result {
		t.Errorf("result = %+v, want %+v", got.Result, a.Result)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(*a.StartedAt) {
		t.Errorf("started_at = %v", got.StartedAt)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(*a.CompletedAt) {
		t.Errorf("completed_at = %v", got.CompletedAt)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("updated_at not set")
	}

	mustAnalysis(t, s, &triage.Analysis{ID: "an-2", FeedbackID: "fb-1", Status: triage.StatusRunning, QueuedAt: base})
	got, _, err = s.GetAnalysis(ctx, "an-2")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if got.Score != nil || got.Signals != nil || got.Result != nil || got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("running analysis has non-null fields: %+v", got)
	}

	if _, ok, err := s.GetAnalysis(ctx, "missing"); err != nil || ok {
		t.Errorf("GetAnalysis(missing): ok=%v err=%v", ok, err)
	}
}

func testUpsertKeepsQueuedAt(t *testing.T, s triage.Store) {
	ctx := context.Background()
	mustFeedback(t, s, "fb-1", "api", "x", "")
	mustAnalysis(t, s, &triage.Analysis{ID: "an-1", FeedbackID: "fb-1", Status: triage.StatusRunning, QueuedAt: base, CreatedAt: base})

	first, _, _ := s.GetAnalysis(ctx, "an-1")

	later := base.Add(time.Hour)
	update := scored("an-1", "fb-1", triage.StatusFailed, 0, 0, later)
	update.Score, update.Signals = nil, nil
	update.ErrorText = "step ai-analysis failed"
	mustAnalysis(t, s, update)

	got, _, err := s.GetAnalysis(ctx, "an-1")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if !got.QueuedAt.Equal(base) {
		t.Errorf("queued_at = %v, want %v", got.QueuedAt, base)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, first.CreatedAt)
	}
	if got.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("updated_at went backwards: %v < %v", got.UpdatedAt, first.UpdatedAt)
	}
	if got.Status != triage.StatusFailed || got.ErrorText != "step ai-analysis failed" {
		t.Errorf("analysis = %s/%q", got.Status, got.ErrorText)
	}
}

func testUpdateStatusAndPriority(t *testing.T, s triage.Store) {
	ctx := context.Background()
	mustFeedback(t, s, "fb-1", "api", "x", "")
	mustAnalysis(t, s, scored("an-1", "fb-1", triage.StatusPending, 3, 40, base))

	if err := s.UpdateAnalysisStatus(ctx, "an-1", triage.StatusAssigned, "ignored"); err != nil {
		t.Fatalf("UpdateAnalysisStatus: %v", err)
	}
	if err := s.UpdateAnalysisPriority(ctx, "an-1", 5); err != nil {
		t.Fatalf("UpdateAnalysisPriority: %v", err)
	}
	got, _, _ := s.GetAnalysis(ctx, "an-1")
	if got.Status != triage.StatusAssigned || got.Priority != 5 {
		t.Errorf("analysis = %s/%d, want assigned/5", got.Status, got.Priority)
	}
	if got.ErrorText != "" {
		t.Errorf("error_text = %q, want empty for non-failed status", got.ErrorText)
	}

	if err := s.UpdateAnalysisStatus(ctx, "an-1", triage.StatusFailed, "marked failed"); err != nil {
		t.Fatalf("UpdateAnalysisStatus: %v", err)
	}
	got, _, _ = s.GetAnalysis(ctx, "an-1")
	if got.ErrorText != "marked failed" {
		t.Errorf("error_text = %q, want %q", got.ErrorText, "marked failed")
	}
}

func testUpdateMissing(t *testing.T, s triage.Store) {
	ctx := context.Background()
	if err := s.UpdateAnalysisStatus(ctx, "missing", triage.StatusDone, ""); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("UpdateAnalysisStatus err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateAnalysisPriority(ctx, "missing", 2); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("UpdateAnalysisPriority err = %v, want ErrNotFound", err)
	}
}

func testAnalysesByFeedback(t *testing.T, s triage.Store) {
	ctx := context.Background()
	mustFeedback(t, s, "fb-1", "api", "x", "")
	mustFeedback(t, s, "fb-2", "api", "y", "")
	mustAnalysis(t, s, &triage.Analysis{ID: "old", FeedbackID: "fb-1", Status: triage.StatusFailed, ErrorText: "e", QueuedAt: base, CreatedAt: base})
	mustAnalysis(t, s, &triage.Analysis{ID: "new", FeedbackID: "fb-1", Status: triage.StatusRunning, QueuedAt: base, CreatedAt: base.Add(time.Minute)})
	mustAnalysis(t, s, &triage.Analysis{ID: "other", FeedbackID: "fb-2", Status: triage.StatusRunning, QueuedAt: base, CreatedAt: base})

	got, err := s.ListAnalysesByFeedback(ctx, "fb-1")
	if err != nil {
		t.Fatalf("ListAnalysesByFeedback: %v", err)
	}
	var ids []string
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	if !slices.Equal(ids, []string{"new", "old"}) {
		t.Errorf("ids = %v, want [new old]", ids)
	}
}

func seedQueue(t *testing.T, s triage.Store) {
	t.Helper()
	mustFeedback(t, s, "fb-a", "support", "Checkout BROKEN on Safari", `{"plan":"enterprise"}`)
	mustFeedback(t, s, "fb-b", "github", "Dark mode toggle resets", `{"plan":"free"}`)
	mustFeedback(t, s, "fb-c", "x", "100% of uploads fail_fast", "")

	mustAnalysis(t, s, scored("done-5", "fb-a", triage.StatusDone, 5, 90, base))
	mustAnalysis(t, s, scored("assigned-5", "fb-a", triage.StatusAssigned, 5, 80, base))
	mustAnalysis(t, s, scored("pending-3", "fb-b", triage.StatusPending, 3, 40, base))
	mustAnalysis(t, s, scored("pending-5-late", "fb-c", triage.StatusPending, 5, 75, base.Add(time.Hour)))
	mustAnalysis(t, s, scored("pending-5-early", "fb-b", triage.StatusPending, 5, 70, base))
	mustAnalysis(t, s, &triage.Analysis{ID: "failed", FeedbackID: "fb-c", Status: triage.StatusFailed, ErrorText: "e", QueuedAt: base})
	mustAnalysis(t, s, &triage.Analysis{ID: "running", FeedbackID: "fb-c", Status: triage.StatusRunning, QueuedAt: base.Add(-time.Hour)})
}

func list(t *testing.T, s triage.Store, f triage.QueueFilter) []string {
	t.Helper()
	items, err := s.ListAnalyses(context.Background(), f.Resolve())
	if err != nil {
		t.Fatalf("ListAnalyses(%+v): %v", f, err)
	}
	return queueIDs(items)
}

func testQueueDefaultOrder(t *testing.T, s triage.Store) {
	seedQueue(t, s)

	got := list(t, s, triage.QueueFilter{})
	want := []string{"pending-5-early", "pending-5-late", "pending-3", "assigned-5", "done-5", "running", "failed"}
	if !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}

	items, _ := s.ListAnalyses(context.Background(), triage.QueueFilter{Limit: 1}.Resolve())
	if len(items) != 1 || items[0].Content != "Dark mode toggle resets" || items[0].Source != "github" {
		t.Errorf("joined feedback = %+v", items)
	}
}

func testQueueSortScoreTime(t *testing.T, s triage.Store) {
	seedQueue(t, s)

	got := list(t, s, triage.QueueFilter{Sort: "score,time"})
	want := []string{"done-5", "assigned-5", "pending-5-late", "pending-5-early", "pending-3", "failed", "running"}
	if !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}

	if got := list(t, s, triage.QueueFilter{Sort: "nonsense"}); got[0] != "pending-5-early" {
		t.Errorf("unknown sort should fall back to default order, got %v", got)
	}
}

func testQueueFilters(t *testing.T, s triage.Store) {
	seedQueue(t, s)

	tests := []struct {
		name   string
		filter triage.QueueFilter
		want   []string
	}{
		{"priority", triage.QueueFilter{Priority: ptr(5), Sort: "time_asc"}, []string{"assigned-5", "done-5", "pending-5-early", "pending-5-late"}},
		{"status set", triage.QueueFilter{Statuses: []triage.Status{triage.StatusPending, triage.StatusAssigned}}, []string{"pending-5-early", "pending-5-late", "pending-3", "assigned-5"}},
		{"single status", triage.QueueFilter{Status: triage.StatusFailed}, []string{"failed"}},
		{"source", triage.QueueFilter{Source: "github"}, []string{"pending-3"}},
		{"search content any case", triage.QueueFilter{Search: "broken on safari"}, []string{"assigned-5", "done-5"}},
		{"search metadata", triage.QueueFilter{Search: "enterprise"}, []string{"assigned-5", "done-5"}},
		{"combined", triage.QueueFilter{Source: "support", Status: triage.StatusDone}, []string{"done-5"}},
		{"no match", triage.QueueFilter{Search: "refund"}, []string{}},
	}

	for _, tt := range tests {
		got := list(t, s, tt.filter)
		if !slices.Equal(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func testQueueSearchLiteral(t *testing.T, s triage.Store) {
	seedQueue(t, s)

	if got := list(t, s, triage.QueueFilter{Search: "100%"}); len(got) != 3 {
		t.Errorf("search 100%% = %v, want the three fb-c analyses", got)
	}
	if got := list(t, s, triage.QueueFilter{Search: "%"}); len(got) != 3 {
		t.Errorf("search %% = %v, want literal match only", got)
	}
	if got := list(t, s, triage.QueueFilter{Search: "uploads_fail"}); len(got) != 0 {
		t.Errorf("search uploads_fail = %v, want underscore matched literally", got)
	}
	if got := list(t, s, triage.QueueFilter{Search: "'; DROP TABLE analysis; --"}); len(got) != 0 {
		t.Errorf("injection-shaped search matched %v", got)
	}
}

func testQueueSearchMetadataVerbatim(t *testing.T, s triage.Store) {
	const meta = `{"plan":"pro","seats":12}`
	mustFeedback(t, s, "fb-m", "support", "seat limit reached", meta)
	mustAnalysis(t, s, scored("meta", "fb-m", triage.StatusPending, 3, 55, base))

	f, ok, err := s.GetFeedback(context.Background(), "fb-m")
	if err != nil || !ok {
		t.Fatalf("GetFeedback = %v, %v", ok, err)
	}
	if string(f.Metadata) != meta {
		t.Errorf("metadata = %s, want %s stored verbatim", f.Metadata, meta)
	}

	if got := list(t, s, triage.QueueFilter{Search: `"plan":"pro"`}); !slices.Equal(got, []string{"meta"}) {
		t.Errorf("search as submitted = %v, want [meta]", got)
	}
	if got := list(t, s, triage.QueueFilter{Search: `"PLAN":"PRO"`}); !slices.Equal(got, []string{"meta"}) {
		t.Errorf("search any case = %v, want [meta]", got)
	}
	if got := list(t, s, triage.QueueFilter{Search: `"plan": "pro"`}); len(got) != 0 {
		t.Errorf("search with reformatted json = %v, want no match", got)
	}
}

func testQueuePaging(t *testing.T, s triage.Store) {
	seedQueue(t, s)

	page1 := list(t, s, triage.QueueFilter{Limit: 3})
	page2 := list(t, s, triage.QueueFilter{Limit: 3, Offset: 3})
	page3 := list(t, s, triage.QueueFilter{Limit: 3, Offset: 6})
	all := slices.Concat(page1, page2, page3)

	want := []string{"pending-5-early", "pending-5-late", "pending-3", "assigned-5", "done-5", "running", "failed"}
	if !slices.Equal(all, want) {
		t.Errorf("paged = %v, want %v", all, want)
	}
	if got := list(t, s, triage.QueueFilter{Offset: 100}); len(got) != 0 {
		t.Errorf("past the end = %v, want empty", got)
	}
}

func testOverrides(t *testing.T, s triage.Store) {
	ctx := context.Background()
	mustFeedback(t, s, "fb-1", "api", "x", "")
	mustAnalysis(t, s, scored("an-1", "fb-1", triage.StatusPending, 3, 40, base))
	mustAnalysis(t, s, scored("an-2", "fb-1", triage.StatusPending, 3, 40, base))
	mustAnalysis(t, s, scored("an-3", "fb-1", triage.StatusPending, 3, 40, base))

	for i, id := range []string{"an-1", "an-2", "an-3"} {
		o := &triage.Override{
			ID:         fmt.Sprintf("ov-%d", i),
			AnalysisID: id,
			Actor:      "sam",
			Action:     triage.ActionSetPriority,
			Payload:    json.RawMessage(fmt.Sprintf(`{"priority":%d,"previous_priority":3,"reason":"r"}`, i+1)),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertOverride(ctx, o); err != nil {
			t.Fatalf("InsertOverride: %v", err)
		}
	}

	got, err := s.ListOverrides(ctx, []string{"an-1", "an-2"})
	if err != nil {
		t.Fatalf("ListOverrides: %v", err)
	}
	if len(got) != 2 || got[0].ID != "ov-1" || got[1].ID != "ov-0" {
		t.Fatalf("overrides = %+v, want [ov-1 ov-0]", got)
	}
	if got[0].Actor != "sam" || got[0].Action != triage.ActionSetPriority {
		t.Errorf("override = %+v", got[0])
	}
	var p struct {
		Priority int `json:"priority"`
	}
	if err := json.Unmarshal(got[0].Payload, &p); err != nil || p.Priority != 2 {
		t.Errorf("payload = %s (%v)", got[0].Payload, err)
	}

	none, err := s.ListOverrides(ctx, []string{"missing"})
	if err != nil || len(none) != 0 {
		t.Errorf("ListOverrides(missing) = %v, %v", none, err)
	}
}

func testSteps(t *testing.T, s triage.Store) {
	ctx := context.Background()

	if _, ok, err := s.GetStep(ctx, "job-1", triage.StepAIAnalysis); err != nil || ok {
		t.Fatalf("GetStep(empty): ok=%v err=%v", ok, err)
	}

	rec := &triage.StepRecord{JobID: "job-1", Step: triage.StepAIAnalysis, Output: json.RawMessage(`{"sentiment":"negative"}`), Attempts: 2, CompletedAt: base}
	if err := s.PutStep(ctx, rec); err != nil {
		t.Fatalf("PutStep: %v", err)
	}
	// idempotent upsert
	rec.Attempts = 3
	if err := s.PutStep(ctx, rec); err != nil {
		t.Fatalf("PutStep again: %v", err)
	}

	got, ok, err := s.GetStep(ctx, "job-1", triage.StepAIAnalysis)
	if err != nil || !ok {
		t.Fatalf("GetStep: ok=%v err=%v", ok, err)
	}
	if got.Attempts != 3 || !got.CompletedAt.Equal(base) {
		t.Errorf("step = %+v", got)
	}
	var out map[string]string
	if err := json.Unmarshal(got.Output, &out); err != nil || out["sentiment"] != "negative" {
		t.Errorf("output = %s (%v)", got.Output, err)
	}

	if _, ok, _ := s.GetStep(ctx, "job-2", triage.StepAIAnalysis); ok {
		t.Error("step leaked across jobs")
	}
}
