package triage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"
)

// recordingDispatcher records dispatched jobs without running them.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func newTestService(ms *mockStore, inf Inference, d Dispatcher) *Service {
	o := NewOrchestrator(ms, inf, testConfig(), log.Nop(), OrchestratorHooks{}, nil)
	return NewService(ms, o, d, log.Nop(), ServiceHooks{})
}

func TestIngest_CreatesRunningAnalysisAndDispatches(t *testing.T) {
	t.Parallel()

	ms := newMockStore()
	d := &recordingDispatcher{}
	var sources []string
	o := NewOrchestrator(ms, &mockInference{}, testConfig(), log.Nop(), OrchestratorHooks{}, nil)
	svc := NewService(ms, o, d, log.Nop(), ServiceHooks{OnIngest: func(s string) { sources = append(sources, s) }})

	res, err := svc.Ingest(context.Background(), IngestRequest{
		Content:  "Payment processing completely down.",
		Metadata: json.RawMessage(`{"plan":"pro"}`),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.FeedbackID == "" || res.AnalysisID == "" {
		t.Fatalf("result = %+v, want ids", res)
	}
	if res.JobID != res.AnalysisID {
		t.Errorf("job id = %q, want analysis id %q", res.JobID, res.AnalysisID)
	}

	f, ok, _ := ms.GetFeedback(context.Background(), res.FeedbackID)
	if !ok {
		t.Fatal("feedback not stored")
	}
	if f.Source != DefaultSource {
		t.Errorf("source = %q, want %q", f.Source, DefaultSource)
	}

	a := ms.analysis(res.AnalysisID)
	if a == nil || a.Status != StatusRunning {
		t.Fatalf("analysis = %+v, want running", a)
	}
	if a.Score != nil || a.Signals != nil || a.Priority != 0 {
		t.Error("running analysis should carry no score, signals or priority")
	}
	if a.QueuedAt.IsZero() {
		t.Error("queued_at not set")
	}

	if len(d.jobs) != 1 || d.jobs[0] != (Job{AnalysisID: res.AnalysisID, FeedbackID: res.FeedbackID}) {
		t.Errorf("dispatched = %+v", d.jobs)
	}
	if len(sources) != 1 || sources[0] != "api" {
		t.Errorf("ingest hook sources = %v", sources)
	}
}

func TestIngest_RejectsBadInputWithoutSideEffects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  IngestRequest
	}{
		{"empty content", IngestRequest{Source: "x"}},
		{"blank content", IngestRequest{Content: "  \n "}},
		{"invalid metadata", IngestRequest{Content: "ok", Metadata: json.RawMessage(`{nope`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ms := newMockStore()
			d := &recordingDispatcher{}
			_, err := newTestService(ms, &mockInference{}, d).Ingest(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
			if len(ms.feedback) != 0 || len(ms.analyses) != 0 || len(d.jobs) != 0 {
				t.Error("rejected ingest left side effects")
			}
		})
	}
}

func TestIngest_KeepsExplicitSource(t *testing.T) {
	t.Parallel()

	ms := newMockStore()
	res, err := newTestService(ms, &mockInference{}, &recordingDispatcher{}).Ingest(context.Background(), IngestRequest{Source: "github", Content: "crash"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	f, _, _ := ms.GetFeedback(context.Background(), res.FeedbackID)
	if f.Source != "github" {
		t.Errorf("source = %q, want github", f.Source)
	}
}

func TestIngest_DispatchError(t *testing.T) {
	t.Parallel()

	ms := newMockStore()
	d := &recordingDispatcher{err: errors.New("queue full")}
	_, err := newTestService(ms, &mockInference{}, d).Ingest(context.Background(), IngestRequest{Content: "x"})
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if IsClientError(err) {
		t.Errorf("dispatch failure classified as client error: %v", err)
	}
}

func TestAnalyzeNow(t *testing.T) {
	t.Parallel()

	ms := newMockStore()
	_ = ms.InsertFeedback(context.Background(), &Feedback{ID: "fb-1", Content: "cannot log in"})
	svc := newTestService(ms, &mockInference{}, &recordingDispatcher{})

	res, err := svc.AnalyzeNow(context.Background(), "fb-1")
	if err != nil {
		t.Fatalf("AnalyzeNow: %v", err)
	}
	if res.FeedbackID != "fb-1" || res.Signals == nil {
		t.Errorf("result = %+v", res)
	}
	a := ms.analysis(res.AnalysisID)
	if a.Status != StatusPending || a.Score == nil {
		t.Errorf("analysis = %s/%v, want pending with score", a.Status, a.Score)
	}
}

func TestAnalyzeNow_ExtractionFailureCarriesRaw(t *testing.T) {
	t.Parallel()

	ms := newMockStore()
	_ = ms.InsertFeedback(context.Background(), &Feedback{ID: "fb-1", Content: "x"})
	inf := &mockInference{responses: []string{`{"sentiment":"mixed"}`, `{"sentiment":"mixed"}`, `{"sentiment":"mixed"}`}}
	svc := newTestService(ms, inf, &recordingDispatcher{})

	_, err := svc.AnalyzeNow(context.Background(), "fb-1")
	var ee *ExtractError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *ExtractError", err)
	}
	if ee.Raw != `{"sentiment":"mixed"}` {
		t.Errorf("raw = %q", ee.Raw)
	}

	analyses, _ := ms.ListAnalysesByFeedback(context.Background(), "fb-1")
	if len(analyses) != 1 || analyses[0].Status != StatusFailed || analyses[0].ErrorText == "" {
		t.Errorf("analyses = %+v, want one failed with error text", analyses)
	}
}

func TestAnalyzeNow_NotFound(t *testing.T) {
	t.Parallel()

	svc := newTestService(newMockStore(), &mockInference{}, &recordingDispatcher{})
	if _, err := svc.AnalyzeNow(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReanalyze_StartsIndependentAnalysis(t *testing.T) {
	t.Parallel()

	ms := newMockStore()
	_ = ms.InsertFeedback(context.Background(), &Feedback{ID: "fb-1", Content: "x"})
	_ = ms.UpsertAnalysis(context.Background(), &Analysis{ID: "old", FeedbackID: "fb-1", Status: StatusFailed, ErrorText: "boom"})
	d := &recordingDispatcher{}

	res, err := newTestService(ms, &mockInference{}, d).Reanalyze(context.Background(), "fb-1")
	if err != nil {
		t.Fatalf("Reanalyze: %v", err)
	}
	if res.AnalysisID == "old" {
		t.Fatal("reanalyze reused the failed analysis")
	}
	if got := ms.analysis("old"); got.Status != StatusFailed {
		t.Errorf("old analysis status = %q, want failed", got.Status)
	}
	if len(d.jobs) != 1 {
		t.Errorf("dispatched = %d, want 1", len(d.jobs))
	}
}

func TestListQueue_InvalidStatus(t *testing.T) {
	t.Parallel()

	svc := newTestService(newMockStore(), &mockInference{}, &recordingDispatcher{})
	_, err := svc.ListQueue(context.Background(), QueueFilter{Statuses: []Status{"pending", "bogus"}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestListQueue_EmptyIsNotNil(t *testing.T) {
	t.Parallel()

	svc := newTestService(newMockStore(), &mockInference{}, &recordingDispatcher{})
	items, err := svc.ListQueue(context.Background(), QueueFilter{})
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if items == nil {
		t.Error("expected empty non-nil slice")
	}
}

func scoredAnalysis(id string) *Analysis {
	return &Analysis{
		ID:         id,
		FeedbackID: "fb-1",
		Status:     StatusPending,
		Priority:   3,
		Score:      intPtr(42),
		Signals:    &Signals{Sentiment: SentimentNeutral, SeveritySignal: 2, BusinessRiskSignal: 2, Confidence: 0.6, Explanation: "some explanation"},
	}
}

func TestSetStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		analysis *Analysis
		status   Status
		wantErr  error
	}{
		{"pending to assigned", scoredAnalysis("a"), StatusAssigned, nil},
		{"done back to pending", &Analysis{ID: "a", Status: StatusDone, Priority: 2, Score: intPtr(20), Signals: &Signals{}}, StatusPending, nil},
		{"unknown status", scoredAnalysis("a"), "archived", ErrInvalidInput},
		{"unscored to done", &Analysis{ID: "a", Status: StatusRunning}, StatusDone, ErrInvariant},
		{"failed to assigned", &Analysis{ID: "a", Status: StatusFailed, ErrorText: "x"}, StatusAssigned, ErrInvariant},
		{"scored to running", scoredAnalysis("a"), StatusRunning, ErrInvariant},
		{"running to failed", &Analysis{ID: "a", Status: StatusRunning}, StatusFailed, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ms := newMockStore()
			_ = ms.UpsertAnalysis(context.Background(), tt.analysis)
			svc := newTestService(ms, &mockInference{}, &recordingDispatcher{})

			err := svc.SetStatus(context.Background(), "a", tt.status)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if got := ms.analysis("a").Status; got != tt.analysis.Status {
					t.Errorf("status changed to %q on rejected write", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetStatus: %v", err)
			}
			if got := ms.analysis("a").Status; got != tt.status {
				t.Errorf("status = %q, want %q", got, tt.status)
			}
		})
	}
}

func TestSetStatus_FailedCarriesErrorText(t *testing.T) {
	t.Parallel()

	ms := newMockStore()
	_ = ms.UpsertAnalysis(context.Background(), scoredAnalysis("a"))
	svc := newTestService(ms, &mockInference{}, &recordingDispatcher{})

	if err := svc.SetStatus(context.Background(), "a", StatusFailed); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got := ms.analysis("a").ErrorText; got != reviewerFailedText {
		t.Errorf("error_text = %q, want %q", got, reviewerFailedText)
	}
}

func TestSetStatus_NotFound(t *testing.T) {
	t.Parallel()

	svc := newTestService(newMockStore(), &mockInference{}, &recordingDispatcher{})
	if err := svc.SetStatus(context.Background(), "nope", StatusDone); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOverridePriority(t *testing.T) {
	t.Parallel()

	ms := newMockStore()
	_ = ms.UpsertAnalysis(context.Background(), scoredAnalysis("a"))
	svc := newTestService(ms, &mockInference{}, &recordingDispatcher{})

	o, err := svc.OverridePriority(context.Background(), OverrideRequest{
		AnalysisID: "a",
		Priority:   5,
		Reason:     "enterprise customer",
		Actor:      "sam",
	})
	if err != nil {
		t.Fatalf("OverridePriority: %v", err)
	}
	if o.Action != ActionSetPriority || o.Actor != "sam" {
		t.Errorf("override = %+v", o)
	}

	var p overridePayload
	if err := json.Unmarshal(o.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p != (overridePayload{Priority: 5, PreviousPriority: 3, Reason: "enterprise customer"}) {
		t.Errorf("payload = %+v", p)
	}
	if got := ms.analysis("a").Priority; got != 5 {
		t.Errorf("priority = %d, want 5", got)
	}
	if len(ms.overrides) != 1 {
		t.Errorf("overrides = %d, want 1", len(ms.overrides))
	}
}

func TestOverridePriority_Validation(t *testing.T) {
	t.Parallel()

	ms := newMockStore()
	_ = ms.UpsertAnalysis(context.Background(), scoredAnalysis("a"))
	svc := newTestService(ms, &mockInference{}, &recordingDispatcher{})

	for _, p := range []int{0, 6, -1} {
		_, err := svc.OverridePriority(context.Background(), OverrideRequest{AnalysisID: "a", Priority: p})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("priority %d: err = %v, want ErrInvalidInput", p, err)
		}
	}
	if _, err := svc.OverridePriority(context.Background(), OverrideRequest{AnalysisID: "missing", Priority: 2}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing analysis: err = %v, want ErrNotFound", err)
	}
	if len(ms.overrides) != 0 {
		t.Errorf("rejected overrides recorded: %d", len(ms.overrides))
	}
}

func TestGetItem(t *testing.T) {
	t.Parallel()

	ms := newMockStore()
	ctx := context.Background()
	_ = ms.InsertFeedback(ctx, &Feedback{ID: "fb-1", Content: "x"})
	svc := newTestService(ms, &mockInference{}, &recordingDispatcher{})

	detail, err := svc.GetItem(ctx, "fb-1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if detail.Analyses == nil || detail.Overrides == nil {
		t.Error("expected empty non-nil analyses and overrides")
	}

	first := scoredAnalysis("a1")
	_ = ms.UpsertAnalysis(ctx, first)
	second := scoredAnalysis("a2")
	second.CreatedAt = ms.analysis("a1").CreatedAt.Add(1)
	_ = ms.UpsertAnalysis(ctx, second)

	if _, err := svc.OverridePriority(ctx, OverrideRequest{AnalysisID: "a1", Priority: 4}); err != nil {
		t.Fatalf("OverridePriority: %v", err)
	}
	if _, err := svc.OverridePriority(ctx, OverrideRequest{AnalysisID: "a2", Priority: 1}); err != nil {
		t.Fatalf("OverridePriority: %v", err)
	}

	detail, err = svc.GetItem(ctx, "fb-1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if len(detail.Analyses) != 2 || detail.Analyses[0].ID != "a2" {
		t.Errorf("analyses = %+v, want newest first", detail.Analyses)
	}
	if len(detail.Overrides) != 2 || detail.Overrides[0].AnalysisID != "a2" {
		t.Errorf("overrides = %+v, want newest first", detail.Overrides)
	}

	if _, err := svc.GetItem(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()

	if !IsClientError(invalidInput("x")) {
		t.Error("invalid input should be a client error")
	}
	if IsClientError(errors.New("db down")) {
		t.Error("plain error should not be a client error")
	}
}
