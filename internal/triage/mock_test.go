package triage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// mockStore implements Store in memory for testing.
type mockStore struct {
	mu        sync.Mutex
	feedback  map[string]*Feedback
	analyses  map[string]*Analysis
	overrides []Override
	steps     map[string]*StepRecord

	getStepCalls map[string]int
	// putStepJobs records the JobStep carried by each PutStep context
	putStepJobs []JobStep

	getFeedbackErr error
	upsertErr      error
	putStepErr     error
	// failPutStep fails PutStep for a step name this many times
	failPutStep map[string]int
}

func newMockStore() *mockStore {
	return &mockStore{
		feedback:     make(map[string]*Feedback),
		analyses:     make(map[string]*Analysis),
		steps:        make(map[string]*StepRecord),
		getStepCalls: make(map[string]int),
		failPutStep:  make(map[string]int),
	}
}

func stepKey(jobID, step string) string { return jobID + "/" + step }

func (m *mockStore) InsertFeedback(_ context.Context, f *Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.feedback[f.ID] = &cp
	return nil
}

func (m *mockStore) GetFeedback(_ context.Context, id string) (*Feedback, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getFeedbackErr != nil {
		return nil, false, m.getFeedbackErr
	}
	f, ok := m.feedback[id]
	if !ok {
		return nil, false, nil
	}
	cp := *f
	return &cp, true, nil
}

func (m *mockStore) UpsertAnalysis(_ context.Context, a *Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	cp := *a
	now := time.Now().UTC()
	if prev, ok := m.analyses[a.ID]; ok {
		cp.QueuedAt = prev.QueuedAt
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.analyses[a.ID] = &cp
	return nil
}

func (m *mockStore) GetAnalysis(_ context.Context, id string) (*Analysis, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

func (m *mockStore) UpdateAnalysisStatus(_ context.Context, id string, status Status, errorText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	if status == StatusFailed {
		a.ErrorText = errorText
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockStore) UpdateAnalysisPriority(_ context.Context, id string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return ErrNotFound
	}
	a.Priority = priority
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockStore) ListAnalysesByFeedback(_ context.Context, feedbackID string) ([]Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Analysis
	for _, a := range m.analyses {
		if a.FeedbackID == feedbackID {
			out = append(out, *a)
		}
	}
	slices.SortFunc(out, func(a, b Analysis) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (m *mockStore) ListAnalyses(_ context.Context, q QueueQuery) ([]QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []QueueItem
	for _, a := range m.analyses {
		f := m.feedback[a.FeedbackID]
		it := QueueItem{Analysis: *a}
		var meta string
		if f != nil {
			it.Content = f.Content
			it.Source = f.Source
			meta = string(f.Metadata)
		}
		if q.Matches(&it, meta) {
			items = append(items, it)
		}
	}
	slices.SortFunc(items, func(a, b QueueItem) int { return CompareQueueItems(&a, &b, q.Order) })
	if q.Offset >= len(items) {
		return nil, nil
	}
	items = items[q.Offset:]
	if len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items, nil
}

func (m *mockStore) InsertOverride(_ context.Context, o *Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, *o)
	return nil
}

func (m *mockStore) ListOverrides(_ context.Context, analysisIDs []string) ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Override
	for i := len(m.overrides) - 1; i >= 0; i-- {
		if slices.Contains(analysisIDs, m.overrides[i].AnalysisID) {
			out = append(out, m.overrides[i])
		}
	}
	return out, nil
}

func (m *mockStore) GetStep(_ context.Context, jobID, step string) (*StepRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getStepCalls[step]++
	r, ok := m.steps[stepKey(jobID, step)]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (m *mockStore) PutStep(ctx context.Context, rec *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	js, _ := JobStepFromContext(ctx)
	m.putStepJobs = append(m.putStepJobs, js)
	if m.putStepErr != nil {
		return m.putStepErr
	}
	if m.failPutStep[rec.Step] > 0 {
		m.failPutStep[rec.Step]--
		return errStoreDown
	}
	cp := *rec
	m.steps[stepKey(rec.JobID, rec.Step)] = &cp
	return nil
}

func (m *mockStore) hasStep(jobID, step string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.steps[stepKey(jobID, step)]
	return ok
}

func (m *mockStore) analysis(id string) *Analysis {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// mockInference returns preconfigured responses in sequence.
type mockInference struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (m *mockInference) Run(_ context.Context, prompt string, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.calls
	m.calls++
	m.prompts = append(m.prompts, prompt)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return "", m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return validSignalsJSON, nil
}

func (m *mockInference) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockNotifier records notified analyses.
type mockNotifier struct {
	mu       sync.Mutex
	analyses []Analysis
}

func (m *mockNotifier) Notify(_ context.Context, a *Analysis, _ *Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses = append(m.analyses, *a)
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.analyses)
}

const validSignalsJSON = `{
	"sentiment": "negative",
	"severity_signal": 4,
	"business_risk_signal": 3,
	"keywords": ["outage", "login"],
	"confidence": 0.9,
	"explanation": "Customer cannot log in after reset."
}`

type testErr string

func (e testErr) Error() string { return string(e) }

const errStoreDown = testErr("store unavailable")

func intPtr(v int) *int { return &v }
