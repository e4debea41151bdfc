// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/sift/internal/triage"
)

// Store holds feedback, analyses, overrides and the step log in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	feedback  map[string]*triage.Feedback
	analyses  map[string]*triage.Analysis
	overrides []triage.Override // append-only, oldest first
	steps     map[stepKey]*triage.StepRecord
	now       func() time.Time
}

type stepKey struct {
	job  string
	step string
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		feedback: make(map[string]*triage.Feedback),
		analyses: make(map[string]*triage.Analysis),
		steps:    make(map[stepKey]*triage.StepRecord),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InsertFeedback stores a copy of the feedback item.
func (s *Store) InsertFeedback(_ context.Context, f *triage.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneFeedback(f)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.feedback[f.ID] = cp
	return nil
}

// GetFeedback retrieves a feedback item by ID. Returns a copy.
func (s *Store) GetFeedback(_ context.Context, id string) (*triage.Feedback, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feedback[id]
	if !ok {
		return nil, false, nil
	}
	return cloneFeedback(f), true, nil
}

// UpsertAnalysis inserts or replaces an analysis, keeping queued_at and created_at of an existing row.
func (s *Store) UpsertAnalysis(_ context.Context, a *triage.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cp := cloneAnalysis(a)
	if prev, ok := s.analyses[a.ID]; ok {
		cp.QueuedAt = prev.QueuedAt
		cp.CreatedAt = prev.CreatedAt
	} else {
		if cp.QueuedAt.IsZero() {
			cp.QueuedAt = now
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
	}
	cp.UpdatedAt = now
	s.analyses[a.ID] = cp
	return nil
}

// GetAnalysis retrieves an analysis by ID. Returns a copy.
func (s *Store) GetAnalysis(_ context.Context, id string) (*triage.Analysis, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, false, nil
	}
	return cloneAnalysis(a), true, nil
}

// UpdateAnalysisStatus sets the status of an analysis.
func (s *Store) UpdateAnalysisStatus(_ context.Context, id string, status triage.Status, errorText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return triage.ErrNotFound
	}
	a.Status = status
	if status == triage.StatusFailed {
		a.ErrorText = errorText
	}
	a.UpdatedAt = s.now()
	return nil
}

// UpdateAnalysisPriority sets the priority of an analysis.
func (s *Store) UpdateAnalysisPriority(_ context.Context, id string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return triage.ErrNotFound
	}
	a.Priority = priority
	a.UpdatedAt = s.now()
	return nil
}

// ListAnalysesByFeedback returns all analyses of a feedback item, newest first.
func (s *Store) ListAnalysesByFeedback(_ context.Context, feedbackID string) ([]triage.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []triage.Analysis{}
	for _, a := range s.analyses {
		if a.FeedbackID == feedbackID {
			out = append(out, *cloneAnalysis(a))
		}
	}
	slices.SortFunc(out, func(a, b triage.Analysis) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

// ListAnalyses filters, orders and pages analyses joined with their feedback.
func (s *Store) ListAnalyses(_ context.Context, q triage.QueueQuery) ([]triage.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := []triage.QueueItem{}
	for _, a := range s.analyses {
		f, ok := s.feedback[a.FeedbackID]
		if !ok {
			continue
		}
		it := triage.QueueItem{Analysis: *cloneAnalysis(a), Content: f.Content, Source: f.Source}
		if q.Matches(&it, string(f.Metadata)) {
			items = append(items, it)
		}
	}

	slices.SortFunc(items, func(a, b triage.QueueItem) int {
		return triage.CompareQueueItems(&a, &b, q.Order)
	})

	if q.Offset >= len(items) {
		return []triage.QueueItem{}, nil
	}
	items = items[q.Offset:]
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items, nil
}

// InsertOverride appends an override.
func (s *Store) InsertOverride(_ context.Context, o *triage.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	cp.Payload = slices.Clone(o.Payload)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.overrides = append(s.overrides, cp)
	return nil
}

// ListOverrides returns the overrides of the given analyses, newest first.
func (s *Store) ListOverrides(_ context.Context, analysisIDs []string) ([]triage.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []triage.Override{}
	for i := len(s.overrides) - 1; i >= 0; i-- {
		o := s.overrides[i]
		if slices.Contains(analysisIDs, o.AnalysisID) {
			o.Payload = slices.Clone(o.Payload)
			out = append(out, o)
		}
	}
	// insertion order already breaks ties; stable sort keeps it
	slices.SortStableFunc(out, func(a, b triage.Override) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// GetStep retrieves a checkpointed step. Returns a copy.
func (s *Store) GetStep(_ context.Context, jobID, step string) (*triage.StepRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.steps[stepKey{jobID, step}]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	cp.Output = slices.Clone(r.Output)
	return &cp, true, nil
}

// PutStep upserts a checkpointed step.
func (s *Store) PutStep(_ context.Context, rec *triage.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Output = slices.Clone(rec.Output)
	if cp.CompletedAt.IsZero() {
		cp.CompletedAt = s.now()
	}
	s.steps[stepKey{rec.JobID, rec.Step}] = &cp
	return nil
}

func cloneFeedback(f *triage.Feedback) *triage.Feedback {
	cp := *f
	cp.Metadata = slices.Clone(f.Metadata)
	return &cp
}

func cloneAnalysis(a *triage.Analysis) *triage.Analysis {
	cp := *a
	if a.Score != nil {
		v := *a.Score
		cp.Score = &v
	}
	if a.Signals != nil {
		sig := *a.Signals
		sig.Keywords = slices.Clone(a.Signals.Keywords)
		cp.Signals = &sig
	}
	if a.Result != nil {
		r := *a.Result
		cp.Result = &r
	}
	if a.StartedAt != nil {
		t := *a.StartedAt
		cp.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
