package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultSource is recorded for feedback submitted without a source.
const DefaultSource = "api"

// reviewerFailedText is the error text for an analysis a reviewer marks failed.
const reviewerFailedText = "marked failed by reviewer"

// IngestRequest is a new piece of feedback.
type IngestRequest struct {
	Source   string          `json:"source"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// IngestResult identifies the records and job created for a feedback item.
type IngestResult struct {
	FeedbackID string `json:"feedback_id"`
	AnalysisID string `json:"analysis_id"`
	JobID      string `json:"job_id"`
}

// OverrideRequest is a manual priority change.
type OverrideRequest struct {
	AnalysisID string `json:"analysis_id"`
	Priority   int    `json:"priority"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor,omitempty"`
}

type overridePayload struct {
	Priority         int    `json:"priority"`
	PreviousPriority int    `json:"previous_priority"`
	Reason           string `json:"reason"`
}

// ServiceHooks are optional callbacks for observability.
type ServiceHooks struct {
	OnIngest   func(source string)
	OnStatus   func(status Status)
	OnOverride func()
}

// Service is the business boundary for triage operations.
type Service struct {
	store      Store
	orch       *Orchestrator
	dispatcher Dispatcher
	logger     log.Logger
	hooks      ServiceHooks
	now        func() time.Time
}

// NewService creates a new triage service.
func NewService(store Store, orch *Orchestrator, dispatcher Dispatcher, logger log.Logger, hooks ServiceHooks) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:      store,
		orch:       orch,
		dispatcher: dispatcher,
		logger:     logger,
		hooks:      hooks,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ingest stores a feedback item, creates a running analysis and dispatches
// its job. It returns once the job is accepted.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, invalidInput("content required")
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, invalidInput("metadata must be valid JSON")
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = DefaultSource
	}

	f := &Feedback{
		ID:        ulid.Make().String(),
		Source:    source,
		Content:   req.Content,
		Metadata:  req.Metadata,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertFeedback(ctx, f); err != nil {
		return nil, fmt.Errorf("insert feedback: %w", err)
	}

	if s.hooks.OnIngest != nil {
		s.hooks.OnIngest(source)
	}

	return s.startAnalysis(ctx, f.ID)
}

// Reanalyze starts a new analysis for an existing feedback item. Earlier
// analyses are left as they are.
func (s *Service) Reanalyze(ctx context.Context, feedbackID string) (*IngestResult, error) {
	if _, err := s.mustFeedback(ctx, feedbackID); err != nil {
		return nil, err
	}
	return s.startAnalysis(ctx, feedbackID)
}

// AnalyzeNow runs a new analysis for an existing feedback item and blocks
// until the job finishes. A failed extraction is returned as an error that
// unwraps to *ExtractError.
func (s *Service) AnalyzeNow(ctx context.Context, feedbackID string) (*JobResult, error) {
	if _, err := s.mustFeedback(ctx, feedbackID); err != nil {
		return nil, err
	}
	a, err := s.createRunning(ctx, feedbackID)
	if err != nil {
		return nil, err
	}
	return s.orch.Run(ctx, Job{AnalysisID: a.ID, FeedbackID: feedbackID})
}

// ListQueue returns the triage queue for a filter.
func (s *Service) ListQueue(ctx context.Context, f QueueFilter) ([]QueueItem, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalidInput("unknown status %q", f.Status)
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, invalidInput("unknown status %q", st)
		}
	}

	items, err := s.store.ListAnalyses(ctx, f.Resolve())
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	if items == nil {
		items = []QueueItem{}
	}
	return items, nil
}

// GetItem returns a feedback item with all of its analyses and overrides.
func (s *Service) GetItem(ctx context.Context, feedbackID string) (*ItemDetail, error) {
	f, err := s.mustFeedback(ctx, feedbackID)
	if err != nil {
		return nil, err
	}

	analyses, err := s.store.ListAnalysesByFeedback(ctx, feedbackID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}

	ids := make([]string, 0, len(analyses))
	for _, a := range analyses {
		ids = append(ids, a.ID)
	}

	overrides := []Override{}
	if len(ids) > 0 {
		overrides, err = s.store.ListOverrides(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("list overrides: %w", err)
		}
	}

	if analyses == nil {
		analyses = []Analysis{}
	}
	if overrides == nil {
		overrides = []Override{}
	}
	return &ItemDetail{Feedback: f, Analyses: analyses, Overrides: overrides}, nil
}

// SetStatus moves an analysis to any status its fields can support. There
// is no transition check; reviewers may reopen or skip ahead.
func (s *Service) SetStatus(ctx context.Context, analysisID string, status Status) error {
	if !status.Valid() {
		return invalidInput("unknown status %q", status)
	}

	a, err := s.mustAnalysis(ctx, analysisID)
	if err != nil {
		return err
	}

	switch {
	case status.scored() && (a.Score == nil || a.Signals == nil || a.Priority == 0):
		return fmt.Errorf("%w: analysis %s has no score, cannot be %s", ErrInvariant, a.ID, status)
	case status == StatusRunning && (a.Score != nil || a.Signals != nil):
		return fmt.Errorf("%w: analysis %s is already scored, cannot be %s", ErrInvariant, a.ID, status)
	}

	errorText := ""
	if status == StatusFailed {
		errorText = a.ErrorText
		if errorText == "" {
			errorText = reviewerFailedText
		}
	}

	if err := s.store.UpdateAnalysisStatus(ctx, a.ID, status, errorText); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus(status)
	}
	s.logger.Info(ctx, "analysis status changed", "analysis_id", a.ID, "from", a.Status, "to", status)
	return nil
}

// OverridePriority records an override and then applies the new priority.
func (s *Service) OverridePriority(ctx context.Context, req OverrideRequest) (*Override, error) {
	if req.Priority < 1 || req.Priority > 5 {
		return nil, invalidInput("priority must be between 1 and 5")
	}

	a, err := s.mustAnalysis(ctx, req.AnalysisID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(overridePayload{
		Priority:         req.Priority,
		PreviousPriority: a.Priority,
		Reason:           req.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("encode override: %w", err)
	}

	o := &Override{
		ID:         ulid.Make().String(),
		AnalysisID: a.ID,
		Actor:      req.Actor,
		Action:     ActionSetPriority,
		Payload:    payload,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertOverride(ctx, o); err != nil {
		return nil, fmt.Errorf("insert override: %w", err)
	}
	if err := s.store.UpdateAnalysisPriority(ctx, a.ID, req.Priority); err != nil {
		return nil, fmt.Errorf("update priority: %w", err)
	}

	if s.hooks.OnOverride != nil {
		s.hooks.OnOverride()
	}
	s.logger.Info(ctx, "priority overridden",
		"analysis_id", a.ID,
		"priority", req.Priority,
		"previous_priority", a.Priority,
	)
	return o, nil
}

func (s *Service) startAnalysis(ctx context.Context, feedbackID string) (*IngestResult, error) {
	a, err := s.createRunning(ctx, feedbackID)
	if err != nil {
		return nil, err
	}

	job := Job{AnalysisID: a.ID, FeedbackID: feedbackID}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		// the running record stays behind for recovery
		return nil, fmt.Errorf("dispatch analysis: %w", err)
	}

	s.logger.Info(ctx, "analysis dispatched", "analysis_id", a.ID, "feedback_id", feedbackID)
	return &IngestResult{FeedbackID: feedbackID, AnalysisID: a.ID, JobID: a.ID}, nil
}

func (s *Service) createRunning(ctx context.Context, feedbackID string) (*Analysis, error) {
	now := s.now()
	a := &Analysis{
		ID:         ulid.Make().String(),
		FeedbackID: feedbackID,
		Status:     StatusRunning,
		QueuedAt:   now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.UpsertAnalysis(ctx, a); err != nil {
		return nil, fmt.Errorf("create analysis: %w", err)
	}
	return a, nil
}

func (s *Service) mustFeedback(ctx context.Context, id string) (*Feedback, error) {
	if id == "" {
		return nil, invalidInput("feedback id required")
	}
	f, ok, err := s.store.GetFeedback(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("feedback %s: %w", id, ErrNotFound)
	}
	return f, nil
}

func (s *Service) mustAnalysis(ctx context.Context, id string) (*Analysis, error) {
	if id == "" {
		return nil, invalidInput("analysis id required")
	}
	a, ok, err := s.store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("analysis %s: %w", id, ErrNotFound)
	}
	return a, nil
}

// IsClientError reports whether err was caused by the request rather than
// by the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvariant)
}
