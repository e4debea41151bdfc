package triage

import "context"

// Store is the persistence interface for feedback, analyses, overrides and the job step log.
//
// Update methods return ErrNotFound when the target row does not exist.
type Store interface {
	InsertFeedback(ctx context.Context, f *Feedback) error
	GetFeedback(ctx context.Context, id string) (*Feedback, bool, error)

	// UpsertAnalysis inserts or updates by id. Updates keep queued_at and
	// created_at and always refresh updated_at.
	UpsertAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, id string) (*Analysis, bool, error)

	// UpdateAnalysisStatus sets the status. errorText is written only when
	// status is StatusFailed.
	UpdateAnalysisStatus(ctx context.Context, id string, status Status, errorText string) error
	UpdateAnalysisPriority(ctx context.Context, id string, priority int) error

	// ListAnalysesByFeedback returns every analysis for a feedback item, newest first.
	ListAnalysesByFeedback(ctx context.Context, feedbackID string) ([]Analysis, error)

	// ListAnalyses runs a resolved queue query.
	ListAnalyses(ctx context.Context, q QueueQuery) ([]QueueItem, error)

	InsertOverride(ctx context.Context, o *Override) error

	// ListOverrides returns overrides for the given analyses, newest first.
	ListOverrides(ctx context.Context, analysisIDs []string) ([]Override, error)

	GetStep(ctx context.Context, jobID, step string) (*StepRecord, bool, error)

	// PutStep upserts a step record keyed by (job id, step).
	PutStep(ctx context.Context, rec *StepRecord) error
}
