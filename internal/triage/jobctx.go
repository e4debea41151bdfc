package triage

import "context"

type jobStepKey struct{}

// JobStep identifies the analysis job, and the step within it, that a
// context is executing. Store backends read it to attribute queries.
type JobStep struct {
	AnalysisID string
	Step       string
}

// WithJobStep returns a copy of ctx carrying js.
func WithJobStep(ctx context.Context, js JobStep) context.Context {
	return context.WithValue(ctx, jobStepKey{}, js)
}

// JobStepFromContext returns the JobStep stored in ctx, if any.
func JobStepFromContext(ctx context.Context) (JobStep, bool) {
	js, ok := ctx.Value(jobStepKey{}).(JobStep)
	return js, ok && js.AnalysisID != ""
}
