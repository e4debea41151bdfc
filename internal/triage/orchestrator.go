package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const tracerName = "github.com/linnemanlabs/sift/internal/triage"

// Job step names. A step's output is checkpointed under (job id, step name)
// and replayed instead of re-executed when the job runs again.
const (
	StepFetchFeedback = "fetch-feedback"
	StepAIAnalysis    = "ai-analysis"
	StepComputeScore  = "compute-score"
	StepSaveResults   = "save-results"

	// stepFailed marks a job that ended in terminal failure.
	stepFailed = "failed"
)

// OrchestratorConfig is the retry policy for the ai-analysis step.
type OrchestratorConfig struct {
	Attempts        int
	BackoffBase     time.Duration
	StepTimeout     time.Duration
	MaxOutputTokens int
}

// DefaultOrchestratorConfig returns 3 attempts, 5s exponential backoff and a
// 2 minute overall step timeout.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Attempts:        3,
		BackoffBase:     5 * time.Second,
		StepTimeout:     2 * time.Minute,
		MaxOutputTokens: DefaultMaxOutputTokens,
	}
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	d := DefaultOrchestratorConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = d.MaxOutputTokens
	}
	return c
}

// Job identifies one analysis job. The analysis id doubles as the job id.
type Job struct {
	AnalysisID string `json:"analysis_id"`
	FeedbackID string `json:"feedback_id"`
}

// JobResult is the outcome of a successful job.
type JobResult struct {
	AnalysisID string   `json:"analysis_id"`
	FeedbackID string   `json:"feedback_id"`
	Signals    *Signals `json:"signals"`
	Scoring    Scoring  `json:"scoring"`
}

// CompleteEvent carries the data emitted when a job reaches a terminal state.
type CompleteEvent struct {
	Status   Status
	Priority int
	Duration float64
}

// OrchestratorHooks are optional callbacks for observability.
type OrchestratorHooks struct {
	OnStep      func(step, outcome string, attempts int, duration float64)
	OnInference func(outcome string, duration float64)
	OnComplete  func(e *CompleteEvent)
}

// Notifier is told about every analysis that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, a *Analysis, f *Feedback) error
}

// Orchestrator runs the checkpointed analysis job:
// fetch-feedback, ai-analysis, compute-score, save-results.
type Orchestrator struct {
	store     Store
	extractor *Extractor
	cfg       OrchestratorConfig
	logger    log.Logger
	hooks     OrchestratorHooks
	notifier  Notifier
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator. notifier may be nil.
func NewOrchestrator(store Store, inference Inference, cfg OrchestratorConfig, logger log.Logger, hooks OrchestratorHooks, notifier Notifier) *Orchestrator {
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		store:     store,
		extractor: NewExtractor(inference, cfg.MaxOutputTokens),
		cfg:       cfg,
		logger:    logger,
		hooks:     hooks,
		notifier:  notifier,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type fetchOutput struct {
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type saveOutput struct {
	CompletedAt time.Time `json:"completed_at"`
}

type failedOutput struct {
	ErrorText string `json:"error_text"`
}

// stepPolicy bounds the execution of one step.
type stepPolicy struct {
	attempts int
	backoff  time.Duration
	timeout  time.Duration
}

// storeError marks a persistence failure inside a step. It is never retried
// locally and never turns the job into a failed analysis.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// Run executes or resumes a job. Completed steps are replayed from the step
// log. A terminal step failure marks the analysis failed and returns a
// *StepError; persistence errors are returned as-is so the caller can retry
// the whole job.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*JobResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "analysis.job", trace.WithAttributes(
		attribute.String("sift.analysis.id", job.AnalysisID),
		attribute.String("sift.feedback.id", job.FeedbackID),
	))
	defer span.End()
	ctx = WithJobStep(ctx, JobStep{AnalysisID: job.AnalysisID})

	L := o.logger.With("analysis_id", job.AnalysisID, "feedback_id", job.FeedbackID)
	start := time.Now()

	res, err := o.run(ctx, L, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var se *StepError
		if !errors.As(err, &se) {
			return nil, err
		}
		if ferr := o.fail(ctx, L, job, se); ferr != nil {
			return nil, ferr
		}
		o.complete(StatusFailed, 0, time.Since(start))
		return nil, se
	}

	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, L log.Logger, job Job) (*JobResult, error) {
	rec, ok, err := o.store.GetStep(ctx, job.AnalysisID, stepFailed)
	if err != nil {
		return nil, fmt.Errorf("load job state: %w", err)
	}
	if ok {
		var out failedOutput
		_ = json.Unmarshal(rec.Output, &out)
		return nil, &JobFailedError{JobID: job.AnalysisID, ErrorText: out.ErrorText}
	}

	fetched, _, err := runStep(ctx, o, L, job, StepFetchFeedback, stepPolicy{attempts: 1}, func(ctx context.Context) (fetchOutput, error) {
		f, ok, err := o.store.GetFeedback(ctx, job.FeedbackID)
		if err != nil {
			return fetchOutput{}, backoff.Permanent(&storeError{err: err})
		}
		if !ok {
			return fetchOutput{}, backoff.Permanent(fmt.Errorf("feedback %s: %w", job.FeedbackID, ErrNotFound))
		}
		return fetchOutput{Content: f.Content, Source: f.Source, StartedAt: o.now()}, nil
	})
	if err != nil {
		return nil, err
	}

	aiPolicy := stepPolicy{attempts: o.cfg.Attempts, backoff: o.cfg.BackoffBase, timeout: o.cfg.StepTimeout}
	signals, _, err := runStep(ctx, o, L, job, StepAIAnalysis, aiPolicy, func(ctx context.Context) (*Signals, error) {
		t0 := time.Now()
		s, err := o.extractor.Extract(ctx, fetched.Content)
		outcome := "success"
		var ee *ExtractError
		if errors.As(err, &ee) {
			outcome = string(ee.Kind)
		}
		if o.hooks.OnInference != nil {
			o.hooks.OnInference(outcome, time.Since(t0).Seconds())
		}
		return s, err
	})
	if err != nil {
		return nil, err
	}

	scoring, _, err := runStep(ctx, o, L, job, StepComputeScore, stepPolicy{attempts: 1}, func(context.Context) (Scoring, error) {
		if signals == nil {
			return Scoring{}, backoff.Permanent(errors.New("no signals to score"))
		}
		return Score(signals), nil
	})
	if err != nil {
		return nil, err
	}

	var (
		analysis *Analysis
		fb       *Feedback
	)
	_, executed, err := runStep(ctx, o, L, job, StepSaveResults, stepPolicy{attempts: 1}, func(ctx context.Context) (saveOutput, error) {
		completed := o.now()
		started := fetched.StartedAt
		score := scoring.Score
		sc := scoring
		analysis = &Analysis{
			ID:          job.AnalysisID,
			FeedbackID:  job.FeedbackID,
			Status:      StatusPending,
			Priority:    scoring.Priority,
			Score:       &score,
			Signals:     signals,
			QueuedAt:    started,
			StartedAt:   &started,
			CompletedAt: &completed,
			Result:      &sc,
		}
		if err := o.store.UpsertAnalysis(ctx, analysis); err != nil {
			return saveOutput{}, backoff.Permanent(&storeError{err: err})
		}
		fb = &Feedback{ID: job.FeedbackID, Source: fetched.Source, Content: fetched.Content}
		return saveOutput{CompletedAt: completed}, nil
	})
	if err != nil {
		return nil, err
	}

	if executed {
		L.Info(ctx, "analysis complete",
			"score", scoring.Score,
			"priority", scoring.Priority,
			"sentiment", signals.Sentiment,
		)
		o.complete(StatusPending, scoring.Priority, time.Since(fetched.StartedAt))
		o.notify(ctx, L, analysis, fb)
	}

	return &JobResult{
		AnalysisID: job.AnalysisID,
		FeedbackID: job.FeedbackID,
		Signals:    signals,
		Scoring:    scoring,
	}, nil
}

// fail records the terminal failure on the analysis and in the step log.
func (o *Orchestrator) fail(ctx context.Context, L log.Logger, job Job, se *StepError) error {
	ctx = WithJobStep(ctx, JobStep{AnalysisID: job.AnalysisID, Step: stepFailed})
	text := se.ErrorText()
	L.Error(ctx, se, "analysis failed", "step", se.Step, "attempts", se.Attempts)

	completed := o.now()
	a, ok, err := o.store.GetAnalysis(ctx, job.AnalysisID)
	if err != nil {
		return fmt.Errorf("load analysis: %w", err)
	}
	if !ok {
		a = &Analysis{ID: job.AnalysisID, FeedbackID: job.FeedbackID, QueuedAt: completed}
	}
	if a.StartedAt == nil {
		started, err := o.startedAt(ctx, job)
		if err != nil {
			return err
		}
		a.StartedAt = started
	}
	a.Status = StatusFailed
	a.CompletedAt = &completed
	a.ErrorText = text
	a.Score = nil
	a.Signals = nil
	a.Result = nil
	if err := o.store.UpsertAnalysis(ctx, a); err != nil {
		return fmt.Errorf("record failed analysis: %w", err)
	}

	out, _ := json.Marshal(failedOutput{ErrorText: text})
	if err := o.store.PutStep(ctx, &StepRecord{
		JobID:       job.AnalysisID,
		Step:        stepFailed,
		Output:      out,
		Attempts:    se.Attempts,
		CompletedAt: completed,
	}); err != nil {
		return fmt.Errorf("record failed step: %w", err)
	}

	o.notify(ctx, L, a, nil)
	return nil
}

// startedAt returns the start time checkpointed by fetch-feedback, or nil
// when the job failed before that step completed.
func (o *Orchestrator) startedAt(ctx context.Context, job Job) (*time.Time, error) {
	rec, ok, err := o.store.GetStep(ctx, job.AnalysisID, StepFetchFeedback)
	if err != nil {
		return nil, fmt.Errorf("load step %s: %w", StepFetchFeedback, err)
	}
	if !ok {
		return nil, nil
	}
	var out fetchOutput
	if err := json.Unmarshal(rec.Output, &out); err != nil || out.StartedAt.IsZero() {
		return nil, nil
	}
	return &out.StartedAt, nil
}

func (o *Orchestrator) complete(status Status, priority int, d time.Duration) {
	if o.hooks.OnComplete != nil {
		o.hooks.OnComplete(&CompleteEvent{Status: status, Priority: priority, Duration: d.Seconds()})
	}
}

func (o *Orchestrator) notify(ctx context.Context, L log.Logger, a *Analysis, f *Feedback) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, a, f); err != nil {
		L.Warn(ctx, "notification failed", "error", err)
	}
}

// runStep replays a checkpointed step or executes it under policy and
// checkpoints the output. executed reports whether fn ran to completion now.
func runStep[T any](ctx context.Context, o *Orchestrator, L log.Logger, job Job, name string, policy stepPolicy, fn func(context.Context) (T, error)) (out T, executed bool, err error) {
	ctx = WithJobStep(ctx, JobStep{AnalysisID: job.AnalysisID, Step: name})
	rec, ok, err := o.store.GetStep(ctx, job.AnalysisID, name)
	if err != nil {
		return out, false, fmt.Errorf("load step %s: %w", name, err)
	}
	if ok {
		if err := json.Unmarshal(rec.Output, &out); err != nil {
			return out, false, fmt.Errorf("decode step %s: %w", name, err)
		}
		o.stepHook(name, "replayed", 0, 0)
		return out, false, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "analysis.step", trace.WithAttributes(
		attribute.String("sift.step.name", name),
	))
	defer span.End()

	stepCtx := ctx
	if policy.timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, policy.timeout)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	if policy.backoff > 0 {
		b.InitialInterval = policy.backoff
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(policy.attempts, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			L.Warn(ctx, "step attempt failed, retrying", "step", name, "error", err, "retry_in", next)
		}),
	}
	if policy.timeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(policy.timeout))
	}

	start := time.Now()
	var (
		attempts int
		history  []string
	)
	out, err = backoff.Retry(stepCtx, func() (T, error) {
		attempts++
		v, err := fn(stepCtx)
		if err != nil {
			history = append(history, fmt.Sprintf("attempt %d: %v", attempts, err))
		}
		return v, err
	}, opts...)
	span.SetAttributes(attribute.Int("sift.step.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.stepHook(name, "error", attempts, time.Since(start).Seconds())

		var se *storeError
		if errors.As(err, &se) {
			return out, false, fmt.Errorf("step %s: %w", name, se.err)
		}
		// shutdown of the caller is not a step failure; the job resumes later
		if ctx.Err() != nil {
			return out, false, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) && stepCtx.Err() != nil {
			history = append(history, fmt.Sprintf("step timed out after %s", policy.timeout))
		}
		return out, false, &StepError{Step: name, Attempts: attempts, Err: err, History: history}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return out, false, fmt.Errorf("encode step %s: %w", name, err)
	}
	if err := o.store.PutStep(ctx, &StepRecord{
		JobID:       job.AnalysisID,
		Step:        name,
		Output:      payload,
		Attempts:    attempts,
		CompletedAt: o.now(),
	}); err != nil {
		return out, false, fmt.Errorf("checkpoint step %s: %w", name, err)
	}

	o.stepHook(name, "success", attempts, time.Since(start).Seconds())
	return out, true, nil
}

func (o *Orchestrator) stepHook(step, outcome string, attempts int, d float64) {
	if o.hooks.OnStep != nil {
		o.hooks.OnStep(step, outcome, attempts, d)
	}
}
