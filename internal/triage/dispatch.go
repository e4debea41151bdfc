package triage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/linnemanlabs/go-core/log"
)

// Dispatcher hands a job to a durable execution substrate. Dispatch returns
// once the job is accepted; it does not wait for the job to run.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// JobRunner runs a job to completion. *Orchestrator implements it.
type JobRunner interface {
	Run(ctx context.Context, job Job) (*JobResult, error)
}

// LocalDispatcherConfig controls how the in-process dispatcher resumes jobs
// that stopped on a persistence error.
type LocalDispatcherConfig struct {
	ResumeAttempts int
	ResumeBackoff  time.Duration
}

// LocalDispatcher runs jobs on goroutines in this process. A job id already in
// flight is not started twice.
type LocalDispatcher struct {
	runner JobRunner
	cfg    LocalDispatcherConfig
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// ErrDispatcherClosed is returned by Dispatch after Shutdown has begun.
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// NewLocalDispatcher creates a LocalDispatcher.
func NewLocalDispatcher(runner JobRunner, cfg LocalDispatcherConfig, logger log.Logger) *LocalDispatcher {
	if cfg.ResumeAttempts <= 0 {
		cfg.ResumeAttempts = 5
	}
	if cfg.ResumeBackoff <= 0 {
		cfg.ResumeBackoff = time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Dispatch starts the job in the background.
func (d *LocalDispatcher) Dispatch(ctx context.Context, job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	if _, ok := d.inflight[job.AnalysisID]; ok {
		d.mu.Unlock()
		return nil
	}
	d.inflight[job.AnalysisID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	// keep request-scoped values (logger, trace) but not the request's cancellation
	jobCtx := context.WithoutCancel(ctx)
	go d.run(jobCtx, job)
	return nil
}

// InFlight reports whether a job is currently running.
func (d *LocalDispatcher) InFlight(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[jobID]
	return ok
}

func (d *LocalDispatcher) run(ctx context.Context, job Job) {
	defer func() {
		d.mu.Lock()
		delete(d.inflight, job.AnalysisID)
		d.mu.Unlock()
		d.wg.Done()
	}()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()
	defer cancel()

	L := d.logger.With("analysis_id", job.AnalysisID, "feedback_id", job.FeedbackID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.ResumeBackoff
	b.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (*JobResult, error) {
		res, err := d.runner.Run(ctx, job)
		if err == nil || IsTerminal(err) {
			return res, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.cfg.ResumeAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			L.Warn(ctx, "job interrupted, resuming", "error", err, "retry_in", next)
		}),
	)

	switch {
	case err == nil:
	case IsTerminal(err):
		// already recorded on the analysis by the orchestrator
	case errors.Is(err, context.Canceled):
		L.Warn(ctx, "job stopped by shutdown, left for recovery")
	default:
		L.Error(ctx, err, "job abandoned, left for recovery")
	}
}

// IsTerminal reports whether err ends a job for good. Retrying such a job
// only replays the recorded failure.
func IsTerminal(err error) bool {
	var se *StepError
	var jf *JobFailedError
	return errors.As(err, &se) || errors.As(err, &jf)
}

// Wait blocks until every dispatched job has returned. It must not race
// with Dispatch; use Shutdown when new jobs may still arrive.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting jobs and waits for running ones until ctx is done,
// then cancels them. Cancelled jobs stay running in the store and are picked
// up by recovery.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	// no wg.Add may happen once Wait can observe a zero counter
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
