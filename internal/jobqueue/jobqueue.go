// Package jobqueue runs analysis jobs on asynq, a Redis-backed task queue,
// for deployments with more than one worker process.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/triage"
)

// TaskTypeAnalysis is the asynq task type for an analysis job.
const TaskTypeAnalysis = "sift:analysis"

// DefaultQueue is the asynq queue analysis tasks are enqueued on.
const DefaultQueue = "sift"

// enqueuer is the subset of *asynq.Client used by Dispatcher.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// taskInspector is the subset of *asynq.Inspector used by Dispatcher.
type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// DispatcherConfig controls how tasks are enqueued.
type DispatcherConfig struct {
	Queue    string
	MaxRetry int
}

// Dispatcher implements triage.Dispatcher by enqueuing asynq tasks. The task
// id is the analysis id, so a job already waiting or running is not queued
// twice. A task asynq has archived or retained as completed is replaced.
type Dispatcher struct {
	client    enqueuer
	inspector taskInspector
	cfg       DispatcherConfig
	logger    log.Logger
	closers   []io.Closer
}

// NewDispatcher connects a Dispatcher to the Redis instance behind redis.
// Close releases its connections.
func NewDispatcher(redis asynq.RedisConnOpt, cfg DispatcherConfig, logger log.Logger) *Dispatcher {
	client := asynq.NewClient(redis)
	inspector := asynq.NewInspector(redis)
	d := newDispatcher(client, inspector, cfg, logger)
	d.closers = []io.Closer{client, inspector}
	return d
}

func newDispatcher(client enqueuer, inspector taskInspector, cfg DispatcherConfig, logger log.Logger) *Dispatcher {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 10
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{client: client, inspector: inspector, cfg: cfg, logger: logger}
}

// Dispatch enqueues job.
func (d *Dispatcher) Dispatch(ctx context.Context, job triage.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	info, err := d.enqueue(ctx, job.AnalysisID, payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		released, ierr := d.releaseFinished(ctx, job.AnalysisID)
		if ierr != nil {
			return fmt.Errorf("inspect analysis task %s: %w", job.AnalysisID, ierr)
		}
		if !released {
			d.logger.Info(ctx, "analysis job already queued", "analysis_id", job.AnalysisID)
			return nil
		}
		info, err = d.enqueue(ctx, job.AnalysisID, payload)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// another dispatcher re-queued it first
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("enqueue analysis %s: %w", job.AnalysisID, err)
	}

	d.logger.Info(ctx, "analysis job enqueued", "analysis_id", job.AnalysisID, "queue", info.Queue)
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, id string, payload []byte) (*asynq.TaskInfo, error) {
	return d.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeAnalysis, payload),
		asynq.TaskID(id),
		asynq.Queue(d.cfg.Queue),
		asynq.MaxRetry(d.cfg.MaxRetry),
	)
}

// releaseFinished deletes the task holding id when asynq will never run it
// again, and reports whether id is free to enqueue.
func (d *Dispatcher) releaseFinished(ctx context.Context, id string) (bool, error) {
	if d.inspector == nil {
		return false, nil
	}
	info, err := d.inspector.GetTaskInfo(d.cfg.Queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false, nil
	}
	if err := d.inspector.DeleteTask(d.cfg.Queue, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, err
	}
	d.logger.Info(ctx, "released finished analysis task", "analysis_id", id, "state", info.State.String())
	return true, nil
}

// Close releases the Redis connections opened by NewDispatcher.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler runs analysis tasks through runner. Terminal job failures skip
// asynq's retries; anything else is retried with asynq's backoff and resumes
// from the step log.
type Handler struct {
	runner triage.JobRunner
	logger log.Logger
}

// NewHandler returns a Handler for runner.
func NewHandler(runner triage.JobRunner, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{runner: runner, logger: logger}
}

// ProcessTask implements asynq.Handler.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var job triage.Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("decode job: %v: %w", err, asynq.SkipRetry)
	}
	if job.AnalysisID == "" || job.FeedbackID == "" {
		return fmt.Errorf("job missing ids: %w", asynq.SkipRetry)
	}

	L := h.logger.With("analysis_id", job.AnalysisID, "feedback_id", job.FeedbackID)
	_, err := h.runner.Run(ctx, job)
	switch {
	case err == nil:
		return nil
	case triage.IsTerminal(err):
		L.Warn(ctx, "analysis job failed permanently", "error", err.Error())
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		L.Error(ctx, err, "analysis job interrupted, will retry")
		return err
	}
}

// WorkerConfig sizes the asynq server.
type WorkerConfig struct {
	Concurrency int
	Queue       string
}

// Worker consumes analysis tasks from Redis.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger log.Logger
}

// NewWorker builds a worker that runs tasks through runner.
func NewWorker(redis asynq.RedisConnOpt, cfg WorkerConfig, runner triage.JobRunner, logger log.Logger) *Worker {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	server := asynq.NewServer(redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			logger.Warn(ctx, "asynq task error", "type", task.Type(), "retried", retried, "error", err.Error())
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeAnalysis, NewHandler(runner, logger))
	return &Worker{server: server, mux: mux, logger: logger}
}

// Start begins consuming tasks in the background.
func (w *Worker) Start() error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start asynq worker: %w", err)
	}
	return nil
}

// Shutdown stops fetching new tasks and waits for active ones. Tasks still
// running at the server's shutdown timeout are re-queued by asynq.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}
