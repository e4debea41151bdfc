package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultStaleAfter is how long an analysis may stay running before a sweep
// re-dispatches it.
const DefaultStaleAfter = 10 * time.Minute

// Recoverer re-dispatches analyses left running, e.g. after a crash. Jobs
// replay their step log, so resuming a live job only costs a dedup check.
type Recoverer struct {
	store      Store
	dispatcher Dispatcher
	staleAfter time.Duration
	logger     log.Logger
	now        func() time.Time

	cron *cron.Cron
}

// NewRecoverer creates a Recoverer. staleAfter <= 0 uses DefaultStaleAfter.
func NewRecoverer(store Store, dispatcher Dispatcher, staleAfter time.Duration, logger log.Logger) *Recoverer {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Recoverer{
		store:      store,
		dispatcher: dispatcher,
		staleAfter: staleAfter,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sweep dispatches every analysis that has been running longer than the
// stale threshold and returns how many were dispatched.
func (r *Recoverer) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	q := QueueFilter{
		Statuses: []Status{StatusRunning},
		Sort:     "time_asc",
		Limit:    DefaultQueueLimit,
	}.Resolve()

	var n int
	for {
		items, err := r.store.ListAnalyses(ctx, q)
		if err != nil {
			return n, fmt.Errorf("list running analyses: %w", err)
		}

		for i := range items {
			it := &items[i]
			if !it.QueuedAt.Before(cutoff) {
				// ordered by queued_at, nothing newer is stale
				return n, nil
			}
			if err := r.dispatcher.Dispatch(ctx, Job{AnalysisID: it.ID, FeedbackID: it.FeedbackID}); err != nil {
				return n, fmt.Errorf("dispatch %s: %w", it.ID, err)
			}
			n++
		}

		if len(items) < q.Limit {
			return n, nil
		}
		q.Offset += q.Limit
	}
}

// Start runs Sweep on the given cron schedule (standard 5-field spec or
// descriptors such as "@every 5m").
func (r *Recoverer) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		n, err := r.Sweep(ctx)
		if err != nil {
			r.logger.Error(ctx, err, "recovery sweep failed")
			return
		}
		if n > 0 {
			r.logger.Info(ctx, "recovery sweep dispatched stale analyses", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("recover schedule %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Recoverer) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
