package postgres

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/triage"
)

// Route labels for queries issued outside an HTTP request.
const (
	RouteJob        = "job"
	RouteBackground = "background"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type ctxKey string

const (
	ctxKeyQuery      ctxKey = "pgx.query"
	ctxKeyHTTPMethod ctxKey = "http.method"
)

type queryObserverHolder struct{ QueryObserver }

// QueryLabels classify a query for metrics. Analysis ids are left out to keep
// label cardinality bounded; they go to the log line and the span instead.
type QueryLabels struct {
	// Method is the HTTP method, or "NONE" outside a request.
	Method string
	// Route is the chi route pattern, RouteJob for analysis jobs and
	// RouteBackground for anything else.
	Route string
	// Step is the job step name, or "none".
	Step    string
	Outcome string
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, labels QueryLabels, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, labels QueryLabels, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, labels QueryLabels, dur time.Duration) {
	f(ctx, labels, dur)
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

func httpMethodFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyHTTPMethod).(string); ok {
		return v
	}
	return ""
}

// queryLabels derives the metric labels for a query issued under ctx.
func queryLabels(ctx context.Context, err error) QueryLabels {
	l := QueryLabels{Method: "NONE", Route: RouteBackground, Step: "none", Outcome: "ok"}
	if m := httpMethodFromContext(ctx); m != "" {
		l.Method = m
	}
	if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
		l.Route = rc.RoutePattern()
	} else if js, ok := triage.JobStepFromContext(ctx); ok {
		l.Route = RouteJob
		if js.Step != "" {
			l.Step = js.Step
		}
	}
	if err != nil {
		l.Outcome = "error"
	}
	return l
}

// queryState is stashed by TraceQueryStart for TraceQueryEnd.
type queryState struct {
	sql   string
	args  []any
	start time.Time
}

// loggingTracer wraps another pgx.QueryTracer (e.g. otelpgx), feeds the
// query observer and logs every query at or above minDuration.
type loggingTracer struct {
	inner       pgx.QueryTracer
	minDuration time.Duration
}

// wrapQueryTracer wraps an inner tracer with structured logging. A zero
// minDuration logs every query.
func wrapQueryTracer(inner pgx.QueryTracer, minDuration time.Duration) pgx.QueryTracer {
	return loggingTracer{inner: inner, minDuration: minDuration}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	// Let the inner tracer (otelpgx) create its span first.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	// Tie the DB span back to the analysis job that issued it.
	if js, ok := triage.JobStepFromContext(ctx); ok {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			attrs := []attribute.KeyValue{attribute.String("sift.analysis.id", js.AnalysisID)}
			if js.Step != "" {
				attrs = append(attrs, attribute.String("sift.step.name", js.Step))
			}
			span.SetAttributes(attrs...)
		}
	}

	return context.WithValue(ctx, ctxKeyQuery, queryState{sql: data.SQL, args: data.Args, start: time.Now()})
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// Always call the inner tracer first so spans are finished correctly.
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qs, _ := ctx.Value(ctxKeyQuery).(queryState)
	var dur time.Duration
	if !qs.start.IsZero() {
		dur = time.Since(qs.start)
	}

	if obs := getQueryObserver(); obs != nil && dur > 0 {
		obs.ObserveQuery(ctx, queryLabels(ctx, data.Err), dur)
	}

	// Errors are always logged.
	if t.minDuration > 0 && dur < t.minDuration && data.Err == nil {
		return
	}

	L := log.FromContext(ctx)
	fields := queryFields(ctx, qs, dur, data)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
	} else {
		L.Info(ctx, "db query", fields...)
	}
}

// queryFields builds the structured log fields for a finished query.
func queryFields(ctx context.Context, qs queryState, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", qs.sql,
		"db.args", qs.args,
		"db.duration", dur.Seconds(),
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "db.operation.name", strings.ToUpper(strings.Fields(tag)[0]), "pg.command_tag", tag)
		if rows := data.CommandTag.RowsAffected(); rows >= 0 {
			fields = append(fields, "db.rows", rows)
		}
	}

	if js, ok := triage.JobStepFromContext(ctx); ok {
		fields = append(fields, "analysis_id", js.AnalysisID)
		if js.Step != "" {
			fields = append(fields, "step", js.Step)
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields,
			"db.error_code", pgErr.Code,
			"db.error_constraint", pgErr.ConstraintName,
			"db.error_table", pgErr.TableName,
		)
	}
	return fields
}
