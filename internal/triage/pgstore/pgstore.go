// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists feedback, analyses, overrides and job steps in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema to pool and returns a ready Store. The Store owns
// the pool from here on.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset deletes every row. Used by tests sharing one database.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE job_steps, overrides, analysis, feedback`)
	return err
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// InsertFeedback stores a feedback item.
func (s *Store) InsertFeedback(ctx context.Context, f *triage.Feedback) error {
	ctx, span := startSpan(ctx, "pgstore.InsertFeedback", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback (id, source, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))`,
		f.ID, nullString(f.Source), f.Content, nullJSON(f.Metadata), nullTime(f.CreatedAt),
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("insert feedback: %w", err))
	}
	return nil
}

// GetFeedback retrieves a feedback item by ID.
func (s *Store) GetFeedback(ctx context.Context, id string) (*triage.Feedback, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetFeedback", "SELECT")
	defer span.End()

	var (
		f      triage.Feedback
		source *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, source, content, metadata, created_at FROM feedback WHERE id = $1`, id,
	).Scan(&f.ID, &source, &f.Content, &f.Metadata, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, recordErr(span, fmt.Errorf("get feedback: %w", err))
	}
	if source != nil {
		f.Source = *source
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return &f, true, nil
}

// UpsertAnalysis inserts or updates an analysis. queued_at and created_at are
// only written on insert.
func (s *Store) UpsertAnalysis(ctx context.Context, a *triage.Analysis) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertAnalysis", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("sift.analysis.id", a.ID))

	signals, result, err := encodeAnalysis(a)
	if err != nil {
		return recordErr(span, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis (
			id, feedback_id, status, priority, score, signals, result, error_text,
			queued_at, started_at, completed_at, updated_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()), $10, $11, now(), COALESCE($12, now()))
		ON CONFLICT (id) DO UPDATE SET
			feedback_id  = EXCLUDED.feedback_id,
			status       = EXCLUDED.status,
			priority     = EXCLUDED.priority,
			score        = EXCLUDED.score,
			signals      = EXCLUDED.signals,
			result       = EXCLUDED.result,
			error_text   = EXCLUDED.error_text,
			started_at   = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at   = now()`,
		a.ID, a.FeedbackID, string(a.Status), a.Priority, a.Score, signals, result, a.ErrorText,
		nullTime(a.QueuedAt), a.StartedAt, a.CompletedAt, nullTime(a.CreatedAt),
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("upsert analysis: %w", err))
	}
	return nil
}

const analysisColumns = `a.id, a.feedback_id, a.status, a.priority, a.score, a.signals, a.result,
	a.error_text, a.queued_at, a.started_at, a.completed_at, a.updated_at, a.created_at`

// GetAnalysis retrieves an analysis by ID.
func (s *Store) GetAnalysis(ctx context.Context, id string) (*triage.Analysis, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAnalysis", "SELECT")
	defer span.End()

	a, err := scanAnalysis(s.pool.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analysis a WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, recordErr(span, fmt.Errorf("get analysis: %w", err))
	}
	return a, true, nil
}

// UpdateAnalysisStatus sets the status. errorText is only written for failed.
func (s *Store) UpdateAnalysisStatus(ctx context.Context, id string, status triage.Status, errorText string) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateAnalysisStatus", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis SET
			status = $2,
			error_text = CASE WHEN $2 = 'failed' THEN $3 ELSE error_text END,
			updated_at = now()
		WHERE id = $1`,
		id, string(status), errorText,
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("update status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return triage.ErrNotFound
	}
	return nil
}

// UpdateAnalysisPriority sets the priority.
func (s *Store) UpdateAnalysisPriority(ctx context.Context, id string, priority int) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateAnalysisPriority", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis SET priority = $2, updated_at = now() WHERE id = $1`, id, priority)
	if err != nil {
		return recordErr(span, fmt.Errorf("update priority: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return triage.ErrNotFound
	}
	return nil
}

// ListAnalysesByFeedback returns every analysis for a feedback item, newest first.
func (s *Store) ListAnalysesByFeedback(ctx context.Context, feedbackID string) ([]triage.Analysis, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAnalysesByFeedback", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+analysisColumns+` FROM analysis a
		WHERE a.feedback_id = $1 ORDER BY a.created_at DESC, a.id DESC`, feedbackID)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("list analyses: %w", err))
	}
	defer rows.Close()

	out := []triage.Analysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, recordErr(span, fmt.Errorf("scan analysis: %w", err))
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, err)
	}
	return out, nil
}

// ListAnalyses filters, orders and pages analyses joined with their feedback.
// Every value is bound as a parameter; ORDER BY comes from a fixed column map.
func (s *Store) ListAnalyses(ctx context.Context, q triage.QueueQuery) ([]triage.QueueItem, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAnalyses", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Priority != nil {
		where = append(where, "a.priority = "+arg(*q.Priority))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "a.status = ANY("+arg(statuses)+")")
	}
	if q.Source != "" {
		where = append(where, "f.source = "+arg(q.Source))
	}
	if q.Search != "" {
		p := arg("%" + triage.EscapeLike(q.Search) + "%")
		where = append(where, "(f.content ILIKE "+p+" OR COALESCE(f.metadata::text, '') ILIKE "+p+")")
	}

	query := `SELECT ` + analysisColumns + `, f.content, f.source
		FROM analysis a JOIN feedback f ON f.id = a.feedback_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + triage.OrderBySQL(q.Order)
	query += " LIMIT " + arg(q.Limit) + " OFFSET " + arg(q.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("list queue: %w", err))
	}
	defer rows.Close()

	items := []triage.QueueItem{}
	for rows.Next() {
		var (
			it     triage.QueueItem
			source *string
		)
		a, err := scanAnalysisWith(rows, &it.Content, &source)
		if err != nil {
			return nil, recordErr(span, fmt.Errorf("scan queue item: %w", err))
		}
		it.Analysis = *a
		if source != nil {
			it.Source = *source
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, err)
	}
	span.SetAttributes(attribute.Int("db.rows", len(items)))
	return items, nil
}

// InsertOverride appends an override.
func (s *Store) InsertOverride(ctx context.Context, o *triage.Override) error {
	ctx, span := startSpan(ctx, "pgstore.InsertOverride", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO overrides (id, analysis_id, actor, action, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))`,
		o.ID, o.AnalysisID, nullString(o.Actor), o.Action, nullJSON(o.Payload), nullTime(o.CreatedAt),
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("insert override: %w", err))
	}
	return nil
}

// ListOverrides returns overrides for the given analyses, newest first.
func (s *Store) ListOverrides(ctx context.Context, analysisIDs []string) ([]triage.Override, error) {
	ctx, span := startSpan(ctx, "pgstore.ListOverrides", "SELECT")
	defer span.End()

	out := []triage.Override{}
	if len(analysisIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, analysis_id, actor, action, payload, created_at FROM overrides
		WHERE analysis_id = ANY($1) ORDER BY created_at DESC, seq DESC`, analysisIDs)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("list overrides: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			o     triage.Override
			actor *string
		)
		if err := rows.Scan(&o.ID, &o.AnalysisID, &actor, &o.Action, &o.Payload, &o.CreatedAt); err != nil {
			return nil, recordErr(span, fmt.Errorf("scan override: %w", err))
		}
		if actor != nil {
			o.Actor = *actor
		}
		o.CreatedAt = o.CreatedAt.UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, err)
	}
	return out, nil
}

// GetStep retrieves a checkpointed step.
func (s *Store) GetStep(ctx context.Context, jobID, step string) (*triage.StepRecord, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetStep", "SELECT")
	defer span.End()

	var r triage.StepRecord
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, step, output, attempts, completed_at FROM job_steps
		WHERE job_id = $1 AND step = $2`, jobID, step,
	).Scan(&r.JobID, &r.Step, &r.Output, &r.Attempts, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, recordErr(span, fmt.Errorf("get step: %w", err))
	}
	r.CompletedAt = r.CompletedAt.UTC()
	return &r, true, nil
}

// PutStep upserts a checkpointed step.
func (s *Store) PutStep(ctx context.Context, rec *triage.StepRecord) error {
	ctx, span := startSpan(ctx, "pgstore.PutStep", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("sift.step.name", rec.Step))

	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_steps (job_id, step, output, attempts, completed_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		ON CONFLICT (job_id, step) DO UPDATE SET
			output = EXCLUDED.output,
			attempts = EXCLUDED.attempts,
			completed_at = EXCLUDED.completed_at`,
		rec.JobID, rec.Step, string(rec.Output), rec.Attempts, nullTime(rec.CompletedAt),
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("put step: %w", err))
	}
	return nil
}

func encodeAnalysis(a *triage.Analysis) (signals, result any, err error) {
	if a.Signals != nil {
		b, err := json.Marshal(a.Signals)
		if err != nil {
			return nil, nil, fmt.Errorf("encode signals: %w", err)
		}
		signals = string(b)
	}
	if a.Result != nil {
		b, err := json.Marshal(a.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("encode result: %w", err)
		}
		result = string(b)
	}
	return signals, result, nil
}

func scanAnalysis(row pgx.Row) (*triage.Analysis, error) {
	return scanAnalysisWith(row)
}

// scanAnalysisWith scans analysisColumns followed by any extra destinations.
func scanAnalysisWith(row pgx.Row, extra ...any) (*triage.Analysis, error) {
	var (
		a               triage.Analysis
		status          string
		signals, result []byte
	)
	dest := []any{
		&a.ID, &a.FeedbackID, &status, &a.Priority, &a.Score, &signals, &result,
		&a.ErrorText, &a.QueuedAt, &a.StartedAt, &a.CompletedAt, &a.UpdatedAt, &a.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	a.Status = triage.Status(status)

	if len(signals) > 0 {
		a.Signals = &triage.Signals{}
		if err := json.Unmarshal(signals, a.Signals); err != nil {
			return nil, fmt.Errorf("decode signals: %w", err)
		}
	}
	if len(result) > 0 {
		a.Result = &triage.Scoring{}
		if err := json.Unmarshal(result, a.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}

	a.QueuedAt = a.QueuedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.StartedAt = utcPtr(a.StartedAt)
	a.CompletedAt = utcPtr(a.CompletedAt)
	return &a, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
