// Package sqlitestore provides a single-file SQLite implementation of triage.Store.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/sift/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/triage/sqlitestore")

//go:embed schema.sql
var schema string

// timeLayout is fixed width so text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists triage data in a SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
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
	ctx, span := startSpan(ctx, "sqlitestore.InsertFeedback", "INSERT")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, source, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.ID, nullString(f.Source), f.Content, nullString(string(f.Metadata)), s.stamp(f.CreatedAt),
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("insert feedback: %w", err))
	}
	return nil
}

// GetFeedback retrieves a feedback item by ID.
func (s *Store) GetFeedback(ctx context.Context, id string) (*triage.Feedback, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.GetFeedback", "SELECT")
	defer span.End()

	var (
		f                triage.Feedback
		source, metadata sql.NullString
		created          string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, content, metadata, created_at FROM feedback WHERE id = ?`, id,
	).Scan(&f.ID, &source, &f.Content, &metadata, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, recordErr(span, fmt.Errorf("get feedback: %w", err))
	}
	f.Source = source.String
	if metadata.Valid {
		f.Metadata = json.RawMessage(metadata.String)
	}
	if f.CreatedAt, err = parseTime(created); err != nil {
		return nil, false, recordErr(span, err)
	}
	return &f, true, nil
}

// UpsertAnalysis inserts or updates an analysis. queued_at and created_at are
// only written on insert.
func (s *Store) UpsertAnalysis(ctx context.Context, a *triage.Analysis) error {
	ctx, span := startSpan(ctx, "sqlitestore.UpsertAnalysis", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("sift.analysis.id", a.ID))

	signals, err := encodeJSON(a.Signals)
	if err != nil {
		return recordErr(span, fmt.Errorf("encode signals: %w", err))
	}
	result, err := encodeJSON(a.Result)
	if err != nil {
		return recordErr(span, fmt.Errorf("encode result: %w", err))
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis (
			id, feedback_id, status, priority, score, signals, result, error_text,
			queued_at, started_at, completed_at, updated_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			feedback_id  = excluded.feedback_id,
			status       = excluded.status,
			priority     = excluded.priority,
			score        = excluded.score,
			signals      = excluded.signals,
			result       = excluded.result,
			error_text   = excluded.error_text,
			started_at   = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at   = excluded.updated_at`,
		a.ID, a.FeedbackID, string(a.Status), a.Priority, nullInt(a.Score), signals, result, a.ErrorText,
		s.stamp(a.QueuedAt), nullTime(a.StartedAt), nullTime(a.CompletedAt), formatTime(now), s.stamp(a.CreatedAt),
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
	ctx, span := startSpan(ctx, "sqlitestore.GetAnalysis", "SELECT")
	defer span.End()

	a, err := scanAnalysis(s.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analysis a WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, recordErr(span, fmt.Errorf("get analysis: %w", err))
	}
	return a, true, nil
}

// UpdateAnalysisStatus sets the status. errorText is only written for failed.
func (s *Store) UpdateAnalysisStatus(ctx context.Context, id string, status triage.Status, errorText string) error {
	ctx, span := startSpan(ctx, "sqlitestore.UpdateAnalysisStatus", "UPDATE")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis SET
			status = ?1,
			error_text = CASE WHEN ?1 = 'failed' THEN ?2 ELSE error_text END,
			updated_at = ?3
		WHERE id = ?4`,
		string(status), errorText, formatTime(s.now()), id,
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("update status: %w", err))
	}
	return affectedOne(res)
}

// UpdateAnalysisPriority sets the priority.
func (s *Store) UpdateAnalysisPriority(ctx context.Context, id string, priority int) error {
	ctx, span := startSpan(ctx, "sqlitestore.UpdateAnalysisPriority", "UPDATE")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis SET priority = ?, updated_at = ? WHERE id = ?`,
		priority, formatTime(s.now()), id,
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("update priority: %w", err))
	}
	return affectedOne(res)
}

// ListAnalysesByFeedback returns every analysis for a feedback item, newest first.
func (s *Store) ListAnalysesByFeedback(ctx context.Context, feedbackID string) ([]triage.Analysis, error) {
	ctx, span := startSpan(ctx, "sqlitestore.ListAnalysesByFeedback", "SELECT")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `SELECT `+analysisColumns+` FROM analysis a
		WHERE a.feedback_id = ? ORDER BY a.created_at DESC, a.id DESC`, feedbackID)
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
	ctx, span := startSpan(ctx, "sqlitestore.ListAnalyses", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if q.Priority != nil {
		where = append(where, "a.priority = ?")
		args = append(args, *q.Priority)
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "a.status IN ("+strings.Join(marks, ", ")+")")
	}
	if q.Source != "" {
		where = append(where, "f.source = ?")
		args = append(args, q.Source)
	}
	if q.Search != "" {
		p := "%" + triage.EscapeLike(q.Search) + "%"
		where = append(where, `(f.content LIKE ? ESCAPE '\' OR COALESCE(f.metadata, '') LIKE ? ESCAPE '\')`)
		args = append(args, p, p)
	}

	query := `SELECT ` + analysisColumns + `, f.content, f.source
		FROM analysis a JOIN feedback f ON f.id = a.feedback_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + triage.OrderBySQL(q.Order) + " LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("list queue: %w", err))
	}
	defer rows.Close()

	items := []triage.QueueItem{}
	for rows.Next() {
		var (
			it     triage.QueueItem
			source sql.NullString
		)
		a, err := scanAnalysisWith(rows, &it.Content, &source)
		if err != nil {
			return nil, recordErr(span, fmt.Errorf("scan queue item: %w", err))
		}
		it.Analysis = *a
		it.Source = source.String
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, err)
	}
	return items, nil
}

// InsertOverride appends an override.
func (s *Store) InsertOverride(ctx context.Context, o *triage.Override) error {
	ctx, span := startSpan(ctx, "sqlitestore.InsertOverride", "INSERT")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO overrides (id, analysis_id, actor, action, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.AnalysisID, nullString(o.Actor), o.Action, nullString(string(o.Payload)), s.stamp(o.CreatedAt),
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("insert override: %w", err))
	}
	return nil
}

// ListOverrides returns overrides for the given analyses, newest first.
func (s *Store) ListOverrides(ctx context.Context, analysisIDs []string) ([]triage.Override, error) {
	ctx, span := startSpan(ctx, "sqlitestore.ListOverrides", "SELECT")
	defer span.End()

	out := []triage.Override{}
	if len(analysisIDs) == 0 {
		return out, nil
	}

	marks := make([]string, len(analysisIDs))
	args := make([]any, len(analysisIDs))
	for i, id := range analysisIDs {
		marks[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, analysis_id, actor, action, payload, created_at FROM overrides
		WHERE analysis_id IN (`+strings.Join(marks, ", ")+`)
		ORDER BY created_at DESC, rowid DESC`, args...)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("list overrides: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			o              triage.Override
			actor, payload sql.NullString
			created        string
		)
		if err := rows.Scan(&o.ID, &o.AnalysisID, &actor, &o.Action, &payload, &created); err != nil {
			return nil, recordErr(span, fmt.Errorf("scan override: %w", err))
		}
		o.Actor = actor.String
		if payload.Valid {
			o.Payload = json.RawMessage(payload.String)
		}
		if o.CreatedAt, err = parseTime(created); err != nil {
			return nil, recordErr(span, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, err)
	}
	return out, nil
}

// GetStep retrieves a checkpointed step.
func (s *Store) GetStep(ctx context.Context, jobID, step string) (*triage.StepRecord, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.GetStep", "SELECT")
	defer span.End()

	var (
		r         triage.StepRecord
		output    string
		completed string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, step, output, attempts, completed_at FROM job_steps WHERE job_id = ? AND step = ?`,
		jobID, step,
	).Scan(&r.JobID, &r.Step, &output, &r.Attempts, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, recordErr(span, fmt.Errorf("get step: %w", err))
	}
	r.Output = json.RawMessage(output)
	if r.CompletedAt, err = parseTime(completed); err != nil {
		return nil, false, recordErr(span, err)
	}
	return &r, true, nil
}

// PutStep upserts a checkpointed step.
func (s *Store) PutStep(ctx context.Context, rec *triage.StepRecord) error {
	ctx, span := startSpan(ctx, "sqlitestore.PutStep", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("sift.step.name", rec.Step))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_steps (job_id, step, output, attempts, completed_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id, step) DO UPDATE SET
			output = excluded.output,
			attempts = excluded.attempts,
			completed_at = excluded.completed_at`,
		rec.JobID, rec.Step, string(rec.Output), rec.Attempts, s.stamp(rec.CompletedAt),
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("put step: %w", err))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row scanner) (*triage.Analysis, error) {
	return scanAnalysisWith(row)
}

func scanAnalysisWith(row scanner, extra ...any) (*triage.Analysis, error) {
	var (
		a                        triage.Analysis
		status                   string
		score                    sql.NullInt64
		signals, result          sql.NullString
		queued, updated, created string
		started, completed       sql.NullString
	)
	dest := []any{
		&a.ID, &a.FeedbackID, &status, &a.Priority, &score, &signals, &result,
		&a.ErrorText, &queued, &started, &completed, &updated, &created,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	a.Status = triage.Status(status)
	if score.Valid {
		v := int(score.Int64)
		a.Score = &v
	}
	if signals.Valid {
		a.Signals = &triage.Signals{}
		if err := json.Unmarshal([]byte(signals.String), a.Signals); err != nil {
			return nil, fmt.Errorf("decode signals: %w", err)
		}
	}
	if result.Valid {
		a.Result = &triage.Scoring{}
		if err := json.Unmarshal([]byte(result.String), a.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}

	var err error
	if a.QueuedAt, err = parseTime(queued); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if a.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &a, nil
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return triage.ErrNotFound
	}
	return nil
}

// stamp formats t, defaulting a zero time to now.
func (s *Store) stamp(t time.Time) string {
	if t.IsZero() {
		t = s.now()
	}
	return formatTime(t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeJSON(v any) (any, error) {
	switch x := v.(type) {
	case *triage.Signals:
		if x == nil {
			return nil, nil
		}
	case *triage.Scoring:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
