package feedbackapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sift/internal/authmw"
	"github.com/linnemanlabs/sift/internal/triage"
)

// maxQueueLimit bounds a single queue page.
const maxQueueLimit = 500

type ingestResponse struct {
	OK bool `json:"ok"`
	*triage.IngestResult
	Message string `json:"message"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r)

	var req triage.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}

	res, err := a.svc.Ingest(r.Context(), req)
	if err != nil {
		a.serviceError(w, r, err, "failed to ingest feedback", "source", req.Source)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("sift.feedback.id", res.FeedbackID),
		attribute.String("sift.analysis.id", res.AnalysisID),
	)

	writeJSON(w, http.StatusAccepted, ingestResponse{
		OK:           true,
		IngestResult: res,
		Message:      "feedback ingested, analysis started",
	})
}

func (a *API) handleReanalyze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sift.feedback.id", id))

	res, err := a.svc.Reanalyze(r.Context(), id)
	if err != nil {
		a.serviceError(w, r, err, "failed to start reanalysis", "feedback_id", id)
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{
		OK:           true,
		IngestResult: res,
		Message:      "analysis started",
	})
}

type analyzeResponse struct {
	OK bool `json:"ok"`
	*triage.JobResult
}

func (a *API) handleAnalyzeNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.feedback.id", id))

	res, err := a.svc.AnalyzeNow(r.Context(), id)
	if err != nil {
		a.analysisError(w, r, err, id)
		return
	}

	span.SetAttributes(
		attribute.String("sift.analysis.id", res.AnalysisID),
		attribute.Int("sift.analysis.priority", res.Scoring.Priority),
	)
	writeJSON(w, http.StatusOK, analyzeResponse{OK: true, JobResult: res})
}

type queueResponse struct {
	OK    bool               `json:"ok"`
	Items []triage.QueueItem `json:"items"`
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	f, err := parseQueueFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	items, err := a.svc.ListQueue(r.Context(), f)
	if err != nil {
		a.serviceError(w, r, err, "failed to list queue")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("sift.queue.items", len(items)))
	writeJSON(w, http.StatusOK, queueResponse{OK: true, Items: items})
}

type itemResponse struct {
	OK bool `json:"ok"`
	*triage.ItemDetail
}

func (a *API) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sift.feedback.id", id))

	item, err := a.svc.GetItem(r.Context(), id)
	if err != nil {
		a.serviceError(w, r, err, "failed to get item", "feedback_id", id)
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{OK: true, ItemDetail: item})
}

type statusRequest struct {
	Status triage.Status `json:"status"`
}

type statusResponse struct {
	OK         bool          `json:"ok"`
	AnalysisID string        `json:"analysis_id"`
	Status     triage.Status `json:"status"`
}

func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limitBody(w, r)

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "invalid payload: status required", "")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("sift.analysis.id", id),
		attribute.String("sift.analysis.status", string(req.Status)),
	)

	if err := a.svc.SetStatus(r.Context(), id, req.Status); err != nil {
		a.serviceError(w, r, err, "failed to set status", "analysis_id", id)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{OK: true, AnalysisID: id, Status: req.Status})
}

type overrideRequest struct {
	Priority *int   `json:"priority"`
	Reason   string `json:"reason"`
}

type overrideResponse struct {
	OK         bool   `json:"ok"`
	OverrideID string `json:"override_id"`
	AnalysisID string `json:"analysis_id"`
}

func (a *API) handleOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limitBody(w, r)

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if req.Priority == nil {
		writeError(w, http.StatusBadRequest, "invalid payload: priority required", "")
		return
	}

	actor := authmw.ActorFromContext(r.Context())
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("sift.analysis.id", id),
		attribute.Int("sift.override.priority", *req.Priority),
	)

	o, err := a.svc.OverridePriority(r.Context(), triage.OverrideRequest{
		AnalysisID: id,
		Priority:   *req.Priority,
		Reason:     req.Reason,
		Actor:      actor,
	})
	if err != nil {
		a.serviceError(w, r, err, "failed to override priority", "analysis_id", id)
		return
	}
	writeJSON(w, http.StatusOK, overrideResponse{OK: true, OverrideID: o.ID, AnalysisID: o.AnalysisID})
}

// parseQueueFilter reads queue filters from query parameters. status may be
// repeated or comma-separated.
func parseQueueFilter(q url.Values) (triage.QueueFilter, error) {
	f := triage.QueueFilter{
		Source: q.Get("source"),
		Search: q.Get("search"),
		Sort:   q.Get("sort"),
	}

	if v := q.Get("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("priority must be an integer")
		}
		f.Priority = &p
	}

	for _, v := range q["status"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, triage.Status(s))
			}
		}
	}

	var err error
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return f, err
	}
	if f.Limit > maxQueueLimit {
		f.Limit = maxQueueLimit
	}
	if f.Offset, err = intParam(q, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
