package feedbackapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sift/internal/triage"
)

// maxBodyBytes caps request bodies. Feedback content is free text but not documents.
const maxBodyBytes = 1 << 20

// TriageService defines the business operations feedbackapi needs.
type TriageService interface {
	Ingest(ctx context.Context, req triage.IngestRequest) (*triage.IngestResult, error)
	Reanalyze(ctx context.Context, feedbackID string) (*triage.IngestResult, error)
	AnalyzeNow(ctx context.Context, feedbackID string) (*triage.JobResult, error)
	ListQueue(ctx context.Context, f triage.QueueFilter) ([]triage.QueueItem, error)
	GetItem(ctx context.Context, feedbackID string) (*triage.ItemDetail, error)
	SetStatus(ctx context.Context, analysisID string, status triage.Status) error
	OverridePriority(ctx context.Context, req triage.OverrideRequest) (*triage.Override, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/feedback", a.handleIngest)
		r.Get("/feedback/{id}", a.handleGetItem)
		r.Post("/feedback/{id}/analyze", a.handleAnalyzeNow)
		r.Post("/feedback/{id}/reanalyze", a.handleReanalyze)
		r.Get("/queue", a.handleQueue)
		r.Post("/analyses/{id}/status", a.handleSetStatus)
		r.Post("/analyses/{id}/override", a.handleOverride)
	})
}

func limitBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
}
