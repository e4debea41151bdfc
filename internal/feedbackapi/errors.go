package feedbackapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/linnemanlabs/sift/internal/triage"
)

type errorBody struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	Details     string `json:"details,omitempty"`
	RawResponse string `json:"raw_response,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg, details string) {
	writeJSON(w, code, errorBody{Error: msg, Details: details})
}

// statusFor maps a service error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, triage.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, triage.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, triage.ErrInvariant):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func (a *API) serviceError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	code, text := statusFor(err)
	if code == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, code, text, err.Error())
		return
	}
	writeError(w, code, text, "")
}

// analysisError reports a failed synchronous analysis, carrying the raw model
// text when extraction got that far.
func (a *API) analysisError(w http.ResponseWriter, r *http.Request, err error, feedbackID string) {
	if triage.IsClientError(err) {
		a.serviceError(w, r, err, "analysis failed", "feedback_id", feedbackID)
		return
	}
	a.logger.Error(r.Context(), err, "analysis failed", "feedback_id", feedbackID)

	body := errorBody{Error: "analysis failed", Details: err.Error()}
	var xe *triage.ExtractError
	if errors.As(err, &xe) {
		body.RawResponse = xe.Raw
	}
	writeJSON(w, http.StatusInternalServerError, body)
}
