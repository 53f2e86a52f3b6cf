package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/askmesh/askmesh/internal/ask"
	"github.com/askmesh/askmesh/internal/auth"
	"github.com/askmesh/askmesh/internal/observability"
	"github.com/askmesh/askmesh/internal/orchestrator"
)

const maxRequestBytes = 1 << 20

type askRequest struct {
	Query   string `json:"query"`
	Context string `json:"context,omitempty"`
}

type stopRequest struct {
	Status string `json:"status"`
}

type candidateResponse struct {
	SQL     string `json:"sql"`
	Summary string `json:"summary"`
}

type jobErrorResponse struct {
	Code    ask.ErrorCode `json:"code"`
	Message string        `json:"message"`
}

type resultResponse struct {
	QueryID            string              `json:"query_id"`
	Status             ask.Status          `json:"status"`
	Response           []candidateResponse `json:"response,omitempty"`
	Error              *jobErrorResponse   `json:"error,omitempty"`
	CorrectionAttempts int                 `json:"correction_attempts"`
	TraceID            string              `json:"trace_id,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

type askHandlers struct {
	service       AskService
	defaultTenant string
}

// authorize resolves the tenant and checks role, writing the error response
// itself when it returns false.
func (h *askHandlers) authorize(w http.ResponseWriter, r *http.Request, role string) (string, bool) {
	if h.service == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASKS_NOT_CONFIGURED", "ask service is not configured", false, nil)
		return "", false
	}
	tenantID, err := auth.TenantFromRequest(r, h.defaultTenant)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return "", false
	}
	if err := auth.RequireRole(r, role); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return "", false
	}
	return tenantID, true
}

func (h *askHandlers) submit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r, auth.RoleAskWriter)
	if !ok {
		return
	}

	var req askRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}

	queryID, err := h.service.Submit(r.Context(), ask.Question{
		TenantID: tenantID,
		Text:     req.Query,
		Context:  req.Context,
	}, observability.TraceIDFromContext(r.Context()))
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrQuestionMissing):
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return
	case errors.Is(err, orchestrator.ErrQueueFull):
		writeError(r.Context(), w, http.StatusServiceUnavailable, "QUEUE_FULL", "too many asks in flight, retry later", true, nil)
		return
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down", true, nil)
		return
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "failed to submit ask", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"query_id": queryID})
}

func (h *askHandlers) stop(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r, auth.RoleAskWriter)
	if !ok {
		return
	}
	queryID := strings.TrimSpace(r.PathValue("query_id"))

	var req stopRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid stop request body", false, map[string]any{"details": err.Error()})
		return
	}
	if ask.Status(strings.TrimSpace(req.Status)) != ask.StatusStopped {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_STATUS", `status must be "stopped"`, false, map[string]any{"status": req.Status})
		return
	}

	if err := h.service.Stop(r.Context(), tenantID, queryID); err != nil {
		if errors.Is(err, ask.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "ASK_NOT_FOUND", "ask not found", false, map[string]any{"query_id": queryID})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "failed to stop ask", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query_id": queryID})
}

func (h *askHandlers) result(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r, auth.RoleAskReader)
	if !ok {
		return
	}
	queryID := strings.TrimSpace(r.PathValue("query_id"))

	job, err := h.service.Get(r.Context(), tenantID, queryID)
	if err != nil {
		if errors.Is(err, ask.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "ASK_NOT_FOUND", "ask not found or expired", false, map[string]any{"query_id": queryID})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "failed to load ask", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(job))
}

func toResultResponse(job ask.Job) resultResponse {
	out := resultResponse{
		QueryID:            job.ID,
		Status:             job.Status,
		CorrectionAttempts: job.CorrectionAttempts,
		TraceID:            job.TraceID,
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
	}
	if job.Status == ask.StatusFinished {
		out.Response = make([]candidateResponse, 0, len(job.Result))
		for _, candidate := range job.Result {
			out.Response = append(out.Response, candidateResponse{SQL: candidate.SQL, Summary: candidate.Summary})
		}
	}
	if job.Status == ask.StatusFailed && job.Error != nil {
		out.Error = &jobErrorResponse{Code: job.Error.Code, Message: job.Error.Message}
	}
	return out
}
