package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lumora/leadgate/internal/leads"
)

// ListSubmissions returns stored submissions, newest first.
//
//	GET /api/admin/submissions?kind=waitlist&status=new&limit=50&skip=0
func (h *Handlers) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	filter := leads.ListFilter{
		Kind:   r.URL.Query().Get("kind"),
		Status: leads.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Skip:   queryInt(r, "skip"),
	}
	if filter.Status != "" && !leads.ValidStatus(filter.Status) {
		respondError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	subs, err := h.leads.List(r.Context(), filter)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "could not list submissions")
		return
	}
	total, err := h.leads.Count(r.Context(), filter.Kind)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "could not count submissions")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"submissions": subs,
		"total":       total,
	})
}

// GetSubmission returns one submission by ID.
//
//	GET /api/admin/submissions/{id}
func (h *Handlers) GetSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid submission id")
		return
	}

	sub, err := h.leads.Get(r.Context(), id)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "could not load submission")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "submission not found")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// UpdateSubmissionStatus moves a submission through triage.
//
//	PATCH /api/admin/submissions/{id}/status
func (h *Handlers) UpdateSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid submission id")
		return
	}

	var req struct {
		Status leads.Status `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !leads.ValidStatus(req.Status) {
		respondError(w, http.StatusBadRequest, "status must be new, in_progress or resolved")
		return
	}

	if err := h.leads.UpdateStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "submission not found")
			return
		}
		respondSafeError(w, http.StatusInternalServerError, err, "could not update submission")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListSubscribers returns drip subscribers with their sequence position.
//
//	GET /api/admin/subscribers?limit=100&skip=0
func (h *Handlers) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	if h.dripStore == nil {
		respondError(w, http.StatusServiceUnavailable, "drip storage not configured")
		return
	}

	subs, err := h.dripStore.ListSubscribers(r.Context(), queryInt(r, "limit"), queryInt(r, "skip"))
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "could not list subscribers")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"subscribers": subs})
}

// ListSecurityEvents returns recent security events, newest first.
//
//	GET /api/admin/security/events?limit=100
func (h *Handlers) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit < 1 {
		limit = 100
	}
	events := h.guard.Events().Recent(limit)
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ListBlocks returns currently blocked identifiers.
//
//	GET /api/admin/security/blocks
func (h *Handlers) ListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.guard.Limiter().Blocks(r.Context())
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "could not list blocks")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks})
}

func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}
