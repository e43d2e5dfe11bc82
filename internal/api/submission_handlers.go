package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lumora/leadgate/internal/leads"
	"github.com/lumora/leadgate/internal/pkg/logger"
	"github.com/lumora/leadgate/internal/security"
)

// SubmitWaitlist accepts a waitlist signup.
//
//	POST /api/waitlist
func (h *Handlers) SubmitWaitlist(w http.ResponseWriter, r *http.Request) {
	h.handleSubmission(w, r, security.KindWaitlist)
}

// SubmitContact accepts a contact form query.
//
//	POST /api/contact
func (h *Handlers) SubmitContact(w http.ResponseWriter, r *http.Request) {
	h.handleSubmission(w, r, security.KindContact)
}

func (h *Handlers) handleSubmission(w http.ResponseWriter, r *http.Request, kind security.SubmissionKind) {
	fields, rejection := h.guard.Admit(r, kind)
	if rejection != nil {
		if rejection.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rejection.RetryAfter)))
		}
		respondError(w, rejection.Status, rejection.Message)
		return
	}

	// Repeat waitlist signups are acknowledged without a second row; the
	// contact form may legitimately be used more than once.
	if kind == security.KindWaitlist {
		exists, err := h.leads.ExistsByEmail(r.Context(), string(kind), fields["email"])
		if err != nil {
			respondSafeError(w, http.StatusInternalServerError, err, "could not store submission")
			return
		}
		if exists {
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
	}

	sub := &leads.Submission{
		Kind:      string(kind),
		Name:      fields["name"],
		Email:     fields["email"],
		Phone:     fields["phone"],
		FreeText:  fields["query"],
		Category:  fields["category"],
		SourceIP:  security.ClientIP(r),
		UserAgent: r.UserAgent(),
	}

	id, err := h.leads.Insert(r.Context(), sub)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "could not store submission")
		return
	}

	if h.engine != nil {
		first, last := splitName(fields["name"])
		if err := h.engine.Trigger(r.Context(), string(kind), fields["email"], first, last, fields["phone"]); err != nil {
			// Drip enrollment is best effort; the lead is already captured.
			logger.Error("drip enrollment failed", "email", fields["email"], "error", err.Error())
		}
	}

	logger.Info("submission accepted", "kind", string(kind), "email", fields["email"])
	respondJSON(w, http.StatusCreated, map[string]string{
		"status": "ok",
		"id":     id.String(),
	})
}

// Unsubscribe deactivates a drip subscriber. The response is identical
// whether or not the email was enrolled.
//
//	POST /api/unsubscribe
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil || json.Unmarshal(body, &req) != nil || strings.TrimSpace(req.Email) == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if h.engine != nil {
		if err := h.engine.Unsubscribe(r.Context(), email); err != nil {
			respondSafeError(w, http.StatusInternalServerError, err, "could not process unsubscribe")
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// splitName divides a full name into first and last at the first space.
func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i], strings.TrimSpace(name[i+1:])
	}
	return name, ""
}

// retryAfterSeconds rounds a retry delay up to whole seconds for the
// Retry-After header.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
