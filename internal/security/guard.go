package security

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lumora/leadgate/internal/pkg/logger"
)

// RejectionReason classifies why the guard refused a submission.
type RejectionReason string

const (
	RejectRateLimited        RejectionReason = "rate_limited"
	RejectInvalidPayload     RejectionReason = "invalid_payload"
	RejectPayloadTooLarge    RejectionReason = "payload_too_large"
	RejectSuspiciousContent  RejectionReason = "suspicious_content"
	RejectInvalidContentType RejectionReason = "invalid_content_type"
)

// Rejection carries the refusal decision back to the HTTP layer.
// Message is safe to return to the client; for suspicious content it never
// reveals which signature matched.
type Rejection struct {
	Reason     RejectionReason
	Status     int
	Message    string
	RetryAfter time.Duration
}

// Guard composes the admission checks for inbound submissions: existing
// block, content type, payload size, rate limit, field validation. On
// success it returns sanitized fields and performs no persistence; the only
// side effects are the rate-limit counter and the event log.
type Guard struct {
	limiter Limiter
	events  *EventLog
	maxBody int64
}

// NewGuard creates a Guard. maxBody is the payload byte ceiling.
func NewGuard(limiter Limiter, events *EventLog, maxBody int64) *Guard {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Guard{limiter: limiter, events: events, maxBody: maxBody}
}

// Admit runs the full admission pipeline for one request. Exactly one
// security event is recorded per rejection; admitted requests record none.
func (g *Guard) Admit(r *http.Request, kind SubmissionKind) (map[string]string, *Rejection) {
	identifier := ClientIP(r)

	// An already-blocked identifier is turned away before anything about the
	// request itself is inspected. Read-only, so it does not consume window
	// budget; the counting check further down still handles escalation.
	if retry, blocked, err := g.limiter.Blocked(r.Context(), identifier); err != nil {
		logger.Warn("block lookup unavailable, continuing admission", "identifier", identifier, "error", err.Error())
	} else if blocked {
		g.record(EventBlocked, identifier, r, "blocked")
		return nil, &Rejection{
			Reason:     RejectRateLimited,
			Status:     http.StatusTooManyRequests,
			Message:    "too many requests",
			RetryAfter: retry,
		}
	}

	ct := r.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(ct); err != nil || mediaType != "application/json" {
		g.record(EventInvalidInput, identifier, r, fmt.Sprintf("content type %q not allowed", ct))
		return nil, &Rejection{
			Reason:  RejectInvalidContentType,
			Status:  http.StatusUnsupportedMediaType,
			Message: "content type must be application/json",
		}
	}

	if r.ContentLength > g.maxBody {
		g.record(EventInvalidInput, identifier, r, fmt.Sprintf("payload of %d bytes exceeds limit", r.ContentLength))
		return nil, &Rejection{
			Reason:  RejectPayloadTooLarge,
			Status:  http.StatusRequestEntityTooLarge,
			Message: "request body too large",
		}
	}

	dec, err := g.limiter.Check(r.Context(), identifier)
	if err != nil {
		// A broken limiter backend must not take down lead capture; admit
		// and leave a trace in the server log.
		logger.Warn("rate limiter unavailable, admitting request", "identifier", identifier, "error", err.Error())
	} else if !dec.Allowed {
		kind := EventRateLimit
		if dec.Reason == "blocked" {
			kind = EventBlocked
		}
		g.record(kind, identifier, r, dec.Reason)
		return nil, &Rejection{
			Reason:     RejectRateLimited,
			Status:     http.StatusTooManyRequests,
			Message:    "too many requests",
			RetryAfter: dec.RetryAfter,
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, g.maxBody+1))
	if err != nil {
		g.record(EventInvalidInput, identifier, r, "unreadable request body")
		return nil, &Rejection{
			Reason:  RejectInvalidPayload,
			Status:  http.StatusBadRequest,
			Message: "could not read request body",
		}
	}
	if int64(len(body)) > g.maxBody {
		g.record(EventInvalidInput, identifier, r, "payload exceeds limit")
		return nil, &Rejection{
			Reason:  RejectPayloadTooLarge,
			Status:  http.StatusRequestEntityTooLarge,
			Message: "request body too large",
		}
	}

	var fields map[string]string
	if err := json.Unmarshal(body, &fields); err != nil {
		g.record(EventInvalidInput, identifier, r, "malformed JSON body")
		return nil, &Rejection{
			Reason:  RejectInvalidPayload,
			Status:  http.StatusBadRequest,
			Message: "request body must be a flat JSON object of strings",
		}
	}

	res := Validate(fields, kind)
	if res.SuspiciousField != "" {
		g.record(EventSuspiciousInput, identifier, r,
			fmt.Sprintf("field %s matched %s signature", res.SuspiciousField, res.SuspiciousClass))
		return nil, &Rejection{
			Reason:  RejectSuspiciousContent,
			Status:  http.StatusBadRequest,
			Message: "submission rejected",
		}
	}
	if !res.IsValid {
		g.record(EventInvalidInput, identifier, r, strings.Join(res.Errors, "; "))
		return nil, &Rejection{
			Reason:  RejectInvalidPayload,
			Status:  http.StatusBadRequest,
			Message: strings.Join(res.Errors, "; "),
		}
	}

	return res.Sanitized, nil
}

// Events returns the guard's security event log.
func (g *Guard) Events() *EventLog { return g.events }

// Limiter returns the guard's rate limiter.
func (g *Guard) Limiter() Limiter { return g.limiter }

func (g *Guard) record(kind EventKind, identifier string, r *http.Request, details string) {
	e := Event{
		Kind:       kind,
		Identifier: identifier,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
		Details:    details,
	}
	g.events.Record(e)
	logger.Warn("submission rejected",
		"kind", string(kind),
		"identifier", identifier,
		"path", e.Path,
		"details", details,
	)
}

// ClientIP extracts the client identifier from a request. The RealIP
// middleware rewrites RemoteAddr from X-Forwarded-For/X-Real-IP upstream.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if ip := net.ParseIP(r.RemoteAddr); ip != nil {
		return ip.String()
	}
	return "unknown"
}
