package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes. adminToken guards the /api/admin
// subtree; an empty token disables the admin surface entirely.
func SetupRoutes(h *Handlers, allowedOrigins []string, adminToken string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		// Public submission endpoints; admission control happens inside
		// the guard, not in middleware, so each rejection is classified.
		r.Post("/waitlist", h.SubmitWaitlist)
		r.Post("/contact", h.SubmitContact)
		r.Post("/unsubscribe", h.Unsubscribe)

		r.Route("/admin", func(r chi.Router) {
			r.Use(bearerAuth(adminToken))

			r.Get("/submissions", h.ListSubmissions)
			r.Get("/submissions/{id}", h.GetSubmission)
			r.Patch("/submissions/{id}/status", h.UpdateSubmissionStatus)

			r.Get("/subscribers", h.ListSubscribers)

			r.Get("/security/events", h.ListSecurityEvents)
			r.Get("/security/blocks", h.ListBlocks)
		})
	})

	return r
}

// bearerAuth requires "Authorization: Bearer <token>" on every request.
// A server configured without a token refuses the whole admin subtree.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if token == "" {
				respondError(w, http.StatusForbidden, "admin API disabled")
				return
			}
			header := req.Header.Get("Authorization")
			got, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
