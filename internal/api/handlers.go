package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lumora/leadgate/internal/drip"
	"github.com/lumora/leadgate/internal/leads"
	"github.com/lumora/leadgate/internal/security"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	guard     *security.Guard
	leads     *leads.Store
	engine    *drip.Engine
	dripStore drip.Storage
	db        *sql.DB
	startTime time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(guard *security.Guard, store *leads.Store) *Handlers {
	return &Handlers{
		guard:     guard,
		leads:     store,
		startTime: time.Now(),
	}
}

// SetEngine sets the drip sequencer
func (h *Handlers) SetEngine(engine *drip.Engine) {
	h.engine = engine
}

// SetDripStore sets the drip storage used by admin listings
func (h *Handlers) SetDripStore(store drip.Storage) {
	h.dripStore = store
}

// SetDB sets the database handle used by the health check
func (h *Handlers) SetDB(db *sql.DB) {
	h.db = db
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check

// HealthCheck returns the health status of the API
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	resp := map[string]interface{}{
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
	}

	if h.db != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.db.PingContext(pingCtx); err != nil {
			resp["database"] = "down"
			status = "unhealthy"
		} else {
			resp["database"] = "up"
		}
		cancel()
	}

	if h.engine != nil {
		resp["drip_running"] = h.engine.IsHealthy()
		if lastRun := h.engine.LastRunAt(); !lastRun.IsZero() {
			resp["drip_last_sweep"] = lastRun
			if time.Since(lastRun) > 5*time.Minute {
				status = "degraded"
			}
		}
		if !h.engine.IsHealthy() {
			status = "degraded"
		}
	}

	resp["status"] = status
	respondJSON(w, http.StatusOK, resp)
}
