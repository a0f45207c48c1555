package eventcore

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ledfleet/eventcore/monitor"
)

const dayLayout = "2006-01-02"

// Handler returns the HTTP surface: the websocket endpoint, metrics, health
// and read access to dead-letter records
func (c *Core) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", c.gateway.ServeHTTP)
	r.Handle("/metrics", c.metrics.Handler())

	timeout := c.cfg.HTTP.HealthTimeout
	r.Get("/health", monitor.HealthHandler(c.health, timeout))
	r.Get("/health/ready", monitor.ReadinessHandler(c.health, timeout))
	r.Get("/health/live", monitor.LivenessHandler())

	r.Route("/deadletters", func(r chi.Router) {
		r.Get("/stats", c.deadLetterStats)
		r.Get("/{id}", c.deadLetter)
	})

	return r
}

func (c *Core) deadLetter(w http.ResponseWriter, r *http.Request) {
	rec, found, err := c.deadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err != nil:
		c.logger.Error("failed to read dead letter", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case !found:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// deadLetterStats reports one day of counts, today unless ?day=YYYY-MM-DD
func (c *Core) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	day := time.Now()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse(dayLayout, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "day must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}

	stats, err := c.deadLetters.Stats(r.Context(), day)
	if err != nil {
		c.logger.Error("failed to read dead-letter stats", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
