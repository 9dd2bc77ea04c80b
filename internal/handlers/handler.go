// Package handlers serves the read-only status API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"server-health/internal/snapshot"
	"server-health/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// UptimeStore answers uptime queries from the check history.
type UptimeStore interface {
	Uptime(ctx context.Context, target string, from time.Time) (*store.Uptime, error)
	UptimeAll(ctx context.Context, from time.Time) ([]store.Uptime, error)
}

type Handler struct {
	snapshots *snapshot.Store
	// uptime is nil when no database is configured
	uptime UptimeStore
	clock  clockwork.Clock
	log    logrus.FieldLogger
}

func New(snapshots *snapshot.Store, uptime UptimeStore) *Handler {
	return &Handler{
		snapshots: snapshots,
		uptime:    uptime,
		clock:     clockwork.NewRealClock(),
		log:       logrus.WithField(trace.Component, "api"),
	}
}

// Routes returns the router for the status API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/status", h.GetStatus)
	r.Get("/status/{name}", h.GetTargetStatus)
	r.Get("/uptime", h.GetUptime)
	r.Get("/uptime/all", h.GetUptimeAll)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"ok":true}`))
}

// GetStatus lists the latest state of every target in configuration order.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	all := h.snapshots.Get().All
	if all == nil {
		all = []snapshot.StateDTO{}
	}
	h.writeJSON(w, all)
}

func (h *Handler) GetTargetStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, ok := h.snapshots.Get().ByName[name]
	if !ok {
		http.Error(w, "unknown target", http.StatusNotFound)
		return
	}
	h.writeJSON(w, st)
}

// GetUptime returns uptime stats for a target over a sliding window (default 24h).
func (h *Handler) GetUptime(w http.ResponseWriter, r *http.Request) {
	if h.uptime == nil {
		http.Error(w, "history not enabled", http.StatusServiceUnavailable)
		return
	}

	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		http.Error(w, "missing target", http.StatusBadRequest)
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	from := h.clock.Now().UTC().Add(-window)
	u, err := h.uptime.Uptime(r.Context(), target, from)
	if trace.IsNotFound(err) {
		http.Error(w, "no checks recorded", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("target", target).Warn("Uptime query failed.")
		http.Error(w, "uptime query failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, uptimeResponse{
		Uptime:      *u,
		Window:      window.String(),
		From:        from.Format(time.RFC3339),
		GeneratedAt: h.clock.Now().UTC().Format(time.RFC3339),
	})
}

// GetUptimeAll returns uptime stats for every target with recorded checks.
func (h *Handler) GetUptimeAll(w http.ResponseWriter, r *http.Request) {
	if h.uptime == nil {
		http.Error(w, "history not enabled", http.StatusServiceUnavailable)
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	from := h.clock.Now().UTC().Add(-window)
	all, err := h.uptime.UptimeAll(r.Context(), from)
	if err != nil {
		h.log.WithError(err).Warn("Uptime query failed.")
		http.Error(w, "uptime query failed", http.StatusInternalServerError)
		return
	}

	out := make([]uptimeResponse, 0, len(all))
	for _, u := range all {
		out = append(out, uptimeResponse{
			Uptime:      u,
			Window:      window.String(),
			From:        from.Format(time.RFC3339),
			GeneratedAt: h.clock.Now().UTC().Format(time.RFC3339),
		})
	}
	h.writeJSON(w, out)
}

type uptimeResponse struct {
	store.Uptime
	Window      string `json:"window"`
	From        string `json:"from"`
	GeneratedAt string `json:"generated_at"`
}

func parseWindow(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("window"))
	if raw == "" {
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, trace.BadParameter("invalid window duration")
	}
	return d, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Warn("Failed to encode response.")
	}
}
