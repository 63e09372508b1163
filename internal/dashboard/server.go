// Package dashboard exposes the engine's read-only reporting surface over
// HTTP for an external dashboard collaborator.
package dashboard

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/promptlane/promptlane-go/internal/observability"
)

// SnapshotFunc serializes the current performance snapshot.
type SnapshotFunc func() ([]byte, error)

// SummaryFunc returns the aggregated component summary.
type SummaryFunc func() any

// NewRouter builds the read-only HTTP surface: health, Prometheus metrics,
// and JSON snapshot/summary exports. No endpoint mutates engine state.
func NewRouter(logger *zap.Logger, registry *prometheus.Registry, snapshot SnapshotFunc, summary SummaryFunc) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/snapshot", snapshotHandler(snapshot, logger))
		r.Get("/summary", summaryHandler(summary))
	})

	return r
}

func snapshotHandler(snapshot SnapshotFunc, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body, err := snapshot()
		if err != nil {
			logger.Error("snapshot serialization failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot failed"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

func summaryHandler(summary SummaryFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, summary())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
