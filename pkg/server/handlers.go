package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/api"
	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/httpx"
	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/server/monitor"
	"github.com/nicktill/tinysync/pkg/storage"
)

// Version is reported by /health
const Version = "1.0.0"

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Sweep   monitor.SweepStatus `json:"sweep"`
}

// StatsResponse is the /stats body.
type StatsResponse struct {
	Hot         *storage.Stats    `json:"hot"`
	Disk        monitor.DiskUsage `json:"disk"`
	Connections int               `json:"connections"`
}

// handleHealth returns service health status.
func handleHealth(sweepMonitor *monitor.SweepMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK

		if !sweepMonitor.IsHealthy() {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, statusCode, HealthResponse{
			Status:  overallStatus,
			Version: Version,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Sweep:   sweepMonitor.Status(),
		})
	}
}

// handleStats returns hot store statistics and disk usage.
func handleStats(store storage.Store, disk *monitor.DiskMonitor, hub *notify.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
		defer cancel()

		stats, err := store.Stats(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to read store stats")
			httpx.RespondErrorString(w, http.StatusInternalServerError, "failed to read stats")
			return
		}

		usage, err := disk.Usage()
		if err != nil {
			log.WithError(err).Warn("Failed to measure disk usage")
		}

		httpx.RespondJSON(w, http.StatusOK, StatsResponse{
			Hot:         stats,
			Disk:        usage,
			Connections: hub.Count(),
		})
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, c *Components) {
	router.Use(corsMiddleware(c.Config.Server.Port, c.Config.Server.AllowedOrigins))

	router.HandleFunc("/health", handleHealth(c.SweepMonitor)).Methods("GET", "OPTIONS")

	protected := router.PathPrefix("/").Subrouter()
	protected.Use(api.RequireAPIKey(c.Config.Server.APIKey))

	protected.HandleFunc("/sync", c.Handler.HandleSync).Methods("POST", "OPTIONS")
	protected.HandleFunc("/sync", c.Handler.HandleClients).Methods("GET")
	protected.HandleFunc("/data", c.Handler.HandleData).Methods("GET", "OPTIONS")
	protected.HandleFunc("/export", c.Backup.HandleExport).Methods("GET", "OPTIONS")
	protected.HandleFunc("/import", c.Backup.HandleImport).Methods("POST", "OPTIONS")
	protected.HandleFunc("/stats", handleStats(c.Store, c.Disk, c.Hub)).Methods("GET", "OPTIONS")
	protected.Handle("/metrics", promhttp.HandlerFor(c.Metrics, promhttp.HandlerOpts{})).Methods("GET")
	protected.HandleFunc("/ws", c.Hub.HandleWebSocket).Methods("GET")
}

// corsMiddleware allows localhost development origins plus the configured
// list ("*" allows any origin). Preflight requests end here.
func corsMiddleware(port string, extra []string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}
	for _, o := range extra {
		allowedOrigins[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && (allowedOrigins[origin] || allowedOrigins["*"]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.APIKeyHeader+", "+notify.ClientIDHeader)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
