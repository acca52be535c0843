// Package server provides HTTP server construction for the log viewer.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/augard/evmaps-sub001/internal/logviewer"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Hub     *logviewer.Hub
	Secret  func() string
	Logger  *slog.Logger
	Version string
}

// NewMux builds the HTTP mux with the health check and the log ingest
// and tail endpoints. The log endpoints are protected by Bearer token
// middleware checked against the shared secret.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Hub, cfg.Version))

	authMiddleware := Middleware(cfg.Secret, cfg.Logger)
	mux.Handle("/logs/ingest", authMiddleware(cfg.Hub.IngestHandler(cfg.Logger)))
	mux.Handle("/logs/tail", authMiddleware(cfg.Hub.TailHandler(cfg.Logger)))

	return mux
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Viewers int    `json:"viewers"`
}

func handleHealth(hub *logviewer.Hub, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:  "ok",
			Version: version,
			Viewers: hub.Subscribers(),
		})
	}
}
