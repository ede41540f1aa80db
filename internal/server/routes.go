package server

import (
	"net/http"

	"github.com/Tyrowin/presencehub/internal/metrics"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes served by h.
func SetupRoutes(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", h.WebSocketHandler)
	mux.HandleFunc("/test", TestPageHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
