// Package server assembles the bridge's two HTTP listeners: the loopback
// control-channel endpoint (wsserver) and the optional Prometheus scrape
// endpoint, following the predecessor's split between its public server and
// its internal "do not expose to the internet" metrics server.
package server

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m0rjc/research-bridge/internal/config"
	"github.com/m0rjc/research-bridge/internal/metrics"
	"github.com/m0rjc/research-bridge/internal/wsserver"
)

// NewControlServer builds the http.Server serving the single WebSocket
// control channel at /ws (§5, §6).
func NewControlServer(cfg *config.ServerConfig, ws *wsserver.Server) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.Handler())
	mux.HandleFunc("/healthz", healthHandler)

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}
}

// NewMetricsServer builds the http.Server exposing /metrics for Prometheus
// scraping. Like the control channel, it is bound to loopback by default
// (§4.8) and should not be exposed beyond the local host.
func NewMetricsServer(cfg *config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthHandler)

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
}
