// Package obsserver is the observability HTTP surface for the fleet:
// /healthz for the aggregated fleet snapshot and /metrics for Prometheus
// scraping. Grounded on etalazz-vsa's api.Server (ServeMux route
// registration, ListenAndServe with the same timeout shape), repurposed from
// business routes to read-only observability routes.
package obsserver

import (
	"encoding/json"
	"net/http"
	"time"

	"counterflow/internal/collector/health"
	"counterflow/internal/collector/model"
)

// HealthSource supplies the fleet snapshot served at /healthz.
type HealthSource interface {
	Snapshot() health.Snapshot
}

// Server serves the fleet's observability endpoints.
type Server struct {
	health  HealthSource
	metrics http.Handler
}

// NewServer constructs a Server. metricsHandler is typically metrics.Handler(reg).
func NewServer(h HealthSource, metricsHandler http.Handler) *Server {
	return &Server{health: h, metrics: metricsHandler}
}

// RegisterRoutes sets up the HTTP routes for the server on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.metrics)
}

type healthzResponse struct {
	Overall            string                          `json:"overall"`
	Online             int                             `json:"online"`
	Warning            int                             `json:"warning"`
	Error              int                             `json:"error"`
	Offline            int                             `json:"offline"`
	SinkStatus         string                          `json:"sink_status"`
	AggregateSuccessRate float64                       `json:"aggregate_success_rate"`
	UptimeSeconds      float64                          `json:"uptime_seconds"`
	Devices            map[string]deviceHealthResponse `json:"devices"`
}

type deviceHealthResponse struct {
	Status              string  `json:"status"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	SuccessRate         float64 `json:"success_rate"`
	LastError           string  `json:"last_error,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot()

	resp := healthzResponse{
		Overall:              snap.Overall.String(),
		Online:               snap.Online,
		Warning:              snap.Warning,
		Error:                snap.Error,
		Offline:              snap.Offline,
		SinkStatus:           snap.SinkStatus.String(),
		AggregateSuccessRate: snap.AggregateSuccessRate,
		UptimeSeconds:        snap.Uptime.Seconds(),
		Devices:              make(map[string]deviceHealthResponse, len(snap.Devices)),
	}
	for id, d := range snap.Devices {
		dr := deviceHealthResponse{
			Status:              d.Status.String(),
			ConsecutiveFailures: d.ConsecutiveFailures,
			SuccessRate:         d.SuccessRate(),
		}
		if d.LastError != nil {
			dr.LastError = d.LastError.Error()
		}
		resp.Devices[id] = dr
	}

	status := http.StatusOK
	if snap.Overall == model.FleetCritical {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return httpServer.ListenAndServe()
}
