// Package debughttp exposes a minimal introspection surface over a
// RateLimiterFacade. It is explicitly out of the admission scheduler's
// core: every handler here calls a Facade getter and encodes the result,
// no scheduling decision is made in this package.
package debughttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ratelimiter/internal/limiter"
	"ratelimiter/internal/telemetry"
)

// Server serves debug and metrics endpoints over a RateLimiterFacade.
type Server struct {
	facade  *limiter.RateLimiterFacade
	metrics *telemetry.Metrics
	mux     *http.ServeMux
}

// NewServer builds a Server. metrics may be nil, in which case /metrics
// responds 404.
func NewServer(facade *limiter.RateLimiterFacade, metrics *telemetry.Metrics) *Server {
	s := &Server{facade: facade, metrics: metrics, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /allocation", s.handleAllocation)
	s.mux.HandleFunc("GET /active", s.handleActive)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		s.mux.Handle("/metrics", telemetry.Handler())
	}
}

// Handler returns the underlying http.Handler for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the server at addr until ctx is canceled, then shuts it
// down gracefully. Grounded on the teacher's http.Server + ctx-triggered
// Shutdown pattern.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.facade.GetStats())
}

func (s *Server) handleAllocation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.facade.GetAllocation())
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.facade.GetActiveJobs())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.facade.GetHistory())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
