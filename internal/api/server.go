// Package api is the inbound HTTP surface of the aggregator.
//
//	GET /aggregation?pricing=NL,CN&track=109347263&shipments=109347263
//	GET /health
//	GET /health/downstream
//
// Each parameter takes a comma separated list and may repeat. Missing
// parameters are empty lists.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/aggregator/internal/domain"
	"github.com/dreamware/aggregator/internal/health"
)

// Aggregator is the part of the engine the HTTP layer needs.
type Aggregator interface {
	Aggregate(ctx context.Context, req domain.Request) (domain.Response, error)
}

// DownstreamHealth reports the health of the downstream service.
type DownstreamHealth interface {
	Status() health.Status
}

// Server holds the HTTP handlers.
type Server struct {
	log        *slog.Logger
	svc        Aggregator
	downstream DownstreamHealth
}

// NewServer returns handlers that answer /aggregation through svc.
//
// Parameters:
//   - log: request and error logging
//   - svc: the engine, or any Aggregator
//
// Example:
//
//	srv := api.NewServer(log, engine)
//	srv.SetDownstreamHealth(monitor)
//	http.ListenAndServe(":8080", srv.Routes())
func NewServer(log *slog.Logger, svc Aggregator) *Server {
	return &Server{log: log, svc: svc}
}

// SetDownstreamHealth enables /health/downstream. Call it before Routes.
func (s *Server) SetDownstreamHealth(h DownstreamHealth) {
	s.downstream = h
}

// Routes returns a mux serving the aggregation and health endpoints. Callers
// may add more routes to it.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/aggregation", s.handleAggregation)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.downstream != nil {
		mux.HandleFunc("/health/downstream", s.handleDownstreamHealth)
	}
	return mux
}

// handleDownstreamHealth answers with the monitor's status, 503 while the
// downstream is unhealthy.
func (s *Server) handleDownstreamHealth(w http.ResponseWriter, r *http.Request) {
	st := s.downstream.Status()
	w.Header().Set("Content-Type", "application/json")
	if st.Status == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.log.Error("failed to encode health status", "error", err)
	}
}

// handleAggregation answers GET /aggregation?pricing=..&track=..&shipments=..
// It always responds 200 with best-effort data; lookups that failed or found
// nothing are null.
func (s *Server) handleAggregation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	req := domain.Request{
		Pricing:   parseIDs(q["pricing"]),
		Tracking:  parseIDs(q["track"]),
		Shipments: parseIDs(q["shipments"]),
	}

	resp, err := s.svc.Aggregate(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.log.Debug("aggregation abandoned by client", "error", err)
			return
		}
		s.log.Error("aggregation failed", "error", err)
		http.Error(w, "aggregation failed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to encode aggregation response", "error", err)
	}
}

// parseIDs flattens repeated and comma-separated query values into a sorted
// set of non-empty ids.
func parseIDs(values []string) []string {
	var ids []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
