package backend

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dreamware/aggregator/internal/domain"
)

const (
	minPrice = 1.0
	maxPrice = 100.0

	// One id in unknownEvery has no data and answers null.
	unknownEvery = 10

	maxParcels = 3
)

var products = []string{"envelope", "box", "pallet"}

// StubConfig configures a Stub.
type StubConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Latency delays every answer.
	Latency time.Duration

	// FailureRate is the fraction of calls answered 503, between 0 and 1.
	FailureRate float64
}

// Validate fills defaults and checks required fields.
func (c *StubConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Latency < 0 {
		return errors.New("latency must not be negative")
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return errors.New("failure rate must be between 0 and 1")
	}
	return nil
}

// Stub is a stand-in for the downstream service. It answers every id with
// data derived from the id alone, so repeated lookups agree.
type Stub struct {
	log *slog.Logger
	cfg *StubConfig

	calls map[domain.Kind]*atomic.Int64
}

// NewStub validates cfg and returns a stub service.
func NewStub(cfg *StubConfig) (*Stub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	calls := make(map[domain.Kind]*atomic.Int64, len(domain.Kinds))
	for _, k := range domain.Kinds {
		calls[k] = &atomic.Int64{}
	}
	return &Stub{log: cfg.Logger, cfg: cfg, calls: calls}, nil
}

// Handler serves the lookup endpoints and /health.
func (s *Stub) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, kind := range domain.Kinds {
		mux.HandleFunc("/"+kind.String(), s.serve(kind))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Calls reports how many lookups of kind the stub has received.
func (s *Stub) Calls(kind domain.Kind) int64 {
	if c, ok := s.calls[kind]; ok {
		return c.Load()
	}
	return 0
}

// Value returns what the stub answers for id. The bool is false for ids the
// stub has no data for.
func (s *Stub) Value(kind domain.Kind, id string) (any, bool) {
	h := fnv.New64a()
	h.Write([]byte(kind.String()))
	h.Write([]byte{0})
	h.Write([]byte(id))
	seed := h.Sum64()
	if seed%unknownEvery == 0 {
		return nil, false
	}

	//nolint:gosec // G404: seeded generator for reproducible mock data
	r := rand.New(rand.NewPCG(seed, seed>>32))
	switch kind {
	case domain.KindPricing:
		price := minPrice + r.Float64()*(maxPrice-minPrice)
		return math.Round(price*100) / 100, true
	case domain.KindTracking:
		return domain.TrackingStatus(r.IntN(int(domain.StatusDelivered) + 1)), true
	case domain.KindShipments:
		parcels := make([]string, 1+r.IntN(maxParcels))
		for i := range parcels {
			parcels[i] = products[r.IntN(len(products))]
		}
		return parcels, true
	}
	return nil, false
}

func (s *Stub) serve(kind domain.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.calls[kind].Add(1)

		var ids []string
		for _, id := range strings.Split(r.URL.Query().Get("q"), ",") {
			if id != "" {
				ids = append(ids, id)
			}
		}

		if s.cfg.Latency > 0 {
			select {
			case <-s.cfg.Clock.After(s.cfg.Latency):
			case <-r.Context().Done():
				return
			}
		}

		//nolint:gosec // G404: failure injection does not need a secure source
		if s.cfg.FailureRate > 0 && rand.Float64() < s.cfg.FailureRate {
			s.log.Info("stub: injected failure", "kind", kind, "ids", len(ids))
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		out := make(map[string]any, len(ids))
		for _, id := range ids {
			v, _ := s.Value(kind, id)
			out[id] = v
		}

		s.log.Debug("stub: answered lookup", "kind", kind, "ids", ids)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			s.log.Error("stub: failed to encode response", "error", err)
		}
	}
}
