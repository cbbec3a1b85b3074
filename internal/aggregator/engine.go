package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dreamware/aggregator/internal/buffer"
	"github.com/dreamware/aggregator/internal/dispatch"
	"github.com/dreamware/aggregator/internal/domain"
)

// Backend is the downstream batch-lookup service, one operation per kind.
// backend.Client implements it.
type Backend interface {
	Pricing(ctx context.Context, ids []string) (map[string]*float64, error)
	Tracking(ctx context.Context, ids []string) (map[string]*domain.TrackingStatus, error)
	Shipments(ctx context.Context, ids []string) (map[string]*[]string, error)
}

// EngineConfig collects every tunable of the engine. Zero values take the
// package defaults.
type EngineConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Backend Backend

	QueueCapacity     int
	BatchSize         int
	FlushInterval     time.Duration
	IdleThreshold     time.Duration
	PollInterval      time.Duration
	DownstreamTimeout time.Duration
	MaxWait           time.Duration

	// Workers bounds concurrent downstream calls per kind.
	Workers int
}

// Validate fills defaults and checks required fields. Bounds on individual
// values are checked by the components they configure.
func (c *EngineConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Backend == nil {
		return errors.New("backend is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = buffer.DefaultCapacity
	}
	if c.BatchSize == 0 {
		c.BatchSize = dispatch.DefaultBatchSize
	}
	if c.BatchSize > c.QueueCapacity {
		return fmt.Errorf("batch size %d exceeds queue capacity %d", c.BatchSize, c.QueueCapacity)
	}
	return nil
}

// Engine is the assembled batching engine: one buffer and lane per kind, the
// scheduler driving them, and the coordinator in front. It is the single
// place these are created.
type Engine struct {
	*Coordinator
	Scheduler *dispatch.Scheduler
}

// NewEngine wires the engine from cfg. Call Start to run idle flushing.
//
// Parameters:
//   - cfg: Logger and Backend are required; zero values take the defaults
//
// Returns:
//   - *Engine: ready to Aggregate; eager batches dispatch without Start
//   - error: if any component rejects its part of cfg
//
// Example:
//
//	engine, err := aggregator.NewEngine(&aggregator.EngineConfig{
//	    Logger:    log,
//	    Backend:   client,
//	    BatchSize: 5,
//	})
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pricingBuf, err := buffer.New[float64](cfg.QueueCapacity, cfg.Clock)
	if err != nil {
		return nil, err
	}
	trackingBuf, err := buffer.New[domain.TrackingStatus](cfg.QueueCapacity, cfg.Clock)
	if err != nil {
		return nil, err
	}
	shipmentsBuf, err := buffer.New[[]string](cfg.QueueCapacity, cfg.Clock)
	if err != nil {
		return nil, err
	}

	pricing, err := newLane(cfg, domain.KindPricing, pricingBuf, cfg.Backend.Pricing)
	if err != nil {
		return nil, err
	}
	tracking, err := newLane(cfg, domain.KindTracking, trackingBuf, cfg.Backend.Tracking)
	if err != nil {
		return nil, err
	}
	shipments, err := newLane(cfg, domain.KindShipments, shipmentsBuf, cfg.Backend.Shipments)
	if err != nil {
		return nil, err
	}

	scheduler, err := dispatch.New(&dispatch.Config{
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		FlushInterval: cfg.FlushInterval,
		Workers:       cfg.Workers,
	}, pricing, tracking, shipments)
	if err != nil {
		return nil, err
	}

	coordinator, err := New(&Config{
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		Dispatcher:   scheduler,
		Pricing:      pricingBuf,
		Tracking:     trackingBuf,
		Shipments:    shipmentsBuf,
		PollInterval: cfg.PollInterval,
		MaxWait:      cfg.MaxWait,
	})
	if err != nil {
		scheduler.Stop()
		return nil, err
	}

	return &Engine{Coordinator: coordinator, Scheduler: scheduler}, nil
}

func newLane[V any](cfg *EngineConfig, kind domain.Kind, b *buffer.Buffer[V], lookup dispatch.LookupFunc[V]) (*dispatch.Lane[V], error) {
	return dispatch.NewLane(&dispatch.LaneConfig[V]{
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		Kind:          kind,
		Buffer:        b,
		Lookup:        lookup,
		BatchSize:     cfg.BatchSize,
		IdleThreshold: cfg.IdleThreshold,
		Timeout:       cfg.DownstreamTimeout,
	})
}

// Start runs idle flushing until ctx is done or Stop is called.
//
// During shutdown keep ctx alive until the HTTP server has drained, so
// requests still waiting in Poll see their partial batches flushed:
//
//	go engine.Start(engineCtx)
//	<-signalCtx.Done()
//	engine.Flush()
//	_ = httpSrv.Shutdown(shutdownCtx)
//	engine.Stop()
func (e *Engine) Start(ctx context.Context) {
	e.Scheduler.Start(ctx)
}

// Flush dispatches every queued key of every kind without waiting for the
// idle threshold and returns once they are resolved.
//
// Returns:
//   - int: the number of keys flushed
func (e *Engine) Flush() int {
	return e.Scheduler.Flush()
}

// Stop halts idle flushing and waits for in-flight dispatches.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
}
