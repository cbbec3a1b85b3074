package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/dreamware/aggregator/internal/buffer"
	"github.com/dreamware/aggregator/internal/domain"
	"github.com/dreamware/aggregator/internal/metrics"
)

const (
	// DefaultFlushInterval is how often idle buffers are inspected.
	DefaultFlushInterval = 500 * time.Millisecond

	// DefaultWorkers bounds the number of concurrent downstream calls of a
	// single kind.
	DefaultWorkers = 16
)

// Flusher is one kind's lane as seen by the scheduler. Lane[V] implements it
// for every value type.
type Flusher interface {
	// Kind names the lane. The scheduler keys its lanes and pools by it.
	Kind() domain.Kind

	// TakeReady drains one full batch, or nothing.
	TakeReady() []buffer.Key

	// TakeIdle drains a partial batch once the lane has gone idle.
	TakeIdle() []buffer.Key

	// TakePending drains a partial batch regardless of idleness.
	TakePending() []buffer.Key

	// Dispatch resolves every key in keys. It must not fail.
	Dispatch(ctx context.Context, keys []buffer.Key, trigger string)

	// Stats reports the lane's queue depth and stored results.
	Stats() buffer.Stats
}

// Config configures a Scheduler.
type Config struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	FlushInterval time.Duration

	// Workers bounds the concurrent downstream calls of each kind. Every
	// kind gets its own pool of this size.
	Workers int
}

// Validate fills defaults and checks required fields.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush interval must be greater than 0, got %s", c.FlushInterval)
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be greater than 0, got %d", c.Workers)
	}
	return nil
}

// Scheduler decides when each kind's buffer is drained and runs the
// resulting downstream calls on that kind's worker pool.
//
// Two triggers feed it. Eager runs right after callers enqueue and drains
// full batches; the ticker started by Start drains stale partial batches.
// Both drain before they call downstream, so a key is dispatched once no
// matter which trigger gets to it. Each kind has its own pool, so a kind
// whose downstream is slow only ever queues behind itself.
type Scheduler struct {
	log   *slog.Logger
	cfg   *Config
	lanes map[domain.Kind]Flusher
	pools map[domain.Kind]pond.Pool
	order []domain.Kind

	// ctx scopes every dispatch. Dispatches outlive the request that
	// triggered them since a batch can hold other callers' keys.
	ctx    context.Context
	cancel context.CancelFunc

	// poolMu orders submissions and Start against Stop. Holders share it;
	// once stopped is set, dispatches run on the caller's goroutine.
	poolMu  sync.RWMutex
	stopped bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler over lanes, each with a pool of cfg.Workers.
//
// Parameters:
//   - cfg: scheduler settings; Validate fills its defaults
//   - lanes: at most one lane per kind
//
// Returns:
//   - *Scheduler: ready for Eager and Tick; call Start to run the ticker
//   - error: if cfg is invalid or two lanes share a kind
//
// Example:
//
//	s, err := dispatch.New(&dispatch.Config{Logger: log}, pricing, tracking)
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
func New(cfg *Config, lanes ...Flusher) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	byKind := make(map[domain.Kind]Flusher, len(lanes))
	order := make([]domain.Kind, 0, len(lanes))
	for _, l := range lanes {
		if _, dup := byKind[l.Kind()]; dup {
			return nil, fmt.Errorf("duplicate lane for kind %q", l.Kind())
		}
		byKind[l.Kind()] = l
		order = append(order, l.Kind())
	}

	pools := make(map[domain.Kind]pond.Pool, len(order))
	for _, kind := range order {
		pools[kind] = pond.NewPool(cfg.Workers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:    cfg.Logger,
		cfg:    cfg,
		lanes:  byKind,
		pools:  pools,
		order:  order,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}, nil
}

// Eager drains every full batch queued for the given kinds and waits until
// all of them are resolved. Batches are dispatched concurrently on their
// kind's pool; a lane keeps draining while it still holds a full batch.
//
// Parameters:
//   - kinds: the lanes to check; all lanes when none are named
//
// Returns:
//   - int: the number of batches dispatched
//
// Example:
//
//	if n := s.Eager(domain.KindPricing); n > 0 {
//	    log.Debug("eager dispatch", "batches", n)
//	}
func (s *Scheduler) Eager(kinds ...domain.Kind) int {
	batches, _ := s.drain(kinds, Flusher.TakeReady, metrics.TriggerEager)
	return batches
}

// Flush drains every key still queued in the given kinds, idle or not, and
// waits until all of them are resolved. It is meant for shutdown, so callers
// blocked in Poll get their answers before the ticker stops.
//
// Parameters:
//   - kinds: the lanes to flush; all lanes when none are named
//
// Returns:
//   - int: the number of keys drained
//
// Example:
//
//	<-ctx.Done()
//	s.Flush()
//	_ = httpSrv.Shutdown(shutdownCtx)
//	s.Stop()
func (s *Scheduler) Flush(kinds ...domain.Kind) int {
	_, drained := s.drain(kinds, Flusher.TakePending, metrics.TriggerFlush)
	if drained > 0 {
		s.log.Info("dispatch: flushed pending keys", "keys", drained)
	}
	return drained
}

// drain empties each named lane with take, dispatching every batch on the
// lane's own pool, and waits for all batches. Once the scheduler is stopped
// batches run on the calling goroutine instead, so keys drained during
// shutdown still resolve.
func (s *Scheduler) drain(kinds []domain.Kind, take func(Flusher) []buffer.Key, trigger string) (batches, drained int) {
	if len(kinds) == 0 {
		kinds = s.order
	}

	s.poolMu.RLock()
	defer s.poolMu.RUnlock()

	var groups []pond.TaskGroup
	for _, kind := range kinds {
		lane, ok := s.lanes[kind]
		if !ok {
			continue
		}
		var group pond.TaskGroup
		for keys := take(lane); len(keys) > 0; keys = take(lane) {
			batches++
			drained += len(keys)
			if s.stopped {
				lane.Dispatch(s.ctx, keys, trigger)
				continue
			}
			if group == nil {
				group = s.pools[kind].NewGroup()
				groups = append(groups, group)
			}
			group.Submit(func() {
				lane.Dispatch(s.ctx, keys, trigger)
			})
		}
	}
	for _, group := range groups {
		// Wait only reports a dispatch that panicked.
		if err := group.Wait(); err != nil {
			s.log.Error("dispatch: batch group failed", "trigger", trigger, "error", err)
		}
	}
	return batches, drained
}

// Tick runs one idle-flush pass. Stale partial batches are submitted to
// their kind's pool and Tick returns without waiting for them, so a slow
// downstream for one kind does not hold back the next tick.
//
// Returns:
//   - int: the number of keys drained
func (s *Scheduler) Tick() int {
	s.poolMu.RLock()
	defer s.poolMu.RUnlock()

	drained := 0
	for _, kind := range s.order {
		lane := s.lanes[kind]
		stats := lane.Stats()
		metrics.QueueDepth.WithLabelValues(kind.String()).Set(float64(stats.Queued))
		metrics.StoredResults.WithLabelValues(kind.String()).Set(float64(stats.Results))

		keys := lane.TakeIdle()
		if len(keys) == 0 {
			continue
		}
		drained += len(keys)
		s.log.Debug("dispatch: flushing idle buffer", "kind", kind.String(), "keys", len(keys))
		if s.stopped {
			lane.Dispatch(s.ctx, keys, metrics.TriggerIdle)
			continue
		}
		s.pools[kind].Submit(func() {
			lane.Dispatch(s.ctx, keys, metrics.TriggerIdle)
		})
	}
	return drained
}

// Start runs the idle-flush ticker in the current goroutine until ctx is
// done or Stop is called. Calling Start on a stopped scheduler returns at
// once.
//
// Parameters:
//   - ctx: ends the ticker loop; in-flight dispatches are not cancelled
//
// Example:
//
//	go scheduler.Start(ctx)
//	defer scheduler.Stop()
func (s *Scheduler) Start(ctx context.Context) {
	s.poolMu.RLock()
	select {
	case <-s.stop:
		s.poolMu.RUnlock()
		return
	default:
	}
	s.wg.Add(1)
	s.poolMu.RUnlock()
	defer s.wg.Done()

	ticker := s.cfg.Clock.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	s.log.Info("dispatch: scheduler started",
		"flushInterval", s.cfg.FlushInterval, "workersPerKind", s.cfg.Workers, "kinds", len(s.order))

	for {
		select {
		case <-ticker.Chan():
			s.Tick()
		case <-ctx.Done():
			s.log.Info("dispatch: scheduler stopping", "reason", ctx.Err())
			return
		case <-s.stop:
			s.log.Info("dispatch: scheduler stopping")
			return
		}
	}
}

// Stop ends the ticker loop, then waits for in-flight dispatches to resolve
// their keys before releasing the pools. Eager and Flush calls made after
// Stop dispatch inline. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.poolMu.Lock()
		close(s.stop)
		s.poolMu.Unlock()
		s.wg.Wait()

		s.poolMu.Lock()
		s.stopped = true
		s.poolMu.Unlock()

		for _, kind := range s.order {
			s.pools[kind].StopAndWait()
		}
		s.cancel()
		s.log.Info("dispatch: scheduler stopped")
	})
}
