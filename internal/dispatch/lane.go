package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"

	"github.com/dreamware/aggregator/internal/backend"
	"github.com/dreamware/aggregator/internal/buffer"
	"github.com/dreamware/aggregator/internal/domain"
	"github.com/dreamware/aggregator/internal/metrics"
)

const (
	// DefaultBatchSize is the queue length that triggers an eager dispatch,
	// and the most keys a single dispatch drains.
	DefaultBatchSize = 5

	// DefaultIdleThreshold is how long a partial batch may sit untouched
	// before it is flushed anyway.
	DefaultIdleThreshold = 5 * time.Second
)

// LookupFunc performs one downstream batch lookup. Ids it has no data for may
// be missing from the map or mapped to nil.
type LookupFunc[V any] func(ctx context.Context, ids []string) (map[string]*V, error)

// LaneConfig configures a Lane.
type LaneConfig[V any] struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Kind          domain.Kind
	Buffer        *buffer.Buffer[V]
	Lookup        LookupFunc[V]
	BatchSize     int
	IdleThreshold time.Duration
	Timeout       time.Duration
}

// Validate fills defaults and checks required fields.
func (c *LaneConfig[V]) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Kind == "" {
		return errors.New("kind is required")
	}
	if c.Buffer == nil {
		return errors.New("buffer is required")
	}
	if c.Lookup == nil {
		return errors.New("lookup is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must be greater than 0, got %d", c.BatchSize)
	}
	if c.IdleThreshold == 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.IdleThreshold < 0 {
		return fmt.Errorf("idle threshold must not be negative, got %s", c.IdleThreshold)
	}
	if c.Timeout <= 0 {
		c.Timeout = backend.DefaultTimeout
	}
	return nil
}

// Lane binds one kind's buffer to its downstream lookup and decides when the
// buffer is ready to be drained.
type Lane[V any] struct {
	log *slog.Logger
	cfg *LaneConfig[V]
}

// NewLane validates cfg and returns a lane.
func NewLane[V any](cfg *LaneConfig[V]) (*Lane[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s lane: %w", cfg.Kind, err)
	}
	return &Lane[V]{
		log: cfg.Logger.With("kind", cfg.Kind.String()),
		cfg: cfg,
	}, nil
}

// Kind returns the kind of id this lane looks up.
func (l *Lane[V]) Kind() domain.Kind {
	return l.cfg.Kind
}

// Buffer returns the lane's buffer.
func (l *Lane[V]) Buffer() *buffer.Buffer[V] {
	return l.cfg.Buffer
}

// Stats returns the queue length and stored result count of the lane's
// buffer.
func (l *Lane[V]) Stats() buffer.Stats {
	return l.cfg.Buffer.Stats()
}

// TakeReady drains a full batch if the queue holds at least BatchSize keys.
// It returns nil otherwise.
func (l *Lane[V]) TakeReady() []buffer.Key {
	return l.cfg.Buffer.TakeBatch(l.cfg.BatchSize)
}

// TakeIdle drains up to BatchSize keys if the queue is non-empty and has not
// been added to for longer than IdleThreshold. It returns nil otherwise.
func (l *Lane[V]) TakeIdle() []buffer.Key {
	b := l.cfg.Buffer
	if b.Size() == 0 || b.SinceLastUpdate() <= l.cfg.IdleThreshold {
		return nil
	}
	return b.Take(l.cfg.BatchSize)
}

// TakePending drains up to BatchSize keys whatever their age. It returns no
// keys once the queue is empty.
func (l *Lane[V]) TakePending() []buffer.Key {
	return l.cfg.Buffer.Take(l.cfg.BatchSize)
}

// Dispatch looks up keys downstream and resolves every one of them. It never
// fails: a lookup error resolves the whole batch as absent.
func (l *Lane[V]) Dispatch(ctx context.Context, keys []buffer.Key, trigger string) {
	if len(keys) == 0 {
		return
	}
	kind := l.cfg.Kind.String()
	ids := itemIDs(keys)

	metrics.BatchSize.WithLabelValues(kind).Observe(float64(len(keys)))
	metrics.DispatchesInflight.WithLabelValues(kind).Inc()
	defer metrics.DispatchesInflight.WithLabelValues(kind).Dec()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	startedAt := l.cfg.Clock.Now()
	values, err := l.cfg.Lookup(ctx, ids)
	metrics.DispatchDuration.WithLabelValues(kind).Observe(l.cfg.Clock.Since(startedAt).Seconds())

	if err != nil {
		metrics.Dispatches.WithLabelValues(kind, trigger, metrics.ResultError).Inc()
		l.log.Error("dispatch: batch failed", "trigger", trigger, "ids", ids, "error", err)
		values = nil
	} else {
		metrics.Dispatches.WithLabelValues(kind, trigger, metrics.ResultSuccess).Inc()
		l.log.Debug("dispatch: batch resolved", "trigger", trigger, "ids", ids, "found", countPresent(values))
	}

	absent := 0
	for _, k := range keys {
		if v, ok := values[k.ItemID]; !ok || v == nil {
			absent++
		}
	}
	metrics.AbsentResults.WithLabelValues(kind).Add(float64(absent))

	l.cfg.Buffer.StoreResponses(keys, values)
}

// itemIDs strips tokens and collapses duplicate ids, returning them sorted.
func itemIDs(keys []buffer.Key) []string {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ItemID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func countPresent[V any](values map[string]*V) int {
	n := 0
	for _, v := range values {
		if v != nil {
			n++
		}
	}
	return n
}
