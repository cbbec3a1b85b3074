package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/dreamware/aggregator/internal/buffer"
	"github.com/dreamware/aggregator/internal/domain"
	"github.com/dreamware/aggregator/internal/metrics"
)

// DefaultPollInterval is how often a waiting caller reports its progress.
const DefaultPollInterval = 500 * time.Millisecond

// Dispatcher runs eager dispatches for the given kinds and returns once the
// batches it started are resolved.
type Dispatcher interface {
	Eager(kinds ...domain.Kind) int
}

// Config configures a Coordinator.
type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Dispatcher Dispatcher

	Pricing   *buffer.Buffer[float64]
	Tracking  *buffer.Buffer[domain.TrackingStatus]
	Shipments *buffer.Buffer[[]string]

	PollInterval time.Duration

	// MaxWait bounds Poll. Zero waits until every key resolves.
	MaxWait time.Duration
}

// Validate fills defaults and checks required fields.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if c.Pricing == nil || c.Tracking == nil || c.Shipments == nil {
		return errors.New("pricing, tracking and shipments buffers are required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must be greater than 0, got %s", c.PollInterval)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("max wait must not be negative, got %s", c.MaxWait)
	}
	return nil
}

// Coordinator is the enqueue/poll front of the engine. It spreads one
// request's ids over the three kind buffers and gathers the results back
// into a single response.
type Coordinator struct {
	log *slog.Logger
	cfg *Config
}

// New validates cfg and returns a coordinator.
func New(cfg *Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{log: cfg.Logger, cfg: cfg}, nil
}

// NewToken mints a correlation token for one inbound request. Tokens are
// ULIDs: 26 characters, unique and sortable by creation time.
func NewToken() string {
	return ulid.Make().String()
}

// Aggregate serves one request end to end: it mints a token, enqueues the
// ids and waits for the response. Repeated ids are queued once and answered
// once.
//
// Parameters:
//   - ctx: cancels the wait; keys already queued are abandoned
//   - req: the ids per kind
//
// Returns:
//   - domain.Response: every distinct requested id as a key, nil where no
//     data was available
//   - error: only if ctx ended first
//
// Example:
//
//	resp, err := c.Aggregate(ctx, domain.Request{Pricing: []string{"NL", "CN"}})
//	if err != nil {
//	    return err
//	}
//	price := resp.Pricing["NL"] // nil when the downstream had no price
func (c *Coordinator) Aggregate(ctx context.Context, req domain.Request) (domain.Response, error) {
	req = req.Unique()
	token := NewToken()
	c.log.Info("aggregator: request received, enqueuing",
		"token", token, "pricing", req.Pricing, "track", req.Tracking, "shipments", req.Shipments)

	if err := c.Enqueue(ctx, token, req); err != nil {
		metrics.Requests.WithLabelValues(metrics.ResultError).Inc()
		return domain.Response{}, err
	}
	resp, err := c.Poll(ctx, token, req)
	if err != nil {
		metrics.Requests.WithLabelValues(metrics.ResultError).Inc()
		return domain.Response{}, err
	}
	metrics.Requests.WithLabelValues(metrics.ResultSuccess).Inc()
	return resp, nil
}

// Enqueue puts the request's distinct ids into the kind buffers under token,
// then runs the eager dispatch check for every kind and waits for the
// batches it started. Enqueue blocks while a buffer is full.
//
// Parameters:
//   - ctx: bounds the wait for buffer space
//   - token: the request's correlation token, see NewToken
//   - req: the ids per kind; repeats are queued once
//
// Returns:
//   - error: only if ctx ended while blocked on a full buffer. The keys
//     already queued are abandoned so their results are discarded on arrival.
func (c *Coordinator) Enqueue(ctx context.Context, token string, req domain.Request) error {
	req = req.Unique()
	var queued []func()

	abandon := func() {
		for _, a := range queued {
			a()
		}
	}

	keys, err := c.cfg.Pricing.Put(ctx, token, req.Pricing)
	queued = append(queued, abandonFunc(c.cfg.Pricing, keys))
	if err != nil {
		abandon()
		return fmt.Errorf("enqueue %s: %w", domain.KindPricing, err)
	}
	keys, err = c.cfg.Tracking.Put(ctx, token, req.Tracking)
	queued = append(queued, abandonFunc(c.cfg.Tracking, keys))
	if err != nil {
		abandon()
		return fmt.Errorf("enqueue %s: %w", domain.KindTracking, err)
	}
	keys, err = c.cfg.Shipments.Put(ctx, token, req.Shipments)
	queued = append(queued, abandonFunc(c.cfg.Shipments, keys))
	if err != nil {
		abandon()
		return fmt.Errorf("enqueue %s: %w", domain.KindShipments, err)
	}

	if n := c.cfg.Dispatcher.Eager(); n > 0 {
		c.log.Debug("aggregator: eager dispatch completed", "token", token, "batches", n)
	}
	return nil
}

// Poll waits until every id of req has a result under token, then consumes
// the results and assembles the response. Ids without data are nil.
//
// With MaxWait set, Poll stops waiting once it expires and answers with nil
// for the ids still outstanding. If ctx ends first, the keys are abandoned
// and ctx's error is returned.
//
// Parameters:
//   - ctx: cancels the wait
//   - token: the token the ids were enqueued under
//   - req: the same request passed to Enqueue; repeats are answered once
//
// Returns:
//   - domain.Response: one entry per distinct id
//   - error: ctx's error if it ended before the results arrived
func (c *Coordinator) Poll(ctx context.Context, token string, req domain.Request) (domain.Response, error) {
	req = req.Unique()
	startedAt := c.cfg.Clock.Now()

	var waits []<-chan struct{}
	waits = appendDone(waits, c.cfg.Pricing, token, req.Pricing)
	waits = appendDone(waits, c.cfg.Tracking, token, req.Tracking)
	waits = appendDone(waits, c.cfg.Shipments, token, req.Shipments)

	if err := c.wait(ctx, token, waits); err != nil {
		abandonAll(c.cfg.Pricing, token, req.Pricing)
		abandonAll(c.cfg.Tracking, token, req.Tracking)
		abandonAll(c.cfg.Shipments, token, req.Shipments)
		return domain.Response{}, err
	}

	resp := domain.NewResponse()
	missing := 0
	for _, id := range req.Pricing {
		v, ok := consume(c.cfg.Pricing, buffer.Key{Token: token, ItemID: id})
		resp.Pricing[id] = v
		missing += boolToInt(!ok)
	}
	for _, id := range req.Tracking {
		v, ok := consume(c.cfg.Tracking, buffer.Key{Token: token, ItemID: id})
		resp.Tracking[id] = v
		missing += boolToInt(!ok)
	}
	for _, id := range req.Shipments {
		v, ok := consume(c.cfg.Shipments, buffer.Key{Token: token, ItemID: id})
		if v != nil {
			resp.Shipments[id] = *v
		} else {
			resp.Shipments[id] = nil
		}
		missing += boolToInt(!ok)
	}

	waited := c.cfg.Clock.Since(startedAt)
	metrics.PollWait.Observe(waited.Seconds())
	if missing > 0 {
		c.log.Warn("aggregator: max wait expired, answering with partial results",
			"token", token, "unresolved", missing, "waited", waited)
	}
	c.log.Debug("aggregator: request resolved", "token", token, "waited", waited)
	return resp, nil
}

// wait blocks until every channel in waits is closed, MaxWait expires or ctx
// ends. Only the last returns an error.
func (c *Coordinator) wait(ctx context.Context, token string, waits []<-chan struct{}) error {
	if len(waits) == 0 {
		return nil
	}

	var expired <-chan time.Time
	if c.cfg.MaxWait > 0 {
		timer := c.cfg.Clock.NewTimer(c.cfg.MaxWait)
		defer timer.Stop()
		expired = timer.Chan()
	}
	ticker := c.cfg.Clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for i := 0; i < len(waits); {
		select {
		case <-waits[i]:
			i++
		case <-ticker.Chan():
			c.log.Debug("aggregator: waiting for results", "token", token, "outstanding", len(waits)-i)
		case <-expired:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func appendDone[V any](waits []<-chan struct{}, b *buffer.Buffer[V], token string, ids []string) []<-chan struct{} {
	for _, id := range ids {
		waits = append(waits, b.Done(buffer.Key{Token: token, ItemID: id}))
	}
	return waits
}

// consume removes key's result. The bool is false if key was unresolved, in
// which case it is abandoned.
func consume[V any](b *buffer.Buffer[V], key buffer.Key) (*V, bool) {
	res, ok := b.RemoveResponse(key)
	if !ok {
		b.Abandon(key)
		return nil, false
	}
	return res.Ptr(), true
}

func abandonFunc[V any](b *buffer.Buffer[V], keys []buffer.Key) func() {
	return func() {
		for _, k := range keys {
			b.Abandon(k)
		}
	}
}

func abandonAll[V any](b *buffer.Buffer[V], token string, ids []string) {
	for _, id := range ids {
		b.Abandon(buffer.Key{Token: token, ItemID: id})
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
