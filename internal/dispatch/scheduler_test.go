package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/aggregator/internal/buffer"
	"github.com/dreamware/aggregator/internal/domain"
)

func newTestScheduler(t *testing.T, clock clockwork.Clock, lanes ...Flusher) *Scheduler {
	t.Helper()
	s, err := New(&Config{Logger: newTestLogger(), Clock: clock}, lanes...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func waitResolved[V any](t *testing.T, b *buffer.Buffer[V], keys ...buffer.Key) {
	t.Helper()
	for _, k := range keys {
		select {
		case <-b.Done(k):
		case <-time.After(2 * time.Second):
			t.Fatalf("key %s not resolved", k)
		}
	}
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func TestSchedulerConfigValidate(t *testing.T) {
	cfg := &Config{Logger: newTestLogger()}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultFlushInterval, cfg.FlushInterval)
	assert.Equal(t, DefaultWorkers, cfg.Workers)

	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Logger: newTestLogger(), FlushInterval: -1}).Validate())
	assert.Error(t, (&Config{Logger: newTestLogger(), Workers: -1}).Validate())
}

func TestSchedulerDuplicateLane(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recordingLookup[float64]{}
	a := newTestLane(t, clock, domain.KindPricing, rec.lookup)
	b := newTestLane(t, clock, domain.KindPricing, rec.lookup)
	_, err := New(&Config{Logger: newTestLogger()}, a, b)
	assert.Error(t, err)
}

// TestSchedulerEager covers the threshold trigger: exactly BatchSize keys per
// batch, repeated while a full batch remains, and nothing below threshold.
func TestSchedulerEager(t *testing.T) {
	tests := []struct {
		name        string
		queued      int
		wantBatches int
		wantLeft    int
	}{
		{name: "below threshold", queued: 4, wantBatches: 0, wantLeft: 4},
		{name: "at threshold", queued: 5, wantBatches: 1, wantLeft: 0},
		{name: "one full batch and a remainder", queued: 7, wantBatches: 1, wantLeft: 2},
		{name: "two full batches", queued: 10, wantBatches: 2, wantLeft: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			rec := &recordingLookup[float64]{values: map[string]*float64{}}
			lane := newTestLane(t, clock, domain.KindPricing, rec.lookup)
			s := newTestScheduler(t, clock, lane)

			put(t, lane, "t", ids("id", tt.queued)...)
			assert.Equal(t, tt.wantBatches, s.Eager())
			assert.Equal(t, tt.wantLeft, lane.Buffer().Size())

			calls := rec.Calls()
			assert.Len(t, calls, tt.wantBatches)
			for _, c := range calls {
				assert.Len(t, c, DefaultBatchSize)
			}
		})
	}
}

func TestSchedulerEagerOnlyNamedKinds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pricing := &recordingLookup[float64]{}
	tracking := &recordingLookup[domain.TrackingStatus]{}
	pl := newTestLane(t, clock, domain.KindPricing, pricing.lookup)
	tl := newTestLane(t, clock, domain.KindTracking, tracking.lookup)
	s := newTestScheduler(t, clock, pl, tl)

	put(t, pl, "t", ids("p", 5)...)
	put(t, tl, "t", ids("t", 5)...)

	assert.Equal(t, 1, s.Eager(domain.KindTracking))
	assert.Len(t, tracking.Calls(), 1)
	assert.Empty(t, pricing.Calls())
	assert.Equal(t, 5, pl.Buffer().Size())
}

// TestSchedulerTickIdleFlush verifies that a stale partial batch is drained
// in full on the next tick.
func TestSchedulerTickIdleFlush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recordingLookup[float64]{values: map[string]*float64{"US": ptr(1.5)}}
	lane := newTestLane(t, clock, domain.KindPricing, rec.lookup)
	s := newTestScheduler(t, clock, lane)

	keys := put(t, lane, "t", "US", "DE")
	assert.Equal(t, 0, s.Tick())

	clock.Advance(DefaultIdleThreshold + time.Second)
	assert.Equal(t, 2, s.Tick())
	assert.Equal(t, 0, lane.Buffer().Size())

	waitResolved(t, lane.Buffer(), keys...)
	res, _ := lane.Buffer().RemoveResponse(keys[0])
	assert.Equal(t, 1.5, res.Value)
	res, _ = lane.Buffer().RemoveResponse(keys[1])
	assert.False(t, res.Present)
}

// TestSchedulerKindsIndependent verifies that a stalled downstream for one
// kind does not hold back another kind's idle flush.
func TestSchedulerKindsIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	var pricingCalls atomic.Int32
	slow := func(ctx context.Context, ids []string) (map[string]*float64, error) {
		pricingCalls.Add(1)
		<-release
		return nil, nil
	}
	fast := &recordingLookup[domain.TrackingStatus]{values: map[string]*domain.TrackingStatus{"1": ptr(domain.StatusNew)}}

	pl := newTestLane(t, clock, domain.KindPricing, slow)
	tl := newTestLane(t, clock, domain.KindTracking, fast.lookup)
	s := newTestScheduler(t, clock, pl, tl)
	defer close(release)

	pKeys := put(t, pl, "t", "NL")
	tKeys := put(t, tl, "t", "1")
	clock.Advance(DefaultIdleThreshold + time.Second)

	assert.Equal(t, 2, s.Tick())
	waitResolved(t, tl.Buffer(), tKeys...)
	assert.False(t, pl.Buffer().HasResponseFor(pKeys[0]))
	assert.Eventually(t, func() bool { return pricingCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

// TestSchedulerSlowKindDoesNotStarveOthers fills every pricing worker with a
// blocked lookup and checks that a full tracking batch is still dispatched.
func TestSchedulerSlowKindDoesNotStarveOthers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	var pricingCalls atomic.Int32
	blocked := func(ctx context.Context, ids []string) (map[string]*float64, error) {
		pricingCalls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}
	tracking := &recordingLookup[domain.TrackingStatus]{values: map[string]*domain.TrackingStatus{"t0": ptr(domain.StatusDelivered)}}

	pl := newTestLane(t, clock, domain.KindPricing, blocked)
	tl := newTestLane(t, clock, domain.KindTracking, tracking.lookup)
	s, err := New(&Config{Logger: newTestLogger(), Clock: clock, Workers: 2}, pl, tl)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	t.Cleanup(func() { close(release) })

	put(t, pl, "a", ids("p", 10)...)
	go s.Eager(domain.KindPricing)
	require.Eventually(t, func() bool { return pricingCalls.Load() == 2 }, time.Second, 5*time.Millisecond,
		"both pricing workers should be busy")

	keys := put(t, tl, "b", ids("t", 5)...)
	done := make(chan int, 1)
	go func() { done <- s.Eager(domain.KindTracking) }()
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("tracking batch not dispatched while pricing workers are busy")
	}
	waitResolved(t, tl.Buffer(), keys...)
	res, _ := tl.Buffer().RemoveResponse(keys[0])
	assert.Equal(t, domain.StatusDelivered, res.Value)
}

// TestSchedulerFlush verifies that Flush resolves partial batches that are
// not yet idle, across kinds, and leaves the queues empty.
func TestSchedulerFlush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pricing := &recordingLookup[float64]{values: map[string]*float64{"p0": ptr(2.5)}}
	tracking := &recordingLookup[domain.TrackingStatus]{}
	pl := newTestLane(t, clock, domain.KindPricing, pricing.lookup)
	tl := newTestLane(t, clock, domain.KindTracking, tracking.lookup)
	s := newTestScheduler(t, clock, pl, tl)

	pKeys := put(t, pl, "t", ids("p", 7)...)
	tKeys := put(t, tl, "t", "1")
	assert.Equal(t, 0, s.Tick(), "nothing is idle yet")

	assert.Equal(t, 8, s.Flush())
	assert.Zero(t, pl.Buffer().Size())
	assert.Zero(t, tl.Buffer().Size())
	assert.Len(t, pricing.Calls(), 2, "flush still respects the batch size")
	assert.Len(t, tracking.Calls(), 1)

	for _, k := range pKeys {
		assert.True(t, pl.Buffer().HasResponseFor(k))
	}
	assert.True(t, tl.Buffer().HasResponseFor(tKeys[0]))
	res, _ := pl.Buffer().RemoveResponse(pKeys[0])
	assert.Equal(t, 2.5, res.Value)

	assert.Equal(t, 0, s.Flush(), "empty queues flush nothing")
}

func TestSchedulerFlushAfterStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recordingLookup[float64]{}
	lane := newTestLane(t, clock, domain.KindPricing, rec.lookup)
	s := newTestScheduler(t, clock, lane)
	s.Stop()

	keys := put(t, lane, "t", "A", "B")
	assert.Equal(t, 2, s.Flush())
	for _, k := range keys {
		assert.True(t, lane.Buffer().HasResponseFor(k))
	}
}

func TestSchedulerStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recordingLookup[float64]{}
	lane := newTestLane(t, clock, domain.KindPricing, rec.lookup)
	s := newTestScheduler(t, clock, lane)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()

	keys := put(t, lane, "t", "A", "B", "C")

	// Wait for the ticker to exist before moving time.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(DefaultIdleThreshold + DefaultFlushInterval)
	waitResolved(t, lane.Buffer(), keys...)
	assert.Len(t, rec.Calls(), 1)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestSchedulerStopResolvesInline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recordingLookup[float64]{}
	lane := newTestLane(t, clock, domain.KindPricing, rec.lookup)
	s := newTestScheduler(t, clock, lane)
	s.Stop()
	s.Stop()

	keys := put(t, lane, "t", ids("id", 5)...)
	assert.Equal(t, 1, s.Eager())
	for _, k := range keys {
		assert.True(t, lane.Buffer().HasResponseFor(k))
	}
}

func TestSchedulerStartAfterStopReturns(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lane := newTestLane(t, clock, domain.KindPricing, (&recordingLookup[float64]{}).lookup)
	s := newTestScheduler(t, clock, lane)
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return on a stopped scheduler")
	}
}
