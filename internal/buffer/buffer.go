package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCapacity is the queue capacity used when none is configured.
const DefaultCapacity = 10

// ErrInvalidCapacity is returned when a buffer is created with a capacity below 1.
var ErrInvalidCapacity = errors.New("buffer capacity must be at least 1")

// Key identifies one requested item for one caller. Two callers asking for
// the same item id hold distinct keys because their tokens differ.
type Key struct {
	Token  string
	ItemID string
}

// String formats the key as token/item for logs.
func (k Key) String() string {
	return k.Token + "/" + k.ItemID
}

// Stats is a point-in-time view of a buffer.
type Stats struct {
	Queued   int // Keys waiting to be drained
	Capacity int // Maximum number of queued keys
	Results  int // Entries in the result store, resolved or awaited
}

// Buffer is a bounded FIFO of keys waiting for a downstream lookup, paired
// with the store their results are written to.
//
// Put blocks while the queue is full; that is the only backpressure the
// system applies. Take drains without blocking and never hands the same key
// to two callers. All methods are safe for concurrent use.
type Buffer[V any] struct {
	queue   chan Key
	results *ResultStore[V]
	clock   clockwork.Clock

	// drainMu makes a single Take contiguous with respect to other Takes.
	drainMu sync.Mutex

	// lastUpdated holds the unix nanos of the last non-empty Put.
	lastUpdated atomic.Int64
}

// New creates a buffer holding at most capacity queued keys.
//
// Parameters:
//   - capacity: queued keys before Put blocks, at least 1
//   - clock: stamps Put activity; nil uses the real wall clock
//
// Returns:
//   - *Buffer[V]: an empty buffer
//   - error: ErrInvalidCapacity if capacity is below 1
//
// Example:
//
//	prices, err := buffer.New[float64](buffer.DefaultCapacity, nil)
//	if err != nil {
//	    return err
//	}
func New[V any](capacity int, clock clockwork.Clock) (*Buffer[V], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Buffer[V]{
		queue:   make(chan Key, capacity),
		results: NewResultStore[V](),
		clock:   clock,
	}, nil
}

// Size returns the number of queued keys.
func (b *Buffer[V]) Size() int {
	return len(b.queue)
}

// Capacity returns the maximum number of queued keys.
func (b *Buffer[V]) Capacity() int {
	return cap(b.queue)
}

// Put enqueues one key per id under token, blocking while the queue is full.
// Once every id is queued the last-activity clock is stamped.
//
// Put only gives up when ctx is done. In that case it returns the keys that
// did make it into the queue together with the context error, so the caller
// can abandon them.
//
// Parameters:
//   - ctx: bounds the wait for queue space
//   - token: the caller's correlation token
//   - ids: item ids, queued in order; an empty list is a no-op
//
// Returns:
//   - []Key: the keys queued, one per id
//   - error: ctx's error if it ended before every id was queued
//
// Example:
//
//	keys, err := b.Put(ctx, token, []string{"NL", "CN"})
//	if err != nil {
//	    for _, k := range keys {
//	        b.Abandon(k)
//	    }
//	    return err
//	}
func (b *Buffer[V]) Put(ctx context.Context, token string, ids []string) ([]Key, error) {
	keys := make([]Key, 0, len(ids))
	for _, id := range ids {
		key := Key{Token: token, ItemID: id}
		select {
		case b.queue <- key:
			keys = append(keys, key)
		case <-ctx.Done():
			return keys, ctx.Err()
		}
	}
	if len(keys) > 0 {
		b.lastUpdated.Store(b.clock.Now().UnixNano())
	}
	return keys, nil
}

// Take removes up to n keys from the head of the queue without blocking.
// It returns an empty slice when nothing is queued.
func (b *Buffer[V]) Take(n int) []Key {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	keys := make([]Key, 0, min(n, len(b.queue)))
	for len(keys) < n {
		select {
		case key := <-b.queue:
			keys = append(keys, key)
		default:
			return keys
		}
	}
	return keys
}

// TakeBatch drains exactly n keys if at least n are queued and returns nil
// otherwise. The check and the drain are atomic with respect to other takes,
// so two callers racing for one full batch never split it.
//
// Example:
//
//	for keys := b.TakeBatch(5); keys != nil; keys = b.TakeBatch(5) {
//	    dispatch(keys)
//	}
func (b *Buffer[V]) TakeBatch(n int) []Key {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	if n <= 0 || len(b.queue) < n {
		return nil
	}
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = <-b.queue
	}
	return keys
}

// StoreResponses resolves every key from values, looked up by item id.
// Ids missing from values, or mapped to nil, resolve as absent. Keys of
// different tokens that share an item id all receive the same value.
//
// Parameters:
//   - keys: the keys drained for one downstream call
//   - values: the call's answer; nil resolves every key as absent
func (b *Buffer[V]) StoreResponses(keys []Key, values map[string]*V) {
	for _, key := range keys {
		if v, ok := values[key.ItemID]; ok && v != nil {
			b.results.Store(key, Present(*v))
			continue
		}
		b.results.Store(key, Absent[V]())
	}
}

// HasResponseFor reports whether key has been resolved and not yet removed.
func (b *Buffer[V]) HasResponseFor(key Key) bool {
	return b.results.Has(key)
}

// RemoveResponse consumes the result stored for key. The second return value
// is false when key is unresolved or was already removed.
func (b *Buffer[V]) RemoveResponse(key Key) (Result[V], bool) {
	return b.results.Remove(key)
}

// Done returns a channel closed once key is resolved. Waiting on it instead
// of polling HasResponseFor costs no CPU while the key is in flight.
//
// Example:
//
//	select {
//	case <-b.Done(key):
//	    res, _ := b.RemoveResponse(key)
//	    return res.Ptr(), nil
//	case <-ctx.Done():
//	    b.Abandon(key)
//	    return nil, ctx.Err()
//	}
func (b *Buffer[V]) Done(key Key) <-chan struct{} {
	return b.results.Done(key)
}

// Abandon drops key's result, now or when it arrives. Callers that stop
// waiting must abandon their keys, or the results stay in the store.
func (b *Buffer[V]) Abandon(key Key) {
	b.results.Abandon(key)
}

// SinceLastUpdate returns the time elapsed since the last non-empty Put.
// A buffer that never received a key reports the time since the epoch.
func (b *Buffer[V]) SinceLastUpdate() time.Duration {
	return b.clock.Since(time.Unix(0, b.lastUpdated.Load()))
}

// SecondsSinceLastUpdate is SinceLastUpdate truncated to whole seconds.
func (b *Buffer[V]) SecondsSinceLastUpdate() int {
	return int(b.SinceLastUpdate() / time.Second)
}

// Stats returns a snapshot of the buffer's occupancy.
func (b *Buffer[V]) Stats() Stats {
	return Stats{
		Queued:   len(b.queue),
		Capacity: cap(b.queue),
		Results:  b.results.Len(),
	}
}
