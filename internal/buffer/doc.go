// Package buffer implements the coalescing buffer that sits between inbound
// callers and a downstream batch-lookup service: a bounded queue of pending
// keys paired with a result store the dispatcher writes back into.
//
// # Overview
//
// Callers put the ids they need into a Buffer under their correlation token.
// The dispatcher drains keys in batches, performs one downstream lookup per
// batch and stores a result for every drained key. Callers then wait for
// their keys to resolve and consume the results.
//
//	caller ──Put──▶ ┌────────────┐ ──Take──▶ dispatcher ──▶ downstream
//	                │   queue    │                │
//	                └────────────┘                │ StoreResponses
//	caller ◀─Remove─ ┌────────────┐ ◀─────────────┘
//	                 │ ResultStore│
//	                 └────────────┘
//
// A Buffer is generic over the result value. The aggregator runs one per
// kind: Buffer[float64] for prices, Buffer[domain.TrackingStatus] for
// tracking and Buffer[[]string] for shipments.
//
// # Core Components
//
// Key: one requested item for one caller
//   - Token scopes the key to a single inbound request
//   - ItemID is what the downstream is asked about
//   - Two callers asking for the same item hold distinct keys
//
// Buffer: the queue and the store behind one API
//   - Put enqueues, blocking while the queue is full
//   - Take and TakeBatch drain without blocking
//   - StoreResponses resolves drained keys from one lookup's answer
//   - Done, RemoveResponse and Abandon serve the waiting caller
//
// ResultStore: the keyed results of finished lookups
//   - Tri-state per key: unresolved, resolved present, resolved absent
//   - Per-key completion channels for waiting without polling
//   - Abandon tombstones for callers that gave up
//
// Result: the terminal outcome of a lookup for one key. Present is false
// when the downstream had no data or the lookup failed; both read as null.
//
// # Key Lifecycle
//
// A Key is born in Put and sits in the queue until a Take removes it. From
// then on it exists only as a ResultStore entry, which is either present
// (the downstream returned a value) or absent (no data, or the lookup
// failed). Remove consumes the entry; nothing remains afterwards.
//
//	Put ──▶ queued ──Take──▶ in flight ──Store──▶ resolved ──Remove──▶ gone
//	                              │                    │
//	                              └──── Abandon ───────┴──▶ discarded
//
// Keys are scoped by token, so two callers asking for the same item id never
// see each other's entries. One downstream lookup still answers both, since
// StoreResponses matches values by item id. Within one token an item id must
// be queued at most once; the aggregator collapses repeats before Put.
//
// # Concurrency
//
//   - Put blocks while the queue is full. This is the only backpressure; keys
//     are never dropped or rejected.
//   - Take is non-blocking and serialized, so concurrent drains never share a
//     key and each drain is a contiguous run of the queue. TakeBatch drains
//     only whole batches, so racing callers never split one.
//   - The ResultStore uses a single mutex around point operations. No lock
//     spans the queue and the store.
//   - Storing a result twice for the same key keeps the first one.
//
// # Waiting
//
// Done returns a per-key channel closed when the key resolves, which lets a
// caller wait for all of its keys without polling. Abandon lets a caller that
// stopped waiting release its keys; results arriving later are discarded.
//
//	waits := make([]<-chan struct{}, len(keys))
//	for i, k := range keys {
//	    waits[i] = b.Done(k)
//	}
//	for _, w := range waits {
//	    <-w
//	}
//
// # Idle Clock
//
// Every non-empty Put stamps the buffer's last-activity time from its
// clockwork.Clock. SinceLastUpdate reports the time since that stamp, and
// the dispatcher compares it with its idle threshold to flush partial
// batches. Tests pass a clockwork.FakeClock and advance it by hand.
//
// # Configuration
//
//	DefaultCapacity: 10    // queued keys per buffer before Put blocks
//
// The capacity must be at least the dispatcher's batch size, otherwise a
// full batch could never accumulate.
//
// # Usage Example
//
//	b, _ := buffer.New[float64](10, nil)
//
//	// caller
//	keys, _ := b.Put(ctx, token, []string{"NL", "CN"})
//
//	// dispatcher
//	drained := b.Take(5)
//	values, err := client.Pricing(ctx, ids(drained))
//	if err != nil {
//	    values = nil // every key resolves absent
//	}
//	b.StoreResponses(drained, values)
//
//	// caller again
//	<-b.Done(keys[0])
//	res, _ := b.RemoveResponse(keys[0])
//	price := res.Ptr() // nil when absent
//
// # Performance Characteristics
//
//   - Put and Take: O(1) per key, channel operations only
//   - StoreResponses: O(n) for n keys under one store lock
//   - Done, Remove, Abandon: O(1) map operations
//   - Memory: one slot per unresolved key someone waits on, plus one per
//     resolved key not yet removed
//
// # See Also
//
//   - internal/dispatch: drains buffers and runs the lookups
//   - internal/aggregator: puts ids and waits for their results
package buffer
