// Package dispatch decides when buffered keys are sent downstream and
// performs the batch lookups that resolve them.
//
// # Overview
//
// The aggregator collects ids from many inbound requests into one buffer per
// kind (pricing, track, shipments). This package drains those buffers and
// turns each drained run of keys into a single downstream batch call. It
// owns two things: the trigger policy that says when a buffer is drained, and
// the worker pools the resulting calls run on.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────┐
//	│                    SCHEDULER                      │
//	├───────────────────────────────────────────────────┤
//	│                                                   │
//	│   Eager(kinds...)   Tick() (every FlushInterval)  │
//	│   Flush(kinds...)                                 │
//	│         │                 │                       │
//	│         ▼                 ▼                       │
//	│  ┌──────────────┐ ┌──────────────┐ ┌────────────┐ │
//	│  │ pricing lane │ │ track lane   │ │ shipments  │ │
//	│  │  buffer      │ │  buffer      │ │  lane      │ │
//	│  │  lookup      │ │  lookup      │ │  buffer    │ │
//	│  └──────┬───────┘ └──────┬───────┘ └─────┬──────┘ │
//	│         ▼                ▼               ▼        │
//	│  ┌──────────────┐ ┌──────────────┐ ┌────────────┐ │
//	│  │ pool         │ │ pool         │ │ pool       │ │
//	│  │ Workers      │ │ Workers      │ │ Workers    │ │
//	│  └──────────────┘ └──────────────┘ └────────────┘ │
//	│                                                   │
//	└───────────────────────────────────────────────────┘
//
// # Core Components
//
// Lane: one kind's buffer bound to its downstream lookup
//   - TakeReady drains exactly BatchSize keys, or nothing
//   - TakeIdle drains up to BatchSize keys once the buffer has gone idle
//   - TakePending drains up to BatchSize keys regardless of age
//   - Dispatch performs the lookup and resolves every drained key
//
// Scheduler: the trigger policy over a set of lanes
//   - One lane per kind, rejected at construction if duplicated
//   - One pond worker pool per lane, each bounded by Workers
//   - Eager, Tick and Flush are safe to call from any goroutine
//
// Flusher: the interface the scheduler sees. Lane[V] implements it for every
// value type, which lets lanes of different result types share a scheduler.
//
// # Triggers
//
// Eager runs on the caller's goroutine right after an enqueue:
//
//	queue length ≥ BatchSize  →  drain exactly BatchSize keys
//	                             repeat while a full batch remains
//	                             wait for every batch drained
//
// Idle runs on every tick of the scheduler's ticker:
//
//	queue non-empty AND time since last Put > IdleThreshold
//	                          →  drain up to BatchSize keys
//	                             submit without waiting
//
// Flush runs at shutdown and drains every queued key in batches of at most
// BatchSize, idle or not, then waits. Requests still blocked on a partial
// batch get their answers before the process exits.
//
// The idle comparison is strict, so a buffer touched exactly IdleThreshold
// ago is left alone until the next tick. Each Put resets the idle clock for
// the whole kind, so a steady trickle below BatchSize keeps a partial batch
// waiting until traffic pauses.
//
// # Drain Before Dispatch
//
// Every trigger removes keys from the queue before it calls downstream. Two
// triggers racing on the same lane therefore never see the same key. Full
// batches are drained atomically through buffer.TakeBatch, so concurrent
// Eager calls never split one batch into two partial ones.
//
// # Resolution
//
// Dispatch resolves every key it drained, whatever the downstream does:
//   - id present with a value: resolved present
//   - id missing from the response or null: resolved absent
//   - lookup error or timeout: whole batch resolved absent
//
// Nothing is retried. Duplicate item ids in one batch (the same id queued by
// two callers under different tokens) are collapsed before the call, and the
// single answer is stored for both keys.
//
// # Kind Isolation
//
// Each kind has its own pool. A kind whose downstream is slow or failing
// fills only its own workers; the other kinds keep dispatching at full
// concurrency. Within a kind, at most Workers calls are in flight and further
// batches wait in that pool's queue. Each call is bounded by the lane's
// Timeout, so a stalled downstream holds a worker for at most that long.
//
// # Shutdown
//
// Stop ends the ticker loop, waits for in-flight dispatches, then stops the
// pools. Eager, Tick and Flush calls that arrive after Stop run their
// dispatches on the calling goroutine, so keys drained late still resolve.
// Stop is idempotent. Start on a stopped scheduler returns immediately.
//
//	go s.Start(ctx)
//	...
//	s.Flush() // answer anyone waiting on a partial batch
//	s.Stop()  // wait for in-flight calls
//
// # Configuration
//
//	BatchSize:      5       // keys per full batch, per lane
//	IdleThreshold:  5s      // idle age before a partial batch flushes
//	Timeout:        5s      // bound on one downstream call
//	FlushInterval:  500ms   // ticker period
//	Workers:        16      // concurrent calls per kind
//
// # Observability
//
// Every dispatch updates the Prometheus collectors in internal/metrics:
//   - aggregator_dispatches_total{kind,trigger,result}
//   - aggregator_dispatch_duration_seconds{kind}
//   - aggregator_dispatches_inflight{kind}
//   - aggregator_batch_size{kind}
//   - aggregator_absent_results_total{kind}
//
// Each tick also refreshes aggregator_queue_depth and
// aggregator_stored_results per kind.
//
// # See Also
//
//   - internal/buffer: the queue and result store a lane drains
//   - internal/aggregator: the coordinator that calls Eager after enqueueing
//   - internal/backend: the HTTP client whose methods become lookups
package dispatch
