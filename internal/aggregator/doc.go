// Package aggregator is the request-facing side of the batching engine.
//
// # Overview
//
// A Coordinator takes one inbound request, tags its ids with a fresh
// correlation token and spreads them over the pricing, tracking and shipments
// buffers. Enqueue triggers the eager dispatch check and waits for the
// batches it started; Poll waits for every key of the token to resolve and
// assembles the response. Tokens keep concurrent callers that ask for the
// same id apart, at the cost of one duplicate id per caller in a batch
// (dispatch collapses these before calling downstream).
//
// Engine wires buffers, lanes, scheduler and coordinator from a single
// EngineConfig and a Backend. It is the only place they are created.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────┐
//	│                       ENGINE                        │
//	├─────────────────────────────────────────────────────┤
//	│                                                     │
//	│  Aggregate(ctx, req)                                │
//	│    │                                                │
//	│    ▼                                                │
//	│  ┌───────────────┐   Put    ┌──────────────────┐    │
//	│  │  Coordinator  │ ───────▶ │ buffers per kind │    │
//	│  │  - Enqueue    │          └────────┬─────────┘    │
//	│  │  - Poll       │   Eager           │ drain        │
//	│  │               │ ───────▶ ┌────────▼─────────┐    │
//	│  │               │          │    Scheduler     │    │
//	│  │               │ ◀─Done── │  lanes + pools   │──▶ Backend
//	│  └───────────────┘          └──────────────────┘    │
//	│                                                     │
//	└─────────────────────────────────────────────────────┘
//
// # Request Flow
//
// 1. Normalize:
//   - Repeated ids within a kind are collapsed; each distinct id is queued
//     and answered once
//
// 2. Enqueue:
//   - Mint a ULID token for the request
//   - Put pricing, tracking and shipment ids, in that order, blocking while
//     a buffer is full
//   - Run the eager check for every kind and wait for the batches it drained
//
// 3. Poll:
//   - Subscribe to the completion channel of every key
//   - Wait until all are closed, MaxWait expires or ctx ends
//   - Consume each result and build the response
//
// A request whose ids are all queued below the batch threshold is answered
// by the scheduler's idle flush, after roughly IdleThreshold plus up to one
// FlushInterval.
//
// # Response Shape
//
// Every distinct requested id is a key of its kind's map. A nil value means
// the downstream had no data, the lookup failed or MaxWait expired first:
//
//	{
//	  "pricing":   {"NL": 14.24, "CN": null},
//	  "tracking":  {"109347263": "IN TRANSIT"},
//	  "shipments": {"109347263": ["box", "pallet"]}
//	}
//
// Kinds with no ids are empty objects, never null.
//
// # Waiting and Cancellation
//
// Poll waits on per-key completion signals instead of sleeping between
// checks. It has no deadline unless MaxWait is configured, in which case ids
// still unresolved when it expires are answered with null. PollInterval only
// paces the debug log of outstanding keys.
//
// Failure modes:
//
// Downstream Errors:
//   - Impact: the batch resolves absent
//   - Caller sees: null for those ids, never an error
//
// MaxWait Expiry:
//   - Impact: unresolved keys are abandoned
//   - Caller sees: null for those ids; late results are discarded
//
// Context Cancellation:
//   - Impact: every key of the request is abandoned
//   - Caller sees: ctx's error from Enqueue or Poll
//
// # Configuration
//
//	QueueCapacity:      10      // queued ids per kind
//	BatchSize:          5       // ids per full batch
//	FlushInterval:      500ms   // idle check period
//	IdleThreshold:      5s      // idle age before a partial batch flushes
//	PollInterval:       500ms   // progress log period while waiting
//	DownstreamTimeout:  5s      // bound on one downstream call
//	MaxWait:            0       // 0 waits until every id resolves
//	Workers:            16      // concurrent downstream calls per kind
//
// # Usage Example
//
//	engine, err := aggregator.NewEngine(&aggregator.EngineConfig{
//	    Logger:  log,
//	    Backend: client,
//	})
//	if err != nil {
//	    return err
//	}
//	go engine.Start(context.Background())
//
//	resp, err := engine.Aggregate(ctx, domain.Request{
//	    Pricing:  []string{"NL", "CN"},
//	    Tracking: []string{"109347263"},
//	})
//
//	// at shutdown, once no new requests arrive
//	engine.Flush()
//	engine.Stop()
//
// # Observability
//
//   - aggregator_requests_total{result}: requests answered or failed
//   - aggregator_poll_wait_seconds: time spent in Poll
//
// # See Also
//
//   - internal/dispatch: trigger policy and worker pools
//   - internal/buffer: queue and result store per kind
//   - internal/api: the HTTP handler in front of Aggregate
package aggregator
