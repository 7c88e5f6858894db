// Package dispatchq provides a priority-ordered, persistent, retryable
// message dispatch queue for Go, built to decouple message producers from a
// flaky, rate-limited third-party API.
//
// Works both as a library for embedding in your application AND as a
// standalone microservice with REST API (cmd/dispatchq-server).
//
// # Features
//
//   - Named queues with independent configuration, priority ordering
//     (high > normal > low, FIFO within a tier) and capacity caps
//   - Retry with exponential, linear or fixed backoff and per-message
//     attempt ceilings
//   - Dead Letter Queue routing for messages that exhaust their retries,
//     with failure metadata attached
//   - Token-bucket admission control per identifier, in-process or shared
//     via Redis
//   - Snapshot persistence to a JSON file or SQL database (Relica adapters
//     for MySQL, PostgreSQL, SQLite); restart-safe restore
//   - Typed event bus for monitoring (messageProcessed, messageRetry,
//     messageFailed, ...)
//   - Pluggable architecture: bring your own Logger, Store, rate limiter
//   - WhatsApp Business API delivery client with circuit breaker and
//     request-level backoff (delivery/whatsapp)
//
// # Quick Start
//
// Create a dispatcher, register a worker and start the scheduler:
//
//	store := filestore.New("data/queues.json")
//
//	d, err := dispatchq.New(
//	    dispatchq.WithStore(store),
//	    dispatchq.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	d.Restore(ctx)
//
//	err = d.RegisterWorker("wa-out", func(ctx context.Context, payload json.RawMessage, meta model.Metadata) error {
//	    // deliver the payload; a returned error triggers the retry path
//	    return nil
//	})
//
//	go d.Run(ctx)
//
// Enqueue messages from producers:
//
//	id, err := d.Enqueue("wa-out", map[string]string{
//	    "to":   "15551234567",
//	    "text": "hello",
//	}, dispatchq.WithPriority(model.PriorityHigh))
//
// Expected rejections are sentinel errors, not panics:
//
//	if dispatchq.IsQueueFull(err) || dispatchq.IsRateLimited(err) {
//	    // backpressure: drop, buffer elsewhere, or surface to the caller
//	}
//
// # Delivery semantics
//
// Snapshots are written once per processed batch. A crash between a batch
// and its snapshot replays messages from the previous snapshot on restart:
// delivery is at-least-once. Workers should be idempotent when duplicates
// matter.
//
// # Architecture
//
// The root package holds the Dispatcher (scheduler loop, worker registry,
// producer API), the Store and Logger ports and the EventBus. Domain types
// live in model; backoff policies in retry; admission control in ratelimit;
// persistence adapters under adapters; the WhatsApp delivery client in
// delivery/whatsapp.
package dispatchq
