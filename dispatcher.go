package dispatchq

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/coregx/dispatchq/model"
	"github.com/coregx/dispatchq/ratelimit"
)

// Worker is the registered handler performing the actual delivery attempt
// for a queue's messages. The payload is the raw JSON the producer enqueued;
// metadata is the opaque bag attached at enqueue time.
//
// A non-nil error marks the attempt as failed and feeds the retry path. The
// context carries the per-queue processing timeout; workers should honor it.
type Worker func(ctx context.Context, payload json.RawMessage, metadata model.Metadata) error

// QueueInfo is a read-only view of one queue for introspection.
type QueueInfo struct {
	Name       string            `json:"name"`
	Pending    int               `json:"pending"`
	Processing bool              `json:"processing"`
	Paused     bool              `json:"paused"`
	Config     model.QueueConfig `json:"config"`
	Stats      model.QueueStats  `json:"stats"`
}

// Dispatcher owns a set of named priority queues and the control loop that
// drains them: on every tick it pulls a batch from each eligible queue,
// invokes the registered worker per message, applies the retry policy on
// failure, routes exhausted messages to dead-letter queues, and persists a
// snapshot after each batch.
//
// Queues process independently: a slow worker stalls its own queue's batch
// but never another queue's. Within one queue, messages are processed
// strictly one at a time; the queue's processing flag is the mutual
// exclusion preventing two concurrent batches.
//
// Construct with New, register workers, then call Run (typically in a
// goroutine). All methods are safe for concurrent use.
type Dispatcher struct {
	mu       sync.Mutex
	queues   map[string]*model.Queue
	workers  map[string]Worker
	limiters map[string]ratelimit.Limiter

	store          Store
	logger         Logger
	bus            *EventBus
	limiterFactory func(ratelimit.Config) ratelimit.Limiter
	defaultConfig  model.QueueConfig
	tick           time.Duration
	stats          model.GlobalStats
}

// New creates a dispatcher with the provided options.
//
// All options are optional: the default is an in-memory dispatcher with a
// silent logger, a 100ms tick and per-queue in-process token buckets.
//
// Example:
//
//	d, err := dispatchq.New(
//	    dispatchq.WithStore(filestore.New("data/queues.json")),
//	    dispatchq.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		queues:         make(map[string]*model.Queue),
		workers:        make(map[string]Worker),
		limiters:       make(map[string]ratelimit.Limiter),
		logger:         &NoopLogger{},
		bus:            NewEventBus(),
		limiterFactory: ratelimit.ForConfig,
		defaultConfig:  model.DefaultQueueConfig(),
		tick:           100 * time.Millisecond,
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	return d, nil
}

// Events returns the dispatcher's event bus for monitoring subscriptions.
func (d *Dispatcher) Events() *EventBus {
	return d.bus
}

// CreateQueue explicitly creates a queue with the given configuration.
// Returns ErrQueueExists if the name is taken.
func (d *Dispatcher) CreateQueue(name string, cfg model.QueueConfig) error {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return NewErrorWithCause(ErrCodeValidation, "invalid queue config", err)
	}

	d.mu.Lock()
	if _, ok := d.queues[name]; ok {
		d.mu.Unlock()
		return ErrQueueExists
	}
	d.queues[name] = model.NewQueue(name, cfg)
	d.limiters[name] = d.limiterFactory(cfg.RateLimit)
	d.mu.Unlock()

	d.publish(Event{Kind: EventQueueCreated, Queue: name, At: time.Now()})
	return nil
}

// DeleteQueue removes a queue and all its pending messages.
// Refused with ErrQueueProcessing while a batch is in flight: deletion is
// cooperative, callers wait for the current batch to finish.
func (d *Dispatcher) DeleteQueue(name string) error {
	d.mu.Lock()
	q, ok := d.queues[name]
	if !ok {
		d.mu.Unlock()
		return ErrNoData
	}
	if q.Processing {
		d.mu.Unlock()
		return ErrQueueProcessing
	}
	delete(d.queues, name)
	delete(d.limiters, name)
	d.mu.Unlock()

	d.publish(Event{Kind: EventQueueDeleted, Queue: name, At: time.Now()})
	return nil
}

// ClearQueue drops all pending messages from a queue and returns the count.
// Refused while the queue is processing a batch.
func (d *Dispatcher) ClearQueue(name string) (int, error) {
	d.mu.Lock()
	q, ok := d.queues[name]
	if !ok {
		d.mu.Unlock()
		return 0, ErrNoData
	}
	if q.Processing {
		d.mu.Unlock()
		return 0, ErrQueueProcessing
	}
	n := q.Clear()
	q.Stats.Pending -= int64(n)
	d.mu.Unlock()

	d.publish(Event{Kind: EventQueueCleared, Queue: name, Cleared: n, At: time.Now()})
	return n, nil
}

// PauseQueue stops new batches from starting on the queue.
// An in-flight batch finishes normally; pending messages keep accumulating.
func (d *Dispatcher) PauseQueue(name string) error {
	d.mu.Lock()
	q, ok := d.queues[name]
	if !ok {
		d.mu.Unlock()
		return ErrNoData
	}
	q.Paused = true
	d.mu.Unlock()

	d.publish(Event{Kind: EventQueuePaused, Queue: name, At: time.Now()})
	return nil
}

// ResumeQueue re-enables batch processing on a paused queue.
func (d *Dispatcher) ResumeQueue(name string) error {
	d.mu.Lock()
	q, ok := d.queues[name]
	if !ok {
		d.mu.Unlock()
		return ErrNoData
	}
	q.Paused = false
	d.mu.Unlock()

	d.publish(Event{Kind: EventQueueResumed, Queue: name, At: time.Now()})
	return nil
}

// RegisterWorker binds the delivery handler for a queue. At most one worker
// per queue; registering again replaces the previous worker. A nil worker is
// rejected at registration time rather than at processing time.
func (d *Dispatcher) RegisterWorker(queueName string, w Worker) error {
	if w == nil {
		return NewError(ErrCodeValidation, "worker cannot be nil")
	}

	d.mu.Lock()
	d.workers[queueName] = w
	d.mu.Unlock()

	d.publish(Event{Kind: EventWorkerRegistered, Queue: queueName, At: time.Now()})
	return nil
}

// UnregisterWorker removes the worker for a queue. Messages keep
// accumulating, bounded by the queue's capacity, until a worker returns.
func (d *Dispatcher) UnregisterWorker(queueName string) {
	d.mu.Lock()
	_, ok := d.workers[queueName]
	delete(d.workers, queueName)
	d.mu.Unlock()

	if ok {
		d.publish(Event{Kind: EventWorkerUnregistered, Queue: queueName, At: time.Now()})
	}
}

// Enqueue submits a payload to the named queue, creating the queue with the
// default configuration if it does not exist. The payload is marshaled to
// JSON and treated as opaque from then on.
//
// Returns the message ID, or ErrQueueFull / ErrRateLimited when the queue is
// at capacity or the rate gate denies admission. Both leave the queue
// unchanged; the caller owns the backpressure decision.
func (d *Dispatcher) Enqueue(queueName string, payload interface{}, opts ...EnqueueOption) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", NewErrorWithCause(ErrCodeValidation, "payload is not serializable", err)
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	var events []Event
	now := time.Now()

	d.mu.Lock()
	q, ok := d.queues[queueName]
	if !ok {
		q = model.NewQueue(queueName, d.defaultConfig)
		d.queues[queueName] = q
		d.limiters[queueName] = d.limiterFactory(q.Config.RateLimit)
		events = append(events, Event{Kind: EventQueueCreated, Queue: queueName, At: now})
	}

	if q.Full() {
		d.mu.Unlock()
		d.publishAll(events)
		return "", ErrQueueFull
	}

	if o.rateLimitKey != "" && !d.limiters[queueName].Allow(o.rateLimitKey) {
		d.mu.Unlock()
		d.publishAll(events)
		return "", ErrRateLimited
	}

	priority := o.priority
	if priority == "" {
		priority = q.Config.DefaultPriority
	}
	maxRetries := q.Config.MaxRetries
	if o.maxRetries != nil {
		maxRetries = *o.maxRetries
	}

	msg := model.NewMessage(raw, priority, maxRetries)
	if !o.scheduledAt.IsZero() {
		msg.ScheduledAt = o.scheduledAt
	}
	msg.Metadata = o.metadata
	msg.RateLimitKey = o.rateLimitKey

	q.Insert(msg)
	q.Stats.Pending++
	d.stats.Enqueued++
	d.mu.Unlock()

	events = append(events, Event{
		Kind: EventMessageAdded, Queue: queueName,
		MessageID: msg.ID, Priority: msg.Priority, At: now,
	})
	d.publishAll(events)
	return msg.ID, nil
}

// QueueInfo returns a read-only view of one queue.
func (d *Dispatcher) QueueInfo(name string) (QueueInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[name]
	if !ok {
		return QueueInfo{}, ErrNoData
	}
	return infoFor(q), nil
}

// Queues returns read-only views of all queues, sorted by name.
func (d *Dispatcher) Queues() []QueueInfo {
	d.mu.Lock()
	infos := make([]QueueInfo, 0, len(d.queues))
	for _, q := range d.queues {
		infos = append(infos, infoFor(q))
	}
	d.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Stats returns the global counters across all queues.
func (d *Dispatcher) Stats() model.GlobalStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func infoFor(q *model.Queue) QueueInfo {
	return QueueInfo{
		Name:       q.Name,
		Pending:    q.Len(),
		Processing: q.Processing,
		Paused:     q.Paused,
		Config:     q.Config,
		Stats:      q.Stats,
	}
}

// Restore loads the last snapshot from the store and rebuilds the queues.
// Every restored queue starts with processing=false regardless of the
// persisted value. A missing or unreadable snapshot is non-fatal: the
// dispatcher starts empty and the condition is logged.
func (d *Dispatcher) Restore(ctx context.Context) {
	if d.store == nil {
		return
	}

	snap, err := d.store.Load(ctx)
	if err != nil {
		if IsNoData(err) {
			d.logger.Info("no snapshot found, starting with empty queue set")
		} else {
			d.logger.Warnf("failed to load snapshot, starting with empty queue set: %v", err)
		}
		return
	}

	d.mu.Lock()
	d.queues = snap.Restore()
	d.stats = snap.Stats
	d.limiters = make(map[string]ratelimit.Limiter, len(d.queues))
	for name, q := range d.queues {
		d.limiters[name] = d.limiterFactory(q.Config.RateLimit)
	}
	n := len(d.queues)
	d.mu.Unlock()

	d.logger.Infof("restored %d queues from snapshot taken at %v", n, snap.Timestamp)
}

// Flush persists the current state immediately, outside the per-batch cycle.
// Useful on graceful shutdown.
func (d *Dispatcher) Flush(ctx context.Context) error {
	return d.persist(ctx)
}

// Run starts the scheduler loop and blocks until the context is canceled.
// On every tick, each queue that is not processing, not paused, has a
// registered worker and at least one dispatchable message gets a batch
// drained concurrently with the other queues.
//
// This method blocks and should typically be run in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	d.logger.Info("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.dispatchOnce(ctx)
		}
	}
}

// dispatchOnce starts one batch for every eligible queue.
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now()

	type job struct {
		queue  *model.Queue
		worker Worker
	}
	var jobs []job

	d.mu.Lock()
	for name, q := range d.queues {
		if q.Processing || q.Paused || q.Len() == 0 {
			continue
		}
		w, ok := d.workers[name]
		if !ok {
			continue
		}
		if !q.HasDue(now) {
			continue
		}
		q.Processing = true
		jobs = append(jobs, job{queue: q, worker: w})
	}
	d.mu.Unlock()

	for _, j := range jobs {
		go d.processQueue(ctx, j.queue, j.worker)
	}
}

// processQueue drains one batch from the queue, strictly one message at a
// time, then releases the processing flag and persists a snapshot.
func (d *Dispatcher) processQueue(ctx context.Context, q *model.Queue, w Worker) {
	d.mu.Lock()
	batch := q.TakeBatch(q.Config.BatchSize)
	d.mu.Unlock()

	attempted := false
	for _, msg := range batch {
		if ctx.Err() != nil {
			// Shutting down: put the rest back untouched.
			d.mu.Lock()
			q.Insert(msg)
			d.mu.Unlock()
			continue
		}

		if !msg.Due(time.Now()) {
			// Deferred or backoff-scheduled message; not an attempt.
			d.mu.Lock()
			q.Insert(msg)
			d.mu.Unlock()
			continue
		}

		msg.BeginAttempt()
		attempted = true
		err := d.invoke(ctx, w, msg, q.Config.ProcessingTimeout)
		if err == nil {
			d.completeMessage(q, msg)
			continue
		}
		d.failMessage(q, msg, err)
	}

	d.mu.Lock()
	q.Processing = false
	d.mu.Unlock()

	// Persistence is per batch, not per message. Pure-deferral batches change
	// nothing worth writing.
	if attempted {
		if err := d.persist(ctx); err != nil {
			d.logger.Warnf("failed to persist snapshot after batch on %q: %v", q.Name, err)
		}
	}
}

// invoke runs the worker under the queue's processing timeout, converting a
// hung worker into a failure eligible for retry. The goroutine running a
// worker that ignores its context is abandoned after the timeout.
//
// The worker operates on its own copy of the metadata bag; the copy is
// adopted back onto the message only when the worker returns in time. A late
// write from an abandoned goroutine lands on the orphaned copy and never
// races with persistence or the next attempt.
func (d *Dispatcher) invoke(ctx context.Context, w Worker, msg *model.Message, timeout time.Duration) error {
	if timeout <= 0 {
		return w(ctx, msg.Payload, msg.Metadata)
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	meta := msg.Metadata.Clone()
	done := make(chan error, 1)
	go func() {
		done <- w(wctx, msg.Payload, meta)
	}()

	select {
	case err := <-done:
		msg.Metadata = meta
		return err
	case <-wctx.Done():
		return NewErrorWithCause(ErrCodeDelivery, "worker timed out", wctx.Err())
	}
}

func (d *Dispatcher) completeMessage(q *model.Queue, msg *model.Message) {
	d.mu.Lock()
	q.Stats.Processed++
	q.Stats.Pending--
	d.stats.Processed++
	d.mu.Unlock()

	d.publish(Event{
		Kind: EventMessageProcessed, Queue: q.Name,
		MessageID: msg.ID, Attempts: msg.Attempts, At: time.Now(),
	})
}

func (d *Dispatcher) failMessage(q *model.Queue, msg *model.Message, cause error) {
	now := time.Now()

	if q.Config.Retry.Retryable(msg.Attempts, msg.MaxRetries) {
		delay := q.Config.Retry.Delay(msg.Attempts)
		msg.ScheduleRetry(now, delay, cause)

		d.mu.Lock()
		q.Insert(msg)
		d.mu.Unlock()

		d.logger.Debugf("delivery failed on %q, retry %d/%d in %v: %v",
			q.Name, msg.Attempts, msg.MaxRetries, delay, cause)
		d.publish(Event{
			Kind: EventMessageRetry, Queue: q.Name,
			MessageID: msg.ID, Attempts: msg.Attempts, Error: cause.Error(), At: now,
		})
		return
	}

	var events []Event

	d.mu.Lock()
	q.Stats.Failed++
	q.Stats.Pending--
	d.stats.Failed++

	if dlqName := q.Config.DeadLetterQueue; dlqName != "" {
		dlq, ok := d.queues[dlqName]
		if !ok {
			dlq = model.NewQueue(dlqName, d.defaultConfig)
			d.queues[dlqName] = dlq
			d.limiters[dlqName] = d.limiterFactory(dlq.Config.RateLimit)
			events = append(events, Event{Kind: EventQueueCreated, Queue: dlqName, At: now})
		}
		if dlq.Full() {
			d.logger.Errorf("dead-letter queue %q is full, dropping message %s from %q",
				dlqName, msg.ID, q.Name)
		} else {
			dl := msg.DeadLetter(q.Name, cause)
			dlq.Insert(dl)
			dlq.Stats.Pending++
			events = append(events, Event{
				Kind: EventMessageAdded, Queue: dlqName,
				MessageID: dl.ID, Priority: dl.Priority, At: now,
			})
		}
	}
	d.mu.Unlock()

	d.logger.Warnf("message %s permanently failed on %q after %d attempts: %v",
		msg.ID, q.Name, msg.Attempts, cause)
	events = append(events, Event{
		Kind: EventMessageFailed, Queue: q.Name,
		MessageID: msg.ID, Attempts: msg.Attempts, Error: cause.Error(), At: now,
	})
	d.publishAll(events)
}

// persist writes a deep-copied snapshot through the store, if one is configured.
func (d *Dispatcher) persist(ctx context.Context) error {
	if d.store == nil {
		return nil
	}

	d.mu.Lock()
	snap := &model.Snapshot{
		Queues:    make(map[string]model.QueueState, len(d.queues)),
		Stats:     d.stats,
		Timestamp: time.Now(),
	}
	for name, q := range d.queues {
		snap.Queues[name] = q.State()
	}
	d.mu.Unlock()

	if err := d.store.Save(ctx, snap); err != nil {
		return NewErrorWithCause(ErrCodePersistence, "snapshot save failed", err)
	}
	return nil
}

func (d *Dispatcher) publish(e Event) {
	d.bus.Publish(e)
}

func (d *Dispatcher) publishAll(events []Event) {
	for _, e := range events {
		d.bus.Publish(e)
	}
}
