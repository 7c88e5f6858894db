package dispatchq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/dispatchq/model"
	"github.com/coregx/dispatchq/ratelimit"
	"github.com/coregx/dispatchq/retry"
)

// memStore is an in-memory snapshot store for tests.
type memStore struct {
	mu    sync.Mutex
	snap  *model.Snapshot
	saves int
}

func (s *memStore) Save(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.saves++
	return nil
}

func (s *memStore) Load(context.Context) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, ErrNoData
	}
	return s.snap, nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// fastRetry gives tests a near-immediate retry schedule.
func fastRetry() retry.Policy {
	return retry.Policy{Kind: retry.Fixed, BaseDelay: time.Millisecond}
}

func newTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	cfg := model.DefaultQueueConfig()
	cfg.Retry = fastRetry()
	cfg.ProcessingTimeout = time.Second

	opts = append([]Option{
		WithTickInterval(5 * time.Millisecond),
		WithDefaultQueueConfig(cfg),
	}, opts...)

	d, err := New(opts...)
	require.NoError(t, err)
	return d
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
}

func TestNew_Defaults(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	assert.NotNil(t, d.Events())
	assert.Empty(t, d.Queues())
}

func TestNew_OptionError(t *testing.T) {
	_, err := New(WithLogger(nil))
	require.Error(t, err)

	var dqErr *Error
	require.ErrorAs(t, err, &dqErr)
	assert.Equal(t, ErrCodeConfiguration, dqErr.Code)
}

func TestDispatcher_CreateQueue(t *testing.T) {
	d := newTestDispatcher(t)

	require.NoError(t, d.CreateQueue("orders", model.QueueConfig{}))
	assert.ErrorIs(t, d.CreateQueue("orders", model.QueueConfig{}), ErrQueueExists)

	info, err := d.QueueInfo("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", info.Name)
	assert.Equal(t, 0, info.Pending)
}

func TestDispatcher_CreateQueue_InvalidConfig(t *testing.T) {
	d := newTestDispatcher(t)

	err := d.CreateQueue("bad", model.QueueConfig{DefaultPriority: "urgent"})
	require.Error(t, err)

	var dqErr *Error
	require.ErrorAs(t, err, &dqErr)
	assert.Equal(t, ErrCodeValidation, dqErr.Code)
}

func TestDispatcher_Enqueue_CreatesQueueImplicitly(t *testing.T) {
	d := newTestDispatcher(t)

	var created atomic.Bool
	d.Events().Subscribe(EventQueueCreated, func(Event) { created.Store(true) })

	id, err := d.Enqueue("implicit", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, created.Load())

	info, err := d.QueueInfo("implicit")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Pending)
}

func TestDispatcher_Enqueue_QueueFull(t *testing.T) {
	d := newTestDispatcher(t)
	cfg := model.DefaultQueueConfig()
	cfg.MaxSize = 1
	require.NoError(t, d.CreateQueue("tiny", cfg))

	_, err := d.Enqueue("tiny", "first")
	require.NoError(t, err)

	_, err = d.Enqueue("tiny", "second")
	assert.ErrorIs(t, err, ErrQueueFull)

	info, _ := d.QueueInfo("tiny")
	assert.Equal(t, 1, info.Pending, "rejected enqueue leaves the queue unchanged")
}

func TestDispatcher_Enqueue_RateLimited(t *testing.T) {
	d := newTestDispatcher(t)
	cfg := model.DefaultQueueConfig()
	cfg.RateLimit = ratelimit.Config{Enabled: true, RequestsPerSecond: 1, Burst: 1}
	require.NoError(t, d.CreateQueue("limited", cfg))

	_, err := d.Enqueue("limited", "one", WithRateLimitKey("15550100200"))
	require.NoError(t, err)

	_, err = d.Enqueue("limited", "two", WithRateLimitKey("15550100200"))
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different identifier has its own bucket.
	_, err = d.Enqueue("limited", "three", WithRateLimitKey("15550100300"))
	assert.NoError(t, err)

	// Without a key the gate is not consulted.
	_, err = d.Enqueue("limited", "four")
	assert.NoError(t, err)
}

func TestDispatcher_Enqueue_UnserializablePayload(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.Enqueue("q", make(chan int))
	require.Error(t, err)

	var dqErr *Error
	require.ErrorAs(t, err, &dqErr)
	assert.Equal(t, ErrCodeValidation, dqErr.Code)
}

func TestDispatcher_RegisterWorker_NilRejected(t *testing.T) {
	d := newTestDispatcher(t)
	assert.Error(t, d.RegisterWorker("q", nil))
}

func TestDispatcher_ProcessesHappyPath(t *testing.T) {
	d := newTestDispatcher(t)

	var delivered atomic.Int32
	require.NoError(t, d.RegisterWorker("orders", func(_ context.Context, payload json.RawMessage, _ model.Metadata) error {
		delivered.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		_, err := d.Enqueue("orders", i)
		require.NoError(t, err)
	}

	runDispatcher(t, d)

	assert.Eventually(t, func() bool {
		return delivered.Load() == 5
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		info, err := d.QueueInfo("orders")
		return err == nil && info.Pending == 0 && info.Stats.Processed == 5
	}, 2*time.Second, 5*time.Millisecond)

	stats := d.Stats()
	assert.Equal(t, int64(5), stats.Enqueued)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	d := newTestDispatcher(t)

	var mu sync.Mutex
	var order []string
	require.NoError(t, d.RegisterWorker("mixed", func(_ context.Context, payload json.RawMessage, _ model.Metadata) error {
		var s string
		_ = json.Unmarshal(payload, &s)
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
		return nil
	}))

	// Enqueued low first; high must still drain first.
	_, err := d.Enqueue("mixed", "low", WithPriority(model.PriorityLow))
	require.NoError(t, err)
	_, err = d.Enqueue("mixed", "normal", WithPriority(model.PriorityNormal))
	require.NoError(t, err)
	_, err = d.Enqueue("mixed", "high", WithPriority(model.PriorityHigh))
	require.NoError(t, err)

	runDispatcher(t, d)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	d := newTestDispatcher(t)

	var attempts atomic.Int32
	require.NoError(t, d.RegisterWorker("flaky", func(context.Context, json.RawMessage, model.Metadata) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient failure")
		}
		return nil
	}))

	var retries atomic.Int32
	d.Events().Subscribe(EventMessageRetry, func(Event) { retries.Add(1) })

	_, err := d.Enqueue("flaky", "payload")
	require.NoError(t, err)

	runDispatcher(t, d)

	assert.Eventually(t, func() bool {
		info, err := d.QueueInfo("flaky")
		return err == nil && info.Stats.Processed == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(2), retries.Load())

	info, _ := d.QueueInfo("flaky")
	assert.Equal(t, int64(0), info.Stats.Failed)
	assert.Equal(t, 0, info.Pending)
}

func TestDispatcher_ExhaustedMessageGoesToDeadLetter(t *testing.T) {
	d := newTestDispatcher(t)
	cfg := model.DefaultQueueConfig()
	cfg.Retry = fastRetry()
	cfg.MaxRetries = 2
	cfg.DeadLetterQueue = "failed"
	require.NoError(t, d.CreateQueue("doomed", cfg))

	var attempts atomic.Int32
	require.NoError(t, d.RegisterWorker("doomed", func(context.Context, json.RawMessage, model.Metadata) error {
		attempts.Add(1)
		return errors.New("permanent failure")
	}))

	var failed atomic.Bool
	d.Events().Subscribe(EventMessageFailed, func(Event) { failed.Store(true) })

	_, err := d.Enqueue("doomed", map[string]string{"order": "A-1"})
	require.NoError(t, err)

	runDispatcher(t, d)

	assert.Eventually(t, func() bool { return failed.Load() }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(2), attempts.Load(), "maxRetries bounds total attempts")

	info, err := d.QueueInfo("doomed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Stats.Failed)
	assert.Equal(t, 0, info.Pending)

	// The dead-letter queue was created implicitly and holds the copy,
	// enriched with the originating queue and final error.
	assert.Eventually(t, func() bool {
		dlq, err := d.QueueInfo("failed")
		return err == nil && dlq.Pending == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_NoWorkerNoDispatch(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.Enqueue("idle", "payload")
	require.NoError(t, err)

	runDispatcher(t, d)
	time.Sleep(50 * time.Millisecond)

	info, err := d.QueueInfo("idle")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Pending, "messages accumulate until a worker registers")
	assert.Equal(t, int64(0), info.Stats.Processed)
}

func TestDispatcher_PauseAndResume(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.CreateQueue("pausable", model.QueueConfig{}))

	var delivered atomic.Int32
	require.NoError(t, d.RegisterWorker("pausable", func(context.Context, json.RawMessage, model.Metadata) error {
		delivered.Add(1)
		return nil
	}))

	require.NoError(t, d.PauseQueue("pausable"))

	_, err := d.Enqueue("pausable", "payload")
	require.NoError(t, err)

	runDispatcher(t, d)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), delivered.Load(), "paused queue starts no batches")

	require.NoError(t, d.ResumeQueue("pausable"))
	assert.Eventually(t, func() bool {
		return delivered.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_PauseQueue_MissingQueue(t *testing.T) {
	d := newTestDispatcher(t)
	assert.ErrorIs(t, d.PauseQueue("ghost"), ErrNoData)
	assert.ErrorIs(t, d.ResumeQueue("ghost"), ErrNoData)
}

func TestDispatcher_ScheduledMessageWaits(t *testing.T) {
	d := newTestDispatcher(t)

	var delivered atomic.Int32
	require.NoError(t, d.RegisterWorker("later", func(context.Context, json.RawMessage, model.Metadata) error {
		delivered.Add(1)
		return nil
	}))

	_, err := d.Enqueue("later", "payload", WithDelay(100*time.Millisecond))
	require.NoError(t, err)

	runDispatcher(t, d)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), delivered.Load(), "deferred message must not dispatch early")

	assert.Eventually(t, func() bool {
		return delivered.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_WorkerTimeout(t *testing.T) {
	d := newTestDispatcher(t)
	cfg := model.DefaultQueueConfig()
	cfg.Retry = fastRetry()
	cfg.MaxRetries = 1
	cfg.ProcessingTimeout = 20 * time.Millisecond
	require.NoError(t, d.CreateQueue("hung", cfg))

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	require.NoError(t, d.RegisterWorker("hung", func(context.Context, json.RawMessage, model.Metadata) error {
		<-block // ignores its context on purpose
		return nil
	}))

	var failedErr atomic.Value
	d.Events().Subscribe(EventMessageFailed, func(e Event) { failedErr.Store(e.Error) })

	_, err := d.Enqueue("hung", "payload")
	require.NoError(t, err)

	runDispatcher(t, d)

	assert.Eventually(t, func() bool {
		return failedErr.Load() != nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, failedErr.Load().(string), "timed out")
}

func TestDispatcher_AbandonedWorkerCannotMutateMetadata(t *testing.T) {
	store := &memStore{}
	d := newTestDispatcher(t, WithStore(store))
	cfg := model.DefaultQueueConfig()
	cfg.Retry = fastRetry()
	cfg.MaxRetries = 1
	cfg.ProcessingTimeout = 20 * time.Millisecond
	cfg.DeadLetterQueue = "stuck-dlq"
	require.NoError(t, d.CreateQueue("stuck", cfg))

	release := make(chan struct{})
	returned := make(chan struct{})
	require.NoError(t, d.RegisterWorker("stuck", func(_ context.Context, _ json.RawMessage, metadata model.Metadata) error {
		<-release // ignores its context on purpose
		metadata["late"] = "should never be visible"
		close(returned)
		return errors.New("too late anyway")
	}))

	var failed atomic.Bool
	d.Events().Subscribe(EventMessageFailed, func(Event) { failed.Store(true) })

	_, err := d.Enqueue("stuck", "payload", WithMetadata(model.Metadata{"campaign": "welcome"}))
	require.NoError(t, err)

	runDispatcher(t, d)
	assert.Eventually(t, func() bool { return failed.Load() }, 5*time.Second, 5*time.Millisecond)

	// Let the abandoned goroutine finish its late write, then snapshot.
	close(release)
	<-returned
	require.NoError(t, d.Flush(context.Background()))

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, snap.Queues, "stuck-dlq")
	require.Len(t, snap.Queues["stuck-dlq"].Messages, 1)

	meta := snap.Queues["stuck-dlq"].Messages[0].Metadata
	assert.Equal(t, "welcome", meta["campaign"])
	assert.Equal(t, "stuck", meta[model.MetaOriginalQueue])
	assert.NotContains(t, meta, "late", "a write after abandonment lands on an orphaned copy")
}

func TestDispatcher_WorkerMetadataSurvivesRetry(t *testing.T) {
	d := newTestDispatcher(t)

	var attempts atomic.Int32
	var seenOnRetry atomic.Bool
	require.NoError(t, d.RegisterWorker("sticky", func(_ context.Context, _ json.RawMessage, metadata model.Metadata) error {
		if attempts.Add(1) == 1 {
			metadata["receipt"] = "partial"
			return errors.New("transient failure")
		}
		seenOnRetry.Store(metadata["receipt"] == "partial")
		return nil
	}))

	_, err := d.Enqueue("sticky", "payload", WithMetadata(model.Metadata{}))
	require.NoError(t, err)

	runDispatcher(t, d)

	assert.Eventually(t, func() bool {
		info, err := d.QueueInfo("sticky")
		return err == nil && info.Stats.Processed == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, seenOnRetry.Load(), "metadata written by an in-time attempt must reach the next attempt")
}

func TestDispatcher_WorkerGetsMetadata(t *testing.T) {
	d := newTestDispatcher(t)

	var got atomic.Value
	require.NoError(t, d.RegisterWorker("meta", func(_ context.Context, _ json.RawMessage, metadata model.Metadata) error {
		got.Store(metadata["campaign"])
		return nil
	}))

	_, err := d.Enqueue("meta", "payload", WithMetadata(model.Metadata{"campaign": "welcome"}))
	require.NoError(t, err)

	runDispatcher(t, d)

	assert.Eventually(t, func() bool {
		v, _ := got.Load().(string)
		return v == "welcome"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_IndependentQueues(t *testing.T) {
	d := newTestDispatcher(t)

	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })
	require.NoError(t, d.RegisterWorker("slow", func(ctx context.Context, _ json.RawMessage, _ model.Metadata) error {
		select {
		case <-blocked:
		case <-ctx.Done():
		}
		return nil
	}))

	var fastDone atomic.Int32
	require.NoError(t, d.RegisterWorker("fast", func(context.Context, json.RawMessage, model.Metadata) error {
		fastDone.Add(1)
		return nil
	}))

	_, err := d.Enqueue("slow", "payload")
	require.NoError(t, err)
	_, err = d.Enqueue("fast", "payload")
	require.NoError(t, err)

	runDispatcher(t, d)

	assert.Eventually(t, func() bool {
		return fastDone.Load() == 1
	}, 2*time.Second, 5*time.Millisecond, "a stalled queue must not block other queues")
}

func TestDispatcher_DeleteQueue(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.CreateQueue("gone", model.QueueConfig{}))

	require.NoError(t, d.DeleteQueue("gone"))
	assert.ErrorIs(t, d.DeleteQueue("gone"), ErrNoData)

	_, err := d.QueueInfo("gone")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestDispatcher_ClearQueue(t *testing.T) {
	d := newTestDispatcher(t)
	for i := 0; i < 3; i++ {
		_, err := d.Enqueue("bulk", i)
		require.NoError(t, err)
	}

	n, err := d.ClearQueue("bulk")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	info, _ := d.QueueInfo("bulk")
	assert.Equal(t, 0, info.Pending)

	_, err = d.ClearQueue("missing")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestDispatcher_PersistAndRestore(t *testing.T) {
	store := &memStore{}

	d := newTestDispatcher(t, WithStore(store))
	_, err := d.Enqueue("durable", map[string]string{"k": "v"}, WithPriority(model.PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, d.Flush(context.Background()))

	// A fresh dispatcher restores the queue with its pending message.
	d2 := newTestDispatcher(t, WithStore(store))
	d2.Restore(context.Background())

	info, err := d2.QueueInfo("durable")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Pending)
	assert.False(t, info.Processing, "restored queues never start mid-batch")

	// The restored message is deliverable.
	var delivered atomic.Int32
	require.NoError(t, d2.RegisterWorker("durable", func(context.Context, json.RawMessage, model.Metadata) error {
		delivered.Add(1)
		return nil
	}))
	runDispatcher(t, d2)
	assert.Eventually(t, func() bool {
		return delivered.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_Restore_NoSnapshotIsNonFatal(t *testing.T) {
	d := newTestDispatcher(t, WithStore(&memStore{}))
	d.Restore(context.Background())
	assert.Empty(t, d.Queues())
}

func TestDispatcher_PersistsAfterBatch(t *testing.T) {
	store := &memStore{}
	d := newTestDispatcher(t, WithStore(store))

	require.NoError(t, d.RegisterWorker("persisted", func(context.Context, json.RawMessage, model.Metadata) error {
		return nil
	}))
	_, err := d.Enqueue("persisted", "payload")
	require.NoError(t, err)

	runDispatcher(t, d)

	assert.Eventually(t, func() bool {
		return store.saveCount() > 0
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, snap.Queues, "persisted")
	assert.Equal(t, int64(1), snap.Stats.Processed)
}

func TestDispatcher_Queues_SortedByName(t *testing.T) {
	d := newTestDispatcher(t)
	for _, name := range []string{"zulu", "alpha", "mike"} {
		require.NoError(t, d.CreateQueue(name, model.QueueConfig{}))
	}

	infos := d.Queues()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "mike", infos[1].Name)
	assert.Equal(t, "zulu", infos[2].Name)
}

func TestDispatcher_EventSequenceForLifecycle(t *testing.T) {
	d := newTestDispatcher(t)

	var mu sync.Mutex
	var kinds []EventKind
	d.Events().SubscribeAll(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	require.NoError(t, d.RegisterWorker("events", func(context.Context, json.RawMessage, model.Metadata) error {
		return nil
	}))
	_, err := d.Enqueue("events", "payload")
	require.NoError(t, err)

	runDispatcher(t, d)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, k := range kinds {
			if k == EventMessageProcessed {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventWorkerRegistered, kinds[0])
	assert.Contains(t, kinds, EventQueueCreated)
	assert.Contains(t, kinds, EventMessageAdded)
}

func TestDispatcher_PerMessageMaxRetriesOverride(t *testing.T) {
	d := newTestDispatcher(t)
	cfg := model.DefaultQueueConfig()
	cfg.Retry = fastRetry()
	cfg.MaxRetries = 5
	require.NoError(t, d.CreateQueue("override", cfg))

	var attempts atomic.Int32
	require.NoError(t, d.RegisterWorker("override", func(context.Context, json.RawMessage, model.Metadata) error {
		attempts.Add(1)
		return errors.New("always fails")
	}))

	var failed atomic.Bool
	d.Events().Subscribe(EventMessageFailed, func(Event) { failed.Store(true) })

	_, err := d.Enqueue("override", "payload", WithMaxRetries(1))
	require.NoError(t, err)

	runDispatcher(t, d)

	assert.Eventually(t, func() bool { return failed.Load() }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load(), "per-message ceiling overrides the queue default")
}
