package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelforge/gallery-core/internal/aiqueue"
	"github.com/pixelforge/gallery-core/internal/modelclient"
	"github.com/pixelforge/gallery-core/internal/netretry"
	"github.com/pixelforge/gallery-core/internal/notify"
)

// Handler processes one aiqueue item for a given task kind, using client to
// do the actual model call. It returns an error to have the item marked
// failed (and retained for retry); a nil return marks it succeeded and
// removes it from the queue.
type Handler func(ctx context.Context, client modelclient.Client, modelName string, item aiqueue.Item) error

// Registry maps a task kind to the handler that knows how to process it.
type Registry map[modelclient.TaskKind]Handler

// Dispatcher owns one poll loop per enabled (task_kind, model_name) queue.
type Dispatcher struct {
	store    *aiqueue.Store
	pool     *ClientPool
	handlers Registry
	bus      *notify.Bus
	log      zerolog.Logger

	pollInterval time.Duration
	batchSize    int

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Dispatcher. pollInterval governs how often idle queues are
// re-checked for newly enqueued items.
func New(store *aiqueue.Store, pool *ClientPool, handlers Registry, bus *notify.Bus, log zerolog.Logger, pollInterval time.Duration) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Dispatcher{
		store:        store,
		pool:         pool,
		handlers:     handlers,
		bus:          bus,
		log:          log.With().Str("component", "dispatcher").Logger(),
		pollInterval: pollInterval,
		batchSize:    10,
		cancels:      make(map[int64]context.CancelFunc),
	}
}

// Start spawns one goroutine per queue currently registered in the store and
// returns once they're all running. New queues created after Start must be
// picked up by a future restart: queue discovery runs at dispatcher
// startup, not as a hot-reload.
func (d *Dispatcher) Start(ctx context.Context) error {
	queues, err := d.store.EnabledQueues(ctx)
	if err != nil {
		return err
	}
	for _, q := range queues {
		d.startQueue(ctx, q)
	}
	return nil
}

func (d *Dispatcher) startQueue(parent context.Context, q aiqueue.Queue) {
	qCtx, cancel := context.WithCancel(parent)

	d.mu.Lock()
	d.cancels[q.ID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runQueue(qCtx, q)
	}()
}

// Stop cancels every running queue loop and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	for _, cancel := range d.cancels {
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) runQueue(ctx context.Context, q aiqueue.Queue) {
	kind := modelclient.TaskKind(q.TaskKind)
	handler, ok := d.handlers[kind]
	if !ok {
		d.log.Warn().Str("queue", q.QueueKey).Msg("no handler registered for task kind, skipping queue")
		return
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx, q, kind, handler)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context, q aiqueue.Queue, kind modelclient.TaskKind, handler Handler) {
	for {
		items, err := d.store.NextPending(ctx, q.QueueKey, d.batchSize)
		if err != nil {
			d.log.Error().Err(err).Str("queue", q.QueueKey).Msg("failed to fetch pending items")
			return
		}
		if len(items) == 0 {
			return
		}

		_ = d.store.SetQueueStatus(ctx, q.ID, aiqueue.QueueProcessing)
		for _, item := range items {
			d.processOne(ctx, kind, q.ModelName, handler, item)
		}
		_ = d.store.SetQueueStatus(ctx, q.ID, aiqueue.QueueIdle)

		d.publishStatus(ctx, q)

		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) processOne(ctx context.Context, kind modelclient.TaskKind, modelName string, handler Handler, item aiqueue.Item) {
	_, err := d.pool.Dispatch(ctx, kind, func(ctx context.Context, client modelclient.Client) (any, error) {
		retryErr := netretry.Do(ctx, netretry.DefaultConfig(), func() error {
			return handler(ctx, client, modelName, item)
		})
		return nil, retryErr
	})
	if err != nil {
		d.log.Warn().Err(err).Int64("item_id", item.ID).Str("item", item.ItemID).Msg("item processing failed")
		if failErr := d.store.Fail(ctx, item.ID, err.Error()); failErr != nil {
			d.log.Error().Err(failErr).Int64("item_id", item.ID).Msg("failed to record item failure")
		}
		return
	}
	if succErr := d.store.Succeed(ctx, item.ID); succErr != nil {
		d.log.Error().Err(succErr).Int64("item_id", item.ID).Msg("failed to record item success")
	}
}

func (d *Dispatcher) publishStatus(ctx context.Context, q aiqueue.Queue) {
	refreshed, err := d.store.EnsureQueue(ctx, q.TaskKind, q.ModelName)
	if err != nil {
		return
	}
	d.bus.Publish(notify.AIQueueStatusEvent{
		BaseEvent: notify.BaseEvent{EventTopic: notify.TopicAIQueueStatus},
		TaskKind:  refreshed.TaskKind,
		ModelName: refreshed.ModelName,
		Pending:   refreshed.PendingCount,
		Failed:    refreshed.FailedCount,
	})
}
