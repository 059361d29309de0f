package aiqueue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelforge/gallery-core/internal/modelclient"
)

// Finder is the subset of processor.Processor the discoverer depends on,
// restated here to avoid aiqueue importing the processor package (which
// would invert the natural dependency direction: processors are driven by
// the queue, not the other way around).
type Finder interface {
	TaskKind() modelclient.TaskKind
	FindPendingItems(ctx context.Context, modelName string, limit int) ([]string, error)
}

// ModelBinding names one (processor, model) pair the discoverer should poll.
type ModelBinding struct {
	Finder    Finder
	ModelName string
}

// Discoverer polls every registered processor for newly eligible items and
// enqueues them, at a slower cadence than the dispatcher's worker loop:
// items shouldn't accumulate faster than backends can process them.
type Discoverer struct {
	store    *Store
	bindings []ModelBinding
	log      zerolog.Logger
	interval time.Duration
	batch    int
}

// NewDiscoverer returns a Discoverer polling bindings every interval,
// enqueuing up to batch items per processor per tick.
func NewDiscoverer(store *Store, bindings []ModelBinding, log zerolog.Logger, interval time.Duration, batch int) *Discoverer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Discoverer{store: store, bindings: bindings, log: log.With().Str("component", "discoverer").Logger(), interval: interval, batch: batch}
}

// Run polls until ctx is cancelled.
func (d *Discoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Discoverer) tick(ctx context.Context) {
	for _, b := range d.bindings {
		taskKind := string(b.Finder.TaskKind())
		items, err := b.Finder.FindPendingItems(ctx, b.ModelName, d.batch)
		if err != nil {
			d.log.Error().Err(err).Str("task_kind", taskKind).Str("model", b.ModelName).Msg("discovery failed")
			continue
		}
		for _, itemID := range items {
			if err := d.store.Enqueue(ctx, taskKind, b.ModelName, itemID); err != nil {
				d.log.Error().Err(err).Str("item", itemID).Msg("enqueue failed")
			}
		}
	}
}
