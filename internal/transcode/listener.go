package transcode

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jmylchreest/shrinkarr/internal/events"
	"github.com/jmylchreest/shrinkarr/internal/models"
)

// EventSource delivers catalog events. Subscribe returns the function that
// ends the subscription.
type EventSource interface {
	Subscribe(name string, handler events.Handler) (unsubscribe func())
}

// jobController is the part of the worker the listener drives.
type jobController interface {
	CancelItem(id models.ULID) bool
	Wake()
}

// Listener reacts to catalog changes: it links finished derivatives back to
// their source, queues items that need shrinking when auto-enqueue is on,
// and cancels work for removed items.
type Listener struct {
	source    EventSource
	queue     *Queue
	evaluator *Evaluator
	catalog   Catalog
	links     *LinkRegistry
	jobs      jobController
	logger    *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// NewListener creates a listener. Call Start to subscribe.
func NewListener(source EventSource, queue *Queue, evaluator *Evaluator, catalog Catalog, links *LinkRegistry, jobs jobController, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		source:    source,
		queue:     queue,
		evaluator: evaluator,
		catalog:   catalog,
		links:     links,
		jobs:      jobs,
		logger:    logger.With(slog.String("component", "transcode_listener")),
	}
}

// Start subscribes to the event source. Calling it twice is a no-op.
func (l *Listener) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsubscribe != nil {
		return
	}
	l.unsubscribe = l.source.Subscribe("transcode", l.handle)
}

// Stop ends the subscription and waits for the in-flight event, if any.
func (l *Listener) Stop() {
	l.mu.Lock()
	unsubscribe := l.unsubscribe
	l.unsubscribe = nil
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (l *Listener) handle(ev events.Event) {
	if ev.Item == nil {
		return
	}
	ctx := context.Background()

	switch ev.Type {
	case events.ItemAdded:
		if l.linkProduced(ctx, ev.Item) {
			return
		}
		l.maybeEnqueue(ctx, ev.Item)
	case events.ItemUpdated:
		l.maybeEnqueue(ctx, ev.Item)
	case events.ItemRemoved:
		if l.jobs.CancelItem(ev.Item.ID) {
			l.logger.Info("dropped transcode for removed item",
				slog.String("item_id", ev.Item.ID.String()),
				slog.String("path", ev.Item.Path),
			)
		}
	}
}

// linkProduced links an item we produced to its source and reports whether
// the item was one of ours.
func (l *Listener) linkProduced(ctx context.Context, item *models.MediaItem) bool {
	sourceID, ok := l.links.Take(item.Path)
	if !ok {
		return false
	}
	if err := l.catalog.LinkAlternateVersion(ctx, item.ID, sourceID); err != nil {
		l.logger.Error("failed to link derivative to source",
			slog.String("item_id", item.ID.String()),
			slog.String("source_id", sourceID.String()),
			slog.String("error", err.Error()),
		)
		return true
	}
	l.logger.Info("linked derivative as alternate version",
		slog.String("item_id", item.ID.String()),
		slog.String("source_id", sourceID.String()),
		slog.String("path", item.Path),
	)
	return true
}

func (l *Listener) maybeEnqueue(ctx context.Context, item *models.MediaItem) {
	// Series and seasons are containers; only their episodes are shrunk.
	if !item.Type.IsSingleVideo() {
		return
	}
	if l.queue.Contains(item.ID) {
		return
	}

	policy, err := l.evaluator.Policy()
	if err != nil {
		l.logger.Warn("skipping auto-enqueue, no transcode policy",
			slog.String("item_id", item.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !policy.AutoEnqueue {
		return
	}

	opts, err := l.evaluator.EvaluateWithPolicy(ctx, item, policy, EvaluateOptions{CheckAlternates: true})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			l.logger.Warn("failed to evaluate item",
				slog.String("item_id", item.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if opts == nil {
		return
	}

	if l.queue.Add(item) {
		l.logger.Info("queued item for transcode",
			slog.String("item_id", item.ID.String()),
			slog.String("path", item.Path),
			slog.String("resolution", opts.ResolutionTag()),
			slog.Int("bitrate_kbps", opts.BitrateKbps),
		)
		l.jobs.Wake()
	}
}
