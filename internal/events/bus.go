// Package events provides the in-process catalog event feed.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/shrinkarr/internal/models"
)

// Type identifies what happened to a catalog item.
type Type string

const (
	ItemAdded   Type = "item_added"
	ItemRemoved Type = "item_removed"
	ItemUpdated Type = "item_updated"
)

// Event carries a snapshot of the item at the time of the change.
// Handlers own the snapshot and may keep it.
type Event struct {
	Type      Type
	Item      *models.MediaItem
	Timestamp time.Time
}

// Handler receives events on the subscriber's own goroutine.
type Handler func(Event)

// defaultBufferSize is the per-subscriber backlog before Publish blocks.
const defaultBufferSize = 256

type subscriber struct {
	name   string
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// Bus fans events out to subscribers. Each subscriber drains its own buffered
// channel, so a slow handler only delays itself.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool
	logger      *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		logger:      logger.With(slog.String("component", "event_bus")),
	}
}

// Subscribe registers handler and returns the function that removes it.
// The returned function waits for the handler's in-flight call to finish
// and is safe to call more than once, but must not be called from handler.
func (b *Bus) Subscribe(name string, handler Handler) (unsubscribe func()) {
	sub := &subscriber{
		name:   name,
		events: make(chan Event, defaultBufferSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.events:
				b.dispatch(sub, handler, ev)
			}
		}
	}()

	b.logger.Debug("subscriber added", slog.String("subscriber", name))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(sub)
			sub.wg.Wait()
		})
	}
}

func (b *Bus) dispatch(sub *subscriber, handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("subscriber", sub.name),
				slog.String("event", string(ev.Type)),
				slog.Any("panic", r),
			)
		}
	}()
	handler(ev)
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub.done)
	b.logger.Debug("subscriber removed", slog.String("subscriber", sub.name))
}

// Publish delivers an event to every subscriber. It blocks while a
// subscriber's backlog is full and returns early for subscribers that
// unsubscribe meanwhile.
func (b *Bus) Publish(typ Type, item *models.MediaItem) {
	ev := Event{Type: typ, Timestamp: time.Now()}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		ev.Item = item.Clone()
		select {
		case sub.events <- ev:
		case <-sub.done:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close removes every subscriber. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = make(map[*subscriber]struct{})
	for sub := range subs {
		close(sub.done)
	}
	b.mu.Unlock()

	for sub := range subs {
		sub.wg.Wait()
	}
}
