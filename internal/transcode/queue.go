package transcode

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/shrinkarr/internal/models"
)

// QueueItem is one pending or running job.
// Progress 0 means queued, anything above means the job is running.
type QueueItem struct {
	ItemID   models.ULID       `json:"item_id"`
	Item     *models.MediaItem `json:"item"`
	Progress float64           `json:"progress"`
	AddedAt  time.Time         `json:"added_at"`

	seq uint64
}

// IsRunning reports whether the job has started.
func (q QueueItem) IsRunning() bool {
	return q.Progress > 0
}

// Queue holds pending and running jobs keyed by item ID. Finished jobs are
// removed, so there is never a completed or failed entry. All methods are
// safe for concurrent use and return copies.
type Queue struct {
	mu      sync.RWMutex
	entries map[models.ULID]*QueueItem
	nextSeq uint64
	catalog Catalog
}

// NewQueue creates an empty queue that refreshes snapshots from catalog.
func NewQueue(catalog Catalog) *Queue {
	return &Queue{
		entries: make(map[models.ULID]*QueueItem),
		catalog: catalog,
	}
}

// Add inserts item unless its ID is already queued.
func (q *Queue) Add(item *models.MediaItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[item.ID]; ok {
		return false
	}
	q.nextSeq++
	q.entries[item.ID] = &QueueItem{
		ItemID:  item.ID,
		Item:    item.Clone(),
		AddedAt: time.Now(),
		seq:     q.nextSeq,
	}
	return true
}

// Remove deletes the entry whatever its progress and returns it.
func (q *Queue) Remove(id models.ULID) (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return QueueItem{}, false
	}
	delete(q.entries, id)
	return e.copy(), true
}

// Get returns a copy of the entry.
func (q *Queue) Get(id models.ULID) (QueueItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	e, ok := q.entries[id]
	if !ok {
		return QueueItem{}, false
	}
	return e.copy(), true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id models.ULID) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.entries[id]
	return ok
}

// SetProgress updates the progress of a queued entry. It never re-creates an
// entry removed concurrently and reports whether the entry existed.
func (q *Queue) SetProgress(id models.ULID, progress float64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return false
	}
	e.Progress = min(max(progress, 0), 100)
	return true
}

// Refresh replaces the entry's item snapshot with the catalog's current copy.
// An item the catalog no longer knows is removed; ok is false in that case
// and when the entry was not queued.
func (q *Queue) Refresh(ctx context.Context, id models.ULID) (QueueItem, bool, error) {
	if !q.Contains(id) {
		return QueueItem{}, false, nil
	}

	item, err := q.catalog.GetItem(ctx, id)
	if err != nil {
		return QueueItem{}, false, fmt.Errorf("refreshing queued item %s: %w", id, err)
	}
	if item == nil {
		q.Remove(id)
		return QueueItem{}, false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return QueueItem{}, false, nil
	}
	e.Item = item.Clone()
	return e.copy(), true, nil
}

// RefreshAll refreshes every entry with one catalog lookup and returns the
// number of entries dropped because their item is gone.
func (q *Queue) RefreshAll(ctx context.Context) (int, error) {
	ids := q.Keys()
	if len(ids) == 0 {
		return 0, nil
	}

	items, err := q.catalog.GetItems(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("refreshing queue: %w", err)
	}
	byID := make(map[models.ULID]*models.MediaItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for _, id := range ids {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		item, found := byID[id]
		if !found {
			delete(q.entries, id)
			dropped++
			continue
		}
		e.Item = item.Clone()
	}
	return dropped, nil
}

// Keys returns the queued IDs, oldest first.
func (q *Queue) Keys() []models.ULID {
	snapshot := q.Snapshot()
	ids := make([]models.ULID, len(snapshot))
	for i, e := range snapshot {
		ids[i] = e.ItemID
	}
	return ids
}

// Snapshot returns copies of all entries, oldest first.
func (q *Queue) Snapshot() []QueueItem {
	q.mu.RLock()
	out := make([]QueueItem, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.copy())
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

func (e *QueueItem) copy() QueueItem {
	c := *e
	c.Item = e.Item.Clone()
	return c
}
