package transcode

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/shrinkarr/internal/models"
)

func testItem(name string) *models.MediaItem {
	return &models.MediaItem{
		BaseModel: models.BaseModel{ID: models.NewULID()},
		Name:      name,
		Path:      "/media/" + name,
		Type:      models.ItemTypeMovie,
	}
}

func TestQueue_AddIsIdempotent(t *testing.T) {
	q := NewQueue(newMockCatalog())
	item := testItem("a.mkv")

	assert.True(t, q.Add(item))
	assert.False(t, q.Add(item))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_GetReturnsCopy(t *testing.T) {
	q := NewQueue(newMockCatalog())
	item := testItem("a.mkv")
	q.Add(item)

	item.Name = "changed"
	got, ok := q.Get(item.ID)
	require.True(t, ok)
	assert.Equal(t, "a.mkv", got.Item.Name)

	got.Item.Name = "changed again"
	again, _ := q.Get(item.ID)
	assert.Equal(t, "a.mkv", again.Item.Name)
}

func TestQueue_Remove(t *testing.T) {
	q := NewQueue(newMockCatalog())
	item := testItem("a.mkv")
	q.Add(item)
	q.SetProgress(item.ID, 42)

	removed, ok := q.Remove(item.ID)
	require.True(t, ok)
	assert.Equal(t, 42.0, removed.Progress)
	assert.False(t, q.Contains(item.ID))

	_, ok = q.Remove(item.ID)
	assert.False(t, ok)
}

func TestQueue_SetProgressNeverResurrects(t *testing.T) {
	q := NewQueue(newMockCatalog())
	item := testItem("a.mkv")
	q.Add(item)
	q.Remove(item.ID)

	assert.False(t, q.SetProgress(item.ID, 10))
	assert.False(t, q.Contains(item.ID))
}

func TestQueue_SetProgressClamps(t *testing.T) {
	q := NewQueue(newMockCatalog())
	item := testItem("a.mkv")
	q.Add(item)

	q.SetProgress(item.ID, 150)
	got, _ := q.Get(item.ID)
	assert.Equal(t, 100.0, got.Progress)

	q.SetProgress(item.ID, -5)
	got, _ = q.Get(item.ID)
	assert.Equal(t, 0.0, got.Progress)
	assert.False(t, got.IsRunning())
}

func TestQueue_Refresh(t *testing.T) {
	item := testItem("a.mkv")
	catalog := newMockCatalog(item)
	q := NewQueue(catalog)
	q.Add(item)

	updated := item.Clone()
	updated.Width, updated.Height = 1920, 1080
	catalog.put(updated)

	entry, ok, err := q.Refresh(context.Background(), item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Item.HasMetadata())

	catalog.delete(item.ID)
	_, ok, err = q.Refresh(context.Background(), item.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, q.Contains(item.ID), "entry for a deleted item is dropped")
}

func TestQueue_RefreshError(t *testing.T) {
	item := testItem("a.mkv")
	catalog := newMockCatalog(item)
	q := NewQueue(catalog)
	q.Add(item)

	catalog.err = errors.New("db down")
	_, _, err := q.Refresh(context.Background(), item.ID)
	assert.Error(t, err)
	assert.True(t, q.Contains(item.ID), "lookup failures keep the entry")
}

func TestQueue_RefreshAll(t *testing.T) {
	a, b := testItem("a.mkv"), testItem("b.mkv")
	catalog := newMockCatalog(a, b)
	q := NewQueue(catalog)
	q.Add(a)
	q.Add(b)

	catalog.delete(b.ID)
	updated := a.Clone()
	updated.Width = 640
	catalog.put(updated)

	dropped, err := q.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []models.ULID{a.ID}, q.Keys())

	got, _ := q.Get(a.ID)
	assert.Equal(t, 640, got.Item.Width)
}

func TestQueue_SnapshotOldestFirst(t *testing.T) {
	q := NewQueue(newMockCatalog())
	var ids []models.ULID
	for _, name := range []string{"a.mkv", "b.mkv", "c.mkv"} {
		item := testItem(name)
		ids = append(ids, item.ID)
		q.Add(item)
	}
	assert.Equal(t, ids, q.Keys())
}

func TestQueue_ConcurrentAccess(t *testing.T) {
	q := NewQueue(newMockCatalog())
	item := testItem("a.mkv")

	var wg sync.WaitGroup
	added := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			added <- q.Add(item)
			q.SetProgress(item.ID, float64(i))
			q.Snapshot()
		}(i)
	}
	wg.Wait()
	close(added)

	wins := 0
	for ok := range added {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, q.Len())
}
