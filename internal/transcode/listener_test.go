package transcode

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/shrinkarr/internal/config"
	"github.com/jmylchreest/shrinkarr/internal/events"
	"github.com/jmylchreest/shrinkarr/internal/models"
)

// fakeJobs records listener calls to the worker.
type fakeJobs struct {
	mu        sync.Mutex
	cancelled []models.ULID
	wakes     int
}

func (j *fakeJobs) CancelItem(id models.ULID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = append(j.cancelled, id)
	return true
}

func (j *fakeJobs) Wake() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.wakes++
}

func (j *fakeJobs) cancelledIDs() []models.ULID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]models.ULID(nil), j.cancelled...)
}

type listenerFixture struct {
	bus      *events.Bus
	queue    *Queue
	catalog  *mockCatalog
	links    *LinkRegistry
	jobs     *fakeJobs
	listener *Listener
}

func newListenerFixture(t *testing.T, policies PolicyProvider, items ...*models.MediaItem) *listenerFixture {
	t.Helper()
	bus := events.NewBus(nil)
	catalog := newMockCatalog(items...)
	queue := NewQueue(catalog)
	links := NewLinkRegistry()
	jobs := &fakeJobs{}
	l := NewListener(bus, queue, NewEvaluator(policies, catalog, queue, nil), catalog, links, jobs, nil)
	l.Start()
	t.Cleanup(func() {
		l.Stop()
		bus.Close()
	})
	return &listenerFixture{bus: bus, queue: queue, catalog: catalog, links: links, jobs: jobs, listener: l}
}

// flush waits until every event published so far has been handled. Events
// reach the handler in order, so a marker removal being seen is enough.
func (f *listenerFixture) flush(t *testing.T) {
	t.Helper()
	marker := testItem("marker.mkv")
	f.bus.Publish(events.ItemRemoved, marker)
	require.Eventually(t, func() bool {
		ids := f.jobs.cancelledIDs()
		return len(ids) > 0 && ids[len(ids)-1] == marker.ID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListener_AutoEnqueue(t *testing.T) {
	dir := t.TempDir()
	big := newSourceItem(t, dir, "Big.mkv", 3840, 2160, 20000)
	small := newSourceItem(t, dir, "Small.mkv", 1280, 720, 1000)
	f := newListenerFixture(t, StaticPolicy(testPolicy()), big, small)

	f.bus.Publish(events.ItemAdded, big)
	f.bus.Publish(events.ItemAdded, small)

	f.flush(t)
	assert.True(t, f.queue.Contains(big.ID))
	assert.False(t, f.queue.Contains(small.ID))
	assert.Equal(t, 1, f.queue.Len())
}

func TestListener_AutoEnqueueDisabled(t *testing.T) {
	dir := t.TempDir()
	big := newSourceItem(t, dir, "Big.mkv", 3840, 2160, 20000)
	p := testPolicy()
	p.AutoEnqueue = false
	f := newListenerFixture(t, StaticPolicy(p), big)

	f.bus.Publish(events.ItemUpdated, big)
	f.flush(t)
	assert.Zero(t, f.queue.Len())
}

func TestListener_SkipsContainerTypes(t *testing.T) {
	dir := t.TempDir()
	series := newSourceItem(t, dir, "Show.mkv", 3840, 2160, 20000)
	series.Type = models.ItemTypeSeries
	f := newListenerFixture(t, StaticPolicy(testPolicy()), series)

	f.bus.Publish(events.ItemAdded, series)
	f.flush(t)
	assert.Zero(t, f.queue.Len())
}

func TestListener_EnqueueOnUpdateAfterProbe(t *testing.T) {
	dir := t.TempDir()
	item := newSourceItem(t, dir, "Movie.mkv", 0, 0, 0)
	f := newListenerFixture(t, StaticPolicy(testPolicy()), item)

	f.bus.Publish(events.ItemAdded, item)
	f.flush(t)
	assert.False(t, f.queue.Contains(item.ID), "unprobed items are not queued")

	probed := item.Clone()
	probed.Width, probed.Height, probed.VideoBitrateKbps = 1920, 1080, 8000
	f.catalog.put(probed)
	f.bus.Publish(events.ItemUpdated, probed)

	require.Eventually(t, func() bool { return f.queue.Contains(item.ID) }, 2*time.Second, 10*time.Millisecond)
}

func TestListener_RemovedCancels(t *testing.T) {
	item := testItem("a.mkv")
	f := newListenerFixture(t, StaticPolicy(testPolicy()), item)

	f.bus.Publish(events.ItemRemoved, item)
	require.Eventually(t, func() bool { return len(f.jobs.cancelledIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, item.ID, f.jobs.cancelledIDs()[0])
}

func TestListener_LinksProducedDerivative(t *testing.T) {
	dir := t.TempDir()
	source := newSourceItem(t, dir, "Movie.mkv", 1920, 1080, 5000)
	derivative := newSourceItem(t, dir, "Movie - [zzz][1080p][3000kbps].mp4", 1920, 1080, 3000)
	f := newListenerFixture(t, StaticPolicy(testPolicy()), source, derivative)
	f.links.Record(filepath.Join(dir, "Movie - [zzz][1080p][3000kbps].mp4"), source.ID)

	f.bus.Publish(events.ItemAdded, derivative)
	require.Eventually(t, func() bool {
		_, ok := f.catalog.linkedTo(derivative.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	linked, _ := f.catalog.linkedTo(derivative.ID)
	assert.Equal(t, source.ID, linked)
	assert.Zero(t, f.links.Len())
	assert.False(t, f.queue.Contains(derivative.ID))
}

func TestListener_StopUnsubscribes(t *testing.T) {
	f := newListenerFixture(t, NewConfigPolicyProvider(&config.TranscodeConfig{}))
	assert.Equal(t, 1, f.bus.SubscriberCount())

	f.listener.Start()
	assert.Equal(t, 1, f.bus.SubscriberCount(), "second Start is a no-op")

	f.listener.Stop()
	f.listener.Stop()
	assert.Zero(t, f.bus.SubscriberCount())
}

func TestLinkRegistry_Prune(t *testing.T) {
	r := NewLinkRegistry()
	r.Record("/m/a.mp4", models.NewULID())
	assert.Zero(t, r.Prune(time.Hour))
	assert.Equal(t, 1, r.Prune(-time.Second))
	_, ok := r.Take("/m/a.mp4")
	assert.False(t, ok)
}

func TestLinkRegistry_NormalizesPaths(t *testing.T) {
	r := NewLinkRegistry()
	id := models.NewULID()
	r.Record("/m/./Ame\u0301lie.mp4", id)

	got, ok := r.Take("/m/Am\u00e9lie.mp4")
	require.True(t, ok)
	assert.Equal(t, id, got)
}
