package transcode

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/shrinkarr/internal/ffmpeg"
	"github.com/jmylchreest/shrinkarr/internal/models"
)

// mockCatalog implements Catalog for testing.
type mockCatalog struct {
	mu      sync.Mutex
	items   map[models.ULID]*models.MediaItem
	rescans int
	links   map[models.ULID]models.ULID
	err     error
	linkErr error
}

func newMockCatalog(items ...*models.MediaItem) *mockCatalog {
	c := &mockCatalog{
		items: make(map[models.ULID]*models.MediaItem),
		links: make(map[models.ULID]models.ULID),
	}
	for _, item := range items {
		c.put(item)
	}
	return c
}

func (c *mockCatalog) put(item *models.MediaItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item.ID.IsZero() {
		item.ID = models.NewULID()
	}
	c.items[item.ID] = item.Clone()
}

func (c *mockCatalog) delete(id models.ULID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}

func (c *mockCatalog) GetItem(ctx context.Context, id models.ULID) (*models.MediaItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.items[id].Clone(), nil
}

func (c *mockCatalog) GetItems(ctx context.Context, ids []models.ULID) ([]*models.MediaItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	var out []*models.MediaItem
	for _, id := range ids {
		if item, ok := c.items[id]; ok {
			out = append(out, item.Clone())
		}
	}
	return out, nil
}

func (c *mockCatalog) Alternates(ctx context.Context, item *models.MediaItem) ([]*models.MediaItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	primary := item.ID
	if item.IsAlternate() {
		primary = *item.PrimaryVersionID
	}
	var out []*models.MediaItem
	for _, other := range c.items {
		if other.ID == item.ID {
			continue
		}
		if other.ID == primary || (other.IsAlternate() && *other.PrimaryVersionID == primary) {
			out = append(out, other.Clone())
		}
	}
	return out, nil
}

func (c *mockCatalog) RequestRescan(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rescans++
}

func (c *mockCatalog) LinkAlternateVersion(ctx context.Context, newID, originalID models.ULID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.linkErr != nil {
		return c.linkErr
	}
	c.links[newID] = originalID
	return nil
}

func (c *mockCatalog) rescanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rescans
}

func (c *mockCatalog) linkedTo(id models.ULID) (models.ULID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.links[id]
	return src, ok
}

// fakeSettings implements EncoderSettings with a plain path input.
type fakeSettings struct {
	binary  string
	accel   ffmpeg.HWAccelType
	device  string
	threads int
	preset  string
}

func (s *fakeSettings) EncoderBinary() string    { return s.binary }
func (s *fakeSettings) Input(path string) string { return path }
func (s *fakeSettings) Threads() int             { return s.threads }
func (s *fakeSettings) Preset() string           { return s.preset }
func (s *fakeSettings) HWAccel() (ffmpeg.HWAccelProfile, string) {
	return ffmpeg.ProfileFor(s.accel), s.device
}

func testPolicy() Policy {
	return Policy{
		Resolution:        "1080p",
		TargetBitrateKbps: 3000,
		MaxBitrateKbps:    3500,
		Codec:             CodecH264,
		AutoEnqueue:       true,
		SortTag:           "zzz",
		HiddenExtension:   "transcoding",
		Container:         "mp4",
	}
}

// newSourceItem creates a probed item backed by a real file in dir.
func newSourceItem(t *testing.T, dir, name string, width, height, bitrate int) *models.MediaItem {
	t.Helper()
	path := filepath.Join(dir, name)
	touch(t, path)
	return &models.MediaItem{
		BaseModel:        models.BaseModel{ID: models.NewULID()},
		Name:             name,
		Path:             path,
		Type:             models.ItemTypeMovie,
		Width:            width,
		Height:           height,
		VideoBitrateKbps: bitrate,
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}
