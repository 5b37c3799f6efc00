package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/shrinkarr/internal/models"
)

func setupMediaItemTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.MediaItem{}))

	return db
}

func createTestItem(t *testing.T, repo *mediaItemRepo, path string) *models.MediaItem {
	t.Helper()
	item := &models.MediaItem{
		Name:    "Movie",
		Path:    path,
		Type:    models.ItemTypeMovie,
		ModTime: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, repo.Create(context.Background(), item))
	return item
}

func TestMediaItemRepo_CreateAndGet(t *testing.T) {
	repo := NewMediaItemRepository(setupMediaItemTestDB(t))
	ctx := context.Background()

	item := createTestItem(t, repo, "/media/movies/Movie.mkv")
	assert.False(t, item.ID.IsZero())

	got, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/media/movies/Movie.mkv", got.Path)

	byPath, err := repo.GetByPath(ctx, "/media/movies/Movie.mkv")
	require.NoError(t, err)
	require.NotNil(t, byPath)
	assert.Equal(t, item.ID, byPath.ID)
}

func TestMediaItemRepo_GetByID_NotFound(t *testing.T) {
	repo := NewMediaItemRepository(setupMediaItemTestDB(t))

	got, err := repo.GetByID(context.Background(), models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMediaItemRepo_Create_RejectsRelativePath(t *testing.T) {
	repo := NewMediaItemRepository(setupMediaItemTestDB(t))

	err := repo.Create(context.Background(), &models.MediaItem{Name: "x", Path: "movies/x.mkv"})
	assert.Error(t, err)
}

func TestMediaItemRepo_GetByIDs(t *testing.T) {
	repo := NewMediaItemRepository(setupMediaItemTestDB(t))
	ctx := context.Background()

	a := createTestItem(t, repo, "/media/a.mkv")
	b := createTestItem(t, repo, "/media/b.mkv")
	createTestItem(t, repo, "/media/c.mkv")

	items, err := repo.GetByIDs(ctx, []models.ULID{a.ID, b.ID, models.NewULID()})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, a.ID, items[0].ID)
	assert.Equal(t, b.ID, items[1].ID)

	none, err := repo.GetByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMediaItemRepo_ListUnderRoot(t *testing.T) {
	repo := NewMediaItemRepository(setupMediaItemTestDB(t))
	ctx := context.Background()

	createTestItem(t, repo, "/media/movies/a.mkv")
	createTestItem(t, repo, "/media/movies/sub/b.mkv")
	createTestItem(t, repo, "/media/movies_old/c.mkv")
	createTestItem(t, repo, "/media/tv/d.mkv")

	items, err := repo.ListUnderRoot(ctx, "/media/movies")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "/media/movies/a.mkv", items[0].Path)
	assert.Equal(t, "/media/movies/sub/b.mkv", items[1].Path)
}

func TestMediaItemRepo_ListUnprobed(t *testing.T) {
	repo := NewMediaItemRepository(setupMediaItemTestDB(t))
	ctx := context.Background()

	probed := createTestItem(t, repo, "/media/probed.mkv")
	now := time.Now()
	probed.ProbedAt = &now
	probed.Width, probed.Height = 1920, 1080
	require.NoError(t, repo.Update(ctx, probed))

	pending := createTestItem(t, repo, "/media/pending.mkv")

	items, err := repo.ListUnprobed(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, pending.ID, items[0].ID)
}

func TestMediaItemRepo_Alternates(t *testing.T) {
	repo := NewMediaItemRepository(setupMediaItemTestDB(t))
	ctx := context.Background()

	source := createTestItem(t, repo, "/media/Movie.mkv")
	small := createTestItem(t, repo, "/media/Movie - [zzz][720p][2000kbps].mp4")
	smaller := createTestItem(t, repo, "/media/Movie - [zzz][480p][1000kbps].mp4")

	require.NoError(t, repo.SetPrimaryVersion(ctx, small.ID, source.ID))
	require.NoError(t, repo.SetPrimaryVersion(ctx, smaller.ID, source.ID))

	alts, err := repo.Alternates(ctx, source)
	require.NoError(t, err)
	assert.Len(t, alts, 2)

	small, err = repo.GetByID(ctx, small.ID)
	require.NoError(t, err)
	require.True(t, small.IsAlternate())

	alts, err = repo.Alternates(ctx, small)
	require.NoError(t, err)
	require.Len(t, alts, 2)
	ids := []models.ULID{alts[0].ID, alts[1].ID}
	assert.Contains(t, ids, source.ID)
	assert.Contains(t, ids, smaller.ID)
}

func TestMediaItemRepo_SetPrimaryVersion_Flattens(t *testing.T) {
	repo := NewMediaItemRepository(setupMediaItemTestDB(t))
	ctx := context.Background()

	a := createTestItem(t, repo, "/media/a.mkv")
	b := createTestItem(t, repo, "/media/b.mkv")
	c := createTestItem(t, repo, "/media/c.mkv")

	require.NoError(t, repo.SetPrimaryVersion(ctx, b.ID, a.ID))
	require.NoError(t, repo.SetPrimaryVersion(ctx, a.ID, c.ID))

	got, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PrimaryVersionID)
	assert.Equal(t, c.ID, *got.PrimaryVersionID)

	assert.Error(t, repo.SetPrimaryVersion(ctx, a.ID, a.ID))
	assert.Error(t, repo.SetPrimaryVersion(ctx, models.NewULID(), a.ID))
}

func TestMediaItemRepo_UpdateProbe(t *testing.T) {
	repo := NewMediaItemRepository(setupMediaItemTestDB(t))
	ctx := context.Background()

	source := createTestItem(t, repo, "/media/Movie.mkv")
	item := createTestItem(t, repo, "/media/Movie Extended.mkv")
	stale := *item

	require.NoError(t, repo.SetPrimaryVersion(ctx, item.ID, source.ID))

	now := time.Now().UTC()
	stale.ProbedAt = &now
	stale.Width, stale.Height = 1280, 720
	stale.VideoBitrateKbps = 2500
	stale.Name = "changed"
	require.NoError(t, repo.UpdateProbe(ctx, &stale))

	got, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PrimaryVersionID)
	assert.Equal(t, source.ID, *got.PrimaryVersionID)
	assert.Equal(t, 1280, got.Width)
	assert.Equal(t, 2500, got.VideoBitrateKbps)
	assert.NotNil(t, got.ProbedAt)
	assert.Equal(t, "Movie", got.Name, "only probe columns are written")

	// Clearing a failed probe writes the zero values.
	got.ProbedAt = nil
	got.ProbeError = ""
	require.NoError(t, repo.UpdateProbe(ctx, got))
	got, err = repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ProbedAt)

	assert.Error(t, repo.UpdateProbe(ctx, &models.MediaItem{BaseModel: models.BaseModel{ID: models.NewULID()}}))
}

func TestMediaItemRepo_Delete(t *testing.T) {
	repo := NewMediaItemRepository(setupMediaItemTestDB(t))
	ctx := context.Background()

	source := createTestItem(t, repo, "/media/Movie.mkv")
	alt := createTestItem(t, repo, "/media/Movie - [zzz][1080p][3000kbps].mp4")
	require.NoError(t, repo.SetPrimaryVersion(ctx, alt.ID, source.ID))

	require.NoError(t, repo.Delete(ctx, source.ID))

	got, err := repo.GetByID(ctx, source.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	alt, err = repo.GetByID(ctx, alt.ID)
	require.NoError(t, err)
	assert.False(t, alt.IsAlternate())

	// Same path can be catalogued again after a hard delete.
	createTestItem(t, repo, "/media/Movie.mkv")

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
