package migrations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db, nil)
	m.RegisterAll(AllMigrations())

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx))

	assert.True(t, db.Migrator().HasTable("media_items"))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, len(AllMigrations()))
	for _, s := range statuses {
		assert.True(t, s.Applied, s.Version)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestMigrator_Down(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db, nil)
	m.RegisterAll(AllMigrations())
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasTable("media_items"))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, statuses[0].Applied)

	// Nothing left to roll back.
	require.NoError(t, m.Down(ctx))
}

func TestMigrator_RegisterAllSortsByVersion(t *testing.T) {
	m := NewMigrator(openTestDB(t), nil)
	noop := func(*gorm.DB) error { return nil }
	m.RegisterAll([]Migration{
		{Version: "003", Description: "c", Up: noop},
		{Version: "001", Description: "a", Up: noop},
		{Version: "002", Description: "b", Up: noop},
	})

	require.NoError(t, m.Up(context.Background()))
	statuses, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "001", statuses[0].Version)
	assert.Equal(t, "003", statuses[2].Version)
}
