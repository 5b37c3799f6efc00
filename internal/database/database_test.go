package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/shrinkarr/internal/config"
)

// setupTestDB creates a file-backed SQLite database in a temp dir.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             filepath.Join(t.TempDir(), "catalog.db"),
		ConnMaxLifetime: time.Hour,
		LogLevel:        "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_SQLite(t *testing.T) {
	db := setupTestDB(t)

	assert.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, "sqlite", db.Driver())

	var journalMode string
	require.NoError(t, db.DB.Raw("PRAGMA journal_mode").Scan(&journalMode).Error)
	assert.Equal(t, "wal", journalMode)
}

func TestNew_InMemoryUsesSingleConnection(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"}, nil)
	require.NoError(t, err)
	defer db.Close()

	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestNew_InvalidDriver(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "invalid", DSN: ":memory:"}, nil)
	assert.Nil(t, db)
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestDB_Close(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"}, nil)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))
}

func TestDB_Transaction(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	type txTestItem struct {
		ID    uint   `gorm:"primarykey"`
		Value string `gorm:"not null"`
	}
	require.NoError(t, db.DB.AutoMigrate(&txTestItem{}))

	require.NoError(t, db.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&txTestItem{Value: "kept"}).Error
	}))

	forced := errors.New("forced rollback")
	err := db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&txTestItem{Value: "dropped"}).Error; err != nil {
			return err
		}
		return forced
	})
	assert.ErrorIs(t, err, forced)

	var count int64
	require.NoError(t, db.DB.Model(&txTestItem{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGormLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected logger.LogLevel
	}{
		{"silent", logger.Silent},
		{"error", logger.Error},
		{"warn", logger.Warn},
		{"info", logger.Info},
		{"", logger.Warn},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, gormLogLevel(tt.level))
		})
	}
}

func TestTruncateSQL(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, truncateSQL(short))

	long := make([]byte, maxSQLLogLength+50)
	for i := range long {
		long[i] = 'x'
	}
	assert.Contains(t, truncateSQL(string(long)), "(truncated)")
}
