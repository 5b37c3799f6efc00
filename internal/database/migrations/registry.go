package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/shrinkarr/internal/models"
)

// AllMigrations returns all registered migrations in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001MediaItems(),
	}
}

func migration001MediaItems() Migration {
	return Migration{
		Version:     "001",
		Description: "Create media_items catalog table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.MediaItem{})
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("media_items")
		},
	}
}
