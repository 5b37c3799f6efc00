// Package repository defines data access interfaces for shrinkarr entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"

	"github.com/jmylchreest/shrinkarr/internal/models"
)

// MediaItemRepository defines operations for catalog persistence.
type MediaItemRepository interface {
	// Create creates a new media item.
	Create(ctx context.Context, item *models.MediaItem) error
	// GetByID retrieves a media item by ID. Returns nil, nil when not found.
	GetByID(ctx context.Context, id models.ULID) (*models.MediaItem, error)
	// GetByIDs retrieves every item whose ID is in ids. Missing IDs are skipped.
	GetByIDs(ctx context.Context, ids []models.ULID) ([]*models.MediaItem, error)
	// GetByPath retrieves a media item by its absolute file path.
	GetByPath(ctx context.Context, path string) (*models.MediaItem, error)
	// List retrieves all media items ordered by path.
	List(ctx context.Context) ([]*models.MediaItem, error)
	// ListUnderRoot retrieves items whose path lies below root.
	ListUnderRoot(ctx context.Context, root string) ([]*models.MediaItem, error)
	// ListUnprobed retrieves items that have not been probed yet.
	ListUnprobed(ctx context.Context) ([]*models.MediaItem, error)
	// Alternates retrieves every item linked to the same primary as the given item,
	// excluding the item itself.
	Alternates(ctx context.Context, item *models.MediaItem) ([]*models.MediaItem, error)
	// Update saves all fields of an existing media item.
	Update(ctx context.Context, item *models.MediaItem) error
	// UpdateProbe saves only the probe result columns of item, leaving links
	// and scan fields written by others untouched.
	UpdateProbe(ctx context.Context, item *models.MediaItem) error
	// SetPrimaryVersion links item id as an alternate of primaryID.
	SetPrimaryVersion(ctx context.Context, id, primaryID models.ULID) error
	// Delete hard-deletes a media item by ID and unlinks its alternates.
	Delete(ctx context.Context, id models.ULID) error
	// Count returns the number of catalogued items.
	Count(ctx context.Context) (int64, error)
}
