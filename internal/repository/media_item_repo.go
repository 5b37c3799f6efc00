package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gorm.io/gorm"

	"github.com/jmylchreest/shrinkarr/internal/models"
)

// mediaItemRepo implements MediaItemRepository using GORM.
type mediaItemRepo struct {
	db *gorm.DB
}

var _ MediaItemRepository = (*mediaItemRepo)(nil)

// NewMediaItemRepository creates a new MediaItemRepository.
func NewMediaItemRepository(db *gorm.DB) *mediaItemRepo {
	return &mediaItemRepo{db: db}
}

// Create creates a new media item.
func (r *mediaItemRepo) Create(ctx context.Context, item *models.MediaItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validating media item: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("creating media item: %w", err)
	}
	return nil
}

// GetByID retrieves a media item by ID.
func (r *mediaItemRepo) GetByID(ctx context.Context, id models.ULID) (*models.MediaItem, error) {
	var item models.MediaItem
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting media item by ID: %w", err)
	}
	return &item, nil
}

// GetByIDs retrieves media items by ID.
func (r *mediaItemRepo) GetByIDs(ctx context.Context, ids []models.ULID) ([]*models.MediaItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []*models.MediaItem
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("path ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting media items by IDs: %w", err)
	}
	return items, nil
}

// GetByPath retrieves a media item by path.
func (r *mediaItemRepo) GetByPath(ctx context.Context, path string) (*models.MediaItem, error) {
	var item models.MediaItem
	if err := r.db.WithContext(ctx).Where("path = ?", path).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting media item by path: %w", err)
	}
	return &item, nil
}

// List retrieves all media items.
func (r *mediaItemRepo) List(ctx context.Context) ([]*models.MediaItem, error) {
	var items []*models.MediaItem
	if err := r.db.WithContext(ctx).Order("path ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing media items: %w", err)
	}
	return items, nil
}

// likeEscaper escapes LIKE wildcards so paths containing them match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListUnderRoot retrieves media items stored below root.
func (r *mediaItemRepo) ListUnderRoot(ctx context.Context, root string) ([]*models.MediaItem, error) {
	prefix := filepath.Clean(root) + string(filepath.Separator)

	var candidates []*models.MediaItem
	err := r.db.WithContext(ctx).
		Where(`path LIKE ? ESCAPE '\'`, likeEscaper.Replace(prefix)+"%").
		Order("path ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("listing media items under %s: %w", root, err)
	}

	// LIKE is case-insensitive on some backends.
	items := candidates[:0]
	for _, item := range candidates {
		if strings.HasPrefix(item.Path, prefix) {
			items = append(items, item)
		}
	}
	return items, nil
}

// ListUnprobed retrieves media items with no probe attempt recorded.
func (r *mediaItemRepo) ListUnprobed(ctx context.Context) ([]*models.MediaItem, error) {
	var items []*models.MediaItem
	if err := r.db.WithContext(ctx).Where("probed_at IS NULL").Order("path ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing unprobed media items: %w", err)
	}
	return items, nil
}

// Alternates retrieves the other versions of item.
func (r *mediaItemRepo) Alternates(ctx context.Context, item *models.MediaItem) ([]*models.MediaItem, error) {
	primary := item.ID
	if item.IsAlternate() {
		primary = *item.PrimaryVersionID
	}

	var items []*models.MediaItem
	err := r.db.WithContext(ctx).
		Where("(id = ? OR primary_version_id = ?) AND id <> ?", primary, primary, item.ID).
		Order("path ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("getting alternates for %s: %w", item.ID, err)
	}
	return items, nil
}

// Update updates an existing media item.
func (r *mediaItemRepo) Update(ctx context.Context, item *models.MediaItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validating media item: %w", err)
	}
	if err := r.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("updating media item: %w", err)
	}
	return nil
}

// UpdateProbe saves the probe result columns of item. A map update writes
// zero values and nothing else besides updated_at.
func (r *mediaItemRepo) UpdateProbe(ctx context.Context, item *models.MediaItem) error {
	res := r.db.WithContext(ctx).
		Model(&models.MediaItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"width":              item.Width,
			"height":             item.Height,
			"video_bitrate_kbps": item.VideoBitrateKbps,
			"video_codec":        item.VideoCodec,
			"duration_ms":        item.DurationMs,
			"probed_at":          item.ProbedAt,
			"probe_error":        item.ProbeError,
		})
	if res.Error != nil {
		return fmt.Errorf("updating probe result of %s: %w", item.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("updating probe result of %s: %w", item.ID, gorm.ErrRecordNotFound)
	}
	return nil
}

// SetPrimaryVersion links id as an alternate version of primaryID.
// Items already pointing at id are re-pointed at primaryID so links never chain.
func (r *mediaItemRepo) SetPrimaryVersion(ctx context.Context, id, primaryID models.ULID) error {
	if id == primaryID {
		return models.ErrValidation{Field: "primary_version_id", Message: "item cannot be its own alternate"}
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.MediaItem{}).
			Where("primary_version_id = ?", id).
			Update("primary_version_id", primaryID).Error; err != nil {
			return fmt.Errorf("re-pointing alternates of %s: %w", id, err)
		}
		res := tx.Model(&models.MediaItem{}).Where("id = ?", id).Update("primary_version_id", primaryID)
		if res.Error != nil {
			return fmt.Errorf("linking %s to %s: %w", id, primaryID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("linking %s: %w", id, gorm.ErrRecordNotFound)
		}
		return nil
	})
}

// Delete hard-deletes a media item by ID.
// Uses Unscoped so the unique path constraint doesn't conflict when the
// same file is catalogued again.
func (r *mediaItemRepo) Delete(ctx context.Context, id models.ULID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.MediaItem{}).
			Where("primary_version_id = ?", id).
			Update("primary_version_id", nil).Error; err != nil {
			return fmt.Errorf("unlinking alternates of %s: %w", id, err)
		}
		if err := tx.Unscoped().Where("id = ?", id).Delete(&models.MediaItem{}).Error; err != nil {
			return fmt.Errorf("deleting media item: %w", err)
		}
		return nil
	})
}

// Count returns the number of media items.
func (r *mediaItemRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.MediaItem{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting media items: %w", err)
	}
	return n, nil
}
