package transcode

import (
	"context"

	"github.com/jmylchreest/shrinkarr/internal/ffmpeg"
	"github.com/jmylchreest/shrinkarr/internal/models"
)

// Catalog is the media library as seen by the transcoder.
type Catalog interface {
	// GetItem returns the item, or nil with no error when it does not exist.
	GetItem(ctx context.Context, id models.ULID) (*models.MediaItem, error)
	// GetItems returns the items that still exist among ids.
	GetItems(ctx context.Context, ids []models.ULID) ([]*models.MediaItem, error)
	// Alternates returns the other known versions of item: its primary,
	// the primary's other alternates, or its own alternates.
	Alternates(ctx context.Context, item *models.MediaItem) ([]*models.MediaItem, error)
	// RequestRescan asks the library to pick up new files. It does not block
	// on the scan.
	RequestRescan(ctx context.Context)
	// LinkAlternateVersion records newID as an alternate version of originalID.
	LinkAlternateVersion(ctx context.Context, newID, originalID models.ULID) error
}

// EncoderSettings supplies host-specific encoder invocation details.
type EncoderSettings interface {
	// EncoderBinary returns the path of the ffmpeg executable.
	EncoderBinary() string
	// Input returns the -i argument for a local file.
	Input(path string) string
	// HWAccel returns the hardware acceleration profile and device.
	HWAccel() (profile ffmpeg.HWAccelProfile, device string)
	// Threads returns the encoder thread count, 0 for automatic.
	Threads() int
	// Preset returns the software encoder preset, empty for the default.
	Preset() string
}
