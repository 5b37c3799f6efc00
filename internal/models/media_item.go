package models

import (
	"path/filepath"
	"slices"
	"time"
)

// ItemType classifies a catalogued item.
type ItemType string

const (
	ItemTypeMovie   ItemType = "movie"
	ItemTypeEpisode ItemType = "episode"
	ItemTypeVideo   ItemType = "video"
	ItemTypeSeries  ItemType = "series"
	ItemTypeSeason  ItemType = "season"
)

// IsSingleVideo reports whether the type refers to one playable file rather than a container of files.
func (t ItemType) IsSingleVideo() bool {
	switch t {
	case ItemTypeMovie, ItemTypeEpisode, ItemTypeVideo:
		return true
	default:
		return false
	}
}

// MediaItem is one video file known to the library.
//
// Width, Height and VideoBitrateKbps stay zero until the file has been probed.
// PrimaryVersionID is set when this item is an alternate version (for example a
// lower bitrate derivative) of another item.
type MediaItem struct {
	BaseModel

	Name             string     `gorm:"not null" json:"name"`
	Path             string     `gorm:"not null;uniqueIndex;size:768" json:"path"`
	Type             ItemType   `gorm:"size:16;not null;default:video" json:"type"`
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	VideoBitrateKbps int        `json:"video_bitrate_kbps"`
	VideoCodec       string     `gorm:"size:32" json:"video_codec,omitempty"`
	DurationMs       int64      `json:"duration_ms"`
	Size             int64      `json:"size"`
	ModTime          time.Time  `json:"mod_time"`
	ProbedAt         *time.Time `json:"probed_at,omitempty"`
	ProbeError       string     `json:"probe_error,omitempty"`
	PrimaryVersionID *ULID      `gorm:"type:varchar(26);index" json:"primary_version_id,omitempty"`
	Subtitles        []string   `gorm:"serializer:json" json:"subtitles,omitempty"`
}

// TableName returns the table name for MediaItem.
func (MediaItem) TableName() string {
	return "media_items"
}

// Dir returns the directory containing the item's file.
func (m *MediaItem) Dir() string {
	return filepath.Dir(m.Path)
}

// HasMetadata reports whether resolution metadata has been extracted.
func (m *MediaItem) HasMetadata() bool {
	return m.Width > 0 && m.Height > 0
}

// IsAlternate reports whether this item is linked as an alternate version of another item.
func (m *MediaItem) IsAlternate() bool {
	return m.PrimaryVersionID != nil && !m.PrimaryVersionID.IsZero()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m *MediaItem) Clone() *MediaItem {
	if m == nil {
		return nil
	}
	c := *m
	c.Subtitles = slices.Clone(m.Subtitles)
	if m.PrimaryVersionID != nil {
		id := *m.PrimaryVersionID
		c.PrimaryVersionID = &id
	}
	if m.ProbedAt != nil {
		t := *m.ProbedAt
		c.ProbedAt = &t
	}
	return &c
}

// Validate checks required fields.
func (m *MediaItem) Validate() error {
	if m.Name == "" {
		return ErrNameRequired
	}
	if m.Path == "" {
		return ErrPathRequired
	}
	if !filepath.IsAbs(m.Path) {
		return ErrValidation{Field: "path", Message: "must be absolute"}
	}
	return nil
}
