// Package handlers provides HTTP API handlers for shrinkarr.
package handlers

import (
	"context"
	"time"

	"github.com/jmylchreest/shrinkarr/internal/models"
	"github.com/jmylchreest/shrinkarr/internal/transcode"
)

// LibraryService is the catalog as seen by the API.
type LibraryService interface {
	List(ctx context.Context) ([]*models.MediaItem, error)
	GetItem(ctx context.Context, id models.ULID) (*models.MediaItem, error)
	RequestRescan(ctx context.Context)
	Paths() []string
}

// TranscodeService is the transcode coordinator as seen by the API.
type TranscodeService interface {
	GetStatus(ctx context.Context, id models.ULID) (transcode.Status, error)
	Enqueue(ctx context.Context, id models.ULID) (bool, error)
	Cancel(id models.ULID) bool
	ActiveJobs() []transcode.Job
	QueueLen() int
}

// MediaItemResponse represents a catalogued file in API responses.
type MediaItemResponse struct {
	ID               models.ULID     `json:"id"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Name             string          `json:"name"`
	Path             string          `json:"path"`
	Type             models.ItemType `json:"type"`
	Width            int             `json:"width"`
	Height           int             `json:"height"`
	VideoBitrateKbps int             `json:"video_bitrate_kbps"`
	VideoCodec       string          `json:"video_codec,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
	Size             int64           `json:"size"`
	ProbedAt         *time.Time      `json:"probed_at,omitempty"`
	ProbeError       string          `json:"probe_error,omitempty"`
	PrimaryVersionID *models.ULID    `json:"primary_version_id,omitempty"`
	Subtitles        []string        `json:"subtitles,omitempty"`
}

// MediaItemFromModel converts a model to a response.
func MediaItemFromModel(m *models.MediaItem) MediaItemResponse {
	return MediaItemResponse{
		ID:               m.ID,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		Name:             m.Name,
		Path:             m.Path,
		Type:             m.Type,
		Width:            m.Width,
		Height:           m.Height,
		VideoBitrateKbps: m.VideoBitrateKbps,
		VideoCodec:       m.VideoCodec,
		DurationMs:       m.DurationMs,
		Size:             m.Size,
		ProbedAt:         m.ProbedAt,
		ProbeError:       m.ProbeError,
		PrimaryVersionID: m.PrimaryVersionID,
		Subtitles:        m.Subtitles,
	}
}

// Health types

// HealthResponse is the full health report.
type HealthResponse struct {
	Status        string           `json:"status"`
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	Uptime        string           `json:"uptime"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	CPUInfo       CPUInfo          `json:"cpu_info"`
	Memory        MemoryInfo       `json:"memory"`
	Components    HealthComponents `json:"components"`
}

// CPUInfo contains load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo contains system and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	FreeMemoryMB      float64           `json:"free_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo covers this process and its children, which include a
// running encoder.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	ChildProcessCount  int     `json:"child_process_count"`
}

// HealthComponents reports on each dependency.
type HealthComponents struct {
	Database  DatabaseHealth  `json:"database"`
	FFmpeg    FFmpegHealth    `json:"ffmpeg"`
	Transcode TranscodeHealth `json:"transcode"`
}

// DatabaseHealth reports catalog database reachability.
type DatabaseHealth struct {
	Status             string  `json:"status"`
	Driver             string  `json:"driver,omitempty"`
	ResponseTimeMS     float64 `json:"response_time_ms"`
	ConnectionPoolSize int     `json:"connection_pool_size"`
	ActiveConnections  int     `json:"active_connections"`
	IdleConnections    int     `json:"idle_connections"`
}

// FFmpegHealth reports encoder availability.
type FFmpegHealth struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	FFmpegPath  string `json:"ffmpeg_path,omitempty"`
	FFprobePath string `json:"ffprobe_path,omitempty"`
	Error       string `json:"error,omitempty"`
}

// TranscodeHealth reports queue state.
type TranscodeHealth struct {
	Status      string `json:"status"`
	QueueLength int    `json:"queue_length"`
	Running     bool   `json:"running"`
}
