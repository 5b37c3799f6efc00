// Package ffmpeg provides FFmpeg/FFprobe binary detection, probing and
// process wrapper functionality.
package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/shrinkarr/internal/util"
)

// Environment variables consulted when no binary path is configured.
const (
	EnvFFmpegBinary  = "SHRINKARR_FFMPEG_BINARY"
	EnvFFprobeBinary = "SHRINKARR_FFPROBE_BINARY"
)

// ErrFFprobeUnavailable is returned when probing is requested but no ffprobe was found.
var ErrFFprobeUnavailable = errors.New("ffprobe not available")

// BinaryInfo contains information about the FFmpeg/FFprobe installation.
type BinaryInfo struct {
	FFmpegPath    string   `json:"ffmpeg_path"`
	FFprobePath   string   `json:"ffprobe_path,omitempty"`
	Version       string   `json:"version"`
	MajorVersion  int      `json:"major_version"`
	MinorVersion  int      `json:"minor_version"`
	Configuration string   `json:"configuration,omitempty"`
	Encoders      []string `json:"encoders,omitempty"`
	HWAccels      []string `json:"hw_accels,omitempty"`
}

// BinaryDetector handles detection and caching of FFmpeg binaries.
type BinaryDetector struct {
	ffmpegPath  string
	ffprobePath string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. Empty paths are discovered from the
// environment, the working directory and PATH, in that order.
func NewBinaryDetector(ffmpegPath, ffprobePath string) *BinaryDetector {
	return &BinaryDetector{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		cacheTTL:    5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect detects FFmpeg and FFprobe binaries and their capabilities.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	ffmpegPath, err := util.FindBinary("ffmpeg", EnvFFmpegBinary, d.ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	info.FFmpegPath = ffmpegPath

	// ffprobe is optional here; metadata probing reports its own error.
	if ffprobePath, err := util.FindBinary("ffprobe", EnvFFprobeBinary, d.ffprobePath); err == nil {
		info.FFprobePath = ffprobePath
	}

	output, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	version, err := parseVersion(string(output))
	if err != nil {
		return nil, err
	}
	info.Version = version.Full
	info.MajorVersion = version.Major
	info.MinorVersion = version.Minor
	info.Configuration = version.Configuration

	if output, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").Output(); err == nil {
		info.Encoders = parseEncoders(string(output))
	}
	if output, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-hwaccels").Output(); err == nil {
		info.HWAccels = parseHWAccels(string(output))
	}

	return info, nil
}

type versionInfo struct {
	Full          string
	Major         int
	Minor         int
	Configuration string
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion extracts version information from `ffmpeg -version` output.
func parseVersion(output string) (*versionInfo, error) {
	info := &versionInfo{}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			// "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g..."
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				info.Full = parts[2]
				if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
					info.Major, _ = strconv.Atoi(m[1])
					info.Minor, _ = strconv.Atoi(m[2])
				}
			}
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimSpace(strings.TrimPrefix(line, "configuration:"))
		}
	}

	if info.Full == "" {
		return nil, errors.New("failed to parse ffmpeg version")
	}
	return info, nil
}

// parseEncoders parses `ffmpeg -encoders` output.
func parseEncoders(output string) []string {
	var encoders []string
	inList := false

	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}

		// Format: " V....D libx264   description"
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		switch fields[0][0] {
		case 'V', 'A', 'S':
			encoders = append(encoders, fields[1])
		}
	}
	return encoders
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// HasHWAccel returns true if ffmpeg was built with the given hwaccel method.
func (info *BinaryInfo) HasHWAccel(name string) bool {
	return slices.Contains(info.HWAccels, name)
}

// JSON returns the binary info as JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}

// SupportsMinVersion returns true if FFmpeg version meets minimum requirement.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion != major {
		return info.MajorVersion > major
	}
	return info.MinorVersion >= minor
}
