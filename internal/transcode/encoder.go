package transcode

import (
	"strings"

	"github.com/jmylchreest/shrinkarr/internal/config"
	"github.com/jmylchreest/shrinkarr/internal/ffmpeg"
)

// ConfigEncoderSettings reads encoder settings from configuration.
type ConfigEncoderSettings struct {
	binary    string
	ffmpegCfg config.FFmpegConfig
	threads   int
	preset    string
}

// NewConfigEncoderSettings creates settings for the resolved ffmpeg binary.
func NewConfigEncoderSettings(binary string, ffmpegCfg config.FFmpegConfig, transcodeCfg config.TranscodeConfig) *ConfigEncoderSettings {
	return &ConfigEncoderSettings{
		binary:    binary,
		ffmpegCfg: ffmpegCfg,
		threads:   transcodeCfg.Threads,
		preset:    transcodeCfg.Preset,
	}
}

var _ EncoderSettings = (*ConfigEncoderSettings)(nil)

// EncoderBinary returns the ffmpeg path.
func (s *ConfigEncoderSettings) EncoderBinary() string {
	return s.binary
}

// Input prefixes local paths with the file protocol so names containing a
// colon are never read as a protocol.
func (s *ConfigEncoderSettings) Input(path string) string {
	return "file:" + path
}

// HWAccel returns the configured acceleration profile.
func (s *ConfigEncoderSettings) HWAccel() (ffmpeg.HWAccelProfile, string) {
	accel := ffmpeg.HWAccelType(strings.ToLower(strings.TrimSpace(s.ffmpegCfg.HWAccel)))
	return ffmpeg.ProfileFor(accel), s.ffmpegCfg.HWAccelDevice
}

// Threads returns the configured thread count.
func (s *ConfigEncoderSettings) Threads() int {
	return s.threads
}

// Preset returns the configured software preset.
func (s *ConfigEncoderSettings) Preset() string {
	return s.preset
}
