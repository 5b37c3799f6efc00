package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// ProbeResult contains the complete ffprobe output.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string            `json:"filename"`
	NumStreams int               `json:"nb_streams"`
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	BitRate    string            `json:"bit_rate"`
	Tags       map[string]string `json:"tags"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index       int               `json:"index"`
	CodecName   string            `json:"codec_name"`
	CodecType   string            `json:"codec_type"` // video, audio, subtitle, data
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	PixFmt      string            `json:"pix_fmt,omitempty"`
	BitRate     string            `json:"bit_rate,omitempty"`
	Duration    string            `json:"duration,omitempty"`
	Disposition map[string]int    `json:"disposition,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// VideoMetadata is the subset of probe output the library catalogues.
type VideoMetadata struct {
	Width            int
	Height           int
	VideoBitrateKbps int // 0 when unknown
	VideoCodec       string
	DurationMs       int64
}

// ErrNoVideoStream is returned when a file has no usable video stream.
var ErrNoVideoStream = errors.New("no video stream found")

// Prober handles ffprobe operations.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a new file prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	if timeout > 0 {
		p.timeout = timeout
	}
	return p
}

// Probe runs ffprobe against a local file.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if p.ffprobePath == "" {
		return nil, ErrFFprobeUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	return ParseProbeOutput(output)
}

// ProbeMetadata probes path and extracts the catalogued metadata.
func (p *Prober) ProbeMetadata(ctx context.Context, path string) (*VideoMetadata, error) {
	result, err := p.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	return result.Metadata()
}

// ParseProbeOutput decodes ffprobe's JSON output.
func ParseProbeOutput(data []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// GetVideoStream returns the first video stream that is not cover art.
func (r *ProbeResult) GetVideoStream() *ProbeStream {
	for i := range r.Streams {
		s := &r.Streams[i]
		if s.CodecType == "video" && s.Disposition["attached_pic"] == 0 {
			return s
		}
	}
	return nil
}

// GetStreamsByType returns all streams of a given type.
func (r *ProbeResult) GetStreamsByType(codecType string) []ProbeStream {
	var streams []ProbeStream
	for _, s := range r.Streams {
		if s.CodecType == codecType {
			streams = append(streams, s)
		}
	}
	return streams
}

// Duration returns the duration in milliseconds.
func (r *ProbeResult) Duration() int64 {
	if dur, err := strconv.ParseFloat(r.Format.Duration, 64); err == nil {
		return int64(dur * 1000)
	}
	return 0
}

// Bitrate returns the overall bitrate in bits per second.
func (r *ProbeResult) Bitrate() int {
	if br, err := strconv.Atoi(r.Format.BitRate); err == nil {
		return br
	}
	return 0
}

// VideoBitrate returns the default video stream bitrate in bits per second.
// Matroska files rarely carry a stream bit_rate, so the muxer statistics tag
// is tried next, then the container bitrate less the known audio bitrates.
func (r *ProbeResult) VideoBitrate() int {
	v := r.GetVideoStream()
	if v == nil {
		return 0
	}
	if br := v.bitrate(); br > 0 {
		return br
	}

	total := r.Bitrate()
	if total <= 0 {
		return 0
	}
	for _, a := range r.GetStreamsByType("audio") {
		total -= a.bitrate()
	}
	if total <= 0 {
		return 0
	}
	return total
}

func (s *ProbeStream) bitrate() int {
	if br, err := strconv.Atoi(s.BitRate); err == nil && br > 0 {
		return br
	}
	for _, key := range []string{"BPS", "BPS-eng"} {
		if br, err := strconv.Atoi(s.Tags[key]); err == nil && br > 0 {
			return br
		}
	}
	return 0
}

// Metadata extracts resolution, bitrate and duration.
func (r *ProbeResult) Metadata() (*VideoMetadata, error) {
	v := r.GetVideoStream()
	if v == nil || v.Width <= 0 || v.Height <= 0 {
		return nil, ErrNoVideoStream
	}
	return &VideoMetadata{
		Width:            v.Width,
		Height:           v.Height,
		VideoBitrateKbps: r.VideoBitrate() / 1000,
		VideoCodec:       v.CodecName,
		DurationMs:       r.Duration(),
	}, nil
}
