package ffmpeg

import "strings"

// HWAccelType represents a hardware acceleration type as named in configuration.
type HWAccelType string

const (
	HWAccelNone         HWAccelType = "none"
	HWAccelVAAPI        HWAccelType = "vaapi"
	HWAccelNVENC        HWAccelType = "nvenc"
	HWAccelCUDA         HWAccelType = "cuda"
	HWAccelQSV          HWAccelType = "qsv"
	HWAccelVideoToolbox HWAccelType = "videotoolbox"
)

// HWAccelProfile describes how one acceleration method is driven.
type HWAccelProfile struct {
	// Decode is the -hwaccel method, empty for software decode.
	Decode string
	// Encoders maps a target codec (h264, hevc) to an ffmpeg encoder.
	Encoders map[string]string
	// NeedsDevice is true when the encoder requires -init_hw_device.
	NeedsDevice bool
	// Upload is the hwupload filter type, empty when frames stay in system memory.
	Upload string
}

var softwareEncoders = map[string]string{
	"h264": "libx264",
	"hevc": "libx265",
}

var hwAccelProfiles = map[HWAccelType]HWAccelProfile{
	HWAccelVAAPI: {
		Decode:      "vaapi",
		Encoders:    map[string]string{"h264": "h264_vaapi", "hevc": "hevc_vaapi"},
		NeedsDevice: true,
		Upload:      "vaapi",
	},
	HWAccelNVENC: {
		Decode:   "cuda",
		Encoders: map[string]string{"h264": "h264_nvenc", "hevc": "hevc_nvenc"},
	},
	HWAccelCUDA: {
		Decode:   "cuda",
		Encoders: map[string]string{"h264": "h264_nvenc", "hevc": "hevc_nvenc"},
	},
	HWAccelQSV: {
		Decode:      "qsv",
		Encoders:    map[string]string{"h264": "h264_qsv", "hevc": "hevc_qsv"},
		NeedsDevice: true,
		Upload:      "qsv",
	},
	HWAccelVideoToolbox: {
		Decode:   "videotoolbox",
		Encoders: map[string]string{"h264": "h264_videotoolbox", "hevc": "hevc_videotoolbox"},
	},
}

// ProfileFor returns the profile for accel. Unknown or disabled methods get
// the software profile.
func ProfileFor(accel HWAccelType) HWAccelProfile {
	if p, ok := hwAccelProfiles[accel]; ok {
		return p
	}
	return HWAccelProfile{Encoders: softwareEncoders}
}

// SoftwareEncoder returns the CPU encoder for codec, defaulting to libx264.
func SoftwareEncoder(codec string) string {
	if enc, ok := softwareEncoders[codec]; ok {
		return enc
	}
	return softwareEncoders["h264"]
}

// Encoder returns the encoder for codec under this profile.
func (p HWAccelProfile) Encoder(codec string) string {
	if enc, ok := p.Encoders[codec]; ok {
		return enc
	}
	return SoftwareEncoder(codec)
}

// IsSoftware reports whether the profile encodes on the CPU.
func (p HWAccelProfile) IsSoftware() bool {
	return p.Decode == ""
}

// parseHWAccels parses the output of ffmpeg -hwaccels.
func parseHWAccels(output string) []string {
	var accels []string
	inList := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "Hardware acceleration methods:" {
			inList = true
			continue
		}
		if inList && line != "" {
			accels = append(accels, line)
		}
	}
	return accels
}
