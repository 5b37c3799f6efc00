package transcode

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jmylchreest/shrinkarr/internal/config"
)

// Resolution is a named target resolution tier.
type Resolution struct {
	Name   string
	Width  int
	Height int
}

// DefaultResolution is used when a policy names an unknown tier.
var DefaultResolution = Resolution{Name: "1080p", Width: 1920, Height: 1080}

var resolutionTiers = map[string]Resolution{
	"1080p": DefaultResolution,
	"720p":  {Name: "720p", Width: 1280, Height: 720},
	"480p":  {Name: "480p", Width: 854, Height: 480},
}

// ResolveResolution looks up a tier by name. Unknown names fall back to 1080p.
func ResolveResolution(name string) Resolution {
	if r, ok := resolutionTiers[strings.ToLower(strings.TrimSpace(name))]; ok {
		return r
	}
	return DefaultResolution
}

// Tag returns the filename tag for the tier, e.g. "1080p".
func (r Resolution) Tag() string {
	return strconv.Itoa(r.Height) + "p"
}

// Codec is a supported output video codec.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecHEVC Codec = "hevc"
)

// DefaultContainer is the derivative container when a policy leaves it empty.
const DefaultContainer = "mp4"

// Policy is a snapshot of the transcode settings read at decision time.
type Policy struct {
	Resolution        string
	TargetBitrateKbps int
	MaxBitrateKbps    int
	Codec             Codec
	AutoEnqueue       bool

	SortTag         string
	HiddenExtension string
	Container       string
}

// Tier returns the resolved resolution tier.
func (p Policy) Tier() Resolution {
	return ResolveResolution(p.Resolution)
}

// ContainerOrDefault returns the configured container or mp4.
func (p Policy) ContainerOrDefault() string {
	if p.Container == "" {
		return DefaultContainer
	}
	return p.Container
}

// PolicyProvider supplies the current policy. Implementations must be safe
// for concurrent use.
type PolicyProvider interface {
	Policy() (Policy, error)
}

// StaticPolicy is a PolicyProvider that always returns itself.
type StaticPolicy Policy

// Policy implements PolicyProvider.
func (p StaticPolicy) Policy() (Policy, error) {
	return Policy(p), nil
}

// ConfigPolicyProvider reads the policy from application configuration.
// Update swaps the configuration atomically, e.g. after a reload.
type ConfigPolicyProvider struct {
	mu  sync.RWMutex
	cfg *config.TranscodeConfig
}

// NewConfigPolicyProvider creates a provider backed by cfg. A nil cfg makes
// every Policy call fail with ErrPolicyUnavailable until Update is called.
func NewConfigPolicyProvider(cfg *config.TranscodeConfig) *ConfigPolicyProvider {
	return &ConfigPolicyProvider{cfg: cfg}
}

// Update replaces the configuration.
func (p *ConfigPolicyProvider) Update(cfg *config.TranscodeConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Policy implements PolicyProvider.
func (p *ConfigPolicyProvider) Policy() (Policy, error) {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	if cfg == nil {
		return Policy{}, ErrPolicyUnavailable
	}
	if cfg.TargetBitrateKbps <= 0 || cfg.MaxBitrateKbps <= 0 {
		return Policy{}, fmt.Errorf("%w: bitrates must be positive", ErrPolicyUnavailable)
	}

	return Policy{
		Resolution:        cfg.Resolution,
		TargetBitrateKbps: cfg.TargetBitrateKbps,
		MaxBitrateKbps:    cfg.MaxBitrateKbps,
		Codec:             Codec(cfg.Codec),
		AutoEnqueue:       cfg.AutoEnqueue,
		SortTag:           cfg.SortTag,
		HiddenExtension:   cfg.HiddenExtension,
		Container:         cfg.Container,
	}, nil
}
