package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/shrinkarr/internal/models"
)

// EvaluateOptions controls how much of the library an evaluation considers.
type EvaluateOptions struct {
	// CheckAlternates makes an existing good-enough or queued alternate
	// version count as satisfying the policy.
	CheckAlternates bool
}

// queueMembership reports whether an item is queued.
type queueMembership interface {
	Contains(id models.ULID) bool
}

// Evaluator decides whether an item needs a smaller derivative.
type Evaluator struct {
	policies PolicyProvider
	catalog  Catalog
	queue    queueMembership
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator. queue may be nil when queued alternates
// should not be considered.
func NewEvaluator(policies PolicyProvider, catalog Catalog, queue queueMembership, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		policies: policies,
		catalog:  catalog,
		queue:    queue,
		logger:   logger,
	}
}

// Policy returns the current policy, wrapping provider failures in ErrPolicyUnavailable.
func (e *Evaluator) Policy() (Policy, error) {
	p, err := e.policies.Policy()
	if err != nil {
		if errors.Is(err, ErrPolicyUnavailable) {
			return Policy{}, err
		}
		return Policy{}, fmt.Errorf("%w: %w", ErrPolicyUnavailable, err)
	}
	return p, nil
}

// Evaluate returns the target options when item exceeds the policy and no
// existing derivative already satisfies it. A nil result with a nil error
// means no transcode is needed.
func (e *Evaluator) Evaluate(ctx context.Context, item *models.MediaItem, opts EvaluateOptions) (*Options, error) {
	policy, err := e.Policy()
	if err != nil {
		return nil, err
	}
	return e.EvaluateWithPolicy(ctx, item, policy, opts)
}

// EvaluateWithPolicy is Evaluate against an already-read policy.
func (e *Evaluator) EvaluateWithPolicy(ctx context.Context, item *models.MediaItem, policy Policy, opts EvaluateOptions) (*Options, error) {
	tier := policy.Tier()
	if !exceedsPolicy(item, policy, tier) {
		return nil, nil
	}

	if opts.CheckAlternates {
		satisfied, err := e.alternateSatisfies(ctx, item, policy)
		if err != nil {
			return nil, err
		}
		if satisfied {
			return nil, nil
		}
	}

	bitrate := policy.TargetBitrateKbps
	if item.VideoBitrateKbps > 0 {
		bitrate = min(item.VideoBitrateKbps, bitrate)
	}

	final, temp := DerivativePaths(item.Path, policy, tier, bitrate)
	if fileExists(final) {
		return nil, nil
	}
	existing, err := SatisfyingDerivative(item.Path, policy, final)
	if err != nil {
		return nil, fmt.Errorf("looking for derivatives of %s: %w", item.Path, err)
	}
	if existing != nil {
		return nil, nil
	}

	return &Options{
		Resolution:  tier,
		Width:       tier.Width,
		Height:      tier.Height,
		BitrateKbps: bitrate,
		Codec:       policy.Codec,
		Container:   policy.ContainerOrDefault(),
		OutputPath:  final,
		TempPath:    temp,
	}, nil
}

func (e *Evaluator) alternateSatisfies(ctx context.Context, item *models.MediaItem, policy Policy) (bool, error) {
	alts, err := e.catalog.Alternates(ctx, item)
	if err != nil {
		return false, fmt.Errorf("listing alternates of %s: %w", item.ID, err)
	}

	for _, alt := range alts {
		if e.queue != nil && e.queue.Contains(alt.ID) {
			e.logger.DebugContext(ctx, "alternate version already queued",
				slog.String("item_id", item.ID.String()),
				slog.String("alternate_id", alt.ID.String()),
			)
			return true, nil
		}
		// An unprobed alternate proves nothing about its size.
		if !alt.HasMetadata() {
			continue
		}
		opts, err := e.EvaluateWithPolicy(ctx, alt, policy, EvaluateOptions{})
		if err != nil {
			return false, err
		}
		if opts == nil {
			e.logger.DebugContext(ctx, "alternate version satisfies policy",
				slog.String("item_id", item.ID.String()),
				slog.String("alternate_path", alt.Path),
			)
			return true, nil
		}
	}
	return false, nil
}

// exceedsPolicy reports whether item is larger than the tier or above the
// bitrate ceiling. A zero bitrate means unknown and never forces a transcode.
func exceedsPolicy(item *models.MediaItem, policy Policy, tier Resolution) bool {
	needsResize := item.Width > tier.Width || item.Height > tier.Height
	needsBitrateReduction := item.VideoBitrateKbps > 0 && item.VideoBitrateKbps > policy.MaxBitrateKbps
	return needsResize || needsBitrateReduction
}
