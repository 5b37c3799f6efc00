package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jmylchreest/shrinkarr/internal/models"
)

// State is the derived transcode state of an item.
type State string

const (
	StateNotNeeded    State = "not_needed"
	StateCanTranscode State = "can_transcode"
	StateQueued       State = "queued"
	StateTranscoding  State = "transcoding"
	StateCompleted    State = "completed"
)

// Status describes an item's transcode state at the time of the query.
type Status struct {
	State    State   `json:"state"`
	Progress float64 `json:"progress"`
	// DerivativePath and Resolution are set when State is completed.
	DerivativePath string `json:"derivative_path,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
	// Target is set when State is can_transcode.
	Target *Options `json:"target,omitempty"`
}

// StatusService derives status from the queue and the file system on every
// call. It never mutates either.
type StatusService struct {
	queue     *Queue
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewStatusService creates a status service.
func NewStatusService(queue *Queue, evaluator *Evaluator, logger *slog.Logger) *StatusService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusService{queue: queue, evaluator: evaluator, logger: logger}
}

// Status returns the state of item.
func (s *StatusService) Status(ctx context.Context, item *models.MediaItem) (Status, error) {
	if entry, ok := s.queue.Get(item.ID); ok {
		if entry.IsRunning() {
			return Status{State: StateTranscoding, Progress: entry.Progress}, nil
		}
		return Status{State: StateQueued}, nil
	}

	policy, perr := s.evaluator.Policy()
	if perr != nil && !errors.Is(perr, ErrPolicyUnavailable) {
		return Status{}, perr
	}
	var judge *Policy
	if perr == nil {
		judge = &policy
	}

	d, err := finishedDerivative(item.Path, judge)
	if err != nil {
		return Status{}, fmt.Errorf("looking for derivatives of %s: %w", item.Path, err)
	}
	if d != nil {
		return completed(d), nil
	}

	if perr != nil {
		s.logger.WarnContext(ctx, "transcode policy unavailable",
			slog.String("item_id", item.ID.String()),
			slog.String("error", perr.Error()),
		)
		return Status{State: StateNotNeeded}, nil
	}

	opts, err := s.evaluator.EvaluateWithPolicy(ctx, item, policy, EvaluateOptions{CheckAlternates: true})
	if err != nil {
		return Status{}, err
	}
	if opts == nil {
		return Status{State: StateNotNeeded}, nil
	}
	return Status{State: StateCanTranscode, Target: opts}, nil
}

// finishedDerivative returns a finalized derivative of sourcePath, whatever
// policy produced it. One that fits p wins when p is known.
func finishedDerivative(sourcePath string, p *Policy) (*Derivative, error) {
	found, err := FindDerivatives(filepath.Dir(sourcePath), BaseName(sourcePath))
	if err != nil {
		return nil, err
	}

	var first *Derivative
	for i := range found {
		d := &found[i]
		if d.Path == sourcePath {
			continue
		}
		if p == nil || d.Satisfies(*p) {
			return d, nil
		}
		if first == nil {
			first = d
		}
	}
	return first, nil
}

func completed(d *Derivative) Status {
	return Status{
		State:          StateCompleted,
		Progress:       100,
		DerivativePath: d.Path,
		Resolution:     d.Resolution(),
	}
}
