// Package transcode shrinks oversized library videos into tagged derivative
// files next to their source, one encoder process at a time.
package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/shrinkarr/internal/ffmpeg"
	"github.com/jmylchreest/shrinkarr/internal/models"
)

const (
	linkPruneInterval = time.Minute
	linkMaxAge        = time.Hour
)

// Job is a queued or running transcode as shown to API clients.
type Job struct {
	ItemID   models.ULID          `json:"item_id"`
	ItemName string               `json:"item_name"`
	Path     string               `json:"path"`
	State    State                `json:"state"`
	Progress float64              `json:"progress"`
	AddedAt  time.Time            `json:"added_at"`
	Stats    *ffmpeg.ProcessStats `json:"stats,omitempty"`
}

// ServiceConfig holds the service's collaborators.
type ServiceConfig struct {
	Policies     PolicyProvider
	Catalog      Catalog
	Settings     EncoderSettings
	Events       EventSource
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Service wires the queue, worker, listener and status derivation together.
type Service struct {
	catalog   Catalog
	queue     *Queue
	evaluator *Evaluator
	status    *StatusService
	worker    *Worker
	listener  *Listener
	links     *LinkRegistry
	logger    *slog.Logger

	mu        sync.Mutex
	stopPrune chan struct{}
}

// NewService creates a transcode service. Call Start to begin processing.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "transcode_service"))

	queue := NewQueue(cfg.Catalog)
	evaluator := NewEvaluator(cfg.Policies, cfg.Catalog, queue, logger)
	links := NewLinkRegistry()
	worker := NewWorker(WorkerConfig{
		Queue:        queue,
		Evaluator:    evaluator,
		Catalog:      cfg.Catalog,
		Settings:     cfg.Settings,
		Links:        links,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	return &Service{
		catalog:   cfg.Catalog,
		queue:     queue,
		evaluator: evaluator,
		status:    NewStatusService(queue, evaluator, logger),
		worker:    worker,
		listener:  NewListener(cfg.Events, queue, evaluator, cfg.Catalog, links, worker, logger),
		links:     links,
		logger:    logger,
	}
}

// Start subscribes to catalog events and starts the worker.
func (s *Service) Start(ctx context.Context) error {
	if err := s.worker.Start(ctx); err != nil {
		return fmt.Errorf("starting transcode worker: %w", err)
	}
	s.listener.Start()

	s.mu.Lock()
	s.stopPrune = make(chan struct{})
	go s.pruneLoop(s.stopPrune)
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes, stops the worker and kills any running encoder.
func (s *Service) Stop() {
	s.listener.Stop()
	s.worker.Stop()

	s.mu.Lock()
	if s.stopPrune != nil {
		close(s.stopPrune)
		s.stopPrune = nil
	}
	s.mu.Unlock()
}

func (s *Service) pruneLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(linkPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.links.Prune(linkMaxAge); n > 0 {
				s.logger.Debug("pruned unclaimed derivative links", slog.Int("count", n))
			}
		case <-stop:
			return
		}
	}
}

// GetStatus derives the transcode status of an item.
func (s *Service) GetStatus(ctx context.Context, id models.ULID) (Status, error) {
	item, err := s.lookup(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return s.status.Status(ctx, item)
}

// Enqueue queues an item. It returns false when the item is already queued
// or already within the policy.
func (s *Service) Enqueue(ctx context.Context, id models.ULID) (bool, error) {
	item, err := s.lookup(ctx, id)
	if err != nil {
		return false, err
	}

	// Unprobed items are queued anyway; the worker waits for metadata.
	if item.HasMetadata() {
		opts, err := s.evaluator.Evaluate(ctx, item, EvaluateOptions{})
		if err != nil {
			return false, err
		}
		if opts == nil {
			return false, nil
		}
	}

	if !s.queue.Add(item) {
		return false, nil
	}
	s.logger.InfoContext(ctx, "queued item for transcode",
		slog.String("item_id", id.String()),
		slog.String("path", item.Path),
	)
	s.worker.Wake()
	return true, nil
}

// Cancel removes an item from the queue, killing its encoder if running.
func (s *Service) Cancel(id models.ULID) bool {
	return s.worker.CancelItem(id)
}

// ActiveJobs returns every queued and running job, oldest first.
func (s *Service) ActiveJobs() []Job {
	current, running := s.worker.Current()

	entries := s.queue.Snapshot()
	jobs := make([]Job, 0, len(entries))
	for _, e := range entries {
		job := Job{
			ItemID:   e.ItemID,
			Progress: e.Progress,
			AddedAt:  e.AddedAt,
			State:    StateQueued,
		}
		if e.Item != nil {
			job.ItemName = e.Item.Name
			job.Path = e.Item.Path
		}
		if e.IsRunning() {
			job.State = StateTranscoding
		}
		if running && current == e.ItemID {
			job.Stats = s.worker.Stats()
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// QueueLen returns the number of queued and running jobs.
func (s *Service) QueueLen() int {
	return s.queue.Len()
}

func (s *Service) lookup(ctx context.Context, id models.ULID) (*models.MediaItem, error) {
	item, err := s.catalog.GetItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting item %s: %w", id, err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return item, nil
}
