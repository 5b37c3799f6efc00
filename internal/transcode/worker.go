package transcode

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/shrinkarr/internal/ffmpeg"
	"github.com/jmylchreest/shrinkarr/internal/models"
)

// DefaultPollInterval is the pause between queue scans.
const DefaultPollInterval = 5 * time.Second

// stderrTailLines is how much encoder output is logged on failure.
const stderrTailLines = 10

// WorkerConfig holds the worker's collaborators.
type WorkerConfig struct {
	Queue        *Queue
	Evaluator    *Evaluator
	Catalog      Catalog
	Settings     EncoderSettings
	Runner       *Runner
	Links        *LinkRegistry
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Worker drains the queue, running at most one encoder at a time.
type Worker struct {
	queue        *Queue
	evaluator    *Evaluator
	catalog      Catalog
	settings     EncoderSettings
	runner       *Runner
	links        *LinkRegistry
	pollInterval time.Duration
	logger       *slog.Logger

	// slot has capacity one; holding it is the right to run an encoder.
	slot chan struct{}

	mu        sync.Mutex
	current   models.ULID
	cancelJob context.CancelFunc

	wake    chan struct{}
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a worker. Call Start to begin processing.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	runner := cfg.Runner
	if runner == nil {
		runner = NewRunner()
	}
	links := cfg.Links
	if links == nil {
		links = NewLinkRegistry()
	}
	return &Worker{
		queue:        cfg.Queue,
		evaluator:    cfg.Evaluator,
		catalog:      cfg.Catalog,
		settings:     cfg.Settings,
		runner:       runner,
		links:        links,
		pollInterval: interval,
		logger:       logger.With(slog.String("component", "transcode_worker")),
		slot:         make(chan struct{}, 1),
		wake:         make(chan struct{}, 1),
	}
}

// Start launches the worker loop. It returns an error if already started.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return errors.New("worker already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx, w.done)

	w.logger.Info("transcode worker started",
		slog.Duration("poll_interval", w.pollInterval),
	)
	return nil
}

// Stop ends the loop, kills any running encoder and waits for the loop to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	cancelJob := w.cancelJob
	w.started = false
	w.mu.Unlock()

	cancel()
	if cancelJob != nil {
		cancelJob()
	}
	if err := w.runner.Stop(); err != nil {
		w.logger.Warn("failed to stop encoder", slog.String("error", err.Error()))
	}
	<-done

	w.logger.Info("transcode worker stopped")
}

// Wake makes the loop scan the queue now instead of after the poll interval.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// CancelItem drops id from the queue and kills its encoder if it is the
// running job. It reports whether anything was queued.
func (w *Worker) CancelItem(id models.ULID) bool {
	_, removed := w.queue.Remove(id)

	w.mu.Lock()
	active := w.current == id && w.cancelJob != nil
	cancelJob := w.cancelJob
	w.mu.Unlock()

	if active {
		cancelJob()
		if err := w.runner.Stop(); err != nil {
			w.logger.Warn("failed to stop encoder",
				slog.String("item_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
		w.logger.Info("cancelled running transcode", slog.String("item_id", id.String()))
	}
	return removed || active
}

// Current returns the ID of the running job, if any.
func (w *Worker) Current() (models.ULID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, !w.current.IsZero()
}

// Stats returns resource usage of the running encoder, or nil.
func (w *Worker) Stats() *ffmpeg.ProcessStats {
	return w.runner.Stats()
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		w.runCycle(ctx)
		timer.Reset(w.pollInterval)
	}
}

// runCycle makes one pass over everything queued.
func (w *Worker) runCycle(ctx context.Context) {
	dropped, err := w.queue.RefreshAll(ctx)
	if err != nil {
		w.logger.Warn("failed to refresh transcode queue", slog.String("error", err.Error()))
		return
	}
	if dropped > 0 {
		w.logger.Debug("dropped queue entries for removed items", slog.Int("count", dropped))
	}

	for _, entry := range w.queue.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		if entry.Item == nil || !entry.Item.HasMetadata() {
			w.logger.Debug("waiting for item metadata",
				slog.String("item_id", entry.ItemID.String()),
			)
			continue
		}
		w.safeProcess(ctx, entry.ItemID)
	}
}

// safeProcess runs processItem and logs instead of propagating failures.
func (w *Worker) safeProcess(ctx context.Context, id models.ULID) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while processing queue item",
				slog.String("item_id", id.String()),
				slog.Any("panic", r),
			)
			w.queue.Remove(id)
		}
	}()

	err := w.processItem(ctx, id)
	if err == nil {
		return
	}

	attrs := []any{
		slog.String("item_id", id.String()),
		slog.String("error", err.Error()),
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		attrs = append(attrs,
			slog.Int("exit_code", exitErr.Code),
			slog.String("stderr", exitErr.StderrTail(stderrTailLines)),
		)
	}
	w.logger.Error("transcode failed", attrs...)
}

// processItem runs one job under the slot. The queue entry is always removed
// when the job ends, whether it succeeded or not.
func (w *Worker) processItem(ctx context.Context, id models.ULID) error {
	select {
	case w.slot <- struct{}{}:
	case <-ctx.Done():
		return nil
	}
	defer func() { <-w.slot }()

	entry, ok, err := w.queue.Refresh(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		// Removed while waiting for the slot.
		return nil
	}
	item := entry.Item

	policy, err := w.evaluator.Policy()
	if err != nil {
		w.logger.Warn("no transcode policy, dropping queued item",
			slog.String("item_id", id.String()),
			slog.String("error", err.Error()),
		)
		w.queue.Remove(id)
		return nil
	}

	defer w.queue.Remove(id)

	opts, err := w.evaluator.EvaluateWithPolicy(ctx, item, policy, EvaluateOptions{})
	if err != nil {
		return fmt.Errorf("evaluating %s: %w", item.Path, err)
	}
	if opts == nil {
		w.logger.Info("transcode no longer needed",
			slog.String("item_id", id.String()),
			slog.String("path", item.Path),
		)
		return nil
	}

	if !fileExists(item.Path) {
		return fmt.Errorf("%w: %s", ErrSourceMissing, item.Path)
	}
	if err := w.removeStaleTemp(opts.TempPath); err != nil {
		return err
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	w.mu.Lock()
	w.current = id
	w.cancelJob = cancelJob
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = models.ULID{}
		w.cancelJob = nil
		w.mu.Unlock()
	}()

	// A removal between the refresh and the bookkeeping above could not
	// reach this job.
	if !w.queue.Contains(id) {
		return nil
	}

	parser := ffmpeg.NewProgressParser(func(pct float64) {
		w.queue.SetProgress(id, pct)
	})
	parser.Start()

	cmd := w.buildCommand(item, opts)
	w.logger.Info("starting transcode",
		slog.String("item_id", id.String()),
		slog.String("source", item.Path),
		slog.String("output", opts.OutputPath),
		slog.String("resolution", opts.ResolutionTag()),
		slog.Int("bitrate_kbps", opts.BitrateKbps),
		slog.String("codec", string(opts.Codec)),
	)
	w.logger.Debug("encoder command", slog.String("command", cmd.String()))

	started := time.Now()
	runErr := w.runner.Run(jobCtx, cmd, parser.OnLine)
	switch {
	case runErr == nil:
	case errors.Is(runErr, ErrCancelled):
		removeTemp(w.logger, opts.TempPath)
		w.logger.Info("transcode cancelled",
			slog.String("item_id", id.String()),
			slog.String("path", item.Path),
		)
		return nil
	default:
		removeTemp(w.logger, opts.TempPath)
		return fmt.Errorf("transcoding %s: %w", item.Path, runErr)
	}

	if err := os.Rename(opts.TempPath, opts.OutputPath); err != nil {
		removeTemp(w.logger, opts.TempPath)
		return fmt.Errorf("finalizing %s: %w", opts.OutputPath, err)
	}
	parser.Finish()

	w.links.Record(opts.OutputPath, item.ID)
	w.catalog.RequestRescan(ctx)

	w.logger.Info("transcode completed",
		slog.String("item_id", id.String()),
		slog.String("output", opts.OutputPath),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// buildCommand assembles the encoder invocation for one job.
func (w *Worker) buildCommand(item *models.MediaItem, opts *Options) *ffmpeg.Command {
	profile, device := w.settings.HWAccel()

	b := ffmpeg.NewCommandBuilder(w.settings.EncoderBinary()).
		LogLevel("info").
		HideBanner().
		NoStdin().
		Stats().
		Overwrite()

	if profile.NeedsDevice {
		b.InitHWDevice(profile.Decode, device)
	} else {
		b.HWAccelDevice(device)
	}
	b.HWAccel(profile.Decode)

	b.Input(w.settings.Input(item.Path))
	for _, sub := range item.Subtitles {
		b.AddInput(w.settings.Input(sub))
	}

	b.VideoFilter(scaleFilter(opts.Width, opts.Height)).
		HWUploadFilter(profile.Upload)

	b.Map("0:v:0").Map("0:a?")
	for i := range item.Subtitles {
		b.Map(fmt.Sprintf("%d:s", i+1))
	}

	b.VideoCodec(profile.Encoder(string(opts.Codec))).
		VideoBitrate(opts.BitrateKbps).
		MaxRate(opts.BitrateKbps * 6 / 5).
		BufSize(opts.BitrateKbps * 2)
	if profile.IsSoftware() {
		b.VideoPreset(w.settings.Preset())
	}
	b.Threads(w.settings.Threads()).
		AudioCodec("aac")
	if len(item.Subtitles) > 0 {
		b.SubtitleCodec(subtitleCodec(opts.Container))
	}

	muxer := muxerFor(opts.Container)
	b.Format(muxer)
	if muxer == "mp4" || muxer == "mov" {
		b.FastStart()
	}
	return b.Output(opts.TempPath).Build()
}

// scaleFilter fits the picture inside w×h without upscaling smaller sources.
func scaleFilter(w, h int) string {
	return fmt.Sprintf("scale=w='min(iw,%d)':h='min(ih,%d)':force_original_aspect_ratio=decrease:force_divisible_by=2", w, h)
}

func subtitleCodec(container string) string {
	switch strings.ToLower(container) {
	case "mp4", "m4v", "mov":
		return "mov_text"
	default:
		return "copy"
	}
}

// muxerFor maps a file extension to the ffmpeg muxer name. The temp file's
// hidden extension hides the real one from ffmpeg, so -f is always needed.
func muxerFor(container string) string {
	switch strings.ToLower(container) {
	case "mkv":
		return "matroska"
	case "m4v":
		return "mp4"
	default:
		return strings.ToLower(container)
	}
}

// removeStaleTemp deletes an in-progress file left behind by an earlier run
// that never finished. No encoder can own it while this worker holds the slot.
func (w *Worker) removeStaleTemp(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("temporary output %s is a directory", path)
	}
	w.logger.Warn("removing stale partial output",
		slog.String("path", path),
		slog.Time("modified", info.ModTime()),
	)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing stale partial output %s: %w", filepath.Base(path), err)
	}
	return nil
}

func removeTemp(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to remove partial output",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
