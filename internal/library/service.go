// Package library maintains the catalog of video files under the configured
// media directories and reports changes on the event bus.
package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/shrinkarr/internal/events"
	"github.com/jmylchreest/shrinkarr/internal/ffmpeg"
	"github.com/jmylchreest/shrinkarr/internal/models"
	"github.com/jmylchreest/shrinkarr/internal/repository"
	"github.com/jmylchreest/shrinkarr/internal/transcode"
)

// DefaultExtensions are the video file extensions catalogued when none are configured.
var DefaultExtensions = []string{".mkv", ".mp4", ".m4v", ".avi", ".mov", ".ts", ".webm", ".wmv"}

var subtitleExtensions = []string{".srt", ".ass", ".ssa", ".vtt"}

var episodeRe = regexp.MustCompile(`(?i)\bS\d{1,2}E\d{1,3}\b`)

// Publisher receives catalog change events.
type Publisher interface {
	Publish(typ events.Type, item *models.MediaItem)
}

// MetadataProber extracts video metadata from a file.
type MetadataProber interface {
	ProbeMetadata(ctx context.Context, path string) (*ffmpeg.VideoMetadata, error)
}

// Config controls what is catalogued.
type Config struct {
	Paths            []string
	Extensions       []string
	HiddenExtension  string
	ProbeConcurrency int
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Added      int           `json:"added"`
	Updated    int           `json:"updated"`
	Removed    int           `json:"removed"`
	Probed     int           `json:"probed"`
	ProbeFails int           `json:"probe_failures"`
	Duration   time.Duration `json:"duration"`
}

// Service scans the library and implements transcode.Catalog.
type Service struct {
	repo      repository.MediaItemRepository
	publisher Publisher
	prober    MetadataProber
	cfg       Config
	exts      map[string]bool
	logger    *slog.Logger

	scanMu sync.Mutex

	rescan chan struct{}
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transcode.Catalog = (*Service)(nil)

// NewService creates a library service.
func NewService(repo repository.MediaItemRepository, publisher Publisher, prober MetadataProber, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 1
	}
	if cfg.HiddenExtension == "" {
		cfg.HiddenExtension = transcode.DefaultHiddenExtension
	}
	extensions := cfg.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}

	return &Service{
		repo:      repo,
		publisher: publisher,
		prober:    prober,
		cfg:       cfg,
		exts:      exts,
		logger:    logger.With(slog.String("component", "library")),
		rescan:    make(chan struct{}, 1),
	}
}

// Paths returns the configured library roots.
func (s *Service) Paths() []string {
	return slices.Clone(s.cfg.Paths)
}

// Start runs an initial scan and then serves rescan requests in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("library already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.rescanLoop(ctx)
	s.RequestRescan(ctx)

	s.logger.Info("library started", slog.Any("paths", s.cfg.Paths))
	return nil
}

// Stop ends the background loop, waiting for a running scan to notice.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("library stopped")
}

// RequestRescan schedules a scan. Requests made while one is pending are
// merged into it.
func (s *Service) RequestRescan(_ context.Context) {
	select {
	case s.rescan <- struct{}{}:
	default:
	}
}

func (s *Service) rescanLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.rescan:
			if _, err := s.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("library scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Scan brings the catalog in line with the file system and probes new or
// changed files.
func (s *Service) Scan(ctx context.Context) (ScanResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	start := time.Now()
	var result ScanResult

	for _, root := range s.cfg.Paths {
		if err := s.scanRoot(ctx, root, &result); err != nil {
			return result, err
		}
	}

	probed, failed, err := s.probePending(ctx)
	result.Probed, result.ProbeFails = probed, failed
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}

	s.logger.Info("library scan completed",
		slog.Int("added", result.Added),
		slog.Int("updated", result.Updated),
		slog.Int("removed", result.Removed),
		slog.Int("probed", result.Probed),
		slog.Int("probe_failures", result.ProbeFails),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

type foundFile struct {
	path    string
	size    int64
	modTime time.Time
}

func (s *Service) scanRoot(ctx context.Context, root string, result *ScanResult) error {
	root = filepath.Clean(root)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		s.logger.Warn("library path unavailable", slog.String("path", root))
		// Keep catalogued items: an unmounted share is not a deletion.
		return nil
	}

	files, subtitles, err := s.walk(ctx, root)
	if err != nil {
		return err
	}

	existing, err := s.repo.ListUnderRoot(ctx, root)
	if err != nil {
		return err
	}
	byPath := make(map[string]*models.MediaItem, len(existing))
	for _, item := range existing {
		byPath[item.Path] = item
	}

	// Sources before derivatives so a derivative's source is already catalogued.
	slices.SortStableFunc(files, func(a, b foundFile) int {
		da, db := transcode.IsDerivative(a.path), transcode.IsDerivative(b.path)
		switch {
		case da == db:
			return strings.Compare(a.path, b.path)
		case db:
			return -1
		default:
			return 1
		}
	})

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		subs := matchSubtitles(f.path, subtitles[filepath.Dir(f.path)])
		item, ok := byPath[f.path]
		delete(byPath, f.path)

		if !ok {
			if err := s.addItem(ctx, f, subs); err != nil {
				s.logger.Warn("failed to catalogue file",
					slog.String("path", f.path),
					slog.String("error", err.Error()),
				)
				continue
			}
			result.Added++
			continue
		}

		if changed(item, f, subs) {
			item.Size = f.size
			item.ModTime = f.modTime
			item.Subtitles = subs
			resetProbe(item)
			if err := s.repo.Update(ctx, item); err != nil {
				s.logger.Warn("failed to update item",
					slog.String("path", f.path),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.publisher.Publish(events.ItemUpdated, item)
			result.Updated++
		}
	}

	for _, gone := range byPath {
		if err := s.repo.Delete(ctx, gone.ID); err != nil {
			s.logger.Warn("failed to remove item",
				slog.String("path", gone.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.publisher.Publish(events.ItemRemoved, gone)
		result.Removed++
	}
	return nil
}

// walk lists catalogue candidates and subtitle sidecars, keyed by directory.
func (s *Service) walk(ctx context.Context, root string) ([]foundFile, map[string][]string, error) {
	var files []foundFile
	subtitles := make(map[string][]string)
	hidden := "." + strings.TrimPrefix(s.cfg.HiddenExtension, ".")

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("failed to access path", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, hidden) {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(name))
		if slices.Contains(subtitleExtensions, ext) {
			dir := filepath.Dir(path)
			subtitles[dir] = append(subtitles[dir], path)
			return nil
		}
		if !s.exts[ext] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, foundFile{
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime().UTC().Truncate(time.Second),
		})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return files, subtitles, nil
}

func (s *Service) addItem(ctx context.Context, f foundFile, subs []string) error {
	name := filepath.Base(f.path)
	item := &models.MediaItem{
		Name:      strings.TrimSuffix(name, filepath.Ext(name)),
		Path:      f.path,
		Type:      detectType(name),
		Size:      f.size,
		ModTime:   f.modTime,
		Subtitles: subs,
	}
	if err := s.repo.Create(ctx, item); err != nil {
		return err
	}

	if transcode.IsDerivative(f.path) {
		s.linkToSource(ctx, item)
	}

	s.publisher.Publish(events.ItemAdded, item)
	return nil
}

// linkToSource links a derivative found on disk to the non-derivative file
// in the same directory sharing its base name.
func (s *Service) linkToSource(ctx context.Context, item *models.MediaItem) {
	siblings, err := s.repo.ListUnderRoot(ctx, item.Dir())
	if err != nil {
		s.logger.Warn("failed to look up derivative source",
			slog.String("path", item.Path),
			slog.String("error", err.Error()),
		)
		return
	}
	base := transcode.BaseName(item.Path)
	for _, candidate := range siblings {
		if candidate.Dir() != item.Dir() || candidate.ID == item.ID || transcode.IsDerivative(candidate.Path) {
			continue
		}
		if !transcode.SameBase(transcode.BaseName(candidate.Path), base) {
			continue
		}
		if err := s.repo.SetPrimaryVersion(ctx, item.ID, candidate.ID); err != nil {
			s.logger.Warn("failed to link derivative",
				slog.String("path", item.Path),
				slog.String("error", err.Error()),
			)
			return
		}
		id := candidate.ID
		item.PrimaryVersionID = &id
		return
	}
}

// probePending probes every unprobed item, a few at a time.
func (s *Service) probePending(ctx context.Context) (probed, failed int, err error) {
	if s.prober == nil {
		return 0, 0, nil
	}
	items, err := s.repo.ListUnprobed(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(items) == 0 {
		return 0, 0, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ProbeConcurrency)

	for _, item := range items {
		g.Go(func() error {
			ok, err := s.probeItem(gctx, item)
			if err != nil {
				return err
			}
			mu.Lock()
			if ok {
				probed++
			} else {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if errors.Is(err, ffmpeg.ErrFFprobeUnavailable) {
		s.logger.Warn("ffprobe not available, skipping metadata probe",
			slog.Int("pending", len(items)),
		)
		return probed, failed, nil
	}
	return probed, failed, err
}

// probeItem records metadata for one item. Probe failures are stored on the
// item; only a missing prober or a cancelled context is returned as an error.
func (s *Service) probeItem(ctx context.Context, item *models.MediaItem) (bool, error) {
	meta, probeErr := s.prober.ProbeMetadata(ctx, item.Path)
	if errors.Is(probeErr, ffmpeg.ErrFFprobeUnavailable) {
		return false, probeErr
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	item.ProbedAt = &now
	if probeErr != nil {
		item.ProbeError = probeErr.Error()
		s.logger.Warn("failed to probe file",
			slog.String("path", item.Path),
			slog.String("error", probeErr.Error()),
		)
	} else {
		item.ProbeError = ""
		item.Width = meta.Width
		item.Height = meta.Height
		item.VideoBitrateKbps = meta.VideoBitrateKbps
		item.VideoCodec = meta.VideoCodec
		item.DurationMs = meta.DurationMs
	}

	if err := s.repo.UpdateProbe(ctx, item); err != nil {
		return false, err
	}
	if probeErr != nil {
		return false, nil
	}

	// Pick up links made while the probe ran.
	fresh, err := s.repo.GetByID(ctx, item.ID)
	if err != nil {
		return false, err
	}
	if fresh != nil {
		item = fresh
	}

	s.logger.Debug("probed file",
		slog.String("path", item.Path),
		slog.Int("width", item.Width),
		slog.Int("height", item.Height),
		slog.Int("video_bitrate_kbps", item.VideoBitrateKbps),
	)
	s.publisher.Publish(events.ItemUpdated, item)
	return true, nil
}

// GetItem implements transcode.Catalog.
func (s *Service) GetItem(ctx context.Context, id models.ULID) (*models.MediaItem, error) {
	return s.repo.GetByID(ctx, id)
}

// GetItems implements transcode.Catalog.
func (s *Service) GetItems(ctx context.Context, ids []models.ULID) ([]*models.MediaItem, error) {
	return s.repo.GetByIDs(ctx, ids)
}

// Alternates implements transcode.Catalog.
func (s *Service) Alternates(ctx context.Context, item *models.MediaItem) ([]*models.MediaItem, error) {
	return s.repo.Alternates(ctx, item)
}

// LinkAlternateVersion implements transcode.Catalog.
func (s *Service) LinkAlternateVersion(ctx context.Context, newID, originalID models.ULID) error {
	return s.repo.SetPrimaryVersion(ctx, newID, originalID)
}

// List returns every catalogued item.
func (s *Service) List(ctx context.Context) ([]*models.MediaItem, error) {
	return s.repo.List(ctx)
}

// Count returns the number of catalogued items.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}

func detectType(name string) models.ItemType {
	if episodeRe.MatchString(name) {
		return models.ItemTypeEpisode
	}
	return models.ItemTypeMovie
}

// matchSubtitles returns sidecars named after the video, e.g. "Movie.en.srt"
// for "Movie.mkv".
func matchSubtitles(videoPath string, candidates []string) []string {
	stem := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	var subs []string
	for _, c := range candidates {
		name := filepath.Base(c)
		if strings.HasPrefix(name, stem+".") {
			subs = append(subs, c)
		}
	}
	slices.Sort(subs)
	return subs
}

func changed(item *models.MediaItem, f foundFile, subs []string) bool {
	return item.Size != f.size ||
		!item.ModTime.UTC().Truncate(time.Second).Equal(f.modTime) ||
		!slices.Equal(item.Subtitles, subs)
}

// resetProbe forgets metadata of a file whose contents changed.
func resetProbe(item *models.MediaItem) {
	item.ProbedAt = nil
	item.ProbeError = ""
	item.Width, item.Height = 0, 0
	item.VideoBitrateKbps = 0
	item.VideoCodec = ""
	item.DurationMs = 0
}
