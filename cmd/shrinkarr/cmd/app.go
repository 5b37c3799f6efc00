package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/shrinkarr/internal/config"
	"github.com/jmylchreest/shrinkarr/internal/database"
	"github.com/jmylchreest/shrinkarr/internal/database/migrations"
	"github.com/jmylchreest/shrinkarr/internal/events"
	"github.com/jmylchreest/shrinkarr/internal/ffmpeg"
	"github.com/jmylchreest/shrinkarr/internal/library"
	"github.com/jmylchreest/shrinkarr/internal/repository"
	"github.com/jmylchreest/shrinkarr/internal/startup"
)

// catalog bundles the pieces shared by serve and scan.
type catalog struct {
	db       *database.DB
	repo     repository.MediaItemRepository
	bus      *events.Bus
	detector *ffmpeg.BinaryDetector
	binaries *ffmpeg.BinaryInfo
	library  *library.Service
}

func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*catalog, error) {
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	repo := repository.NewMediaItemRepository(db.DB)

	removed, err := startup.CleanupStaleTempFiles(logger, cfg.Library.Paths, cfg.Transcode.HiddenExtension, cfg.Transcode.StaleTempMaxAge)
	if err != nil {
		logger.Warn("failed to clean stale encoder output",
			slog.String("error", err.Error()),
		)
	} else if removed > 0 {
		logger.Info("cleaned stale encoder output on startup",
			slog.Int("removed_count", removed),
		)
	}

	if reset, err := startup.ResetFailedProbes(ctx, logger, repo); err != nil {
		logger.Warn("failed to reset failed probes",
			slog.String("error", err.Error()),
		)
	} else if reset > 0 {
		logger.Info("reset failed probes for retry",
			slog.Int("reset_count", reset),
		)
	}

	detector := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	binaries, err := detector.Detect(ctx)
	if err != nil {
		logger.Warn("ffmpeg not found, transcodes will fail until it is installed",
			slog.String("error", err.Error()),
		)
		binaries = &ffmpeg.BinaryInfo{}
	} else {
		logger.Info("detected ffmpeg",
			slog.String("version", binaries.Version),
			slog.String("ffmpeg_path", binaries.FFmpegPath),
			slog.String("ffprobe_path", binaries.FFprobePath),
		)
	}

	bus := events.NewBus(logger)
	prober := ffmpeg.NewProber(binaries.FFprobePath).WithTimeout(cfg.FFmpeg.ProbeTimeout)
	lib := library.NewService(repo, bus, prober, library.Config{
		Paths:            cfg.Library.Paths,
		Extensions:       cfg.Library.Extensions,
		HiddenExtension:  cfg.Transcode.HiddenExtension,
		ProbeConcurrency: cfg.Library.ProbeConcurrency,
	}, logger)

	return &catalog{
		db:       db,
		repo:     repo,
		bus:      bus,
		detector: detector,
		binaries: binaries,
		library:  lib,
	}, nil
}

func (c *catalog) Close() {
	c.bus.Close()
	_ = c.db.Close()
}
