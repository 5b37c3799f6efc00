package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/shrinkarr/internal/config"
	internalhttp "github.com/jmylchreest/shrinkarr/internal/http"
	"github.com/jmylchreest/shrinkarr/internal/http/handlers"
	"github.com/jmylchreest/shrinkarr/internal/library"
	"github.com/jmylchreest/shrinkarr/internal/scheduler"
	"github.com/jmylchreest/shrinkarr/internal/transcode"
	"github.com/jmylchreest/shrinkarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the shrinkarr server",
	Long: `Start the library scanner, the transcode worker and the HTTP API.

The server provides:
- REST API for the catalog and per-item transcode status
- Manual queueing and cancelling of transcodes
- Health check endpoints (/health, /livez, /readyz)
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8096, "Port to listen on")
	serveCmd.Flags().String("database", "shrinkarr.db", "Database DSN (a file path for sqlite)")
	serveCmd.Flags().StringSlice("library", nil, "Library directory to scan (repeatable)")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	mustBindPFlag("library.paths", serveCmd.Flags().Lookup("library"))
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	binary := cat.binaries.FFmpegPath
	if binary == "" {
		binary = "ffmpeg"
	}
	policies := transcode.NewConfigPolicyProvider(&cfg.Transcode)
	transcoder := transcode.NewService(transcode.ServiceConfig{
		Policies:     policies,
		Catalog:      cat.library,
		Settings:     transcode.NewConfigEncoderSettings(binary, cfg.FFmpeg, cfg.Transcode),
		Events:       cat.bus,
		PollInterval: cfg.Transcode.PollInterval,
		Logger:       logger,
	})

	watchPolicyChanges(policies, logger)

	// The transcoder subscribes before the library publishes its first scan.
	if err := transcoder.Start(ctx); err != nil {
		return fmt.Errorf("starting transcoder: %w", err)
	}
	defer transcoder.Stop()

	if err := cat.library.Start(ctx); err != nil {
		return fmt.Errorf("starting library: %w", err)
	}
	defer cat.library.Stop()

	if cfg.Library.Watch {
		watcher := library.NewWatcher(cfg.Library.Paths, cfg.Transcode.HiddenExtension, cfg.Library.SettleDelay, cat.library, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("file watching unavailable, relying on scheduled rescans",
				slog.String("error", err.Error()),
			)
		} else {
			defer watcher.Stop()
		}
	}

	sched, err := scheduler.NewScheduler(cfg.Library.RescanSchedule, cat.library)
	if err != nil {
		return fmt.Errorf("library.rescan_schedule: %w", err)
	}
	sched.WithLogger(logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	server := internalhttp.NewServer(internalhttp.ServerConfigFrom(cfg.Server), logger, version.Version)

	handlers.NewHealthHandler(version.Version).
		WithDB(cat.db).
		WithFFmpeg(cat.detector).
		WithTranscode(transcoder).
		Register(server.API())
	handlers.NewLibraryHandler(cat.library).Register(server.API())
	handlers.NewTranscodeHandler(transcoder).Register(server.API())

	logger.Info("starting shrinkarr server",
		slog.String("address", server.Addr()),
		slog.Any("library_paths", cfg.Library.Paths),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}

// watchPolicyChanges re-reads the transcode policy when the config file
// changes. Other settings need a restart.
func watchPolicyChanges(policies *transcode.ConfigPolicyProvider, logger *slog.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := config.FromViper(viper.GetViper())
		if err != nil {
			logger.Warn("ignoring invalid config change",
				slog.String("file", e.Name),
				slog.String("error", err.Error()),
			)
			return
		}
		policies.Update(&cfg.Transcode)
		logger.Info("transcode policy reloaded",
			slog.String("resolution", cfg.Transcode.Resolution),
			slog.Int("max_bitrate_kbps", cfg.Transcode.MaxBitrateKbps),
		)
	})
	viper.WatchConfig()
}
