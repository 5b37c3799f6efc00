package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan [path...]",
	Short: "Scan the library once and exit",
	Long: `Catalogue the library directories and probe new or changed files,
then exit. Paths given as arguments replace the configured library paths.

No transcodes are started.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Library.Paths = args
	}
	if len(cfg.Library.Paths) == 0 {
		return fmt.Errorf("no library paths configured")
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	result, err := cat.library.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scanning library: %w", err)
	}

	total, err := cat.library.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting items: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "added:          %d\n", result.Added)
	fmt.Fprintf(out, "updated:        %d\n", result.Updated)
	fmt.Fprintf(out, "removed:        %d\n", result.Removed)
	fmt.Fprintf(out, "probed:         %d\n", result.Probed)
	fmt.Fprintf(out, "probe failures: %d\n", result.ProbeFails)
	fmt.Fprintf(out, "catalogued:     %d\n", total)
	fmt.Fprintf(out, "took:           %s\n", result.Duration.Round(time.Millisecond))
	return nil
}
