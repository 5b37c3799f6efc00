package cmd

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/shrinkarr/internal/config"
	"github.com/jmylchreest/shrinkarr/internal/scheduler"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing shrinkarr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  shrinkarr config dump > config.yaml

Configuration can be set via:
  - Config file (.shrinkarr.yaml in $HOME or the working directory, /etc/shrinkarr)
  - Environment variables (SHRINKARR_SERVER_PORT, SHRINKARR_TRANSCODE_RESOLUTION, etc.)
  - Command-line flags (for some options)

Environment variables use the SHRINKARR_ prefix and underscores for nesting.
Example: transcode.max_bitrate_kbps -> SHRINKARR_TRANSCODE_MAX_BITRATE_KBPS`,
	RunE: runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	Long:  `Load the configuration from file and environment, validate it, and report the first problem found.`,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
}

// toMap converts a struct to a map keyed by mapstructure tags, formatting
// durations for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	config.SetDefaults(v)
	// Defaults alone leave the library empty, which is valid but unhelpful.
	v.Set("library.paths", []string{"/media/movies", "/media/tv"})

	cfg, err := config.FromViper(v)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# shrinkarr Configuration File")
	fmt.Fprintln(out, "# ============================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# All values shown below are defaults, except the example library paths.")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h30m")
	fmt.Fprintln(out, "# Rescan schedule: 5-field cron or a descriptor such as @daily; empty disables")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   SHRINKARR_SERVER_HOST, SHRINKARR_SERVER_PORT")
	fmt.Fprintln(out, "#   SHRINKARR_DATABASE_DRIVER, SHRINKARR_DATABASE_DSN")
	fmt.Fprintln(out, "#   SHRINKARR_TRANSCODE_RESOLUTION, SHRINKARR_TRANSCODE_MAX_BITRATE_KBPS")
	fmt.Fprintln(out, "#   SHRINKARR_LOGGING_LEVEL, SHRINKARR_LOGGING_FORMAT")
	fmt.Fprintln(out, "#   etc.")
	fmt.Fprintln(out, "")
	fmt.Fprint(out, string(yamlData))

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := scheduler.ValidateCron(cfg.Library.RescanSchedule); err != nil {
		return fmt.Errorf("library.rescan_schedule: %w", err)
	}
	for _, p := range cfg.Library.Paths {
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: library path %s is not a readable directory\n", p)
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
	return nil
}
