// Package config provides configuration management for shrinkarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "SHRINKARR"

// Default configuration values.
const (
	defaultServerPort        = 8096
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 10
	defaultMaxIdleConns      = 5
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultSettleDelay       = 5 * time.Second
	defaultProbeConcurrency  = 2
	defaultTargetBitrateKbps = 3000
	defaultMaxBitrateKbps    = 3500
	defaultPollInterval      = 5 * time.Second
	defaultStaleTempMaxAge   = 24 * time.Hour
	defaultProbeTimeout      = 30 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Library   LibraryConfig   `mapstructure:"library"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
// The database stores the library catalog only; the transcode queue is never persisted.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// LibraryConfig controls which directories are catalogued and how often.
type LibraryConfig struct {
	Paths            []string      `mapstructure:"paths"`
	Extensions       []string      `mapstructure:"extensions"`
	Watch            bool          `mapstructure:"watch"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`    // quiet period before a watched change triggers a rescan
	RescanSchedule   string        `mapstructure:"rescan_schedule"` // 5-field cron expression, empty disables
	ProbeConcurrency int           `mapstructure:"probe_concurrency"`
}

// TranscodeConfig holds the transcode policy and naming settings.
type TranscodeConfig struct {
	Resolution        string        `mapstructure:"resolution"` // 1080p, 720p, 480p
	TargetBitrateKbps int           `mapstructure:"target_bitrate_kbps"`
	MaxBitrateKbps    int           `mapstructure:"max_bitrate_kbps"`
	Codec             string        `mapstructure:"codec"` // h264, hevc
	AutoEnqueue       bool          `mapstructure:"auto_enqueue"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	SortTag           string        `mapstructure:"sort_tag"`
	HiddenExtension   string        `mapstructure:"hidden_extension"`
	Container         string        `mapstructure:"container"`
	Preset            string        `mapstructure:"preset"`
	Threads           int           `mapstructure:"threads"` // 0 lets ffmpeg decide
	StaleTempMaxAge   time.Duration `mapstructure:"stale_temp_max_age"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath    string        `mapstructure:"binary_path"` // empty = auto-detect
	ProbePath     string        `mapstructure:"probe_path"`  // empty = auto-detect
	HWAccel       string        `mapstructure:"hwaccel"`     // none, vaapi, nvenc, qsv, videotoolbox
	HWAccelDevice string        `mapstructure:"hwaccel_device"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with SHRINKARR_ and use underscores for nesting.
// Example: SHRINKARR_TRANSCODE_RESOLUTION=720p.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/shrinkarr")
		v.AddConfigPath("$HOME/.shrinkarr")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates configuration from an already prepared viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "shrinkarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Library defaults
	v.SetDefault("library.paths", []string{})
	v.SetDefault("library.extensions", []string{".mkv", ".mp4", ".m4v", ".avi", ".mov", ".ts", ".wmv", ".webm"})
	v.SetDefault("library.watch", true)
	v.SetDefault("library.settle_delay", defaultSettleDelay)
	v.SetDefault("library.rescan_schedule", "0 */6 * * *")
	v.SetDefault("library.probe_concurrency", defaultProbeConcurrency)

	// Transcode defaults
	v.SetDefault("transcode.resolution", "1080p")
	v.SetDefault("transcode.target_bitrate_kbps", defaultTargetBitrateKbps)
	v.SetDefault("transcode.max_bitrate_kbps", defaultMaxBitrateKbps)
	v.SetDefault("transcode.codec", "h264")
	v.SetDefault("transcode.auto_enqueue", true)
	v.SetDefault("transcode.poll_interval", defaultPollInterval)
	v.SetDefault("transcode.sort_tag", "zzz")
	v.SetDefault("transcode.hidden_extension", "transcoding")
	v.SetDefault("transcode.container", "mp4")
	v.SetDefault("transcode.preset", "medium")
	v.SetDefault("transcode.threads", 0)
	v.SetDefault("transcode.stale_temp_max_age", defaultStaleTempMaxAge)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.hwaccel", "none")
	v.SetDefault("ffmpeg.hwaccel_device", "")
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Library.ProbeConcurrency < 1 {
		return fmt.Errorf("library.probe_concurrency must be at least 1")
	}

	// An unrecognised resolution tier is not an error; the evaluator falls back to 1080p.
	validCodecs := map[string]bool{"h264": true, "hevc": true}
	if !validCodecs[c.Transcode.Codec] {
		return fmt.Errorf("transcode.codec must be one of: h264, hevc")
	}
	if c.Transcode.TargetBitrateKbps < 1 {
		return fmt.Errorf("transcode.target_bitrate_kbps must be at least 1")
	}
	if c.Transcode.MaxBitrateKbps < 1 {
		return fmt.Errorf("transcode.max_bitrate_kbps must be at least 1")
	}
	if c.Transcode.TargetBitrateKbps > c.Transcode.MaxBitrateKbps {
		return fmt.Errorf("transcode.target_bitrate_kbps (%d) must not exceed transcode.max_bitrate_kbps (%d)",
			c.Transcode.TargetBitrateKbps, c.Transcode.MaxBitrateKbps)
	}
	if c.Transcode.PollInterval <= 0 {
		return fmt.Errorf("transcode.poll_interval must be positive")
	}
	if c.Transcode.HiddenExtension == "" || strings.ContainsAny(c.Transcode.HiddenExtension, "./\\") {
		return fmt.Errorf("transcode.hidden_extension must be a bare extension without dots or separators")
	}
	if c.Transcode.Container == "" || strings.ContainsAny(c.Transcode.Container, "./\\") {
		return fmt.Errorf("transcode.container must be a bare extension without dots or separators")
	}
	if strings.ContainsAny(c.Transcode.SortTag, "[]/\\") {
		return fmt.Errorf("transcode.sort_tag must not contain brackets or path separators")
	}

	validAccels := map[string]bool{"": true, "none": true, "vaapi": true, "nvenc": true, "cuda": true, "qsv": true, "videotoolbox": true}
	if !validAccels[c.FFmpeg.HWAccel] {
		return fmt.Errorf("ffmpeg.hwaccel must be one of: none, vaapi, nvenc, cuda, qsv, videotoolbox")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
