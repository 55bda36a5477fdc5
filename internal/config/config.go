// Package config provides configuration management for relaycast using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultReadTimeout     = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultMaxChannels     = 6
	defaultIdleGrace       = 30 * time.Second
	defaultStartupTimeout  = 10 * time.Second
	defaultStallTimeout    = 5 * time.Second
	defaultSweepInterval   = 1 * time.Second
	defaultSinkQueueChunks = 64

	defaultUpstreamTimeout = 12 * time.Second
	defaultAudioBitrate    = 128

	defaultLogRetention = 7 * 24 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	FFmpeg      FFmpegConfig      `mapstructure:"ffmpeg"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// RelayConfig holds broadcast hub configuration.
type RelayConfig struct {
	// Secret is the shared key required on /stream and /json requests.
	Secret string `mapstructure:"secret"`
	// MaxChannels bounds the number of simultaneously active broadcasters.
	MaxChannels int `mapstructure:"max_channels"`
	// IdleGrace is how long a broadcaster survives with zero clients.
	IdleGrace time.Duration `mapstructure:"idle_grace"`
	// StartupTimeout is how long to wait for first transcoder output before
	// falling back to a direct pipe.
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	// StallTimeout forces a transcoder restart when no output arrives.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	// SweepInterval is how often idle broadcasters are reaped.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SinkQueueChunks is the per-client write queue depth before the client
	// is considered too slow and dropped.
	SinkQueueChunks int `mapstructure:"sink_queue_chunks"`
	// AdvertisedURL is this relay's own public address, used for loop
	// protection. Requests resolving back to it are refused.
	AdvertisedURL string `mapstructure:"advertised_url"`
}

// UpstreamConfig holds upstream fetch configuration.
type UpstreamConfig struct {
	// ConnectTimeout bounds dialing and TLS handshake.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// HeaderTimeout bounds the wait for upstream response headers.
	HeaderTimeout time.Duration `mapstructure:"header_timeout"`
	// UserAgents is the rotation list for upstream requests.
	UserAgents []string `mapstructure:"user_agents"`
	// PlaylistURL is the source playlist proxied and rewritten by /playlist.
	PlaylistURL string `mapstructure:"playlist_url"`
}

// FFmpegConfig holds transcoder configuration.
type FFmpegConfig struct {
	// BinaryPath is the ffmpeg binary (empty = search PATH).
	BinaryPath string `mapstructure:"binary_path"`
	// AudioBitrateKbps is the AAC re-encode bitrate.
	AudioBitrateKbps int `mapstructure:"audio_bitrate_kbps"`
	// StderrLogDir receives per-process stderr log files (empty = memory only).
	StderrLogDir string `mapstructure:"stderr_log_dir"`
}

// DatabaseConfig holds the codec cache database configuration.
type DatabaseConfig struct {
	// DSN is the sqlite file path (empty = codec cache disabled).
	DSN string `mapstructure:"dsn"`
	// CacheTTL is how long probed codec info stays valid.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// MaintenanceConfig holds scheduled maintenance configuration.
type MaintenanceConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Cron is a 6-field cron expression for the log pruning job.
	Cron string `mapstructure:"cron"`
	// LogRetention is how long ffmpeg stderr logs are kept.
	LogRetention time.Duration `mapstructure:"log_retention"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RELAYCAST_ and use underscores for
// nesting. Example: RELAYCAST_SERVER_PORT=8080.
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
		v.AddConfigPath("/etc/relaycast")
		v.AddConfigPath("$HOME/.relaycast")
	}

	v.SetEnvPrefix("RELAYCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

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
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Relay defaults
	v.SetDefault("relay.secret", "")
	v.SetDefault("relay.max_channels", defaultMaxChannels)
	v.SetDefault("relay.idle_grace", defaultIdleGrace)
	v.SetDefault("relay.startup_timeout", defaultStartupTimeout)
	v.SetDefault("relay.stall_timeout", defaultStallTimeout)
	v.SetDefault("relay.sweep_interval", defaultSweepInterval)
	v.SetDefault("relay.sink_queue_chunks", defaultSinkQueueChunks)
	v.SetDefault("relay.advertised_url", "")

	// Upstream defaults
	v.SetDefault("upstream.connect_timeout", defaultUpstreamTimeout)
	v.SetDefault("upstream.header_timeout", defaultUpstreamTimeout)
	v.SetDefault("upstream.user_agents", []string{
		"VLC/3.0.18 LibVLC/3.0.18",
		"VLC/3.0.20 LibVLC/3.0.20",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	})
	v.SetDefault("upstream.playlist_url", "")

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.audio_bitrate_kbps", defaultAudioBitrate)
	v.SetDefault("ffmpeg.stderr_log_dir", "")

	// Database defaults
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.cache_ttl", 24*time.Hour)

	// Maintenance defaults
	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.cron", "0 0 3 * * *") // daily at 3 AM (6-field cron)
	v.SetDefault("maintenance.log_retention", defaultLogRetention)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Relay.MaxChannels < 1 {
		return fmt.Errorf("relay.max_channels must be at least 1")
	}
	if c.Relay.IdleGrace <= 0 {
		return fmt.Errorf("relay.idle_grace must be positive")
	}
	if c.Relay.StartupTimeout <= 0 {
		return fmt.Errorf("relay.startup_timeout must be positive")
	}
	if c.Relay.StallTimeout <= 0 {
		return fmt.Errorf("relay.stall_timeout must be positive")
	}
	if c.Relay.SweepInterval <= 0 {
		return fmt.Errorf("relay.sweep_interval must be positive")
	}
	if c.Relay.SinkQueueChunks < 1 {
		return fmt.Errorf("relay.sink_queue_chunks must be at least 1")
	}

	if len(c.Upstream.UserAgents) == 0 {
		return fmt.Errorf("upstream.user_agents must not be empty")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
