package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 6, cfg.Relay.MaxChannels)
	assert.Equal(t, 30*time.Second, cfg.Relay.IdleGrace)
	assert.Equal(t, 10*time.Second, cfg.Relay.StartupTimeout)
	assert.Equal(t, 5*time.Second, cfg.Relay.StallTimeout)
	assert.Equal(t, 64, cfg.Relay.SinkQueueChunks)
	assert.Equal(t, 12*time.Second, cfg.Upstream.ConnectTimeout)
	assert.Equal(t, 128, cfg.FFmpeg.AudioBitrateKbps)
	assert.True(t, cfg.Maintenance.Enabled)
	assert.NotEmpty(t, cfg.Upstream.UserAgents)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
relay:
  secret: topsecret
  max_channels: 3
  idle_grace: 45s
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "topsecret", cfg.Relay.Secret)
	assert.Equal(t, 3, cfg.Relay.MaxChannels)
	assert.Equal(t, 45*time.Second, cfg.Relay.IdleGrace)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	// Unset values keep defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5*time.Second, cfg.Relay.StallTimeout)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RELAYCAST_SERVER_PORT", "7070")
	t.Setenv("RELAYCAST_RELAY_SECRET", "envsecret")
	t.Setenv("RELAYCAST_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "envsecret", cfg.Relay.Secret)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		v := viper.New()
		SetDefaults(v)
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			t.Fatalf("unmarshal defaults: %v", err)
		}
		return &cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults valid",
			mutate: func(*Config) {},
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "zero max channels",
			mutate:  func(c *Config) { c.Relay.MaxChannels = 0 },
			wantErr: "relay.max_channels",
		},
		{
			name:    "negative idle grace",
			mutate:  func(c *Config) { c.Relay.IdleGrace = -time.Second },
			wantErr: "relay.idle_grace",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *Config) { c.Relay.SweepInterval = 0 },
			wantErr: "relay.sweep_interval",
		},
		{
			name:    "zero sink queue",
			mutate:  func(c *Config) { c.Relay.SinkQueueChunks = 0 },
			wantErr: "relay.sink_queue_chunks",
		},
		{
			name:    "empty user agents",
			mutate:  func(c *Config) { c.Upstream.UserAgents = nil },
			wantErr: "upstream.user_agents",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestServerAddress(t *testing.T) {
	sc := ServerConfig{Host: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", sc.Address())
}
