package core

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("https://rt.example.com")

	assert.Equal(t, "https://rt.example.com", config.URL)
	assert.Equal(t, 30*time.Second, config.PingInterval)
	assert.Equal(t, 10*time.Second, config.PongTimeout)
	assert.Equal(t, 10*time.Second, config.ConnectTimeout)
	assert.Equal(t, 1*time.Second, config.BaseDelay)
	assert.Equal(t, 2.0, config.Multiplier)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 5, config.MaxAttempts)
	assert.Equal(t, 10, config.QualityWindowSize)
	assert.Equal(t, DefaultTransportOrder, config.Transports)
	assert.Equal(t, "/socket.io/", config.Paths.Socket)
	assert.Equal(t, "/ws", config.Paths.Raw)
	assert.Equal(t, "info", config.LogLevel)
	assert.NoError(t, config.Validate())
}

func TestDefaultConfig_TransportsAreCopied(t *testing.T) {
	config := DefaultConfig("https://rt.example.com")
	config.Transports[0] = TransportPolling

	assert.Equal(t, TransportMultiplexed, DefaultTransportOrder[0])
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid_config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing_url",
			modify:  func(c *Config) { c.URL = "" },
			wantErr: true,
			errMsg:  "URL",
		},
		{
			name:    "invalid_ping_interval",
			modify:  func(c *Config) { c.PingInterval = 0 },
			wantErr: true,
			errMsg:  "PingInterval",
		},
		{
			name:    "multiplier_below_one",
			modify:  func(c *Config) { c.Multiplier = 0.5 },
			wantErr: true,
			errMsg:  "Multiplier",
		},
		{
			name:    "negative_max_attempts",
			modify:  func(c *Config) { c.MaxAttempts = -1 },
			wantErr: true,
			errMsg:  "MaxAttempts",
		},
		{
			name:    "empty_transports",
			modify:  func(c *Config) { c.Transports = nil },
			wantErr: true,
			errMsg:  "Transports",
		},
		{
			name:    "unknown_transport",
			modify:  func(c *Config) { c.Transports = []TransportKind{"carrier_pigeon"} },
			wantErr: true,
			errMsg:  "Transports",
		},
		{
			name:    "duplicate_transport",
			modify:  func(c *Config) { c.Transports = []TransportKind{TransportSSE, TransportSSE} },
			wantErr: true,
			errMsg:  "listed twice",
		},
		{
			name:    "max_delay_below_base",
			modify:  func(c *Config) { c.MaxDelay = 500 * time.Millisecond },
			wantErr: true,
			errMsg:  "MaxDelay",
		},
		{
			name:    "pong_timeout_exceeds_interval",
			modify:  func(c *Config) { c.PongTimeout = c.PingInterval },
			wantErr: true,
			errMsg:  "PongTimeout",
		},
		{
			name:    "rate_without_burst",
			modify:  func(c *Config) { c.SendBurst = 0 },
			wantErr: true,
			errMsg:  "SendBurst",
		},
		{
			name:    "breaker_without_cooldown",
			modify:  func(c *Config) { c.BreakerCooldown = 0 },
			wantErr: true,
			errMsg:  "BreakerCooldown",
		},
		{
			name:    "invalid_log_level",
			modify:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
			errMsg:  "LogLevel",
		},
		{
			name:    "relative_path",
			modify:  func(c *Config) { c.Paths.Raw = "ws" },
			wantErr: true,
			errMsg:  "Raw",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("https://rt.example.com")
			tt.modify(config)
			err := config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Equal(t, ErrorTypeInvalidConfig, TypeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Chaining(t *testing.T) {
	config := DefaultConfig("wss://rt.example.com").
		WithKeepalive(20*time.Second, 5*time.Second).
		WithBackoff(500*time.Millisecond, 3, 10*time.Second, 7).
		WithTransports(TransportRawSocket, TransportPolling).
		WithConnectTimeout(3*time.Second).
		WithSendRateLimit(5, 10).
		WithBreaker(0, 0)

	assert.Equal(t, 20*time.Second, config.PingInterval)
	assert.Equal(t, 5*time.Second, config.PongTimeout)
	assert.Equal(t, 500*time.Millisecond, config.BaseDelay)
	assert.Equal(t, 3.0, config.Multiplier)
	assert.Equal(t, 10*time.Second, config.MaxDelay)
	assert.Equal(t, 7, config.MaxAttempts)
	assert.Equal(t, []TransportKind{TransportRawSocket, TransportPolling}, config.Transports)
	assert.Equal(t, 3*time.Second, config.ConnectTimeout)
	assert.Equal(t, 5.0, config.SendRateLimit)
	assert.Equal(t, 10, config.SendBurst)
	assert.Equal(t, 0, config.BreakerFailThreshold)
	assert.NoError(t, config.Validate())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "realtime.yaml")
	yaml := `
url: https://rt.example.com
ping_interval: 20s
pong_timeout: 4s
max_attempts: 3
transports:
  - ws
  - polling
paths:
  raw: /socket
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("REALTIME_MAX_ATTEMPTS", "8")
	t.Setenv("REALTIME_PATHS_POLL", "/longpoll")
	t.Setenv("REALTIME_LOG_LEVEL", "debug")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://rt.example.com", config.URL)
	assert.Equal(t, 20*time.Second, config.PingInterval)
	assert.Equal(t, 4*time.Second, config.PongTimeout)
	assert.Equal(t, 8, config.MaxAttempts)
	assert.Equal(t, []TransportKind{TransportRawSocket, TransportPolling}, config.Transports)
	assert.Equal(t, "/socket", config.Paths.Raw)
	assert.Equal(t, "/longpoll", config.Paths.Poll)
	assert.Equal(t, "/events", config.Paths.Events)
	assert.Equal(t, "debug", config.LogLevel)
	// untouched keys keep their defaults
	assert.Equal(t, time.Second, config.BaseDelay)
}

func TestLoadConfig_EnvTransportList(t *testing.T) {
	t.Setenv("REALTIME_URL", "https://rt.example.com")
	t.Setenv("REALTIME_TRANSPORTS", "sse, polling")

	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, []TransportKind{TransportSSE, TransportPolling}, config.Transports)
}

func TestLoadConfig_FileTransportListWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	body := "url: https://rt.example.com\ntransports:\n  - raw\n  - longpoll\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []TransportKind{TransportRawSocket, TransportPolling}, config.Transports)

	t.Setenv("REALTIME_TRANSPORTS", "sse, polling")
	config, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []TransportKind{TransportSSE, TransportPolling}, config.Transports)
}

func TestTransportHooks_TypedInput(t *testing.T) {
	kind := reflect.TypeOf(TransportSSE)
	list := reflect.TypeOf([]TransportKind(nil))

	var (
		got any
		err error
	)
	require.NotPanics(t, func() {
		got, err = transportKindHook(kind, kind, TransportSSE)
	})
	require.NoError(t, err)
	assert.Equal(t, TransportSSE, got)

	require.NotPanics(t, func() {
		got, err = transportListHook(kind, list, TransportKind("sse,polling"))
	})
	require.NoError(t, err)
	assert.Equal(t, []TransportKind{TransportSSE, TransportPolling}, got)

	_, err = transportKindHook(kind, kind, TransportKind("smoke"))
	assert.Error(t, err)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing_file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("missing_url", func(t *testing.T) {
		_, err := LoadConfig("")
		require.Error(t, err)
		assert.Equal(t, ErrorTypeInvalidConfig, TypeOf(err))
	})
}

func TestParseTransportList(t *testing.T) {
	kinds, err := ParseTransportList("socketio,raw,eventsource,longpoll")
	require.NoError(t, err)
	assert.Equal(t, DefaultTransportOrder, kinds)

	_, err = ParseTransportList(" , ")
	assert.Error(t, err)

	_, err = ParseTransportList("sse,smoke")
	assert.Error(t, err)
}

func TestConfig_WithProfile(t *testing.T) {
	config := DefaultConfig("https://rt.example.com").WithProfile(ConstrainedProfile)

	assert.Equal(t, 15*time.Second, config.PingInterval)
	assert.Equal(t, 5*time.Second, config.PongTimeout)
	assert.Equal(t, TransportSSE, config.Transports[0])
	assert.NoError(t, config.Validate())

	config = DefaultConfig("https://rt.example.com").WithProfile(Profile{Name: "empty"})
	assert.Equal(t, 30*time.Second, config.PingInterval)
	assert.Equal(t, DefaultTransportOrder, config.Transports)
}

func TestProfileByName(t *testing.T) {
	for _, name := range []string{"default", "constrained", "legacy"} {
		p, ok := ProfileByName(name)
		assert.True(t, ok, name)
		assert.Equal(t, name, p.Name)
	}
	_, ok := ProfileByName("netscape")
	assert.False(t, ok)
}
