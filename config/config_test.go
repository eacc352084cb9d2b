package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindrill/mindrill/config"
)

func TestDefaultsAreComplete(t *testing.T) {
	cfg := config.Default()
	require.NotEmpty(t, cfg.Server.ListenAddr)
	require.Positive(t, cfg.Server.CleanupInterval)
	require.Positive(t, cfg.Server.SessionIdleTimeout)
	require.Positive(t, cfg.Client.ReconnectMaxAttempts)
	require.Positive(t, cfg.Client.WatchdogDisconnect)
	require.Greater(t, cfg.Client.WatchdogDisconnect, cfg.Client.WatchdogWarn)
	require.Positive(t, cfg.Bus.QueueSize)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mindrill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listenAddr: ":9000"
  cleanupInterval: 10s
client:
  reconnectMaxAttempts: 3
`), 0o600))

	cfg, err := config.LoadFile(path, config.Default())
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.ListenAddr)
	require.Equal(t, 10*time.Second, cfg.Server.CleanupInterval)
	require.Equal(t, 3, cfg.Client.ReconnectMaxAttempts)
	// untouched values keep their defaults
	require.Equal(t, config.Default().Server.SessionIdleTimeout, cfg.Server.SessionIdleTimeout)
}

func TestLoadFileMissingPath(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), config.Default())
	require.Error(t, err)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MINDRILL_LISTEN_ADDR", ":8123")
	t.Setenv("MINDRILL_SESSION_IDLE_TIMEOUT", "90s")
	t.Setenv("MINDRILL_RECONNECT_MAX_ATTEMPTS", "7")

	cfg := config.FromEnv(config.Default())
	require.Equal(t, ":8123", cfg.Server.ListenAddr)
	require.Equal(t, 90*time.Second, cfg.Server.SessionIdleTimeout)
	require.Equal(t, 7, cfg.Client.ReconnectMaxAttempts)
}

func TestNewAppliesOptions(t *testing.T) {
	cfg := config.New(config.WithListenAddr(":1234"), config.WithServerURL("ws://example:1/ws"))
	require.Equal(t, ":1234", cfg.Server.ListenAddr)
	require.Equal(t, "ws://example:1/ws", cfg.Client.ServerURL)
}
