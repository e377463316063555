package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 6464, cfg.Server.TCPPort)
	require.Equal(t, "sqlite", cfg.Store.Backend)
	require.True(t, cfg.Store.PersistMessages)

	// The defaults were persisted for next time.
	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 7000
ws_port = 7001
metrics_port = 0

[limits]
idle_timeout_seconds = 60

[store]
backend = "memory"
persist_messages = false

[queues]
notification_queue = "n"
audit_queue = "a"

[auth]
mode = "token"
[auth.tokens]
alice = "$2a$10$hash"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Server.TCPPort)
	require.Equal(t, "memory", cfg.Store.Backend)
	require.Equal(t, "$2a$10$hash", cfg.Auth.Tokens["alice"])

	rc := cfg.ToServerConfig()
	require.Equal(t, 7000, rc.TCPPort)
	require.Equal(t, 7001, rc.WSPort)
	require.Equal(t, time.Minute, rc.IdleTimeout)
	require.Equal(t, "n", rc.NotificationQueue)
	require.Equal(t, "a", rc.AuditQueue)
	require.False(t, rc.PersistMessages)
}

func TestLoadConfigRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not toml ["), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	expanded, err := ExpandPath("~/x/y.db")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "x/y.db"), expanded)

	plain, err := ExpandPath("/tmp/z.db")
	require.NoError(t, err)
	require.Equal(t, "/tmp/z.db", plain)
}
