package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(newFlags(t, "--state-dir", dir))
	require.NoError(t, err)

	assert.Equal(t, defaultAddr, cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Pool.Slots)
	assert.Equal(t, time.Second, cfg.Pool.TickInterval)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "manual", cfg.Jobs.DefaultTrigger)
	assert.Equal(t, "command", cfg.Jobs.DefaultAction)
	assert.Equal(t, 5, cfg.Jobs.HistoryLimit)
	assert.Equal(t, ModeHTTP, cfg.Mode)
	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, time.Local, cfg.Location())
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "jobengine.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  addr: 127.0.0.1:9000
pool:
  slots: 8
  tick_interval: 250ms
log:
  level: debug
notification:
  bark:
    enabled: true
    url: https://api.day.app/key
`), 0o644))

	t.Setenv("JOBENGINE_POOL_SLOTS", "12")
	t.Setenv("JOBENGINE_USE_UTC", "true")

	cfg, err := Load(newFlags(t, "--config", file, "--state-dir", dir, "--log-level", "warn"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr, "file over default")
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.TickInterval)
	assert.Equal(t, 12, cfg.Pool.Slots, "env over file")
	assert.Equal(t, "warn", cfg.Log.Level, "flag over file")
	assert.True(t, cfg.Notification.Bark.Enabled)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "mode", args: []string{"--mode", "grpc"}},
		{name: "driver", args: []string{"--store-driver", "mysql"}},
		{name: "slots", args: []string{"--slots", "0"}},
		{name: "tick", args: []string{"--tick-interval", "0s"}},
		{name: "history", args: []string{"--history-limit", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--state-dir", t.TempDir()}, tt.args...)
			_, err := Load(newFlags(t, args...))
			assert.Error(t, err)
		})
	}
}

func TestBarkRequiresURL(t *testing.T) {
	t.Setenv("JOBENGINE_NOTIFICATION_BARK_ENABLED", "true")
	_, err := Load(newFlags(t, "--state-dir", t.TempDir()))
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(newFlags(t, "--state-dir", t.TempDir(), "--config", "/does/not/exist.yaml"))
	assert.Error(t, err)
}
