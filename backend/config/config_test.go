package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncConfig.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  driver: sqlite\n  dsn: /tmp/sync.db\n"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8090, cfg.Running.Port)
	assert.Equal(t, 100, cfg.Realtime.CompactEvery)
	assert.Equal(t, 300*time.Second, cfg.Realtime.CompactInterval)
	assert.Equal(t, 20, cfg.Realtime.AuditCompactEvery)
	assert.Equal(t, 50, cfg.Heartbeat.MaxPendingNotes)
	assert.Equal(t, 20, cfg.Heartbeat.DrainLimit)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.FastInterval)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat.SteadyInterval)
	assert.Equal(t, 720*time.Hour, cfg.Heartbeat.EventRetention)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
realtime:
  compact_every: 10
  submit_timeout: 1s
kafka:
  brokers: ["k1:9092", "k2:9092"]
`)
	t.Setenv("SYNC_REALTIME_COMPACT_EVERY", "7")
	t.Setenv("SYNC_HEARTBEAT_STEADY_INTERVAL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Realtime.CompactEvery)
	assert.Equal(t, time.Second, cfg.Realtime.SubmitTimeout)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.SteadyInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load("syncConfig.yaml")
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "doc-updates", cfg.Kafka.Topic)
}
