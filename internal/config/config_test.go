package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/outletsync/internal/errors"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outletsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_needsOnlyStoreID(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
	assert.Contains(t, err.Error(), "store_id is required")

	cfg.StoreID = "outlet-1"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Queue.BaseDelay)
	assert.Equal(t, time.Hour, cfg.Queue.MaxDelay)
	assert.Equal(t, 10, cfg.Health.CriticalFailedThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.SyncInterval)
}

func TestLoad_file(t *testing.T) {
	path := writeFile(t, `
store_id: outlet-7
data_dir: /var/lib/outletsync
queue:
  max_retries: 8
  base_delay: 10s
  max_delay: 20m
health:
  degraded_failed_threshold: 5
  critical_failed_threshold: 25
scheduler:
  sync_interval: 2m
remote:
  bucket: outlet-sync
  region: ap-northeast-1
conflict:
  strategy: manual
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "outlet-7", cfg.StoreID)
	assert.Equal(t, 8, cfg.Queue.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Queue.BaseDelay)
	assert.Equal(t, 20*time.Minute, cfg.Queue.MaxDelay)
	assert.Equal(t, queueDefaultBatch(), cfg.Queue.BatchSize, "unset fields keep defaults")
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.SyncInterval)
	assert.Equal(t, "manual", cfg.Conflict.Strategy)

	engine := cfg.QueueEngineConfig()
	assert.Equal(t, "outlet-7", engine.StoreID)
	assert.Equal(t, 10*time.Second, engine.RetryPolicy.BaseDelay)

	mon := cfg.MonitorConfig()
	assert.Equal(t, 25, mon.CriticalFailedThreshold)

	sched := cfg.SchedulerSettings()
	assert.Equal(t, 10, sched.StaleAfterMinutes)
	assert.Equal(t, "outlet-7", sched.StoreID)

	assert.Equal(t, "outlet-sync", cfg.RemoteSettings().Bucket)
}

func queueDefaultBatch() int { return Default().Queue.BatchSize }

func TestLoad_emptyFile(t *testing.T) {
	t.Setenv(EnvPrefix+"STORE_ID", "outlet-1")
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "outlet-1", cfg.StoreID)
}

func TestLoad_rejectsUnknownField(t *testing.T) {
	_, err := Load(writeFile(t, "store_id: a\nqueue:\n  max_retrys: 3\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
}

func TestLoad_envOverridesFile(t *testing.T) {
	path := writeFile(t, "store_id: from-file\nqueue:\n  batch_size: 10\n")
	t.Setenv(EnvPrefix+"STORE_ID", "from-env")
	t.Setenv(EnvPrefix+"QUEUE_BATCH_SIZE", "75")
	t.Setenv(EnvPrefix+"SCHEDULER_ENABLED", "false")
	t.Setenv(EnvPrefix+"REMOTE_FORCE_PATH_STYLE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.StoreID)
	assert.Equal(t, 75, cfg.Queue.BatchSize)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.True(t, cfg.Remote.ForcePathStyle)
}

func TestApplyEnv_badValues(t *testing.T) {
	env := map[string]string{
		EnvPrefix + "QUEUE_MAX_RETRIES": "many",
		EnvPrefix + "QUEUE_BASE_DELAY":  "soon",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
	assert.Contains(t, err.Error(), "QUEUE_MAX_RETRIES")
	assert.Contains(t, err.Error(), "QUEUE_BASE_DELAY")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero retries", func(c *Config) { c.Queue.MaxRetries = 0 }, "queue.max_retries"},
		{"max below base", func(c *Config) { c.Queue.MaxDelay = time.Second }, "queue.max_delay"},
		{"thresholds inverted", func(c *Config) { c.Health.DegradedFailedThreshold = 20 }, "health thresholds"},
		{"short stale window", func(c *Config) { c.Queue.StaleAfter = time.Second }, "queue.stale_after"},
		{"unknown strategy", func(c *Config) { c.Conflict.Strategy = "coin_flip" }, "conflict.strategy"},
		{"scheduler interval", func(c *Config) { c.Scheduler.RetryInterval = 0 }, "scheduler intervals"},
		{"no addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.StoreID = "outlet-1"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("disabled scheduler ignores intervals", func(t *testing.T) {
		cfg := Default()
		cfg.StoreID = "outlet-1"
		cfg.Scheduler.Enabled = false
		cfg.Scheduler.SyncInterval = 0
		assert.NoError(t, cfg.Validate())
	})
}
