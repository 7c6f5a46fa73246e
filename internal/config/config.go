// Package config loads outletsync settings from a YAML file with
// OUTLETSYNC_* environment overrides.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/sync/conflict"
	"github.com/kimhsiao/outletsync/internal/sync/monitor"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
	"github.com/kimhsiao/outletsync/internal/sync/remote"
	"github.com/kimhsiao/outletsync/internal/sync/scheduler"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OUTLETSYNC_"

// Config is the full daemon configuration.
type Config struct {
	StoreID   string          `yaml:"store_id"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Queue     QueueConfig     `yaml:"queue"`
	Health    HealthConfig    `yaml:"health"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Remote    RemoteConfig    `yaml:"remote"`
	Conflict  ConflictConfig  `yaml:"conflict"`
	Server    ServerConfig    `yaml:"server"`
}

// QueueConfig tunes the sync queue engine.
type QueueConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BatchSize     int           `yaml:"batch_size"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	ItemTimeout   time.Duration `yaml:"item_timeout"`
	RetentionDays int           `yaml:"retention_days"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

// HealthConfig holds the monitor's health thresholds.
type HealthConfig struct {
	CriticalFailedThreshold int           `yaml:"critical_failed_threshold"`
	DegradedFailedThreshold int           `yaml:"degraded_failed_threshold"`
	VolumeThreshold         int           `yaml:"volume_threshold"`
	StaleSyncAfter          time.Duration `yaml:"stale_sync_after"`
	MetricsWindow           time.Duration `yaml:"metrics_window"`
	RecentErrorLimit        int           `yaml:"recent_error_limit"`
}

// SchedulerConfig holds background loop intervals.
type SchedulerConfig struct {
	Enabled              bool          `yaml:"enabled"`
	SyncInterval         time.Duration `yaml:"sync_interval"`
	RetryInterval        time.Duration `yaml:"retry_interval"`
	ConnectivityInterval time.Duration `yaml:"connectivity_interval"`
	MaintenanceInterval  time.Duration `yaml:"maintenance_interval"`
}

// RealtimeConfig points at the central system's websocket endpoint. An
// empty URL disables the realtime connection.
type RealtimeConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

// RemoteConfig is the S3 bucket changes are pushed to.
type RemoteConfig struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// ConflictConfig selects the conflict resolution strategy.
type ConflictConfig struct {
	Strategy string `yaml:"strategy"`
}

// ServerConfig is the local HTTP API listener.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	retry := queue.DefaultRetryPolicy()
	health := monitor.DefaultConfig()
	sched := scheduler.DefaultSchedulerConfig()

	return &Config{
		StoreID:  "",
		DataDir:  "./data",
		LogLevel: "INFO",
		Queue: QueueConfig{
			MaxRetries:    queue.DefaultMaxRetries,
			BatchSize:     queue.DefaultBatchSize,
			BaseDelay:     retry.BaseDelay,
			MaxDelay:      retry.MaxDelay,
			ItemTimeout:   queue.DefaultItemTimeout,
			RetentionDays: sched.RetentionDays,
			StaleAfter:    time.Duration(sched.StaleAfterMinutes) * time.Minute,
		},
		Health: HealthConfig{
			CriticalFailedThreshold: health.CriticalFailedThreshold,
			DegradedFailedThreshold: health.DegradedFailedThreshold,
			VolumeThreshold:         health.VolumeThreshold,
			StaleSyncAfter:          health.StaleSyncAfter,
			MetricsWindow:           health.MetricsWindow,
			RecentErrorLimit:        health.RecentErrorLimit,
		},
		Scheduler: SchedulerConfig{
			Enabled:              true,
			SyncInterval:         sched.SyncInterval,
			RetryInterval:        sched.RetryInterval,
			ConnectivityInterval: sched.ConnectivityInterval,
			MaintenanceInterval:  sched.MaintenanceInterval,
		},
		Realtime: RealtimeConfig{
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Conflict: ConflictConfig{Strategy: string(conflict.ResolutionStrategyLastWriteWins)},
		Server:   ServerConfig{Addr: "127.0.0.1:8090"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrConfigInvalid, "failed to read config file", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
			return nil, errors.Wrap(errors.ErrConfigInvalid, "failed to parse YAML", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Debug("Configuration loaded",
		map[string]interface{}{"path": path, "store_id": cfg.StoreID, "data_dir": cfg.DataDir})
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides fields from OUTLETSYNC_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []string

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("STORE_ID", &c.StoreID)
	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)

	num("QUEUE_MAX_RETRIES", &c.Queue.MaxRetries)
	num("QUEUE_BATCH_SIZE", &c.Queue.BatchSize)
	dur("QUEUE_BASE_DELAY", &c.Queue.BaseDelay)
	dur("QUEUE_MAX_DELAY", &c.Queue.MaxDelay)
	num("QUEUE_RETENTION_DAYS", &c.Queue.RetentionDays)
	dur("QUEUE_STALE_AFTER", &c.Queue.StaleAfter)

	flag("SCHEDULER_ENABLED", &c.Scheduler.Enabled)
	dur("SCHEDULER_SYNC_INTERVAL", &c.Scheduler.SyncInterval)
	dur("SCHEDULER_RETRY_INTERVAL", &c.Scheduler.RetryInterval)

	str("REALTIME_URL", &c.Realtime.URL)

	str("REMOTE_BUCKET", &c.Remote.Bucket)
	str("REMOTE_REGION", &c.Remote.Region)
	str("REMOTE_ENDPOINT", &c.Remote.Endpoint)
	str("REMOTE_PREFIX", &c.Remote.Prefix)
	flag("REMOTE_FORCE_PATH_STYLE", &c.Remote.ForcePathStyle)

	str("CONFLICT_STRATEGY", &c.Conflict.Strategy)
	str("SERVER_ADDR", &c.Server.Addr)

	if len(errs) > 0 {
		return errors.New(errors.ErrConfigInvalid, "invalid environment override: "+strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.StoreID) == "" {
		add("store_id is required")
	}
	if c.DataDir == "" {
		add("data_dir is required")
	}
	if c.Queue.MaxRetries < 1 {
		add("queue.max_retries must be at least 1")
	}
	if c.Queue.BatchSize < 1 {
		add("queue.batch_size must be at least 1")
	}
	if c.Queue.BaseDelay <= 0 {
		add("queue.base_delay must be positive")
	}
	if c.Queue.MaxDelay < c.Queue.BaseDelay {
		add("queue.max_delay must not be below queue.base_delay")
	}
	if c.Queue.RetentionDays < 1 {
		add("queue.retention_days must be at least 1")
	}
	if c.Queue.StaleAfter < time.Minute {
		add("queue.stale_after must be at least 1m")
	}
	if c.Health.DegradedFailedThreshold < 1 || c.Health.CriticalFailedThreshold <= c.Health.DegradedFailedThreshold {
		add("health thresholds must satisfy 0 < degraded_failed_threshold < critical_failed_threshold")
	}
	if c.Health.VolumeThreshold < 1 {
		add("health.volume_threshold must be at least 1")
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.SyncInterval <= 0 || c.Scheduler.RetryInterval <= 0 ||
			c.Scheduler.ConnectivityInterval <= 0 || c.Scheduler.MaintenanceInterval <= 0 {
			add("scheduler intervals must be positive")
		}
	}
	if !conflict.ResolutionStrategy(c.Conflict.Strategy).Valid() {
		add("conflict.strategy %q is not one of last_write_wins, manual", c.Conflict.Strategy)
	}
	if c.Server.Addr == "" {
		add("server.addr is required")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// QueueEngineConfig returns the engine settings for this store.
func (c *Config) QueueEngineConfig() queue.Config {
	return queue.Config{
		StoreID:    c.StoreID,
		MaxRetries: c.Queue.MaxRetries,
		RetryPolicy: queue.RetryPolicy{
			BaseDelay: c.Queue.BaseDelay,
			MaxDelay:  c.Queue.MaxDelay,
		},
		ItemTimeout: c.Queue.ItemTimeout,
	}
}

// MonitorConfig returns the monitor's health settings.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		CriticalFailedThreshold: c.Health.CriticalFailedThreshold,
		DegradedFailedThreshold: c.Health.DegradedFailedThreshold,
		VolumeThreshold:         c.Health.VolumeThreshold,
		StaleSyncAfter:          c.Health.StaleSyncAfter,
		MetricsWindow:           c.Health.MetricsWindow,
		RecentErrorLimit:        c.Health.RecentErrorLimit,
		BatchSize:               c.Queue.BatchSize,
	}
}

// SchedulerSettings returns the background loop settings.
func (c *Config) SchedulerSettings() *scheduler.SchedulerConfig {
	return &scheduler.SchedulerConfig{
		SyncInterval:         c.Scheduler.SyncInterval,
		RetryInterval:        c.Scheduler.RetryInterval,
		ConnectivityInterval: c.Scheduler.ConnectivityInterval,
		MaintenanceInterval:  c.Scheduler.MaintenanceInterval,
		StaleAfterMinutes:    int(c.Queue.StaleAfter / time.Minute),
		RetentionDays:        c.Queue.RetentionDays,
		StoreID:              c.StoreID,
	}
}

// RemoteSettings returns the S3 client settings.
func (c *Config) RemoteSettings() remote.Config {
	return remote.Config{
		Bucket:         c.Remote.Bucket,
		Region:         c.Remote.Region,
		Endpoint:       c.Remote.Endpoint,
		Prefix:         c.Remote.Prefix,
		ForcePathStyle: c.Remote.ForcePathStyle,
	}
}
