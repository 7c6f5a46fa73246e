// Package scheduler runs the background work that keeps a store's queue
// moving without an operator: periodic syncs, retry pickup, stuck-item
// recovery, cleanup and connectivity checks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/monitor"
)

// SyncMonitor is the part of monitor.Monitor the scheduler drives.
type SyncMonitor interface {
	State() monitor.ConnectionState
	IsOnline() bool
	IsSyncing() bool
	LastSyncAt() time.Time
	TriggerManualSync(ctx context.Context, req monitor.SyncRequest) (*monitor.SyncResult, error)
	CheckConnectivity() bool
	Reconnect(ctx context.Context) bool
}

// Maintainer is the queue housekeeping the scheduler runs on its own.
type Maintainer interface {
	Stats(ctx context.Context, storeID string) (map[models.QueueStatus]int, error)
	ResetStuckItems(ctx context.Context, staleAfterMinutes int) (int, error)
	CleanupCompletedItems(ctx context.Context, retentionDays int) (int, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval         time.Duration // How often to sync when online (default: 5 minutes)
	RetryInterval        time.Duration // How often to pick up failed items whose backoff elapsed (default: 30 seconds)
	ConnectivityInterval time.Duration // How often to poll the realtime connection (default: 30 seconds)
	MaintenanceInterval  time.Duration // How often to reset stuck items and clean up (default: 15 minutes)
	StaleAfterMinutes    int           // In-progress items older than this are reset (default: 10)
	RetentionDays        int           // Completed items older than this are soft-deleted (default: 7)
	SyncTimeout          time.Duration // Upper bound for one scheduled sync (default: 5 minutes)
	StoreID              string        // Store used for status counts
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:         5 * time.Minute,
		RetryInterval:        30 * time.Second,
		ConnectivityInterval: 30 * time.Second,
		MaintenanceInterval:  15 * time.Minute,
		StaleAfterMinutes:    10,
		RetentionDays:        7,
		SyncTimeout:          5 * time.Minute,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	d := DefaultSchedulerConfig()
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.ConnectivityInterval <= 0 {
		c.ConnectivityInterval = d.ConnectivityInterval
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.StaleAfterMinutes <= 0 {
		c.StaleAfterMinutes = d.StaleAfterMinutes
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = d.RetentionDays
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = d.SyncTimeout
	}
	return c
}

// Scheduler manages background sync operations.
type Scheduler struct {
	monitor    SyncMonitor
	maintainer Maintainer
	cfg        SchedulerConfig

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu                sync.RWMutex
	isRunning         bool
	lastMaintenance   time.Time
	maintenanceActive bool
	syncRuns          int
	reconnects        int
}

// NewScheduler creates a new Scheduler. A nil config uses the defaults.
func NewScheduler(mon SyncMonitor, maintainer Maintainer, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	return &Scheduler{
		monitor:    mon,
		maintainer: maintainer,
		cfg:        config.withDefaults(),
	}
}

// Start starts the background loops. Calling Start on a running scheduler
// does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	stop := make(chan struct{})
	s.stopCh = stop
	s.mu.Unlock()

	s.wg.Add(4)
	go s.loop(ctx, stop, s.cfg.SyncInterval, s.syncTick)
	go s.loop(ctx, stop, s.cfg.RetryInterval, s.retryTick)
	go s.loop(ctx, stop, s.cfg.ConnectivityInterval, s.connectivityTick)
	go s.loop(ctx, stop, s.cfg.MaintenanceInterval, s.maintenanceTick)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{
			"sync_interval":         s.cfg.SyncInterval.String(),
			"retry_interval":        s.cfg.RetryInterval.String(),
			"connectivity_interval": s.cfg.ConnectivityInterval.String(),
			"maintenance_interval":  s.cfg.MaintenanceInterval.String(),
		})
}

// Stop stops the background loops and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// syncTick runs a periodic sync unless the store is offline. From the
// error state a successful sync brings the store back online. The
// monitor's guard turns a tick that races a manual sync into a no-op.
func (s *Scheduler) syncTick(ctx context.Context) {
	if s.monitor.State() == monitor.StateOffline {
		logging.Debug("Skipping sync - store is offline", nil)
		return
	}
	s.runSync(ctx, "periodic")
}

// retryTick syncs failed items whose backoff elapsed.
func (s *Scheduler) retryTick(ctx context.Context) {
	if s.monitor.State() == monitor.StateOffline || s.monitor.IsSyncing() {
		return
	}
	s.runSync(ctx, "retry")
}

func (s *Scheduler) runSync(ctx context.Context, reason string) {
	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	result, err := s.monitor.TriggerManualSync(syncCtx, monitor.SyncRequest{IncludeDueRetries: true})
	if err != nil {
		logging.ErrorWithCode("Scheduled sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"reason": reason})
		return
	}
	if !result.Success {
		logging.Debug("Scheduled sync skipped", map[string]interface{}{"reason": reason, "message": result.Message})
		return
	}

	s.mu.Lock()
	s.syncRuns++
	s.mu.Unlock()

	fields := map[string]interface{}{"reason": reason, "requeued": result.Requeued}
	if result.Process != nil {
		fields["attempted"] = result.Process.Attempted
		fields["succeeded"] = result.Process.Succeeded
		fields["failed"] = result.Process.Failed
	}
	logging.Info("Scheduled sync completed", fields)
}

// connectivityTick follows the realtime connection, reconnecting when the
// store is offline or in error.
func (s *Scheduler) connectivityTick(ctx context.Context) {
	if s.monitor.CheckConnectivity() {
		return
	}
	switch s.monitor.State() {
	case monitor.StateOffline, monitor.StateError:
	default:
		return
	}

	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()

	if s.monitor.Reconnect(ctx) {
		logging.Info("Reconnected to central system", nil)
	}
}

// maintenanceTick recovers items left in progress by a dead worker and
// soft-deletes old completed items.
func (s *Scheduler) maintenanceTick(ctx context.Context) {
	s.mu.Lock()
	if s.maintenanceActive {
		s.mu.Unlock()
		return
	}
	s.maintenanceActive = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.maintenanceActive = false
		s.lastMaintenance = time.Now()
		s.mu.Unlock()
	}()

	reset, err := s.maintainer.ResetStuckItems(ctx, s.cfg.StaleAfterMinutes)
	if err != nil {
		logging.Error("Failed to reset stuck queue items", err,
			map[string]interface{}{"stale_after_minutes": s.cfg.StaleAfterMinutes})
	}

	cleaned, err := s.maintainer.CleanupCompletedItems(ctx, s.cfg.RetentionDays)
	if err != nil {
		logging.Error("Failed to clean up completed queue items", err,
			map[string]interface{}{"retention_days": s.cfg.RetentionDays})
	}

	if reset > 0 || cleaned > 0 {
		logging.Info("Queue maintenance completed",
			map[string]interface{}{"reset": reset, "cleaned": cleaned})
	}
}

// SchedulerStatus is a snapshot of the scheduler and the queue it drives.
type SchedulerStatus struct {
	IsRunning         bool                       `json:"is_running"`
	State             monitor.ConnectionState    `json:"state"`
	IsOnline          bool                       `json:"is_online"`
	SyncInProgress    bool                       `json:"sync_in_progress"`
	LastSyncTime      *time.Time                 `json:"last_sync_time,omitempty"`
	LastMaintenance   *time.Time                 `json:"last_maintenance,omitempty"`
	ScheduledSyncRuns int                        `json:"scheduled_sync_runs"`
	ReconnectAttempts int                        `json:"reconnect_attempts"`
	PendingItems      int                        `json:"pending_items"`
	QueueStats        map[models.QueueStatus]int `json:"queue_stats,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:         s.isRunning,
		ScheduledSyncRuns: s.syncRuns,
		ReconnectAttempts: s.reconnects,
	}
	if !s.lastMaintenance.IsZero() {
		t := s.lastMaintenance
		status.LastMaintenance = &t
	}
	s.mu.RUnlock()

	status.State = s.monitor.State()
	status.IsOnline = s.monitor.IsOnline()
	status.SyncInProgress = s.monitor.IsSyncing()
	if last := s.monitor.LastSyncAt(); !last.IsZero() {
		status.LastSyncTime = &last
	}

	stats, err := s.maintainer.Stats(ctx, s.cfg.StoreID)
	if err != nil {
		logging.Warn("Failed to read queue stats for scheduler status",
			map[string]interface{}{"error": err.Error()})
		return status
	}
	status.QueueStats = stats
	status.PendingItems = stats[models.QueueStatusPending]
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
