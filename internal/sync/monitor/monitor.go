// Package monitor reports on the health of a store's sync queue and drives
// manual synchronization with the central system.
//
// A Monitor tracks the connection state (offline, online, syncing, error),
// derives queue summaries and health from the queue engine, and notifies an
// Observer of every observable change. Only one manual sync runs at a time.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
)

// QueueEngine is the part of queue.Engine the monitor drives.
type QueueEngine interface {
	GetItem(ctx context.Context, id string) (*models.SyncQueueItem, error)
	ListItems(ctx context.Context, filter queue.Filter) ([]*models.SyncQueueItem, error)
	ProcessQueue(ctx context.Context, batchSize int) (*queue.ProcessResult, error)
	RequeueDueRetries(ctx context.Context) (int, error)
	RetryItem(ctx context.Context, id string) (*models.SyncQueueItem, error)
	RetryAllFailed(ctx context.Context) (int, error)
	CancelItem(ctx context.Context, id string) (*models.SyncQueueItem, error)
	ClearErrors(ctx context.Context) (int, error)
}

// RealtimeConnection is the live link to the central system.
type RealtimeConnection interface {
	IsConnected() bool
	Connect(ctx context.Context) bool
}

// ConflictSource provides conflict counts for the dashboard.
type ConflictSource interface {
	GetConflictSummary(ctx context.Context, storeID string) (*models.ConflictSummary, error)
}

// Config holds health thresholds and reporting limits.
type Config struct {
	CriticalFailedThreshold int
	DegradedFailedThreshold int
	VolumeThreshold         int
	StaleSyncAfter          time.Duration
	MetricsWindow           time.Duration
	RecentErrorLimit        int
	BatchSize               int
}

// DefaultConfig returns the default health thresholds.
func DefaultConfig() Config {
	return Config{
		CriticalFailedThreshold: 10,
		DegradedFailedThreshold: 3,
		VolumeThreshold:         100,
		StaleSyncAfter:          24 * time.Hour,
		MetricsWindow:           24 * time.Hour,
		RecentErrorLimit:        20,
		BatchSize:               queue.DefaultBatchSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CriticalFailedThreshold <= 0 {
		c.CriticalFailedThreshold = d.CriticalFailedThreshold
	}
	if c.DegradedFailedThreshold <= 0 {
		c.DegradedFailedThreshold = d.DegradedFailedThreshold
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = d.VolumeThreshold
	}
	if c.StaleSyncAfter <= 0 {
		c.StaleSyncAfter = d.StaleSyncAfter
	}
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = d.MetricsWindow
	}
	if c.RecentErrorLimit <= 0 {
		c.RecentErrorLimit = d.RecentErrorLimit
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithConfig sets health thresholds. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(m *Monitor) { m.cfg = cfg.withDefaults() }
}

// WithRealtime sets the realtime connection used by Reconnect and
// CheckConnectivity.
func WithRealtime(conn RealtimeConnection) Option {
	return func(m *Monitor) { m.realtime = conn }
}

// WithConflictSource sets where dashboard conflict counts come from.
func WithConflictSource(src ConflictSource) Option {
	return func(m *Monitor) { m.conflicts = src }
}

// WithObserver sets the observer that receives events.
func WithObserver(obs Observer) Option {
	return func(m *Monitor) { m.observer = obs }
}

// WithClock overrides the time source.
func WithClock(clock queue.Clock) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithStoreID scopes status bar and recent error queries to one store.
func WithStoreID(storeID string) Option {
	return func(m *Monitor) { m.storeID = storeID }
}

// Monitor tracks connection state and queue health for a store.
type Monitor struct {
	engine    QueueEngine
	realtime  RealtimeConnection
	conflicts ConflictSource
	observer  Observer
	clock     queue.Clock
	cfg       Config
	storeID   string

	syncing atomic.Bool

	mu               sync.RWMutex
	state            ConnectionState
	lastSyncAt       time.Time
	lastSyncDuration time.Duration
	totalRuns        int
}

// New creates a Monitor in the offline state.
func New(engine QueueEngine, opts ...Option) *Monitor {
	if engine == nil {
		panic("monitor: nil queue engine")
	}
	m := &Monitor{
		engine: engine,
		clock:  queue.SystemClock{},
		cfg:    DefaultConfig(),
		state:  StateOffline,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// State returns the current connection state.
func (m *Monitor) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports whether the central system is reachable, which includes
// while a sync is running.
func (m *Monitor) IsOnline() bool {
	s := m.State()
	return s == StateOnline || s == StateSyncing
}

// LastSyncAt returns when the last successful sync finished, or the zero
// time if none has.
func (m *Monitor) LastSyncAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSyncAt
}

// IsSyncing reports whether a manual sync is currently running.
func (m *Monitor) IsSyncing() bool {
	return m.syncing.Load()
}

func (m *Monitor) notify(e Event) {
	if m.observer == nil {
		return
	}
	if e.At.IsZero() {
		e.At = m.clock.Now()
	}
	m.observer.Notify(e)
}

// setState moves to state `to` when allow accepts the current state.
// Setting the current state again is a no-op and emits nothing.
func (m *Monitor) setState(to ConnectionState, allow func(from ConnectionState) bool) bool {
	m.mu.Lock()
	from := m.state
	if from == to || (allow != nil && !allow(from)) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	logging.Info("Sync connection state changed",
		map[string]interface{}{"from": string(from), "to": string(to)})
	m.notify(Event{Type: EventStateChanged, From: from, To: to})
	return true
}

func notSyncing(from ConnectionState) bool {
	return from != StateSyncing
}

// SyncRequest parameters a manual sync.
type SyncRequest struct {
	// BatchSize caps the items processed; zero uses the configured size.
	BatchSize int `json:"batch_size,omitempty"`
	// IncludeDueRetries moves failed items whose backoff has elapsed back
	// to pending before processing.
	IncludeDueRetries bool `json:"include_due_retries,omitempty"`
}

// SyncResult is the outcome of TriggerManualSync.
type SyncResult struct {
	Success  bool                 `json:"success"`
	Message  string               `json:"message"`
	Requeued int                  `json:"requeued,omitempty"`
	Process  *queue.ProcessResult `json:"process,omitempty"`
	Duration time.Duration        `json:"duration"`
}

// MsgSyncInProgress is the SyncResult message returned to a caller that
// loses the race for the sync guard.
const MsgSyncInProgress = "sync already in progress"

// TriggerManualSync processes the queue now. If another sync is running it
// returns immediately with Success false and does nothing.
//
// The state is Syncing for the duration of the run, then Online when the
// run completes (even if some items failed) or Error when processing
// itself failed, in which case the error is also returned.
func (m *Monitor) TriggerManualSync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		logging.Debug("Manual sync skipped, another sync is running", nil)
		return &SyncResult{Success: false, Message: MsgSyncInProgress}, nil
	}
	defer m.syncing.Store(false)

	return m.runSync(ctx, req)
}

func (m *Monitor) runSync(ctx context.Context, req SyncRequest) (result *SyncResult, err error) {
	start := m.clock.Now()
	batch := req.BatchSize
	if batch <= 0 {
		batch = m.cfg.BatchSize
	}

	m.setState(StateSyncing, nil)
	m.notify(Event{Type: EventSyncStarted})

	defer func() {
		if rec := recover(); rec != nil {
			err = apperrors.Wrap(apperrors.ErrSyncFailed, "sync panicked", fmt.Errorf("%v", rec))
			result = &SyncResult{Success: false, Message: err.Error()}
		}
		result.Duration = m.clock.Now().Sub(start)
		if err != nil {
			m.syncFailed(err)
		}
	}()

	requeued := 0
	if req.IncludeDueRetries {
		n, rerr := m.engine.RequeueDueRetries(ctx)
		if rerr != nil {
			err = apperrors.Wrap(apperrors.ErrSyncFailed, "requeue due retries", rerr)
			return &SyncResult{Success: false, Message: err.Error()}, err
		}
		requeued = n
	}

	res, perr := m.engine.ProcessQueue(ctx, batch)
	if perr != nil {
		err = apperrors.Wrap(apperrors.ErrSyncFailed, "process queue", perr)
		return &SyncResult{Success: false, Message: err.Error(), Requeued: requeued}, err
	}

	duration := m.clock.Now().Sub(start)
	m.mu.Lock()
	m.lastSyncAt = m.clock.Now()
	m.lastSyncDuration = duration
	m.totalRuns++
	m.mu.Unlock()

	m.setState(StateOnline, nil)
	m.notify(Event{Type: EventSyncCompleted, Result: res, Count: res.Succeeded})

	return &SyncResult{
		Success:  true,
		Message:  describe(res),
		Requeued: requeued,
		Process:  res,
	}, nil
}

func (m *Monitor) syncFailed(err error) {
	logging.ErrorWithCode("Manual sync failed", string(apperrors.CodeOf(err)), err, nil)
	m.setState(StateError, nil)
	m.notify(Event{Type: EventSyncFailed, Error: err.Error()})
}

func describe(r *queue.ProcessResult) string {
	if r.Attempted == 0 && !r.Cancelled {
		return "nothing to sync"
	}
	msg := fmt.Sprintf("synced %d of %d items", r.Succeeded, r.Attempted)
	if r.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", r.Failed)
	}
	if r.Conflicts > 0 {
		msg += fmt.Sprintf(", %d conflicts", r.Conflicts)
	}
	if r.Cancelled {
		msg += " (cancelled)"
	}
	return msg
}

// Reconnect asks the realtime connection to connect and moves to Online on
// success or Error on failure. A sync in progress keeps the Syncing state.
func (m *Monitor) Reconnect(ctx context.Context) bool {
	ok := false
	if m.realtime != nil {
		ok = m.realtime.Connect(ctx)
	}
	if ok {
		m.setState(StateOnline, notSyncing)
	} else {
		logging.Warn("Reconnect to central system failed", nil)
		m.setState(StateError, notSyncing)
	}
	return ok
}

// CheckConnectivity polls the realtime connection and flips between
// Online and Offline to match it. Syncing and Error are left alone.
func (m *Monitor) CheckConnectivity() bool {
	if m.realtime == nil {
		return m.IsOnline()
	}
	if m.realtime.IsConnected() {
		m.setState(StateOnline, func(from ConnectionState) bool { return from == StateOffline })
		return true
	}
	m.setState(StateOffline, func(from ConnectionState) bool { return from == StateOnline })
	return false
}

// RetryItem moves a failed item back to pending.
func (m *Monitor) RetryItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	item, err := m.engine.RetryItem(ctx, id)
	if err != nil {
		return nil, err
	}
	m.notify(Event{Type: EventQueueChanged, Action: "retry", ItemID: id, Count: 1})
	return item, nil
}

// CancelItem cancels a pending or failed item.
func (m *Monitor) CancelItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	item, err := m.engine.CancelItem(ctx, id)
	if err != nil {
		return nil, err
	}
	m.notify(Event{Type: EventQueueChanged, Action: "cancel", ItemID: id, Count: 1})
	return item, nil
}

// ClearErrors cancels every failed item.
func (m *Monitor) ClearErrors(ctx context.Context) (int, error) {
	n, err := m.engine.ClearErrors(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		m.notify(Event{Type: EventQueueChanged, Action: "clear_errors", Count: n})
	}
	return n, nil
}

// RetryAllFailed moves every retryable failed item back to pending.
func (m *Monitor) RetryAllFailed(ctx context.Context) (int, error) {
	n, err := m.engine.RetryAllFailed(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		m.notify(Event{Type: EventQueueChanged, Action: "retry_all", Count: n})
	}
	return n, nil
}
