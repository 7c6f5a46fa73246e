package monitor

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
)

// HealthStatus grades the overall sync condition of a store.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// QueueSummary counts the live (non-terminal) items of a store.
type QueueSummary struct {
	PendingByPriority map[models.Priority]int `json:"pending_by_priority"`
	CriticalPending   int                     `json:"critical_pending"`
	HighPending       int                     `json:"high_pending"`
	NormalPending     int                     `json:"normal_pending"`
	LowPending        int                     `json:"low_pending"`
	TotalPending      int                     `json:"total_pending"`
	InProgress        int                     `json:"in_progress"`
	FailedItems       int                     `json:"failed_items"`
	ExhaustedItems    int                     `json:"exhausted_items"`
	ConflictItems     int                     `json:"conflict_items"`
	HasCriticalItems  bool                    `json:"has_critical_items"`
	HasFailures       bool                    `json:"has_failures"`
}

// GetQueueSummary counts pending, in-progress, failed and conflicted items
// for storeID. An empty storeID covers every store.
func (m *Monitor) GetQueueSummary(ctx context.Context, storeID string) (*QueueSummary, error) {
	items, err := m.engine.ListItems(ctx, queue.Filter{
		StoreID: storeID,
		Statuses: []models.QueueStatus{
			models.QueueStatusPending,
			models.QueueStatusInProgress,
			models.QueueStatusFailed,
			models.QueueStatusConflict,
		},
	})
	if err != nil {
		return nil, err
	}
	return summarize(items), nil
}

func summarize(items []*models.SyncQueueItem) *QueueSummary {
	s := &QueueSummary{PendingByPriority: make(map[models.Priority]int, len(models.Priorities))}
	for _, p := range models.Priorities {
		s.PendingByPriority[p] = 0
	}

	for _, item := range items {
		switch item.Status {
		case models.QueueStatusPending:
			s.PendingByPriority[item.Priority]++
			s.TotalPending++
		case models.QueueStatusInProgress:
			s.InProgress++
		case models.QueueStatusFailed:
			s.FailedItems++
			if item.IsExhausted() {
				s.ExhaustedItems++
			}
		case models.QueueStatusConflict:
			s.ConflictItems++
		}
	}

	s.CriticalPending = s.PendingByPriority[models.PriorityCritical]
	s.HighPending = s.PendingByPriority[models.PriorityHigh]
	s.NormalPending = s.PendingByPriority[models.PriorityNormal]
	s.LowPending = s.PendingByPriority[models.PriorityLow]
	s.HasCriticalItems = s.CriticalPending > 0
	s.HasFailures = s.FailedItems > 0
	return s
}

// CalculateHealthStatus grades a summary. The first matching rule wins:
//
//	critical: critical items pending, failures at the critical threshold,
//	          or no successful sync within StaleSyncAfter
//	degraded: failures at the degraded threshold, pending volume at the
//	          volume threshold, or offline with anything pending
//	warning:  anything pending or failed, or never synced
//	healthy:  nothing pending or failed and a recent sync
//
// A zero lastSyncTime means the store has never synced. That caps the
// grade at warning instead of making a freshly installed store critical.
func (m *Monitor) CalculateHealthStatus(summary *QueueSummary, lastSyncTime time.Time, isOnline bool) HealthStatus {
	if summary == nil {
		summary = summarize(nil)
	}
	cfg := m.cfg

	stale := !lastSyncTime.IsZero() && m.clock.Now().Sub(lastSyncTime) > cfg.StaleSyncAfter
	switch {
	case summary.CriticalPending > 0,
		summary.FailedItems >= cfg.CriticalFailedThreshold,
		stale:
		return HealthCritical
	case summary.FailedItems >= cfg.DegradedFailedThreshold,
		summary.TotalPending >= cfg.VolumeThreshold,
		!isOnline && summary.TotalPending > 0:
		return HealthDegraded
	case summary.TotalPending > 0,
		summary.FailedItems > 0,
		lastSyncTime.IsZero():
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// Metrics describes sync throughput over the metrics window.
type Metrics struct {
	WindowStart      time.Time     `json:"window_start"`
	Succeeded        int           `json:"succeeded"`
	Failed           int           `json:"failed"`
	SuccessRate      float64       `json:"success_rate"`
	LastSyncAt       *time.Time    `json:"last_sync_at,omitempty"`
	LastSyncDuration time.Duration `json:"last_sync_duration"`
	TotalRuns        int           `json:"total_runs"`
}

// ErrorInfo is one row of the recent errors list.
type ErrorInfo struct {
	ItemID        string             `json:"item_id"`
	StoreID       string             `json:"store_id"`
	EntityType    string             `json:"entity_type"`
	EntityID      string             `json:"entity_id"`
	Operation     models.Operation   `json:"operation"`
	Priority      models.Priority    `json:"priority"`
	Error         string             `json:"error"`
	RetryCount    int                `json:"retry_count"`
	MaxRetries    int                `json:"max_retries"`
	LastAttemptAt *time.Time         `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time         `json:"next_retry_at,omitempty"`
	Status        models.QueueStatus `json:"status"`
	CanRetry      bool               `json:"can_retry"`
}

// ErrorDetails is the full view of a single item, including its payload.
type ErrorDetails struct {
	ErrorInfo
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func errorInfo(item *models.SyncQueueItem) ErrorInfo {
	return ErrorInfo{
		ItemID:        item.ID,
		StoreID:       item.StoreID,
		EntityType:    item.EntityType,
		EntityID:      item.EntityID,
		Operation:     item.Operation,
		Priority:      item.Priority,
		Error:         item.LastError,
		RetryCount:    item.RetryCount,
		MaxRetries:    item.MaxRetries,
		LastAttemptAt: item.LastAttemptAt,
		NextRetryAt:   item.NextRetryAt,
		Status:        item.Status,
		CanRetry:      item.CanRetry(),
	}
}

// Dashboard is the full status view for one store.
type Dashboard struct {
	StoreID         string                 `json:"store_id"`
	ConnectionState ConnectionState        `json:"connection_state"`
	Health          HealthStatus           `json:"health"`
	Summary         *QueueSummary          `json:"summary"`
	Metrics         Metrics                `json:"metrics"`
	RecentErrors    []ErrorInfo            `json:"recent_errors"`
	Conflicts       models.ConflictSummary `json:"conflicts"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

// GetDashboard assembles summary, health, metrics, recent errors and
// conflict counts for storeID.
func (m *Monitor) GetDashboard(ctx context.Context, storeID string) (*Dashboard, error) {
	summary, err := m.GetQueueSummary(ctx, storeID)
	if err != nil {
		return nil, err
	}
	metrics, err := m.metrics(ctx, storeID)
	if err != nil {
		return nil, err
	}
	recent, err := m.recentErrors(ctx, storeID, m.cfg.RecentErrorLimit)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	state := m.state
	lastSync := m.lastSyncAt
	m.mu.RUnlock()

	return &Dashboard{
		StoreID:         storeID,
		ConnectionState: state,
		Health:          m.CalculateHealthStatus(summary, lastSync, state == StateOnline || state == StateSyncing),
		Summary:         summary,
		Metrics:         metrics,
		RecentErrors:    recent,
		Conflicts:       m.conflictSummary(ctx, storeID),
		GeneratedAt:     m.clock.Now(),
	}, nil
}

func (m *Monitor) metrics(ctx context.Context, storeID string) (Metrics, error) {
	windowStart := m.clock.Now().Add(-m.cfg.MetricsWindow)
	items, err := m.engine.ListItems(ctx, queue.Filter{
		StoreID:         storeID,
		IncludeInactive: true,
		Statuses: []models.QueueStatus{
			models.QueueStatusCompleted,
			models.QueueStatusFailed,
			models.QueueStatusConflict,
		},
	})
	if err != nil {
		return Metrics{}, err
	}

	out := Metrics{WindowStart: windowStart}
	for _, item := range items {
		if item.Status == models.QueueStatusCompleted {
			if !item.UpdatedAt.Before(windowStart) {
				out.Succeeded++
			}
			continue
		}
		if item.LastAttemptAt != nil && !item.LastAttemptAt.Before(windowStart) {
			out.Failed++
		}
	}

	out.SuccessRate = 1.0
	if total := out.Succeeded + out.Failed; total > 0 {
		out.SuccessRate = float64(out.Succeeded) / float64(total)
	}

	m.mu.RLock()
	if !m.lastSyncAt.IsZero() {
		t := m.lastSyncAt
		out.LastSyncAt = &t
	}
	out.LastSyncDuration = m.lastSyncDuration
	out.TotalRuns = m.totalRuns
	m.mu.RUnlock()

	return out, nil
}

func (m *Monitor) conflictSummary(ctx context.Context, storeID string) models.ConflictSummary {
	if m.conflicts == nil {
		return models.ConflictSummary{}
	}
	s, err := m.conflicts.GetConflictSummary(ctx, storeID)
	if err != nil {
		logging.Warn("Conflict summary unavailable",
			map[string]interface{}{"store_id": storeID, "error": err.Error()})
		return models.ConflictSummary{}
	}
	if s == nil {
		return models.ConflictSummary{}
	}
	return *s
}

// GetRecentErrors returns up to limit failed items, most recently
// attempted first. A non-positive limit uses the configured default.
func (m *Monitor) GetRecentErrors(ctx context.Context, limit int) ([]ErrorInfo, error) {
	return m.recentErrors(ctx, m.storeID, limit)
}

func (m *Monitor) recentErrors(ctx context.Context, storeID string, limit int) ([]ErrorInfo, error) {
	if limit <= 0 {
		limit = m.cfg.RecentErrorLimit
	}
	items, err := m.engine.ListItems(ctx, queue.Filter{
		StoreID:  storeID,
		Statuses: []models.QueueStatus{models.QueueStatusFailed},
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(items, func(a, b *models.SyncQueueItem) int {
		return -cmp.Compare(attemptedAt(a).UnixNano(), attemptedAt(b).UnixNano())
	})
	if len(items) > limit {
		items = items[:limit]
	}

	out := make([]ErrorInfo, 0, len(items))
	for _, item := range items {
		out = append(out, errorInfo(item))
	}
	return out, nil
}

func attemptedAt(item *models.SyncQueueItem) time.Time {
	if item.LastAttemptAt != nil {
		return *item.LastAttemptAt
	}
	return item.UpdatedAt
}

// GetErrorDetails returns everything known about one item.
func (m *Monitor) GetErrorDetails(ctx context.Context, id string) (*ErrorDetails, error) {
	if id == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "item id is required")
	}
	item, err := m.engine.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ErrorDetails{
		ErrorInfo: errorInfo(item),
		Payload:   item.Payload,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}, nil
}

// StatusBar is the compact status line shown at the till.
type StatusBar struct {
	State        ConnectionState `json:"state"`
	PendingCount int             `json:"pending_count"`
	ErrorCount   int             `json:"error_count"`
	Health       HealthStatus    `json:"health"`
	Text         string          `json:"text"`
	LastSyncAt   *time.Time      `json:"last_sync_at,omitempty"`
}

// GetStatusBar summarizes the monitor's store for the status line.
func (m *Monitor) GetStatusBar(ctx context.Context) (*StatusBar, error) {
	summary, err := m.GetQueueSummary(ctx, m.storeID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	state := m.state
	lastSync := m.lastSyncAt
	m.mu.RUnlock()

	bar := &StatusBar{
		State:        state,
		PendingCount: summary.TotalPending,
		ErrorCount:   summary.FailedItems,
		Health:       m.CalculateHealthStatus(summary, lastSync, state == StateOnline || state == StateSyncing),
		Text:         statusText(state, summary.TotalPending, summary.FailedItems),
	}
	if !lastSync.IsZero() {
		bar.LastSyncAt = &lastSync
	}
	return bar, nil
}

func statusText(state ConnectionState, pending, errs int) string {
	switch {
	case state == StateSyncing:
		return "Syncing..."
	case state != StateOnline:
		return "Offline"
	case errs > 0:
		return fmt.Sprintf("%d errors", errs)
	case pending > 0:
		return fmt.Sprintf("%d pending", pending)
	default:
		return "Up to date"
	}
}
