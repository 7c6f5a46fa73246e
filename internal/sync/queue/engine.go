// Package queue provides the durable offline sync queue: enqueueing local
// mutations, ordered dequeue, processing against the central system, retry
// scheduling with exponential backoff, cancellation, cleanup and recovery of
// items left in progress by a crashed worker.
//
// Only one ProcessQueue loop may run against a store at a time. Concurrent
// reads and operator transitions (retry, cancel) are safe.
package queue

import (
	"cmp"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/models"
)

const (
	// DefaultMaxRetries is the number of failed attempts after which an
	// item stops being retried automatically.
	DefaultMaxRetries = 5
	// DefaultBatchSize is used by ProcessQueue when batchSize <= 0.
	DefaultBatchSize = 50
	// DefaultItemTimeout bounds a single remote apply.
	DefaultItemTimeout = 30 * time.Second
)

// Config holds engine configuration.
type Config struct {
	StoreID     string        // Origin store stamped on enqueued items and used to scope processing
	MaxRetries  int           // Failed attempts before an item is exhausted (default: 5)
	RetryPolicy RetryPolicy   // Backoff between automatic retries
	ItemTimeout time.Duration // Upper bound for one remote apply (default: 30s)
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  DefaultMaxRetries,
		RetryPolicy: DefaultRetryPolicy(),
		ItemTimeout: DefaultItemTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryPolicy.BaseDelay <= 0 {
		c.RetryPolicy = DefaultRetryPolicy()
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = DefaultItemTimeout
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithConflictRecorder sets the collaborator notified about conflicts.
func WithConflictRecorder(r ConflictRecorder) Option {
	return func(e *Engine) {
		e.conflicts = r
	}
}

// Engine owns every status transition of queue items.
type Engine struct {
	store     Store
	remote    RemoteSyncClient
	cfg       Config
	clock     Clock
	conflicts ConflictRecorder

	// mu serializes read-modify-write transitions. It is never held across
	// a remote call, and reads bypass it entirely.
	mu sync.Mutex
}

// NewEngine constructs an Engine. remote may be nil for read-only use; such
// an engine refuses to ProcessQueue.
func NewEngine(store Store, remote RemoteSyncClient, opts ...Option) *Engine {
	if store == nil {
		panic("queue: nil Store")
	}

	e := &Engine{
		store:  store,
		remote: remote,
		cfg:    DefaultConfig(),
		clock:  SystemClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()

	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// =====================================================
// Enqueue
// =====================================================

// EnqueueRequest describes one local mutation to replicate.
type EnqueueRequest struct {
	EntityType string
	EntityID   string
	Operation  models.Operation
	// Payload is the entity snapshot. json.RawMessage and []byte are stored
	// verbatim; any other value is JSON-encoded.
	Payload  any
	Priority models.Priority
}

// Enqueue records a new pending item.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*models.SyncQueueItem, error) {
	item, err := e.newItem(req)
	if err != nil {
		return nil, err
	}

	if err := e.store.Add(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue %s/%s: %w", req.EntityType, req.EntityID, err)
	}

	logging.Debug("Queue item enqueued",
		map[string]interface{}{
			"item_id":     item.ID,
			"entity_type": item.EntityType,
			"entity_id":   item.EntityID,
			"operation":   item.Operation,
			"priority":    item.Priority,
		})

	return item, nil
}

// EnqueueBatch enqueues each request independently. Items created before a
// failure are kept; the returned error joins every per-request failure.
func (e *Engine) EnqueueBatch(ctx context.Context, reqs []EnqueueRequest) ([]*models.SyncQueueItem, error) {
	items := make([]*models.SyncQueueItem, 0, len(reqs))
	var errs []error

	for i, req := range reqs {
		item, err := e.Enqueue(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("batch entry %d: %w", i, err))
			continue
		}
		items = append(items, item)
	}

	return items, stderrors.Join(errs...)
}

func (e *Engine) newItem(req EnqueueRequest) (*models.SyncQueueItem, error) {
	if req.EntityType == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity type is required")
	}
	if req.EntityID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	if !req.Operation.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", req.Operation)
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown priority %q", req.Priority)
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "payload is not serializable", err)
	}

	now := e.clock.Now()
	return &models.SyncQueueItem{
		StoreID:    e.cfg.StoreID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Operation:  req.Operation,
		Payload:    payload,
		Priority:   req.Priority,
		Status:     models.QueueStatusPending,
		MaxRetries: e.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		IsActive:   true,
	}, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("raw payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("raw payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(v)
	}
}

// =====================================================
// Queries
// =====================================================

// GetItem returns a single item.
func (e *Engine) GetItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	return e.store.Get(ctx, id)
}

// ListItems returns the items matching filter in store order.
func (e *Engine) ListItems(ctx context.Context, filter Filter) ([]*models.SyncQueueItem, error) {
	return e.store.List(ctx, filter)
}

// GetPendingItems returns pending items in dequeue order: priority rank
// first (critical before low), then creation time, oldest first. A limit
// <= 0 returns all of them.
func (e *Engine) GetPendingItems(ctx context.Context, limit int) ([]*models.SyncQueueItem, error) {
	items, err := e.store.List(ctx, Filter{
		Statuses: []models.QueueStatus{models.QueueStatusPending},
		StoreID:  e.cfg.StoreID,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}

	SortForDequeue(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// SortForDequeue orders items by priority rank, then CreatedAt, then Seq.
func SortForDequeue(items []*models.SyncQueueItem) {
	slices.SortStableFunc(items, func(a, b *models.SyncQueueItem) int {
		if c := cmp.Compare(a.Priority.Rank(), b.Priority.Rank()); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// GetItemsDueForRetry returns failed items with retries left whose backoff
// has elapsed, earliest due first.
func (e *Engine) GetItemsDueForRetry(ctx context.Context) ([]*models.SyncQueueItem, error) {
	now := e.clock.Now()
	items, err := e.store.List(ctx, Filter{
		Statuses: []models.QueueStatus{models.QueueStatusFailed},
		StoreID:  e.cfg.StoreID,
		Match: func(item *models.SyncQueueItem) bool {
			return isDue(item, now)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list items due for retry: %w", err)
	}

	slices.SortStableFunc(items, func(a, b *models.SyncQueueItem) int {
		return a.NextRetryAt.Compare(*b.NextRetryAt)
	})
	return items, nil
}

func isDue(item *models.SyncQueueItem, now time.Time) bool {
	return item.Status == models.QueueStatusFailed &&
		item.RetryCount < item.MaxRetries &&
		item.NextRetryAt != nil &&
		!item.NextRetryAt.After(now)
}

// Stats returns active item counts by status for one store ("" = all).
func (e *Engine) Stats(ctx context.Context, storeID string) (map[models.QueueStatus]int, error) {
	items, err := e.store.List(ctx, Filter{StoreID: storeID})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	stats := make(map[models.QueueStatus]int)
	for _, item := range items {
		stats[item.Status]++
	}
	return stats, nil
}

// =====================================================
// Transitions
// =====================================================

// errNoChange tells update to leave the stored item untouched.
var errNoChange = stderrors.New("no change")

// update runs a single-item read-modify-write under the transition lock.
func (e *Engine) update(ctx context.Context, id string, fn func(item *models.SyncQueueItem, now time.Time) error) (*models.SyncQueueItem, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	item, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if err := fn(item, e.clock.Now()); err != nil {
		if stderrors.Is(err, errNoChange) {
			return item, false, nil
		}
		return nil, false, err
	}

	if err := e.store.Update(ctx, item); err != nil {
		return nil, false, fmt.Errorf("update queue item %s: %w", id, err)
	}
	return item, true, nil
}

func invalidTransition(item *models.SyncQueueItem, action string) error {
	return apperrors.Newf(apperrors.ErrInvalidTransition,
		"cannot %s item %s in status %s", action, item.ID, item.Status)
}

func setStatus(item *models.SyncQueueItem, status models.QueueStatus, now time.Time) {
	item.Status = status
	item.UpdatedAt = now
}

// MarkAsInProgress claims a pending item for processing.
func (e *Engine) MarkAsInProgress(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	item, _, err := e.update(ctx, id, func(item *models.SyncQueueItem, now time.Time) error {
		if item.Status != models.QueueStatusPending {
			return invalidTransition(item, "start")
		}
		setStatus(item, models.QueueStatusInProgress, now)
		item.LastAttemptAt = &now
		return nil
	})
	return item, err
}

// MarkAsCompleted records a successful remote apply. A completion arriving
// after the item was reset by ResetStuckItems (pending) or re-failed is
// still accepted; repeating it on a completed item is a no-op.
func (e *Engine) MarkAsCompleted(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	item, _, err := e.update(ctx, id, func(item *models.SyncQueueItem, now time.Time) error {
		switch item.Status {
		case models.QueueStatusCompleted:
			return errNoChange
		case models.QueueStatusInProgress, models.QueueStatusPending, models.QueueStatusFailed:
		default:
			return invalidTransition(item, "complete")
		}
		setStatus(item, models.QueueStatusCompleted, now)
		item.NextRetryAt = nil
		return nil
	})
	return item, err
}

// MarkAsFailed records a failed attempt: the retry count goes up and, while
// retries remain, the next automatic attempt is scheduled via the retry
// policy. Once exhausted, NextRetryAt stays unset and the item waits for an
// operator.
//
// A failure reported for an item that is already failed (a stale worker
// after ResetStuckItems handed the item to another one) is a no-op, so one
// attempt is never counted twice.
func (e *Engine) MarkAsFailed(ctx context.Context, id, errorMessage string) (*models.SyncQueueItem, error) {
	item, changed, err := e.update(ctx, id, func(item *models.SyncQueueItem, now time.Time) error {
		switch item.Status {
		case models.QueueStatusFailed:
			return errNoChange
		case models.QueueStatusInProgress, models.QueueStatusPending:
		default:
			return invalidTransition(item, "fail")
		}

		setStatus(item, models.QueueStatusFailed, now)
		item.LastError = errorMessage
		item.LastAttemptAt = &now
		item.RetryCount++

		if item.RetryCount < item.MaxRetries {
			next := now.Add(e.cfg.RetryPolicy.Delay(item.RetryCount))
			item.NextRetryAt = &next
		} else {
			item.NextRetryAt = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		logging.Debug("Ignoring failure for an item that already failed",
			map[string]interface{}{"item_id": item.ID, "error": errorMessage})
		return item, nil
	}

	fields := map[string]interface{}{
		"item_id":     item.ID,
		"retry_count": item.RetryCount,
		"max_retries": item.MaxRetries,
		"error":       errorMessage,
	}
	if item.NextRetryAt != nil {
		fields["next_retry_at"] = item.NextRetryAt.Format(time.RFC3339)
		logging.Warn("Queue item failed, retry scheduled", fields)
	} else {
		logging.Warn("Queue item failed permanently, manual intervention required", fields)
	}

	return item, nil
}

// markAsConflict moves an item to the terminal conflict status.
func (e *Engine) markAsConflict(ctx context.Context, id, reason string) (*models.SyncQueueItem, error) {
	item, _, err := e.update(ctx, id, func(item *models.SyncQueueItem, now time.Time) error {
		switch item.Status {
		case models.QueueStatusInProgress, models.QueueStatusPending:
		default:
			return invalidTransition(item, "flag conflict on")
		}
		setStatus(item, models.QueueStatusConflict, now)
		item.LastError = reason
		item.LastAttemptAt = &now
		item.NextRetryAt = nil
		return nil
	})
	return item, err
}

// RetryItem puts a failed item back to pending for the next run. The retry
// count is kept. Exhausted items fail with RETRIES_EXHAUSTED; items that
// are not failed fail with INVALID_TRANSITION.
func (e *Engine) RetryItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	item, _, err := e.update(ctx, id, func(item *models.SyncQueueItem, now time.Time) error {
		if item.Status != models.QueueStatusFailed {
			return invalidTransition(item, "retry")
		}
		if item.IsExhausted() {
			return apperrors.Newf(apperrors.ErrRetriesExhausted,
				"item %s exhausted %d/%d retries", item.ID, item.RetryCount, item.MaxRetries)
		}
		setStatus(item, models.QueueStatusPending, now)
		item.NextRetryAt = nil
		return nil
	})
	return item, err
}

// RetryAllFailed retries every failed item that still has retries left and
// returns how many were moved back to pending.
func (e *Engine) RetryAllFailed(ctx context.Context) (int, error) {
	items, err := e.store.List(ctx, Filter{
		Statuses: []models.QueueStatus{models.QueueStatusFailed},
		StoreID:  e.cfg.StoreID,
		Match:    (*models.SyncQueueItem).CanRetry,
	})
	if err != nil {
		return 0, fmt.Errorf("list failed items: %w", err)
	}

	count := 0
	for _, item := range items {
		if _, err := e.RetryItem(ctx, item.ID); err != nil {
			logging.Warn("Skipping item during retry-all",
				map[string]interface{}{"item_id": item.ID, "error": err.Error()})
			continue
		}
		count++
	}
	return count, nil
}

// RequeueDueRetries moves every failed item whose backoff elapsed back to
// pending. It is the automatic counterpart of RetryItem.
func (e *Engine) RequeueDueRetries(ctx context.Context) (int, error) {
	due, err := e.GetItemsDueForRetry(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, d := range due {
		_, changed, err := e.update(ctx, d.ID, func(item *models.SyncQueueItem, now time.Time) error {
			if !isDue(item, now) {
				return errNoChange
			}
			setStatus(item, models.QueueStatusPending, now)
			item.NextRetryAt = nil
			return nil
		})
		if err != nil {
			logging.Error("Failed to requeue item for retry", err,
				map[string]interface{}{"item_id": d.ID})
			continue
		}
		if changed {
			count++
		}
	}

	if count > 0 {
		logging.Info("Requeued failed items for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

// CancelItem cancels a pending or failed item.
func (e *Engine) CancelItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	item, _, err := e.update(ctx, id, func(item *models.SyncQueueItem, now time.Time) error {
		switch item.Status {
		case models.QueueStatusPending, models.QueueStatusFailed:
		default:
			return invalidTransition(item, "cancel")
		}
		setStatus(item, models.QueueStatusCancelled, now)
		item.NextRetryAt = nil
		return nil
	})
	return item, err
}

// ClearErrors cancels every failed item, dismissing its error, and returns
// how many were cancelled.
func (e *Engine) ClearErrors(ctx context.Context) (int, error) {
	items, err := e.store.List(ctx, Filter{
		Statuses: []models.QueueStatus{models.QueueStatusFailed},
		StoreID:  e.cfg.StoreID,
	})
	if err != nil {
		return 0, fmt.Errorf("list failed items: %w", err)
	}

	count := 0
	for _, item := range items {
		_, err := e.CancelItem(ctx, item.ID)
		switch {
		case err == nil:
			count++
		case apperrors.Is(err, apperrors.ErrInvalidTransition):
			// moved on since listing
		default:
			return count, err
		}
	}
	return count, nil
}

// CleanupCompletedItems soft-deletes completed items last updated more than
// retentionDays ago and returns how many were affected. Rows are kept for
// audit; only the active flag is cleared.
func (e *Engine) CleanupCompletedItems(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "retention days must not be negative, got %d", retentionDays)
	}

	cutoff := e.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	items, err := e.store.List(ctx, Filter{
		Statuses: []models.QueueStatus{models.QueueStatusCompleted},
		StoreID:  e.cfg.StoreID,
		Match: func(item *models.SyncQueueItem) bool {
			return item.UpdatedAt.Before(cutoff)
		},
	})
	if err != nil {
		return 0, fmt.Errorf("list completed items: %w", err)
	}

	count := 0
	for _, c := range items {
		_, changed, err := e.update(ctx, c.ID, func(item *models.SyncQueueItem, _ time.Time) error {
			if !item.IsActive || item.Status != models.QueueStatusCompleted {
				return errNoChange
			}
			item.IsActive = false
			return nil
		})
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}

	if count > 0 {
		logging.Info("Cleaned up completed queue items",
			map[string]interface{}{"count": count, "retention_days": retentionDays})
	}
	return count, nil
}

// ResetStuckItems returns in-progress items whose last attempt is older
// than staleAfterMinutes to pending, assuming their worker died. A late
// outcome from that worker is still accepted by MarkAsCompleted and
// MarkAsFailed.
func (e *Engine) ResetStuckItems(ctx context.Context, staleAfterMinutes int) (int, error) {
	if staleAfterMinutes < 0 {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "stale threshold must not be negative, got %d", staleAfterMinutes)
	}

	threshold := time.Duration(staleAfterMinutes) * time.Minute
	isStuck := func(item *models.SyncQueueItem, now time.Time) bool {
		if item.Status != models.QueueStatusInProgress {
			return false
		}
		ref := item.UpdatedAt
		if item.LastAttemptAt != nil {
			ref = *item.LastAttemptAt
		}
		return now.Sub(ref) > threshold
	}

	now := e.clock.Now()
	items, err := e.store.List(ctx, Filter{
		Statuses: []models.QueueStatus{models.QueueStatusInProgress},
		StoreID:  e.cfg.StoreID,
		Match: func(item *models.SyncQueueItem) bool {
			return isStuck(item, now)
		},
	})
	if err != nil {
		return 0, fmt.Errorf("list in-progress items: %w", err)
	}

	count := 0
	for _, s := range items {
		_, changed, err := e.update(ctx, s.ID, func(item *models.SyncQueueItem, now time.Time) error {
			if !isStuck(item, now) {
				return errNoChange
			}
			setStatus(item, models.QueueStatusPending, now)
			return nil
		})
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}

	if count > 0 {
		logging.Warn("Reset stuck in-progress items",
			map[string]interface{}{"count": count, "stale_after_minutes": staleAfterMinutes})
	}
	return count, nil
}
