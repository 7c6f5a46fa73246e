package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/models"
)

// ItemErrorKind classifies an ItemError.
type ItemErrorKind string

const (
	ItemErrorFailed   ItemErrorKind = "failed"   // remote apply failed
	ItemErrorConflict ItemErrorKind = "conflict" // remote reported a conflict
	ItemErrorStore    ItemErrorKind = "store"    // recording the outcome failed
)

// ItemError describes what went wrong with one item during a run.
type ItemError struct {
	ItemID  string        `json:"item_id"`
	Kind    ItemErrorKind `json:"kind"`
	Message string        `json:"message"`
}

// ProcessResult summarizes one ProcessQueue run.
type ProcessResult struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Skipped   int           `json:"skipped"`
	Cancelled bool          `json:"cancelled"`
	Errors    []ItemError   `json:"errors,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

func (r *ProcessResult) addError(id string, kind ItemErrorKind, err error) {
	r.Errors = append(r.Errors, ItemError{ItemID: id, Kind: kind, Message: err.Error()})
}

// ProcessQueue sends up to batchSize pending items, in dequeue order, to the
// remote client. ctx is checked before each item: once it is done the run
// stops without starting another item and returns the partial result with
// Cancelled set and a nil error. An item already being applied is allowed
// to finish, and its outcome is always recorded.
//
// Failures of individual items never abort the batch. The returned error
// is reserved for failures to read the queue at all.
func (e *Engine) ProcessQueue(ctx context.Context, batchSize int) (*ProcessResult, error) {
	if e.remote == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no remote sync client configured")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	result := &ProcessResult{StartedAt: e.clock.Now()}
	defer func() {
		result.Duration = e.clock.Now().Sub(result.StartedAt)
	}()

	if ctx.Err() != nil {
		result.Cancelled = true
		return result, nil
	}

	items, err := e.GetPendingItems(ctx, batchSize)
	if err != nil {
		if ctx.Err() != nil {
			result.Cancelled = true
			return result, nil
		}
		return nil, err
	}

	for i, item := range items {
		if ctx.Err() != nil {
			result.Cancelled = true
			logging.Info("Queue processing cancelled",
				map[string]interface{}{"attempted": result.Attempted, "remaining": len(items) - i})
			break
		}
		e.processItem(ctx, item.ID, result)
	}

	logging.Info("Queue processing completed",
		map[string]interface{}{
			"attempted": result.Attempted,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"conflicts": result.Conflicts,
			"cancelled": result.Cancelled,
		})

	return result, nil
}

func (e *Engine) processItem(ctx context.Context, id string, result *ProcessResult) {
	// Outcomes are written with a context that outlives cancellation of
	// the run, so an applied change is never left in progress.
	writeCtx := context.WithoutCancel(ctx)

	item, err := e.MarkAsInProgress(writeCtx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrInvalidTransition) || apperrors.Is(err, apperrors.ErrNotFound) {
			// cancelled or otherwise moved by an operator since listing
			result.Skipped++
			return
		}
		result.addError(id, ItemErrorStore, err)
		return
	}
	result.Attempted++

	applyCtx, cancel := context.WithTimeout(writeCtx, e.cfg.ItemTimeout)
	applyErr := e.apply(applyCtx, item)
	cancel()

	switch {
	case applyErr == nil:
		if _, err := e.MarkAsCompleted(writeCtx, id); err != nil {
			result.addError(id, ItemErrorStore, err)
			return
		}
		result.Succeeded++

	case stderrors.Is(applyErr, ErrRemoteConflict):
		result.Conflicts++
		result.addError(id, ItemErrorConflict, applyErr)
		conflicted, err := e.markAsConflict(writeCtx, id, applyErr.Error())
		if err != nil {
			result.addError(id, ItemErrorStore, err)
			return
		}
		e.recordConflict(writeCtx, conflicted, applyErr.Error())

	default:
		result.Failed++
		result.addError(id, ItemErrorFailed, applyErr)
		if _, err := e.MarkAsFailed(writeCtx, id, applyErr.Error()); err != nil {
			result.addError(id, ItemErrorStore, err)
		}
	}
}

// apply calls the remote client, converting a panic into an error.
func (e *Engine) apply(ctx context.Context, item *models.SyncQueueItem) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("remote apply panicked: %v", rec)
		}
	}()
	return e.remote.Apply(ctx, item.Clone())
}

func (e *Engine) recordConflict(ctx context.Context, item *models.SyncQueueItem, reason string) {
	logging.Warn("Queue item conflicts with central system",
		map[string]interface{}{
			"item_id":     item.ID,
			"entity_type": item.EntityType,
			"entity_id":   item.EntityID,
			"reason":      reason,
		})

	if e.conflicts == nil {
		return
	}
	if err := e.conflicts.RecordConflict(ctx, item.Clone(), reason); err != nil {
		logging.ErrorWithCode("Failed to record conflict", string(apperrors.ErrSyncConflict), err,
			map[string]interface{}{"item_id": item.ID})
	}
}
