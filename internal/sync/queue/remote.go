package queue

import (
	"context"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/models"
)

// ErrRemoteConflict is returned (or wrapped) by a RemoteSyncClient when the
// central system rejects a change as conflicting. The item then moves to the
// terminal conflict status and is handed to the ConflictRecorder.
var ErrRemoteConflict = apperrors.New(apperrors.ErrSyncConflict, "remote reported a conflict")

// RemoteSyncClient transmits one queued change to the central system.
// A nil error means the change was applied. Any other error, and any panic,
// counts as a failed attempt.
type RemoteSyncClient interface {
	Apply(ctx context.Context, item *models.SyncQueueItem) error
}

// RemoteFunc adapts a function to RemoteSyncClient.
type RemoteFunc func(ctx context.Context, item *models.SyncQueueItem) error

// Apply implements RemoteSyncClient.
func (f RemoteFunc) Apply(ctx context.Context, item *models.SyncQueueItem) error {
	return f(ctx, item)
}

// ConflictRecorder receives items the central system reported as
// conflicting. Resolution itself is outside the queue.
type ConflictRecorder interface {
	RecordConflict(ctx context.Context, item *models.SyncQueueItem, reason string) error
}
