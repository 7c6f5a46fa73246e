package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/models"
)

func newTestService(strategy ResolutionStrategy) *Service {
	s := NewService(NewMemoryRepository(), NewResolver(strategy))
	s.SetClock(func() time.Time { return base.Add(time.Hour) })
	return s
}

func conflictingItem(id, storeID, entityType string) *models.SyncQueueItem {
	return &models.SyncQueueItem{
		ID:         id,
		StoreID:    storeID,
		EntityType: entityType,
		EntityID:   "e-" + id,
		Status:     models.QueueStatusConflict,
		CreatedAt:  base,
	}
}

func recordOne(t *testing.T, s *Service, item *models.SyncQueueItem) *models.ConflictLog {
	t.Helper()
	require.NoError(t, s.RecordConflict(context.Background(), item, "version mismatch"))
	logs, err := s.List(context.Background(), Filter{StoreID: item.StoreID})
	require.NoError(t, err)
	for _, l := range logs {
		if l.QueueItemID == item.ID {
			return l
		}
	}
	t.Fatalf("conflict for %s not recorded", item.ID)
	return nil
}

func TestService_RecordConflict(t *testing.T) {
	s := newTestService(ResolutionStrategyLastWriteWins)
	log := recordOne(t, s, conflictingItem("q1", "outlet-1", "sale"))

	assert.NotEmpty(t, log.ID)
	assert.Equal(t, "outlet-1", log.StoreID)
	assert.Equal(t, "e-q1", log.EntityID)
	assert.Equal(t, "version mismatch", log.Reason)
	assert.Equal(t, base, log.LocalTimestamp)
	assert.Equal(t, models.ResolutionPending, log.Resolution)
	assert.Equal(t, base.Add(time.Hour), log.DetectedAt)
	assert.Nil(t, log.ResolvedAt)

	err := s.RecordConflict(context.Background(), nil, "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestService_Resolve(t *testing.T) {
	ctx := context.Background()
	s := newTestService(ResolutionStrategyLastWriteWins)
	log := recordOne(t, s, conflictingItem("q1", "outlet-1", "sale"))

	resolved, err := s.Resolve(ctx, log.ID, at(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionRemoteWins, resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)
	require.NotNil(t, resolved.RemoteTimestamp)

	_, err = s.Resolve(ctx, log.ID, at(time.Minute))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	_, err = s.Resolve(ctx, "missing", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestService_ManualReviewThenOperator(t *testing.T) {
	ctx := context.Background()
	s := newTestService(ResolutionStrategyLastWriteWins)
	log := recordOne(t, s, conflictingItem("q1", "outlet-1", "sale"))

	review, err := s.Resolve(ctx, log.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionManualReview, review.Resolution)
	assert.Nil(t, review.ResolvedAt)

	_, err = s.ResolveAs(ctx, log.ID, models.ResolutionManualReview)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	done, err := s.ResolveAs(ctx, log.ID, models.ResolutionLocalWins)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionLocalWins, done.Resolution)
	require.NotNil(t, done.ResolvedAt)

	_, err = s.ResolveAs(ctx, log.ID, models.ResolutionRemoteWins)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
}

func TestService_GetConflictSummary(t *testing.T) {
	ctx := context.Background()
	s := newTestService(ResolutionStrategyLastWriteWins)

	a := recordOne(t, s, conflictingItem("q1", "outlet-1", "sale"))
	recordOne(t, s, conflictingItem("q2", "outlet-1", "inventory"))
	recordOne(t, s, conflictingItem("q3", "outlet-2", "sale"))
	_, err := s.Resolve(ctx, a.ID, at(-time.Hour))
	require.NoError(t, err)

	sum, err := s.GetConflictSummary(ctx, "outlet-1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Resolved)
	assert.Equal(t, 1, sum.Unresolved)
	assert.Equal(t, 1, sum.ByResolution[models.ResolutionLocalWins])
	assert.Equal(t, 1, sum.ByEntityType["inventory"])

	all, err := s.GetConflictSummary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)

	unresolved, err := s.List(ctx, Filter{UnresolvedOnly: true, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)
}
