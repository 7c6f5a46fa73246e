package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db := openMemory(t)
	require.NoError(t, Migrate(db))
	repo := NewRepository(db)
	t.Cleanup(func() { repo.Close() })
	return repo
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 123456789, time.UTC)

func sampleItem(entityID string) *models.SyncQueueItem {
	return &models.SyncQueueItem{
		StoreID:    "outlet-1",
		EntityType: "sale",
		EntityID:   entityID,
		Operation:  models.OperationCreate,
		Payload:    json.RawMessage(`{"total":1250}`),
		Priority:   models.PriorityNormal,
		Status:     models.QueueStatusPending,
		MaxRetries: 5,
		CreatedAt:  t0,
		UpdatedAt:  t0,
		IsActive:   true,
	}
}

func TestQueueStore_AddGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewQueueStore(newTestRepository(t))

	item := sampleItem("s-1")
	require.NoError(t, store.Add(ctx, item))
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, int64(1), item.Seq)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, models.OperationCreate, got.Operation)
	assert.Equal(t, models.PriorityNormal, got.Priority)
	assert.JSONEq(t, `{"total":1250}`, string(got.Payload))
	assert.True(t, got.CreatedAt.Equal(t0), "nanosecond precision kept")
	assert.Nil(t, got.LastAttemptAt)
	assert.Nil(t, got.NextRetryAt)
	assert.True(t, got.IsActive)

	_, err = store.Get(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	dup := sampleItem("s-1")
	dup.ID = item.ID
	err = store.Add(ctx, dup)
	assert.True(t, apperrors.Is(err, apperrors.ErrDuplicate))
}

func TestQueueStore_UpdateKeepsSeq(t *testing.T) {
	ctx := context.Background()
	store := NewQueueStore(newTestRepository(t))

	item := sampleItem("s-1")
	require.NoError(t, store.Add(ctx, item))

	attempt := t0.Add(time.Minute)
	next := attempt.Add(30 * time.Second)
	item.Status = models.QueueStatusFailed
	item.RetryCount = 1
	item.LastError = "timeout"
	item.LastAttemptAt = &attempt
	item.NextRetryAt = &next
	item.UpdatedAt = attempt
	item.Seq = 42
	require.NoError(t, store.Update(ctx, item))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, models.QueueStatusFailed, got.Status)
	assert.Equal(t, "timeout", got.LastError)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(next))

	missing := sampleItem("x")
	missing.ID = "missing"
	err = store.Update(ctx, missing)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestQueueStore_ListFilter(t *testing.T) {
	ctx := context.Background()
	store := NewQueueStore(newTestRepository(t))

	add := func(storeID string, status models.QueueStatus, active bool) {
		item := sampleItem("e")
		item.StoreID = storeID
		item.Status = status
		item.IsActive = active
		require.NoError(t, store.Add(ctx, item))
	}
	add("s1", models.QueueStatusPending, true)
	add("s1", models.QueueStatusFailed, true)
	add("s2", models.QueueStatusPending, true)
	add("s1", models.QueueStatusCompleted, false)

	all, err := store.List(ctx, queue.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	withInactive, err := store.List(ctx, queue.Filter{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, withInactive, 4)

	pending, err := store.List(ctx, queue.Filter{
		StoreID:  "s1",
		Statuses: []models.QueueStatus{models.QueueStatusPending, models.QueueStatusFailed},
	})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Less(t, pending[0].Seq, pending[1].Seq)

	matched, err := store.List(ctx, queue.Filter{Match: func(i *models.SyncQueueItem) bool { return i.StoreID == "s2" }})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, int64(3), matched[0].Seq)
}

// The engine behaves the same over SQLite as over memory.
func TestQueueStore_EngineLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewQueueStore(newTestRepository(t))

	now := t0
	clock := queue.ClockFunc(func() time.Time { return now })
	cfg := queue.DefaultConfig()
	cfg.StoreID = "outlet-1"
	remote := queue.RemoteFunc(func(_ context.Context, item *models.SyncQueueItem) error {
		if item.EntityID == "bad" {
			return errors.New("rejected")
		}
		return nil
	})
	engine := queue.NewEngine(store, remote, queue.WithConfig(cfg), queue.WithClock(clock))

	for _, req := range []queue.EnqueueRequest{
		{EntityType: "sale", EntityID: "low", Operation: models.OperationCreate, Priority: models.PriorityLow},
		{EntityType: "sale", EntityID: "bad", Operation: models.OperationCreate, Priority: models.PriorityNormal},
		{EntityType: "sale", EntityID: "crit", Operation: models.OperationCreate, Priority: models.PriorityCritical},
	} {
		_, err := engine.Enqueue(ctx, req)
		require.NoError(t, err)
	}

	pending, err := engine.GetPendingItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "crit", pending[0].EntityID)
	assert.Equal(t, "bad", pending[1].EntityID)
	assert.Equal(t, "low", pending[2].EntityID)

	res, err := engine.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	now = now.Add(31 * time.Second)
	due, err := engine.GetItemsDueForRetry(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)

	now = now.Add(8 * 24 * time.Hour)
	n, err := engine.CleanupCompletedItems(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := engine.Stats(ctx, "outlet-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.QueueStatusFailed])
}

func TestQueueStore_ListUsesReaderDuringWrite(t *testing.T) {
	database, err := OpenAndMigrate(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	repo := NewRepository(database.DB).WithReader(database.Reader)
	t.Cleanup(func() { repo.Close() })
	store := NewQueueStore(repo)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, sampleItem("SKU-1")))

	// Hold the only writer connection, as a long batch update would.
	tx, err := database.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Exec("UPDATE sync_queue SET last_error = 'busy'")
	require.NoError(t, err)

	listCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	items, err := store.List(listCtx, queue.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Empty(t, items[0].LastError, "uncommitted changes are not visible")
}
