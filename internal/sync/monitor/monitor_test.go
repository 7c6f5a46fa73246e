package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

type fakeRealtime struct {
	connected  bool
	connectsOK bool
	calls      int
}

func (f *fakeRealtime) IsConnected() bool { return f.connected }

func (f *fakeRealtime) Connect(context.Context) bool {
	f.calls++
	f.connected = f.connectsOK
	return f.connectsOK
}

type fixture struct {
	clock  *fakeClock
	engine *queue.Engine
	mon    *Monitor
	events *eventLog
}

func newFixture(t *testing.T, remote queue.RemoteSyncClient, opts ...Option) *fixture {
	t.Helper()
	clock := newFakeClock()
	cfg := queue.DefaultConfig()
	cfg.StoreID = "outlet-1"
	engine := queue.NewEngine(queue.NewMemoryStore(), remote, queue.WithConfig(cfg), queue.WithClock(clock))
	events := &eventLog{}

	all := append([]Option{WithClock(clock), WithObserver(events), WithStoreID("outlet-1")}, opts...)
	return &fixture{
		clock:  clock,
		engine: engine,
		mon:    New(engine, all...),
		events: events,
	}
}

func (f *fixture) enqueue(t *testing.T, entityID string, p models.Priority) *models.SyncQueueItem {
	t.Helper()
	item, err := f.engine.Enqueue(context.Background(), queue.EnqueueRequest{
		EntityType: "sale",
		EntityID:   entityID,
		Operation:  models.OperationCreate,
		Payload:    map[string]string{"id": entityID},
		Priority:   p,
	})
	require.NoError(t, err)
	return item
}

func succeed() queue.RemoteSyncClient {
	return queue.RemoteFunc(func(context.Context, *models.SyncQueueItem) error { return nil })
}

func failAll() queue.RemoteSyncClient {
	return queue.RemoteFunc(func(context.Context, *models.SyncQueueItem) error {
		return errors.New("central unavailable")
	})
}

func TestNew_StartsOffline(t *testing.T) {
	f := newFixture(t, succeed())
	assert.Equal(t, StateOffline, f.mon.State())
	assert.False(t, f.mon.IsOnline())
	assert.True(t, f.mon.LastSyncAt().IsZero())
}

func TestTriggerManualSync_Success(t *testing.T) {
	f := newFixture(t, succeed())
	f.enqueue(t, "s-1", models.PriorityNormal)
	f.enqueue(t, "s-2", models.PriorityHigh)

	res, err := f.mon.TriggerManualSync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Process)
	assert.Equal(t, 2, res.Process.Succeeded)
	assert.Equal(t, StateOnline, f.mon.State())
	assert.Equal(t, f.clock.Now(), f.mon.LastSyncAt())

	assert.Equal(t, []EventType{
		EventStateChanged, EventSyncStarted, EventStateChanged, EventSyncCompleted,
	}, f.events.types())
	assert.Equal(t, StateOffline, f.events.events[0].From)
	assert.Equal(t, StateSyncing, f.events.events[0].To)
	assert.Equal(t, StateOnline, f.events.events[2].To)
}

func TestTriggerManualSync_ItemFailuresStillOnline(t *testing.T) {
	f := newFixture(t, failAll())
	f.enqueue(t, "s-1", models.PriorityNormal)

	res, err := f.mon.TriggerManualSync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Process.Failed)
	assert.Equal(t, StateOnline, f.mon.State())
}

func TestTriggerManualSync_SingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	remote := queue.RemoteFunc(func(context.Context, *models.SyncQueueItem) error {
		close(entered)
		<-release
		return nil
	})
	f := newFixture(t, remote)
	f.enqueue(t, "s-1", models.PriorityNormal)

	done := make(chan *SyncResult)
	go func() {
		res, _ := f.mon.TriggerManualSync(context.Background(), SyncRequest{})
		done <- res
	}()
	<-entered

	assert.True(t, f.mon.IsSyncing())
	assert.Equal(t, StateSyncing, f.mon.State())
	assert.True(t, f.mon.IsOnline())

	second, err := f.mon.TriggerManualSync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, MsgSyncInProgress, second.Message)

	close(release)
	first := <-done
	assert.True(t, first.Success)
	assert.False(t, f.mon.IsSyncing())

	third, err := f.mon.TriggerManualSync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.True(t, third.Success, "guard released after the first run")
}

func TestTriggerManualSync_ProcessErrorMovesToError(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.mon.TriggerManualSync(context.Background(), SyncRequest{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed))
	assert.ErrorIs(t, err, apperrors.New(apperrors.ErrSyncNotConfigured, ""))
	assert.False(t, res.Success)
	assert.Equal(t, StateError, f.mon.State())
	assert.True(t, f.mon.LastSyncAt().IsZero())
	assert.Contains(t, f.events.types(), EventSyncFailed)
	assert.False(t, f.mon.IsSyncing())
}

type panickingEngine struct {
	QueueEngine
}

func (panickingEngine) ProcessQueue(context.Context, int) (*queue.ProcessResult, error) {
	panic("boom")
}

func TestTriggerManualSync_PanicReleasesGuard(t *testing.T) {
	f := newFixture(t, succeed())
	mon := New(panickingEngine{f.engine}, WithClock(f.clock))

	res, err := mon.TriggerManualSync(context.Background(), SyncRequest{})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StateError, mon.State())
	assert.False(t, mon.IsSyncing())
}

func TestTriggerManualSync_IncludeDueRetries(t *testing.T) {
	calls := 0
	remote := queue.RemoteFunc(func(context.Context, *models.SyncQueueItem) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	})
	f := newFixture(t, remote)
	item := f.enqueue(t, "s-1", models.PriorityNormal)

	_, err := f.mon.TriggerManualSync(context.Background(), SyncRequest{})
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	res, err := f.mon.TriggerManualSync(context.Background(), SyncRequest{IncludeDueRetries: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 1, res.Process.Succeeded)

	got, err := f.engine.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, got.Status)
}

func TestReconnect(t *testing.T) {
	rt := &fakeRealtime{connectsOK: false}
	f := newFixture(t, succeed(), WithRealtime(rt))

	assert.False(t, f.mon.Reconnect(context.Background()))
	assert.Equal(t, StateError, f.mon.State())

	rt.connectsOK = true
	assert.True(t, f.mon.Reconnect(context.Background()))
	assert.Equal(t, StateOnline, f.mon.State())

	f.events.reset()
	assert.True(t, f.mon.Reconnect(context.Background()))
	assert.Empty(t, f.events.types(), "same state emits nothing")
}

func TestReconnect_NoRealtimeFails(t *testing.T) {
	f := newFixture(t, succeed())
	assert.False(t, f.mon.Reconnect(context.Background()))
	assert.Equal(t, StateError, f.mon.State())
}

func TestCheckConnectivity(t *testing.T) {
	rt := &fakeRealtime{}
	f := newFixture(t, succeed(), WithRealtime(rt))

	assert.False(t, f.mon.CheckConnectivity())
	assert.Equal(t, StateOffline, f.mon.State())

	rt.connected = true
	assert.True(t, f.mon.CheckConnectivity())
	assert.Equal(t, StateOnline, f.mon.State())

	rt.connected = false
	assert.False(t, f.mon.CheckConnectivity())
	assert.Equal(t, StateOffline, f.mon.State())

	// Error is only left through Reconnect or a sync.
	rt.connectsOK = false
	f.mon.Reconnect(context.Background())
	rt.connected = true
	f.mon.CheckConnectivity()
	assert.Equal(t, StateError, f.mon.State())
}

func TestQueueOperationsNotifyOnChange(t *testing.T) {
	f := newFixture(t, failAll())
	ctx := context.Background()
	a := f.enqueue(t, "s-1", models.PriorityNormal)
	b := f.enqueue(t, "s-2", models.PriorityNormal)
	_, err := f.mon.TriggerManualSync(ctx, SyncRequest{})
	require.NoError(t, err)
	f.events.reset()

	_, err = f.mon.RetryItem(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.mon.CancelItem(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventQueueChanged, EventQueueChanged}, f.events.types())

	f.events.reset()
	_, err = f.mon.RetryItem(ctx, a.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
	assert.Empty(t, f.events.types())

	n, err := f.mon.ClearErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.events.types(), 1)

	f.events.reset()
	n, err = f.mon.ClearErrors(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = f.mon.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.events.types())

	got, err := f.engine.GetItem(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, got.Status)
}

func TestObservers_FanOut(t *testing.T) {
	var a, b eventLog
	Observers{&a, nil, &b}.Notify(Event{Type: EventSyncStarted})
	assert.Equal(t, []EventType{EventSyncStarted}, a.types())
	assert.Equal(t, []EventType{EventSyncStarted}, b.types())
}
