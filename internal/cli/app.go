package cli

import (
	"context"

	"github.com/kimhsiao/outletsync/internal/config"
	"github.com/kimhsiao/outletsync/internal/db"
	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/conflict"
	"github.com/kimhsiao/outletsync/internal/sync/monitor"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
	"github.com/kimhsiao/outletsync/internal/sync/realtime"
	"github.com/kimhsiao/outletsync/internal/sync/remote"
)

// newRemote builds the client that pushes items to the central system.
// Tests replace it to avoid talking to S3.
var newRemote = func(ctx context.Context, cfg remote.Config) (queue.RemoteSyncClient, error) {
	client, err := remote.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// unconfiguredRemote fails every push. Commands that only inspect or edit
// the queue never process it, so they skip building the S3 client.
var unconfiguredRemote = queue.RemoteFunc(func(context.Context, *models.SyncQueueItem) error {
	return apperrors.New(apperrors.ErrSyncNotConfigured, "this command does not push to the remote")
})

// app is the wired object graph shared by every command.
type app struct {
	cfg       *config.Config
	db        *db.DB
	repo      *db.Repository
	engine    *queue.Engine
	conflicts *conflict.Service
	monitor   *monitor.Monitor
	realtime  *realtime.Client
}

type appOptions struct {
	// pushes marks commands that process the queue and need the remote.
	pushes bool
	// live connects the realtime link when one is configured.
	live bool
	// observers builds monitor observers once configuration is loaded.
	observers func(cfg *config.Config) []monitor.Observer
}

// openApp loads configuration, opens the local database and wires the
// queue engine, conflict service and monitor on top of it.
func openApp(ctx context.Context, opts *RootOptions, ao appOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if opts.Verbose {
		level = logging.LevelDebug
	}
	logging.Get().SetLevel(level)

	var rem queue.RemoteSyncClient = unconfiguredRemote
	if ao.pushes {
		rem, err = newRemote(ctx, cfg.RemoteSettings())
		if err != nil {
			return nil, err
		}
	}

	database, err := db.OpenAndMigrate(cfg.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open local database", err)
	}
	repo := db.NewRepository(database.DB).WithReader(database.Reader)

	resolver := conflict.NewResolver(conflict.ResolutionStrategy(cfg.Conflict.Strategy))
	conflicts := conflict.NewService(db.NewConflictStore(repo), resolver)

	engine := queue.NewEngine(db.NewQueueStore(repo), rem,
		queue.WithConfig(cfg.QueueEngineConfig()),
		queue.WithConflictRecorder(conflicts),
	)

	monOpts := []monitor.Option{
		monitor.WithConfig(cfg.MonitorConfig()),
		monitor.WithStoreID(cfg.StoreID),
		monitor.WithConflictSource(conflicts),
	}
	if ao.observers != nil {
		for _, obs := range ao.observers(cfg) {
			monOpts = append(monOpts, monitor.WithObserver(obs))
		}
	}

	a := &app{
		cfg:       cfg,
		db:        database,
		repo:      repo,
		engine:    engine,
		conflicts: conflicts,
	}
	if ao.live && cfg.Realtime.URL != "" {
		a.realtime = realtime.New(cfg.Realtime.URL,
			realtime.WithHandshakeTimeout(cfg.Realtime.HandshakeTimeout),
			realtime.WithPingInterval(cfg.Realtime.PingInterval),
		)
		monOpts = append(monOpts, monitor.WithRealtime(a.realtime))
	}
	a.monitor = monitor.New(engine, monOpts...)

	logging.Debug("Application wired", map[string]interface{}{
		"store_id": cfg.StoreID,
		"data_dir": cfg.DataDir,
		"realtime": a.realtime != nil,
		"pushes":   ao.pushes,
	})
	return a, nil
}

// Close releases the realtime link, cached statements and the database.
func (a *app) Close() error {
	if a.realtime != nil {
		if err := a.realtime.Close(); err != nil {
			logging.Warn("Failed to close realtime connection", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := a.repo.Close(); err != nil {
		logging.Warn("Failed to close prepared statements", map[string]interface{}{"error": err.Error()})
	}
	return a.db.Close()
}
