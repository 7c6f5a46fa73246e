package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/outletsync/internal/config"
	"github.com/kimhsiao/outletsync/internal/httpapi"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/notify"
	"github.com/kimhsiao/outletsync/internal/sync/monitor"
	"github.com/kimhsiao/outletsync/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Addr        string
	NoScheduler bool
}

// NewServeCommand creates the serve subcommand.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and local HTTP API",
		Long: `Run the sync daemon: the HTTP API for the till UI, the websocket event
stream, and the background scheduler that pushes queued changes whenever
the store is online.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := runServe(ctx, rootOpts, opts); err != nil {
				out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.ErrOrStderr()}
				_ = out.Error(err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.NoScheduler, "no-scheduler", false, "disable background sync and maintenance")

	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, opts *ServeOptions) error {
	var hub *notify.Hub
	a, err := openApp(ctx, rootOpts, appOptions{
		pushes: true,
		live:   true,
		observers: func(cfg *config.Config) []monitor.Observer {
			hub = notify.NewHub(cfg.Server.AllowedOrigins...)
			return []monitor.Observer{hub}
		},
	})
	if err != nil {
		if hub != nil {
			hub.Close()
		}
		return err
	}
	defer hub.Close()
	defer a.Close()

	addr := a.cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	handlerOpts := []httpapi.Option{
		httpapi.WithConflicts(a.conflicts),
		httpapi.WithEvents(hub),
	}

	var sched *scheduler.Scheduler
	if a.cfg.Scheduler.Enabled && !opts.NoScheduler {
		sched = scheduler.NewScheduler(a.monitor, a.engine, a.cfg.SchedulerSettings())
		handlerOpts = append(handlerOpts, httpapi.WithScheduler(sched))
	}

	// Leave Offline as early as possible: over the realtime link when there
	// is one, otherwise with a first push whose success proves the route.
	if a.realtime != nil {
		a.monitor.Reconnect(ctx)
	} else if _, err := a.monitor.TriggerManualSync(ctx, monitor.SyncRequest{IncludeDueRetries: true}); err != nil {
		logging.Warn("Initial sync failed", map[string]interface{}{"error": err.Error()})
	}

	if sched != nil {
		sched.Start(ctx)
		defer sched.Stop()
	}

	handler := httpapi.NewSyncHandler(a.engine, a.monitor, a.cfg.StoreID, handlerOpts...)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP API listening", map[string]interface{}{
			"addr":      addr,
			"store_id":  a.cfg.StoreID,
			"scheduler": sched != nil,
		})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server stopped", err, nil)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("Graceful shutdown failed", err, nil)
		return err
	}
	return nil
}
