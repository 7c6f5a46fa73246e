package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/sync/monitor"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	BatchSize      int
	IncludeRetries bool
}

// NewSyncCommand creates the sync subcommand.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push one batch of queued changes now",
		Long: `Push one batch of queued changes to the central system and exit.

This runs its own processing loop against the local database. Stop
"syncd serve" first, or use its POST /api/sync/trigger endpoint instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, appOptions{pushes: true}, func(ctx context.Context, a *app, out *OutputFormatter) error {
				result, err := a.monitor.TriggerManualSync(ctx, monitor.SyncRequest{
					BatchSize:         opts.BatchSize,
					IncludeDueRetries: opts.IncludeRetries,
				})
				if err != nil {
					return err
				}
				if !result.Success {
					return apperrors.New(apperrors.ErrSyncInProgress, result.Message)
				}
				return out.Success(result, func(w io.Writer) {
					fmt.Fprintln(w, result.Message)
					if result.Requeued > 0 {
						fmt.Fprintf(w, "Requeued %d items whose backoff had elapsed\n", result.Requeued)
					}
					if p := result.Process; p != nil {
						for _, e := range p.Errors {
							fmt.Fprintf(w, "  %s: %s\n", e.ItemID, e.Message)
						}
					}
					fmt.Fprintf(w, "Took %s\n", result.Duration)
				})
			})
		},
	}

	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "items to process (0 uses queue.batch_size)")
	cmd.Flags().BoolVar(&opts.IncludeRetries, "include-retries", true, "requeue failed items whose backoff has elapsed first")
	return cmd
}
