package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/monitor"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
)

// runWithApp opens the app for one command, runs fn and reports any error
// through the formatter.
func runWithApp(cmd *cobra.Command, rootOpts *RootOptions, ao appOptions, fn func(ctx context.Context, a *app, out *OutputFormatter) error) error {
	out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	a, err := openApp(cmd.Context(), rootOpts, ao)
	if err != nil {
		_ = out.Error(err)
		return err
	}
	defer a.Close()

	if err := fn(cmd.Context(), a, out); err != nil {
		_ = out.Error(err)
		return err
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

// NewStatusCommand creates the status subcommand.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the store's sync status line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app, out *OutputFormatter) error {
				bar, err := a.monitor.GetStatusBar(ctx)
				if err != nil {
					return err
				}
				return out.Success(bar, func(w io.Writer) {
					fmt.Fprintf(w, "%s\n", bar.Text)
					fmt.Fprintf(w, "State:     %s\n", bar.State)
					fmt.Fprintf(w, "Health:    %s\n", bar.Health)
					fmt.Fprintf(w, "Pending:   %d\n", bar.PendingCount)
					fmt.Fprintf(w, "Errors:    %d\n", bar.ErrorCount)
					fmt.Fprintf(w, "Last sync: %s\n", formatTime(bar.LastSyncAt))
				})
			})
		},
	}
}

// NewDashboardCommand creates the dashboard subcommand.
func NewDashboardCommand(rootOpts *RootOptions) *cobra.Command {
	var storeID string

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show queue summary, metrics, recent errors and conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app, out *OutputFormatter) error {
				id := storeID
				if id == "" {
					id = a.cfg.StoreID
				}
				d, err := a.monitor.GetDashboard(ctx, id)
				if err != nil {
					return err
				}
				return out.Success(d, func(w io.Writer) { printDashboard(w, d) })
			})
		},
	}

	cmd.Flags().StringVar(&storeID, "store", "", "store to report on (defaults to store_id)")
	return cmd
}

func printDashboard(w io.Writer, d *monitor.Dashboard) {
	s := d.Summary
	fmt.Fprintf(w, "Store %s  [%s, %s]\n\n", d.StoreID, d.ConnectionState, d.Health)
	fmt.Fprintf(w, "Pending:     %d (critical %d, high %d, normal %d, low %d)\n",
		s.TotalPending, s.CriticalPending, s.HighPending, s.NormalPending, s.LowPending)
	fmt.Fprintf(w, "In progress: %d\n", s.InProgress)
	fmt.Fprintf(w, "Failed:      %d (%d exhausted)\n", s.FailedItems, s.ExhaustedItems)
	fmt.Fprintf(w, "Conflicts:   %d unresolved of %d\n", d.Conflicts.Unresolved, d.Conflicts.Total)
	fmt.Fprintf(w, "\nSince %s: %d succeeded, %d failed (%.0f%%)\n",
		d.Metrics.WindowStart.Local().Format(time.DateTime),
		d.Metrics.Succeeded, d.Metrics.Failed, d.Metrics.SuccessRate*100)
	fmt.Fprintf(w, "Last sync:   %s\n", formatTime(d.Metrics.LastSyncAt))

	if len(d.RecentErrors) > 0 {
		fmt.Fprintln(w, "\nRecent errors:")
		printErrors(w, d.RecentErrors)
	}
}

func printErrors(w io.Writer, errs []monitor.ErrorInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tOP\tRETRIES\tNEXT RETRY\tERROR")
	for _, e := range errs {
		next := formatTime(e.NextRetryAt)
		if !e.CanRetry {
			next = "exhausted"
		}
		fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%d/%d\t%s\t%s\n",
			e.ItemID, e.EntityType, e.EntityID, e.Operation, e.RetryCount, e.MaxRetries, next, e.Error)
	}
	tw.Flush()
}

// NewErrorsCommand creates the errors subcommand.
func NewErrorsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "errors [item-id]",
		Short: "List failed items, or show one item in full",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app, out *OutputFormatter) error {
				if len(args) == 1 {
					details, err := a.monitor.GetErrorDetails(ctx, args[0])
					if err != nil {
						return err
					}
					return out.Success(details, func(w io.Writer) {
						printErrors(w, []monitor.ErrorInfo{details.ErrorInfo})
						fmt.Fprintf(w, "\nCreated: %s\nPayload: %s\n",
							details.CreatedAt.Local().Format(time.DateTime), details.Payload)
					})
				}

				errs, err := a.monitor.GetRecentErrors(ctx, limit)
				if err != nil {
					return err
				}
				return out.Success(errs, func(w io.Writer) {
					if len(errs) == 0 {
						fmt.Fprintln(w, "No failed items")
						return
					}
					printErrors(w, errs)
				})
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum errors to list (0 uses the configured limit)")
	return cmd
}

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	EntityType string
	EntityID   string
	Operation  string
	Priority   string
	Payload    string
}

// NewEnqueueCommand creates the enqueue subcommand.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a local change for replication",
		Example: `  syncd enqueue --entity-type sale --entity-id S-1042 --operation create \
    --priority critical --payload '{"total": 1299}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app, out *OutputFormatter) error {
				req := queue.EnqueueRequest{
					EntityType: opts.EntityType,
					EntityID:   opts.EntityID,
					Operation:  models.Operation(opts.Operation),
					Priority:   models.Priority(opts.Priority),
				}
				if opts.Payload != "" {
					if !json.Valid([]byte(opts.Payload)) {
						return apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
					}
					req.Payload = json.RawMessage(opts.Payload)
				}

				item, err := a.engine.Enqueue(ctx, req)
				if err != nil {
					return err
				}
				return out.Success(item, func(w io.Writer) {
					fmt.Fprintf(w, "Queued %s %s/%s as %s (%s)\n",
						item.Operation, item.EntityType, item.EntityID, item.ID, item.Priority)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "entity type, e.g. sale or inventory (required)")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "entity identifier (required)")
	cmd.Flags().StringVar(&opts.Operation, "operation", string(models.OperationUpdate), "create|update|delete")
	cmd.Flags().StringVar(&opts.Priority, "priority", string(models.PriorityNormal), "critical|high|normal|low")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "entity snapshot as JSON")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("entity-id")

	return cmd
}

// NewRetryCommand creates the retry subcommand.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [item-id]",
		Short: "Move a failed item, or every retryable one, back to pending",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no item id")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("requires an item id or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app, out *OutputFormatter) error {
				if all {
					n, err := a.monitor.RetryAllFailed(ctx)
					if err != nil {
						return err
					}
					return out.Success(map[string]int{"retried": n}, func(w io.Writer) {
						fmt.Fprintf(w, "Requeued %d failed items\n", n)
					})
				}

				item, err := a.monitor.RetryItem(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Success(item, func(w io.Writer) {
					fmt.Fprintf(w, "Requeued %s (%d of %d retries used)\n", item.ID, item.RetryCount, item.MaxRetries)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "retry every failed item that has retries left")
	return cmd
}

// NewCancelCommand creates the cancel subcommand.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <item-id>",
		Short: "Cancel a pending or failed item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app, out *OutputFormatter) error {
				item, err := a.monitor.CancelItem(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Success(item, func(w io.Writer) {
					fmt.Fprintf(w, "Cancelled %s\n", item.ID)
				})
			})
		},
	}
}

// NewClearErrorsCommand creates the clear-errors subcommand.
func NewClearErrorsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-errors",
		Short: "Cancel every failed item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app, out *OutputFormatter) error {
				n, err := a.monitor.ClearErrors(ctx)
				if err != nil {
					return err
				}
				return out.Success(map[string]int{"cleared": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Cleared %d failed items\n", n)
				})
			})
		},
	}
}

// NewCleanupCommand creates the cleanup subcommand.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove completed items older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app, out *OutputFormatter) error {
				retention := days
				if retention <= 0 {
					retention = a.cfg.Queue.RetentionDays
				}
				n, err := a.engine.CleanupCompletedItems(ctx, retention)
				if err != nil {
					return err
				}
				return out.Success(map[string]int{"removed": n, "retention_days": retention}, func(w io.Writer) {
					fmt.Fprintf(w, "Removed %d completed items older than %d days\n", n, retention)
				})
			})
		},
	}

	cmd.Flags().IntVar(&days, "retention-days", 0, "retention period in days (0 uses queue.retention_days)")
	return cmd
}

// NewResetStuckCommand creates the reset-stuck subcommand.
func NewResetStuckCommand(rootOpts *RootOptions) *cobra.Command {
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "Return items stuck in progress to pending",
		Long: `Return items left in progress by a crashed or killed sync to pending.
Do not run this while "syncd serve" is pushing: a slow item may be reset
while its push is still in flight.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app, out *OutputFormatter) error {
				after := staleAfter
				if after <= 0 {
					after = a.cfg.Queue.StaleAfter
				}
				minutes := int(after / time.Minute)
				if minutes < 1 {
					return apperrors.New(apperrors.ErrInvalid, "stale-after must be at least one minute")
				}
				n, err := a.engine.ResetStuckItems(ctx, minutes)
				if err != nil {
					return err
				}
				return out.Success(map[string]int{"reset": n, "stale_after_minutes": minutes}, func(w io.Writer) {
					fmt.Fprintf(w, "Reset %d items in progress for over %d minutes\n", n, minutes)
				})
			})
		},
	}

	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "age after which an in-progress item is stuck (0 uses queue.stale_after)")
	return cmd
}
