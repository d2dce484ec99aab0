package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/receiptsync/internal/connectivity"
	syncpkg "github.com/kimhsiao/receiptsync/internal/sync"
	"github.com/kimhsiao/receiptsync/internal/sync/scheduler"
)

func syncCmd(a *app) *cobra.Command {
	var initial bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the sync queue once",
		Long: `Send every pending change to the remote API, oldest first.

With --initial, first import all remote receipts into an empty store.
The import runs once per store; later runs skip it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			n := printNotifier(out)
			probe := connectivity.NewProbe(a.cfg.HealthURL(), a.cfg.Remote.Timeout, nil)
			coord, err := a.syncer(probe, n, nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := coord.Recover(ctx); err != nil && !errors.Is(err, syncpkg.ErrSyncInProgress) {
				return err
			}
			online := probe.Check(ctx)

			if initial && online {
				imported, err := coord.InitialSync(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Imported %d remote receipt(s)\n", imported)
			}

			sched := scheduler.NewScheduler(coord, probe, &scheduler.Config{Interval: a.cfg.Sync.Interval},
				scheduler.WithNotifier(n),
			)
			result, err := sched.SyncNow(ctx)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			if result.Failed > 0 || result.Dropped > 0 {
				return fmt.Errorf("%d change(s) failed, %d dropped", result.Failed, result.Dropped)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&initial, "initial", false, "Import remote receipts before draining")
	return cmd
}

func printResult(cmd *cobra.Command, r *syncpkg.SyncResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Synced %d of %d change(s) in %s\n", r.Synced, r.Attempted, r.Duration.Round(time.Millisecond))
	if r.Conflicts > 0 {
		fmt.Fprintf(out, "  Conflicts resolved: %d\n", r.Conflicts)
	}
	if r.Failed > 0 {
		fmt.Fprintf(out, "  Waiting to retry:   %d\n", r.Failed)
	}
	if r.Dropped > 0 {
		fmt.Fprintf(out, "  Dropped:            %d\n", r.Dropped)
	}
	fmt.Fprintf(out, "  Remaining:          %d\n", r.Remaining)
}

func statusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.openStore()
			if err != nil {
				return err
			}
			// Status reads only local state, so no remote is needed.
			st, err := syncpkg.NewCoordinator(repo, a.queue, nil).Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}

			out := cmd.OutOrStdout()
			last := "never"
			if st.LastSyncAt != nil {
				last = st.LastSyncAt.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(out, "Last sync:    %s\n", last)
			fmt.Fprintf(out, "Pending:      %d\n", st.Pending)
			fmt.Fprintf(out, "  waiting:    %d\n", st.Queue.Pending)
			fmt.Fprintf(out, "  in flight:  %d\n", st.Queue.InProgress)
			fmt.Fprintf(out, "  retrying:   %d\n", st.Queue.Failed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func queueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the sync queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List outstanding queue items in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.openStore(); err != nil {
				return err
			}
			items, err := a.queue.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTABLE\tRECORD\tACTION\tSTATUS\tRETRIES\tENQUEUED\tLAST ERROR")
			for _, it := range items {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					it.ID, it.Table, it.RecordID, it.Action, it.Status, it.RetryCount,
					time.UnixMilli(it.EnqueuedAt).Local().Format(time.RFC3339), it.LastError)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count queue items by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.openStore(); err != nil {
				return err
			}
			stats, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Return items left in flight by a crash to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.openStore()
			if err != nil {
				return err
			}
			n, err := syncpkg.NewCoordinator(repo, a.queue, nil).Recover(cmd.Context())
			if errors.Is(err, syncpkg.ErrSyncInProgress) {
				return fmt.Errorf("another process is syncing, its in-flight items were left alone")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d item(s)\n", n)
			return nil
		},
	})
	return cmd
}

func conflictsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Show recently resolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.openStore()
			if err != nil {
				return err
			}
			logs, err := repo.ListConflictLogs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DETECTED\tRECORD\tSTRATEGY\tRESOLUTION")
			for _, l := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					l.DetectedAtTime().Local().Format(time.RFC3339), l.RecordID, l.Strategy, l.Resolution)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	return cmd
}
