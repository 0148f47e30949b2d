package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the projection queue and its dead letters",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue entry counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		uc, closeFn, err := openQueueAdmin(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := uc.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get queue stats: %w", err)
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), stats)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PENDING\tLEASED\tDONE\tDEAD\tOLDEST PENDING")
		oldest := "-"
		if stats.OldestPending != nil {
			oldest = stats.OldestPending.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\n", stats.Pending, stats.Leased, stats.Done, stats.Dead, oldest)
		return tw.Flush()
	},
}

var queueDeadCmd = &cobra.Command{
	Use:     "dead",
	Aliases: []string{"ls-dead"},
	Short:   "List dead-lettered entries",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		uc, closeFn, err := openQueueAdmin(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := uc.ListDead(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("failed to list dead entries: %w", err)
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No dead entries")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "QUEUE ID\tEVENT ID\tATTEMPTS\tENQUEUED AT\tLAST ERROR")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", e.QueueID, e.EventID, e.AttemptCount, e.EnqueuedAt.UTC().Format(time.RFC3339), e.LastError)
		}
		return tw.Flush()
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <queue-id>",
	Short: "Return a dead entry to pending with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || queueID <= 0 {
			return fmt.Errorf("invalid queue id %q", args[0])
		}
		uc, closeFn, err := openQueueAdmin(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if err := uc.Requeue(cmd.Context(), queueID); err != nil {
			return fmt.Errorf("failed to requeue %d: %w", queueID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %d\n", queueID)
		return nil
	},
}

func init() {
	queueDeadCmd.Flags().Int("limit", 100, "maximum entries to list")
	queueCmd.AddCommand(queueStatsCmd, queueDeadCmd, queueRequeueCmd)
	rootCmd.AddCommand(queueCmd)
}
