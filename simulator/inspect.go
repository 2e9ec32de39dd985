package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"batch-pipeline/pkg/batch"

	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <batch-id>",
		Short: "Follow a batch's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.follow(cmd, args[0], interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval")
	return cmd
}

// follow prints a progress line whenever the batch changes, then its summary.
func (a *app) follow(cmd *cobra.Command, batchID string, interval time.Duration) error {
	out := cmd.OutOrStdout()
	last := ""
	snap, err := a.client.Wait(cmd.Context(), batchID, interval, func(s *batch.Snapshot) {
		if line := progressLine(s); line != last {
			fmt.Fprintln(out, line)
			last = line
		}
	})
	if err != nil {
		return err
	}
	if snap.Fault != "" {
		fmt.Fprintf(out, "fault: %s\n", snap.Fault)
	}
	if snap.Summary != nil {
		printSummary(out, snap.Summary)
	}
	return nil
}

func progressLine(s *batch.Snapshot) string {
	counts := make(map[batch.ItemStatus]int, 6)
	for _, it := range s.Items {
		counts[it.Status]++
	}
	return fmt.Sprintf("%s %-9s %5.1f%%  queued=%d running=%d post=%d completed=%d failed=%d cancelled=%d",
		s.BatchID, s.Status, s.OverallPercent,
		counts[batch.StatusQueued],
		counts[batch.StatusRunning],
		counts[batch.StatusPostProcessing],
		counts[batch.StatusCompleted],
		counts[batch.StatusFailed],
		counts[batch.StatusCancelled],
	)
}

func printSummary(out io.Writer, s *batch.Summary) {
	fmt.Fprintf(out, "summary %s (%s, %s): total=%d succeeded=%d failed=%d cancelled=%d value=%.2f\n",
		s.BatchID, s.Kind, s.Status, s.TotalItems, s.Succeeded, s.Failed, s.Cancelled, s.AggregateValue)
	for _, f := range s.Failures {
		fmt.Fprintf(out, "  %s [%s] %s\n", f.ItemID, f.Code, f.Error)
	}
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start <batch-id>",
		Short: "Start a held batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.client.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), progressLine(snap))
			return nil
		},
	}
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Cancel the queued items of a batch",
		Long:  "Cancels every queued item. Items already running finish normally.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), progressLine(snap))
			return nil
		},
	}
}

func newSummaryCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "summary <batch-id>",
		Short: "Print the results summary of a finished batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.client.Summary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			printSummary(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <batch-id>",
		Short: "Delete a finished batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Purge(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
			return nil
		},
	}
}

func newRetryCmd(a *app) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "retry <batch-id>",
		Short: "Resubmit each failed item of a finished batch as its own batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := a.retryFailed(cmd, args[0])
			if err != nil {
				return err
			}
			if !wait {
				return nil
			}
			for _, id := range ids {
				if err := a.follow(cmd, id, interval); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "follow each retry until it finishes")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval with --wait")
	return cmd
}

func (a *app) retryFailed(cmd *cobra.Command, batchID string) ([]string, error) {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	snap, err := a.client.Snapshot(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if snap.CompletedAt == nil {
		return nil, batch.NotTerminalError(batchID)
	}

	var (
		ids  []string
		errs []error
	)
	for _, it := range snap.Items {
		if it.Status != batch.StatusFailed {
			continue
		}
		id, err := a.client.Submit(ctx, batch.SubmissionRequest{
			Kind:             snap.Kind,
			Items:            []batch.ItemSpec{{ID: it.ID, Config: it.Config}},
			ConcurrencyLimit: 1,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("retry %s: %w", it.ID, err))
			continue
		}
		ids = append(ids, id)
		fmt.Fprintf(out, "retrying %s as batch %s\n", it.ID, id)
	}
	if len(ids) == 0 && len(errs) == 0 {
		fmt.Fprintf(out, "batch %s has no failed items\n", batchID)
	}
	return ids, errors.Join(errs...)
}
