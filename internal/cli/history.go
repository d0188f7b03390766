package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/gobridge/pkg/model"
)

func newCyclesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "cycles <bridge_id>",
		Short: "Show recorded cycle statistics, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(fmt.Sprintf("/api/v1/bridges/%s/cycles?limit=%d", args[0], limit))
			if err != nil {
				return fmt.Errorf("list cycles: %w", err)
			}
			var cycles []model.CycleStats
			if err := resp.decode(&cycles); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(cycles) == 0 {
				fmt.Fprintln(out, "No cycles recorded.")
				return nil
			}
			fmt.Fprintf(out, "%-25s  %-10s  %-4s  %-4s  %-5s  %-5s  %s\n", "STARTED", "DURATION", "REQ", "OPT", "WRITE", "FAIL", "BEHIND")
			for _, c := range cycles {
				writes := fmt.Sprint(c.Writes)
				if c.WritesSkipped {
					writes = "skip"
				}
				fmt.Fprintf(out, "%-25s  %-10s  %-4d  %-4d  %-5s  %-5d  %v\n",
					c.StartedAt.Format(time.RFC3339), c.Duration.Round(time.Millisecond),
					c.RequiredReads, c.OptionalReads, writes, c.Failures, c.BehindSchedule)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of cycles")
	return cmd
}

func newFaultsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "faults <bridge_id>",
		Short: "Show recorded cycle faults, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(fmt.Sprintf("/api/v1/bridges/%s/faults?limit=%d", args[0], limit))
			if err != nil {
				return fmt.Errorf("list faults: %w", err)
			}
			var faults []model.Fault
			if err := resp.decode(&faults); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(faults) == 0 {
				fmt.Fprintln(out, "No faults recorded.")
				return nil
			}
			for _, f := range faults {
				fmt.Fprintf(out, "%s  backoff %-8s  %s\n", f.OccurredAt.Format(time.RFC3339), f.Backoff, f.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of faults")
	return cmd
}

func newChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "Show the latest channel values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/channels")
			if err != nil {
				return fmt.Errorf("list channels: %w", err)
			}
			var values []model.ChannelValue
			if err := resp.decode(&values); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(values) == 0 {
				fmt.Fprintln(out, "No channel values yet.")
				return nil
			}
			fmt.Fprintf(out, "%-40s  %-14s  %s\n", "CHANNEL", "VALUE", "UPDATED")
			for _, v := range values {
				fmt.Fprintf(out, "%-40s  %-14g  %s\n", v.Key(), v.Value, v.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
