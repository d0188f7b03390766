package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/gobridge/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [bridge_id]",
		Short: "Show bridge states, or the tasks of one bridge",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				resp, err := client.Get("/api/v1/bridges")
				if err != nil {
					return fmt.Errorf("list bridges: %w", err)
				}
				var list []model.BridgeStatus
				if err := resp.decode(&list); err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(out, "No bridges configured.")
					return nil
				}
				fmt.Fprintf(out, "%-20s  %-8s  %-6s  %-14s  %-10s  %s\n", "ID", "TYPE", "MODE", "STATE", "LAST CYCLE", "DEFECTIVE")
				fmt.Fprintf(out, "%-20s  %-8s  %-6s  %-14s  %-10s  %s\n", "--", "----", "----", "-----", "----------", "---------")
				for _, st := range list {
					last := "-"
					if st.LastCycle != nil {
						last = st.LastCycle.Duration.Round(time.Millisecond).String()
					}
					fmt.Fprintf(out, "%-20s  %-8s  %-6s  %-14s  %-10s  %s\n",
						st.ID, st.Type, st.Mode, st.State, last, strings.Join(st.Defective, ","))
				}
				return nil
			}

			id := args[0]
			resp, err := client.Get("/api/v1/bridges/" + id)
			if err != nil {
				return fmt.Errorf("get bridge: %w", err)
			}
			var st model.BridgeStatus
			if err := resp.decode(&st); err != nil {
				return err
			}
			fmt.Fprintf(out, "Bridge: %s\n", st.ID)
			fmt.Fprintf(out, "  Type:    %s\n", st.Type)
			fmt.Fprintf(out, "  Mode:    %s\n", st.Mode)
			fmt.Fprintf(out, "  State:   %s\n", st.State)
			fmt.Fprintf(out, "  Sources: %s\n", strings.Join(st.Sources, ", "))
			if len(st.Defective) > 0 {
				fmt.Fprintf(out, "  Defective: %s\n", strings.Join(st.Defective, ", "))
			}
			if c := st.LastCycle; c != nil {
				fmt.Fprintf(out, "  Last cycle: %s at %s (%d required, %d optional, %d writes, %d failures)\n",
					c.Duration.Round(time.Millisecond), c.StartedAt.Format(time.RFC3339),
					c.RequiredReads, c.OptionalReads, c.Writes, c.Failures)
				if c.BehindSchedule {
					fmt.Fprintln(out, "  Behind schedule")
				}
			}
			if len(st.Tasks) > 0 {
				fmt.Fprintln(out, "  Tasks:")
				for _, t := range st.Tasks {
					fmt.Fprintf(out, "    - %-30s %-9s %-16s est %s\n", t.Name, t.Kind, t.Endpoint, t.EstimatedCost)
				}
			}
			return nil
		},
	}
}
