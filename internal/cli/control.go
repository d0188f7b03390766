package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <bridge_id>",
		Short: "Trigger the write phase of a bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Post("/api/v1/bridges/"+args[0]+"/write", nil); err != nil {
				return fmt.Errorf("trigger write: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Write triggered: %s\n", args[0])
			return nil
		},
	}
}

func newReinitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reinit <bridge_id>",
		Short: "Reinitialize the protocol of a bridge before its next cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Post("/api/v1/bridges/"+args[0]+"/reinitialize", nil); err != nil {
				return fmt.Errorf("reinitialize: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reinitialize requested: %s\n", args[0])
			return nil
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <device> <channel> <value>",
		Short: "Queue a setpoint for the next write phase",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[2], err)
			}
			resp, err := client.Put("/api/v1/channels/"+args[0]+"/"+args[1], map[string]any{"value": v})
			if err != nil {
				return fmt.Errorf("set %s/%s: %w", args[0], args[1], err)
			}
			var data struct {
				Bridge string `json:"bridge"`
			}
			if err := resp.decode(&data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Setpoint queued: %s/%s = %v (bridge %s)\n", args[0], args[1], v, data.Bridge)
			return nil
		},
	}
}

func newDefectiveCmd() *cobra.Command {
	var mark, clear string

	cmd := &cobra.Command{
		Use:   "defective <bridge_id>",
		Short: "List, flag or clear defective endpoints of a bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := "/api/v1/bridges/" + args[0] + "/defective"
			var (
				resp *apiResponse
				err  error
			)
			switch {
			case mark != "" && clear != "":
				return fmt.Errorf("--mark and --clear are mutually exclusive")
			case mark != "":
				resp, err = client.Put(base+"/"+mark, nil)
			case clear != "":
				resp, err = client.Delete(base + "/" + clear)
			default:
				resp, err = client.Get(base)
			}
			if err != nil {
				return fmt.Errorf("defective endpoints: %w", err)
			}

			var data struct {
				Defective []string `json:"defective"`
			}
			if err := resp.decode(&data); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(data.Defective) == 0 {
				fmt.Fprintln(out, "No defective endpoints.")
				return nil
			}
			fmt.Fprintf(out, "Defective: %s\n", strings.Join(data.Defective, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&mark, "mark", "", "Flag an endpoint as defective")
	cmd.Flags().StringVar(&clear, "clear", "", "Clear a defective endpoint")
	return cmd
}
