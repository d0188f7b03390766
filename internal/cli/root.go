package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/gobridge/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking BRIDGED_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("BRIDGED_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the bridged binary.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bridged",
		Short: "bridged - cyclic device bridge scheduler",
		Long:  "bridged polls and controls field devices on a fixed cycle and exposes their values over HTTP and MQTT.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "bridged API URL (or BRIDGED_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newStatusCmd(),
		newWriteCmd(),
		newReinitCmd(),
		newSetCmd(),
		newDefectiveCmd(),
		newCyclesCmd(),
		newFaultsCmd(),
		newChannelsCmd(),
	)

	return root
}
