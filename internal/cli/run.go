package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/me/gobridge/internal/config"
	"github.com/me/gobridge/internal/logging"
)

// loadConfig reads the config file and .env, then applies command-line
// overrides for flags the user set explicitly.
func loadConfig(cmd *cobra.Command, path, envFile string) (config.Config, error) {
	cfg, err := config.Load(path, envFile)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("db") {
		cfg.Server.DBPath, _ = flags.GetString("db")
	}
	if flags.Changed("log-level") || flagDebug {
		cfg.Server.LogLevel = flagLogLevel
	}
	if flags.Changed("log-format") {
		cfg.Server.LogFormat = flagLogFormat
	}
	return cfg, nil
}

// formatProblems renders a combined validation error one problem per line.
func formatProblems(err error) string {
	var out string
	for _, e := range multierr.Errors(err) {
		out += "  - " + e.Error() + "\n"
	}
	return out
}

func newRunCmd() *cobra.Command {
	var cfgPath, envFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge daemon",
		Long: `Runs every configured bridge against a shared cycle coordinator and serves
the HTTP API. Settings are read from the YAML config file, then the .env file
and BRIDGED_* environment variables, then command-line flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, cfgPath, envFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%s", formatProblems(err))
			}

			logger := logging.NewLogger(logging.ParseLevel(cfg.Server.LogLevel), cfg.Server.LogFormat)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("bridged starting", "bridges", len(cfg.Bridges), "period", cfg.Cycle.Period)
			return runDaemon(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to .env file (ignored when missing)")
	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	cmd.Flags().String("db", "", "Database path (default ~/.gobridge/bridged.db, :memory: for testing)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var cfgPath, envFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file and compile every bridge without starting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, cfgPath, envFile)
			if err != nil {
				return err
			}
			err = cfg.Validate()
			if err == nil {
				err = buildOnly(cfg)
			}
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration has %d problem(s):\n%s", len(multierr.Errors(err)), formatProblems(err))
				return fmt.Errorf("invalid configuration")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK: %d bridge(s), period %v, required time %v\n",
				len(cfg.Bridges), cfg.Cycle.Period, cfg.Cycle.RequiredTime)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to .env file (ignored when missing)")
	return cmd
}
