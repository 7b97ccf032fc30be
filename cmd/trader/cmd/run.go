package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/algotrader/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine from a config file",
	Long: `Run the trading engine using settings from a configuration file.

The config file selects the tick feed, the live broker accounts, the
store and journal, and the strategy instances to activate on first start.
Instances saved by a previous run come back paused.

Example:
  algotrader run -f engine.yaml`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	src, err := a.source()
	if err != nil {
		return err
	}
	return a.run(ctx, src)
}
