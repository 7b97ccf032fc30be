package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/algotrader/logging"
	"github.com/rustyeddy/algotrader/trading"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical tick data from CSV",
	Long: `Replay ticks from a CSV file through the engine and print the resulting
paper positions and P&L per account.

The config file supplies the instances; the tick file replaces its feed.
Instances run against a fresh in-memory store.

Examples:
  algotrader replay -f engine.yaml -t data/eurusd.csv
  algotrader replay -f engine.yaml -t data/btc.csv --speed 10`,
	RunE: runReplay,
}

var (
	replayTicksPath string
	replaySpeed     float64
	replayBroker    string
)

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVarP(&replayTicksPath, "ticks", "t", "", "CSV file of ticks (required)")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "replay speed multiplier; 0 replays as fast as possible")
	replayCmd.Flags().StringVar(&replayBroker, "broker", "", "broker spelling of the symbols in the file, e.g. oanda")
	_ = replayCmd.MarkFlagRequired("ticks")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Store.Type, cfg.Store.Path = "memory", ""
	cfg.Live.Accounts = nil
	cfg.Feed.Type = "csv"
	cfg.Feed.CSV.Path, cfg.Feed.CSV.Speed, cfg.Feed.CSV.Broker = replayTicksPath, replaySpeed, replayBroker
	cfg.Feed.Backfill.Count = 0
	for i := range cfg.Instances {
		cfg.Instances[i].Mode = trading.Paper
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
	fmt.Printf("Replaying ticks from: %s\n", replayTicksPath)
	if err := a.run(ctx, src); err != nil {
		return fmt.Errorf("replay error: %w", err)
	}

	accounts := make(map[string]bool)
	for _, info := range a.engine.Instances() {
		accounts[info.Config.Account] = true
	}
	names := make([]string, 0, len(accounts))
	for n := range accounts {
		names = append(names, n)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, acct := range names {
		st := a.engine.RiskState(acct, trading.Paper)
		fmt.Fprintf(w, "\nAccount %s\tRealized %.2f\tUnrealized %.2f\tOrders %d\n",
			acct, st.Realized, st.Unrealized, len(a.engine.Orders(acct, trading.Paper)))
		for _, p := range a.engine.Positions(acct, trading.Paper) {
			fmt.Fprintf(w, "  %s\t%s\t%s %.4f @ %.5f\tU/R %.2f\n",
				p.InstanceID, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.UnrealizedPnL)
		}
	}
	return w.Flush()
}
