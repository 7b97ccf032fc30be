package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/algotrader/journal"
	"github.com/rustyeddy/algotrader/trading"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the fill journal",
	Long: `Query and display fills and P&L snapshots from the SQLite journal.

Subcommands:
  fill   - Get details of a specific fill by trade id
  today  - List fills executed today
  day    - List fills executed on a specific day
  pnl    - List P&L snapshots of an account for a day

Examples:
  algotrader journal fill <trade-id>
  algotrader journal today
  algotrader journal day 2025-01-15
  algotrader journal pnl sim paper 2025-01-15`,
}

var journalFillCmd = &cobra.Command{
	Use:   "fill <trade-id>",
	Short: "Get details of a specific fill",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalFill,
}

var journalTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "List fills executed today",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listFills(time.Now().In(time.Local).Format("2006-01-02"))
	},
}

var journalDayCmd = &cobra.Command{
	Use:   "day <YYYY-MM-DD>",
	Short: "List fills executed on a specific day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listFills(args[0])
	},
}

var journalPnLCmd = &cobra.Command{
	Use:   "pnl <account> <paper|live> <YYYY-MM-DD>",
	Short: "List P&L snapshots of an account for a day",
	Args:  cobra.ExactArgs(3),
	RunE:  runJournalPnL,
}

var (
	journalDBPath string
	journalOrg    bool
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalFillCmd)
	journalCmd.AddCommand(journalTodayCmd)
	journalCmd.AddCommand(journalDayCmd)
	journalCmd.AddCommand(journalPnLCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./algotrader.sqlite", "path to SQLite journal DB")
	journalCmd.PersistentFlags().BoolVar(&journalOrg, "org", false, "print fills as Org-mode blocks")
}

func runJournalFill(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	rec, err := j.GetFill(args[0])
	if err != nil {
		return fmt.Errorf("get fill: %w", err)
	}
	return printFills([]journal.FillRecord{rec})
}

func listFills(day string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	start, end, err := dayBounds(time.Local, day)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	recs, err := j.ListFillsBetween(start, end)
	if err != nil {
		return fmt.Errorf("query fills: %w", err)
	}
	return printFills(recs)
}

func runJournalPnL(cmd *cobra.Command, args []string) error {
	mode, err := trading.ParseMode(args[1])
	if err != nil {
		return err
	}
	start, end, err := dayBounds(time.Local, args[2])
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}

	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	snaps, err := j.ListPnL(args[0], mode, start, end)
	if err != nil {
		return fmt.Errorf("query pnl: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tREALIZED\tUNREALIZED\tLOSS")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\n", s.Time.Format(time.RFC3339), s.Realized, s.Unrealized, s.CurrentLoss)
	}
	return w.Flush()
}

func printFills(recs []journal.FillRecord) error {
	if journalOrg {
		fmt.Println(journal.FormatFillsOrg(recs))
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTRADE\tACCOUNT\tMODE\tINSTANCE\tSYMBOL\tSIDE\tQTY\tPRICE\tCOMMISSION")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.4f\t%.5f\t%.4f\n",
			r.Time.Format(time.RFC3339), r.TradeID, r.Account, r.Mode, r.InstanceID,
			r.Symbol, r.Side, r.Quantity, r.Price, r.Commission)
	}
	return w.Flush()
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.Add(24 * time.Hour)
	return start, end, nil
}
