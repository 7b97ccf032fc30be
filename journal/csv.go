package journal

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"
)

// CSV writes fills and P&L snapshots to two files.
type CSV struct {
	fills  *csv.Writer
	pnl    *csv.Writer
	ff, pf *os.File
}

var (
	fillHeader = []string{"trade_id", "order_id", "account", "mode", "instance_id", "symbol", "side", "quantity", "price", "commission", "time"}
	pnlHeader  = []string{"time", "account", "mode", "realized", "unrealized", "current_loss"}
)

func NewCSV(fillsPath, pnlPath string) (*CSV, error) {
	ff, err := os.Create(fillsPath)
	if err != nil {
		return nil, err
	}
	pf, err := os.Create(pnlPath)
	if err != nil {
		_ = ff.Close()
		return nil, err
	}

	j := &CSV{fills: csv.NewWriter(ff), pnl: csv.NewWriter(pf), ff: ff, pf: pf}
	if err := j.write(j.fills, fillHeader); err != nil {
		return nil, err
	}
	if err := j.write(j.pnl, pnlHeader); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *CSV) write(w *csv.Writer, rec []string) error {
	if err := w.Write(rec); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (j *CSV) RecordFill(r FillRecord) error {
	return j.write(j.fills, []string{
		r.TradeID,
		r.OrderID,
		r.Account,
		string(r.Mode),
		r.InstanceID,
		r.Symbol,
		string(r.Side),
		f(r.Quantity),
		f(r.Price),
		f(r.Commission),
		r.Time.UTC().Format(time.RFC3339Nano),
	})
}

func (j *CSV) RecordPnL(p PnLSnapshot) error {
	return j.write(j.pnl, []string{
		p.Time.UTC().Format(time.RFC3339Nano),
		p.Account,
		string(p.Mode),
		f(p.Realized),
		f(p.Unrealized),
		f(p.CurrentLoss),
	})
}

func (j *CSV) Close() error {
	j.fills.Flush()
	if err := j.fills.Error(); err != nil {
		return err
	}
	j.pnl.Flush()
	if err := j.pnl.Error(); err != nil {
		return err
	}

	if err := j.ff.Close(); err != nil {
		return err
	}
	return j.pf.Close()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
