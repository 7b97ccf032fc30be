package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/algotrader/trading"
)

const fillColumns = `trade_id, order_id, account, mode, instance_id, symbol, side, quantity, price, commission, time`

type scanner interface {
	Scan(dest ...any) error
}

func scanFill(s scanner) (FillRecord, error) {
	var (
		rec        FillRecord
		mode, side string
	)
	err := s.Scan(
		&rec.TradeID,
		&rec.OrderID,
		&rec.Account,
		&mode,
		&rec.InstanceID,
		&rec.Symbol,
		&side,
		&rec.Quantity,
		&rec.Price,
		&rec.Commission,
		&rec.Time,
	)
	rec.Mode = trading.Mode(mode)
	rec.Side = trading.Side(side)
	return rec, err
}

// GetFill returns a single fill by trade id.
func (j *SQLite) GetFill(tradeID string) (FillRecord, error) {
	row := j.db.QueryRow(`SELECT `+fillColumns+` FROM fills WHERE trade_id = ?`, tradeID)
	rec, err := scanFill(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FillRecord{}, fmt.Errorf("fill %q not found", tradeID)
		}
		return FillRecord{}, err
	}
	return rec, nil
}

// ListFillsBetween returns fills whose time is within [start, end), oldest
// first.
func (j *SQLite) ListFillsBetween(start, end time.Time) ([]FillRecord, error) {
	rows, err := j.db.Query(`
		SELECT `+fillColumns+`
		FROM fills
		WHERE time >= ? AND time < ?
		ORDER BY time ASC, trade_id ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		rec, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPnL returns the snapshots of (account, mode) within [start, end).
func (j *SQLite) ListPnL(account string, mode trading.Mode, start, end time.Time) ([]PnLSnapshot, error) {
	rows, err := j.db.Query(`
		SELECT time, account, mode, realized, unrealized, current_loss
		FROM pnl
		WHERE account = ? AND mode = ? AND time >= ? AND time < ?
		ORDER BY time ASC`, account, string(mode), start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PnLSnapshot
	for rows.Next() {
		var (
			rec PnLSnapshot
			m   string
		)
		if err := rows.Scan(&rec.Time, &rec.Account, &m, &rec.Realized, &rec.Unrealized, &rec.CurrentLoss); err != nil {
			return nil, err
		}
		rec.Mode = trading.Mode(m)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
