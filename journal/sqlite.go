package journal

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

// RecordFill ignores a trade id that is already journaled.
func (j *SQLite) RecordFill(f FillRecord) error {
	_, err := j.db.Exec(`
		INSERT OR IGNORE INTO fills
		(trade_id, order_id, account, mode, instance_id, symbol, side, quantity, price, commission, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.TradeID, f.OrderID, f.Account, string(f.Mode), f.InstanceID, f.Symbol,
		string(f.Side), f.Quantity, f.Price, f.Commission, f.Time.UTC(),
	)
	return err
}

func (j *SQLite) RecordPnL(p PnLSnapshot) error {
	_, err := j.db.Exec(`
		INSERT INTO pnl
		(time, account, mode, realized, unrealized, current_loss)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Time.UTC(), p.Account, string(p.Mode), p.Realized, p.Unrealized, p.CurrentLoss,
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
