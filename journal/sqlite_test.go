package journal

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/algotrader/trading"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	j, err := NewSQLite(path)
	require.NoError(t, err)
	return j, path
}

var t0 = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func fill(id string, at time.Time) FillRecord {
	return FillRecord{
		TradeID: id, OrderID: "ord_1", Account: "acct", Mode: trading.Paper,
		InstanceID: "ins_1", Symbol: "BTCUSD", Side: trading.Buy,
		Quantity: 0.5, Price: 2402.4, Commission: 1.2, Time: at,
	}
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('fills','pnl')`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())

	assert.True(t, found["fills"])
	assert.True(t, found["pnl"])
}

func TestSQLiteRecordFillIdempotent(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()

	rec := fill("T1", t0)
	require.NoError(t, j.RecordFill(rec))
	again := rec
	again.Price = 1
	require.NoError(t, j.RecordFill(again))

	got, err := j.GetFill("T1")
	require.NoError(t, err)
	assert.Equal(t, rec.Price, got.Price)
	assert.Equal(t, trading.Paper, got.Mode)
	assert.Equal(t, trading.Buy, got.Side)
	assert.True(t, rec.Time.Equal(got.Time))

	_, err = j.GetFill("missing")
	assert.Error(t, err)
}

func TestSQLiteListFillsBetween(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()

	for i, id := range []string{"A", "B", "C"} {
		require.NoError(t, j.RecordFill(fill(id, t0.Add(time.Duration(i)*time.Hour))))
	}

	got, err := j.ListFillsBetween(t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].TradeID)
	assert.Equal(t, "B", got[1].TradeID)
}

func TestSQLiteListPnL(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()

	require.NoError(t, j.RecordPnL(PnLSnapshot{Time: t0, Account: "acct", Mode: trading.Paper, Realized: -10, Unrealized: -5, CurrentLoss: 15}))
	require.NoError(t, j.RecordPnL(PnLSnapshot{Time: t0, Account: "acct", Mode: trading.Live, Realized: 3}))

	got, err := j.ListPnL("acct", trading.Paper, t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 15.0, got[0].CurrentLoss)
	assert.Equal(t, trading.Paper, got[0].Mode)
}
