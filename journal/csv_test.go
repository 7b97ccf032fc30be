package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/algotrader/trading"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	rows, err := csv.NewReader(fh).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fillsPath := filepath.Join(dir, "fills.csv")
	pnlPath := filepath.Join(dir, "pnl.csv")

	j, err := NewCSV(fillsPath, pnlPath)
	require.NoError(t, err)
	require.NoError(t, j.RecordFill(fill("T1", t0)))
	require.NoError(t, j.RecordPnL(PnLSnapshot{Time: t0, Account: "acct", Mode: trading.Paper, Realized: 1.5}))
	require.NoError(t, j.Close())

	fills := readCSV(t, fillsPath)
	require.Len(t, fills, 2)
	assert.Equal(t, fillHeader, fills[0])
	assert.Equal(t, "T1", fills[1][0])
	assert.Equal(t, "2402.400000", fills[1][8])
	assert.Equal(t, "2025-01-02T03:04:05Z", fills[1][10])

	pnl := readCSV(t, pnlPath)
	require.Len(t, pnl, 2)
	assert.Equal(t, pnlHeader, pnl[0])
	assert.Equal(t, "1.500000", pnl[1][3])
}
