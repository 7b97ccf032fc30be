package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticMapping(t *testing.T) {
	m := NewStatic("BTCUSD")
	require.NoError(t, m.Add("oanda", "EURUSD", "EUR_USD"))

	got, err := m.ToBroker("eurusd", "oanda")
	require.NoError(t, err)
	assert.Equal(t, "EUR_USD", got)

	got, err = m.ToBroker("BTCUSD", "oanda")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSD", got)

	std, err := m.ToStandard("EUR_USD", "oanda")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", std)

	_, err = m.ToBroker("DOGEUSD", "oanda")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	_, err = m.ToStandard("XXX_YYY", "oanda")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	assert.False(t, m.Known(""))
}

func TestPermissive(t *testing.T) {
	m := Permissive()
	assert.True(t, m.Known("anything"))
	assert.False(t, m.Known("  "))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbols: [BTCUSD, ETHUSD]
brokers:
  binance:
    BTCUSD: BTCUSDT
`), 0o644))

	m, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, m.Known("ETHUSD"))

	b, err := m.ToBroker("BTCUSD", "binance")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", b)
}
