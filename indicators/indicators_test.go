package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecNameAndWindow(t *testing.T) {
	tests := []struct {
		spec   Spec
		name   string
		window int
	}{
		{Spec{Kind: SMA, Period: 20}, "SMA(20)", 20},
		{Spec{Kind: "EMA", Period: 9}, "EMA(9)", 9},
		{Spec{Kind: RSI, Period: 14}, "RSI(14)", 15},
		{Spec{Kind: ATR, Period: 14}, "ATR(14)", 15},
		{Spec{Kind: ADX, Period: 14}, "ADX(14)", 29},
		{Spec{Kind: BBands, Period: 20}, "BBANDS(20,2)", 20},
		{Spec{Kind: MACD}, "MACD(12,26,9)", 34},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.spec.Validate())
			assert.Equal(t, tt.name, tt.spec.Name())
			assert.Equal(t, tt.window, tt.spec.MinWindow())
		})
	}
}

func TestSpecValidate(t *testing.T) {
	assert.Error(t, Spec{Kind: SMA}.Validate())
	assert.Error(t, Spec{Kind: "vwap", Period: 3}.Validate())
	assert.Error(t, Spec{Kind: MACD, Fast: 26, Slow: 12}.Validate())
}

func TestComputeInsufficientHistory(t *testing.T) {
	_, err := Compute(Spec{Kind: SMA, Period: 5}, closes(1, 2, 3))
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	_, err = Compute(Spec{Kind: RSI, Period: 3}, closes(1, 2, 3))
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestComputeStreamingKinds(t *testing.T) {
	candles := closes(1, 2, 3, 4, 5)
	v, err := Compute(Spec{Kind: SMA, Period: 5}, candles)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v.Value)
	assert.Equal(t, "ETHUSD", v.Symbol)
	assert.Equal(t, candles[4].Time, v.Time)
	assert.Equal(t, "SMA(5)", v.Name)
}

func TestComputeRSIRisingMarket(t *testing.T) {
	v, err := Compute(Spec{Kind: RSI, Period: 5}, closes(1, 2, 3, 4, 5, 6, 7, 8))
	require.NoError(t, err)
	assert.InDelta(t, 100.0, v.Value, 0.001)
}

func TestComputeBBands(t *testing.T) {
	candles := closes(10, 12, 11, 13, 12, 14, 13, 15)
	v, err := Compute(Spec{Kind: BBands, Period: 4}, candles)
	require.NoError(t, err)

	sma, err := MA(candles, 4)
	require.NoError(t, err)
	assert.InDelta(t, sma, v.Lines["middle"], 1e-9)
	assert.Greater(t, v.Lines["upper"], v.Lines["middle"])
	assert.Less(t, v.Lines["lower"], v.Lines["middle"])
}

func TestComputeMACD(t *testing.T) {
	vals := make([]float64, 60)
	for i := range vals {
		vals[i] = 100 + float64(i)
	}
	v, err := Compute(Spec{Kind: MACD}, closes(vals...))
	require.NoError(t, err)
	assert.Greater(t, v.Lines["macd"], 0.0)
	assert.InDelta(t, v.Lines["macd"]-v.Lines["signal"], v.Lines["hist"], 1e-9)
}
