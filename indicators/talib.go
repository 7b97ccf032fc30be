package indicators

import "github.com/markcheno/go-talib"

// Window indicators are delegated to go-talib. Callers guarantee len(closes)
// is at least the spec's MinWindow, so the last element is always past the
// lookback.

func rsi(closes []float64, period int) float64 {
	out := talib.Rsi(closes, period)
	return out[len(out)-1]
}

func bbands(closes []float64, period int, dev float64) (upper, middle, lower float64) {
	up, mid, dn := talib.BBands(closes, period, dev, dev, talib.SMA)
	n := len(closes) - 1
	return up[n], mid[n], dn[n]
}

func macd(closes []float64, fast, slow, signal int) (line, sig, hist float64) {
	m, s, h := talib.Macd(closes, fast, slow, signal)
	n := len(closes) - 1
	return m[n], s[n], h[n]
}
