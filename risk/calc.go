package risk

import "math"

// Inputs sizes a position so that hitting the stop loses RiskPct of equity.
type Inputs struct {
	Equity         float64
	RiskPct        float64 // 0.005
	EntryPrice     float64
	StopPrice      float64
	QuoteToAccount float64 // USD quote -> 1.0; 0 is treated as 1.0
	// LotStep is the smallest tradable quantity increment; units are
	// floored to it. 0 means whole units.
	LotStep float64
}

type Result struct {
	Units        float64
	StopDistance float64
	RiskAmount   float64
}

// Calculate returns zero units when the stop distance or risk amount is not
// positive.
func Calculate(in Inputs) Result {
	dist := math.Abs(in.EntryPrice - in.StopPrice)
	riskAmt := in.Equity * in.RiskPct
	q := in.QuoteToAccount
	if q <= 0 {
		q = 1
	}
	res := Result{StopDistance: dist, RiskAmount: riskAmt}
	if dist <= 0 || riskAmt <= 0 {
		return res
	}

	units := riskAmt / (dist * q)
	step := in.LotStep
	if step <= 0 {
		step = 1
	}
	res.Units = math.Floor(units/step+1e-9) * step
	return res
}

// PlannedRisk is the account-currency loss if the stop is hit.
func PlannedRisk(units, entry, stop, quoteToAccount float64) float64 {
	if quoteToAccount <= 0 {
		quoteToAccount = 1
	}
	return math.Abs(units) * math.Abs(entry-stop) * quoteToAccount
}

// RR is the reward/risk multiple of a trade plan.
func RR(entry, stop, takeProfit float64) float64 {
	risk := math.Abs(entry - stop)
	if risk == 0 {
		return 0
	}
	return math.Abs(takeProfit-entry) / risk
}
