package oanda

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/symbols"
)

// Granularity represents the time frame for candles
type Granularity string

var granularities = map[market.Timeframe]Granularity{
	market.M1:  "M1",
	market.M5:  "M5",
	market.M15: "M15",
	market.M30: "M30",
	market.H1:  "H1",
	market.H4:  "H4",
	market.D1:  "D",
}

// GranularityOf maps a timeframe to OANDA's spelling.
func GranularityOf(tf market.Timeframe) (Granularity, error) {
	g, ok := granularities[tf]
	if !ok {
		return "", fmt.Errorf("no OANDA granularity for %q", tf)
	}
	return g, nil
}

// candleData represents the OHLC data in the API response
type candleData struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type apiCandle struct {
	Complete bool       `json:"complete"`
	Volume   int        `json:"volume"`
	Time     string     `json:"time"`
	Mid      candleData `json:"mid"`
}

type candlesResponse struct {
	Instrument  string      `json:"instrument"`
	Granularity string      `json:"granularity"`
	Candles     []apiCandle `json:"candles"`
}

// Candles fetches the most recent completed mid-price candles for
// instrument, oldest first. symbol is the standard spelling stamped on the
// result.
func (c *Client) Candles(ctx context.Context, instrument, symbol string, tf market.Timeframe, count int) ([]market.Candle, error) {
	if instrument == "" {
		return nil, fmt.Errorf("instrument is required")
	}
	if count <= 0 || count > 5000 {
		return nil, fmt.Errorf("count must be 1..5000, got %d", count)
	}
	g, err := GranularityOf(tf)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("price", "M")
	params.Set("granularity", string(g))
	params.Set("count", strconv.Itoa(count))
	path := fmt.Sprintf("/v3/instruments/%s/candles?%s", url.PathEscape(instrument), params.Encode())

	var resp candlesResponse
	if _, _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(resp.Candles))
	for _, ac := range resp.Candles {
		// Skip incomplete candles
		if !ac.Complete {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, ac.Time)
		if err != nil {
			return nil, fmt.Errorf("parse time %s: %w", ac.Time, err)
		}
		var ohlc [4]float64
		for i, s := range []string{ac.Mid.O, ac.Mid.H, ac.Mid.L, ac.Mid.C} {
			if ohlc[i], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, fmt.Errorf("parse price %q: %w", s, err)
			}
		}
		candles = append(candles, market.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Open:      ohlc[0],
			High:      ohlc[1],
			Low:       ohlc[2],
			Close:     ohlc[3],
			Volume:    float64(ac.Volume),
			Time:      tf.PeriodStart(t),
		})
	}
	return candles, nil
}

// Instrument spells a six letter currency pair the OANDA way: EURUSD
// becomes EUR_USD. Anything else is returned unchanged.
func Instrument(symbol string) string {
	if len(symbol) == 6 && !strings.Contains(symbol, "_") {
		return symbol[:3] + "_" + symbol[3:]
	}
	return symbol
}

// History serves completed candles by standard symbol.
type History struct {
	Client  *Client
	Symbols symbols.Mapper
}

func (h History) Candles(ctx context.Context, symbol string, tf market.Timeframe, count int) ([]market.Candle, error) {
	inst := symbol
	if h.Symbols != nil {
		if b, err := h.Symbols.ToBroker(symbol, Name); err == nil {
			inst = b
		}
	}
	return h.Client.Candles(ctx, Instrument(inst), symbol, tf, count)
}
