package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a candle period such as "1m" or "4h".
type Timeframe string

const (
	M1  Timeframe = "1m"
	M5  Timeframe = "5m"
	M15 Timeframe = "15m"
	M30 Timeframe = "30m"
	H1  Timeframe = "1h"
	H4  Timeframe = "4h"
	D1  Timeframe = "1d"
)

var durations = map[Timeframe]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D1:  24 * time.Hour,
}

// aliases accepts the OANDA/MetaTrader spelling as well.
var aliases = map[string]Timeframe{
	"M1":  M1,
	"M5":  M5,
	"M15": M15,
	"M30": M30,
	"H1":  H1,
	"H4":  H4,
	"D1":  D1,
}

// ParseTimeframe accepts "1m".."1d" and "M1".."D1".
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	if tf, ok := aliases[strings.ToUpper(s)]; ok {
		return tf, nil
	}
	tf := Timeframe(strings.ToLower(s))
	if _, ok := durations[tf]; ok {
		return tf, nil
	}
	return "", fmt.Errorf("unsupported timeframe: %q", s)
}

// Duration returns the period length, or 0 for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration { return durations[tf] }

func (tf Timeframe) Valid() bool { return tf.Duration() > 0 }

// PeriodStart returns the UTC start of the period containing t.
func (tf Timeframe) PeriodStart(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

func (tf Timeframe) String() string { return string(tf) }
