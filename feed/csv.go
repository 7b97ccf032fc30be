package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/symbols"
)

// CSV replays ticks from a file.
//
// Formats supported, with or without a header row:
//
//  1. time,symbol,price[,volume]
//  2. time,instrument,bid,ask  (mid price is used)
//
// A header row names the columns and may order them freely. Without one,
// three columns mean format 1 and four or more mean format 2. Times are
// RFC3339.
type CSV struct {
	Path string
	// Speed scales the recorded gaps between ticks; 0 replays as fast as
	// the handler accepts them.
	Speed   float64
	Symbols symbols.Mapper
	// Broker names the spelling used in the file, e.g. "oanda".
	Broker string
}

func (c *CSV) Name() string { return "csv:" + c.Path }

type columns struct {
	time, symbol, price, bid, ask, volume int
}

var (
	priceColumns = columns{time: 0, symbol: 1, price: 2, bid: -1, ask: -1, volume: 3}
	quoteColumns = columns{time: 0, symbol: 1, price: -1, bid: 2, ask: 3, volume: -1}
)

func headerColumns(row []string) (columns, bool) {
	if len(row) == 0 || !strings.EqualFold(strings.TrimSpace(row[0]), "time") {
		return columns{}, false
	}
	cols := columns{time: -1, symbol: -1, price: -1, bid: -1, ask: -1, volume: -1}
	for i, name := range row {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "time", "timestamp":
			cols.time = i
		case "symbol", "instrument":
			cols.symbol = i
		case "price", "last":
			cols.price = i
		case "bid":
			cols.bid = i
		case "ask":
			cols.ask = i
		case "volume", "qty", "size":
			cols.volume = i
		}
	}
	return cols, true
}

// Run reads the whole file. It returns nil at end of data.
func (c *CSV) Run(ctx context.Context, h Handler) error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.replay(ctx, f, h)
}

func (c *CSV) replay(ctx context.Context, rd io.Reader, h Handler) error {
	r := csv.NewReader(rd)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	first, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}

	cols, hasHeader := headerColumns(first)
	if hasHeader {
		if cols.time < 0 || cols.symbol < 0 || (cols.price < 0 && (cols.bid < 0 || cols.ask < 0)) {
			return fmt.Errorf("csv header needs time, symbol and price or bid/ask: %v", first)
		}
	} else {
		cols = priceColumns
		if len(first) >= 4 {
			cols = quoteColumns
		}
	}

	var last time.Time
	emit := func(row []string, line int) error {
		t, err := c.parse(row, cols)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if c.Speed > 0 && !last.IsZero() && t.Time.After(last) {
			wait := time.Duration(float64(t.Time.Sub(last)) / c.Speed)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		last = t.Time
		return h(ctx, t)
	}

	line := 1
	if !hasHeader {
		if err := emit(first, line); err != nil {
			return err
		}
	}
	for {
		row, err := r.Read()
		line++
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(row, line); err != nil {
			return err
		}
	}
}

func (c *CSV) parse(row []string, cols columns) (market.Tick, error) {
	field := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	num := func(name string, i int) (float64, error) {
		v, err := strconv.ParseFloat(field(i), 64)
		if err != nil {
			return 0, fmt.Errorf("bad %s %q: %w", name, field(i), err)
		}
		return v, nil
	}

	ts, err := time.Parse(time.RFC3339Nano, field(cols.time))
	if err != nil {
		return market.Tick{}, fmt.Errorf("bad time %q: %w", field(cols.time), err)
	}
	sym := field(cols.symbol)
	if sym == "" {
		return market.Tick{}, errors.New("empty symbol")
	}

	t := market.Tick{Symbol: standard(c.Symbols, c.Broker, sym), Time: ts.UTC()}
	if cols.price >= 0 && field(cols.price) != "" {
		if t.Price, err = num("price", cols.price); err != nil {
			return market.Tick{}, err
		}
	} else {
		bid, err := num("bid", cols.bid)
		if err != nil {
			return market.Tick{}, err
		}
		ask, err := num("ask", cols.ask)
		if err != nil {
			return market.Tick{}, err
		}
		t.Price = (bid + ask) / 2
	}
	if cols.volume >= 0 && field(cols.volume) != "" {
		if t.Volume, err = num("volume", cols.volume); err != nil {
			return market.Tick{}, err
		}
	}
	return t, nil
}
