// Package feed delivers ticks to the engine from a replay file or a live
// stream, reconnecting live streams with bounded retry.
package feed

import (
	"context"
	"strings"

	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/symbols"
)

// Handler receives ticks in arrival order. A returned error ends the feed.
type Handler func(ctx context.Context, t market.Tick) error

// Source produces ticks until ctx is done, the data runs out, or the source
// gives up.
type Source interface {
	Name() string
	Run(ctx context.Context, h Handler) error
}

// Hooks are called from the feed's goroutine.
type Hooks struct {
	// OnDown fires when an established stream is lost.
	OnDown func(source string, err error)
	// OnRestored fires after a successful reconnect.
	OnRestored func(source string)
	// OnEscalate fires when reconnect attempts are exhausted.
	OnEscalate func(source string, err error)
}

var separators = strings.NewReplacer("_", "", "/", "", "-", "")

// standard converts a source symbol to the standard spelling. Standard
// symbols carry no separators, so EUR_USD becomes EURUSD.
func standard(m symbols.Mapper, broker, sym string) string {
	sym = strings.TrimSpace(sym)
	if m != nil && broker != "" {
		if s, err := m.ToStandard(sym, broker); err == nil {
			sym = s
		}
	}
	return strings.ToUpper(separators.Replace(sym))
}
