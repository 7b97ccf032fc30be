package events

import (
	"context"
	"encoding/json"

	"github.com/rustyeddy/algotrader/store"
)

// StoreSink republishes events on the store's pub/sub, one channel per
// kind: "events.<kind>".
type StoreSink struct {
	Store store.Store
}

func Channel(k Kind) string { return "events." + string(k) }

func (s StoreSink) Send(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.Store.Publish(ctx, Channel(e.Kind), b)
}
