// Package events fans engine activity out to observers: the store's pub/sub
// channels and external sinks such as Kafka. Nothing on the trading path
// waits for an observer.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/trading"
)

type Kind string

const (
	CandleCompleted  Kind = "candle.completed"
	IndicatorUpdated Kind = "indicator.updated"
	OrderUpdated     Kind = "order.updated"
	OrderFilled      Kind = "order.filled"
	PositionUpdated  Kind = "position.updated"
	RiskUpdated      Kind = "risk.updated"
	RiskBreached     Kind = "risk.breached"
	InstanceState    Kind = "instance.state"
	FeedDown         Kind = "feed.down"
	FeedRestored     Kind = "feed.restored"
	BrokerDown       Kind = "broker.down"
	BrokerRestored   Kind = "broker.restored"
	Escalation       Kind = "escalation"
)

type Event struct {
	Kind    Kind         `json:"kind"`
	Time    time.Time    `json:"time"`
	Account string       `json:"account,omitempty"`
	Mode    trading.Mode `json:"mode,omitempty"`
	Payload any          `json:"payload,omitempty"`
}

// Bus is a non-blocking broadcast. A subscriber whose buffer is full misses
// the event; the drop is counted.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool

	dropped atomic.Uint64
	log     *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{subs: make(map[int]chan Event), log: log}
}

// Publish stamps e with the current time if unset and delivers it.
// A nil Bus discards events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if n := b.dropped.Add(1); n&(n-1) == 0 {
				b.log.Warn("event subscriber lagging", zap.String("kind", string(e.Kind)), zap.Uint64("dropped", n))
			}
		}
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1024
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, c := range b.subs {
		close(c)
		delete(b.subs, id)
	}
}

// Sink receives events forwarded from the bus.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Forward pumps events from the bus into sink until ctx is done or the bus
// closes. Send errors are logged and the event skipped.
func Forward(ctx context.Context, bus *Bus, sink Sink, log *zap.Logger) error {
	ch, cancel := bus.Subscribe(0)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sink.Send(ctx, e); err != nil {
				log.Warn("event sink send failed", zap.String("kind", string(e.Kind)), zap.Error(err))
			}
		}
	}
}
