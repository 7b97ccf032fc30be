// Package store is the candle/indicator/state store the engine persists
// through. Values are opaque bytes; callers choose the encoding.
package store

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("store: key not found")

// Store is a key/value store with channel pub/sub.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Publish delivers msg to current subscribers of channel. Slow
	// subscribers miss messages rather than block the publisher.
	Publish(ctx context.Context, channel string, msg []byte) error
	// Subscribe returns a channel of messages and a cancel func. The
	// subscription also ends when ctx is done.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	Close() error
}

// subBuffer is the per-subscriber queue depth.
const subBuffer = 256

// hub is the in-process pub/sub shared by the Memory and SQLite stores.
type hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan []byte
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[int]chan []byte)}
}

func (h *hub) publish(channel string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[channel] {
		cp := append([]byte(nil), msg...)
		select {
		case ch <- cp:
		default:
		}
	}
}

func (h *hub) subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, errors.New("store: closed")
	}
	id := h.nextID
	h.nextID++
	ch := make(chan []byte, subBuffer)
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[int]chan []byte)
	}
	h.subs[channel][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subs[channel]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
				}
				if len(subs) == 0 {
					delete(h.subs, channel)
				}
			}
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, nil
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for channel, subs := range h.subs {
		for id, c := range subs {
			close(c)
			delete(subs, id)
		}
		delete(h.subs, channel)
	}
}
