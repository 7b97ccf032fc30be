package marketdata

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/store"
)

// writer takes forming-candle and indicator writes off the tick path. Only
// the latest value per key is kept, so the backlog is bounded by the number
// of series and watched indicators.
type writer struct {
	store store.Store
	log   *zap.Logger

	mu      sync.Mutex
	pending map[string][]byte
	closed  bool

	// wmu orders batches so a newer value never lands before an older one.
	wmu  sync.Mutex
	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newWriter(st store.Store, log *zap.Logger) *writer {
	w := &writer{
		store:   st,
		log:     log,
		pending: make(map[string][]byte),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) put(key string, val []byte) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.set(key, val)
		return
	}
	w.pending[key] = val
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			w.flush()
			return
		case <-w.wake:
			w.flush()
		}
	}
}

// flush writes everything queued so far.
func (w *writer) flush() {
	w.wmu.Lock()
	defer w.wmu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string][]byte, len(batch))
	w.mu.Unlock()

	for k, v := range batch {
		w.set(k, v)
	}
}

func (w *writer) set(key string, val []byte) {
	if err := w.store.Set(context.Background(), key, val); err != nil {
		w.log.Warn("store write failed", zap.String("key", key), zap.Error(err))
	}
}

func (w *writer) close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.quit)
		<-w.done
	})
}
