package journal

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultQueue = 1024

type record struct {
	fill *FillRecord
	pnl  *PnLSnapshot
}

// Async queues records for a background writer so the caller never blocks
// on disk. When the queue is full the record is dropped and counted.
type Async struct {
	next    Journal
	queue   chan record
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	log     *zap.Logger
}

func NewAsync(next Journal, queue int, log *zap.Logger) *Async {
	if queue <= 0 {
		queue = defaultQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Async{
		next:  next,
		queue: make(chan record, queue),
		done:  make(chan struct{}),
		log:   log,
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for r := range a.queue {
		var err error
		switch {
		case r.fill != nil:
			err = a.next.RecordFill(*r.fill)
		case r.pnl != nil:
			err = a.next.RecordPnL(*r.pnl)
		}
		if err != nil {
			a.log.Warn("journal write failed", zap.Error(err))
		}
	}
}

func (a *Async) enqueue(r record) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- r:
	default:
		a.dropped.Add(1)
		a.log.Warn("journal queue full, record dropped")
	}
}

func (a *Async) RecordFill(f FillRecord) error {
	a.enqueue(record{fill: &f})
	return nil
}

func (a *Async) RecordPnL(p PnLSnapshot) error {
	a.enqueue(record{pnl: &p})
	return nil
}

// Dropped counts records lost to a full queue or a closed journal.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close drains the queue and closes the underlying journal.
func (a *Async) Close() error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		<-a.done
		err = a.next.Close()
	})
	return err
}
