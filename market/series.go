package market

import "time"

// DefaultCapacity bounds completed history per (symbol, timeframe).
const DefaultCapacity = 500

// revisionCapacity bounds how many past forming-candle states a series keeps
// for AsOf.
const revisionCapacity = 256

// Series holds the single forming candle and a bounded ring of completed
// candles for one (symbol, timeframe). It is not safe for concurrent use; the
// market data engine serializes access per symbol.
type Series struct {
	Key
	capacity int

	ring  []Candle
	head  int // index of the oldest candle
	count int

	forming    Candle
	hasForming bool
	lastUpdate time.Time

	// revs holds the forming candle after each applied tick, keyed by the
	// latest tick time folded in so far.
	revs     []revision
	revHead  int
	revCount int
}

type revision struct {
	at     time.Time
	candle Candle
}

func NewSeries(key Key, capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Series{
		Key:      key,
		capacity: capacity,
		ring:     make([]Candle, capacity),
		revs:     make([]revision, revisionCapacity),
	}
}

// Apply folds a tick into the series. When the tick opens a new period the
// previous forming candle is returned as completed; the new forming candle
// is only opened after the completed one has been appended to history.
func (s *Series) Apply(t Tick) (completed Candle, didComplete bool, err error) {
	start := s.Timeframe.PeriodStart(t.Time)

	if s.hasForming {
		switch {
		case start.Before(s.forming.Time):
			return Candle{}, false, ErrStaleTick
		case start.After(s.forming.Time):
			completed = s.forming
			completed.Forming = false
			s.push(completed)
			s.hasForming = false
			didComplete = true
		}
	}

	if !s.hasForming {
		s.forming = Candle{
			Symbol:    s.Symbol,
			Timeframe: s.Timeframe,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			Close:     t.Price,
			Time:      start,
			Forming:   true,
		}
		s.hasForming = true
	}

	f := &s.forming
	if t.Price > f.High {
		f.High = t.Price
	}
	if t.Price < f.Low {
		f.Low = t.Price
	}
	f.Close = t.Price
	f.Volume += t.Volume
	if t.Time.After(s.lastUpdate) {
		s.lastUpdate = t.Time
	}
	s.record(revision{at: s.lastUpdate, candle: *f})

	return completed, didComplete, nil
}

func (s *Series) push(c Candle) {
	if s.count < s.capacity {
		s.ring[(s.head+s.count)%s.capacity] = c
		s.count++
		return
	}
	// full: overwrite the oldest
	s.ring[s.head] = c
	s.head = (s.head + 1) % s.capacity
}

func (s *Series) record(r revision) {
	n := len(s.revs)
	if s.revCount < n {
		s.revs[(s.revHead+s.revCount)%n] = r
		s.revCount++
		return
	}
	s.revs[s.revHead] = r
	s.revHead = (s.revHead + 1) % n
}

// Forming returns a copy of the in-progress candle.
func (s *Series) Forming() (Candle, bool) {
	return s.forming, s.hasForming
}

// LastUpdate is the latest tick time applied.
func (s *Series) LastUpdate() time.Time { return s.lastUpdate }

// Len is the number of completed candles held.
func (s *Series) Len() int { return s.count }

func (s *Series) Capacity() int { return s.capacity }

// History returns up to count of the most recent completed candles, oldest
// first. count <= 0 returns everything held.
func (s *Series) History(count int) []Candle {
	if count <= 0 || count > s.count {
		count = s.count
	}
	out := make([]Candle, count)
	first := s.count - count
	for i := 0; i < count; i++ {
		out[i] = s.ring[(s.head+first+i)%s.capacity]
	}
	return out
}

// AsOf returns up to count completed candles (oldest first) and the
// forming candle as they stood once every tick stamped at or before at had
// been applied. Nothing in the result carries a later tick. A candle whose
// period ended by at counts as completed. When at is older than the retained
// forming revisions, only candles whose period ended by at are returned and
// there is no forming candle.
func (s *Series) AsOf(count int, at time.Time) (history []Candle, forming Candle, ok bool) {
	if s.hasForming && !s.lastUpdate.After(at) {
		return s.History(count), s.forming, true
	}

	all := s.History(0)
	n := len(all)
	if r, found := s.revisionAt(at); found && r.candle.End().After(at) {
		for n > 0 && !all[n-1].Time.Before(r.candle.Time) {
			n--
		}
		forming, ok = r.candle, true
	} else {
		for n > 0 && all[n-1].End().After(at) {
			n--
		}
	}
	all = all[:n]
	if count > 0 && len(all) > count {
		all = all[len(all)-count:]
	}
	return all, forming, ok
}

// revisionAt finds the newest forming revision stamped at or before at.
func (s *Series) revisionAt(at time.Time) (revision, bool) {
	n := len(s.revs)
	for i := s.revCount - 1; i >= 0; i-- {
		r := s.revs[(s.revHead+i)%n]
		if !r.at.After(at) {
			return r, true
		}
	}
	return revision{}, false
}

// First returns the oldest completed candle held.
func (s *Series) First() (Candle, bool) {
	if s.count == 0 {
		return Candle{}, false
	}
	return s.ring[s.head], true
}

// Last returns the most recent completed candle.
func (s *Series) Last() (Candle, bool) {
	if s.count == 0 {
		return Candle{}, false
	}
	return s.ring[(s.head+s.count-1)%s.capacity], true
}

// Restore seeds history and the forming candle, e.g. from the store after a
// restart. Candles must be oldest first.
func (s *Series) Restore(history []Candle, forming *Candle) {
	s.head, s.count = 0, 0
	s.revHead, s.revCount = 0, 0
	if len(history) > s.capacity {
		history = history[len(history)-s.capacity:]
	}
	for _, c := range history {
		c.Forming = false
		s.push(c)
	}
	s.hasForming = forming != nil
	if forming != nil {
		s.forming = *forming
		s.forming.Forming = true
	}
}
