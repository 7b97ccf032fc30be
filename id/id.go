// Package id generates time-sortable identifiers for instances, orders,
// positions and simulated trades.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes keep ids self-describing in logs and journal rows.
const (
	Instance = "ins"
	Order    = "ord"
	Position = "pos"
	Trade    = "trd"
)

// Generator hands out monotonic ULIDs. The zero value is not usable; use
// NewGenerator.
type Generator struct {
	mu   sync.Mutex
	mono io.Reader
	now  func() time.Time
}

// NewGenerator seeds a monotonic entropy source from crypto/rand. now may be
// nil, in which case time.Now is used.
func NewGenerator(now func() time.Time) *Generator {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{
		mono: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
		now:  now,
	}
}

// Next returns "<prefix>_<ulid>", or a bare ULID when prefix is empty.
func (g *Generator) Next(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	u, err := ulid.New(ulid.Timestamp(g.now().UTC()), g.mono)
	if err != nil {
		// only reachable if the clock runs backwards past the monotonic window
		panic(err)
	}
	if prefix == "" {
		return u.String()
	}
	return prefix + "_" + u.String()
}

var std = NewGenerator(nil)

// New returns a prefixed id from the package generator.
func New(prefix string) string {
	return std.Next(prefix)
}

// Time extracts the generation time encoded in an id produced by this
// package.
func Time(s string) (time.Time, bool) {
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}
