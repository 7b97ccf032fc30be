// Package symbols translates between standard symbols (BTCUSD) and the
// broker-specific spellings each live connector expects.
package symbols

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// Mapper is the symbol lookup service.
type Mapper interface {
	ToBroker(standard, broker string) (string, error)
	ToStandard(brokerSymbol, broker string) (string, error)
	// Known reports whether a standard symbol is tradable at all.
	Known(standard string) bool
}

// Static is an in-memory Mapper. A broker with no explicit entry for a
// known symbol uses the standard spelling.
type Static struct {
	mu       sync.RWMutex
	known    map[string]struct{}
	toBroker map[string]map[string]string // broker -> standard -> broker symbol
	toStd    map[string]map[string]string // broker -> broker symbol -> standard
	allowAny bool
}

// File is the on-disk layout:
//
//	symbols: [BTCUSD, ETHUSD]
//	brokers:
//	  oanda:
//	    EURUSD: EUR_USD
type File struct {
	Symbols []string                     `yaml:"symbols"`
	Brokers map[string]map[string]string `yaml:"brokers"`
}

func NewStatic(symbols ...string) *Static {
	s := &Static{
		known:    make(map[string]struct{}),
		toBroker: make(map[string]map[string]string),
		toStd:    make(map[string]map[string]string),
	}
	for _, sym := range symbols {
		s.known[normalize(sym)] = struct{}{}
	}
	return s
}

// Permissive returns a mapper that accepts any non-empty symbol and maps it
// to itself. Used for replay runs with no symbol file.
func Permissive() *Static {
	s := NewStatic()
	s.allowAny = true
	return s
}

// LoadFile reads a YAML symbol file.
func LoadFile(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbols: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse symbols: %w", err)
	}
	s := NewStatic(f.Symbols...)
	for broker, m := range f.Brokers {
		for std, bsym := range m {
			if err := s.Add(broker, std, bsym); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Add registers a broker spelling. The standard symbol becomes known.
func (s *Static) Add(broker, standard, brokerSymbol string) error {
	standard = normalize(standard)
	if standard == "" || brokerSymbol == "" || broker == "" {
		return fmt.Errorf("symbol mapping needs broker, standard and broker symbol")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[standard] = struct{}{}
	if s.toBroker[broker] == nil {
		s.toBroker[broker] = make(map[string]string)
		s.toStd[broker] = make(map[string]string)
	}
	s.toBroker[broker][standard] = brokerSymbol
	s.toStd[broker][brokerSymbol] = standard
	return nil
}

func (s *Static) Known(standard string) bool {
	standard = normalize(standard)
	if standard == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.allowAny {
		return true
	}
	_, ok := s.known[standard]
	return ok
}

func (s *Static) ToBroker(standard, broker string) (string, error) {
	n := normalize(standard)
	if !s.Known(n) {
		return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, standard)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.toBroker[broker][n]; ok {
		return b, nil
	}
	return n, nil
}

func (s *Static) ToStandard(brokerSymbol, broker string) (string, error) {
	s.mu.RLock()
	std, ok := s.toStd[broker][brokerSymbol]
	s.mu.RUnlock()
	if ok {
		return std, nil
	}
	if n := normalize(brokerSymbol); s.Known(n) {
		return n, nil
	}
	return "", fmt.Errorf("%w: %q on %s", ErrUnknownSymbol, brokerSymbol, broker)
}

func normalize(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
