package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/symbols"
)

type WebSocketConfig struct {
	URL              string             `yaml:"url" json:"url"`
	Headers          http.Header        `yaml:"-" json:"-"`
	Subscribe        string             `yaml:"subscribe" json:"subscribe"` // sent once per connection
	Broker           string             `yaml:"broker" json:"broker"`
	HandshakeTimeout time.Duration      `yaml:"handshake_timeout" json:"handshake_timeout"`
	ReadTimeout      time.Duration      `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout     time.Duration      `yaml:"write_timeout" json:"write_timeout"`
	PingInterval     time.Duration      `yaml:"ping_interval" json:"ping_interval"`
	Retry            broker.RetryConfig `yaml:"retry" json:"retry"`
}

func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
		Retry:            broker.DefaultRetry(),
	}
}

// Decoder turns one websocket message into ticks. Messages that carry no
// ticks (acks, heartbeats) decode to nothing.
type Decoder func(msg []byte) ([]market.Tick, error)

// WebSocket streams ticks from a websocket endpoint.
type WebSocket struct {
	cfg     WebSocketConfig
	decode  Decoder
	symbols symbols.Mapper
	hooks   Hooks
	log     *zap.Logger
}

func NewWebSocket(cfg WebSocketConfig, decode Decoder, m symbols.Mapper, hooks Hooks, log *zap.Logger) *WebSocket {
	if decode == nil {
		decode = DecodeJSON
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocket{
		cfg:     cfg,
		decode:  decode,
		symbols: m,
		hooks:   hooks,
		log:     log.Named("feed").With(zap.String("url", cfg.URL)),
	}
}

func (w *WebSocket) Name() string { return "ws:" + w.cfg.URL }

func (w *WebSocket) Run(ctx context.Context, h Handler) error {
	return supervise(ctx, w.Name(), w.dial, h, w.cfg.Retry, w.hooks, w.log)
}

func (w *WebSocket) dial(ctx context.Context) (session, error) {
	d := websocket.Dialer{HandshakeTimeout: w.cfg.HandshakeTimeout}
	conn, _, err := d.DialContext(ctx, w.cfg.URL, w.cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}
	s := &wsSession{ws: w, conn: conn, done: make(chan struct{})}

	if w.cfg.Subscribe != "" {
		if err := s.write(websocket.TextMessage, []byte(w.cfg.Subscribe)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	if w.cfg.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		})
	}
	if w.cfg.PingInterval > 0 {
		go s.ping()
	}
	return s, nil
}

type wsSession struct {
	ws   *WebSocket
	conn *websocket.Conn

	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSession) write(kind int, msg []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if t := s.ws.cfg.WriteTimeout; t > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(t))
	}
	return s.conn.WriteMessage(kind, msg)
}

func (s *wsSession) ping() {
	t := time.NewTicker(s.ws.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			var deadline time.Time
			if wt := s.ws.cfg.WriteTimeout; wt > 0 {
				deadline = time.Now().Add(wt)
			}
			s.wmu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, deadline)
			s.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *wsSession) Next(ctx context.Context) ([]market.Tick, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	for {
		if t := s.ws.cfg.ReadTimeout; t > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(t))
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		ticks, err := s.ws.decode(msg)
		if err != nil {
			s.ws.log.Warn("undecodable message", zap.ByteString("msg", trimForLog(msg)), zap.Error(err))
			continue
		}
		if len(ticks) == 0 {
			continue
		}
		for i := range ticks {
			ticks[i].Symbol = standard(s.ws.symbols, s.ws.cfg.Broker, ticks[i].Symbol)
		}
		return ticks, nil
	}
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

type wireTick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Volume float64   `json:"volume"`
	Time   time.Time `json:"time"`
}

// DecodeJSON reads a tick object or an array of them:
//
//	{"symbol":"BTCUSD","price":42000.5,"volume":0.1,"time":"2025-01-02T09:00:00Z"}
//
// bid/ask may stand in for price. Objects without a symbol are skipped.
func DecodeJSON(msg []byte) ([]market.Tick, error) {
	msg = bytes.TrimSpace(msg)
	var wire []wireTick
	if len(msg) > 0 && msg[0] == '[' {
		if err := json.Unmarshal(msg, &wire); err != nil {
			return nil, err
		}
	} else {
		var one wireTick
		if err := json.Unmarshal(msg, &one); err != nil {
			return nil, err
		}
		wire = []wireTick{one}
	}

	out := make([]market.Tick, 0, len(wire))
	for _, w := range wire {
		if w.Symbol == "" {
			continue
		}
		price := w.Price
		if price == 0 && w.Bid > 0 && w.Ask > 0 {
			price = (w.Bid + w.Ask) / 2
		}
		if price <= 0 {
			continue
		}
		ts := w.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		out = append(out, market.Tick{Symbol: w.Symbol, Price: price, Volume: w.Volume, Time: ts.UTC()})
	}
	return out, nil
}

func trimForLog(b []byte) []byte {
	const n = 200
	if len(b) <= n {
		return b
	}
	return b[:n]
}
