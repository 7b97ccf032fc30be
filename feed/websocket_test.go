package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/symbols"
)

type hookLog struct {
	mu       sync.Mutex
	down     int
	restored int
	escalate []error
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnDown: func(string, error) {
			h.mu.Lock()
			h.down++
			h.mu.Unlock()
		},
		OnRestored: func(string) {
			h.mu.Lock()
			h.restored++
			h.mu.Unlock()
		},
		OnEscalate: func(_ string, err error) {
			h.mu.Lock()
			h.escalate = append(h.escalate, err)
			h.mu.Unlock()
		},
	}
}

func (h *hookLog) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.down, h.restored, len(h.escalate)
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func testWSConfig(url string) WebSocketConfig {
	cfg := DefaultWebSocketConfig(url)
	cfg.Retry = broker.RetryConfig{Interval: 5 * time.Millisecond, MaxAttempts: 3}
	cfg.PingInterval = 0
	return cfg
}

func TestWebSocketReconnectsAfterLoss(t *testing.T) {
	var conns atomic.Int32
	subs := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, sub, err := c.ReadMessage()
		if err != nil {
			return
		}
		subs <- string(sub)

		if conns.Add(1) == 1 {
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTC-USD","price":100,"time":"2025-01-02T09:00:00Z"}`))
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack"}`))
			_ = c.WriteMessage(websocket.TextMessage, []byte(`[{"symbol":"BTC-USD","price":101,"time":"2025-01-02T09:00:01Z"}]`))
			return // drop the connection
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTC-USD","bid":101,"ask":103,"time":"2025-01-02T09:00:02Z"}`))
		_, _, _ = c.ReadMessage() // hold open until the client leaves
	}))
	defer srv.Close()

	cfg := testWSConfig(wsURL(srv))
	cfg.Subscribe = `{"op":"subscribe","channels":["trades"]}`
	hl := &hookLog{}
	ws := NewWebSocket(cfg, nil, symbols.Permissive(), hl.hooks(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []market.Tick
	err := ws.Run(ctx, func(_ context.Context, tk market.Tick) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, tk)
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, []float64{100, 101, 102}, []float64{got[0].Price, got[1].Price, got[2].Price})
	assert.Equal(t, "BTCUSD", got[0].Symbol)
	assert.Equal(t, cfg.Subscribe, <-subs)

	down, restored, escalated := hl.counts()
	assert.Equal(t, 1, down)
	assert.Equal(t, 1, restored)
	assert.Zero(t, escalated)
}

func TestWebSocketEscalatesWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	hl := &hookLog{}
	ws := NewWebSocket(testWSConfig(url), nil, nil, hl.hooks(), nil)
	err := ws.Run(context.Background(), func(context.Context, market.Tick) error { return nil })
	require.Error(t, err)

	down, restored, escalated := hl.counts()
	assert.Zero(t, down)
	assert.Zero(t, restored)
	assert.Equal(t, 1, escalated)
}

func TestWebSocketHandlerErrorIsNotRetried(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"ETHUSD","price":2500}`))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	hl := &hookLog{}
	boom := errors.New("engine closed")
	ws := NewWebSocket(testWSConfig(wsURL(srv)), nil, nil, hl.hooks(), nil)
	err := ws.Run(context.Background(), func(context.Context, market.Tick) error { return boom })
	assert.ErrorIs(t, err, boom)

	down, _, _ := hl.counts()
	assert.Zero(t, down)
}

func TestDecodeJSON(t *testing.T) {
	ticks, err := DecodeJSON([]byte(` [{"symbol":"BTCUSD","price":1,"volume":2,"time":"2025-01-02T09:00:00+01:00"},{"price":5},{"symbol":"X","price":0}]`))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, market.Tick{Symbol: "BTCUSD", Price: 1, Volume: 2, Time: time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)}, ticks[0])

	_, err = DecodeJSON([]byte(`not json`))
	assert.Error(t, err)
}
