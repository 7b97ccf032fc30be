package oanda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/errs"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/symbols"
	"github.com/rustyeddy/algotrader/trading"
)

// fakeOANDA serves the handful of v20 endpoints the connector uses.
type fakeOANDA struct {
	mu     sync.Mutex
	posts  []map[string]any
	create func(order map[string]any) (int, any)
	orders map[string]any // specifier -> order body
	stream chan string
}

func newFake(t *testing.T) (*fakeOANDA, *httptest.Server) {
	f := &fakeOANDA{orders: make(map[string]any), stream: make(chan string, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/accounts/101/summary", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"account":{"id":"101"}}`)
	})
	mux.HandleFunc("GET /v3/accounts/101/transactions/stream", func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprintln(w, `{"type":"HEARTBEAT","time":"2026-01-24T09:30:00Z"}`)
		fl.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case line, ok := <-f.stream:
				if !ok {
					return
				}
				fmt.Fprintln(w, line)
				fl.Flush()
			}
		}
	})
	mux.HandleFunc("POST /v3/accounts/101/orders", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.posts = append(f.posts, body["order"])
		create := f.create
		f.mu.Unlock()
		code, resp := create(body["order"])
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /v3/accounts/101/orders/{spec}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		o, ok := f.orders[r.PathValue("spec")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errorMessage":"order not found"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"order": o})
	})
	mux.HandleFunc("GET /v3/accounts/101/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"transaction":{"id":%q,"type":"ORDER_FILL","orderID":"30","units":"-25","price":"150.10","commission":"0.2","time":"2026-01-24T09:31:00Z"}}`, r.PathValue("id"))
	})
	mux.HandleFunc("GET /v3/accounts/101/openPositions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"positions":[{"instrument":"EUR_USD","long":{"units":"100","averagePrice":"1.1"},"short":{"units":"0"}},{"instrument":"USD_JPY","long":{"units":"0"},"short":{"units":"-25","averagePrice":"150.1"}}]}`)
	})
	mux.HandleFunc("GET /v3/instruments/EUR_USD/candles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "M", r.URL.Query().Get("price"))
		assert.Equal(t, "M5", r.URL.Query().Get("granularity"))
		assert.Equal(t, "3", r.URL.Query().Get("count"))
		fmt.Fprint(w, `{"instrument":"EUR_USD","granularity":"M5","candles":[
			{"complete":true,"volume":100,"time":"2024-01-01T10:00:00.000000000Z","mid":{"o":"1.0850","h":"1.0860","l":"1.0840","c":"1.0855"}},
			{"complete":true,"volume":150,"time":"2024-01-01T10:05:00.000000000Z","mid":{"o":"1.0855","h":"1.0870","l":"1.0850","c":"1.0865"}},
			{"complete":false,"volume":3,"time":"2024-01-01T10:10:00.000000000Z","mid":{"o":"1.0865","h":"1.0866","l":"1.0864","c":"1.0866"}}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
	})
	return f, srv
}

func (f *fakeOANDA) onCreate(fn func(order map[string]any) (int, any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.create = fn
}

func (f *fakeOANDA) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

type updates struct {
	mu  sync.Mutex
	all []broker.OrderUpdate
}

func (u *updates) add(x broker.OrderUpdate) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.all = append(u.all, x)
}

func (u *updates) list() []broker.OrderUpdate {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]broker.OrderUpdate(nil), u.all...)
}

func connect(t *testing.T, srv *httptest.Server) (*Connector, *updates) {
	t.Helper()
	client, err := NewClient(Config{Token: "tok", AccountID: "101", BaseURL: srv.URL, StreamURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	c := NewConnector(client, nil)
	ups := &updates{}
	c.OnOrderUpdate(ups.add)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c, ups
}

func TestMarketOrderFillsFromResponseOnce(t *testing.T) {
	f, srv := newFake(t)
	f.onCreate(func(order map[string]any) (int, any) {
		assert.Equal(t, "MARKET", order["type"])
		assert.Equal(t, "-100", order["units"])
		assert.Equal(t, "FOK", order["timeInForce"])
		assert.Equal(t, map[string]any{"id": "ord-1"}, order["clientExtensions"])
		return http.StatusCreated, map[string]any{
			"orderCreateTransaction": map[string]any{"id": "10", "type": "MARKET_ORDER"},
			"orderFillTransaction": map[string]any{
				"id": "11", "type": "ORDER_FILL", "orderID": "10", "clientOrderID": "ord-1",
				"units": "-100", "price": "1.1001", "commission": "0.05", "time": "2026-01-24T09:30:01Z",
			},
		}
	})
	c, ups := connect(t, srv)

	ack, err := c.PlaceOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "ord-1", Symbol: "EUR_USD", Side: trading.Sell, Quantity: 100, Kind: trading.Market,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.OrderAck{BrokerOrderID: "10", Status: broker.StatusFilled}, ack)

	// the same fill echoed on the stream is not reported again
	f.stream <- `{"id":"11","type":"ORDER_FILL","orderID":"10","units":"-100","price":"1.1001"}`
	f.stream <- `{"id":"12","type":"ORDER_CANCEL","orderID":"999"}`
	time.Sleep(50 * time.Millisecond)

	got := ups.list()
	require.Len(t, got, 1)
	assert.Equal(t, broker.StatusFilled, got[0].Status)
	assert.Equal(t, "ord-1", got[0].ClientOrderID)
	assert.Equal(t, "11", got[0].ExecutionID)
	assert.Equal(t, 100.0, got[0].LastQuantity)
	assert.InDelta(t, 1.1001, got[0].AveragePrice, 1e-12)
	assert.InDelta(t, 0.05, got[0].Commission, 1e-12)

	// a repeated client order id is the same order
	ack, err = c.PlaceOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "ord-1", Symbol: "EUR_USD", Side: trading.Sell, Quantity: 100, Kind: trading.Market,
	})
	require.NoError(t, err)
	assert.Equal(t, "10", ack.BrokerOrderID)
	assert.Equal(t, 1, f.postCount())
}

func TestLimitOrderFillsFromStream(t *testing.T) {
	f, srv := newFake(t)
	f.onCreate(func(order map[string]any) (int, any) {
		assert.Equal(t, "LIMIT", order["type"])
		assert.Equal(t, "1.095", order["price"])
		assert.Equal(t, "GTC", order["timeInForce"])
		return http.StatusCreated, map[string]any{"orderCreateTransaction": map[string]any{"id": "20", "type": "LIMIT_ORDER"}}
	})
	c, ups := connect(t, srv)

	ack, err := c.PlaceOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "ord-2", Symbol: "EUR_USD", Side: trading.Buy, Quantity: 100, Kind: trading.Limit, Price: trading.Float(1.095),
	})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusSubmitted, ack.Status)

	f.stream <- `{"id":"21","type":"ORDER_FILL","orderID":"20","units":"40","price":"1.0950"}`
	f.stream <- `{"id":"22","type":"ORDER_FILL","orderID":"20","units":"60","price":"1.0940"}`
	require.Eventually(t, func() bool { return len(ups.list()) == 2 }, time.Second, 5*time.Millisecond)

	got := ups.list()
	assert.Equal(t, broker.StatusPartial, got[0].Status)
	assert.Equal(t, 40.0, got[0].FilledQuantity)
	assert.Equal(t, broker.StatusFilled, got[1].Status)
	assert.Equal(t, 100.0, got[1].FilledQuantity)
	assert.InDelta(t, 1.0944, got[1].AveragePrice, 1e-9)
	assert.Equal(t, 60.0, got[1].LastQuantity)
}

func TestPlaceOrderErrorsAreClassified(t *testing.T) {
	f, srv := newFake(t)
	c, _ := connect(t, srv)
	req := broker.OrderRequest{ClientOrderID: "ord-3", Symbol: "EUR_USD", Side: trading.Buy, Quantity: 1, Kind: trading.Market}

	f.onCreate(func(map[string]any) (int, any) {
		return http.StatusBadRequest, map[string]any{
			"orderRejectTransaction": map[string]any{"id": "30", "type": "MARKET_ORDER_REJECT", "rejectReason": "INSUFFICIENT_MARGIN"},
			"errorMessage":           "insufficient margin",
		}
	})
	_, err := c.PlaceOrder(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UserInput))
	assert.Contains(t, err.Error(), "INSUFFICIENT_MARGIN")

	f.onCreate(func(map[string]any) (int, any) {
		return http.StatusServiceUnavailable, map[string]any{"errorMessage": "maintenance"}
	})
	_, err = c.PlaceOrder(context.Background(), req)
	assert.True(t, errs.Retryable(err), "got %v", err)

	_, err = c.PlaceOrder(context.Background(), broker.OrderRequest{ClientOrderID: "ord-4", Symbol: "EUR_USD", Side: trading.Buy, Quantity: 1, Kind: trading.Limit})
	assert.True(t, errs.Is(err, errs.UserInput))
}

func TestStreamLossIsReported(t *testing.T) {
	f, srv := newFake(t)
	c, _ := connect(t, srv)
	lost := make(chan error, 1)
	c.OnConnectionLost(func(err error) { lost <- err })

	close(f.stream)
	select {
	case err := <-lost:
		assert.True(t, errs.Retryable(err))
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
}

func TestOrderStatusReadsFill(t *testing.T) {
	f, srv := newFake(t)
	f.mu.Lock()
	f.orders["30"] = map[string]any{"id": "30", "state": "FILLED", "units": "-25", "fillingTransactionID": "31", "clientExtensions": map[string]any{"id": "ord-9"}}
	f.orders["40"] = map[string]any{"id": "40", "state": "PENDING", "units": "5"}
	f.mu.Unlock()
	c, _ := connect(t, srv)

	u, err := c.OrderStatus(context.Background(), "30")
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, u.Status)
	assert.Equal(t, "ord-9", u.ClientOrderID)
	assert.Equal(t, 25.0, u.FilledQuantity)
	assert.Equal(t, 150.10, u.AveragePrice)
	assert.Equal(t, "31", u.ExecutionID)

	u, err = c.OrderStatus(context.Background(), "40")
	require.NoError(t, err)
	assert.Equal(t, broker.StatusSubmitted, u.Status)

	_, err = c.OrderStatus(context.Background(), "41")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPositions(t *testing.T) {
	_, srv := newFake(t)
	c, _ := connect(t, srv)
	ps, err := c.Positions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []broker.Position{
		{Symbol: "EUR_USD", Side: trading.Long, Quantity: 100, EntryPrice: 1.1},
		{Symbol: "USD_JPY", Side: trading.Short, Quantity: 25, EntryPrice: 150.1},
	}, ps)
}

func TestCandles(t *testing.T) {
	_, srv := newFake(t)
	client, err := NewClient(Config{Token: "tok", AccountID: "101", BaseURL: srv.URL})
	require.NoError(t, err)

	candles, err := client.Candles(context.Background(), "EUR_USD", "EURUSD", market.M5, 3)
	require.NoError(t, err)
	require.Len(t, candles, 2, "incomplete candles are skipped")
	assert.Equal(t, market.Candle{
		Symbol: "EURUSD", Timeframe: market.M5,
		Open: 1.0850, High: 1.0860, Low: 1.0840, Close: 1.0855, Volume: 100,
		Time: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}, candles[0])

	_, err = client.Candles(context.Background(), "EUR_USD", "EURUSD", market.M5, 0)
	assert.Error(t, err)
	_, err = client.Candles(context.Background(), "EUR_USD", "EURUSD", "2h", 3)
	assert.Error(t, err)
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(Config{Token: "tok", AccountID: "101", Practice: true})
	require.NoError(t, err)
	assert.Equal(t, PracticeURL, c.cfg.BaseURL)
	assert.Equal(t, PracticeStreamURL, c.cfg.StreamURL)

	c, err = NewClient(Config{Token: "tok", AccountID: "101"})
	require.NoError(t, err)
	assert.Equal(t, LiveURL, c.cfg.BaseURL)

	_, err = NewClient(Config{AccountID: "101"})
	assert.Error(t, err)
}

func TestInstrument(t *testing.T) {
	assert.Equal(t, "EUR_USD", Instrument("EURUSD"))
	assert.Equal(t, "EUR_USD", Instrument("EUR_USD"))
	assert.Equal(t, "SPX500_USD", Instrument("SPX500_USD"))
	assert.Equal(t, "BTCUSDT", Instrument("BTCUSDT"))
}

func TestHistoryMapsStandardSymbols(t *testing.T) {
	_, srv := newFake(t)
	client, err := NewClient(Config{Token: "tok", AccountID: "101", BaseURL: srv.URL})
	require.NoError(t, err)

	h := History{Client: client, Symbols: symbols.Permissive()}
	candles, err := h.Candles(context.Background(), "EURUSD", market.M5, 3)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, "EURUSD", candles[0].Symbol)
}
