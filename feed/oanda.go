package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/broker/oanda"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/symbols"
)

const (
	OANDAPracticeURL = "https://stream-fxpractice.oanda.com"
	OANDALiveURL     = "https://stream-fxtrade.oanda.com"
)

// OANDABaseURL resolves an environment name to its streaming host.
func OANDABaseURL(env string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "practice", "demo":
		return OANDAPracticeURL, nil
	case "live", "trade":
		return OANDALiveURL, nil
	default:
		return "", fmt.Errorf("unknown OANDA env %q (want practice|live)", env)
	}
}

type OANDAConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Token     string `yaml:"-" json:"-"`
	AccountID string `yaml:"account_id" json:"account_id"`
	// Instruments in standard spelling; translated for the request.
	Instruments []string           `yaml:"instruments" json:"instruments"`
	Retry       broker.RetryConfig `yaml:"retry" json:"retry"`
}

// OANDA streams prices from the OANDA v20 pricing stream. Each PRICE line
// becomes one tick at the bid/ask midpoint; heartbeats are skipped.
type OANDA struct {
	cfg     OANDAConfig
	http    *http.Client
	symbols symbols.Mapper
	hooks   Hooks
	log     *zap.Logger
}

func NewOANDA(cfg OANDAConfig, client *http.Client, m symbols.Mapper, hooks Hooks, log *zap.Logger) (*OANDA, error) {
	switch {
	case cfg.Token == "":
		return nil, errors.New("oanda: missing token")
	case cfg.BaseURL == "":
		return nil, errors.New("oanda: missing base url")
	case cfg.AccountID == "":
		return nil, errors.New("oanda: missing account id")
	case len(cfg.Instruments) == 0:
		return nil, errors.New("oanda: missing instruments")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OANDA{
		cfg:     cfg,
		http:    client,
		symbols: m,
		hooks:   hooks,
		log:     log.Named("feed").With(zap.String("source", "oanda")),
	}, nil
}

func (o *OANDA) Name() string { return "oanda:" + o.cfg.AccountID }

func (o *OANDA) Run(ctx context.Context, h Handler) error {
	return supervise(ctx, o.Name(), o.dial, h, o.cfg.Retry, o.hooks, o.log)
}

func (o *OANDA) instrument(sym string) string {
	if o.symbols != nil {
		if b, err := o.symbols.ToBroker(sym, oanda.Name); err == nil {
			sym = b
		}
	}
	return oanda.Instrument(sym)
}

func (o *OANDA) dial(ctx context.Context) (session, error) {
	u, err := url.Parse(o.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	instruments := make([]string, len(o.cfg.Instruments))
	for i, s := range o.cfg.Instruments {
		instruments[i] = o.instrument(s)
	}
	u.Path = fmt.Sprintf("/v3/accounts/%s/pricing/stream", o.cfg.AccountID)
	q := u.Query()
	q.Set("instruments", strings.Join(instruments, ","))
	u.RawQuery = q.Encode()

	// the request outlives dial; Close cancels it
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.Token)

	resp, err := o.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("oanda pricing stream http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	sc := bufio.NewScanner(resp.Body)
	// stream messages can be long
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	return &oandaSession{o: o, body: resp.Body, sc: sc, cancel: cancel}, nil
}

type pricingStreamMsg struct {
	Type       string `json:"type"`
	Time       string `json:"time"`
	Instrument string `json:"instrument"`

	Bids []struct {
		Price string `json:"price"`
	} `json:"bids"`

	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

type oandaSession struct {
	o      *OANDA
	body   io.ReadCloser
	sc     *bufio.Scanner
	cancel context.CancelFunc
}

func (s *oandaSession) Next(ctx context.Context) ([]market.Tick, error) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		if line == "" {
			continue
		}
		var msg pricingStreamMsg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("oanda: bad json: %w (line=%q)", err, trimForLog([]byte(line)))
		}
		if !strings.EqualFold(msg.Type, "PRICE") {
			continue
		}
		t, ok := s.tick(msg)
		if !ok {
			continue
		}
		return []market.Tick{t}, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}

func (s *oandaSession) tick(msg pricingStreamMsg) (market.Tick, bool) {
	if msg.Instrument == "" || len(msg.Bids) == 0 || len(msg.Asks) == 0 {
		return market.Tick{}, false
	}
	bid, err1 := strconv.ParseFloat(msg.Bids[0].Price, 64)
	ask, err2 := strconv.ParseFloat(msg.Asks[0].Price, 64)
	if err1 != nil || err2 != nil {
		return market.Tick{}, false
	}
	ts := time.Now().UTC()
	if msg.Time != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
			ts = parsed.UTC()
		}
	}
	return market.Tick{
		Symbol: standard(s.o.symbols, "oanda", msg.Instrument),
		Price:  (bid + ask) / 2,
		Time:   ts,
	}, true
}

func (s *oandaSession) Close() error {
	s.cancel()
	return s.body.Close()
}
