// Package oanda is a live broker connector for the OANDA v20 REST API.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rustyeddy/algotrader/errs"
)

const (
	// PracticeURL is the URL for OANDA's practice/demo environment
	PracticeURL = "https://api-fxpractice.oanda.com"
	// LiveURL is the URL for OANDA's live trading environment
	LiveURL = "https://api-fxtrade.oanda.com"

	PracticeStreamURL = "https://stream-fxpractice.oanda.com"
	LiveStreamURL     = "https://stream-fxtrade.oanda.com"
)

// ErrNotFound is returned for an unknown order or transaction.
var ErrNotFound = errors.New("oanda: not found")

type Config struct {
	Token     string `yaml:"-" json:"-"`
	AccountID string `yaml:"account_id" json:"account_id"`
	// Practice selects the fxpractice hosts when the URLs are unset.
	Practice  bool          `yaml:"practice" json:"practice"`
	BaseURL   string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	StreamURL string        `yaml:"stream_url,omitempty" json:"stream_url,omitempty"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = LiveURL
		if c.Practice {
			c.BaseURL = PracticeURL
		}
	}
	if c.StreamURL == "" {
		c.StreamURL = LiveStreamURL
		if c.Practice {
			c.StreamURL = PracticeStreamURL
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Client represents an OANDA API client
type Client struct {
	cfg        Config
	httpClient *http.Client
	// streamClient has no timeout; streams live as long as their context
	streamClient *http.Client
}

// NewClient creates a new OANDA API client
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("oanda: missing token")
	}
	if cfg.AccountID == "" {
		return nil, errors.New("oanda: missing account id")
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
	}, nil
}

func (c *Client) accountPath(format string, args ...any) string {
	return "/v3/accounts/" + c.cfg.AccountID + fmt.Sprintf(format, args...)
}

// apiError is the body OANDA sends with 4xx/5xx responses.
type apiError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// do sends a request and decodes a 2xx body into out. Transport failures,
// 5xx and 429 are ExternalFailure; other statuses are returned with the
// raw body so callers can read reject transactions.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, []byte, error) {
	op := "oanda." + method
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, errs.E(errs.ExternalFailure, op, fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, errs.E(errs.ExternalFailure, op, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return resp.StatusCode, raw, fmt.Errorf("decode response: %w", err)
			}
		}
		return resp.StatusCode, raw, nil
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, raw, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, raw, errs.E(errs.ExternalFailure, op, statusError(resp.StatusCode, raw))
	default:
		return resp.StatusCode, raw, statusError(resp.StatusCode, raw)
	}
}

func statusError(code int, raw []byte) error {
	var ae apiError
	if json.Unmarshal(raw, &ae) == nil && ae.ErrorMessage != "" {
		return fmt.Errorf("API error (status %d): %s", code, ae.ErrorMessage)
	}
	return fmt.Errorf("API error (status %d): %s", code, strings.TrimSpace(string(raw)))
}

// Ping checks that the token can read the account.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, c.accountPath("/summary"), nil, nil)
	return err
}
