package oanda

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rustyeddy/algotrader/errs"
)

// transaction is the subset of v20 transaction fields the connector reads.
type transaction struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Time          string `json:"time"`
	OrderID       string `json:"orderID"`
	ClientOrderID string `json:"clientOrderID"`
	Units         string `json:"units"`
	Price         string `json:"price"`
	Commission    string `json:"commission"`
	Reason        string `json:"reason"`
	RejectReason  string `json:"rejectReason"`
}

func (t transaction) time() time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, t.Time); err == nil {
		return ts.UTC()
	}
	return time.Now().UTC()
}

func decodeInto(raw []byte, v any) error { return json.Unmarshal(raw, v) }

// openStream starts a streaming GET on the stream host. The body stays open
// until ctx is done or the caller closes it.
func (c *Client) openStream(ctx context.Context, path string) (io.ReadCloser, error) {
	const op = "oanda.stream"
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.cfg.StreamURL+path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, errs.E(errs.ExternalFailure, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		cancel()
		err := fmt.Errorf("stream http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, errs.E(errs.ExternalFailure, op, err)
		}
		return nil, err
	}
	return &streamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

// readTransactions feeds each transaction line to fn until the stream ends
// or ctx is done. Heartbeats are skipped. It always returns a non-nil error.
func (c *Client) readTransactions(ctx context.Context, body io.ReadCloser, fn func(transaction)) error {
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var tx transaction
		if err := json.Unmarshal([]byte(line), &tx); err != nil {
			return fmt.Errorf("oanda: bad json: %w", err)
		}
		if tx.Type == "HEARTBEAT" {
			continue
		}
		fn(tx)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
