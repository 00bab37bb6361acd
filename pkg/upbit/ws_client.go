package upbit

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WSClient streams tickers for a set of market codes over a single
// connection. Every change to the set re-sends the whole list.
type WSClient struct {
	s *stream

	mu       sync.Mutex
	codes    map[string]struct{}
	handlers []func(Ticker)
}

// NewWSClient creates a public ticker client
func NewWSClient(wsURL string, backoff Backoff, pingInterval time.Duration) *WSClient {
	if wsURL == "" {
		wsURL = WSURLPublic
	}
	c := &WSClient{codes: make(map[string]struct{})}
	c.s = newStream("upbit-ws", wsURL, backoff, pingInterval)
	c.s.subscription = c.subscription
	c.s.onMessage = c.handleMessage
	return c
}

// OnTicker registers a handler for every ticker frame.
func (c *WSClient) OnTicker(h func(Ticker)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnGiveUp is called once reconnection attempts are exhausted.
func (c *WSClient) OnGiveUp(h func(error)) {
	c.s.onGiveUp(h)
}

func (c *WSClient) Connect(ctx context.Context) error {
	return c.s.connect(ctx)
}

func (c *WSClient) IsConnected() bool {
	return c.s.connected()
}

func (c *WSClient) Close() {
	c.s.close()
}

// SetCodes replaces the subscribed set and pushes it to the server.
func (c *WSClient) SetCodes(codes []string) error {
	c.mu.Lock()
	c.codes = make(map[string]struct{}, len(codes))
	for _, code := range codes {
		c.codes[strings.ToUpper(code)] = struct{}{}
	}
	c.mu.Unlock()
	return c.s.resubscribe()
}

// Codes returns the subscribed set, sorted.
func (c *WSClient) Codes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.codes))
	for code := range c.codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func (c *WSClient) subscription() interface{} {
	codes := c.Codes()
	if len(codes) == 0 {
		return nil
	}
	return []map[string]interface{}{
		{"ticket": uuid.NewString()},
		{"type": "ticker", "codes": codes, "is_only_realtime": true},
		{"format": "DEFAULT"},
	}
}

func (c *WSClient) handleMessage(message []byte) {
	var t Ticker
	if err := json.Unmarshal(message, &t); err != nil {
		c.s.log.Debugf("ignoring non-json frame: %s", string(message))
		return
	}
	if t.Type != "ticker" || t.Symbol() == "" {
		// {"status":"UP"} answers our PING
		return
	}

	c.mu.Lock()
	handlers := c.handlers
	c.mu.Unlock()
	for _, h := range handlers {
		h(t)
	}
}
