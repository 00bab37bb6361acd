package upbit

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PrivateWSClient streams myOrder events for one account.
type PrivateWSClient struct {
	s     *stream
	creds Credentials

	mu       sync.Mutex
	markets  []string
	handlers []func(MyOrder)
}

// NewPrivateWSClient creates a client authenticated with creds
func NewPrivateWSClient(wsURL string, creds Credentials, backoff Backoff, pingInterval time.Duration) *PrivateWSClient {
	if wsURL == "" {
		wsURL = WSURLPrivate
	}
	c := &PrivateWSClient{creds: creds}
	c.s = newStream("upbit-private-ws", wsURL, backoff, pingInterval)
	c.s.header = c.authHeader
	c.s.subscription = c.subscription
	c.s.onMessage = c.handleMessage
	return c
}

// OnOrder registers a handler for order events.
func (c *PrivateWSClient) OnOrder(h func(MyOrder)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *PrivateWSClient) OnGiveUp(h func(error)) {
	c.s.onGiveUp(h)
}

func (c *PrivateWSClient) Connect(ctx context.Context) error {
	return c.s.connect(ctx)
}

func (c *PrivateWSClient) IsConnected() bool {
	return c.s.connected()
}

func (c *PrivateWSClient) Close() {
	c.s.close()
}

// SetMarkets narrows the subscription to the given codes. An empty list
// subscribes to every market of the account.
func (c *PrivateWSClient) SetMarkets(markets []string) error {
	sorted := append([]string(nil), markets...)
	sort.Strings(sorted)
	c.mu.Lock()
	c.markets = sorted
	c.mu.Unlock()
	return c.s.resubscribe()
}

func (c *PrivateWSClient) authHeader() (http.Header, error) {
	token, err := SignToken(c.creds, "")
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

func (c *PrivateWSClient) subscription() interface{} {
	c.mu.Lock()
	markets := c.markets
	c.mu.Unlock()

	sub := map[string]interface{}{"type": "myOrder"}
	if len(markets) > 0 {
		sub["codes"] = markets
	}
	return []map[string]interface{}{
		{"ticket": uuid.NewString()},
		sub,
	}
}

func (c *PrivateWSClient) handleMessage(message []byte) {
	var ev MyOrder
	if err := json.Unmarshal(message, &ev); err != nil || ev.Type != "myOrder" {
		return
	}

	c.mu.Lock()
	handlers := c.handlers
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
