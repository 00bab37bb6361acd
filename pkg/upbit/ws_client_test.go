package upbit

import (
	"context"
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
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClient_SubscribesAndDeliversTickers(t *testing.T) {
	subs := make(chan []map[string]interface{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg []map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			subs <- msg
			_ = conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"ticker","code":"KRW-BTC","trade_price":101.5,"timestamp":1}`))
		}
	}))
	defer srv.Close()

	c := NewWSClient(wsURL(srv), DefaultBackoff, time.Minute)
	defer c.Close()

	got := make(chan Ticker, 4)
	c.OnTicker(func(tk Ticker) { got <- tk })
	require.NoError(t, c.SetCodes([]string{"krw-btc"}))
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	select {
	case msg := <-subs:
		require.Len(t, msg, 3)
		assert.Equal(t, "ticker", msg[1]["type"])
		assert.Equal(t, []interface{}{"KRW-BTC"}, msg[1]["codes"])
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	select {
	case tk := <-got:
		assert.Equal(t, "KRW-BTC", tk.Symbol())
		assert.Equal(t, 101.5, tk.TradePrice)
	case <-time.After(2 * time.Second):
		t.Fatal("no ticker delivered")
	}

	// adding a code re-sends the full set
	require.NoError(t, c.SetCodes([]string{"KRW-BTC", "KRW-ETH"}))
	select {
	case msg := <-subs:
		assert.Equal(t, []interface{}{"KRW-BTC", "KRW-ETH"}, msg[1]["codes"])
	case <-time.After(2 * time.Second):
		t.Fatal("no resubscription received")
	}
}

func TestWSClient_ReconnectBackoffThenGiveUp(t *testing.T) {
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&dials, 1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	c := NewWSClient(wsURL(srv), Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 10}, time.Minute)
	defer c.Close()

	var mu sync.Mutex
	var waits []time.Duration
	c.s.wait = func(d time.Duration, _ <-chan struct{}) bool {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return true
	}
	gaveUp := make(chan error, 1)
	c.OnGiveUp(func(err error) { gaveUp <- err })

	require.NoError(t, c.Connect(context.Background()))

	select {
	case err := <-gaveUp:
		assert.ErrorIs(t, err, ErrGaveUp)
	case <-time.After(5 * time.Second):
		t.Fatal("client never gave up")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30}
	require.Len(t, waits, len(want))
	for i, w := range want {
		assert.Equal(t, w*time.Second, waits[i])
	}
	assert.EqualValues(t, 11, atomic.LoadInt32(&dials))
	assert.False(t, c.IsConnected())
}

func TestPrivateWSClient_AuthenticatesAndDeliversOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg []map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		assert.Equal(t, "myOrder", msg[1]["type"])
		assert.Equal(t, []interface{}{"KRW-BTC"}, msg[1]["codes"])
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"myOrder","code":"KRW-BTC","uuid":"o-1","ask_bid":"BID","state":"done","price":100,"avg_price":100,"volume":1,"executed_volume":1}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := NewPrivateWSClient(wsURL(srv), testCreds, DefaultBackoff, time.Minute)
	defer c.Close()

	got := make(chan MyOrder, 1)
	c.OnOrder(func(o MyOrder) { got <- o })
	require.NoError(t, c.SetMarkets([]string{"KRW-BTC"}))
	require.NoError(t, c.Connect(context.Background()))

	select {
	case o := <-got:
		assert.Equal(t, "o-1", o.UUID)
		assert.Equal(t, StateDone, o.State)
		assert.Equal(t, 1.0, o.ExecutedVolume)
	case <-time.After(2 * time.Second):
		t.Fatal("no order event delivered")
	}
}
