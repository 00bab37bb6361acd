package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{AccessKey: "access", SecretKey: "secret"}

func parseClaims(t *testing.T, r *http.Request) jwt.MapClaims {
	t.Helper()
	auth := r.Header.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "Bearer "), "missing bearer token")

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testCreds.SecretKey), nil
	})
	require.NoError(t, err)
	return claims
}

func sha512Hex(s string) string {
	sum := sha512.Sum512([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestClient(url string) *Client {
	c := NewClient(url, 100)
	c.SetRetry(Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3})
	return c
}

func TestPlaceOrder_SignsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)

		claims := parseClaims(t, r)
		assert.Equal(t, "access", claims["access_key"])
		assert.NotEmpty(t, claims["nonce"])
		assert.Equal(t, "SHA512", claims["query_hash_alg"])
		assert.Equal(t, sha512Hex("market=KRW-BTC&ord_type=limit&price=100&side=bid&volume=1"), claims["query_hash"])

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bid", body["side"])

		_, _ = w.Write([]byte(`{"uuid":"u-1","side":"bid","price":"100","state":"wait","market":"KRW-BTC","volume":"1"}`))
	}))
	defer srv.Close()

	order, err := newTestClient(srv.URL).PlaceOrder(context.Background(), testCreds, OrderRequest{
		Market: "KRW-BTC", Side: SideBid, Price: "100", Volume: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, "u-1", order.UUID)
	assert.Equal(t, StateWait, order.State)
	assert.Equal(t, 100.0, order.PriceFloat())
}

func TestPlaceOrder_ExchangeErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"name":"server_error","message":"boom"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).PlaceOrder(context.Background(), testCreds, OrderRequest{Market: "KRW-BTC", Side: SideBid, Price: "1", Volume: "1"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "server_error", apiErr.Name)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestPlaceOrder_RateLimitIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"uuid":"u-2","state":"wait"}`))
	}))
	defer srv.Close()

	order, err := newTestClient(srv.URL).PlaceOrder(context.Background(), testCreds, OrderRequest{Market: "KRW-BTC", Side: SideAsk, Price: "1", Volume: "1"})
	require.NoError(t, err)
	assert.Equal(t, "u-2", order.UUID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGetOrder_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u-3", r.URL.Query().Get("uuid"))
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"uuid":"u-3","state":"done","price":"100","trades":[{"price":"99","volume":"1","funds":"99"},{"price":"101","volume":"1","funds":"101"}]}`))
	}))
	defer srv.Close()

	order, err := newTestClient(srv.URL).GetOrder(context.Background(), testCreds, "u-3")
	require.NoError(t, err)
	assert.Equal(t, StateDone, order.State)
	assert.InDelta(t, 100.0, order.AveragePrice(), 1e-9)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestGetOrdersByUUIDs_HashesUnescapedQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/uuids", r.URL.Path)
		assert.Equal(t, []string{"a", "b"}, r.URL.Query()["uuids[]"])

		claims := parseClaims(t, r)
		assert.Equal(t, sha512Hex("market=KRW-BTC&uuids[]=a&uuids[]=b"), claims["query_hash"])
		_, _ = w.Write([]byte(`[{"uuid":"a","state":"done"},{"uuid":"b","state":"wait"}]`))
	}))
	defer srv.Close()

	orders, err := newTestClient(srv.URL).GetOrdersByUUIDs(context.Background(), testCreds, "KRW-BTC", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, StateDone, orders[0].State)
}

func TestGetTickers_Public(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "KRW-BTC,KRW-ETH", r.URL.Query().Get("markets"))
		_, _ = w.Write([]byte(`[{"market":"KRW-BTC","trade_price":50000000},{"market":"KRW-ETH","trade_price":3000000}]`))
	}))
	defer srv.Close()

	tickers, err := newTestClient(srv.URL).GetTickers(context.Background(), "KRW-BTC", "KRW-ETH")
	require.NoError(t, err)
	require.Len(t, tickers, 2)
	assert.Equal(t, "KRW-BTC", tickers[0].Symbol())
	assert.Equal(t, 50000000.0, tickers[0].TradePrice)
}

func TestGetClosedOrders_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "done", q.Get("state"))
		assert.Equal(t, "100", q.Get("limit"))
		assert.Equal(t, "desc", q.Get("order_by"))
		assert.Empty(t, q.Get("market"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	orders, err := newTestClient(srv.URL).GetClosedOrders(context.Background(), testCreds, "", 100)
	require.NoError(t, err)
	assert.Empty(t, orders)
}
