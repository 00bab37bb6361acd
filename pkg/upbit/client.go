package upbit

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Client represents the Upbit REST API client
type Client struct {
	apiURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      Backoff
	wait       waitFunc
}

// NewClient creates a REST client limited to requestsPerSecond.
func NewClient(apiURL string, requestsPerSecond float64) *Client {
	if apiURL == "" {
		apiURL = APIURLProduction
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 8
	}
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
		retry:   DefaultRetry,
		wait:    sleepOrDone,
	}
}

// SetRetry overrides the retry policy for idempotent calls.
func (c *Client) SetRetry(b Backoff) {
	c.retry = b
}

// SignToken builds the HS256 bearer token. A non-empty query is bound to
// the token through its SHA512 hash.
func SignToken(creds Credentials, query string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": creds.AccessKey,
		"nonce":      uuid.NewString(),
	}
	if query != "" {
		sum := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(creds.SecretKey))
}

// PlaceOrder submits a limit order.
func (c *Client) PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, "/v1/orders", nil, req.params(), &creds, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels a resting order by uuid.
func (c *Client) CancelOrder(ctx context.Context, creds Credentials, orderUUID string) (*Order, error) {
	q := url.Values{}
	q.Set("uuid", orderUUID)
	var order Order
	if err := c.do(ctx, http.MethodDelete, "/v1/order", q, nil, &creds, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder returns one order including its trades.
func (c *Client) GetOrder(ctx context.Context, creds Credentials, orderUUID string) (*Order, error) {
	q := url.Values{}
	q.Set("uuid", orderUUID)
	var order Order
	if err := c.do(ctx, http.MethodGet, "/v1/order", q, nil, &creds, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUUIDs looks up to 100 orders in a single request.
func (c *Client) GetOrdersByUUIDs(ctx context.Context, creds Credentials, market string, uuids []string) ([]Order, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	if market != "" {
		q.Set("market", market)
	}
	for _, id := range uuids {
		q.Add("uuids[]", id)
	}
	var orders []Order
	if err := c.do(ctx, http.MethodGet, "/v1/orders/uuids", q, nil, &creds, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetClosedOrders returns the most recent done orders, newest first.
// An empty market spans every market of the account.
func (c *Client) GetClosedOrders(ctx context.Context, creds Credentials, market string, limit int) ([]Order, error) {
	q := url.Values{}
	if market != "" {
		q.Set("market", market)
	}
	q.Set("state", StateDone)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order_by", "desc")
	var orders []Order
	if err := c.do(ctx, http.MethodGet, "/v1/orders/closed", q, nil, &creds, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetTickers is public and needs no credentials.
func (c *Client) GetTickers(ctx context.Context, markets ...string) ([]Ticker, error) {
	q := url.Values{}
	q.Set("markets", strings.Join(markets, ","))
	var tickers []Ticker
	if err := c.do(ctx, http.MethodGet, "/v1/ticker", q, nil, nil, &tickers); err != nil {
		return nil, err
	}
	return tickers, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body map[string]string, creds *Credentials, out interface{}) error {
	rawQuery := query.Encode()

	var payload []byte
	hashInput := rawQuery
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		form := url.Values{}
		for k, v := range body {
			form.Set(k, v)
		}
		hashInput = form.Encode()
	}
	// the exchange hashes the unescaped form, brackets included
	if unescaped, err := url.QueryUnescape(hashInput); err == nil {
		hashInput = unescaped
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if !c.wait(c.retry.Delay(attempt-1), ctx.Done()) {
				return ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := c.newRequest(ctx, method, path, rawQuery, payload, hashInput, creds)
		if err != nil {
			return err
		}

		lastErr = c.send(req, out)
		if lastErr == nil || !retryable(method, lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) newRequest(ctx context.Context, method, path, rawQuery string, payload []byte, hashInput string, creds *Credentials) (*http.Request, error) {
	endpoint := c.apiURL + path
	if rawQuery != "" {
		endpoint += "?" + rawQuery
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds != nil {
		token, err := SignToken(*creds, hashInput)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Name    string `json:"name"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Name != "" {
			apiErr.Name = envelope.Error.Name
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// retryable reports whether a failed call may be repeated. Rate limiting
// is always safe to retry; other failures only for reads and cancels since
// a POST that reached the matching engine must not be duplicated.
func retryable(method string, err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return apiErr.StatusCode >= 500 && method != http.MethodPost
	}
	return method != http.MethodPost
}
