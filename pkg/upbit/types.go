package upbit

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// APIURLProduction is the REST endpoint
	APIURLProduction = "https://api.upbit.com"
	// WSURLPublic streams market data
	WSURLPublic = "wss://api.upbit.com/websocket/v1"
	// WSURLPrivate streams account events and requires a signed token
	WSURLPrivate = "wss://api.upbit.com/websocket/v1/private"
)

// Order sides as the exchange spells them
const (
	SideBid = "bid"
	SideAsk = "ask"
)

// Order states
const (
	StateWait   = "wait"
	StateWatch  = "watch"
	StateTrade  = "trade"
	StateDone   = "done"
	StateCancel = "cancel"
)

// Credentials is a decrypted access/secret key pair.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// OrderRequest is the body of POST /v1/orders. Numeric fields are
// decimal strings so the caller controls precision.
type OrderRequest struct {
	Market  string
	Side    string
	Volume  string
	Price   string
	OrdType string
}

func (r OrderRequest) params() map[string]string {
	ordType := r.OrdType
	if ordType == "" {
		ordType = "limit"
	}
	return map[string]string{
		"market":   r.Market,
		"side":     r.Side,
		"volume":   r.Volume,
		"price":    r.Price,
		"ord_type": ordType,
	}
}

// Order is the exchange's view of an order.
type Order struct {
	UUID            string       `json:"uuid"`
	Side            string       `json:"side"`
	OrdType         string       `json:"ord_type"`
	Price           string       `json:"price"`
	State           string       `json:"state"`
	Market          string       `json:"market"`
	CreatedAt       string       `json:"created_at"`
	Volume          string       `json:"volume"`
	RemainingVolume string       `json:"remaining_volume"`
	ExecutedVolume  string       `json:"executed_volume"`
	PaidFee         string       `json:"paid_fee"`
	TradesCount     int          `json:"trades_count"`
	Trades          []OrderTrade `json:"trades,omitempty"`
}

// OrderTrade is one execution against an order.
type OrderTrade struct {
	Market    string `json:"market"`
	UUID      string `json:"uuid"`
	Price     string `json:"price"`
	Volume    string `json:"volume"`
	Funds     string `json:"funds"`
	Side      string `json:"side"`
	CreatedAt string `json:"created_at"`
}

// AveragePrice is the volume weighted execution price, falling back to
// the limit price when the trade breakdown is absent.
func (o *Order) AveragePrice() float64 {
	var funds, volume float64
	for _, t := range o.Trades {
		v := parseFloat(t.Volume)
		f := parseFloat(t.Funds)
		if f == 0 {
			f = v * parseFloat(t.Price)
		}
		funds += f
		volume += v
	}
	if volume > 0 {
		return funds / volume
	}
	return parseFloat(o.Price)
}

func (o *Order) PriceFloat() float64          { return parseFloat(o.Price) }
func (o *Order) VolumeFloat() float64         { return parseFloat(o.Volume) }
func (o *Order) ExecutedVolumeFloat() float64 { return parseFloat(o.ExecutedVolume) }

// CreatedTime parses created_at, returning the zero time on failure.
func (o *Order) CreatedTime() time.Time {
	t, err := time.Parse(time.RFC3339, o.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Ticker is shared by GET /v1/ticker (market) and the ticker stream (code).
type Ticker struct {
	Type              string  `json:"type,omitempty"`
	Code              string  `json:"code,omitempty"`
	Market            string  `json:"market,omitempty"`
	TradePrice        float64 `json:"trade_price"`
	SignedChangeRate  float64 `json:"signed_change_rate"`
	AccTradeVolume24h float64 `json:"acc_trade_volume_24h"`
	Timestamp         int64   `json:"timestamp"`
}

// Symbol returns the market code regardless of which endpoint produced it.
func (t Ticker) Symbol() string {
	if t.Code != "" {
		return t.Code
	}
	return t.Market
}

// MyOrder is a private stream order event.
type MyOrder struct {
	Type            string  `json:"type"`
	Code            string  `json:"code"`
	UUID            string  `json:"uuid"`
	AskBid          string  `json:"ask_bid"`
	OrderType       string  `json:"order_type"`
	State           string  `json:"state"`
	Price           float64 `json:"price"`
	AvgPrice        float64 `json:"avg_price"`
	Volume          float64 `json:"volume"`
	RemainingVolume float64 `json:"remaining_volume"`
	ExecutedVolume  float64 `json:"executed_volume"`
	TradeTimestamp  int64   `json:"trade_timestamp"`
	Timestamp       int64   `json:"timestamp"`
}

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("upbit: http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upbit: http %d: %s: %s", e.StatusCode, e.Name, e.Message)
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
