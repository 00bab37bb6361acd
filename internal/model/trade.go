package model

import "time"

// Trade status constants
const (
	TradeStatusPending   = "pending"
	TradeStatusFilled    = "filled"
	TradeStatusCancelled = "cancelled"
)

// Trade records one order placed for a grid level. A filled trade is
// never rewritten.
type Trade struct {
	ID          int64      `json:"id"`
	BotID       int64      `json:"bot_id"`
	UserID      string     `json:"user_id"`
	GridLevelID int64      `json:"grid_level_id"`
	Symbol      string     `json:"symbol"`
	Side        OrderSide  `json:"side"`
	Price       float64    `json:"price"`
	Volume      float64    `json:"volume"`
	Total       float64    `json:"total"`
	Profit      *float64   `json:"profit,omitempty"` // sell fills only
	OrderID     string     `json:"order_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
}

// ExchangeOrder is the engine's exchange-neutral view of an order.
type ExchangeOrder struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           OrderSide `json:"side"`
	State          string    `json:"state"` // wait, done, cancel
	Price          float64   `json:"price"`
	AvgPrice       float64   `json:"avg_price"`
	Volume         float64   `json:"volume"`
	ExecutedVolume float64   `json:"executed_volume"`
	CreatedAt      time.Time `json:"created_at"`
	ExecutedAt     time.Time `json:"executed_at"`
}

// Exchange order states
const (
	OrderStateWait   = "wait"
	OrderStateDone   = "done"
	OrderStateCancel = "cancel"
)

// IsDone reports a complete fill.
func (o *ExchangeOrder) IsDone() bool {
	return o.State == OrderStateDone
}

// FillPrice prefers the average execution price.
func (o *ExchangeOrder) FillPrice() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.Price
}

// FillVolume prefers the executed volume.
func (o *ExchangeOrder) FillVolume() float64 {
	if o.ExecutedVolume > 0 {
		return o.ExecutedVolume
	}
	return o.Volume
}
