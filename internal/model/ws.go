package model

// WSMessageType is the type tag of a realtime event
type WSMessageType string

const (
	MessageTypeNewTrade        WSMessageType = "new_trade"
	MessageTypeTradeFilled     WSMessageType = "trade_filled"
	MessageTypeBotStatusUpdate WSMessageType = "bot_status_update"
	MessageTypeBotError        WSMessageType = "bot_error"
	MessageTypeBotsListBatch   WSMessageType = "bots_list_batch"
	MessageTypePriceBatch      WSMessageType = "price_batch"
)

// WSMessage is the envelope for all realtime events
type WSMessage struct {
	Type    WSMessageType `json:"type"`
	Payload interface{}   `json:"payload"`
}

// Bot error codes carried by MessageTypeBotError
const (
	BotErrorAuthFailed          = "AUTH_FAILED"
	BotErrorInsufficientBalance = "INSUFFICIENT_BALANCE"
	BotErrorRotationFailed      = "ROTATION_FAILED"
	BotErrorExecutionFailed     = "EXECUTION_FAILED"
)

// Identifiers are strings and timestamps ISO-8601 on the wire.

type TradePayload struct {
	BotID     string   `json:"bot_id"`
	TradeID   string   `json:"trade_id"`
	LevelID   string   `json:"level_id"`
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	Price     float64  `json:"price"`
	Volume    float64  `json:"volume"`
	Total     float64  `json:"total"`
	Profit    *float64 `json:"profit,omitempty"`
	OrderID   string   `json:"order_id"`
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
}

type BotStatusPayload struct {
	BotID         string  `json:"bot_id"`
	Status        string  `json:"status"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	CurrentProfit float64 `json:"current_profit"`
	TotalTrades   int64   `json:"total_trades"`
	Timestamp     string  `json:"timestamp"`
}

type BotErrorPayload struct {
	BotID     string `json:"bot_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type BotsListPayload struct {
	Bots      []BotSummary `json:"bots"`
	Timestamp string       `json:"timestamp"`
}

// PriceUpdate is the latest ticker of one market.
type PriceUpdate struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	ChangeRate float64 `json:"change_rate"`
	Volume24h  float64 `json:"volume_24h"`
	Timestamp  int64   `json:"timestamp"` // unix millis
}

type PriceBatchPayload struct {
	Prices    []PriceUpdate `json:"prices"`
	Timestamp string        `json:"timestamp"`
}
