package model

import (
	"errors"
	"strings"
	"time"
)

// Bot status constants
const (
	BotStatusStopped = "stopped"
	BotStatusRunning = "running"
	BotStatusError   = "error"
)

// Bot is one grid trading bot on a single market.
type Bot struct {
	ID                 int64   `json:"id"`
	UserID             string  `json:"user_id"`
	Name               string  `json:"name,omitempty"`
	Symbol             string  `json:"symbol"` // e.g. KRW-BTC
	LowerPrice         float64 `json:"lower_price"`
	UpperPrice         float64 `json:"upper_price"`
	PriceChangePercent float64 `json:"price_change_percent"`
	OrderAmount        float64 `json:"order_amount"` // quote currency per order
	GridCount          int     `json:"grid_count"`

	// Runtime state, stored apart from the configuration document
	Status         string     `json:"status"`
	CurrentProfit  float64    `json:"current_profit"`
	TotalTrades    int64      `json:"total_trades"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRunning reports whether the scheduler should drive this bot.
func (b *Bot) IsRunning() bool {
	return b.Status == BotStatusRunning
}

// Validate checks the grid parameters.
func (b *Bot) Validate() error {
	switch {
	case strings.TrimSpace(b.UserID) == "":
		return errors.New("user_id is required")
	case !strings.HasPrefix(b.Symbol, "KRW-"):
		return errors.New("symbol must be a KRW market")
	case b.LowerPrice <= 0:
		return errors.New("lower_price must be positive")
	case b.UpperPrice <= b.LowerPrice:
		return errors.New("upper_price must be above lower_price")
	case b.PriceChangePercent <= 0:
		return errors.New("price_change_percent must be positive")
	case b.OrderAmount <= 0:
		return errors.New("order_amount must be positive")
	}
	return nil
}

// BotSummary is the per-bot row of the periodic list broadcast.
type BotSummary struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Status        string    `json:"status"`
	CurrentPrice  float64   `json:"current_price"`
	CurrentProfit float64   `json:"current_profit"`
	TotalTrades   int64     `json:"total_trades"`
	PendingBuys   int       `json:"pending_buys"`
	PendingSells  int       `json:"pending_sells"`
	Ladder        []float64 `json:"ladder"`
}
