package model

import "time"

// ProfitRecord is appended for every filled sell.
type ProfitRecord struct {
	BotID    int64     `json:"bot_id"`
	UserID   string    `json:"user_id"`
	Symbol   string    `json:"symbol"`
	TradeID  int64     `json:"trade_id"`
	Profit   float64   `json:"profit"`
	Month    string    `json:"month"` // 2006-01
	RecordAt time.Time `json:"recorded_at"`
}

// MonthBucket formats t as the profit aggregation key.
func MonthBucket(t time.Time) string {
	return t.UTC().Format("2006-01")
}
