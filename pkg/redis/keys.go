package redis

import "fmt"

// Redis key patterns for the engine
// Following the pattern: entity:id or entity:id:attribute

// Bot keys
func BotKey(botID int64) string {
	return fmt.Sprintf("bot:%d", botID)
}

// BotStateKey holds the mutable runtime fields of a bot (status, counters).
func BotStateKey(botID int64) string {
	return fmt.Sprintf("bot_state:%d", botID)
}

func UserBotsKey(userID string) string {
	return fmt.Sprintf("user_bots:%s", userID)
}

func BotsByStatusKey(status string) string {
	return fmt.Sprintf("bots_by_status:%s", status)
}

// Grid level keys
func GridLevelKey(levelID int64) string {
	return fmt.Sprintf("grid_level:%d", levelID)
}

// BotLevelsKey is a sorted set of level IDs scored by price.
func BotLevelsKey(botID int64) string {
	return fmt.Sprintf("bot_levels:%d", botID)
}

func LevelByOrderKey(orderID string) string {
	return fmt.Sprintf("level_order:%s", orderID)
}

// Trade keys
func TradeKey(tradeID int64) string {
	return fmt.Sprintf("trade:%d", tradeID)
}

func BotTradesKey(botID int64) string {
	return fmt.Sprintf("bot_trades:%d", botID)
}

func TradeByOrderKey(orderID string) string {
	return fmt.Sprintf("trade_order:%s", orderID)
}

// Profit keys
func ProfitLogKey(userID string) string {
	return fmt.Sprintf("profit_log:%s", userID)
}

func ProfitMonthlyKey(userID string) string {
	return fmt.Sprintf("profit_monthly:%s", userID)
}

// ProfitTradesKey is the set of trade IDs whose profit was already logged.
func ProfitTradesKey(userID string) string {
	return fmt.Sprintf("profit_trades:%s", userID)
}

func ProfitSnapshotKey(userID string) string {
	return fmt.Sprintf("profit_snapshot:%s", userID)
}

// API Key keys
func APIKeyKey(userID string) string {
	return fmt.Sprintf("api_key:%s", userID)
}

// SequenceKey backs INCR-generated numeric IDs.
func SequenceKey(entity string) string {
	return fmt.Sprintf("sequences:%s_id", entity)
}

// RealtimeSubscribersKey is the set of users with an open realtime session.
func RealtimeSubscribersKey() string {
	return "realtime_subscribers"
}

// Pub/Sub channels
const (
	ChannelPriceUpdate = "channel:price_update"
	ChannelUserPrefix  = "channel:user:"
)

// UserChannel returns a user-specific channel
func UserChannel(userID string) string {
	return fmt.Sprintf("%s%s", ChannelUserPrefix, userID)
}

// RateLimitKey counts requests of one caller in the current window.
func RateLimitKey(identifier, scope string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, identifier)
}

// PaperBalanceKey holds the paper trading account as JSON.
func PaperBalanceKey() string {
	return "paper_balances"
}
