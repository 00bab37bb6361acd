package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"
)

// NotificationService publishes engine events to Redis. The realtime
// layer that fans them out to browsers subscribes to these channels.
type NotificationService struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewNotificationService(redis *redis.Client) *NotificationService {
	return &NotificationService{
		redis: redis,
		log:   logger.GetLogger().Component("notifications"),
	}
}

// NotifyUser publishes a message on the user's channel
func (s *NotificationService) NotifyUser(ctx context.Context, userID string, msgType model.WSMessageType, payload interface{}) {
	s.publish(ctx, redis.UserChannel(userID), msgType, payload)
}

// Broadcast publishes a message for every connected user
func (s *NotificationService) Broadcast(ctx context.Context, msgType model.WSMessageType, payload interface{}) {
	s.publish(ctx, redis.ChannelPriceUpdate, msgType, payload)
}

func (s *NotificationService) publish(ctx context.Context, channel string, msgType model.WSMessageType, payload interface{}) {
	data, err := json.Marshal(model.WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		s.log.Errorf("Failed to marshal %s notification: %v", msgType, err)
		return
	}
	if err := s.redis.Publish(ctx, channel, data); err != nil {
		s.log.Errorf("Failed to publish %s to channel %s: %v", msgType, channel, err)
	}
}

// NotifyNewTrade announces an order placed for a level
func (s *NotificationService) NotifyNewTrade(ctx context.Context, userID string, trade *model.Trade) {
	s.NotifyUser(ctx, userID, model.MessageTypeNewTrade, tradePayload(trade))
}

// NotifyTradeFilled announces a fill
func (s *NotificationService) NotifyTradeFilled(ctx context.Context, userID string, trade *model.Trade) {
	s.NotifyUser(ctx, userID, model.MessageTypeTradeFilled, tradePayload(trade))
}

// NotifyBotStatus announces a status change or counter update
func (s *NotificationService) NotifyBotStatus(ctx context.Context, bot *model.Bot) {
	payload := model.BotStatusPayload{
		BotID:         strconv.FormatInt(bot.ID, 10),
		Status:        bot.Status,
		CurrentProfit: bot.CurrentProfit,
		TotalTrades:   bot.TotalTrades,
		Timestamp:     isoNow(),
	}
	if bot.ErrorMessage != nil {
		payload.ErrorMessage = *bot.ErrorMessage
	}
	s.NotifyUser(ctx, bot.UserID, model.MessageTypeBotStatusUpdate, payload)
}

// NotifyBotError reports a problem that may or may not have stopped the bot
func (s *NotificationService) NotifyBotError(ctx context.Context, bot *model.Bot, code, message string) {
	s.NotifyUser(ctx, bot.UserID, model.MessageTypeBotError, model.BotErrorPayload{
		BotID:     strconv.FormatInt(bot.ID, 10),
		Code:      code,
		Message:   message,
		Timestamp: isoNow(),
	})
}

// NotifyBotsList sends the periodic list snapshot
func (s *NotificationService) NotifyBotsList(ctx context.Context, userID string, bots []model.BotSummary) {
	s.NotifyUser(ctx, userID, model.MessageTypeBotsListBatch, model.BotsListPayload{
		Bots:      bots,
		Timestamp: isoNow(),
	})
}

// PublishPrices broadcasts the latest price per market
func (s *NotificationService) PublishPrices(ctx context.Context, prices []model.PriceUpdate) {
	if len(prices) == 0 {
		return
	}
	s.Broadcast(ctx, model.MessageTypePriceBatch, model.PriceBatchPayload{
		Prices:    prices,
		Timestamp: isoNow(),
	})
}

// AddRealtimeSubscriber marks a user as having an open realtime session
func (s *NotificationService) AddRealtimeSubscriber(ctx context.Context, userID string) error {
	return s.redis.SAdd(ctx, redis.RealtimeSubscribersKey(), userID)
}

// RemoveRealtimeSubscriber clears the mark set by AddRealtimeSubscriber
func (s *NotificationService) RemoveRealtimeSubscriber(ctx context.Context, userID string) error {
	return s.redis.SRem(ctx, redis.RealtimeSubscribersKey(), userID)
}

// RealtimeSubscribers lists users with an open realtime session
func (s *NotificationService) RealtimeSubscribers(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, redis.RealtimeSubscribersKey())
}

func tradePayload(t *model.Trade) model.TradePayload {
	ts := t.CreatedAt
	if t.FilledAt != nil {
		ts = *t.FilledAt
	}
	return model.TradePayload{
		BotID:     strconv.FormatInt(t.BotID, 10),
		TradeID:   strconv.FormatInt(t.ID, 10),
		LevelID:   strconv.FormatInt(t.GridLevelID, 10),
		Symbol:    t.Symbol,
		Side:      string(t.Side),
		Price:     t.Price,
		Volume:    t.Volume,
		Total:     t.Total,
		Profit:    t.Profit,
		OrderID:   t.OrderID,
		Status:    t.Status,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
