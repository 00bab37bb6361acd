package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"
)

type TradeRepository struct {
	redis *redis.Client
}

func NewTradeRepository(redisClient *redis.Client) *TradeRepository {
	return &TradeRepository{
		redis: redisClient,
	}
}

// Create stores a new trade in Redis and updates indexes
func (r *TradeRepository) Create(ctx context.Context, trade *model.Trade) error {
	if trade.ID == 0 {
		id, err := r.redis.Incr(ctx, redis.SequenceKey("trade"))
		if err != nil {
			return err
		}
		trade.ID = id
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}
	if trade.Status == "" {
		trade.Status = model.TradeStatusPending
	}

	if err := r.redis.SetJSON(ctx, redis.TradeKey(trade.ID), trade, 0); err != nil {
		return err
	}

	tradeIDStr := strconv.FormatInt(trade.ID, 10)
	if err := r.redis.ZAdd(ctx, redis.BotTradesKey(trade.BotID), redis.Z{
		Score:  float64(trade.CreatedAt.UnixMilli()),
		Member: tradeIDStr,
	}); err != nil {
		return err
	}
	if trade.OrderID != "" {
		return r.redis.Set(ctx, redis.TradeByOrderKey(trade.OrderID), tradeIDStr, 0)
	}
	return nil
}

// GetByID retrieves a trade by ID
func (r *TradeRepository) GetByID(ctx context.Context, tradeID int64) (*model.Trade, error) {
	var trade model.Trade
	if err := r.redis.GetJSON(ctx, redis.TradeKey(tradeID), &trade); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %d", ErrTradeNotFound, tradeID)
		}
		return nil, err
	}
	return &trade, nil
}

// GetByOrderID resolves the trade recorded for an exchange order
func (r *TradeRepository) GetByOrderID(ctx context.Context, orderID string) (*model.Trade, error) {
	idStr, err := r.redis.Get(ctx, redis.TradeByOrderKey(orderID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: order %s", ErrTradeNotFound, orderID)
		}
		return nil, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt trade index for %s: %w", orderID, err)
	}
	return r.GetByID(ctx, id)
}

// MarkFilled records the execution. A trade that is already filled is
// returned unchanged.
func (r *TradeRepository) MarkFilled(ctx context.Context, orderID string, price, volume float64, profit *float64, at time.Time) (*model.Trade, error) {
	trade, err := r.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if trade.Status == model.TradeStatusFilled {
		return trade, nil
	}

	filledAt := at.UTC()
	trade.Status = model.TradeStatusFilled
	trade.Price = price
	trade.Volume = volume
	trade.Total = price * volume
	trade.Profit = profit
	trade.FilledAt = &filledAt

	if err := r.redis.SetJSON(ctx, redis.TradeKey(trade.ID), trade, 0); err != nil {
		return nil, err
	}
	return trade, nil
}

// MarkCancelled flags a pending trade whose order was withdrawn
func (r *TradeRepository) MarkCancelled(ctx context.Context, orderID string) error {
	trade, err := r.GetByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if trade.Status != model.TradeStatusPending {
		return nil
	}
	trade.Status = model.TradeStatusCancelled
	return r.redis.SetJSON(ctx, redis.TradeKey(trade.ID), trade, 0)
}

// ListByBot returns the newest trades of a bot first
func (r *TradeRepository) ListByBot(ctx context.Context, botID int64, limit int64) ([]*model.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.redis.ZRevRange(ctx, redis.BotTradesKey(botID), 0, limit-1)
	if err != nil {
		return nil, err
	}

	trades := make([]*model.Trade, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		trade, err := r.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTradeNotFound) {
				continue
			}
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// DeleteByBot removes every trade of a bot
func (r *TradeRepository) DeleteByBot(ctx context.Context, botID int64) error {
	ids, err := r.redis.ZRange(ctx, redis.BotTradesKey(botID), 0, -1)
	if err != nil {
		return err
	}
	keys := []string{redis.BotTradesKey(botID)}
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		trade, err := r.GetByID(ctx, id)
		if err == nil && trade.OrderID != "" {
			keys = append(keys, redis.TradeByOrderKey(trade.OrderID))
		}
		keys = append(keys, redis.TradeKey(id))
	}
	return r.redis.Del(ctx, keys...)
}
