package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"
)

var botStatuses = []string{model.BotStatusStopped, model.BotStatusRunning, model.BotStatusError}

// Bot state hash fields
const (
	fieldStatus         = "status"
	fieldErrorMessage   = "error_message"
	fieldTotalTrades    = "total_trades"
	fieldCurrentProfit  = "current_profit"
	fieldLastExecutedAt = "last_executed_at"
	fieldUpdatedAt      = "updated_at"
)

// BotRepository stores the bot configuration as a JSON document and the
// runtime fields in a hash so counters can be incremented atomically.
type BotRepository struct {
	redis *redis.Client
}

func NewBotRepository(redisClient *redis.Client) *BotRepository {
	return &BotRepository{
		redis: redisClient,
	}
}

// Create persists a new bot in the stopped state
func (r *BotRepository) Create(ctx context.Context, bot *model.Bot) error {
	if bot.ID == 0 {
		id, err := r.redis.Incr(ctx, redis.SequenceKey("bot"))
		if err != nil {
			return err
		}
		bot.ID = id
	}

	now := time.Now().UTC()
	bot.CreatedAt = now
	bot.UpdatedAt = now
	bot.Status = model.BotStatusStopped
	bot.ErrorMessage = nil

	botIDStr := strconv.FormatInt(bot.ID, 10)

	pipe := r.redis.TxPipeline()
	data, err := json.Marshal(bot)
	if err != nil {
		return err
	}
	pipe.Set(ctx, redis.BotKey(bot.ID), data, 0)
	pipe.HSet(ctx, redis.BotStateKey(bot.ID),
		fieldStatus, bot.Status,
		fieldErrorMessage, "",
		fieldTotalTrades, bot.TotalTrades,
		fieldCurrentProfit, bot.CurrentProfit,
		fieldUpdatedAt, now.UnixMilli(),
	)
	pipe.SAdd(ctx, redis.UserBotsKey(bot.UserID), botIDStr)
	pipe.SAdd(ctx, redis.BotsByStatusKey(bot.Status), botIDStr)
	_, err = pipe.Exec(ctx)
	return err
}

// GetByID retrieves a bot by ID
func (r *BotRepository) GetByID(ctx context.Context, botID int64) (*model.Bot, error) {
	var bot model.Bot
	if err := r.redis.GetJSON(ctx, redis.BotKey(botID), &bot); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %d", ErrBotNotFound, botID)
		}
		return nil, err
	}

	state, err := r.redis.HGetAll(ctx, redis.BotStateKey(botID))
	if err != nil {
		return nil, err
	}
	applyState(&bot, state)
	return &bot, nil
}

// ListByStatus returns every bot in the given status, ordered by ID
func (r *BotRepository) ListByStatus(ctx context.Context, status string) ([]*model.Bot, error) {
	ids, err := r.redis.SMembers(ctx, redis.BotsByStatusKey(status))
	if err != nil {
		return nil, err
	}
	return r.listByIDs(ctx, ids)
}

// ListByUser returns every bot of a user, ordered by ID
func (r *BotRepository) ListByUser(ctx context.Context, userID string) ([]*model.Bot, error) {
	ids, err := r.redis.SMembers(ctx, redis.UserBotsKey(userID))
	if err != nil {
		return nil, err
	}
	return r.listByIDs(ctx, ids)
}

func (r *BotRepository) listByIDs(ctx context.Context, ids []string) ([]*model.Bot, error) {
	bots := make([]*model.Bot, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		bot, err := r.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrBotNotFound) {
				continue
			}
			return nil, err
		}
		bots = append(bots, bot)
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	return bots, nil
}

// UpdateStatus moves the bot between status indexes. An empty errMsg
// clears the stored error.
func (r *BotRepository) UpdateStatus(ctx context.Context, bot *model.Bot, status, errMsg string) error {
	botIDStr := strconv.FormatInt(bot.ID, 10)
	now := time.Now().UTC()

	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, redis.BotStateKey(bot.ID),
		fieldStatus, status,
		fieldErrorMessage, errMsg,
		fieldUpdatedAt, now.UnixMilli(),
	)
	for _, s := range botStatuses {
		if s != status {
			pipe.SRem(ctx, redis.BotsByStatusKey(s), botIDStr)
		}
	}
	pipe.SAdd(ctx, redis.BotsByStatusKey(status), botIDStr)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	bot.Status = status
	bot.UpdatedAt = now
	if errMsg == "" {
		bot.ErrorMessage = nil
	} else {
		bot.ErrorMessage = &errMsg
	}
	return nil
}

// SetErrorMessage records a transient problem without touching the status
func (r *BotRepository) SetErrorMessage(ctx context.Context, botID int64, msg string) error {
	return r.redis.HSet(ctx, redis.BotStateKey(botID), fieldErrorMessage, msg)
}

// IncrementStats adds to the trade counter and realised profit
func (r *BotRepository) IncrementStats(ctx context.Context, botID int64, trades int64, profit float64) error {
	key := redis.BotStateKey(botID)
	pipe := r.redis.TxPipeline()
	pipe.HIncrBy(ctx, key, fieldTotalTrades, trades)
	pipe.HIncrByFloat(ctx, key, fieldCurrentProfit, profit)
	_, err := pipe.Exec(ctx)
	return err
}

// TouchExecuted records the time of the last execution tick for the bot
func (r *BotRepository) TouchExecuted(ctx context.Context, botID int64, at time.Time) error {
	return r.redis.HSet(ctx, redis.BotStateKey(botID), fieldLastExecutedAt, at.UnixMilli())
}

// Delete removes the bot and its indexes
func (r *BotRepository) Delete(ctx context.Context, bot *model.Bot) error {
	botIDStr := strconv.FormatInt(bot.ID, 10)
	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, redis.BotKey(bot.ID), redis.BotStateKey(bot.ID))
	pipe.SRem(ctx, redis.UserBotsKey(bot.UserID), botIDStr)
	for _, s := range botStatuses {
		pipe.SRem(ctx, redis.BotsByStatusKey(s), botIDStr)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func applyState(bot *model.Bot, state map[string]string) {
	if s, ok := state[fieldStatus]; ok && s != "" {
		bot.Status = s
	}
	if msg := state[fieldErrorMessage]; msg != "" {
		bot.ErrorMessage = &msg
	} else {
		bot.ErrorMessage = nil
	}
	if v, err := strconv.ParseInt(state[fieldTotalTrades], 10, 64); err == nil {
		bot.TotalTrades = v
	}
	if v, err := strconv.ParseFloat(state[fieldCurrentProfit], 64); err == nil {
		bot.CurrentProfit = v
	}
	bot.LastExecutedAt = parseMillis(state[fieldLastExecutedAt])
	if t := parseMillis(state[fieldUpdatedAt]); t != nil {
		bot.UpdatedAt = *t
	}
}
