package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"

	redislib "github.com/redis/go-redis/v9"
)

// transitionScript moves a level hash between statuses atomically.
//
//	KEYS[1]       level hash
//	ARGV[1]       target status
//	ARGV[2]       order condition: "any", "empty" or "eq:<order id>"
//	ARGV[3]       n, the number of accepted source statuses
//	ARGV[4..3+n]  accepted source statuses
//	ARGV[4+n..]   field/value pairs written on success
//
// Returns 1 when the transition was applied, 0 otherwise.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return 0
end
local n = tonumber(ARGV[3])
local matched = false
for i = 4, 3 + n do
  if cur == ARGV[i] then
    matched = true
    break
  end
end
if not matched then
  return 0
end
local cond = ARGV[2]
if cond ~= 'any' then
  local oid = redis.call('HGET', KEYS[1], 'order_id')
  if not oid then
    oid = ''
  end
  if cond == 'empty' then
    if oid ~= '' then
      return 0
    end
  elseif string.sub(cond, 1, 3) == 'eq:' then
    if oid ~= string.sub(cond, 4) then
      return 0
    end
  end
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
for i = 4 + n, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

const (
	orderAny   = "any"
	orderEmpty = "empty"
)

func orderEq(orderID string) string {
	return "eq:" + orderID
}

// GridLevelRepository stores each level as a hash so its status can be
// compared-and-swapped server side. Levels of a bot are indexed in a
// sorted set scored by price.
type GridLevelRepository struct {
	redis *redis.Client
	now   func() time.Time
}

func NewGridLevelRepository(redisClient *redis.Client) *GridLevelRepository {
	return &GridLevelRepository{
		redis: redisClient,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateBatch assigns IDs and persists levels in one transaction.
func (r *GridLevelRepository) CreateBatch(ctx context.Context, levels []*model.GridLevel) error {
	if len(levels) == 0 {
		return nil
	}
	last, err := r.redis.IncrBy(ctx, redis.SequenceKey("grid_level"), int64(len(levels)))
	if err != nil {
		return err
	}
	first := last - int64(len(levels)) + 1
	now := r.now()

	pipe := r.redis.TxPipeline()
	for i, l := range levels {
		l.ID = first + int64(i)
		l.UpdatedAt = now
		pipe.HSet(ctx, redis.GridLevelKey(l.ID), levelFields(l)...)
		pipe.ZAdd(ctx, redis.BotLevelsKey(l.BotID), redis.Z{Score: l.Price, Member: strconv.FormatInt(l.ID, 10)})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetByID loads one level
func (r *GridLevelRepository) GetByID(ctx context.Context, levelID int64) (*model.GridLevel, error) {
	m, err := r.redis.HGetAll(ctx, redis.GridLevelKey(levelID))
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrLevelNotFound, levelID)
	}
	return levelFromHash(m), nil
}

// GetByOrderID resolves the level an exchange order was placed for
func (r *GridLevelRepository) GetByOrderID(ctx context.Context, orderID string) (*model.GridLevel, error) {
	idStr, err := r.redis.Get(ctx, redis.LevelByOrderKey(orderID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: order %s", ErrLevelNotFound, orderID)
		}
		return nil, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt order index for %s: %w", orderID, err)
	}
	return r.GetByID(ctx, id)
}

// ListByBot returns the bot's levels ordered by price, then ID
func (r *GridLevelRepository) ListByBot(ctx context.Context, botID int64) ([]*model.GridLevel, error) {
	ids, err := r.redis.ZRange(ctx, redis.BotLevelsKey(botID), 0, -1)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redislib.MapStringStringCmd, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		cmds = append(cmds, pipe.HGetAll(ctx, redis.GridLevelKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	levels := make([]*model.GridLevel, 0, len(cmds))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		levels = append(levels, levelFromHash(m))
	}
	sort.SliceStable(levels, func(i, j int) bool {
		if levels[i].Price != levels[j].Price {
			return levels[i].Price < levels[j].Price
		}
		return levels[i].ID < levels[j].ID
	})
	return levels, nil
}

// ListByStatus filters ListByBot
func (r *GridLevelRepository) ListByStatus(ctx context.Context, botID int64, status model.LevelStatus) ([]*model.GridLevel, error) {
	all, err := r.ListByBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, l := range all {
		if l.Status == status {
			out = append(out, l)
		}
	}
	return out, nil
}

// Claim is the single atomic gate of order placement: available -> pending.
// Exactly one concurrent caller gets true.
func (r *GridLevelRepository) Claim(ctx context.Context, levelID int64) (bool, error) {
	now := r.now()
	return r.transition(ctx, levelID, model.LevelPending, orderEmpty,
		[]model.LevelStatus{model.LevelAvailable},
		"claimed_at", now.UnixMilli(), "updated_at", now.UnixMilli())
}

// ClaimForRotation claims the counterpart of a filled level.
func (r *GridLevelRepository) ClaimForRotation(ctx context.Context, levelID int64) (bool, error) {
	now := r.now()
	return r.transition(ctx, levelID, model.LevelPending, orderAny,
		[]model.LevelStatus{model.LevelFilled, model.LevelInactive, model.LevelAvailable},
		"order_id", "", "claimed_at", now.UnixMilli(), "updated_at", now.UnixMilli())
}

// AttachOrder records the exchange order on a claimed level.
func (r *GridLevelRepository) AttachOrder(ctx context.Context, levelID int64, orderID string, volume float64) (bool, error) {
	ok, err := r.transition(ctx, levelID, model.LevelPending, orderEmpty,
		[]model.LevelStatus{model.LevelPending},
		"order_id", orderID, "volume", formatFloat(volume), "updated_at", r.now().UnixMilli())
	if err != nil || !ok {
		return ok, err
	}
	return true, r.redis.Set(ctx, redis.LevelByOrderKey(orderID), strconv.FormatInt(levelID, 10), 0)
}

// ReleaseClaim undoes Claim when no order was placed.
func (r *GridLevelRepository) ReleaseClaim(ctx context.Context, levelID int64) (bool, error) {
	return r.transition(ctx, levelID, model.LevelAvailable, orderEmpty,
		[]model.LevelStatus{model.LevelPending},
		"claimed_at", "", "updated_at", r.now().UnixMilli())
}

// MarkFilled is the fill gate: pending -> filled for the given order.
// Only the first of several concurrent fill paths gets true.
func (r *GridLevelRepository) MarkFilled(ctx context.Context, levelID int64, orderID string, filledAt time.Time) (bool, error) {
	ok, err := r.transition(ctx, levelID, model.LevelFilled, orderEq(orderID),
		[]model.LevelStatus{model.LevelPending},
		"filled_at", filledAt.UnixMilli(), "updated_at", r.now().UnixMilli())
	if err != nil || !ok {
		return ok, err
	}
	// a leftover index entry only ever resolves to a level that is no
	// longer pending for this order
	_ = r.redis.Del(ctx, redis.LevelByOrderKey(orderID))
	return true, nil
}

// RevertFill undoes MarkFilled when the fill could not be settled, so the
// next sweep or pushed event delivers it again.
func (r *GridLevelRepository) RevertFill(ctx context.Context, levelID int64, orderID string) (bool, error) {
	ok, err := r.transition(ctx, levelID, model.LevelPending, orderEq(orderID),
		[]model.LevelStatus{model.LevelFilled},
		"filled_at", "", "updated_at", r.now().UnixMilli())
	if err != nil || !ok {
		return ok, err
	}
	return true, r.redis.Set(ctx, redis.LevelByOrderKey(orderID), strconv.FormatInt(levelID, 10), 0)
}

// Deactivate parks a pending level whose order was cancelled.
func (r *GridLevelRepository) Deactivate(ctx context.Context, levelID int64, orderID string) (bool, error) {
	ok, err := r.transition(ctx, levelID, model.LevelInactive, orderEq(orderID),
		[]model.LevelStatus{model.LevelPending},
		"order_id", "", "claimed_at", "", "updated_at", r.now().UnixMilli())
	if err != nil || !ok {
		return ok, err
	}
	return true, r.redis.Del(ctx, redis.LevelByOrderKey(orderID))
}

// ReleaseOrder returns a pending level to available after its order was
// cancelled outside the engine.
func (r *GridLevelRepository) ReleaseOrder(ctx context.Context, levelID int64, orderID string) (bool, error) {
	ok, err := r.transition(ctx, levelID, model.LevelAvailable, orderEq(orderID),
		[]model.LevelStatus{model.LevelPending},
		"order_id", "", "claimed_at", "", "updated_at", r.now().UnixMilli())
	if err != nil || !ok {
		return ok, err
	}
	return true, r.redis.Del(ctx, redis.LevelByOrderKey(orderID))
}

// Activate makes an inactive level tradable again.
func (r *GridLevelRepository) Activate(ctx context.Context, levelID int64) (bool, error) {
	return r.transition(ctx, levelID, model.LevelAvailable, orderAny,
		[]model.LevelStatus{model.LevelInactive},
		"updated_at", r.now().UnixMilli())
}

// ReleaseStaleClaims frees pending levels that never got an order id
// and were claimed before cutoff.
func (r *GridLevelRepository) ReleaseStaleClaims(ctx context.Context, botID int64, cutoff time.Time) (int, error) {
	pending, err := r.ListByStatus(ctx, botID, model.LevelPending)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, l := range pending {
		if l.HasOrder() || l.ClaimedAt == nil || !l.ClaimedAt.Before(cutoff) {
			continue
		}
		ok, err := r.ReleaseClaim(ctx, l.ID)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	return released, nil
}

// DeleteByBot removes all levels of a bot
func (r *GridLevelRepository) DeleteByBot(ctx context.Context, botID int64) error {
	levels, err := r.ListByBot(ctx, botID)
	if err != nil {
		return err
	}
	keys := []string{redis.BotLevelsKey(botID)}
	for _, l := range levels {
		keys = append(keys, redis.GridLevelKey(l.ID))
		if l.HasOrder() {
			keys = append(keys, redis.LevelByOrderKey(l.OrderID))
		}
	}
	return r.redis.Del(ctx, keys...)
}

func (r *GridLevelRepository) transition(ctx context.Context, levelID int64, to model.LevelStatus, cond string, from []model.LevelStatus, sets ...interface{}) (bool, error) {
	args := make([]interface{}, 0, 3+len(from)+len(sets))
	args = append(args, string(to), cond, len(from))
	for _, s := range from {
		args = append(args, string(s))
	}
	args = append(args, sets...)

	res, err := r.redis.RunScript(ctx, transitionScript, []string{redis.GridLevelKey(levelID)}, args...)
	if err != nil {
		return false, fmt.Errorf("level %d -> %s: %w", levelID, to, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func levelFields(l *model.GridLevel) []interface{} {
	return []interface{}{
		"id", l.ID,
		"bot_id", l.BotID,
		"price", formatFloat(l.Price),
		"side", string(l.Side),
		"status", string(l.Status),
		"order_id", l.OrderID,
		"counter_price", formatFloat(l.CounterPrice()),
		"volume", formatFloat(l.Volume),
		"claimed_at", formatMillis(l.ClaimedAt),
		"filled_at", formatMillis(l.FilledAt),
		"updated_at", l.UpdatedAt.UnixMilli(),
	}
}

func levelFromHash(m map[string]string) *model.GridLevel {
	id, _ := strconv.ParseInt(m["id"], 10, 64)
	botID, _ := strconv.ParseInt(m["bot_id"], 10, 64)
	l := model.GridLevel{
		ID:        id,
		BotID:     botID,
		Price:     parseFloat(m["price"]),
		Side:      model.OrderSide(m["side"]),
		Status:    model.LevelStatus(m["status"]),
		OrderID:   m["order_id"],
		Volume:    parseFloat(m["volume"]),
		ClaimedAt: parseMillis(m["claimed_at"]),
		FilledAt:  parseMillis(m["filled_at"]),
	}
	if t := parseMillis(m["updated_at"]); t != nil {
		l.UpdatedAt = *t
	}
	return model.RestoreLevel(l, parseFloat(m["counter_price"]))
}
