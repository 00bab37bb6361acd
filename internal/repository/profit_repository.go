package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"
)

// ProfitRepository keeps the per-user profit log and monthly totals
type ProfitRepository struct {
	redis *redis.Client
}

func NewProfitRepository(redisClient *redis.Client) *ProfitRepository {
	return &ProfitRepository{
		redis: redisClient,
	}
}

// appendOnceScript logs a profit unless the trade was already counted.
//
//	KEYS[1] counted trade set, KEYS[2] log, KEYS[3] monthly hash
//	ARGV[1] trade id, ARGV[2] record, ARGV[3] month, ARGV[4] profit
var appendOnceScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('HINCRBYFLOAT', KEYS[3], ARGV[3], ARGV[4])
redis.call('SADD', KEYS[1], ARGV[1])
return 1
`)

// Append logs a realised profit and adds it to the month bucket. A record
// carrying a trade ID is counted at most once per trade.
func (r *ProfitRepository) Append(ctx context.Context, rec *model.ProfitRecord) error {
	if rec.RecordAt.IsZero() {
		rec.RecordAt = time.Now().UTC()
	}
	if rec.Month == "" {
		rec.Month = model.MonthBucket(rec.RecordAt)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if rec.TradeID > 0 {
		_, err = r.redis.RunScript(ctx, appendOnceScript,
			[]string{redis.ProfitTradesKey(rec.UserID), redis.ProfitLogKey(rec.UserID), redis.ProfitMonthlyKey(rec.UserID)},
			strconv.FormatInt(rec.TradeID, 10), string(data), rec.Month, strconv.FormatFloat(rec.Profit, 'f', -1, 64))
		return err
	}

	pipe := r.redis.TxPipeline()
	pipe.RPush(ctx, redis.ProfitLogKey(rec.UserID), data)
	pipe.HIncrByFloat(ctx, redis.ProfitMonthlyKey(rec.UserID), rec.Month, rec.Profit)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns the profit log of a user, oldest first
func (r *ProfitRepository) List(ctx context.Context, userID string) ([]model.ProfitRecord, error) {
	rows, err := r.redis.LRange(ctx, redis.ProfitLogKey(userID), 0, -1)
	if err != nil {
		return nil, err
	}
	records := make([]model.ProfitRecord, 0, len(rows))
	for _, row := range rows {
		var rec model.ProfitRecord
		if err := json.Unmarshal([]byte(row), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// MonthlyTotals maps "2006-01" to the realised profit of that month
func (r *ProfitRepository) MonthlyTotals(ctx context.Context, userID string) (map[string]float64, error) {
	raw, err := r.redis.HGetAll(ctx, redis.ProfitMonthlyKey(userID))
	if err != nil {
		return nil, err
	}
	totals := make(map[string]float64, len(raw))
	for month, v := range raw {
		totals[month] = parseFloat(v)
	}
	return totals, nil
}

// Snapshot keeps a bot's final counters after the bot itself is deleted
func (r *ProfitRepository) Snapshot(ctx context.Context, bot *model.Bot) error {
	data, err := json.Marshal(map[string]interface{}{
		"bot_id":         bot.ID,
		"symbol":         bot.Symbol,
		"current_profit": bot.CurrentProfit,
		"total_trades":   bot.TotalTrades,
		"deleted_at":     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.redis.HSet(ctx, redis.ProfitSnapshotKey(bot.UserID), strconv.FormatInt(bot.ID, 10), data)
}
