package repository

import (
	"context"
	"errors"

	redislib "github.com/redis/go-redis/v9"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"
)

// BalanceRepository persists the paper trading account between restarts
type BalanceRepository struct {
	redis *redis.Client
}

func NewBalanceRepository(redisClient *redis.Client) *BalanceRepository {
	return &BalanceRepository{
		redis: redisClient,
	}
}

// LoadPaperBalances returns the saved balances, nil when none were saved
func (r *BalanceRepository) LoadPaperBalances(ctx context.Context) (map[string]float64, error) {
	var balances map[string]float64
	err := r.redis.GetJSON(ctx, redis.PaperBalanceKey(), &balances)
	if errors.Is(err, redislib.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return balances, nil
}

// SavePaperBalances overwrites the saved balances
func (r *BalanceRepository) SavePaperBalances(ctx context.Context, balances map[string]float64) error {
	return r.redis.SetJSON(ctx, redis.PaperBalanceKey(), balances, 0)
}
