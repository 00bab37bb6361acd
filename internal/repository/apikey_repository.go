package repository

import (
	"context"
	"errors"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"
)

// APIKeyRepository handles encrypted exchange credentials
type APIKeyRepository struct {
	redis *redis.Client
}

// NewAPIKeyRepository creates a new API key repository
func NewAPIKeyRepository(redisClient *redis.Client) *APIKeyRepository {
	return &APIKeyRepository{
		redis: redisClient,
	}
}

// Save creates or replaces the key pair of a user
func (r *APIKeyRepository) Save(ctx context.Context, apiKey *model.APIKey) error {
	now := time.Now().UTC()
	if apiKey.CreatedAt.IsZero() {
		apiKey.CreatedAt = now
	}
	apiKey.UpdatedAt = now
	return r.redis.SetJSON(ctx, redis.APIKeyKey(apiKey.UserID), apiKey, 0)
}

// Get gets an API key by user ID
func (r *APIKeyRepository) Get(ctx context.Context, userID string) (*model.APIKey, error) {
	var apiKey model.APIKey
	if err := r.redis.GetJSON(ctx, redis.APIKeyKey(userID), &apiKey); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, err
	}
	return &apiKey, nil
}

// Delete deletes an API key
func (r *APIKeyRepository) Delete(ctx context.Context, userID string) error {
	return r.redis.Del(ctx, redis.APIKeyKey(userID))
}
