package service

import (
	"context"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
)

// Exchange is the order surface the engine trades through. Errors from
// the venue are *util.ExchangeError so the util classifiers apply.
type Exchange interface {
	CheckCredentials(ctx context.Context, userID string) error
	PlaceLimitOrder(ctx context.Context, userID, symbol string, side model.OrderSide, price, volume float64) (*model.ExchangeOrder, error)
	CancelOrder(ctx context.Context, userID, orderID string) error
	GetOrder(ctx context.Context, userID, orderID string) (*model.ExchangeOrder, error)
	GetOrders(ctx context.Context, userID, symbol string, orderIDs []string) ([]model.ExchangeOrder, error)
	// RecentFills returns done orders newest first. An empty symbol spans
	// every market of the account.
	RecentFills(ctx context.Context, userID, symbol string, limit int) ([]model.ExchangeOrder, error)
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
}
