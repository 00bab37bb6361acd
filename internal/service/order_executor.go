package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/service/grid"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/upbit"
)

// OrderExecutor places and tracks orders on Upbit with per-user keys.
type OrderExecutor struct {
	client *upbit.Client
	creds  *CredentialCache
	log    *logger.Logger
}

func NewOrderExecutor(client *upbit.Client, creds *CredentialCache) *OrderExecutor {
	return &OrderExecutor{
		client: client,
		creds:  creds,
		log:    logger.GetLogger().Component("order-executor"),
	}
}

func (e *OrderExecutor) credentials(ctx context.Context, userID string) (upbit.Credentials, error) {
	cred, err := e.creds.Get(ctx, userID)
	if err != nil {
		return upbit.Credentials{}, err
	}
	return upbit.Credentials{AccessKey: cred.AccessKey, SecretKey: cred.SecretKey}, nil
}

// CheckCredentials resolves the user's keys without calling the exchange.
func (e *OrderExecutor) CheckCredentials(ctx context.Context, userID string) error {
	_, err := e.credentials(ctx, userID)
	return err
}

// PlaceLimitOrder rounds price onto the tick grid before submitting.
func (e *OrderExecutor) PlaceLimitOrder(ctx context.Context, userID, symbol string, side model.OrderSide, price, volume float64) (*model.ExchangeOrder, error) {
	creds, err := e.credentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	req := upbit.OrderRequest{
		Market: symbol,
		Side:   toUpbitSide(side),
		Price:  grid.FormatPrice(grid.RoundPrice(price)),
		Volume: grid.FormatVolume(volume),
	}
	order, err := e.client.PlaceOrder(ctx, creds, req)
	if err != nil {
		return nil, translateError(err)
	}
	e.log.Debugf("Placed %s %s %s @ %s: %s", symbol, side, req.Volume, req.Price, order.UUID)
	return toExchangeOrder(order), nil
}

func (e *OrderExecutor) CancelOrder(ctx context.Context, userID, orderID string) error {
	creds, err := e.credentials(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := e.client.CancelOrder(ctx, creds, orderID); err != nil {
		return translateError(err)
	}
	return nil
}

func (e *OrderExecutor) GetOrder(ctx context.Context, userID, orderID string) (*model.ExchangeOrder, error) {
	creds, err := e.credentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	order, err := e.client.GetOrder(ctx, creds, orderID)
	if err != nil {
		return nil, translateError(err)
	}
	return toExchangeOrder(order), nil
}

// GetOrders looks orders up in batches of at most 100 ids.
func (e *OrderExecutor) GetOrders(ctx context.Context, userID, symbol string, orderIDs []string) ([]model.ExchangeOrder, error) {
	creds, err := e.credentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []model.ExchangeOrder
	for start := 0; start < len(orderIDs); start += 100 {
		end := start + 100
		if end > len(orderIDs) {
			end = len(orderIDs)
		}
		orders, err := e.client.GetOrdersByUUIDs(ctx, creds, symbol, orderIDs[start:end])
		if err != nil {
			return out, translateError(err)
		}
		for i := range orders {
			out = append(out, *toExchangeOrder(&orders[i]))
		}
	}
	return out, nil
}

func (e *OrderExecutor) RecentFills(ctx context.Context, userID, symbol string, limit int) ([]model.ExchangeOrder, error) {
	creds, err := e.credentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	orders, err := e.client.GetClosedOrders(ctx, creds, symbol, limit)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]model.ExchangeOrder, 0, len(orders))
	for i := range orders {
		out = append(out, *toExchangeOrder(&orders[i]))
	}
	return out, nil
}

// GetTickerPrice reads the public ticker.
func (e *OrderExecutor) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	tickers, err := e.client.GetTickers(ctx, symbol)
	if err != nil {
		return 0, translateError(err)
	}
	for _, t := range tickers {
		if strings.EqualFold(t.Symbol(), symbol) {
			return t.TradePrice, nil
		}
	}
	return 0, fmt.Errorf("no ticker for %s", symbol)
}

func toUpbitSide(side model.OrderSide) string {
	if side == model.SideSell {
		return upbit.SideAsk
	}
	return upbit.SideBid
}

func fromUpbitSide(side string) model.OrderSide {
	if side == upbit.SideAsk {
		return model.SideSell
	}
	return model.SideBuy
}

func fromUpbitState(state string) string {
	switch state {
	case upbit.StateDone:
		return model.OrderStateDone
	case upbit.StateCancel:
		return model.OrderStateCancel
	default:
		return model.OrderStateWait
	}
}

func toExchangeOrder(o *upbit.Order) *model.ExchangeOrder {
	created := o.CreatedTime()
	executed := created
	for _, t := range o.Trades {
		if ts, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil && ts.After(executed) {
			executed = ts
		}
	}
	return &model.ExchangeOrder{
		ID:             o.UUID,
		Symbol:         o.Market,
		Side:           fromUpbitSide(o.Side),
		State:          fromUpbitState(o.State),
		Price:          o.PriceFloat(),
		AvgPrice:       o.AveragePrice(),
		Volume:         o.VolumeFloat(),
		ExecutedVolume: o.ExecutedVolumeFloat(),
		CreatedAt:      created,
		ExecutedAt:     executed,
	}
}

func translateError(err error) error {
	var apiErr *upbit.APIError
	if errors.As(err, &apiErr) {
		return util.NewExchangeError(apiErr.StatusCode, apiErr.Name, apiErr.Message)
	}
	return err
}
