package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
)

func TestPaperExchange_FillsOnCross(t *testing.T) {
	ex := NewPaperExchange(nil, nil)
	ctx := context.Background()

	buy, err := ex.PlaceLimitOrder(ctx, "u1", "KRW-BTC", model.SideBuy, 1000, 2)
	require.NoError(t, err)
	sell, err := ex.PlaceLimitOrder(ctx, "u1", "KRW-BTC", model.SideSell, 1100, 2)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStateWait, buy.State)

	assert.Empty(t, ex.Cross("KRW-BTC", 1050))

	ex.OnPrice(model.PriceUpdate{Symbol: "KRW-BTC", Price: 995})
	got, err := ex.GetOrder(ctx, "u1", buy.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDone())
	assert.Equal(t, 1000.0, got.FillPrice())
	assert.Equal(t, 2.0, got.FillVolume())

	filled := ex.Cross("KRW-BTC", 1100)
	require.Len(t, filled, 1)
	assert.Equal(t, sell.ID, filled[0].ID)

	fills, err := ex.RecentFills(ctx, "u1", "", 10)
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	fills, err = ex.RecentFills(ctx, "u2", "", 10)
	require.NoError(t, err)
	assert.Empty(t, fills)
}

func TestPaperExchange_RoundsToTick(t *testing.T) {
	ex := NewPaperExchange(nil, nil)
	o, err := ex.PlaceLimitOrder(context.Background(), "u1", "KRW-BTC", model.SideBuy, 50_000_123, 0.001)
	require.NoError(t, err)
	assert.Equal(t, 50_000_000.0, o.Price)
}

func TestPaperExchange_Balances(t *testing.T) {
	ex := NewPaperExchange(nil, map[string]float64{QuoteCurrency: 1500})
	ctx := context.Background()

	o, err := ex.PlaceLimitOrder(ctx, "u1", "KRW-XRP", model.SideBuy, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, 500.0, ex.Balance(QuoteCurrency))

	_, err = ex.PlaceLimitOrder(ctx, "u1", "KRW-XRP", model.SideBuy, 1000, 1)
	assert.True(t, util.IsInsufficientBalance(err))

	_, err = ex.PlaceLimitOrder(ctx, "u1", "KRW-XRP", model.SideSell, 1100, 1)
	assert.True(t, util.IsInsufficientBalance(err))

	require.NoError(t, ex.CancelOrder(ctx, "u1", o.ID))
	assert.Equal(t, 1500.0, ex.Balance(QuoteCurrency))
	assert.True(t, util.IsOrderNotFound(ex.CancelOrder(ctx, "u1", o.ID)))

	_, err = ex.PlaceLimitOrder(ctx, "u1", "KRW-XRP", model.SideBuy, 1000, 1)
	require.NoError(t, err)
	ex.Cross("KRW-XRP", 1000)
	assert.Equal(t, 1.0, ex.Balance("XRP"))
	assert.Equal(t, map[string]float64{QuoteCurrency: 500, "XRP": 1}, ex.Balances())
	assert.Nil(t, NewPaperExchange(nil, nil).Balances())
}

func TestPaperExchange_GetOrdersFiltersByUser(t *testing.T) {
	ex := NewPaperExchange(nil, nil)
	ctx := context.Background()
	a, _ := ex.PlaceLimitOrder(ctx, "u1", "KRW-BTC", model.SideBuy, 1000, 1)
	b, _ := ex.PlaceLimitOrder(ctx, "u2", "KRW-BTC", model.SideBuy, 1000, 1)

	orders, err := ex.GetOrders(ctx, "u1", "", []string{a.ID, b.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, a.ID, orders[0].ID)

	_, err = ex.GetOrder(ctx, "u1", b.ID)
	assert.True(t, util.IsOrderNotFound(err))
}

func TestPaperExchange_TickerFromPriceSource(t *testing.T) {
	prices := newStaticPrices()
	prices.set("KRW-BTC", 42)
	ex := NewPaperExchange(prices, nil)

	p, err := ex.GetTickerPrice(context.Background(), "KRW-BTC")
	require.NoError(t, err)
	assert.Equal(t, 42.0, p)

	_, err = ex.GetTickerPrice(context.Background(), "KRW-ETH")
	assert.Error(t, err)
}
