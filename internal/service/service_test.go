package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/repository"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/service/grid"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.New(redis.Config{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

type event struct {
	kind   string
	userID string
	botID  int64
	code   string
	trade  *model.Trade
}

type recordingSink struct {
	mu     sync.Mutex
	events []event
}

func (s *recordingSink) add(e event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) NotifyNewTrade(ctx context.Context, userID string, trade *model.Trade) {
	cp := *trade
	s.add(event{kind: "new_trade", userID: userID, botID: trade.BotID, trade: &cp})
}

func (s *recordingSink) NotifyTradeFilled(ctx context.Context, userID string, trade *model.Trade) {
	cp := *trade
	s.add(event{kind: "trade_filled", userID: userID, botID: trade.BotID, trade: &cp})
}

func (s *recordingSink) NotifyBotStatus(ctx context.Context, bot *model.Bot) {
	s.add(event{kind: "bot_status", userID: bot.UserID, botID: bot.ID})
}

func (s *recordingSink) NotifyBotError(ctx context.Context, bot *model.Bot, code, message string) {
	s.add(event{kind: "bot_error", userID: bot.UserID, botID: bot.ID, code: code})
}

func (s *recordingSink) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingSink) errorCodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var codes []string
	for _, e := range s.events {
		if e.kind == "bot_error" {
			codes = append(codes, e.code)
		}
	}
	return codes
}

type staticPrices struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
}

func newStaticPrices() *staticPrices {
	return &staticPrices{prices: make(map[string]float64)}
}

func (p *staticPrices) set(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

func (p *staticPrices) GetPrice(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	return price, ok
}

func (p *staticPrices) GetPriceOrFetch(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	price, ok := p.prices[symbol]
	if !ok {
		return 0, context.DeadlineExceeded
	}
	return price, nil
}

// scriptedExchange is a paper exchange with injectable failures.
type scriptedExchange struct {
	*PaperExchange

	mu        sync.Mutex
	failures  map[model.OrderSide][]error
	recentErr error
	places    []model.OrderSide
}

func newScriptedExchange(prices PriceSource) *scriptedExchange {
	return &scriptedExchange{
		PaperExchange: NewPaperExchange(prices, nil),
		failures:      make(map[model.OrderSide][]error),
	}
}

func (s *scriptedExchange) failNext(side model.OrderSide, errs ...error) {
	s.mu.Lock()
	s.failures[side] = append(s.failures[side], errs...)
	s.mu.Unlock()
}

func (s *scriptedExchange) PlaceLimitOrder(ctx context.Context, userID, symbol string, side model.OrderSide, price, volume float64) (*model.ExchangeOrder, error) {
	s.mu.Lock()
	s.places = append(s.places, side)
	if errs := s.failures[side]; len(errs) > 0 {
		err := errs[0]
		s.failures[side] = errs[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	return s.PaperExchange.PlaceLimitOrder(ctx, userID, symbol, side, price, volume)
}

func (s *scriptedExchange) RecentFills(ctx context.Context, userID, symbol string, limit int) ([]model.ExchangeOrder, error) {
	s.mu.Lock()
	err := s.recentErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.PaperExchange.RecentFills(ctx, userID, symbol, limit)
}

func (s *scriptedExchange) placeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.places)
}

type coreEnv struct {
	redis   *redis.Client
	mr      *miniredis.Miniredis
	core    *TradingCore
	bots    *repository.BotRepository
	levels  *repository.GridLevelRepository
	trades  *repository.TradeRepository
	profits *repository.ProfitRepository
	ex      *scriptedExchange
	prices  *staticPrices
	sink    *recordingSink
	sleeps  []time.Duration
}

func newCoreEnv(t *testing.T) *coreEnv {
	t.Helper()
	client, mr := newTestRedis(t)
	env := &coreEnv{
		redis:   client,
		mr:      mr,
		bots:    repository.NewBotRepository(client),
		levels:  repository.NewGridLevelRepository(client),
		trades:  repository.NewTradeRepository(client),
		profits: repository.NewProfitRepository(client),
		prices:  newStaticPrices(),
		sink:    &recordingSink{},
	}
	env.ex = newScriptedExchange(env.prices)
	env.core = NewTradingCore(env.bots, env.levels, env.trades, env.profits, env.ex, env.prices, env.sink, TradingCoreConfig{})
	env.core.sleep = func(ctx context.Context, d time.Duration) bool {
		env.sleeps = append(env.sleeps, d)
		return true
	}
	return env
}

// startBot creates a running bot with levels laid out around refPrice.
func (e *coreEnv) startBot(t *testing.T, userID string, lower, upper, step, amount, refPrice float64) *model.Bot {
	t.Helper()
	ctx := context.Background()
	bot := &model.Bot{
		UserID:             userID,
		Symbol:             "KRW-TEST",
		LowerPrice:         lower,
		UpperPrice:         upper,
		PriceChangePercent: step,
		OrderAmount:        amount,
	}
	require.NoError(t, e.bots.Create(ctx, bot))
	ladder, err := grid.ComputeLadder(lower, upper, step)
	require.NoError(t, err)
	_, err = e.core.Ledger().CreateLevels(ctx, bot, ladder, refPrice)
	require.NoError(t, err)
	require.NoError(t, e.bots.UpdateStatus(ctx, bot, model.BotStatusRunning, ""))
	return bot
}

func (e *coreEnv) levelAt(t *testing.T, botID int64, side model.OrderSide, price float64) *model.GridLevel {
	t.Helper()
	levels, err := e.levels.ListByBot(context.Background(), botID)
	require.NoError(t, err)
	for _, l := range levels {
		if l.Side == side && l.Price == price {
			return l
		}
	}
	t.Fatalf("no %s level at %v for bot %d", side, price, botID)
	return nil
}

func (e *coreEnv) runningBots(t *testing.T) []*model.Bot {
	t.Helper()
	bots, err := e.bots.ListByStatus(context.Background(), model.BotStatusRunning)
	require.NoError(t, err)
	return bots
}

func (e *coreEnv) reloadBot(t *testing.T, botID int64) *model.Bot {
	t.Helper()
	bot, err := e.bots.GetByID(context.Background(), botID)
	require.NoError(t, err)
	return bot
}
