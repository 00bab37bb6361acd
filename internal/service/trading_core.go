package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/repository"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/service/grid"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
)

// PriceProvider is the cached price lookup with REST fallback.
type PriceProvider interface {
	GetPrice(symbol string) (float64, bool)
	GetPriceOrFetch(ctx context.Context, symbol string) (float64, error)
}

// EventSink receives the engine's user-facing events.
type EventSink interface {
	NotifyNewTrade(ctx context.Context, userID string, trade *model.Trade)
	NotifyTradeFilled(ctx context.Context, userID string, trade *model.Trade)
	NotifyBotStatus(ctx context.Context, bot *model.Bot)
	NotifyBotError(ctx context.Context, bot *model.Bot, code, message string)
}

// FillRegistry tracks which placed orders belong to which level so the
// push path can route fills.
type FillRegistry interface {
	Register(orderID string, botID, levelID int64)
	Forget(orderID string)
	ForgetBot(botID int64)
}

// RetryPolicy is a bounded retry loop: one attempt plus MaxRetries, with
// Delay(n) before the n-th retry.
type RetryPolicy struct {
	MaxRetries int
	Delay      func(retry int) time.Duration
}

// LinearBackoff waits step × retry before each retry.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration { return time.Duration(retry) * step }
}

// TradingCoreConfig holds the trading knobs. Zero values take defaults.
type TradingCoreConfig struct {
	FeeRate         float64
	Rotation        RetryPolicy
	TrimKeep        int
	RecentFillLimit int
	StaleAfter      time.Duration
	StaleBatch      int
}

func (c *TradingCoreConfig) applyDefaults() {
	if c.FeeRate <= 0 {
		c.FeeRate = grid.DefaultFeeRate
	}
	if c.Rotation.Delay == nil {
		c.Rotation = RetryPolicy{MaxRetries: 3, Delay: LinearBackoff(5 * time.Second)}
	}
	if c.TrimKeep <= 0 {
		c.TrimKeep = 7
	}
	if c.RecentFillLimit <= 0 {
		c.RecentFillLimit = 100
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.StaleBatch <= 0 {
		c.StaleBatch = 20
	}
}

// TradingCore runs trade cycles and processes fills for every bot.
type TradingCore struct {
	bots     *repository.BotRepository
	levels   *repository.GridLevelRepository
	trades   *repository.TradeRepository
	profits  *repository.ProfitRepository
	ledger   *grid.Ledger
	exchange Exchange
	prices   PriceProvider
	events   EventSink
	fills    FillRegistry
	cfg      TradingCoreConfig
	log      *logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	hookMu sync.RWMutex
	placed []PlacedHook
}

// PlacedHook observes every order attached to a level.
type PlacedHook func(bot *model.Bot, levelID int64, side model.OrderSide, price float64)

func NewTradingCore(
	bots *repository.BotRepository,
	levels *repository.GridLevelRepository,
	trades *repository.TradeRepository,
	profits *repository.ProfitRepository,
	exchange Exchange,
	prices PriceProvider,
	events EventSink,
	cfg TradingCoreConfig,
) *TradingCore {
	cfg.applyDefaults()
	return &TradingCore{
		bots:     bots,
		levels:   levels,
		trades:   trades,
		profits:  profits,
		ledger:   grid.NewLedger(levels),
		exchange: exchange,
		prices:   prices,
		events:   events,
		fills:    noopRegistry{},
		cfg:      cfg,
		log:      logger.GetLogger().Component("trading-core"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// SetFillRegistry wires the push path after both sides are constructed.
func (c *TradingCore) SetFillRegistry(r FillRegistry) {
	if r == nil {
		r = noopRegistry{}
	}
	c.fills = r
}

// OnOrderPlaced adds a hook called after each placed order is attached.
func (c *TradingCore) OnOrderPlaced(h PlacedHook) {
	c.hookMu.Lock()
	c.placed = append(c.placed, h)
	c.hookMu.Unlock()
}

func (c *TradingCore) notifyPlaced(bot *model.Bot, levelID int64, side model.OrderSide, price float64) {
	c.hookMu.RLock()
	hooks := c.placed
	c.hookMu.RUnlock()
	for _, h := range hooks {
		h(bot, levelID, side, price)
	}
}

// Ledger exposes the level store to the lifecycle helpers.
func (c *TradingCore) Ledger() *grid.Ledger {
	return c.ledger
}

type noopRegistry struct{}

func (noopRegistry) Register(string, int64, int64) {}
func (noopRegistry) Forget(string)                 {}
func (noopRegistry) ForgetBot(int64)               {}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ExecuteTrade runs one cycle for a running bot: price, executable levels,
// claim, place. Failures are classified and recorded on the bot.
func (c *TradingCore) ExecuteTrade(ctx context.Context, botID int64) error {
	bot, err := c.bots.GetByID(ctx, botID)
	if err != nil {
		return err
	}
	if !bot.IsRunning() {
		return nil
	}

	if err := c.exchange.CheckCredentials(ctx, bot.UserID); err != nil {
		return c.handleError(ctx, bot, err)
	}

	price, err := c.prices.GetPriceOrFetch(ctx, bot.Symbol)
	if err != nil {
		return c.handleError(ctx, bot, err)
	}

	if n, err := c.ledger.ReactivateInactiveBuys(ctx, bot.ID, price); err != nil {
		return c.handleError(ctx, bot, err)
	} else if n > 0 {
		c.log.Debugf("Bot %d: reactivated %d buy levels at %v", bot.ID, n, price)
	}

	exec, err := c.ledger.FindExecutable(ctx, bot.ID, price)
	if err != nil {
		return c.handleError(ctx, bot, err)
	}

	for _, level := range exec.List() {
		if err := c.executeLevel(ctx, bot, level); err != nil {
			return c.handleError(ctx, bot, err)
		}
	}

	if err := c.bots.TouchExecuted(ctx, bot.ID, c.now()); err != nil {
		c.log.Warnf("Bot %d: failed to record execution time: %v", bot.ID, err)
	}
	return nil
}

func (c *TradingCore) executeLevel(ctx context.Context, bot *model.Bot, level *model.GridLevel) error {
	ok, err := c.levels.Claim(ctx, level.ID)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debugf("Bot %d: level %d already claimed", bot.ID, level.ID)
		return nil
	}

	volume := c.levelVolume(bot, level)
	if _, err := c.placeForLevel(ctx, bot, level, level.Side, level.Price, volume); err != nil {
		if _, relErr := c.levels.ReleaseClaim(ctx, level.ID); relErr != nil {
			c.log.Errorf("Bot %d: failed to release claim on level %d: %v", bot.ID, level.ID, relErr)
		}
		return fmt.Errorf("place %s at %v: %w", level.Side, level.Price, err)
	}
	return nil
}

// levelVolume sizes an order so that one round trip trades OrderAmount
// worth at the buy rung.
func (c *TradingCore) levelVolume(bot *model.Bot, level *model.GridLevel) float64 {
	buyPrice := level.Price
	if p, ok := level.Pair().(model.SellLevel); ok {
		buyPrice = p.BuyPrice
	}
	return grid.OrderVolume(bot.OrderAmount, buyPrice)
}

// placeForLevel submits the order for a claimed level, records the
// pending trade and attaches the order id to the level.
func (c *TradingCore) placeForLevel(ctx context.Context, bot *model.Bot, level *model.GridLevel, side model.OrderSide, price, volume float64) (*model.Trade, error) {
	price = grid.RoundPrice(price)
	order, err := c.exchange.PlaceLimitOrder(ctx, bot.UserID, bot.Symbol, side, price, volume)
	if err != nil {
		return nil, err
	}

	attached, err := c.levels.AttachOrder(ctx, level.ID, order.ID, volume)
	if err != nil {
		return nil, err
	}
	if !attached {
		c.log.Errorf("Bot %d: level %d lost its claim before order %s was attached", bot.ID, level.ID, order.ID)
	}
	c.fills.Register(order.ID, bot.ID, level.ID)
	c.notifyPlaced(bot, level.ID, side, price)

	trade := &model.Trade{
		BotID:       bot.ID,
		UserID:      bot.UserID,
		GridLevelID: level.ID,
		Symbol:      bot.Symbol,
		Side:        side,
		Price:       price,
		Volume:      volume,
		Total:       price * volume,
		OrderID:     order.ID,
		Status:      model.TradeStatusPending,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.trades.Create(ctx, trade); err != nil {
		return nil, fmt.Errorf("record trade for order %s: %w", order.ID, err)
	}

	c.log.Infof("Bot %d: placed %s %s %.8f @ %v (level %d, order %s)",
		bot.ID, bot.Symbol, side, volume, price, level.ID, order.ID)
	c.events.NotifyNewTrade(ctx, bot.UserID, trade)
	return trade, nil
}

// ProcessFilledOrder applies a confirmed fill. Only the first caller for
// a given order gets past the pending -> filled claim; every other call
// returns nil without side effects. When settling the fill fails the
// claim is reverted so a later sweep or pushed event retries it.
func (c *TradingCore) ProcessFilledOrder(ctx context.Context, level *model.GridLevel, order *model.ExchangeOrder) error {
	if order == nil || !order.IsDone() || order.ID == "" || order.ID != level.OrderID {
		return nil
	}

	filledAt := order.ExecutedAt
	if filledAt.IsZero() {
		filledAt = c.now()
	}
	ok, err := c.levels.MarkFilled(ctx, level.ID, order.ID, filledAt)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	bot, trade, profit, err := c.settleFill(ctx, level, order, filledAt)
	if err != nil {
		if _, rerr := c.levels.RevertFill(ctx, level.ID, order.ID); rerr != nil {
			c.log.Errorf("Level %d: revert fill of order %s: %v", level.ID, order.ID, rerr)
		}
		return err
	}
	c.fills.Forget(order.ID)
	if bot == nil {
		return nil
	}

	c.log.Infof("Bot %d: %s filled at %v x %.8f (level %d)", bot.ID, level.Side, trade.Price, trade.Volume, level.ID)
	c.events.NotifyTradeFilled(ctx, bot.UserID, trade)
	if profit != nil {
		c.events.NotifyBotStatus(ctx, bot)
	}

	if !bot.IsRunning() {
		return nil
	}
	return c.executeOppositeOrder(ctx, bot, level, order)
}

// settleFill records the trade and profit of a claimed fill. Every write
// is safe to repeat for the same order. A nil bot means the bot is gone.
func (c *TradingCore) settleFill(ctx context.Context, level *model.GridLevel, order *model.ExchangeOrder, filledAt time.Time) (*model.Bot, *model.Trade, *float64, error) {
	bot, err := c.bots.GetByID(ctx, level.BotID)
	if err != nil {
		if errors.Is(err, repository.ErrBotNotFound) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, err
	}

	price := order.FillPrice()
	volume := order.FillVolume()

	var profit *float64
	if pair, ok := level.Pair().(model.SellLevel); ok {
		p := grid.CalculateProfit(pair.BuyPrice, price, volume, c.cfg.FeeRate)
		profit = &p
	}

	trade, err := c.trades.MarkFilled(ctx, order.ID, price, volume, profit, filledAt)
	if errors.Is(err, repository.ErrTradeNotFound) {
		trade, err = c.recordMissingTrade(ctx, bot, level, order, profit, filledAt)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mark trade filled for order %s: %w", order.ID, err)
	}

	if profit != nil {
		if err := c.recordProfit(ctx, bot, trade, *profit, filledAt); err != nil {
			return nil, nil, nil, err
		}
	}
	return bot, trade, profit, nil
}

func (c *TradingCore) recordMissingTrade(ctx context.Context, bot *model.Bot, level *model.GridLevel, order *model.ExchangeOrder, profit *float64, filledAt time.Time) (*model.Trade, error) {
	c.log.Warnf("Bot %d: no trade recorded for order %s, creating it", bot.ID, order.ID)
	at := filledAt.UTC()
	trade := &model.Trade{
		BotID:       bot.ID,
		UserID:      bot.UserID,
		GridLevelID: level.ID,
		Symbol:      bot.Symbol,
		Side:        level.Side,
		Price:       order.FillPrice(),
		Volume:      order.FillVolume(),
		Total:       order.FillPrice() * order.FillVolume(),
		Profit:      profit,
		OrderID:     order.ID,
		Status:      model.TradeStatusFilled,
		CreatedAt:   order.CreatedAt.UTC(),
		FilledAt:    &at,
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = at
	}
	return trade, c.trades.Create(ctx, trade)
}

func (c *TradingCore) recordProfit(ctx context.Context, bot *model.Bot, trade *model.Trade, profit float64, at time.Time) error {
	if err := c.profits.Append(ctx, &model.ProfitRecord{
		BotID:    bot.ID,
		UserID:   bot.UserID,
		Symbol:   bot.Symbol,
		TradeID:  trade.ID,
		Profit:   profit,
		Month:    model.MonthBucket(at),
		RecordAt: at.UTC(),
	}); err != nil {
		return fmt.Errorf("append profit for bot %d: %w", bot.ID, err)
	}
	if err := c.bots.IncrementStats(ctx, bot.ID, 1, profit); err != nil {
		return fmt.Errorf("increment stats for bot %d: %w", bot.ID, err)
	}
	bot.TotalTrades++
	bot.CurrentProfit += profit
	return nil
}

// executeOppositeOrder rotates a filled level into its paired row. The
// bot's live status is re-read before every attempt. A failed attempt
// leaves the paired row available so the next tick can place it.
func (c *TradingCore) executeOppositeOrder(ctx context.Context, bot *model.Bot, filled *model.GridLevel, order *model.ExchangeOrder) error {
	paired, err := c.ledger.FindPaired(ctx, filled)
	if err != nil {
		return err
	}
	if paired == nil {
		c.log.Warnf("Bot %d: level %d at %v has no paired row", bot.ID, filled.ID, filled.Price)
		return nil
	}

	side := filled.Pair().OppositeSide()
	price := filled.Pair().OppositePrice()
	volume := c.levelVolume(bot, paired)
	if side == model.SideSell && order.FillVolume() > 0 {
		volume = order.FillVolume()
	}

	policy := c.cfg.Rotation
	trimmed := false
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 && !c.sleep(ctx, policy.Delay(attempt)) {
			return ctx.Err()
		}

		current, err := c.bots.GetByID(ctx, bot.ID)
		if err != nil {
			if errors.Is(err, repository.ErrBotNotFound) {
				return nil
			}
			lastErr = err
			continue
		}
		if !current.IsRunning() {
			c.log.Infof("Bot %d: no longer running, abandoning rotation of level %d", bot.ID, filled.ID)
			return nil
		}

		err = c.placeRotation(ctx, current, paired, side, price, volume)
		if err == nil {
			return nil
		}
		if errors.Is(err, errRotationTaken) {
			return nil
		}

		if util.IsInsufficientBalance(err) && side == model.SideBuy && !trimmed {
			trimmed = true
			n, trimErr := c.trimPendingBuys(ctx, current, price)
			if trimErr != nil {
				c.log.Errorf("Bot %d: trimming pending buys failed: %v", bot.ID, trimErr)
			}
			if n > 0 {
				c.log.Infof("Bot %d: trimmed %d pending buys, retrying rotation", bot.ID, n)
				if err = c.placeRotation(ctx, current, paired, side, price, volume); err == nil {
					return nil
				}
			}
		}
		if util.IsAuthError(err) {
			return err
		}
		lastErr = err
		c.log.Warnf("Bot %d: rotation attempt %d/%d for level %d failed: %v",
			bot.ID, attempt+1, policy.MaxRetries+1, paired.ID, err)
	}

	msg := fmt.Sprintf("rotation to %s at %v failed after %d attempts: %v", side, price, policy.MaxRetries+1, lastErr)
	c.log.Errorf("Bot %d: %s", bot.ID, msg)
	c.events.NotifyBotError(ctx, bot, model.BotErrorRotationFailed, msg)
	return nil
}

var errRotationTaken = errors.New("paired level already pending")

func (c *TradingCore) placeRotation(ctx context.Context, bot *model.Bot, paired *model.GridLevel, side model.OrderSide, price, volume float64) error {
	ok, err := c.levels.ClaimForRotation(ctx, paired.ID)
	if err != nil {
		return err
	}
	if !ok {
		return errRotationTaken
	}
	if _, err := c.placeForLevel(ctx, bot, paired, side, price, volume); err != nil {
		if _, relErr := c.levels.ReleaseClaim(ctx, paired.ID); relErr != nil {
			c.log.Errorf("Bot %d: failed to release rotation claim on level %d: %v", bot.ID, paired.ID, relErr)
		}
		return err
	}
	return nil
}

// trimPendingBuys cancels the pending buys furthest from the current
// price until TrimKeep remain, parking them as inactive.
func (c *TradingCore) trimPendingBuys(ctx context.Context, bot *model.Bot, fallbackPrice float64) (int, error) {
	current, ok := c.prices.GetPrice(bot.Symbol)
	if !ok {
		current = fallbackPrice
	}

	pending, err := c.levels.ListByStatus(ctx, bot.ID, model.LevelPending)
	if err != nil {
		return 0, err
	}
	var buys []*model.GridLevel
	for _, l := range pending {
		if l.Side == model.SideBuy && l.HasOrder() {
			buys = append(buys, l)
		}
	}
	if len(buys) <= c.cfg.TrimKeep {
		return 0, nil
	}
	sort.SliceStable(buys, func(i, j int) bool {
		return math.Abs(buys[i].Price-current) < math.Abs(buys[j].Price-current)
	})

	trimmed := 0
	for _, l := range buys[c.cfg.TrimKeep:] {
		if err := c.exchange.CancelOrder(ctx, bot.UserID, l.OrderID); err != nil {
			if util.IsOrderNotFound(err) {
				continue
			}
			return trimmed, fmt.Errorf("cancel order %s: %w", l.OrderID, err)
		}
		ok, err := c.levels.Deactivate(ctx, l.ID, l.OrderID)
		if err != nil {
			return trimmed, err
		}
		if !ok {
			continue
		}
		c.fills.Forget(l.OrderID)
		if err := c.trades.MarkCancelled(ctx, l.OrderID); err != nil && !errors.Is(err, repository.ErrTradeNotFound) {
			c.log.Warnf("Bot %d: failed to mark trade of order %s cancelled: %v", bot.ID, l.OrderID, err)
		}
		trimmed++
	}
	return trimmed, nil
}

// CheckLevelFill asks the exchange about one pending level and routes a
// fill or cancellation.
func (c *TradingCore) CheckLevelFill(ctx context.Context, levelID int64) error {
	level, err := c.levels.GetByID(ctx, levelID)
	if err != nil {
		return err
	}
	if level.Status != model.LevelPending || !level.HasOrder() {
		return nil
	}
	bot, err := c.bots.GetByID(ctx, level.BotID)
	if err != nil {
		return err
	}
	order, err := c.exchange.GetOrder(ctx, bot.UserID, level.OrderID)
	if err != nil {
		return err
	}
	return c.applyOrderState(ctx, bot, level, order)
}

func (c *TradingCore) applyOrderState(ctx context.Context, bot *model.Bot, level *model.GridLevel, order *model.ExchangeOrder) error {
	switch order.State {
	case model.OrderStateDone:
		return c.ProcessFilledOrder(ctx, level, order)
	case model.OrderStateCancel:
		ok, err := c.levels.ReleaseOrder(ctx, level.ID, order.ID)
		if err != nil || !ok {
			return err
		}
		c.fills.Forget(order.ID)
		if err := c.trades.MarkCancelled(ctx, order.ID); err != nil && !errors.Is(err, repository.ErrTradeNotFound) {
			return err
		}
		c.log.Infof("Bot %d: order %s was cancelled on the exchange, level %d released", bot.ID, order.ID, level.ID)
	}
	return nil
}

// SweepFills is the polling fill path. Per user it fetches the most
// recent fills once, matches them against pending levels, then checks
// the oldest pending orders that fell outside that window.
func (c *TradingCore) SweepFills(ctx context.Context, bots []*model.Bot) {
	byUser := make(map[string][]*model.Bot)
	var users []string
	for _, b := range bots {
		if !b.IsRunning() {
			continue
		}
		if _, ok := byUser[b.UserID]; !ok {
			users = append(users, b.UserID)
		}
		byUser[b.UserID] = append(byUser[b.UserID], b)
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		if err := c.sweepUser(ctx, userID, byUser[userID]); err != nil {
			if util.IsAuthError(err) {
				c.stopUserBots(ctx, userID, err)
				continue
			}
			c.log.Warnf("Fill sweep for user %s failed: %v", userID, err)
			if util.IsTransient(err) {
				for _, b := range byUser[userID] {
					_ = c.bots.SetErrorMessage(ctx, b.ID, err.Error())
				}
			}
		}
	}
}

type pendingOrder struct {
	bot   *model.Bot
	level *model.GridLevel
}

func (c *TradingCore) sweepUser(ctx context.Context, userID string, bots []*model.Bot) error {
	var pending []pendingOrder
	for _, b := range bots {
		levels, err := c.levels.ListByStatus(ctx, b.ID, model.LevelPending)
		if err != nil {
			return err
		}
		for _, l := range levels {
			if l.HasOrder() {
				pending = append(pending, pendingOrder{bot: b, level: l})
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}

	fills, err := c.exchange.RecentFills(ctx, userID, "", c.cfg.RecentFillLimit)
	if err != nil {
		return err
	}
	done := make(map[string]*model.ExchangeOrder, len(fills))
	for i := range fills {
		if fills[i].IsDone() {
			done[fills[i].ID] = &fills[i]
		}
	}

	cutoff := c.now().Add(-c.cfg.StaleAfter)
	var stale []pendingOrder
	for _, p := range pending {
		if order, ok := done[p.level.OrderID]; ok {
			if err := c.ProcessFilledOrder(ctx, p.level, order); err != nil {
				if util.IsAuthError(err) {
					return err
				}
				c.log.Errorf("Bot %d: processing fill of order %s failed: %v", p.bot.ID, order.ID, err)
			}
			continue
		}
		if placedAt(p.level).Before(cutoff) {
			stale = append(stale, p)
		}
	}
	return c.sweepStale(ctx, userID, stale)
}

func placedAt(l *model.GridLevel) time.Time {
	if l.ClaimedAt != nil {
		return *l.ClaimedAt
	}
	return l.UpdatedAt
}

// sweepStale looks up the oldest pending orders by id in one batch.
func (c *TradingCore) sweepStale(ctx context.Context, userID string, stale []pendingOrder) error {
	if len(stale) == 0 {
		return nil
	}
	sort.SliceStable(stale, func(i, j int) bool {
		return placedAt(stale[i].level).Before(placedAt(stale[j].level))
	})
	if len(stale) > c.cfg.StaleBatch {
		stale = stale[:c.cfg.StaleBatch]
	}

	ids := make([]string, 0, len(stale))
	byOrder := make(map[string]pendingOrder, len(stale))
	for _, p := range stale {
		ids = append(ids, p.level.OrderID)
		byOrder[p.level.OrderID] = p
	}
	orders, err := c.exchange.GetOrders(ctx, userID, "", ids)
	if err != nil {
		return err
	}
	for i := range orders {
		p, ok := byOrder[orders[i].ID]
		if !ok {
			continue
		}
		if err := c.applyOrderState(ctx, p.bot, p.level, &orders[i]); err != nil {
			if util.IsAuthError(err) {
				return err
			}
			c.log.Errorf("Bot %d: stale order %s: %v", p.bot.ID, orders[i].ID, err)
		}
	}
	return nil
}

// ReleaseStaleClaims frees claims of running bots that never received an
// order id.
func (c *TradingCore) ReleaseStaleClaims(ctx context.Context, bots []*model.Bot, olderThan time.Duration) int {
	total := 0
	for _, b := range bots {
		n, err := c.ledger.ReleaseStaleClaims(ctx, b.ID, c.now().Add(-olderThan))
		if err != nil {
			c.log.Warnf("Bot %d: releasing stale claims failed: %v", b.ID, err)
			continue
		}
		if n > 0 {
			c.log.Warnf("Bot %d: released %d orphaned claims", b.ID, n)
		}
		total += n
	}
	return total
}
