package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/repository"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/service/grid"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
)

// BotLifecycle holds the hooks the API layer calls when a user starts,
// stops or deletes a bot.
type BotLifecycle struct {
	core *TradingCore
	log  *logger.Logger
}

func NewBotLifecycle(core *TradingCore) *BotLifecycle {
	return &BotLifecycle{
		core: core,
		log:  logger.GetLogger().Component("bot-lifecycle"),
	}
}

func (l *BotLifecycle) load(ctx context.Context, botID int64) (*model.Bot, error) {
	bot, err := l.core.bots.GetByID(ctx, botID)
	if errors.Is(err, repository.ErrBotNotFound) {
		return nil, util.NewAppError(http.StatusNotFound, util.ErrCodeBotNotFound, "bot not found")
	}
	return bot, err
}

// StartBot lays the grid out around the current price on first start and
// marks the bot running. Levels of a restarted bot are kept.
func (l *BotLifecycle) StartBot(ctx context.Context, botID int64) (*model.Bot, error) {
	bot, err := l.load(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot.IsRunning() {
		return bot, nil
	}
	if err := bot.Validate(); err != nil {
		return nil, util.ErrBadRequest(err.Error())
	}
	if err := l.core.exchange.CheckCredentials(ctx, bot.UserID); err != nil {
		return nil, err
	}

	levels, err := l.core.ledger.Levels(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		price, err := l.core.prices.GetPriceOrFetch(ctx, bot.Symbol)
		if err != nil {
			return nil, fmt.Errorf("reference price for %s: %w", bot.Symbol, err)
		}
		ladder, err := grid.ComputeLadder(bot.LowerPrice, bot.UpperPrice, bot.PriceChangePercent)
		if err != nil {
			return nil, util.ErrBadRequest(err.Error())
		}
		created, err := l.core.ledger.CreateLevels(ctx, bot, ladder, price)
		if err != nil {
			return nil, err
		}
		l.log.Infof("Bot %d: created %d levels over %d rungs around %v", bot.ID, len(created), len(ladder), price)
	}

	if err := l.core.bots.UpdateStatus(ctx, bot, model.BotStatusRunning, ""); err != nil {
		return nil, err
	}
	l.core.events.NotifyBotStatus(ctx, bot)
	l.log.Infof("Bot %d started on %s", bot.ID, bot.Symbol)
	return bot, nil
}

// StopBot halts scheduling. With cancelOrders the resting orders are
// cancelled and their levels released, otherwise they stay on the book
// and are picked up by the sweep after a restart.
func (l *BotLifecycle) StopBot(ctx context.Context, botID int64, cancelOrders bool) (*model.Bot, error) {
	bot, err := l.load(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot.Status != model.BotStatusStopped {
		if err := l.core.bots.UpdateStatus(ctx, bot, model.BotStatusStopped, ""); err != nil {
			return nil, err
		}
		l.core.events.NotifyBotStatus(ctx, bot)
	}
	l.core.fills.ForgetBot(bot.ID)

	if cancelOrders {
		n, err := l.cancelPending(ctx, bot)
		if err != nil {
			return bot, err
		}
		l.log.Infof("Bot %d stopped, cancelled %d orders", bot.ID, n)
		return bot, nil
	}
	l.log.Infof("Bot %d stopped", bot.ID)
	return bot, nil
}

func (l *BotLifecycle) cancelPending(ctx context.Context, bot *model.Bot) (int, error) {
	pending, err := l.core.levels.ListByStatus(ctx, bot.ID, model.LevelPending)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, lv := range pending {
		if !lv.HasOrder() {
			continue
		}
		if err := l.core.exchange.CancelOrder(ctx, bot.UserID, lv.OrderID); err != nil && !util.IsOrderNotFound(err) {
			return cancelled, fmt.Errorf("cancel order %s: %w", lv.OrderID, err)
		}
		if _, err := l.core.levels.ReleaseOrder(ctx, lv.ID, lv.OrderID); err != nil {
			return cancelled, err
		}
		if err := l.core.trades.MarkCancelled(ctx, lv.OrderID); err != nil && !errors.Is(err, repository.ErrTradeNotFound) {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// DeleteBot stops the bot, keeps its profit in the user's history and
// removes levels, trades and the bot itself.
func (l *BotLifecycle) DeleteBot(ctx context.Context, botID int64) error {
	bot, err := l.StopBot(ctx, botID, true)
	if err != nil {
		return err
	}
	bot, err = l.core.bots.GetByID(ctx, bot.ID)
	if err != nil {
		return err
	}
	if err := l.core.profits.Snapshot(ctx, bot); err != nil {
		return fmt.Errorf("profit snapshot: %w", err)
	}
	if err := l.core.levels.DeleteByBot(ctx, bot.ID); err != nil {
		return err
	}
	if err := l.core.trades.DeleteByBot(ctx, bot.ID); err != nil {
		return err
	}
	if err := l.core.bots.Delete(ctx, bot); err != nil {
		return err
	}
	l.log.Infof("Bot %d deleted", bot.ID)
	return nil
}
