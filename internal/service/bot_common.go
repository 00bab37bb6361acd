package service

import (
	"context"
	"fmt"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
)

// handleError classifies a failure of a trade cycle and records it on
// the bot. Transient failures and insufficient balance keep the bot
// running; anything else stops automatic trading with status error.
func (c *TradingCore) handleError(ctx context.Context, bot *model.Bot, err error) error {
	switch {
	case util.IsTransient(err):
		c.log.Warnf("Bot %d: transient error, will retry next tick: %v", bot.ID, err)
		if setErr := c.bots.SetErrorMessage(ctx, bot.ID, err.Error()); setErr != nil {
			c.log.Errorf("Bot %d: failed to record error message: %v", bot.ID, setErr)
		}

	case util.IsInsufficientBalance(err):
		c.log.Warnf("Bot %d: insufficient balance: %v", bot.ID, err)
		if setErr := c.bots.SetErrorMessage(ctx, bot.ID, err.Error()); setErr != nil {
			c.log.Errorf("Bot %d: failed to record error message: %v", bot.ID, setErr)
		}
		c.events.NotifyBotError(ctx, bot, model.BotErrorInsufficientBalance, err.Error())

	case util.IsAuthError(err):
		c.stopBotWithError(ctx, bot, model.BotErrorAuthFailed, err)

	default:
		c.stopBotWithError(ctx, bot, model.BotErrorExecutionFailed, err)
	}
	return err
}

// stopBotWithError sets status error so the scheduler skips the bot
// until it is restarted.
func (c *TradingCore) stopBotWithError(ctx context.Context, bot *model.Bot, code string, cause error) {
	c.log.Errorf("Bot %d: stopping with error %s: %v", bot.ID, code, cause)
	if err := c.bots.UpdateStatus(ctx, bot, model.BotStatusError, cause.Error()); err != nil {
		c.log.Errorf("Failed to update bot %d status to error: %v", bot.ID, err)
		return
	}
	c.events.NotifyBotStatus(ctx, bot)
	c.events.NotifyBotError(ctx, bot, code, cause.Error())
}

// stopUserBots halts every running bot of a user whose credentials the
// exchange rejected.
func (c *TradingCore) stopUserBots(ctx context.Context, userID string, cause error) {
	bots, err := c.bots.ListByUser(ctx, userID)
	if err != nil {
		c.log.Errorf("Failed to list bots of user %s for auth stop: %v", userID, err)
		return
	}
	msg := fmt.Sprintf("exchange authentication failed: %v", cause)
	stopped := 0
	for _, bot := range bots {
		if !bot.IsRunning() {
			continue
		}
		if err := c.bots.UpdateStatus(ctx, bot, model.BotStatusStopped, msg); err != nil {
			c.log.Errorf("Failed to stop bot %d: %v", bot.ID, err)
			continue
		}
		c.fills.ForgetBot(bot.ID)
		c.events.NotifyBotStatus(ctx, bot)
		c.events.NotifyBotError(ctx, bot, model.BotErrorAuthFailed, msg)
		stopped++
	}
	c.log.Errorf("User %s: exchange rejected credentials, stopped %d bots: %v", userID, stopped, cause)
}
