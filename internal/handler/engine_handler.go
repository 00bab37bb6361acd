package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/repository"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/service"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"
)

// EngineHandler serves the ops endpoints the API layer and operators call
type EngineHandler struct {
	redis     *redis.Client
	scheduler *service.Scheduler
	lifecycle *service.BotLifecycle
	creds     *service.CredentialCache
	notifier  *service.NotificationService
	profits   *repository.ProfitRepository
	paper     bool
}

func NewEngineHandler(
	redisClient *redis.Client,
	scheduler *service.Scheduler,
	lifecycle *service.BotLifecycle,
	creds *service.CredentialCache,
	notifier *service.NotificationService,
	profits *repository.ProfitRepository,
	paper bool,
) *EngineHandler {
	return &EngineHandler{
		redis:     redisClient,
		scheduler: scheduler,
		lifecycle: lifecycle,
		creds:     creds,
		notifier:  notifier,
		profits:   profits,
		paper:     paper,
	}
}

// Register mounts the routes on an already guarded group
func (h *EngineHandler) Register(engine *gin.RouterGroup) {
	engine.GET("/status", h.Status)

	engine.PUT("/credentials/:userId", h.StoreCredentials)
	engine.POST("/credentials/:userId/rotate", h.RotateCredentials)

	engine.POST("/bots/:id/start", h.StartBot)
	engine.POST("/bots/:id/stop", h.StopBot)
	engine.DELETE("/bots/:id", h.DeleteBot)

	engine.GET("/users/:userId/bots", h.ListBots)
	engine.GET("/users/:userId/profit", h.MonthlyProfit)
	engine.POST("/users/:userId/realtime", h.Subscribe)
	engine.DELETE("/users/:userId/realtime", h.Unsubscribe)
}

// Health pings Redis
// GET /health
func (h *EngineHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.redis.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "Redis connection failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"redis":  "connected",
	})
}

// Status reports job state, feed connection and subscriptions
// GET /api/v1/engine/status
func (h *EngineHandler) Status(c *gin.Context) {
	util.SendSuccess(c, gin.H{
		"scheduler":     h.scheduler.Status(),
		"paper_trading": h.paper,
	})
}

// StoreCredentials encrypts and saves a user's keys
// PUT /api/v1/engine/credentials/:userId
func (h *EngineHandler) StoreCredentials(c *gin.Context) {
	var req model.CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.SendValidationError(c, err.Error())
		return
	}
	if err := h.creds.Store(c.Request.Context(), c.Param("userId"), req.AccessKey, req.SecretKey); err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, nil, "Credentials stored")
}

// RotateCredentials evicts the cached keys and reconnects the user's
// order stream so both pick up the stored pair
// POST /api/v1/engine/credentials/:userId/rotate
func (h *EngineHandler) RotateCredentials(c *gin.Context) {
	userID := c.Param("userId")
	h.creds.Invalidate(userID)
	if _, err := h.creds.Get(c.Request.Context(), userID); err != nil {
		if errors.Is(err, util.ErrCredentialsMissing) {
			util.SendError(c, util.ErrNotFound("No credentials stored for user"))
			return
		}
		sendEngineError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, nil, "Credential cache evicted")
}

// StartBot lays out levels if needed and marks the bot running
// POST /api/v1/engine/bots/:id/start
func (h *EngineHandler) StartBot(c *gin.Context) {
	botID, ok := botIDParam(c)
	if !ok {
		return
	}
	bot, err := h.lifecycle.StartBot(c.Request.Context(), botID)
	if err != nil {
		sendEngineError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, bot, "Bot started")
}

// StopBot halts the bot; ?cancel_orders=true also cancels resting orders
// POST /api/v1/engine/bots/:id/stop
func (h *EngineHandler) StopBot(c *gin.Context) {
	botID, ok := botIDParam(c)
	if !ok {
		return
	}
	cancelOrders, _ := strconv.ParseBool(c.DefaultQuery("cancel_orders", "false"))
	bot, err := h.lifecycle.StopBot(c.Request.Context(), botID, cancelOrders)
	if err != nil {
		sendEngineError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, bot, "Bot stopped")
}

// DeleteBot cancels, snapshots profit and removes the bot
// DELETE /api/v1/engine/bots/:id
func (h *EngineHandler) DeleteBot(c *gin.Context) {
	botID, ok := botIDParam(c)
	if !ok {
		return
	}
	if err := h.lifecycle.DeleteBot(c.Request.Context(), botID); err != nil {
		sendEngineError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, nil, "Bot deleted")
}

// ListBots returns the same rows the realtime broadcast carries
// GET /api/v1/engine/users/:userId/bots
func (h *EngineHandler) ListBots(c *gin.Context) {
	rows, err := h.scheduler.BotSummaries(c.Request.Context(), c.Param("userId"))
	if err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccess(c, rows)
}

// MonthlyProfit returns realised profit per month
// GET /api/v1/engine/users/:userId/profit
func (h *EngineHandler) MonthlyProfit(c *gin.Context) {
	totals, err := h.profits.MonthlyTotals(c.Request.Context(), c.Param("userId"))
	if err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccess(c, totals)
}

// Subscribe adds the user to the periodic bot list broadcast
// POST /api/v1/engine/users/:userId/realtime
func (h *EngineHandler) Subscribe(c *gin.Context) {
	if err := h.notifier.AddRealtimeSubscriber(c.Request.Context(), c.Param("userId")); err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, nil, "Subscribed")
}

// Unsubscribe removes the user from the broadcast
// DELETE /api/v1/engine/users/:userId/realtime
func (h *EngineHandler) Unsubscribe(c *gin.Context) {
	if err := h.notifier.RemoveRealtimeSubscriber(c.Request.Context(), c.Param("userId")); err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, nil, "Unsubscribed")
}

func botIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		util.SendError(c, util.ErrBadRequest("Invalid bot ID"))
		return 0, false
	}
	return id, true
}

// sendEngineError maps exchange and credential failures to client errors
func sendEngineError(c *gin.Context, err error) {
	switch {
	case util.GetAppError(err) != nil:
		util.SendError(c, err)
	case errors.Is(err, util.ErrCredentialsMissing):
		util.SendCustomError(c, http.StatusPreconditionFailed, util.ErrCodeCredentials, err.Error())
	case util.IsAuthError(err):
		util.SendCustomError(c, http.StatusUnauthorized, util.ErrCodeCredentials, err.Error())
	case util.IsTransient(err):
		util.SendCustomError(c, http.StatusServiceUnavailable, util.ErrCodeExchange, err.Error())
	default:
		util.SendError(c, err)
	}
}
