package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/config"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/handler"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/middleware"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/repository"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/service"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/service/market"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/crypto"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/upbit"
)

func main() {
	// engine hash-token <token> prints the value for SERVER_OPS_TOKEN_HASH
	if len(os.Args) == 3 && os.Args[1] == "hash-token" {
		hash, err := crypto.HashToken(os.Args[2], crypto.TokenCost)
		if err != nil {
			fmt.Printf("Failed to hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.GetLogger()
	log.Infof("Starting grid engine (env %s, paper trading %v)", cfg.Server.Env, cfg.Engine.PaperTrading)

	redisClient, err := redis.New(redis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal("Failed to connect to Redis", err)
	}
	defer redisClient.Close()
	log.Info("Redis connected")

	// Repositories
	botRepo := repository.NewBotRepository(redisClient)
	levelRepo := repository.NewGridLevelRepository(redisClient)
	tradeRepo := repository.NewTradeRepository(redisClient)
	profitRepo := repository.NewProfitRepository(redisClient)
	apiKeyRepo := repository.NewAPIKeyRepository(redisClient)
	balanceRepo := repository.NewBalanceRepository(redisClient)

	encryptionKey := cfg.Encryption.Key
	if encryptionKey == "" {
		// paper trading only; stored keys will not survive a restart
		encryptionKey = strings.ReplaceAll(uuid.New().String(), "-", "")
		log.Warn("ENCRYPTION_KEY not set, using an ephemeral key")
	}
	encryptor, err := crypto.NewEncryptor(encryptionKey)
	if err != nil {
		log.Fatal("Failed to initialise encryptor", err)
	}
	creds := service.NewCredentialCache(apiKeyRepo, encryptor, cfg.Engine.CredentialTTL)

	// Exchange and market data
	backoff := upbit.Backoff{
		Base:        cfg.Upbit.ReconnectBase,
		Max:         cfg.Upbit.ReconnectMax,
		MaxAttempts: cfg.Upbit.ReconnectAttempts,
	}
	upbitClient := upbit.NewClient(cfg.Upbit.APIURL, cfg.Upbit.RequestsPerSecond)
	notifications := service.NewNotificationService(redisClient)
	feed := market.NewFeed(
		upbit.NewWSClient(cfg.Upbit.WSURL, backoff, cfg.Upbit.PingInterval),
		upbitClient,
		notifications,
		market.FeedConfig{
			PriceTTL:      cfg.Engine.PriceTTL,
			Window:        cfg.Engine.VolatilityWindow,
			FlushInterval: cfg.Engine.PriceFlush,
		},
	)

	var exchange service.Exchange
	var paper *service.PaperExchange
	if cfg.Engine.PaperTrading {
		balances, err := balanceRepo.LoadPaperBalances(context.Background())
		if err != nil {
			log.Fatal("Failed to load paper balances", err)
		}
		if balances == nil && cfg.Engine.PaperBalanceKRW > 0 {
			balances = map[string]float64{service.QuoteCurrency: cfg.Engine.PaperBalanceKRW}
		}
		paper = service.NewPaperExchange(feed, balances)
		feed.OnPriceUpdate(paper.OnPrice)
		exchange = paper
	} else {
		exchange = service.NewOrderExecutor(upbitClient, creds)
	}

	core := service.NewTradingCore(botRepo, levelRepo, tradeRepo, profitRepo, exchange, feed, notifications, service.TradingCoreConfig{
		FeeRate: cfg.Engine.FeeRate,
		Rotation: service.RetryPolicy{
			MaxRetries: cfg.Engine.RotationRetries,
			Delay:      service.LinearBackoff(cfg.Engine.RotationRetryDelay),
		},
		TrimKeep:        cfg.Engine.TrimKeep,
		RecentFillLimit: cfg.Engine.RecentFillLimit,
		StaleAfter:      cfg.Engine.StaleOrderAfter,
		StaleBatch:      cfg.Engine.StaleOrderBatch,
	})

	var fillSyncer service.FillSyncer
	if cfg.Engine.FillNotifierEnabled && !cfg.Engine.PaperTrading {
		notifier := service.NewFillNotifier(creds, levelRepo, core,
			service.UpbitOrderStreams(cfg.Upbit.PrivateWSURL, backoff, cfg.Upbit.PingInterval))
		core.SetFillRegistry(notifier)
		creds.OnChange(notifier.Reset)
		fillSyncer = notifier
		log.Info("Fill notifier enabled")
	}

	scheduler := service.NewScheduler(botRepo, core, feed, fillSyncer, notifications, service.SchedulerConfig{
		ExecutionInterval: cfg.Engine.ExecutionInterval,
		BotDelay:          cfg.Engine.BotDelay,
		SweepInterval:     cfg.Engine.SweepInterval,
		BroadcastInterval: cfg.Engine.BroadcastInterval,
		ReconcileInterval: cfg.Engine.ReconcileInterval,
		ClaimTimeout:      cfg.Engine.ClaimTimeout,
		SyncInterval:      cfg.Engine.SyncInterval,
		FastPathCooldown:  cfg.Engine.FastPathCooldown,
		DefaultSymbols:    cfg.Engine.DefaultSymbols,
	})
	lifecycle := service.NewBotLifecycle(core)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", err)
	}

	// Ops HTTP surface
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log.Component("http")))

	engineHandler := handler.NewEngineHandler(redisClient, scheduler, lifecycle, creds, notifications, profitRepo, cfg.Engine.PaperTrading)
	router.GET("/health", engineHandler.Health)
	engine := router.Group("/api/v1/engine")
	engine.Use(middleware.OpsToken(cfg.Server.OpsTokenHash))
	engine.Use(middleware.RateLimit(redisClient, cfg.Server.OpsRateLimit))
	engineHandler.Register(engine)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Ops server listening on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", err)
	}
	scheduler.Stop()
	cancel()

	if paper != nil {
		if balances := paper.Balances(); balances != nil {
			if err := balanceRepo.SavePaperBalances(shutdownCtx, balances); err != nil {
				log.Error("Failed to save paper balances", err)
			}
		}
	}

	log.Info("Engine exited")
}
