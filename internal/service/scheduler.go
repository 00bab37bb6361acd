package service

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/repository"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/service/market"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
)

// Job names reported by Status
const (
	JobExecution = "execution"
	JobSweep     = "fill_sweep"
	JobBroadcast = "broadcast"
	JobReconcile = "reconcile"
	JobSync      = "sync"
)

// DefaultSymbols are subscribed on start regardless of running bots.
var DefaultSymbols = []string{"KRW-BTC", "KRW-ETH", "KRW-XRP"}

// MarketFeed is what the scheduler needs from the price feed.
type MarketFeed interface {
	Start(ctx context.Context) error
	Stop()
	IsConnected() bool
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	Symbols() []string
	GetPrice(symbol string) (float64, bool)
	GetVolatility(symbol string) float64
	OnPriceUpdate(l market.PriceListener) func()
}

// FillSyncer keeps push fill connections in line with running bots.
type FillSyncer interface {
	Sync(ctx context.Context, userMarkets map[string][]string)
	Close()
}

// ListBroadcaster pushes the periodic bot list to subscribed users.
type ListBroadcaster interface {
	RealtimeSubscribers(ctx context.Context) ([]string, error)
	NotifyBotsList(ctx context.Context, userID string, bots []model.BotSummary)
}

type SchedulerConfig struct {
	ExecutionInterval time.Duration
	BotDelay          time.Duration
	SweepInterval     time.Duration
	BroadcastInterval time.Duration
	ReconcileInterval time.Duration
	ClaimTimeout      time.Duration
	SyncInterval      time.Duration
	FastPathCooldown  time.Duration
	DefaultSymbols    []string
}

func (c *SchedulerConfig) applyDefaults() {
	if c.ExecutionInterval <= 0 {
		c.ExecutionInterval = 3 * time.Second
	}
	if c.BotDelay <= 0 {
		c.BotDelay = 300 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = 10 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 2 * time.Minute
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.FastPathCooldown <= 0 {
		c.FastPathCooldown = 3 * time.Second
	}
	if c.DefaultSymbols == nil {
		c.DefaultSymbols = DefaultSymbols
	}
}

// SchedulerStatus is the ops view of the job loops.
type SchedulerStatus struct {
	Running       bool                 `json:"running"`
	FeedConnected bool                 `json:"feed_connected"`
	Symbols       []string             `json:"symbols"`
	InFlight      map[string]bool      `json:"in_flight"`
	LastRun       map[string]time.Time `json:"last_run"`
	WatchedLevels int                  `json:"watched_levels"`
}

type watchedLevel struct {
	levelID int64
	botID   int64
	side    model.OrderSide
	price   float64
}

// Scheduler drives the bot fleet: periodic trade cycles, the polling
// fill sweep, claim reconciliation, subscription upkeep and the
// price-cross fast path.
type Scheduler struct {
	bots        *repository.BotRepository
	core        *TradingCore
	feed        MarketFeed
	notifier    FillSyncer
	broadcaster ListBroadcaster
	cfg         SchedulerConfig
	log         *logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	// in-flight guards, one per job
	executing    atomic.Bool
	sweeping     atomic.Bool
	broadcasting atomic.Bool
	reconciling  atomic.Bool
	syncing      atomic.Bool

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	removeListener func()

	mu        sync.Mutex
	running   bool
	lastRun   map[string]time.Time
	botRun    map[int64]time.Time
	watched   map[string][]watchedLevel
	lastCheck map[int64]time.Time
}

// NewScheduler wires the jobs. notifier and broadcaster may be nil.
func NewScheduler(
	bots *repository.BotRepository,
	core *TradingCore,
	feed MarketFeed,
	notifier FillSyncer,
	broadcaster ListBroadcaster,
	cfg SchedulerConfig,
) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		bots:        bots,
		core:        core,
		feed:        feed,
		notifier:    notifier,
		broadcaster: broadcaster,
		cfg:         cfg,
		log:         logger.GetLogger().Component("scheduler"),
		now:         time.Now,
		sleep:       sleepCtx,
		lastRun:     make(map[string]time.Time),
		botRun:      make(map[int64]time.Time),
		watched:     make(map[string][]watchedLevel),
		lastCheck:   make(map[int64]time.Time),
	}
	core.OnOrderPlaced(s.watch)
	return s
}

// Start connects the feed, subscribes the default and running symbols
// and launches every job loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.feed.Start(s.ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.cancel()
		s.mu.Unlock()
		return err
	}
	for _, sym := range s.cfg.DefaultSymbols {
		if err := s.feed.Subscribe(sym); err != nil {
			s.log.Warnf("Subscribing default symbol %s failed: %v", sym, err)
		}
	}
	s.guard(JobSync, &s.syncing, s.runSync)
	s.removeListener = s.feed.OnPriceUpdate(s.onPrice)

	s.loop(s.cfg.ExecutionInterval, JobExecution, &s.executing, s.runExecution)
	s.loop(s.cfg.SweepInterval, JobSweep, &s.sweeping, s.runSweep)
	s.loop(s.cfg.ReconcileInterval, JobReconcile, &s.reconciling, s.runReconcile)
	s.loop(s.cfg.SyncInterval, JobSync, &s.syncing, s.runSync)
	if s.broadcaster != nil {
		s.loop(s.cfg.BroadcastInterval, JobBroadcast, &s.broadcasting, s.runBroadcast)
	}

	s.log.Infof("Scheduler started: execution every %s, sweep every %s", s.cfg.ExecutionInterval, s.cfg.SweepInterval)
	return nil
}

// Stop cancels the job loops, waits for them and closes the feeds.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.removeListener != nil {
		s.removeListener()
	}
	s.cancel()
	s.wg.Wait()
	s.feed.Stop()
	if s.notifier != nil {
		s.notifier.Close()
	}
	s.log.Info("Scheduler stopped")
}

// Status reports job state for the ops endpoint.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	last := make(map[string]time.Time, len(s.lastRun))
	for k, v := range s.lastRun {
		last[k] = v
	}
	watched := 0
	for _, w := range s.watched {
		watched += len(w)
	}
	running := s.running
	s.mu.Unlock()

	return SchedulerStatus{
		Running:       running,
		FeedConnected: s.feed.IsConnected(),
		Symbols:       s.feed.Symbols(),
		InFlight: map[string]bool{
			JobExecution: s.executing.Load(),
			JobSweep:     s.sweeping.Load(),
			JobBroadcast: s.broadcasting.Load(),
			JobReconcile: s.reconciling.Load(),
			JobSync:      s.syncing.Load(),
		},
		LastRun:       last,
		WatchedLevels: watched,
	}
}

func (s *Scheduler) loop(interval time.Duration, name string, flag *atomic.Bool, job func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.guard(name, flag, job)
			}
		}
	}()
}

// guard skips a run while the previous one of the same job is in flight.
func (s *Scheduler) guard(name string, flag *atomic.Bool, job func(ctx context.Context)) bool {
	if !flag.CompareAndSwap(false, true) {
		s.log.Debugf("Job %s still running, skipping", name)
		return false
	}
	defer flag.Store(false)

	job(s.ctx)

	s.mu.Lock()
	s.lastRun[name] = s.now()
	s.mu.Unlock()
	return true
}

func (s *Scheduler) runningBots(ctx context.Context) []*model.Bot {
	bots, err := s.bots.ListByStatus(ctx, model.BotStatusRunning)
	if err != nil {
		s.log.Errorf("Listing running bots failed: %v", err)
		return nil
	}
	return bots
}

// runExecution runs one trade cycle per due bot, one bot at a time.
func (s *Scheduler) runExecution(ctx context.Context) {
	executed := 0
	for _, bot := range s.runningBots(ctx) {
		if ctx.Err() != nil {
			return
		}
		if !s.due(bot) {
			continue
		}
		ok, err := s.executable(ctx, bot)
		if err != nil {
			s.log.Warnf("Bot %d: level check failed: %v", bot.ID, err)
			continue
		}
		if !ok {
			continue
		}

		if executed > 0 && !s.sleep(ctx, s.cfg.BotDelay) {
			return
		}
		executed++

		s.mu.Lock()
		s.botRun[bot.ID] = s.now()
		s.mu.Unlock()

		if err := s.core.ExecuteTrade(ctx, bot.ID); err != nil {
			s.log.Debugf("Bot %d: cycle ended with error: %v", bot.ID, err)
		}
	}
}

// due applies the volatility tier of the bot's market.
func (s *Scheduler) due(bot *model.Bot) bool {
	interval := market.RecommendedInterval(s.feed.GetVolatility(bot.Symbol))
	s.mu.Lock()
	last, ok := s.botRun[bot.ID]
	s.mu.Unlock()
	return !ok || s.now().Sub(last) >= interval
}

// executable reports whether a bot has a level to claim. Parked buys the
// price came back to count once reactivated.
func (s *Scheduler) executable(ctx context.Context, bot *model.Bot) (bool, error) {
	ledger := s.core.Ledger()
	ok, err := ledger.HasAvailable(ctx, bot.ID)
	if err != nil || ok {
		return ok, err
	}
	price, known := s.feed.GetPrice(bot.Symbol)
	if !known {
		return false, nil
	}
	n, err := ledger.ReactivateInactiveBuys(ctx, bot.ID, price)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Scheduler) runSweep(ctx context.Context) {
	bots := s.runningBots(ctx)
	if len(bots) == 0 {
		return
	}
	s.core.SweepFills(ctx, bots)
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	bots := s.runningBots(ctx)
	if n := s.core.ReleaseStaleClaims(ctx, bots, s.cfg.ClaimTimeout); n > 0 {
		s.log.Infof("Reconcile released %d stale claims", n)
	}
}

// runSync subscribes running symbols, drops unused ones, refreshes the
// push fill connections and rebuilds the fast path watch list.
func (s *Scheduler) runSync(ctx context.Context) {
	bots := s.runningBots(ctx)

	want := make(map[string]struct{})
	for _, sym := range s.cfg.DefaultSymbols {
		want[sym] = struct{}{}
	}
	userMarkets := make(map[string][]string)
	running := make(map[int64]struct{}, len(bots))
	for _, b := range bots {
		want[b.Symbol] = struct{}{}
		userMarkets[b.UserID] = append(userMarkets[b.UserID], b.Symbol)
		running[b.ID] = struct{}{}
	}

	have := make(map[string]struct{})
	for _, sym := range s.feed.Symbols() {
		have[sym] = struct{}{}
		if _, ok := want[sym]; !ok {
			if err := s.feed.Unsubscribe(sym); err != nil {
				s.log.Warnf("Unsubscribing %s failed: %v", sym, err)
			}
		}
	}
	for sym := range want {
		if _, ok := have[sym]; ok {
			continue
		}
		if err := s.feed.Subscribe(sym); err != nil {
			s.log.Warnf("Subscribing %s failed: %v", sym, err)
		}
	}

	if s.notifier != nil {
		s.notifier.Sync(ctx, userMarkets)
	}

	watched := make(map[string][]watchedLevel)
	for _, b := range bots {
		levels, err := s.core.levels.ListByStatus(ctx, b.ID, model.LevelPending)
		if err != nil {
			s.log.Warnf("Bot %d: loading pending levels failed: %v", b.ID, err)
			continue
		}
		for _, l := range levels {
			if !l.HasOrder() {
				continue
			}
			watched[b.Symbol] = append(watched[b.Symbol], watchedLevel{levelID: l.ID, botID: b.ID, side: l.Side, price: l.Price})
		}
	}

	s.mu.Lock()
	s.watched = watched
	for id := range s.botRun {
		if _, ok := running[id]; !ok {
			delete(s.botRun, id)
		}
	}
	cutoff := s.now().Add(-s.cfg.FastPathCooldown)
	for id, at := range s.lastCheck {
		if at.Before(cutoff) {
			delete(s.lastCheck, id)
		}
	}
	s.mu.Unlock()
}

// watch adds a freshly placed order to the fast path until the next
// sync rebuilds the list.
func (s *Scheduler) watch(bot *model.Bot, levelID int64, side model.OrderSide, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.watched[bot.Symbol]
	for i, w := range list {
		if w.levelID == levelID {
			list[i] = watchedLevel{levelID: levelID, botID: bot.ID, side: side, price: price}
			return
		}
	}
	s.watched[bot.Symbol] = append(list, watchedLevel{levelID: levelID, botID: bot.ID, side: side, price: price})
}

// onPrice is the fast path: a pending level whose price was crossed gets
// a targeted order check instead of waiting for the sweep.
func (s *Scheduler) onPrice(update model.PriceUpdate) {
	now := s.now()
	var due []watchedLevel

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	for _, w := range s.watched[update.Symbol] {
		crossed := (w.side == model.SideBuy && update.Price <= w.price) ||
			(w.side == model.SideSell && update.Price >= w.price)
		if !crossed {
			continue
		}
		if last, ok := s.lastCheck[w.levelID]; ok && now.Sub(last) < s.cfg.FastPathCooldown {
			continue
		}
		s.lastCheck[w.levelID] = now
		due = append(due, w)
	}
	ctx := s.ctx
	// Add happens under the lock Stop takes before Wait
	s.wg.Add(len(due))
	s.mu.Unlock()

	for _, w := range due {
		go func(w watchedLevel) {
			defer s.wg.Done()
			if err := s.core.CheckLevelFill(ctx, w.levelID); err != nil {
				s.log.Debugf("Bot %d: fast path check of level %d: %v", w.botID, w.levelID, err)
			}
		}(w)
	}
}

// runBroadcast pushes bot summaries to users with an open realtime view.
func (s *Scheduler) runBroadcast(ctx context.Context) {
	users, err := s.broadcaster.RealtimeSubscribers(ctx)
	if err != nil {
		s.log.Warnf("Loading realtime subscribers failed: %v", err)
		return
	}
	for _, userID := range users {
		summaries, err := s.BotSummaries(ctx, userID)
		if err != nil {
			s.log.Warnf("Building bot list of user %s failed: %v", userID, err)
			continue
		}
		s.broadcaster.NotifyBotsList(ctx, userID, summaries)
	}
}

// BotSummaries builds the list rows of every bot of a user.
func (s *Scheduler) BotSummaries(ctx context.Context, userID string) ([]model.BotSummary, error) {
	bots, err := s.bots.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })

	out := make([]model.BotSummary, 0, len(bots))
	for _, b := range bots {
		levels, err := s.core.Ledger().Levels(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		price, _ := s.feed.GetPrice(b.Symbol)
		sum := model.BotSummary{
			ID:            strconv.FormatInt(b.ID, 10),
			Symbol:        b.Symbol,
			Status:        b.Status,
			CurrentPrice:  price,
			CurrentProfit: b.CurrentProfit,
			TotalTrades:   b.TotalTrades,
		}
		for _, l := range levels {
			if n := len(sum.Ladder); n == 0 || sum.Ladder[n-1] != l.Price {
				sum.Ladder = append(sum.Ladder, l.Price)
			}
			if l.Status != model.LevelPending {
				continue
			}
			if l.Side == model.SideBuy {
				sum.PendingBuys++
			} else {
				sum.PendingSells++
			}
		}
		out = append(out, sum)
	}
	return out, nil
}
