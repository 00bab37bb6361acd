package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/service/market"
)

type fakeFeed struct {
	mu         sync.Mutex
	started    bool
	stopped    bool
	symbols    map[string]bool
	prices     map[string]float64
	volatility map[string]float64
	listeners  []market.PriceListener
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		symbols:    make(map[string]bool),
		prices:     make(map[string]float64),
		volatility: make(map[string]float64),
	}
}

func (f *fakeFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeFeed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.stopped
}

func (f *fakeFeed) Subscribe(symbol string) error {
	f.mu.Lock()
	f.symbols[symbol] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) Unsubscribe(symbol string) error {
	f.mu.Lock()
	delete(f.symbols, symbol)
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) Symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (f *fakeFeed) GetPrice(symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	return p, ok
}

func (f *fakeFeed) GetVolatility(symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volatility[symbol]
}

func (f *fakeFeed) OnPriceUpdate(l market.PriceListener) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.listeners = nil
		f.mu.Unlock()
	}
}

type fakeSyncer struct {
	mu     sync.Mutex
	synced []map[string][]string
	closed bool
}

func (s *fakeSyncer) Sync(ctx context.Context, userMarkets map[string][]string) {
	s.mu.Lock()
	s.synced = append(s.synced, userMarkets)
	s.mu.Unlock()
}

func (s *fakeSyncer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type fakeBroadcaster struct {
	users []string
	mu    sync.Mutex
	sent  map[string][]model.BotSummary
}

func (b *fakeBroadcaster) RealtimeSubscribers(ctx context.Context) ([]string, error) {
	return b.users, nil
}

func (b *fakeBroadcaster) NotifyBotsList(ctx context.Context, userID string, bots []model.BotSummary) {
	b.mu.Lock()
	if b.sent == nil {
		b.sent = make(map[string][]model.BotSummary)
	}
	b.sent[userID] = bots
	b.mu.Unlock()
}

type schedEnv struct {
	*coreEnv
	feed   *fakeFeed
	syncer *fakeSyncer
	bcast  *fakeBroadcaster
	sched  *Scheduler
	clock  time.Time
	delays []time.Duration
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	env := &schedEnv{
		coreEnv: newCoreEnv(t),
		feed:    newFakeFeed(),
		syncer:  &fakeSyncer{},
		bcast:   &fakeBroadcaster{},
		clock:   time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	env.sched = NewScheduler(env.bots, env.core, env.feed, env.syncer, env.bcast, SchedulerConfig{})
	env.sched.now = func() time.Time { return env.clock }
	env.sched.sleep = func(ctx context.Context, d time.Duration) bool {
		env.delays = append(env.delays, d)
		return true
	}
	return env
}

func TestScheduler_ExecutionRespectsVolatilityTiers(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	calm := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	busy := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	env.prices.set("KRW-TEST", 130)

	env.sched.runExecution(ctx)
	assert.Equal(t, []time.Duration{300 * time.Millisecond}, env.delays)

	// both ran; the calm tier is 15s
	env.clock = env.clock.Add(5 * time.Second)
	env.sched.runExecution(ctx)
	assert.Len(t, env.delays, 1)

	env.feed.volatility["KRW-TEST"] = 6
	env.sched.runExecution(ctx)
	assert.Len(t, env.delays, 2)

	for _, id := range []int64{calm.ID, busy.ID} {
		assert.NotNil(t, env.reloadBot(t, id).LastExecutedAt)
	}
}

func TestScheduler_SkipsBotsWithoutAvailableLevels(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	bot := env.startBot(t, "u1", 100, 121, 10, 100, 105)

	env.prices.set("KRW-TEST", 100)
	env.sched.runExecution(ctx)
	assert.Equal(t, 1, env.ex.placeCount())
	assert.Equal(t, model.LevelPending, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)

	// only buy was available and is now pending
	env.clock = env.clock.Add(time.Minute)
	env.sched.runExecution(ctx)
	assert.Equal(t, 1, env.ex.placeCount())
}

func TestScheduler_ExecutionReactivatesParkedBuysByFeedPrice(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	bot := env.startBot(t, "u1", 100, 121, 10, 100, 95)
	assert.Equal(t, model.LevelInactive, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)

	// no feed price yet, nothing to do
	env.sched.runExecution(ctx)
	assert.Nil(t, env.reloadBot(t, bot.ID).LastExecutedAt)

	env.feed.prices["KRW-TEST"] = 105
	env.prices.set("KRW-TEST", 105)
	env.sched.runExecution(ctx)
	assert.Equal(t, model.LevelAvailable, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)
	assert.NotNil(t, env.reloadBot(t, bot.ID).LastExecutedAt)
	assert.Equal(t, 0, env.ex.placeCount())
}

func TestScheduler_SyncSubscribesAndWatchesPending(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	bot := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	env.feed.symbols["KRW-OLD"] = true

	env.prices.set("KRW-TEST", 100)
	require.NoError(t, env.core.ExecuteTrade(ctx, bot.ID))

	env.sched.runSync(ctx)
	assert.Equal(t, []string{"KRW-BTC", "KRW-ETH", "KRW-TEST", "KRW-XRP"}, env.feed.Symbols())
	require.Len(t, env.syncer.synced, 1)
	assert.Equal(t, map[string][]string{"u1": {"KRW-TEST"}}, env.syncer.synced[0])
	assert.Equal(t, 1, env.sched.Status().WatchedLevels)
}

func TestScheduler_FastPathChecksCrossedLevels(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	bot := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	env.prices.set("KRW-TEST", 100)
	require.NoError(t, env.core.ExecuteTrade(ctx, bot.ID))
	env.sched.runSync(ctx)

	env.sched.ctx = ctx
	env.sched.running = true

	// not crossed
	env.sched.onPrice(model.PriceUpdate{Symbol: "KRW-TEST", Price: 104})
	env.sched.wg.Wait()
	assert.Equal(t, model.LevelPending, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)

	env.ex.Cross("KRW-TEST", 99)
	env.sched.onPrice(model.PriceUpdate{Symbol: "KRW-TEST", Price: 99})
	env.sched.wg.Wait()
	assert.Equal(t, model.LevelFilled, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)
	assert.Equal(t, model.LevelPending, env.levelAt(t, bot.ID, model.SideSell, 110).Status)

	// within the cooldown the same level is not checked again
	checked := len(env.sched.lastCheck)
	env.sched.onPrice(model.PriceUpdate{Symbol: "KRW-TEST", Price: 98})
	env.sched.wg.Wait()
	assert.Equal(t, checked, len(env.sched.lastCheck))
	assert.Equal(t, 2, env.ex.placeCount())
}

func TestScheduler_FastPathWatchesNewOrders(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	bot := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	env.sched.ctx = ctx
	env.sched.running = true

	env.prices.set("KRW-TEST", 100)
	require.NoError(t, env.core.ExecuteTrade(ctx, bot.ID))
	assert.Equal(t, 1, env.sched.Status().WatchedLevels)

	env.ex.Cross("KRW-TEST", 99)
	env.sched.onPrice(model.PriceUpdate{Symbol: "KRW-TEST", Price: 99})
	env.sched.wg.Wait()
	sell := env.levelAt(t, bot.ID, model.SideSell, 110)
	require.Equal(t, model.LevelPending, sell.Status)
	assert.Equal(t, 2, env.sched.Status().WatchedLevels)

	// the rotation order is checked without waiting for a sync
	env.prices.set("KRW-TEST", 110)
	env.ex.Cross("KRW-TEST", 110)
	env.sched.onPrice(model.PriceUpdate{Symbol: "KRW-TEST", Price: 110})
	env.sched.wg.Wait()
	assert.Equal(t, model.LevelFilled, env.levelAt(t, bot.ID, model.SideSell, 110).Status)
	assert.Empty(t, env.syncer.synced)
}

func TestScheduler_FastPathIdleWhenStopped(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	bot := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	env.prices.set("KRW-TEST", 100)
	require.NoError(t, env.core.ExecuteTrade(ctx, bot.ID))

	env.ex.Cross("KRW-TEST", 99)
	env.sched.onPrice(model.PriceUpdate{Symbol: "KRW-TEST", Price: 99})
	env.sched.wg.Wait()
	assert.Empty(t, env.sched.lastCheck)
	assert.Equal(t, model.LevelPending, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)
}

func TestScheduler_StopWhilePricesArrive(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	bot := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	env.prices.set("KRW-TEST", 100)
	require.NoError(t, env.core.ExecuteTrade(ctx, bot.ID))
	require.NoError(t, env.sched.Start(ctx))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				env.sched.onPrice(model.PriceUpdate{Symbol: "KRW-TEST", Price: 95 + float64(i)})
			}
		}(i)
	}

	env.sched.Stop()
	close(done)
	wg.Wait()
	assert.False(t, env.sched.Status().Running)
}

func TestScheduler_BroadcastBuildsSummaries(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	bot := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	env.prices.set("KRW-TEST", 100)
	require.NoError(t, env.core.ExecuteTrade(ctx, bot.ID))
	env.feed.prices["KRW-TEST"] = 100
	env.bcast.users = []string{"u1", "nobody"}

	env.sched.runBroadcast(ctx)

	rows := env.bcast.sent["u1"]
	require.Len(t, rows, 1)
	assert.Equal(t, "KRW-TEST", rows[0].Symbol)
	assert.Equal(t, model.BotStatusRunning, rows[0].Status)
	assert.Equal(t, 100.0, rows[0].CurrentPrice)
	assert.Equal(t, 1, rows[0].PendingBuys)
	assert.Equal(t, 0, rows[0].PendingSells)
	assert.Equal(t, []float64{100, 110, 121}, rows[0].Ladder)
	assert.Empty(t, env.bcast.sent["nobody"])
}

func TestScheduler_ReconcileReleasesOrphanedClaims(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	bot := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	buy := env.levelAt(t, bot.ID, model.SideBuy, 100)
	ok, err := env.levels.Claim(ctx, buy.ID)
	require.NoError(t, err)
	require.True(t, ok)

	env.sched.runReconcile(ctx)
	assert.Equal(t, model.LevelPending, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)

	env.core.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	env.sched.runReconcile(ctx)
	assert.Equal(t, model.LevelAvailable, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)
}

func TestScheduler_GuardSkipsOverlappingRuns(t *testing.T) {
	env := newSchedEnv(t)
	env.sched.ctx = context.Background()

	env.sched.sweeping.Store(true)
	ran := false
	assert.False(t, env.sched.guard(JobSweep, &env.sched.sweeping, func(context.Context) { ran = true }))
	assert.False(t, ran)

	env.sched.sweeping.Store(false)
	assert.True(t, env.sched.guard(JobSweep, &env.sched.sweeping, func(context.Context) { ran = true }))
	assert.True(t, ran)
	assert.False(t, env.sched.sweeping.Load())
	assert.Equal(t, env.clock, env.sched.Status().LastRun[JobSweep])
}

func TestScheduler_StartStop(t *testing.T) {
	env := newSchedEnv(t)
	require.NoError(t, env.sched.Start(context.Background()))
	assert.True(t, env.sched.Status().Running)
	assert.True(t, env.feed.IsConnected())
	assert.Equal(t, []string{"KRW-BTC", "KRW-ETH", "KRW-XRP"}, env.feed.Symbols())
	assert.Len(t, env.feed.listeners, 1)

	env.sched.Stop()
	assert.False(t, env.sched.Status().Running)
	assert.True(t, env.feed.stopped)
	assert.True(t, env.syncer.closed)
}
