package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/upbit"
)

type fakeOrderStream struct {
	mu        sync.Mutex
	cred      model.Credential
	markets   []string
	connected bool
	closed    bool
	onOrder   func(upbit.MyOrder)
	onGiveUp  func(error)
}

func (s *fakeOrderStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeOrderStream) Close() {
	s.mu.Lock()
	s.connected = false
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeOrderStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeOrderStream) SetMarkets(markets []string) error {
	s.mu.Lock()
	s.markets = append([]string(nil), markets...)
	s.mu.Unlock()
	return nil
}

func (s *fakeOrderStream) OnOrder(h func(upbit.MyOrder)) { s.onOrder = h }
func (s *fakeOrderStream) OnGiveUp(h func(error))        { s.onGiveUp = h }

func (s *fakeOrderStream) currentMarkets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markets
}

type fakeCreds struct {
	missing map[string]bool
}

func (c fakeCreds) Get(ctx context.Context, userID string) (model.Credential, error) {
	if c.missing[userID] {
		return model.Credential{}, util.ErrCredentialsMissing
	}
	return model.Credential{AccessKey: "ak-" + userID, SecretKey: "sk-" + userID}, nil
}

type streamRecorder struct {
	mu      sync.Mutex
	streams []*fakeOrderStream
}

func (r *streamRecorder) factory(cred model.Credential) OrderStream {
	s := &fakeOrderStream{cred: cred}
	r.mu.Lock()
	r.streams = append(r.streams, s)
	r.mu.Unlock()
	return s
}

func (r *streamRecorder) last() *fakeOrderStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[len(r.streams)-1]
}

func TestFillNotifier_SyncOpensResubscribesAndCloses(t *testing.T) {
	env := newCoreEnv(t)
	rec := &streamRecorder{}
	n := NewFillNotifier(fakeCreds{missing: map[string]bool{"u3": true}}, env.levels, env.core, rec.factory)
	defer n.Close()
	ctx := context.Background()

	n.Sync(ctx, map[string][]string{
		"u1": {"krw-btc", "KRW-ETH", "KRW-BTC"},
		"u3": {"KRW-XRP"},
	})
	assert.Equal(t, []string{"u1"}, n.Users())
	s1 := rec.last()
	assert.Equal(t, "ak-u1", s1.cred.AccessKey)
	assert.True(t, s1.IsConnected())
	assert.Equal(t, []string{"KRW-BTC", "KRW-ETH"}, s1.currentMarkets())

	n.Sync(ctx, map[string][]string{"u1": {"KRW-ETH", "KRW-XRP"}})
	assert.Len(t, rec.streams, 1)
	assert.Equal(t, []string{"KRW-ETH", "KRW-XRP"}, s1.currentMarkets())

	n.Sync(ctx, map[string][]string{})
	assert.Empty(t, n.Users())
	assert.True(t, s1.closed)
}

func TestFillNotifier_GiveUpDropsStream(t *testing.T) {
	env := newCoreEnv(t)
	rec := &streamRecorder{}
	n := NewFillNotifier(fakeCreds{}, env.levels, env.core, rec.factory)
	defer n.Close()

	n.Sync(context.Background(), map[string][]string{"u1": {"KRW-BTC"}})
	rec.last().onGiveUp(errors.New("max reconnect attempts"))
	assert.Empty(t, n.Users())

	n.Sync(context.Background(), map[string][]string{"u1": {"KRW-BTC"}})
	assert.Equal(t, []string{"u1"}, n.Users())
	assert.Len(t, rec.streams, 2)
}

func TestFillNotifier_PushedFillRotates(t *testing.T) {
	env := newCoreEnv(t)
	rec := &streamRecorder{}
	n := NewFillNotifier(fakeCreds{}, env.levels, env.core, rec.factory)
	env.core.SetFillRegistry(n)
	defer n.Close()
	ctx := context.Background()

	bot := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	env.prices.set("KRW-TEST", 100)
	require.NoError(t, env.core.ExecuteTrade(ctx, bot.ID))
	buy := env.levelAt(t, bot.ID, model.SideBuy, 100)
	require.True(t, buy.HasOrder())
	assert.Equal(t, 1, n.Tracked())

	n.Sync(ctx, map[string][]string{"u1": {"KRW-TEST"}})
	stream := rec.last()

	// non-terminal and unknown orders are ignored
	stream.onOrder(upbit.MyOrder{UUID: buy.OrderID, State: upbit.StateWait, Code: "KRW-TEST"})
	stream.onOrder(upbit.MyOrder{UUID: "someone-else", State: upbit.StateDone, Code: "KRW-TEST"})
	n.Wait()
	assert.Equal(t, model.LevelPending, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)

	stream.onOrder(upbit.MyOrder{
		UUID:           buy.OrderID,
		Code:           "KRW-TEST",
		AskBid:         upbit.SideBid,
		State:          upbit.StateDone,
		Price:          100,
		Volume:         1,
		ExecutedVolume: 1,
		TradeTimestamp: time.Now().UnixMilli(),
	})
	n.Wait()

	assert.Equal(t, model.LevelFilled, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)
	sell := env.levelAt(t, bot.ID, model.SideSell, 110)
	assert.Equal(t, model.LevelPending, sell.Status)
	require.True(t, sell.HasOrder())
	assert.Equal(t, 1, n.Tracked())

	n.ForgetBot(bot.ID)
	assert.Equal(t, 0, n.Tracked())
}

func TestFillNotifier_RoutesOrdersPlacedBeforeRestart(t *testing.T) {
	env := newCoreEnv(t)
	ctx := context.Background()
	bot := env.startBot(t, "u1", 100, 121, 10, 100, 105)
	env.prices.set("KRW-TEST", 100)
	require.NoError(t, env.core.ExecuteTrade(ctx, bot.ID))
	buy := env.levelAt(t, bot.ID, model.SideBuy, 100)
	require.True(t, buy.HasOrder())

	// a new process knows nothing about the resting order
	rec := &streamRecorder{}
	n := NewFillNotifier(fakeCreds{}, env.levels, env.core, rec.factory)
	env.core.SetFillRegistry(n)
	defer n.Close()
	assert.Equal(t, 0, n.Tracked())

	n.Sync(ctx, map[string][]string{"u1": {"KRW-TEST"}})
	rec.last().onOrder(upbit.MyOrder{
		UUID:           buy.OrderID,
		Code:           "KRW-TEST",
		AskBid:         upbit.SideBid,
		State:          upbit.StateDone,
		Price:          100,
		Volume:         1,
		ExecutedVolume: 1,
		TradeTimestamp: time.Now().UnixMilli(),
	})
	n.Wait()

	assert.Equal(t, model.LevelFilled, env.levelAt(t, bot.ID, model.SideBuy, 100).Status)
	sell := env.levelAt(t, bot.ID, model.SideSell, 110)
	assert.Equal(t, model.LevelPending, sell.Status)
	assert.True(t, sell.HasOrder())
}

func TestFillNotifier_ResetReopensWithNewCredentials(t *testing.T) {
	env := newCoreEnv(t)
	rec := &streamRecorder{}
	n := NewFillNotifier(fakeCreds{}, env.levels, env.core, rec.factory)
	defer n.Close()
	ctx := context.Background()

	n.Sync(ctx, map[string][]string{"u1": {"KRW-BTC"}, "u2": {"KRW-ETH"}})
	require.Len(t, rec.streams, 2)

	n.Reset("u1")
	n.Reset("nobody")
	assert.Equal(t, []string{"u2"}, n.Users())
	closed := 0
	for _, s := range rec.streams {
		if s.closed {
			closed++
			assert.Equal(t, "ak-u1", s.cred.AccessKey)
		}
	}
	assert.Equal(t, 1, closed)

	n.Sync(ctx, map[string][]string{"u1": {"KRW-BTC"}, "u2": {"KRW-ETH"}})
	assert.Equal(t, []string{"u1", "u2"}, n.Users())
	assert.Len(t, rec.streams, 3)
	assert.Equal(t, "ak-u1", rec.last().cred.AccessKey)
}
