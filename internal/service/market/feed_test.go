package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/upbit"
)

type fakeStream struct {
	mu        sync.Mutex
	sets      [][]string
	onTicker  func(upbit.Ticker)
	connected bool
}

func (s *fakeStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *fakeStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) SetCodes(codes []string) error {
	s.mu.Lock()
	s.sets = append(s.sets, append([]string(nil), codes...))
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) OnTicker(h func(upbit.Ticker)) { s.onTicker = h }
func (s *fakeStream) OnGiveUp(h func(error))        {}

func (s *fakeStream) emit(symbol string, price float64) {
	s.onTicker(upbit.Ticker{Type: "ticker", Code: symbol, TradePrice: price})
}

type fakeFetcher struct {
	calls  int
	prices map[string]float64
	err    error
}

func (f *fakeFetcher) GetTickers(ctx context.Context, markets ...string) ([]upbit.Ticker, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []upbit.Ticker
	for _, m := range markets {
		if p, ok := f.prices[m]; ok {
			out = append(out, upbit.Ticker{Market: m, TradePrice: p})
		}
	}
	return out, nil
}

type captureSink struct {
	batches [][]model.PriceUpdate
}

func (s *captureSink) PublishPrices(ctx context.Context, prices []model.PriceUpdate) {
	s.batches = append(s.batches, prices)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestFeed(t *testing.T) (*Feed, *fakeStream, *fakeFetcher, *captureSink, *clock) {
	t.Helper()
	stream := &fakeStream{}
	fetcher := &fakeFetcher{prices: map[string]float64{}}
	sink := &captureSink{}
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := NewFeed(stream, fetcher, sink, FeedConfig{})
	f.now = clk.now
	return f, stream, fetcher, sink, clk
}

func TestFeed_SubscribeResendsFullSet(t *testing.T) {
	f, stream, _, _, _ := newTestFeed(t)

	require.NoError(t, f.Subscribe("krw-btc"))
	require.NoError(t, f.Subscribe("KRW-ETH"))
	require.NoError(t, f.Subscribe("KRW-ETH"))
	require.NoError(t, f.Unsubscribe("KRW-BTC"))

	assert.Equal(t, [][]string{
		{"KRW-BTC"},
		{"KRW-BTC", "KRW-ETH"},
		{"KRW-ETH"},
	}, stream.sets)
	assert.Equal(t, []string{"KRW-ETH"}, f.Symbols())
}

func TestFeed_PriceCacheExpires(t *testing.T) {
	f, stream, _, _, clk := newTestFeed(t)
	require.NoError(t, f.Subscribe("KRW-BTC"))

	_, ok := f.GetPrice("KRW-BTC")
	assert.False(t, ok)

	stream.emit("KRW-BTC", 50_000_000)
	p, ok := f.GetPrice("KRW-BTC")
	require.True(t, ok)
	assert.Equal(t, 50_000_000.0, p)

	clk.advance(61 * time.Second)
	_, ok = f.GetPrice("KRW-BTC")
	assert.False(t, ok)
}

func TestFeed_IgnoresUnsubscribedMarkets(t *testing.T) {
	f, stream, _, _, _ := newTestFeed(t)
	stream.emit("KRW-DOGE", 100)
	_, ok := f.GetPrice("KRW-DOGE")
	assert.False(t, ok)
}

func TestFeed_Volatility(t *testing.T) {
	f, stream, _, _, clk := newTestFeed(t)
	require.NoError(t, f.Subscribe("KRW-XRP"))

	assert.Zero(t, f.GetVolatility("KRW-XRP"))

	stream.emit("KRW-XRP", 90)
	clk.advance(10 * time.Second)
	stream.emit("KRW-XRP", 110)
	clk.advance(10 * time.Second)
	stream.emit("KRW-XRP", 100)

	// high 110, low 90, avg 100
	assert.InDelta(t, 20.0, f.GetVolatility("KRW-XRP"), 1e-9)

	// the first two samples fall out of the window
	clk.advance(55 * time.Second)
	stream.emit("KRW-XRP", 101)
	assert.InDelta(t, 1/100.5*100, f.GetVolatility("KRW-XRP"), 1e-9)
}

func TestFeed_ListenersAndPanicRecovery(t *testing.T) {
	f, stream, _, _, _ := newTestFeed(t)
	require.NoError(t, f.Subscribe("KRW-BTC"))

	var got []float64
	f.OnPriceUpdate(func(u model.PriceUpdate) { panic("boom") })
	remove := f.OnPriceUpdate(func(u model.PriceUpdate) { got = append(got, u.Price) })

	stream.emit("KRW-BTC", 1)
	stream.emit("KRW-BTC", 2)
	remove()
	stream.emit("KRW-BTC", 3)

	assert.Equal(t, []float64{1, 2}, got)
	p, ok := f.GetPrice("KRW-BTC")
	require.True(t, ok)
	assert.Equal(t, 3.0, p)
}

func TestFeed_GetPriceOrFetch(t *testing.T) {
	f, _, fetcher, _, _ := newTestFeed(t)
	fetcher.prices["KRW-ETH"] = 3_000_000

	p, err := f.GetPriceOrFetch(context.Background(), "KRW-ETH")
	require.NoError(t, err)
	assert.Equal(t, 3_000_000.0, p)

	// served from cache afterwards
	_, err = f.GetPriceOrFetch(context.Background(), "KRW-ETH")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)

	_, err = f.GetPriceOrFetch(context.Background(), "KRW-SOL")
	assert.ErrorIs(t, err, ErrNoPrice)

	fetcher.err = errors.New("down")
	_, err = f.GetPriceOrFetch(context.Background(), "KRW-ADA")
	assert.Error(t, err)
}

func TestFeed_FlushBatchesLatestPerSymbol(t *testing.T) {
	f, stream, _, sink, _ := newTestFeed(t)
	require.NoError(t, f.Subscribe("KRW-BTC"))
	require.NoError(t, f.Subscribe("KRW-ETH"))

	stream.emit("KRW-ETH", 10)
	stream.emit("KRW-BTC", 20)
	stream.emit("KRW-BTC", 21)

	f.Flush(context.Background())
	f.Flush(context.Background())

	require.Len(t, sink.batches, 1)
	batch := sink.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, "KRW-BTC", batch[0].Symbol)
	assert.Equal(t, 21.0, batch[0].Price)
	assert.Equal(t, "KRW-ETH", batch[1].Symbol)
}

func TestFeed_StartStop(t *testing.T) {
	f, stream, _, _, _ := newTestFeed(t)
	require.NoError(t, f.Subscribe("KRW-BTC"))

	require.NoError(t, f.Start(context.Background()))
	assert.True(t, f.IsConnected())

	f.Stop()
	f.Stop()
	assert.False(t, stream.IsConnected())
}
