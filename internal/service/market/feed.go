package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/upbit"
)

const (
	DefaultPriceTTL      = 60 * time.Second
	DefaultWindow        = 60 * time.Second
	DefaultFlushInterval = time.Second
)

// ErrNoPrice is returned when neither cache nor REST has a price.
var ErrNoPrice = errors.New("no price available")

// TickerStream is the public ticker connection.
type TickerStream interface {
	Connect(ctx context.Context) error
	Close()
	IsConnected() bool
	SetCodes(codes []string) error
	OnTicker(h func(upbit.Ticker))
	OnGiveUp(h func(error))
}

// PriceFetcher is the REST fallback.
type PriceFetcher interface {
	GetTickers(ctx context.Context, markets ...string) ([]upbit.Ticker, error)
}

// PriceSink receives the latest price per market once per flush.
type PriceSink interface {
	PublishPrices(ctx context.Context, prices []model.PriceUpdate)
}

// PriceListener is called synchronously for every ticker.
type PriceListener func(update model.PriceUpdate)

type sample struct {
	price float64
	at    time.Time
}

type priceEntry struct {
	update     model.PriceUpdate
	receivedAt time.Time
	window     []sample
}

// FeedConfig tunes cache and flush timings. Zero values take defaults.
type FeedConfig struct {
	PriceTTL      time.Duration
	Window        time.Duration
	FlushInterval time.Duration
}

// Feed caches the public ticker stream for a dynamic set of markets.
type Feed struct {
	stream  TickerStream
	fetcher PriceFetcher
	sink    PriceSink
	cfg     FeedConfig
	log     *logger.Logger
	now     func() time.Time

	mu        sync.RWMutex
	symbols   map[string]struct{}
	prices    map[string]*priceEntry
	dirty     map[string]model.PriceUpdate
	listeners map[int]PriceListener
	nextID    int

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewFeed(stream TickerStream, fetcher PriceFetcher, sink PriceSink, cfg FeedConfig) *Feed {
	if cfg.PriceTTL <= 0 {
		cfg.PriceTTL = DefaultPriceTTL
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	f := &Feed{
		stream:    stream,
		fetcher:   fetcher,
		sink:      sink,
		cfg:       cfg,
		log:       logger.GetLogger().Component("market-feed"),
		now:       time.Now,
		symbols:   make(map[string]struct{}),
		prices:    make(map[string]*priceEntry),
		dirty:     make(map[string]model.PriceUpdate),
		listeners: make(map[int]PriceListener),
		stop:      make(chan struct{}),
	}
	stream.OnTicker(f.handleTicker)
	stream.OnGiveUp(func(err error) {
		f.log.Error("Market feed gave up reconnecting, restart required", err)
	})
	return f
}

// Start connects the stream and begins the batch flusher.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.stream.SetCodes(f.Symbols()); err != nil {
		return err
	}
	if err := f.stream.Connect(ctx); err != nil {
		return fmt.Errorf("connect ticker stream: %w", err)
	}

	f.wg.Add(1)
	go f.flushLoop()
	f.log.Infof("Market feed started with %d symbols", len(f.Symbols()))
	return nil
}

// Stop halts the flusher and closes the stream.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stop)
		f.wg.Wait()
		f.stream.Close()
	})
}

// IsConnected reports the ticker stream state.
func (f *Feed) IsConnected() bool {
	return f.stream.IsConnected()
}

// Subscribe adds a market. A new market re-sends the full set.
func (f *Feed) Subscribe(symbol string) error {
	symbol = strings.ToUpper(symbol)
	f.mu.Lock()
	if _, ok := f.symbols[symbol]; ok {
		f.mu.Unlock()
		return nil
	}
	f.symbols[symbol] = struct{}{}
	codes := f.symbolsLocked()
	f.mu.Unlock()

	f.log.Debugf("Subscribing %s (%d total)", symbol, len(codes))
	return f.stream.SetCodes(codes)
}

// Unsubscribe removes a market and drops its cached price.
func (f *Feed) Unsubscribe(symbol string) error {
	symbol = strings.ToUpper(symbol)
	f.mu.Lock()
	if _, ok := f.symbols[symbol]; !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.symbols, symbol)
	delete(f.prices, symbol)
	delete(f.dirty, symbol)
	codes := f.symbolsLocked()
	f.mu.Unlock()

	return f.stream.SetCodes(codes)
}

// Symbols returns the subscribed markets, sorted.
func (f *Feed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.symbolsLocked()
}

func (f *Feed) symbolsLocked() []string {
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GetPrice returns the cached price unless it is older than the TTL.
func (f *Feed) GetPrice(symbol string) (float64, bool) {
	symbol = strings.ToUpper(symbol)
	f.mu.RLock()
	e, ok := f.prices[symbol]
	f.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if f.now().Sub(e.receivedAt) > f.cfg.PriceTTL {
		f.mu.Lock()
		if cur, ok := f.prices[symbol]; ok && cur == e {
			delete(f.prices, symbol)
		}
		f.mu.Unlock()
		return 0, false
	}
	return e.update.Price, true
}

// GetPriceOrFetch falls back to REST on a cache miss and caches the result.
func (f *Feed) GetPriceOrFetch(ctx context.Context, symbol string) (float64, error) {
	if p, ok := f.GetPrice(symbol); ok {
		return p, nil
	}
	if f.fetcher == nil {
		return 0, ErrNoPrice
	}
	tickers, err := f.fetcher.GetTickers(ctx, strings.ToUpper(symbol))
	if err != nil {
		return 0, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	for _, t := range tickers {
		if strings.EqualFold(t.Symbol(), symbol) && t.TradePrice > 0 {
			f.record(t)
			return t.TradePrice, nil
		}
	}
	return 0, ErrNoPrice
}

// GetVolatility returns (high-low)/avg*100 over the rolling window, or 0
// with fewer than two samples.
func (f *Feed) GetVolatility(symbol string) float64 {
	symbol = strings.ToUpper(symbol)
	cutoff := f.now().Add(-f.cfg.Window)

	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.prices[symbol]
	if !ok {
		return 0
	}

	var high, low, sum float64
	n := 0
	for _, s := range e.window {
		if s.at.Before(cutoff) {
			continue
		}
		if n == 0 || s.price > high {
			high = s.price
		}
		if n == 0 || s.price < low {
			low = s.price
		}
		sum += s.price
		n++
	}
	if n < 2 || sum == 0 {
		return 0
	}
	return (high - low) / (sum / float64(n)) * 100
}

// OnPriceUpdate registers a listener and returns its removal func.
func (f *Feed) OnPriceUpdate(l PriceListener) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = l
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *Feed) handleTicker(t upbit.Ticker) {
	symbol := strings.ToUpper(t.Symbol())
	if t.TradePrice <= 0 {
		return
	}
	f.mu.RLock()
	_, subscribed := f.symbols[symbol]
	f.mu.RUnlock()
	if !subscribed {
		return
	}

	update := f.record(t)

	f.mu.RLock()
	listeners := make([]PriceListener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.RUnlock()

	for _, l := range listeners {
		f.notify(l, update)
	}
}

func (f *Feed) notify(l PriceListener, update model.PriceUpdate) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Errorf("Price listener panicked on %s: %v", update.Symbol, r)
		}
	}()
	l(update)
}

func (f *Feed) record(t upbit.Ticker) model.PriceUpdate {
	now := f.now()
	symbol := strings.ToUpper(t.Symbol())
	ts := t.Timestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}
	update := model.PriceUpdate{
		Symbol:     symbol,
		Price:      t.TradePrice,
		ChangeRate: t.SignedChangeRate,
		Volume24h:  t.AccTradeVolume24h,
		Timestamp:  ts,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.prices[symbol]
	if !ok {
		e = &priceEntry{}
		f.prices[symbol] = e
	}
	e.update = update
	e.receivedAt = now
	e.window = append(trimWindow(e.window, now.Add(-f.cfg.Window)), sample{price: t.TradePrice, at: now})
	f.dirty[symbol] = update
	return update
}

func trimWindow(window []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(window) && window[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}

func (f *Feed) flushLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.Flush(context.Background())
		}
	}
}

// Flush publishes the latest update of every market that changed since
// the previous flush.
func (f *Feed) Flush(ctx context.Context) {
	f.mu.Lock()
	if len(f.dirty) == 0 {
		f.mu.Unlock()
		return
	}
	batch := make([]model.PriceUpdate, 0, len(f.dirty))
	for _, u := range f.dirty {
		batch = append(batch, u)
	}
	f.dirty = make(map[string]model.PriceUpdate)
	f.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Symbol < batch[j].Symbol })
	if f.sink != nil {
		f.sink.PublishPrices(ctx, batch)
	}
}
