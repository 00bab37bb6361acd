package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/repository"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/upbit"
)

// OrderStream is one user's private order event connection.
type OrderStream interface {
	Connect(ctx context.Context) error
	Close()
	IsConnected() bool
	SetMarkets(markets []string) error
	OnOrder(h func(upbit.MyOrder))
	OnGiveUp(h func(error))
}

// OrderStreamFactory opens a stream authenticated with cred.
type OrderStreamFactory func(cred model.Credential) OrderStream

// UpbitOrderStreams builds private WS clients sharing one backoff policy.
func UpbitOrderStreams(wsURL string, backoff upbit.Backoff, pingInterval time.Duration) OrderStreamFactory {
	return func(cred model.Credential) OrderStream {
		return upbit.NewPrivateWSClient(wsURL, upbit.Credentials{AccessKey: cred.AccessKey, SecretKey: cred.SecretKey}, backoff, pingInterval)
	}
}

// CredentialSource resolves decrypted keys.
type CredentialSource interface {
	Get(ctx context.Context, userID string) (model.Credential, error)
}

// FillProcessor is the shared, idempotent fill path.
type FillProcessor interface {
	ProcessFilledOrder(ctx context.Context, level *model.GridLevel, order *model.ExchangeOrder) error
}

type orderRef struct {
	botID   int64
	levelID int64
}

type userStream struct {
	stream  OrderStream
	markets []string
}

// FillNotifier keeps one private order stream per user with running bots
// and routes fills of known orders into the fill path. The polling sweep
// stays authoritative; this only shortens the time to a rotation.
type FillNotifier struct {
	creds     CredentialSource
	levels    *repository.GridLevelRepository
	processor FillProcessor
	newStream OrderStreamFactory
	log       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[string]*userStream
	orders  map[string]orderRef
}

func NewFillNotifier(creds CredentialSource, levels *repository.GridLevelRepository, processor FillProcessor, factory OrderStreamFactory) *FillNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &FillNotifier{
		creds:     creds,
		levels:    levels,
		processor: processor,
		newStream: factory,
		log:       logger.GetLogger().Component("fill-notifier"),
		ctx:       ctx,
		cancel:    cancel,
		streams:   make(map[string]*userStream),
		orders:    make(map[string]orderRef),
	}
}

// Register maps a placed order to its level.
func (n *FillNotifier) Register(orderID string, botID, levelID int64) {
	n.mu.Lock()
	n.orders[orderID] = orderRef{botID: botID, levelID: levelID}
	n.mu.Unlock()
}

// Forget drops a consumed order.
func (n *FillNotifier) Forget(orderID string) {
	n.mu.Lock()
	delete(n.orders, orderID)
	n.mu.Unlock()
}

// ForgetBot drops every order of a stopped bot.
func (n *FillNotifier) ForgetBot(botID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ref := range n.orders {
		if ref.botID == botID {
			delete(n.orders, id)
		}
	}
}

// Tracked returns how many orders are registered.
func (n *FillNotifier) Tracked() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.orders)
}

// Users returns the users with an open stream, sorted.
func (n *FillNotifier) Users() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.streams))
	for u := range n.streams {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Sync opens streams for new users, closes streams of users without
// running bots and re-subscribes users whose market set changed.
func (n *FillNotifier) Sync(ctx context.Context, userMarkets map[string][]string) {
	n.mu.Lock()
	var stale []OrderStream
	for userID, us := range n.streams {
		if _, ok := userMarkets[userID]; !ok {
			stale = append(stale, us.stream)
			delete(n.streams, userID)
			n.log.Infof("Closing order stream of user %s", userID)
		}
	}
	n.mu.Unlock()
	for _, s := range stale {
		s.Close()
	}

	for userID, markets := range userMarkets {
		markets = normalizeMarkets(markets)

		n.mu.Lock()
		us, ok := n.streams[userID]
		n.mu.Unlock()

		if ok {
			if equalMarkets(us.markets, markets) {
				continue
			}
			if err := us.stream.SetMarkets(markets); err != nil {
				n.log.Warnf("Re-subscribing order stream of user %s failed: %v", userID, err)
				continue
			}
			n.mu.Lock()
			us.markets = markets
			n.mu.Unlock()
			continue
		}

		if err := n.open(ctx, userID, markets); err != nil {
			n.log.Warnf("Opening order stream of user %s failed: %v", userID, err)
		}
	}
}

// Reset closes the stream of one user so the next Sync reopens it with
// fresh credentials.
func (n *FillNotifier) Reset(userID string) {
	n.mu.Lock()
	us, ok := n.streams[userID]
	delete(n.streams, userID)
	n.mu.Unlock()
	if ok {
		us.stream.Close()
		n.log.Infof("Reset order stream of user %s", userID)
	}
}

func (n *FillNotifier) open(ctx context.Context, userID string, markets []string) error {
	cred, err := n.creds.Get(ctx, userID)
	if err != nil {
		return err
	}
	stream := n.newStream(cred)
	stream.OnOrder(func(ev upbit.MyOrder) { n.handleOrder(userID, ev) })
	stream.OnGiveUp(func(err error) {
		n.log.Errorf("Order stream of user %s gave up, sweep only until next sync: %v", userID, err)
		n.mu.Lock()
		if us, ok := n.streams[userID]; ok && us.stream == stream {
			delete(n.streams, userID)
		}
		n.mu.Unlock()
	})
	if err := stream.SetMarkets(markets); err != nil {
		return err
	}
	if err := stream.Connect(ctx); err != nil {
		return err
	}

	n.mu.Lock()
	n.streams[userID] = &userStream{stream: stream, markets: markets}
	n.mu.Unlock()
	n.log.Infof("Opened order stream of user %s for %s", userID, strings.Join(markets, ","))
	return nil
}

// handleOrder routes a done event. Orders placed by this process are
// found in the registry; older ones through the level order index.
func (n *FillNotifier) handleOrder(userID string, ev upbit.MyOrder) {
	if ev.State != upbit.StateDone || ev.UUID == "" {
		return
	}
	n.mu.Lock()
	ref, known := n.orders[ev.UUID]
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		level, err := n.lookupLevel(ev.UUID, ref, known)
		if err != nil {
			if !errors.Is(err, repository.ErrLevelNotFound) {
				n.log.Warnf("Fill of order %s for user %s: %v", ev.UUID, userID, err)
			}
			return
		}
		if err := n.processor.ProcessFilledOrder(n.ctx, level, toFilledOrder(ev)); err != nil {
			n.log.Errorf("Bot %d: pushed fill of order %s failed: %v", level.BotID, ev.UUID, err)
			return
		}
		n.Forget(ev.UUID)
	}()
}

func (n *FillNotifier) lookupLevel(orderID string, ref orderRef, known bool) (*model.GridLevel, error) {
	if known {
		return n.levels.GetByID(n.ctx, ref.levelID)
	}
	return n.levels.GetByOrderID(n.ctx, orderID)
}

func toFilledOrder(ev upbit.MyOrder) *model.ExchangeOrder {
	ts := ev.TradeTimestamp
	if ts == 0 {
		ts = ev.Timestamp
	}
	var executed time.Time
	if ts > 0 {
		executed = time.UnixMilli(ts)
	}
	return &model.ExchangeOrder{
		ID:             ev.UUID,
		Symbol:         ev.Code,
		Side:           fromUpbitSide(ev.AskBid),
		State:          model.OrderStateDone,
		Price:          ev.Price,
		AvgPrice:       ev.AvgPrice,
		Volume:         ev.Volume,
		ExecutedVolume: ev.ExecutedVolume,
		ExecutedAt:     executed,
	}
}

// Wait blocks until in-flight fills are processed.
func (n *FillNotifier) Wait() {
	n.wg.Wait()
}

// Close shuts every stream and waits for in-flight fills.
func (n *FillNotifier) Close() {
	n.mu.Lock()
	streams := n.streams
	n.streams = make(map[string]*userStream)
	n.mu.Unlock()
	for _, us := range streams {
		us.stream.Close()
	}
	n.cancel()
	n.wg.Wait()
}

func normalizeMarkets(markets []string) []string {
	seen := make(map[string]struct{}, len(markets))
	out := make([]string, 0, len(markets))
	for _, m := range markets {
		m = strings.ToUpper(m)
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func equalMarkets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
