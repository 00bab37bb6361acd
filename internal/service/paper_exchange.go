package service

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/service/grid"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
)

// QuoteCurrency is the settlement currency of every paper market.
const QuoteCurrency = "KRW"

// PriceSource is the cached price lookup the paper exchange quotes from.
type PriceSource interface {
	GetPrice(symbol string) (float64, bool)
}

type paperOrder struct {
	userID string
	order  model.ExchangeOrder
}

// PaperExchange simulates an exchange in memory. Resting limit orders
// fill when a price update crosses them. With balances set, orders
// reserve funds and fail with insufficient_funds when short.
type PaperExchange struct {
	prices PriceSource
	log    *logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	orders   map[string]*paperOrder
	balances map[string]float64
}

// NewPaperExchange creates a paper venue. A nil balances map means
// unlimited funds.
func NewPaperExchange(prices PriceSource, balances map[string]float64) *PaperExchange {
	return &PaperExchange{
		prices:   prices,
		log:      logger.GetLogger().Component("paper-exchange"),
		now:      time.Now,
		orders:   make(map[string]*paperOrder),
		balances: balances,
	}
}

func (p *PaperExchange) CheckCredentials(ctx context.Context, userID string) error {
	return nil
}

func baseCurrency(symbol string) string {
	if i := strings.Index(symbol, "-"); i >= 0 {
		return symbol[i+1:]
	}
	return symbol
}

func (p *PaperExchange) PlaceLimitOrder(ctx context.Context, userID, symbol string, side model.OrderSide, price, volume float64) (*model.ExchangeOrder, error) {
	price = grid.RoundPrice(price)
	if price <= 0 || volume <= 0 {
		return nil, util.NewExchangeError(http.StatusBadRequest, "invalid_parameter", "price and volume must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.balances != nil {
		if side == model.SideBuy {
			cost := price * volume
			if p.balances[QuoteCurrency] < cost {
				return nil, util.NewExchangeError(http.StatusBadRequest, util.ExchangeInsufficientFundsBid, "insufficient KRW balance")
			}
			p.balances[QuoteCurrency] -= cost
		} else {
			base := baseCurrency(symbol)
			if p.balances[base] < volume {
				return nil, util.NewExchangeError(http.StatusBadRequest, util.ExchangeInsufficientFundsAsk, "insufficient "+base+" balance")
			}
			p.balances[base] -= volume
		}
	}

	now := p.now()
	o := &paperOrder{
		userID: userID,
		order: model.ExchangeOrder{
			ID:        "paper-" + uuid.NewString(),
			Symbol:    strings.ToUpper(symbol),
			Side:      side,
			State:     model.OrderStateWait,
			Price:     price,
			Volume:    volume,
			CreatedAt: now,
		},
	}
	p.orders[o.order.ID] = o
	out := o.order
	return &out, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, userID, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.userID != userID || o.order.State != model.OrderStateWait {
		return util.NewExchangeError(http.StatusNotFound, util.ExchangeOrderNotFound, "order not found")
	}
	o.order.State = model.OrderStateCancel
	p.refund(o)
	return nil
}

func (p *PaperExchange) refund(o *paperOrder) {
	if p.balances == nil {
		return
	}
	if o.order.Side == model.SideBuy {
		p.balances[QuoteCurrency] += o.order.Price * o.order.Volume
	} else {
		p.balances[baseCurrency(o.order.Symbol)] += o.order.Volume
	}
}

func (p *PaperExchange) GetOrder(ctx context.Context, userID, orderID string) (*model.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.userID != userID {
		return nil, util.NewExchangeError(http.StatusNotFound, util.ExchangeOrderNotFound, "order not found")
	}
	out := o.order
	return &out, nil
}

func (p *PaperExchange) GetOrders(ctx context.Context, userID, symbol string, orderIDs []string) ([]model.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.ExchangeOrder
	for _, id := range orderIDs {
		o, ok := p.orders[id]
		if !ok || o.userID != userID {
			continue
		}
		if symbol != "" && !strings.EqualFold(o.order.Symbol, symbol) {
			continue
		}
		out = append(out, o.order)
	}
	return out, nil
}

func (p *PaperExchange) RecentFills(ctx context.Context, userID, symbol string, limit int) ([]model.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.ExchangeOrder
	for _, o := range p.orders {
		if o.userID != userID || o.order.State != model.OrderStateDone {
			continue
		}
		if symbol != "" && !strings.EqualFold(o.order.Symbol, symbol) {
			continue
		}
		out = append(out, o.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *PaperExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	if p.prices != nil {
		if price, ok := p.prices.GetPrice(symbol); ok {
			return price, nil
		}
	}
	return 0, fmt.Errorf("paper exchange has no price for %s", symbol)
}

// OnPrice fills resting orders crossed by a price update. It is
// registered as a market feed listener.
func (p *PaperExchange) OnPrice(update model.PriceUpdate) {
	p.Cross(update.Symbol, update.Price)
}

// Cross fills every resting order of symbol that price reaches and
// returns the fills.
func (p *PaperExchange) Cross(symbol string, price float64) []model.ExchangeOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var filled []model.ExchangeOrder
	for _, o := range p.orders {
		if o.order.State != model.OrderStateWait || !strings.EqualFold(o.order.Symbol, symbol) {
			continue
		}
		crossed := (o.order.Side == model.SideBuy && price <= o.order.Price) ||
			(o.order.Side == model.SideSell && price >= o.order.Price)
		if !crossed {
			continue
		}
		o.order.State = model.OrderStateDone
		o.order.AvgPrice = o.order.Price
		o.order.ExecutedVolume = o.order.Volume
		o.order.ExecutedAt = now
		if p.balances != nil {
			if o.order.Side == model.SideBuy {
				p.balances[baseCurrency(o.order.Symbol)] += o.order.Volume
			} else {
				p.balances[QuoteCurrency] += o.order.Price * o.order.Volume
			}
		}
		filled = append(filled, o.order)
	}
	if len(filled) > 0 {
		p.log.Debugf("Filled %d paper orders on %s @ %v", len(filled), symbol, price)
	}
	return filled
}

// Balance returns the free balance of currency.
func (p *PaperExchange) Balance(currency string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[currency]
}

// Balances returns a copy of every free balance, nil when unlimited.
func (p *PaperExchange) Balances() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balances == nil {
		return nil
	}
	out := make(map[string]float64, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out
}

// SetBalance overrides the free balance of currency.
func (p *PaperExchange) SetBalance(currency string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balances == nil {
		p.balances = make(map[string]float64)
	}
	p.balances[currency] = amount
}
