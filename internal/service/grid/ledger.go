package grid

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/repository"
)

// Ledger owns the persisted levels of every bot.
type Ledger struct {
	levels *repository.GridLevelRepository
}

func NewLedger(levels *repository.GridLevelRepository) *Ledger {
	return &Ledger{levels: levels}
}

// BuildLevels lays a ladder out as rows. Each rung but the top gets a buy
// row paired with the next rung up; each rung but the bottom gets a sell
// row paired with the rung below. Buys strictly below the reference price
// start available, everything else inactive until inventory or price
// movement brings it into play.
func BuildLevels(botID int64, ladder []decimal.Decimal, referencePrice float64) []*model.GridLevel {
	prices := Floats(ladder)
	levels := make([]*model.GridLevel, 0, 2*len(prices))
	for i := 0; i+1 < len(prices); i++ {
		buy := model.NewBuyLevel(botID, prices[i], prices[i+1])
		if prices[i] < referencePrice {
			buy.Status = model.LevelAvailable
		}
		levels = append(levels, buy)
	}
	for i := 1; i < len(prices); i++ {
		levels = append(levels, model.NewSellLevel(botID, prices[i], prices[i-1]))
	}
	return levels
}

// CreateLevels persists the rows of a new ladder.
func (l *Ledger) CreateLevels(ctx context.Context, bot *model.Bot, ladder []decimal.Decimal, referencePrice float64) ([]*model.GridLevel, error) {
	levels := BuildLevels(bot.ID, ladder, referencePrice)
	if err := l.levels.CreateBatch(ctx, levels); err != nil {
		return nil, fmt.Errorf("create levels for bot %d: %w", bot.ID, err)
	}
	return levels, nil
}

// Levels returns the bot's rows ordered by price.
func (l *Ledger) Levels(ctx context.Context, botID int64) ([]*model.GridLevel, error) {
	return l.levels.ListByBot(ctx, botID)
}

// Executable is the outcome of a price check: at most one level per side.
type Executable struct {
	Buy  *model.GridLevel
	Sell *model.GridLevel
}

// List returns the non-nil levels, buy first.
func (e Executable) List() []*model.GridLevel {
	out := make([]*model.GridLevel, 0, 2)
	if e.Buy != nil {
		out = append(out, e.Buy)
	}
	if e.Sell != nil {
		out = append(out, e.Sell)
	}
	return out
}

// Empty reports whether nothing is executable.
func (e Executable) Empty() bool {
	return e.Buy == nil && e.Sell == nil
}

// SelectExecutable picks, among available levels, the buy with
// price <= level and the sell with price >= level that sit closest to
// price. Ties go to the lower ID.
func SelectExecutable(levels []*model.GridLevel, price float64) Executable {
	var out Executable
	for _, lv := range levels {
		if lv.Status != model.LevelAvailable {
			continue
		}
		switch {
		case lv.Side == model.SideBuy && price <= lv.Price:
			out.Buy = closer(out.Buy, lv, price)
		case lv.Side == model.SideSell && price >= lv.Price:
			out.Sell = closer(out.Sell, lv, price)
		}
	}
	return out
}

func closer(best, cand *model.GridLevel, price float64) *model.GridLevel {
	if best == nil {
		return cand
	}
	db := math.Abs(best.Price - price)
	dc := math.Abs(cand.Price - price)
	if dc < db || (dc == db && cand.ID < best.ID) {
		return cand
	}
	return best
}

// FindExecutable loads the bot's levels and applies SelectExecutable.
func (l *Ledger) FindExecutable(ctx context.Context, botID int64, price float64) (Executable, error) {
	levels, err := l.levels.ListByBot(ctx, botID)
	if err != nil {
		return Executable{}, err
	}
	return SelectExecutable(levels, price), nil
}

// MatchPair finds the row the filled level rotates into: the opposite
// side at the pair price whose own pair points back at the filled price.
func MatchPair(levels []*model.GridLevel, filled *model.GridLevel) *model.GridLevel {
	pair := filled.Pair()
	for _, lv := range levels {
		if lv.ID == filled.ID || lv.Side != pair.OppositeSide() {
			continue
		}
		if SamePrice(lv.Price, pair.OppositePrice()) && SamePrice(lv.Pair().OppositePrice(), filled.Price) {
			return lv
		}
	}
	return nil
}

// FindPaired loads the counterpart row of a filled level, nil if the
// ladder has none.
func (l *Ledger) FindPaired(ctx context.Context, filled *model.GridLevel) (*model.GridLevel, error) {
	levels, err := l.levels.ListByBot(ctx, filled.BotID)
	if err != nil {
		return nil, err
	}
	return MatchPair(levels, filled), nil
}

// ReactivateInactiveBuys returns parked buys to available once price sits
// within one step above them. It returns how many levels moved.
func (l *Ledger) ReactivateInactiveBuys(ctx context.Context, botID int64, price float64) (int, error) {
	levels, err := l.levels.ListByBot(ctx, botID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, lv := range levels {
		if lv.Side != model.SideBuy || lv.Status != model.LevelInactive {
			continue
		}
		sellPrice := lv.Pair().OppositePrice()
		if price > lv.Price && price <= sellPrice {
			ok, err := l.levels.Activate(ctx, lv.ID)
			if err != nil {
				return n, err
			}
			if ok {
				n++
			}
		}
	}
	return n, nil
}

// HasAvailable reports whether any level of the bot can be claimed.
func (l *Ledger) HasAvailable(ctx context.Context, botID int64) (bool, error) {
	levels, err := l.levels.ListByBot(ctx, botID)
	if err != nil {
		return false, err
	}
	for _, lv := range levels {
		if lv.Status == model.LevelAvailable {
			return true, nil
		}
	}
	return false, nil
}

// ReleaseStaleClaims frees claims made before cutoff that never received
// an order.
func (l *Ledger) ReleaseStaleClaims(ctx context.Context, botID int64, cutoff time.Time) (int, error) {
	return l.levels.ReleaseStaleClaims(ctx, botID, cutoff)
}
