package grid

import (
	"errors"

	"github.com/shopspring/decimal"
)

// MaxLevels bounds the ladder of a single bot.
const MaxLevels = 500

var (
	ErrInvalidRange = errors.New("grid: upper price must be above a positive lower price")
	ErrInvalidStep  = errors.New("grid: step percent must be positive")
	ErrTooFewRungs  = errors.New("grid: range does not fit two rungs")
	ErrTooManyRungs = errors.New("grid: ladder exceeds the level limit")
)

// ComputeLadder builds a geometric ladder from lower to upper: every rung
// is the previous one times 1+step/100, rounded to the tick grid. A rung
// that rounding fails to lift above its predecessor is bumped one tick.
func ComputeLadder(lower, upper, stepPercent float64) ([]decimal.Decimal, error) {
	if lower <= 0 || upper <= lower {
		return nil, ErrInvalidRange
	}
	if stepPercent <= 0 {
		return nil, ErrInvalidStep
	}

	top := decimal.NewFromFloat(upper)
	mult := decimal.NewFromInt(1).Add(decimal.NewFromFloat(stepPercent).Div(decimal.NewFromInt(100)))

	rung := RoundToTick(decimal.NewFromFloat(lower))
	ladder := []decimal.Decimal{rung}
	for {
		next := RoundToTick(rung.Mul(mult))
		if !next.GreaterThan(rung) {
			next = RoundToTick(rung.Add(TickSize(rung)))
		}
		if next.GreaterThan(top) {
			break
		}
		ladder = append(ladder, next)
		if len(ladder) > MaxLevels {
			return nil, ErrTooManyRungs
		}
		rung = next
	}

	if len(ladder) < 2 {
		return nil, ErrTooFewRungs
	}
	return ladder, nil
}

// Floats converts a ladder for storage.
func Floats(ladder []decimal.Decimal) []float64 {
	out := make([]float64, len(ladder))
	for i, p := range ladder {
		out[i] = p.InexactFloat64()
	}
	return out
}
