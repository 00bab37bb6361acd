// Package grid holds the price ladder math and the level ledger of a bot.
package grid

import "github.com/shopspring/decimal"

type tickBand struct {
	min  decimal.Decimal
	tick decimal.Decimal
}

// KRW market tick sizes, highest band first.
var krwTicks = []tickBand{
	{decimal.NewFromInt(2000000), decimal.NewFromInt(1000)},
	{decimal.NewFromInt(1000000), decimal.NewFromInt(500)},
	{decimal.NewFromInt(500000), decimal.NewFromInt(100)},
	{decimal.NewFromInt(100000), decimal.NewFromInt(50)},
	{decimal.NewFromInt(10000), decimal.NewFromInt(10)},
	{decimal.NewFromInt(1000), decimal.NewFromInt(1)},
	{decimal.NewFromInt(100), decimal.New(1, -1)},
	{decimal.NewFromInt(10), decimal.New(1, -2)},
	{decimal.NewFromInt(1), decimal.New(1, -3)},
	{decimal.New(1, -1), decimal.New(1, -4)},
	{decimal.New(1, -2), decimal.New(1, -5)},
	{decimal.New(1, -3), decimal.New(1, -6)},
	{decimal.New(1, -4), decimal.New(1, -7)},
}

var minTick = decimal.New(1, -8)

// TickSize returns the price increment of the band price falls in.
func TickSize(price decimal.Decimal) decimal.Decimal {
	for _, b := range krwTicks {
		if price.GreaterThanOrEqual(b.min) {
			return b.tick
		}
	}
	return minTick
}

// RoundToTick rounds half up to the nearest multiple of the tick size.
// Band edges are multiples of every coarser tick, so rounding is
// idempotent even when the result lands on an edge.
func RoundToTick(price decimal.Decimal) decimal.Decimal {
	tick := TickSize(price)
	return price.Div(tick).Round(0).Mul(tick)
}

// RoundPrice is RoundToTick for callers holding floats.
func RoundPrice(price float64) float64 {
	return RoundToTick(decimal.NewFromFloat(price)).InexactFloat64()
}
