package grid

import "github.com/shopspring/decimal"

// DefaultFeeRate is the exchange fee charged on each side of a trade.
const DefaultFeeRate = 0.0005

// volumeDecimals is the base currency precision accepted by the exchange.
const volumeDecimals = 8

// CalculateProfit is the realised profit of a buy/sell round trip net of
// the fee on both legs.
func CalculateProfit(buyPrice, sellPrice, volume, feeRate float64) float64 {
	vol := decimal.NewFromFloat(volume)
	fee := decimal.NewFromFloat(feeRate)
	buyTotal := decimal.NewFromFloat(buyPrice).Mul(vol)
	sellTotal := decimal.NewFromFloat(sellPrice).Mul(vol)

	profit := sellTotal.Sub(buyTotal).Sub(buyTotal.Mul(fee)).Sub(sellTotal.Mul(fee))
	return profit.Round(8).InexactFloat64()
}

// OrderVolume is how much base currency amount of quote buys at price,
// truncated to the exchange precision.
func OrderVolume(amount, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return decimal.NewFromFloat(amount).
		Div(decimal.NewFromFloat(price)).
		Truncate(volumeDecimals).
		InexactFloat64()
}

// FormatPrice renders a tick-rounded price for the order API.
func FormatPrice(price float64) string {
	return RoundToTick(decimal.NewFromFloat(price)).String()
}

// FormatVolume renders a volume at the exchange precision.
func FormatVolume(volume float64) string {
	return decimal.NewFromFloat(volume).Truncate(volumeDecimals).String()
}

// SamePrice compares prices that went through float storage.
func SamePrice(a, b float64) bool {
	return decimal.NewFromFloat(a).Equal(decimal.NewFromFloat(b))
}
