package market

import "time"

// Execution interval tiers by rolling volatility percentage
const (
	IntervalHigh   = 3 * time.Second
	IntervalMedium = 5 * time.Second
	IntervalLow    = 10 * time.Second
	IntervalCalm   = 15 * time.Second
)

// RecommendedInterval maps volatility to how often a bot should be
// evaluated. Busier markets get shorter intervals.
func RecommendedInterval(volatility float64) time.Duration {
	switch {
	case volatility >= 5:
		return IntervalHigh
	case volatility >= 3:
		return IntervalMedium
	case volatility >= 1:
		return IntervalLow
	default:
		return IntervalCalm
	}
}
