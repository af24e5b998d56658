// Package util provides common utility functions for price calculations.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// CentTick is the minimum price increment for SPY options and dollar amounts.
const CentTick = 0.01

// toTick converts x and tick to decimals. ok is false when x should be returned unchanged.
func toTick(x, tick float64) (dx, dt decimal.Decimal, ok bool) {
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(tick) || math.IsInf(tick, 0) {
		return decimal.Zero, decimal.Zero, false
	}
	return decimal.NewFromFloat(x), decimal.NewFromFloat(math.Abs(tick)), true
}

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.01, 1.235 becomes 1.24.
func RoundToTick(x, tick float64) float64 {
	dx, dt, ok := toTick(x, tick)
	if !ok {
		return x
	}
	return dx.Div(dt).Round(0).Mul(dt).InexactFloat64()
}

// FloorToTick rounds x down to a tick multiple. Used for credit limit prices.
func FloorToTick(x, tick float64) float64 {
	dx, dt, ok := toTick(x, tick)
	if !ok {
		return x
	}
	return dx.Div(dt).Floor().Mul(dt).InexactFloat64()
}

// CeilToTick rounds x up to a tick multiple. Used for debit limit prices.
func CeilToTick(x, tick float64) float64 {
	dx, dt, ok := toTick(x, tick)
	if !ok {
		return x
	}
	return dx.Div(dt).Ceil().Mul(dt).InexactFloat64()
}

// RoundCents rounds a dollar amount to whole cents.
func RoundCents(x float64) float64 {
	return RoundToTick(x, CentTick)
}

// SumCents adds dollar amounts exactly and rounds the total to cents.
func SumCents(xs ...float64) float64 {
	total := decimal.Zero
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return x
		}
		total = total.Add(decimal.NewFromFloat(x))
	}
	return total.Round(2).InexactFloat64()
}
