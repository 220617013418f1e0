package cash

import "github.com/shopspring/decimal"

// RoundToIncrement rounds a positive amount to the nearest multiple of increment.
// Amounts below one increment round up to exactly one increment.
func RoundToIncrement(amount, increment float64) float64 {
	if amount <= 0 {
		return 0
	}
	if increment <= 0 {
		return RoundCents(amount)
	}

	inc := decimal.NewFromFloat(increment)
	steps := decimal.NewFromFloat(amount).Div(inc).Round(0)
	if steps.LessThan(decimal.NewFromInt(1)) {
		steps = decimal.NewFromInt(1)
	}
	return steps.Mul(inc).InexactFloat64()
}

// RoundCents rounds to two decimal places
func RoundCents(amount float64) float64 {
	return decimal.NewFromFloat(amount).Round(2).InexactFloat64()
}

// Shares converts a dollar amount into a share quantity at price, truncated to 4 decimals
func Shares(amount, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return decimal.NewFromFloat(amount).Div(decimal.NewFromFloat(price)).Truncate(4).InexactFloat64()
}
