// Package cash derives how much cash a rebalance may deploy into BUY orders
// without breaching the target cash floor.
package cash

import (
	"math"

	"github.com/shopspring/decimal"
)

// DeployableCap returns max(0, availableCash - targetCashPct% x totalValue).
func DeployableCap(availableCash, totalValue, targetCashPct float64) float64 {
	floor := decimal.NewFromFloat(totalValue).Mul(decimal.NewFromFloat(targetCashPct)).Div(decimal.NewFromInt(100))
	deployable := decimal.NewFromFloat(availableCash).Sub(floor)
	if deployable.IsNegative() {
		return 0
	}
	return deployable.Round(2).InexactFloat64()
}

// Budget tracks raw cash and the deployable cap while orders are applied in sequence.
// BUYs consume cash; SELL proceeds replenish it and can raise the cap for later orders.
type Budget struct {
	cash          float64
	totalValue    float64
	targetCashPct float64
	initialCap    float64
}

// NewBudget creates a budget from the account figures at run start
func NewBudget(availableCash, totalValue, targetCashPct float64) *Budget {
	return &Budget{
		cash:          availableCash,
		totalValue:    totalValue,
		targetCashPct: targetCashPct,
		initialCap:    DeployableCap(availableCash, totalValue, targetCashPct),
	}
}

// InitialCap is the cap before any order was applied.
// The final reconciliation pass compares total BUY value against it.
func (b *Budget) InitialCap() float64 {
	return b.initialCap
}

// Remaining is the running deployable cap
func (b *Budget) Remaining() float64 {
	return DeployableCap(b.cash, b.totalValue, b.targetCashPct)
}

// Cash is the running raw cash balance
func (b *Budget) Cash() float64 {
	return b.cash
}

// Consume applies a BUY
func (b *Budget) Consume(amount float64) {
	b.cash = decimal.NewFromFloat(b.cash).Sub(decimal.NewFromFloat(math.Max(0, amount))).InexactFloat64()
}

// Replenish applies SELL proceeds
func (b *Budget) Replenish(amount float64) {
	b.cash = decimal.NewFromFloat(b.cash).Add(decimal.NewFromFloat(math.Max(0, amount))).InexactFloat64()
}

// ScaleToCap scales amounts proportionally so they sum to at most limit.
// It returns the scaled amounts (truncated to cents) and the factor applied;
// the factor is 1 when the amounts already fit.
func ScaleToCap(amounts []float64, limit float64) ([]float64, float64) {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(decimal.NewFromFloat(a))
	}

	scaled := make([]float64, len(amounts))
	limitDec := decimal.NewFromFloat(math.Max(0, limit))
	if !total.GreaterThan(limitDec) {
		copy(scaled, amounts)
		return scaled, 1
	}

	factor := limitDec.Div(total)
	for i, a := range amounts {
		scaled[i] = decimal.NewFromFloat(a).Mul(factor).Truncate(2).InexactFloat64()
	}
	return scaled, factor.InexactFloat64()
}
