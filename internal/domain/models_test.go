package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebalanceStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from RebalanceStatus
		to   RebalanceStatus
		want bool
	}{
		{RebalanceStatusPending, RebalanceStatusRunning, true},
		{RebalanceStatusPending, RebalanceStatusCancelled, true},
		{RebalanceStatusPending, RebalanceStatusCompleted, false},
		{RebalanceStatusRunning, RebalanceStatusRunning, true},
		{RebalanceStatusRunning, RebalanceStatusCompleted, true},
		{RebalanceStatusRunning, RebalanceStatusError, true},
		{RebalanceStatusRunning, RebalanceStatusPending, false},
		{RebalanceStatusCompleted, RebalanceStatusRunning, false},
		{RebalanceStatusCancelled, RebalanceStatusRunning, false},
		{RebalanceStatusError, RebalanceStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRiskIntent_Direction(t *testing.T) {
	assert.Equal(t, ActionBuy, IntentBuild.Direction())
	assert.Equal(t, ActionBuy, IntentAdd.Direction())
	assert.Equal(t, ActionSell, IntentTrim.Direction())
	assert.Equal(t, ActionSell, IntentExit.Direction())
	assert.Equal(t, ActionHold, IntentHold.Direction())
}

func TestParseRiskIntent(t *testing.T) {
	intent, err := ParseRiskIntent(" build ")
	require.NoError(t, err)
	assert.Equal(t, IntentBuild, intent)

	_, err = ParseRiskIntent("DOUBLE_DOWN")
	assert.Error(t, err)
}

func TestRiskDecision_SuggestedFraction(t *testing.T) {
	tests := []struct {
		name      string
		suggested string
		want      float64
		ok        bool
	}{
		{"single percent", "10%", 0.10, true},
		{"range takes midpoint", "10-15%", 0.125, true},
		{"en dash range", "4–6%", 0.05, true},
		{"no percent sign", "12.5", 0.125, true},
		{"empty", "", 0, false},
		{"garbage", "a lot", 0, false},
		{"over 100", "150%", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RiskDecision{SuggestedPercent: tt.suggested}.SuggestedFraction()
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRebalanceConstraints_WithDefaults(t *testing.T) {
	c := RebalanceConstraints{MinPositionSizePct: 3, RiskProfile: "AGGRESSIVE"}.WithDefaults()

	assert.Equal(t, 3.0, c.MinPositionSizePct)
	assert.Equal(t, 25.0, c.MaxPositionSizePct)
	assert.Equal(t, 1000.0, c.PositionSizeIncrement)
	assert.Equal(t, 10.0, c.StopLossPct)
	assert.Equal(t, RiskProfileAggressive, c.RiskProfile)
	assert.Equal(t, 3000.0, c.MinPositionValue(100000))
}

func TestNewPortfolioSnapshot(t *testing.T) {
	state := &AccountState{
		Positions: []Position{
			{Ticker: "AAPL", Shares: 100, CurrentPrice: 200, MarketValue: 20000},
			{Ticker: "MU", Shares: 50, CurrentPrice: 100},
		},
		Account: AccountBalance{Cash: 30000, ReservedCapital: 5000},
	}

	snap := NewPortfolioSnapshot(state)

	assert.Equal(t, 25000.0, snap.Cash)
	assert.Equal(t, 25000.0, snap.StockValue)
	assert.Equal(t, 55000.0, snap.TotalValue)
	assert.InDelta(t, 45.45, snap.CurrentStockAllocation, 0.01)
	assert.InDelta(t, 45.45, snap.CurrentCashAllocation, 0.01)
}

func TestRebalancePlan_Summarize(t *testing.T) {
	plan := &RebalancePlan{Actions: []Action{
		{Ticker: "AAPL", Action: ActionBuy, DollarAmount: 5000},
		{Ticker: "MSFT", Action: ActionBuy, DollarAmount: 3000},
		{Ticker: "MU", Action: ActionSell, DollarAmount: 2000},
		{Ticker: "NVDA", Action: ActionHold},
	}}

	plan.Summarize()

	assert.Equal(t, 2, plan.Summary.BuyCount)
	assert.Equal(t, 1, plan.Summary.SellCount)
	assert.Equal(t, 1, plan.Summary.HoldCount)
	assert.Equal(t, 8000.0, plan.Summary.TotalBuyValue)
	assert.Equal(t, 2000.0, plan.Summary.TotalSellValue)
}

func TestTradeOrder_Validate(t *testing.T) {
	order := TradeOrder{RebalanceRequestID: "req-1", Ticker: "AAPL", Action: ActionBuy, DollarAmount: 1000}
	assert.NoError(t, order.Validate())

	order.Ticker = " "
	assert.Error(t, order.Validate())

	order.Ticker = "AAPL"
	order.Action = "SHORT"
	assert.Error(t, order.Validate())
}
