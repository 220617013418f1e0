package rebalancing

import (
	"testing"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/cash"
	"github.com/quantdesk/rebalancer/internal/modules/extraction"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synthesize(in SynthesisInput) SynthesisResult {
	if in.Constraints == (domain.RebalanceConstraints{}) {
		in.Constraints = domain.DefaultConstraints()
	}
	return NewSynthesizer(zerolog.Nop()).Synthesize(in)
}

func position(ticker string, value, price float64) domain.Position {
	return domain.Position{Ticker: ticker, Shares: value / price, CurrentPrice: price, MarketValue: value}
}

func decision(ticker string, intent domain.RiskIntent, suggested string) domain.RiskDecision {
	return domain.RiskDecision{Ticker: ticker, Intent: intent, Confidence: 70, RiskScore: 5, SuggestedPercent: suggested}
}

func actionFor(t *testing.T, res SynthesisResult, ticker string) domain.Action {
	t.Helper()
	for _, a := range res.Actions {
		if a.Ticker == ticker {
			return a
		}
	}
	require.Failf(t, "missing action", "no action for %s", ticker)
	return domain.Action{}
}

// assertPlanInvariants checks the properties every plan must satisfy
func assertPlanInvariants(t *testing.T, in SynthesisInput, res SynthesisResult) {
	t.Helper()
	minValue := in.Constraints.WithDefaults().MinPositionValue(in.TotalValue)

	var buys float64
	counts := make(map[string]int)
	for _, a := range res.Actions {
		counts[a.Ticker]++
		switch a.Action {
		case domain.ActionBuy:
			buys += a.DollarAmount
		case domain.ActionSell:
			remainder := a.CurrentValue - a.DollarAmount
			assert.True(t, remainder < 0.01 || remainder >= minValue-0.01,
				"SELL on %s leaves %.2f, below the %.2f minimum", a.Ticker, remainder, minValue)
		}
		assert.NotEmpty(t, a.Rule)
		assert.NotEmpty(t, a.Reasoning)
	}
	assert.LessOrEqual(t, buys, res.InitialCap+0.01)

	for _, ticker := range res.BlockedTickers {
		assert.Zero(t, counts[ticker], "blocked ticker %s has an action", ticker)
	}
	for ticker, n := range counts {
		assert.Equal(t, 1, n, "ticker %s has %d actions", ticker, n)
	}
}

func TestSynthesize_CapExhaustedDowngradesBuild(t *testing.T) {
	in := SynthesisInput{
		Tickers:       []string{"AAPL"},
		Decisions:     map[string]domain.RiskDecision{"AAPL": decision("AAPL", domain.IntentBuild, "10%")},
		TotalValue:    100000,
		AvailableCash: 20000,
	}
	res := synthesize(in)

	assert.Equal(t, 0.0, res.InitialCap)
	a := actionFor(t, res, "AAPL")
	assert.Equal(t, domain.ActionHold, a.Action)
	assert.Equal(t, RuleCashCap, a.Rule)
	assert.Zero(t, a.DollarAmount)
	assert.Contains(t, a.Reasoning, "10000.00")
	assertPlanInvariants(t, in, res)
}

func TestSynthesize_SubMinimumPositions(t *testing.T) {
	tests := []struct {
		name       string
		value      float64
		wantAction domain.TradeAction
		wantRule   string
		wantAmount float64
	}{
		{"shortfall within stop-loss tolerance stays HOLD", 4800, domain.ActionHold, RuleHoldWithinStop, 0},
		{"orphaned position is closed", 3000, domain.ActionSell, RuleCloseSubMinimum, 3000},
		{"position at minimum holds", 5000, domain.ActionHold, RuleHold, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := SynthesisInput{
				Tickers:       []string{"MU"},
				Positions:     map[string]domain.Position{"MU": position("MU", tt.value, 100)},
				TotalValue:    100000,
				AvailableCash: 20000,
			}
			res := synthesize(in)

			a := actionFor(t, res, "MU")
			assert.Equal(t, tt.wantAction, a.Action)
			assert.Equal(t, tt.wantRule, a.Rule)
			assert.Equal(t, tt.wantAmount, a.DollarAmount)
			assertPlanInvariants(t, in, res)
		})
	}
}

func TestSynthesize_HoldIntentOnSubMinimumPosition(t *testing.T) {
	in := SynthesisInput{
		Tickers:       []string{"MU"},
		Positions:     map[string]domain.Position{"MU": position("MU", 3000, 100)},
		Decisions:     map[string]domain.RiskDecision{"MU": decision("MU", domain.IntentHold, "")},
		TotalValue:    100000,
		AvailableCash: 20000,
	}
	res := synthesize(in)

	a := actionFor(t, res, "MU")
	assert.Equal(t, domain.ActionSell, a.Action)
	assert.Equal(t, 3000.0, a.DollarAmount)
	assert.Equal(t, 30.0, a.Shares)
	assert.Equal(t, 0.0, a.TargetValue)
}

func TestReconcile_ScalesBuysToInitialCap(t *testing.T) {
	run := &synthesis{
		in:       SynthesisInput{TotalValue: 100000},
		minValue: 5000,
		budget:   cash.NewBudget(45000, 100000, 20),
	}
	require.Equal(t, 25000.0, run.budget.InitialCap())

	actions := []domain.Action{
		{Ticker: "NVDA", Action: domain.ActionBuy, DollarAmount: 30000, Rule: RuleBuy, Reasoning: "BUY"},
		{Ticker: "AMD", Action: domain.ActionBuy, DollarAmount: 20000, Rule: RuleBuy, Reasoning: "BUY"},
		{Ticker: "KO", Action: domain.ActionHold, CurrentValue: 10000, Rule: RuleHold, Reasoning: "HOLD"},
	}

	factor := run.reconcile(actions)

	assert.InDelta(t, 0.5, factor, 1e-12)
	assert.Equal(t, 15000.0, actions[0].DollarAmount)
	assert.Equal(t, 10000.0, actions[1].DollarAmount)
	assert.InDelta(t, 1.5, actions[0].DollarAmount/actions[1].DollarAmount, 1e-12)
	assert.Equal(t, RuleReconciled, actions[0].Rule)
	assert.Equal(t, 15.0, actions[0].TargetAllocation)
	assert.Equal(t, domain.ActionHold, actions[2].Action)
	assert.Equal(t, RuleHold, actions[2].Rule)
}

func scenarioDInput() SynthesisInput {
	c := domain.DefaultConstraints()
	c.MaxPositionSizePct = 40
	return SynthesisInput{
		Tickers: []string{"NVDA", "AMD"},
		Orders: []extraction.Order{
			{Ticker: "NVDA", Action: domain.ActionBuy, DollarAmount: 30000},
			{Ticker: "AMD", Action: domain.ActionBuy, DollarAmount: 20000},
		},
		Prices:        map[string]float64{"NVDA": 500, "AMD": 100},
		Constraints:   c,
		TotalValue:    100000,
		AvailableCash: 45000,
	}
}

func TestSynthesize_BuysWithoutSellsStopAtRunningCap(t *testing.T) {
	in := scenarioDInput()
	res := synthesize(in)

	assert.Equal(t, 25000.0, res.InitialCap)
	assert.Equal(t, 1.0, res.ScaleFactor)

	nvda := actionFor(t, res, "NVDA")
	assert.Equal(t, domain.ActionBuy, nvda.Action)
	assert.Equal(t, 25000.0, nvda.DollarAmount)
	assert.Equal(t, RuleCashCap, nvda.Rule)

	amd := actionFor(t, res, "AMD")
	assert.Equal(t, domain.ActionHold, amd.Action)
	assert.Equal(t, RuleCashCap, amd.Rule)
	assertPlanInvariants(t, in, res)
}

func TestSynthesize_SellProceedsFundBuysThenScaleToInitialCap(t *testing.T) {
	in := scenarioDInput()
	in.Tickers = append(in.Tickers, "KO")
	in.Positions = map[string]domain.Position{"KO": position("KO", 25000, 50)}
	in.Orders = append(in.Orders, extraction.Order{Ticker: "KO", Action: domain.ActionSell, DollarAmount: 25000})
	res := synthesize(in)

	assert.Equal(t, 25000.0, res.InitialCap)
	assert.InDelta(t, 0.5, res.ScaleFactor, 1e-12)

	assert.Equal(t, domain.ActionSell, actionFor(t, res, "KO").Action)
	nvda := actionFor(t, res, "NVDA")
	amd := actionFor(t, res, "AMD")
	assert.Equal(t, domain.ActionBuy, nvda.Action)
	assert.Equal(t, domain.ActionBuy, amd.Action)
	assert.Equal(t, 15000.0, nvda.DollarAmount)
	assert.Equal(t, 10000.0, amd.DollarAmount)
	assert.Equal(t, 30.0, nvda.Shares)
	assert.Equal(t, RuleReconciled, nvda.Rule)
	assertPlanInvariants(t, in, res)
}

func TestReconcile_ScaledBelowMinimumBecomesHold(t *testing.T) {
	run := &synthesis{
		in:       SynthesisInput{TotalValue: 100000},
		minValue: 5000,
		budget:   cash.NewBudget(28000, 100000, 20),
	}

	actions := []domain.Action{
		{Ticker: "NVDA", Action: domain.ActionBuy, DollarAmount: 30000, Reasoning: "BUY"},
		{Ticker: "AMD", Action: domain.ActionBuy, DollarAmount: 10000, Reasoning: "BUY"},
		{Ticker: "KO", Action: domain.ActionBuy, DollarAmount: 10000, CurrentValue: 12000, Reasoning: "BUY"},
	}

	factor := run.reconcile(actions)

	assert.InDelta(t, 0.16, factor, 1e-12)
	assert.Equal(t, domain.ActionHold, actions[0].Action)
	assert.Equal(t, domain.ActionHold, actions[1].Action)
	assert.Zero(t, actions[1].DollarAmount)
	assert.Contains(t, actions[1].Reasoning, "below the $5000.00 minimum")
	// existing positions may take a small top-up
	assert.Equal(t, domain.ActionBuy, actions[2].Action)
	assert.Equal(t, 1600.0, actions[2].DollarAmount)
}

func TestReconcile_WithinCapIsUntouched(t *testing.T) {
	run := &synthesis{
		in:       SynthesisInput{TotalValue: 100000},
		minValue: 5000,
		budget:   cash.NewBudget(50000, 100000, 20),
	}
	actions := []domain.Action{{Ticker: "NVDA", Action: domain.ActionBuy, DollarAmount: 30000, Rule: RuleBuy}}

	assert.Equal(t, 1.0, run.reconcile(actions))
	assert.Equal(t, 30000.0, actions[0].DollarAmount)
	assert.Equal(t, RuleBuy, actions[0].Rule)
}

func TestSynthesize_SellProceedsFundBuysButReconcileToInitialCap(t *testing.T) {
	in := SynthesisInput{
		Tickers: []string{"NVDA", "XOM", "AMD", "KO"},
		Positions: map[string]domain.Position{
			"XOM": position("XOM", 30000, 100),
			"KO":  position("KO", 30000, 60),
		},
		Decisions: map[string]domain.RiskDecision{
			"XOM":  decision("XOM", domain.IntentExit, ""),
			"KO":   decision("KO", domain.IntentHold, ""),
			"NVDA": decision("NVDA", domain.IntentBuild, "20%"),
			"AMD":  decision("AMD", domain.IntentBuild, "10%"),
		},
		Prices:        map[string]float64{"NVDA": 500, "AMD": 100},
		TotalValue:    100000,
		AvailableCash: 40000,
	}
	res := synthesize(in)

	require.Len(t, res.Actions, 4)
	assert.Equal(t, []string{"NVDA", "XOM", "AMD", "KO"}, []string{
		res.Actions[0].Ticker, res.Actions[1].Ticker, res.Actions[2].Ticker, res.Actions[3].Ticker,
	})

	xom := actionFor(t, res, "XOM")
	assert.Equal(t, domain.ActionSell, xom.Action)
	assert.Equal(t, RuleFullExit, xom.Rule)
	assert.Equal(t, 30000.0, xom.DollarAmount)

	nvda := actionFor(t, res, "NVDA")
	amd := actionFor(t, res, "AMD")
	assert.Equal(t, domain.ActionBuy, nvda.Action)
	assert.Equal(t, domain.ActionBuy, amd.Action)
	assert.InDelta(t, 13333.33, nvda.DollarAmount, 0.01)
	assert.InDelta(t, 6666.66, amd.DollarAmount, 0.01)
	assert.Equal(t, RuleReconciled, nvda.Rule)
	assert.InDelta(t, 26.6666, nvda.Shares, 1e-4)

	assert.Equal(t, domain.ActionHold, actionFor(t, res, "KO").Action)
	assert.Equal(t, 20000.0, res.InitialCap)
	assert.InDelta(t, 2.0/3.0, res.ScaleFactor, 1e-9)
	assertPlanInvariants(t, in, res)
}

func TestSynthesize_SellSizing(t *testing.T) {
	tests := []struct {
		name       string
		suggested  string
		wantAmount float64
		wantRule   string
	}{
		{"partial trim rounded to increment", "60%", 7000, RuleSell},
		{"remainder below minimum becomes full exit", "70%", 12000, RuleFullExit},
		{"range resolves to midpoint", "20-30%", 3000, RuleSell},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := SynthesisInput{
				Tickers:       []string{"MU"},
				Positions:     map[string]domain.Position{"MU": position("MU", 12000, 80)},
				Decisions:     map[string]domain.RiskDecision{"MU": decision("MU", domain.IntentTrim, tt.suggested)},
				TotalValue:    100000,
				AvailableCash: 20000,
			}
			res := synthesize(in)

			a := actionFor(t, res, "MU")
			assert.Equal(t, domain.ActionSell, a.Action)
			assert.Equal(t, tt.wantRule, a.Rule)
			assert.Equal(t, tt.wantAmount, a.DollarAmount)
			assertPlanInvariants(t, in, res)
		})
	}
}

func TestSynthesize_TrimWithoutSuggestionUsesPlannerTarget(t *testing.T) {
	in := SynthesisInput{
		Tickers:       []string{"MU"},
		Positions:     map[string]domain.Position{"MU": position("MU", 12000, 80)},
		Decisions:     map[string]domain.RiskDecision{"MU": decision("MU", domain.IntentTrim, "")},
		TargetPct:     map[string]float64{"MU": 5},
		TotalValue:    100000,
		AvailableCash: 20000,
	}
	res := synthesize(in)

	a := actionFor(t, res, "MU")
	assert.Equal(t, domain.ActionSell, a.Action)
	assert.Equal(t, 7000.0, a.DollarAmount)
	assert.Equal(t, 5000.0, a.TargetValue)
	assert.Contains(t, a.Reasoning, "allocation target")
}

func TestSynthesize_BuySizing(t *testing.T) {
	tests := []struct {
		name       string
		positions  map[string]domain.Position
		decision   domain.RiskDecision
		cash       float64
		wantAction domain.TradeAction
		wantAmount float64
		wantRule   string
	}{
		{
			name:       "sub-increment add rounds up then raises to minimum",
			positions:  map[string]domain.Position{"CRM": position("CRM", 3000, 300)},
			decision:   decision("CRM", domain.IntentAdd, "10%"),
			cash:       40000,
			wantAction: domain.ActionBuy,
			wantAmount: 2000,
			wantRule:   RuleRaiseToMinimum,
		},
		{
			name:       "build on a held ticker is treated as add",
			positions:  map[string]domain.Position{"CRM": position("CRM", 10000, 300)},
			decision:   decision("CRM", domain.IntentBuild, "20%"),
			cash:       40000,
			wantAction: domain.ActionBuy,
			wantAmount: 2000,
			wantRule:   RuleBuy,
		},
		{
			name:       "clamped to maximum position size",
			decision:   decision("CRM", domain.IntentBuild, "40%"),
			cash:       60000,
			wantAction: domain.ActionBuy,
			wantAmount: 25000,
			wantRule:   RuleMaxPosition,
		},
		{
			name:       "clamped to remaining cap",
			positions:  map[string]domain.Position{"CRM": position("CRM", 10000, 300)},
			decision:   decision("CRM", domain.IntentAdd, "50%"),
			cash:       23000,
			wantAction: domain.ActionBuy,
			wantAmount: 3000,
			wantRule:   RuleCashCap,
		},
		{
			name:       "cap below minimum for a new position",
			decision:   decision("CRM", domain.IntentBuild, "10%"),
			cash:       23000,
			wantAction: domain.ActionHold,
			wantRule:   RuleCashCap,
		},
		{
			name:       "below the noise floor",
			positions:  map[string]domain.Position{"CRM": position("CRM", 10000, 300)},
			decision:   decision("CRM", domain.IntentAdd, "5%"),
			cash:       20300,
			wantAction: domain.ActionHold,
			wantRule:   RuleNoiseFloor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := SynthesisInput{
				Tickers:       []string{"CRM"},
				Positions:     tt.positions,
				Decisions:     map[string]domain.RiskDecision{"CRM": tt.decision},
				TotalValue:    100000,
				AvailableCash: tt.cash,
			}
			res := synthesize(in)

			a := actionFor(t, res, "CRM")
			assert.Equal(t, tt.wantAction, a.Action)
			assert.Equal(t, tt.wantRule, a.Rule)
			assert.Equal(t, tt.wantAmount, a.DollarAmount)
			assertPlanInvariants(t, in, res)
		})
	}
}

func TestSynthesize_ExtractedOrderWithoutDecision(t *testing.T) {
	in := SynthesisInput{
		Tickers: []string{"MSFT"},
		Orders: []extraction.Order{
			{Ticker: "MSFT", Action: domain.ActionBuy, DollarAmount: 4200, Reason: "cloud growth"},
		},
		Prices:        map[string]float64{"MSFT": 400},
		TotalValue:    100000,
		AvailableCash: 40000,
	}
	res := synthesize(in)

	a := actionFor(t, res, "MSFT")
	assert.Equal(t, domain.ActionBuy, a.Action)
	assert.Equal(t, 5000.0, a.DollarAmount)
	assert.Equal(t, 12.5, a.Shares)
	assert.Equal(t, RuleRaiseToMinimum, a.Rule)
	assert.Contains(t, a.Reasoning, "cloud growth")
}

func TestSynthesize_BlockedTickersGetNoAction(t *testing.T) {
	in := SynthesisInput{
		Tickers: []string{"AAPL", "MSFT"},
		Decisions: map[string]domain.RiskDecision{
			"AAPL": decision("AAPL", domain.IntentBuild, "10%"),
			"MSFT": decision("MSFT", domain.IntentBuild, "10%"),
		},
		Blocked:       map[string]bool{"AAPL": true},
		TotalValue:    100000,
		AvailableCash: 60000,
	}
	res := synthesize(in)

	require.Len(t, res.Actions, 1)
	assert.Equal(t, "MSFT", res.Actions[0].Ticker)
	assert.Equal(t, []string{"AAPL"}, res.BlockedTickers)
	assertPlanInvariants(t, in, res)
}

func TestSynthesize_MixedPortfolioInvariants(t *testing.T) {
	in := SynthesisInput{
		Tickers: []string{"A", "B", "C", "D", "E", "F", "H", "e", "A"},
		Positions: map[string]domain.Position{
			"A": position("A", 40000, 200),
			"B": position("B", 15000, 50),
			"C": position("C", 8000, 40),
			"D": position("D", 2000, 10),
		},
		Decisions: map[string]domain.RiskDecision{
			"A": decision("A", domain.IntentTrim, "50%"),
			"B": decision("B", domain.IntentTrim, "40%"),
			"C": decision("C", domain.IntentHold, ""),
			"E": decision("E", domain.IntentBuild, "15%"),
			"F": decision("F", domain.IntentBuild, "20%"),
			"H": decision("H", domain.IntentBuild, "10%"),
		},
		Blocked:       map[string]bool{"H": true},
		TotalValue:    200000,
		AvailableCash: 50000,
	}
	res := synthesize(in)

	assertPlanInvariants(t, in, res)
	require.Len(t, res.Actions, 6)
	assert.Equal(t, 20000.0, actionFor(t, res, "A").DollarAmount)
	assert.Equal(t, RuleFullExit, actionFor(t, res, "B").Rule)
	assert.Equal(t, RuleCloseSubMinimum, actionFor(t, res, "C").Rule)
	assert.Equal(t, RuleCloseSubMinimum, actionFor(t, res, "D").Rule)
	// SELL proceeds fund both BUYs, but scaling back to the $10,000 initial cap
	// leaves each below the minimum for a new position
	assert.Equal(t, domain.ActionHold, actionFor(t, res, "E").Action)
	assert.Equal(t, RuleReconciled, actionFor(t, res, "F").Rule)
}
