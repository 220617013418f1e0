package testing

import (
	"github.com/quantdesk/rebalancer/internal/domain"
)

// NewAccountStateFixture returns a $100,000 account: $40,000 cash, AAPL and MU held
func NewAccountStateFixture() *domain.AccountState {
	return &domain.AccountState{
		Positions: []domain.Position{
			{Ticker: "AAPL", Shares: 200, AvgCost: 150, CurrentPrice: 200, MarketValue: 40000},
			{Ticker: "MU", Shares: 200, AvgCost: 110, CurrentPrice: 100, MarketValue: 20000},
		},
		Account: domain.AccountBalance{
			Cash:           40000,
			PortfolioValue: 100000,
		},
	}
}

// NewRebalanceRequestFixture returns a pending request with default constraints
func NewRebalanceRequestFixture(id, userID string) *domain.RebalanceRequest {
	c := domain.DefaultConstraints()
	return &domain.RebalanceRequest{
		ID:                   id,
		UserID:               userID,
		Status:               domain.RebalanceStatusPending,
		TargetCashAllocation: c.TargetCashAllocationPct,
		Constraints:          c,
	}
}

// NewRiskDecisionFixtures returns decisions covering each intent direction
func NewRiskDecisionFixtures() []domain.RiskDecision {
	return []domain.RiskDecision{
		{Ticker: "AAPL", Intent: domain.IntentHold, Confidence: 65, RiskScore: 4},
		{Ticker: "MU", Intent: domain.IntentTrim, Confidence: 70, RiskScore: 6, SuggestedPercent: "50%"},
		{Ticker: "NVDA", Intent: domain.IntentBuild, Confidence: 80, RiskScore: 5, SuggestedPercent: "10%"},
	}
}
