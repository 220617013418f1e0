package domain

// Broker-agnostic types for the portfolio snapshot consumed at the start of a run.
// The broker connectivity layer is external; these mirror its response contract.

// AccountState is the broker snapshot: positions, balances and open orders
type AccountState struct {
	Positions  []Position     `json:"positions"`
	Account    AccountBalance `json:"account"`
	OpenOrders []PendingOrder `json:"openOrders"`
}

// AccountBalance holds the account-level cash figures
type AccountBalance struct {
	Cash            float64 `json:"cash"`
	PortfolioValue  float64 `json:"portfolio_value"`
	ReservedCapital float64 `json:"reserved_capital"` // Cash committed to unsettled orders
}

// AvailableCash returns the cash not already reserved by open orders
func (b AccountBalance) AvailableCash() float64 {
	if b.ReservedCapital >= b.Cash {
		return 0
	}
	return b.Cash - b.ReservedCapital
}

// Position represents a portfolio position
type Position struct {
	Ticker       string  `json:"ticker"`
	Shares       float64 `json:"shares"`
	AvgCost      float64 `json:"avgCost"`
	CurrentPrice float64 `json:"currentPrice"`
	MarketValue  float64 `json:"marketValue"`
}

// Value returns the market value, falling back to shares x price when the broker omits it
func (p Position) Value() float64 {
	if p.MarketValue > 0 {
		return p.MarketValue
	}
	return p.Shares * p.CurrentPrice
}

// PendingOrder represents an order submitted but not yet settled
type PendingOrder struct {
	Ticker   string  `json:"ticker"`
	Side     string  `json:"side"` // "BUY" or "SELL"
	Qty      float64 `json:"qty"`
	Notional float64 `json:"notional"`
}

// TotalValue returns the portfolio value reported by the broker, or cash plus
// position values when the broker does not report one.
func (s *AccountState) TotalValue() float64 {
	if s.Account.PortfolioValue > 0 {
		return s.Account.PortfolioValue
	}
	total := s.Account.Cash
	for _, p := range s.Positions {
		total += p.Value()
	}
	return total
}

// PositionsByTicker indexes positions by ticker
func (s *AccountState) PositionsByTicker() map[string]Position {
	out := make(map[string]Position, len(s.Positions))
	for _, p := range s.Positions {
		if p.Value() <= 0 && p.Shares <= 0 {
			continue
		}
		out[p.Ticker] = p
	}
	return out
}
