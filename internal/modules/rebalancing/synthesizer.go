package rebalancing

import (
	"fmt"
	"math"
	"strings"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/cash"
	"github.com/quantdesk/rebalancer/internal/modules/extraction"
	"github.com/rs/zerolog"
)

// Rules recorded on every synthesized action
const (
	RuleBuy             = "buy_sizing"
	RuleRaiseToMinimum  = "raise_to_minimum"
	RuleMaxPosition     = "max_position"
	RuleCashCap         = "cash_cap"
	RuleNoiseFloor      = "noise_floor"
	RuleSell            = "sell_sizing"
	RuleFullExit        = "full_exit"
	RuleHold            = "hold"
	RuleHoldWithinStop  = "hold_within_stop_loss"
	RuleCloseSubMinimum = "close_sub_minimum"
	RuleWithinThreshold = "within_threshold"
	RuleNoPosition      = "no_position"
	RuleReconciled      = "reconciliation"
)

// noiseFloorPct is the smallest BUY worth placing, as a percent of portfolio value
const noiseFloorPct = 0.5

// SynthesisInput is everything the synthesizer needs for one portfolio
type SynthesisInput struct {
	Tickers       []string // every considered ticker, in output order
	Positions     map[string]domain.Position
	Decisions     map[string]domain.RiskDecision
	Orders        []extraction.Order // extracted raw orders, may be empty
	TargetPct     map[string]float64 // planner targets
	Prices        map[string]float64 // quotes for tickers without a position
	Blocked       map[string]bool    // tickers with a pending order
	Constraints   domain.RebalanceConstraints
	TotalValue    float64
	AvailableCash float64
}

// SynthesisResult is the reconciled action list
type SynthesisResult struct {
	Actions        []domain.Action
	InitialCap     float64
	ScaleFactor    float64
	BlockedTickers []string
}

// Synthesizer turns intents and raw orders into cash-safe actions
type Synthesizer struct {
	log zerolog.Logger
}

// NewSynthesizer creates an order synthesizer
func NewSynthesizer(log zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		log: log.With().Str("component", "order_synthesizer").Logger(),
	}
}

// proposal is the pre-sizing view of one ticker
type proposal struct {
	ticker  string
	action  domain.TradeAction
	intent  domain.RiskIntent
	current float64
	price   float64
	amount  float64
	source  string
	note    string
}

// synthesis holds the per-run sizing state
type synthesis struct {
	in       SynthesisInput
	c        domain.RebalanceConstraints
	minValue float64
	maxValue float64
	floor    float64
	budget   *cash.Budget
}

// Synthesize applies the per-ticker rules and the final reconciliation.
//
// SELLs are applied first so their proceeds can fund later BUYs in the same
// pass, then HOLDs (which may close sub-minimum positions), then BUYs against
// the running cap. The final pass scales BUYs back to the initial cap.
// Output order follows SynthesisInput.Tickers; blocked tickers get no action.
func (s *Synthesizer) Synthesize(in SynthesisInput) SynthesisResult {
	c := in.Constraints.WithDefaults()
	run := &synthesis{
		in:       in,
		c:        c,
		minValue: c.MinPositionValue(in.TotalValue),
		maxValue: c.MaxPositionValue(in.TotalValue),
		floor:    in.TotalValue * noiseFloorPct / 100,
		budget:   cash.NewBudget(in.AvailableCash, in.TotalValue, c.TargetCashAllocationPct),
	}

	raw := make(map[string]extraction.Order, len(in.Orders))
	for _, o := range in.Orders {
		if _, dup := raw[o.Ticker]; !dup {
			raw[o.Ticker] = o
		}
	}

	result := SynthesisResult{InitialCap: run.budget.InitialCap(), ScaleFactor: 1}
	var proposals []proposal
	seen := make(map[string]bool, len(in.Tickers))
	for _, t := range in.Tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		if in.Blocked[t] {
			result.BlockedTickers = append(result.BlockedTickers, t)
			continue
		}
		proposals = append(proposals, run.propose(t, raw))
	}

	decided := make(map[string]domain.Action, len(proposals))
	for _, phase := range []domain.TradeAction{domain.ActionSell, domain.ActionHold, domain.ActionBuy} {
		for _, p := range proposals {
			if p.action != phase {
				continue
			}
			switch phase {
			case domain.ActionSell:
				decided[p.ticker] = run.applySell(p)
			case domain.ActionHold:
				decided[p.ticker] = run.applyHold(p)
			default:
				decided[p.ticker] = run.applyBuy(p)
			}
		}
	}

	result.Actions = make([]domain.Action, 0, len(proposals))
	for _, p := range proposals {
		result.Actions = append(result.Actions, decided[p.ticker])
	}
	result.ScaleFactor = run.reconcile(result.Actions)

	s.log.Debug().
		Int("actions", len(result.Actions)).
		Int("blocked", len(result.BlockedTickers)).
		Float64("initial_cap", result.InitialCap).
		Float64("scale_factor", result.ScaleFactor).
		Msg("Orders synthesized")

	return result
}

func (r *synthesis) priceOf(ticker string) float64 {
	if pos, ok := r.in.Positions[ticker]; ok && pos.CurrentPrice > 0 {
		return pos.CurrentPrice
	}
	return r.in.Prices[ticker]
}

// propose maps the ticker's intent onto a direction and an unsized amount
func (r *synthesis) propose(ticker string, raw map[string]extraction.Order) proposal {
	p := proposal{ticker: ticker, action: domain.ActionHold, price: r.priceOf(ticker)}
	if pos, ok := r.in.Positions[ticker]; ok {
		p.current = pos.Value()
	}

	decision, hasDecision := r.in.Decisions[ticker]
	order, hasOrder := raw[ticker]
	if hasOrder {
		p.note = order.Reason
	}

	switch {
	case hasDecision:
		p.intent = decision.Intent
		if p.intent == domain.IntentBuild && p.current > 0 {
			p.intent = domain.IntentAdd
		}
		p.action = p.intent.Direction()
	case hasOrder:
		p.action = order.Action
	}

	if hasDecision {
		if frac, ok := decision.SuggestedFraction(); ok {
			switch p.intent {
			case domain.IntentTrim, domain.IntentAdd:
				p.amount, p.source = p.current*frac, fmt.Sprintf("suggested %s", decision.SuggestedPercent)
			case domain.IntentBuild:
				p.amount, p.source = math.Max(0, r.in.TotalValue*frac-p.current), fmt.Sprintf("suggested %s", decision.SuggestedPercent)
			}
		}
	}
	if p.intent == domain.IntentExit {
		p.amount, p.source = p.current, "exit intent"
	}
	if p.source == "" && hasOrder && order.Action == p.action && order.DollarAmount > 0 {
		p.amount, p.source = order.DollarAmount, "extracted order"
	}
	return p
}

// fromTarget sizes a proposal that carries no explicit amount from the planner target
func (r *synthesis) fromTarget(p proposal) (float64, bool) {
	target, ok := r.in.TargetPct[p.ticker]
	if !ok || r.in.TotalValue <= 0 {
		return 0, false
	}
	currentPct := p.current / r.in.TotalValue * 100
	if math.Abs(target-currentPct) < r.c.RebalanceThresholdPct/100*target {
		return 0, false
	}
	targetValue := r.in.TotalValue * target / 100
	if p.action == domain.ActionBuy {
		return targetValue - p.current, true
	}
	return p.current - targetValue, true
}

func (r *synthesis) applyBuy(p proposal) domain.Action {
	amount, source := p.amount, p.source
	if source == "" {
		var ok bool
		if amount, ok = r.fromTarget(p); !ok {
			return r.hold(p, RuleWithinThreshold, "BUY signal but the position is already within its rebalance threshold")
		}
		source = "allocation target"
	}
	if amount <= 0 {
		return r.hold(p, RuleWithinThreshold, "BUY signal but the position is already at its target")
	}

	rule := RuleBuy
	amount = cash.RoundToIncrement(amount, r.c.PositionSizeIncrement)
	reasoning := fmt.Sprintf("BUY $%.2f from %s, rounded to the $%.0f increment", amount, source, r.c.PositionSizeIncrement)

	if p.current+amount < r.minValue {
		amount = r.minValue - p.current
		rule = RuleRaiseToMinimum
		reasoning = fmt.Sprintf("BUY raised to $%.2f so the position reaches the $%.2f minimum", amount, r.minValue)
	}
	if r.maxValue > 0 && p.current+amount > r.maxValue {
		amount = r.maxValue - p.current
		if amount <= 0 {
			return r.hold(p, RuleMaxPosition, fmt.Sprintf("BUY skipped: position already at the $%.2f maximum", r.maxValue))
		}
		rule = RuleMaxPosition
		reasoning = fmt.Sprintf("BUY clamped to $%.2f by the $%.2f maximum position size", amount, r.maxValue)
	}

	remaining := r.budget.Remaining()
	switch {
	case remaining <= 0:
		return r.hold(p, RuleCashCap, fmt.Sprintf("BUY of $%.2f downgraded to HOLD: deployable cash cap exhausted", amount))
	case amount > remaining:
		if p.current <= 0 && remaining < r.minValue {
			return r.hold(p, RuleCashCap, fmt.Sprintf("BUY of $%.2f downgraded to HOLD: remaining cap $%.2f is below the $%.2f needed to open a position", amount, remaining, r.minValue))
		}
		amount = remaining
		rule = RuleCashCap
		reasoning = fmt.Sprintf("BUY clamped to the remaining deployable cap of $%.2f", remaining)
	}
	if amount < r.floor {
		return r.hold(p, RuleNoiseFloor, fmt.Sprintf("BUY of $%.2f downgraded to HOLD: below the $%.2f noise floor", amount, r.floor))
	}

	r.budget.Consume(amount)
	return r.action(p, domain.ActionBuy, amount, rule, r.annotate(reasoning, p))
}

func (r *synthesis) applySell(p proposal) domain.Action {
	if p.current <= 0 {
		return r.hold(p, RuleNoPosition, "SELL signal but no position is held")
	}

	amount, source := p.amount, p.source
	if source == "" {
		var ok bool
		if amount, ok = r.fromTarget(p); !ok {
			return r.hold(p, RuleWithinThreshold, "SELL signal but the position is already within its rebalance threshold")
		}
		source = "allocation target"
	}
	if amount <= 0 {
		return r.hold(p, RuleWithinThreshold, "SELL signal but the position is already at or below its target")
	}

	rule := RuleSell
	amount = math.Min(cash.RoundToIncrement(amount, r.c.PositionSizeIncrement), p.current)
	reasoning := fmt.Sprintf("SELL $%.2f from %s, rounded to the $%.0f increment", amount, source, r.c.PositionSizeIncrement)

	if p.intent == domain.IntentExit || amount >= p.current {
		amount = p.current
		rule = RuleFullExit
		reasoning = fmt.Sprintf("SELL the full $%.2f position", amount)
	} else if remainder := p.current - amount; remainder < r.minValue {
		amount = p.current
		rule = RuleFullExit
		reasoning = fmt.Sprintf("SELL converted to a full exit of $%.2f: a $%.2f remainder would fall below the $%.2f minimum", amount, remainder, r.minValue)
	}

	r.budget.Replenish(amount)
	return r.action(p, domain.ActionSell, amount, rule, r.annotate(reasoning, p))
}

func (r *synthesis) applyHold(p proposal) domain.Action {
	if p.current <= 0 {
		return r.hold(p, RuleNoPosition, "HOLD: no position held")
	}
	if p.current >= r.minValue {
		return r.hold(p, RuleHold, "HOLD: position kept at current size")
	}

	shortfall := r.minValue - p.current
	tolerance := r.minValue * r.c.StopLossPct / 100
	if shortfall <= tolerance {
		return r.hold(p, RuleHoldWithinStop, fmt.Sprintf(
			"HOLD: position is $%.2f below the $%.2f minimum, within the %.0f%% stop-loss tolerance of $%.2f",
			shortfall, r.minValue, r.c.StopLossPct, tolerance))
	}

	r.budget.Replenish(p.current)
	return r.action(p, domain.ActionSell, p.current, RuleCloseSubMinimum, fmt.Sprintf(
		"SELL the full $%.2f position: $%.2f below the $%.2f minimum exceeds the $%.2f stop-loss tolerance",
		p.current, shortfall, r.minValue, tolerance))
}

// reconcile scales BUYs back to the initial cap and returns the factor applied
func (r *synthesis) reconcile(actions []domain.Action) float64 {
	var idx []int
	var amounts []float64
	for i, a := range actions {
		if a.Action == domain.ActionBuy {
			idx = append(idx, i)
			amounts = append(amounts, a.DollarAmount)
		}
	}
	if len(idx) == 0 {
		return 1
	}

	initialCap := r.budget.InitialCap()
	scaled, factor := cash.ScaleToCap(amounts, initialCap)
	if factor >= 1 {
		return 1
	}

	for k, i := range idx {
		a := &actions[i]
		amount := scaled[k]
		if amount <= 0 || (a.CurrentValue <= 0 && amount < r.minValue) {
			a.Reasoning = fmt.Sprintf("BUY of $%.2f downgraded to HOLD: scaling to the $%.2f initial cap left $%.2f, below the $%.2f minimum",
				a.DollarAmount, initialCap, amount, r.minValue)
			a.Action = domain.ActionHold
			a.DollarAmount = 0
			a.Shares = 0
			a.TargetValue = a.CurrentValue
			a.TargetAllocation = a.CurrentAllocation
			a.Rule = RuleReconciled
			continue
		}

		a.Shares = cash.Shares(amount, r.priceOf(a.Ticker))
		a.Reasoning = fmt.Sprintf("%s; scaled by %.4f to $%.2f so total BUYs fit the $%.2f initial cap",
			a.Reasoning, factor, amount, initialCap)
		a.DollarAmount = amount
		a.TargetValue = a.CurrentValue + amount
		a.TargetAllocation = r.pct(a.TargetValue)
		a.Rule = RuleReconciled
	}
	return factor
}

func (r *synthesis) hold(p proposal, rule, reasoning string) domain.Action {
	return r.action(p, domain.ActionHold, 0, rule, r.annotate(reasoning, p))
}

func (r *synthesis) action(p proposal, side domain.TradeAction, amount float64, rule, reasoning string) domain.Action {
	amount = cash.RoundCents(amount)
	after := p.current
	switch side {
	case domain.ActionBuy:
		after += amount
	case domain.ActionSell:
		after -= amount
	}
	return domain.Action{
		Ticker:            p.ticker,
		Action:            side,
		DollarAmount:      amount,
		Shares:            cash.Shares(amount, p.price),
		CurrentValue:      p.current,
		TargetValue:       after,
		CurrentAllocation: r.pct(p.current),
		TargetAllocation:  r.pct(after),
		Intent:            p.intent,
		Rule:              rule,
		Reasoning:         reasoning,
	}
}

func (r *synthesis) annotate(reasoning string, p proposal) string {
	if p.note == "" {
		return reasoning
	}
	return reasoning + ". " + p.note
}

func (r *synthesis) pct(value float64) float64 {
	if r.in.TotalValue <= 0 {
		return 0
	}
	return value / r.in.TotalValue * 100
}
