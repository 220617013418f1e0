package rebalancing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/allocation"
)

const decisionSystemPrompt = `You are the portfolio manager of a multi-agent trading team.
You receive the current portfolio, the risk manager's assessment of each ticker and a target allocation.
Decide what to BUY, SELL or HOLD. Never spend more than the deployable cash shown.`

const extractionSystemPrompt = `You convert a portfolio manager's decision into machine-readable orders.
Copy the decision faithfully. Do not invent tickers and do not change directions.`

const insightsSystemPrompt = `You explain portfolio rebalancing decisions to the account owner in plain language.`

// insightsPlaceholder replaces the explanation when its generation fails
const insightsPlaceholder = "Detailed reasoning is unavailable for this rebalance. Each action lists the rule that produced it."

// promptContext is the run state rendered into prompts
type promptContext struct {
	snapshot   domain.PortfolioSnapshot
	plan       *allocation.Plan
	decisions  map[string]domain.RiskDecision
	blocked    []string
	deployable float64
	targetCash float64
}

func (p promptContext) decisionPrompt() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Total portfolio value: $%.2f\n", p.snapshot.TotalValue)
	fmt.Fprintf(&sb, "Available cash: $%.2f (%.1f%%)\n", p.snapshot.Cash, p.snapshot.CurrentCashAllocation)
	fmt.Fprintf(&sb, "Target cash allocation: %.1f%%\n", p.targetCash)
	fmt.Fprintf(&sb, "Deployable cash for new BUYs: $%.2f\n\n", p.deployable)

	sb.WriteString("Current positions:\n")
	if len(p.snapshot.Positions) == 0 {
		sb.WriteString("- none\n")
	}
	for _, pos := range p.snapshot.Positions {
		pct := 0.0
		if p.snapshot.TotalValue > 0 {
			pct = pos.Value() / p.snapshot.TotalValue * 100
		}
		fmt.Fprintf(&sb, "- %s: %.4g shares, $%.2f (%.1f%%)\n", pos.Ticker, pos.Shares, pos.Value(), pct)
	}

	sb.WriteString("\nRisk manager assessments and target allocations:\n")
	for _, t := range p.plan.Targets {
		d, ok := p.decisions[t.Ticker]
		if !ok {
			fmt.Fprintf(&sb, "- %s: not analyzed, target %.1f%%\n", t.Ticker, t.TargetPct)
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s, confidence %.0f, risk %.1f/10, target %.1f%%", t.Ticker, d.Intent, d.Confidence, d.RiskScore, t.TargetPct)
		if d.SuggestedPercent != "" {
			fmt.Fprintf(&sb, ", suggested %s", d.SuggestedPercent)
		}
		if d.ExecutionPlan != "" {
			fmt.Fprintf(&sb, ", plan: %s", d.ExecutionPlan)
		}
		sb.WriteString("\n")
	}

	if len(p.blocked) > 0 {
		fmt.Fprintf(&sb, "\nThese tickers have unsettled orders and must be HOLD: %s\n", strings.Join(p.blocked, ", "))
	}

	sb.WriteString("\nGive your decision for each ticker with a dollar amount and a one sentence reason.")
	return sb.String()
}

func extractionPrompt(decisionText string, totalValue float64) string {
	return fmt.Sprintf("Portfolio value: $%.2f. No dollar amount may exceed it.\n\nDecision:\n%s", totalValue, decisionText)
}

func insightsPrompt(snapshot domain.PortfolioSnapshot, actions []domain.Action, scale float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Portfolio value $%.2f, cash $%.2f.\n", snapshot.TotalValue, snapshot.Cash)
	if scale < 1 {
		fmt.Fprintf(&sb, "BUY orders were scaled to %.0f%% to respect the cash target.\n", scale*100)
	}
	sb.WriteString("Final actions:\n")

	sorted := append([]domain.Action(nil), actions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DollarAmount > sorted[j].DollarAmount })
	for _, a := range sorted {
		fmt.Fprintf(&sb, "- %s %s $%.2f (%.1f%% -> %.1f%%): %s\n",
			a.Action, a.Ticker, a.DollarAmount, a.CurrentAllocation, a.TargetAllocation, a.Reasoning)
	}
	sb.WriteString("\nExplain in under 200 words why this rebalance makes sense and what risks remain.")
	return sb.String()
}
