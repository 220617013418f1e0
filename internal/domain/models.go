// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RebalanceStatus is the lifecycle state of a RebalanceRequest
type RebalanceStatus string

const (
	RebalanceStatusPending   RebalanceStatus = "pending"
	RebalanceStatusRunning   RebalanceStatus = "running"
	RebalanceStatusCompleted RebalanceStatus = "completed"
	RebalanceStatusCancelled RebalanceStatus = "cancelled"
	RebalanceStatusError     RebalanceStatus = "error"
)

// IsTerminal reports whether no further transitions are allowed
func (s RebalanceStatus) IsTerminal() bool {
	return s == RebalanceStatusCompleted || s == RebalanceStatusCancelled || s == RebalanceStatusError
}

// CanTransitionTo reports whether s -> next is a legal transition.
// running -> running is allowed so a re-invoked run can resume.
func (s RebalanceStatus) CanTransitionTo(next RebalanceStatus) bool {
	switch s {
	case RebalanceStatusPending:
		return next == RebalanceStatusRunning || next == RebalanceStatusCancelled || next == RebalanceStatusError
	case RebalanceStatusRunning:
		return next == RebalanceStatusRunning || next == RebalanceStatusCompleted ||
			next == RebalanceStatusCancelled || next == RebalanceStatusError
	default:
		return false
	}
}

// AnalysisStatus is the lifecycle state of an AnalysisRecord
type AnalysisStatus string

const (
	AnalysisStatusPending   AnalysisStatus = "pending"
	AnalysisStatusRunning   AnalysisStatus = "running"
	AnalysisStatusCompleted AnalysisStatus = "completed"
	AnalysisStatusCancelled AnalysisStatus = "cancelled"
	AnalysisStatusError     AnalysisStatus = "error"
)

// IsTerminal reports whether the analysis has finished
func (s AnalysisStatus) IsTerminal() bool {
	return s == AnalysisStatusCompleted || s == AnalysisStatusCancelled || s == AnalysisStatusError
}

// RiskProfile is the user's risk appetite
type RiskProfile string

const (
	RiskProfileConservative RiskProfile = "conservative"
	RiskProfileModerate     RiskProfile = "moderate"
	RiskProfileAggressive   RiskProfile = "aggressive"
)

// ParseRiskProfile normalizes a profile name; unknown values map to moderate
func ParseRiskProfile(s string) RiskProfile {
	switch RiskProfile(strings.ToLower(strings.TrimSpace(s))) {
	case RiskProfileConservative:
		return RiskProfileConservative
	case RiskProfileAggressive:
		return RiskProfileAggressive
	default:
		return RiskProfileModerate
	}
}

// RiskIntent is the upstream risk-assessment recommendation for a ticker
type RiskIntent string

const (
	IntentBuild RiskIntent = "BUILD"
	IntentAdd   RiskIntent = "ADD"
	IntentTrim  RiskIntent = "TRIM"
	IntentExit  RiskIntent = "EXIT"
	IntentHold  RiskIntent = "HOLD"
)

// ParseRiskIntent normalizes an intent name
func ParseRiskIntent(s string) (RiskIntent, error) {
	intent := RiskIntent(strings.ToUpper(strings.TrimSpace(s)))
	switch intent {
	case IntentBuild, IntentAdd, IntentTrim, IntentExit, IntentHold:
		return intent, nil
	}
	return "", fmt.Errorf("unknown risk intent %q", s)
}

// Direction maps an intent to the trade direction it implies
func (i RiskIntent) Direction() TradeAction {
	switch i {
	case IntentBuild, IntentAdd:
		return ActionBuy
	case IntentTrim, IntentExit:
		return ActionSell
	default:
		return ActionHold
	}
}

// TradeAction is the side of a trade order
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
	ActionHold TradeAction = "HOLD"
)

// ParseTradeAction normalizes an action name
func ParseTradeAction(s string) (TradeAction, error) {
	action := TradeAction(strings.ToUpper(strings.TrimSpace(s)))
	switch action {
	case ActionBuy, ActionSell, ActionHold:
		return action, nil
	}
	return "", fmt.Errorf("unknown trade action %q", s)
}

// RebalanceConstraints holds the position sizing rules of a request.
// All percentages are of total portfolio value.
type RebalanceConstraints struct {
	MinPositionSizePct      float64     `json:"minPositionSizePct"`
	MaxPositionSizePct      float64     `json:"maxPositionSizePct"`
	RebalanceThresholdPct   float64     `json:"rebalanceThresholdPct"`
	TargetCashAllocationPct float64     `json:"targetCashAllocationPct"`
	PositionSizeIncrement   float64     `json:"positionSizeIncrement"` // Dollar granularity for BUY/SELL amounts
	StopLossPct             float64     `json:"stopLossPct"`
	RiskProfile             RiskProfile `json:"riskProfile"`
}

// DefaultConstraints returns the constraints used when a request supplies none
func DefaultConstraints() RebalanceConstraints {
	return RebalanceConstraints{
		MinPositionSizePct:      5,
		MaxPositionSizePct:      25,
		RebalanceThresholdPct:   10,
		TargetCashAllocationPct: 20,
		PositionSizeIncrement:   1000,
		StopLossPct:             10,
		RiskProfile:             RiskProfileModerate,
	}
}

// WithDefaults fills zero fields from DefaultConstraints
func (c RebalanceConstraints) WithDefaults() RebalanceConstraints {
	d := DefaultConstraints()
	if c.MinPositionSizePct <= 0 {
		c.MinPositionSizePct = d.MinPositionSizePct
	}
	if c.MaxPositionSizePct <= 0 {
		c.MaxPositionSizePct = d.MaxPositionSizePct
	}
	if c.RebalanceThresholdPct <= 0 {
		c.RebalanceThresholdPct = d.RebalanceThresholdPct
	}
	if c.TargetCashAllocationPct < 0 {
		c.TargetCashAllocationPct = 0
	}
	if c.PositionSizeIncrement <= 0 {
		c.PositionSizeIncrement = d.PositionSizeIncrement
	}
	if c.StopLossPct <= 0 {
		c.StopLossPct = d.StopLossPct
	}
	c.RiskProfile = ParseRiskProfile(string(c.RiskProfile))
	return c
}

// MinPositionValue returns the minimum position size in dollars
func (c RebalanceConstraints) MinPositionValue(totalValue float64) float64 {
	return totalValue * c.MinPositionSizePct / 100
}

// MaxPositionValue returns the maximum position size in dollars
func (c RebalanceConstraints) MaxPositionValue(totalValue float64) float64 {
	return totalValue * c.MaxPositionSizePct / 100
}

// WorkflowStep is the state of one named step stored on the request
type WorkflowStep struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RebalanceRequest is the unit of work driven by the engine
type RebalanceRequest struct {
	ID                   string                  `json:"id"`
	UserID               string                  `json:"userId"`
	Status               RebalanceStatus         `json:"status"`
	TargetCashAllocation float64                 `json:"targetCashAllocation"`
	Constraints          RebalanceConstraints    `json:"constraints"`
	Plan                 *RebalancePlan          `json:"rebalancePlan,omitempty"`
	PortfolioSnapshot    *PortfolioSnapshot      `json:"portfolioSnapshot,omitempty"`
	WorkflowSteps        map[string]WorkflowStep `json:"workflowSteps,omitempty"`
	ErrorMessage         string                  `json:"errorMessage,omitempty"`
	ErrorCategory        string                  `json:"errorCategory,omitempty"`
	CreatedAt            time.Time               `json:"createdAt"`
	StartedAt            *time.Time              `json:"startedAt,omitempty"`
	CompletedAt          *time.Time              `json:"completedAt,omitempty"`
	UpdatedAt            time.Time               `json:"updatedAt"`
}

// AnalysisRecord is an upstream per-ticker analysis, optionally nested under a rebalance
type AnalysisRecord struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"userId"`
	Ticker             string         `json:"ticker"`
	Decision           string         `json:"decision"`
	Confidence         float64        `json:"confidence"`
	RiskScore          float64        `json:"riskScore"`
	RebalanceRequestID string         `json:"rebalanceRequestId,omitempty"`
	Status             AnalysisStatus `json:"status"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// RiskDecision is the risk manager's assessment for one ticker
type RiskDecision struct {
	Ticker           string     `json:"ticker"`
	Intent           RiskIntent `json:"intent"`
	Confidence       float64    `json:"confidence"` // 0-100
	RiskScore        float64    `json:"riskScore"`  // 0-10
	SuggestedPercent string     `json:"suggestedPercent,omitempty"`
	ExecutionPlan    string     `json:"executionPlan,omitempty"`
}

// SuggestedFraction parses SuggestedPercent ("10%", "10-15%", "12.5") into a
// fraction. Ranges resolve to their midpoint.
func (d RiskDecision) SuggestedFraction() (float64, bool) {
	raw := strings.TrimSpace(strings.ReplaceAll(d.SuggestedPercent, "%", ""))
	if raw == "" {
		return 0, false
	}

	raw = strings.ReplaceAll(raw, "–", "-")
	parts := strings.Split(raw, "-")
	var sum float64
	var n int
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || v < 0 {
			return 0, false
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}
	pct := sum / float64(n)
	if pct <= 0 || pct > 100 {
		return 0, false
	}
	return pct / 100, true
}

// Trade order statuses. Orders are written pending; execution happens downstream.
const (
	TradeOrderStatusPending   = "pending"
	TradeOrderStatusSubmitted = "submitted"
	TradeOrderStatusFilled    = "filled"
	TradeOrderStatusCancelled = "cancelled"
)

// TradeOrder is a persisted order created by a rebalance
type TradeOrder struct {
	ID                 string      `json:"id"`
	RebalanceRequestID string      `json:"rebalanceRequestId"`
	UserID             string      `json:"userId"`
	Ticker             string      `json:"ticker"`
	Action             TradeAction `json:"action"`
	DollarAmount       float64     `json:"dollarAmount"`
	Shares             float64     `json:"shares"`
	BeforeValue        float64     `json:"beforeValue"`
	AfterValue         float64     `json:"afterValue"`
	BeforeAllocation   float64     `json:"beforeAllocation"`
	AfterAllocation    float64     `json:"afterAllocation"`
	Reasoning          string      `json:"reasoning"`
	Status             string      `json:"status"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// Validate checks the order before it is written
func (o *TradeOrder) Validate() error {
	if strings.TrimSpace(o.Ticker) == "" {
		return fmt.Errorf("ticker is required")
	}
	if o.RebalanceRequestID == "" {
		return fmt.Errorf("rebalance request id is required")
	}
	if _, err := ParseTradeAction(string(o.Action)); err != nil {
		return err
	}
	if o.DollarAmount < 0 {
		return fmt.Errorf("dollar amount must be non-negative, got %f", o.DollarAmount)
	}
	return nil
}

// Action is one synthesized per-ticker decision in a plan
type Action struct {
	Ticker            string      `json:"ticker"`
	Action            TradeAction `json:"action"`
	DollarAmount      float64     `json:"dollarAmount"`
	Shares            float64     `json:"shares"`
	CurrentValue      float64     `json:"currentValue"`
	TargetValue       float64     `json:"targetValue"`
	CurrentAllocation float64     `json:"currentAllocation"`
	TargetAllocation  float64     `json:"targetAllocation"`
	Intent            RiskIntent  `json:"intent,omitempty"`
	Rule              string      `json:"rule"`
	Reasoning         string      `json:"reasoning"`
}

// PortfolioSnapshot is the persisted view of the account at run start
type PortfolioSnapshot struct {
	Cash                   float64    `json:"cash"`
	Positions              []Position `json:"positions"`
	TotalValue             float64    `json:"totalValue"`
	StockValue             float64    `json:"stockValue"`
	CurrentStockAllocation float64    `json:"currentStockAllocation"`
	CurrentCashAllocation  float64    `json:"currentCashAllocation"`
	BlockedTickers         []string   `json:"blockedTickers,omitempty"`
}

// NewPortfolioSnapshot derives the snapshot from a broker account state
func NewPortfolioSnapshot(state *AccountState) PortfolioSnapshot {
	snap := PortfolioSnapshot{
		Cash:       state.Account.AvailableCash(),
		Positions:  state.Positions,
		TotalValue: state.TotalValue(),
	}
	if snap.Positions == nil {
		snap.Positions = []Position{}
	}
	for _, p := range state.Positions {
		snap.StockValue += p.Value()
	}
	if snap.TotalValue > 0 {
		snap.CurrentStockAllocation = snap.StockValue / snap.TotalValue * 100
		snap.CurrentCashAllocation = snap.Cash / snap.TotalValue * 100
	}
	return snap
}

// RecommendedPosition is a planner target for one ticker
type RecommendedPosition struct {
	Ticker            string  `json:"ticker"`
	CurrentAllocation float64 `json:"currentAllocation"`
	TargetAllocation  float64 `json:"targetAllocation"`
	Bucket            string  `json:"bucket"`
}

// PlanSummary aggregates the actions of a plan
type PlanSummary struct {
	TotalBuyValue     float64  `json:"totalBuyValue"`
	TotalSellValue    float64  `json:"totalSellValue"`
	BuyCount          int      `json:"buyCount"`
	SellCount         int      `json:"sellCount"`
	HoldCount         int      `json:"holdCount"`
	DeployableCashCap float64  `json:"deployableCashCap"`
	ScaleFactor       float64  `json:"scaleFactor"`
	TargetCashPct     float64  `json:"targetCashPct"`
	BlockedTickers    []string `json:"blockedTickers,omitempty"`
}

// RebalancePlan is the final payload stored on a completed request
type RebalancePlan struct {
	Portfolio            PortfolioSnapshot     `json:"portfolio"`
	RecommendedPositions []RecommendedPosition `json:"recommendedPositions"`
	Actions              []Action              `json:"actions"`
	Summary              PlanSummary           `json:"summary"`
	DecisionText         string                `json:"decisionText"`
	TradeOrders          []TradeOrder          `json:"tradeOrders"`
	RelatedAnalyses      []string              `json:"relatedAnalyses"`
	AgentInsights        string                `json:"agentInsights"`
	OrdersCreated        int                   `json:"ordersCreated"`
	CompletedAt          time.Time             `json:"completedAt"`
	Resumed              bool                  `json:"resumed,omitempty"`
}

// Summarize recomputes the summary counts and totals from the actions
func (p *RebalancePlan) Summarize() {
	p.Summary.TotalBuyValue = 0
	p.Summary.TotalSellValue = 0
	p.Summary.BuyCount = 0
	p.Summary.SellCount = 0
	p.Summary.HoldCount = 0
	for _, a := range p.Actions {
		switch a.Action {
		case ActionBuy:
			p.Summary.BuyCount++
			p.Summary.TotalBuyValue += a.DollarAmount
		case ActionSell:
			p.Summary.SellCount++
			p.Summary.TotalSellValue += a.DollarAmount
		default:
			p.Summary.HoldCount++
		}
	}
}
