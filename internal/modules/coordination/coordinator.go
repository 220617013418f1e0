// Package coordination owns the RebalanceRequest state machine: guarded
// transitions, cooperative cancellation checkpoints, idempotent resumption and
// cancellation propagation between rebalances and their nested analyses.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/rs/zerolog"
)

// ErrStopped means the request was cancelled or deleted. It is a normal
// outcome, not a failure.
var ErrStopped = errors.New("rebalance stopped")

// Agent is the agent name reported in notifications
const Agent = "rebalance-engine"

// Notifier delivers workflow notifications without blocking
type Notifier interface {
	Notify(ctx context.Context, n workflow.Notification)
}

// Coordinator drives a RebalanceRequest through its lifecycle
type Coordinator struct {
	requests domain.RebalanceRepository
	analyses domain.AnalysisRepository
	orders   domain.TradeOrderRepository
	notifier Notifier
	log      zerolog.Logger
}

// NewCoordinator creates a coordinator
func NewCoordinator(
	requests domain.RebalanceRepository,
	analyses domain.AnalysisRepository,
	orders domain.TradeOrderRepository,
	notifier Notifier,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		requests: requests,
		analyses: analyses,
		orders:   orders,
		notifier: notifier,
		log:      log.With().Str("component", "coordinator").Logger(),
	}
}

// Begin loads the request and moves it to running.
//
// A completed request is returned unchanged so the caller can serve the stored
// plan. Cancelled or deleted requests return ErrStopped. A request that already
// ended in error cannot be restarted.
func (c *Coordinator) Begin(ctx context.Context, id string) (*domain.RebalanceRequest, error) {
	req, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case domain.RebalanceStatusCompleted:
		return req, nil
	case domain.RebalanceStatusCancelled:
		return nil, ErrStopped
	}

	if err := c.transition(ctx, req, domain.RebalanceStatusRunning); err != nil {
		return nil, err
	}
	c.step(ctx, id, "started", "running", "")
	return req, nil
}

// Checkpoint re-reads the request; cancelled or deleted requests return ErrStopped
func (c *Coordinator) Checkpoint(ctx context.Context, id string) error {
	req, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == domain.RebalanceStatusCancelled {
		c.log.Info().Str("rebalance_request_id", id).Msg("Rebalance cancelled, stopping at checkpoint")
		return ErrStopped
	}
	return nil
}

// Resumption is the state a previous attempt left behind
type Resumption struct {
	Orders  []domain.TradeOrder
	Actions []domain.Action
}

// Resume returns the reconstructed decision when TradeOrders already exist for
// the request. Tickers without an order get a synthesized HOLD. The boolean is
// false when there is nothing to resume.
func (c *Coordinator) Resume(ctx context.Context, id string, tickers []string) (*Resumption, bool, error) {
	orders, err := c.orders.ListByRebalanceRequest(ctx, id)
	if err != nil {
		return nil, false, workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to list trade orders: %w", err))
	}
	if len(orders) == 0 {
		return nil, false, nil
	}

	byTicker := make(map[string]domain.TradeOrder, len(orders))
	var order []string
	for _, o := range orders {
		if _, ok := byTicker[o.Ticker]; !ok {
			order = append(order, o.Ticker)
		}
		byTicker[o.Ticker] = o
	}
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if _, ok := byTicker[t]; !ok && t != "" && !contains(order, t) {
			order = append(order, t)
		}
	}

	res := &Resumption{Orders: orders, Actions: make([]domain.Action, 0, len(order))}
	for _, t := range order {
		o, ok := byTicker[t]
		if !ok {
			res.Actions = append(res.Actions, domain.Action{
				Ticker:    t,
				Action:    domain.ActionHold,
				Rule:      "resumed",
				Reasoning: "HOLD: no order was created for this ticker by the previous attempt",
			})
			continue
		}
		res.Actions = append(res.Actions, domain.Action{
			Ticker:            o.Ticker,
			Action:            o.Action,
			DollarAmount:      o.DollarAmount,
			Shares:            o.Shares,
			CurrentValue:      o.BeforeValue,
			TargetValue:       o.AfterValue,
			CurrentAllocation: o.BeforeAllocation,
			TargetAllocation:  o.AfterAllocation,
			Rule:              "resumed",
			Reasoning:         o.Reasoning,
		})
	}

	c.log.Info().
		Str("rebalance_request_id", id).
		Int("existing_orders", len(orders)).
		Int("actions", len(res.Actions)).
		Msg("Resuming from orders created by a previous attempt")

	return res, true, nil
}

// Complete stores the plan, marks the request completed and notifies the coordinator
func (c *Coordinator) Complete(ctx context.Context, id string, plan *domain.RebalancePlan) error {
	req, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == domain.RebalanceStatusCancelled {
		return ErrStopped
	}
	if !req.Status.CanTransitionTo(domain.RebalanceStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, req.Status, domain.RebalanceStatusCompleted)
	}

	if err := c.requests.Complete(ctx, id, plan); err != nil {
		return workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to complete rebalance: %w", err))
	}
	c.step(ctx, id, "completed", "completed", "")
	c.notifier.Notify(ctx, workflow.Success(workflow.PhaseRebalance, Agent, id))

	c.log.Info().
		Str("rebalance_request_id", id).
		Int("orders_created", plan.OrdersCreated).
		Bool("resumed", plan.Resumed).
		Msg("Rebalance completed")
	return nil
}

// Fail marks the request as error with its category and notifies the coordinator.
// A request that is already terminal is left alone.
func (c *Coordinator) Fail(ctx context.Context, id string, cause error) error {
	category := workflow.Classify(cause)
	message := cause.Error()

	req, err := c.requests.GetByID(ctx, id)
	if err != nil {
		return workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to load rebalance request: %w", err))
	}
	if req == nil || req.Status.IsTerminal() {
		return nil
	}

	if err := c.requests.Fail(ctx, id, string(category), message); err != nil {
		return workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to mark rebalance as error: %w", err))
	}
	c.step(ctx, id, "failed", "error", message)
	c.notifier.Notify(ctx, workflow.Failure(workflow.PhaseRebalance, Agent, id, cause))

	c.log.Error().
		Err(cause).
		Str("rebalance_request_id", id).
		Str("error_category", string(category)).
		Msg("Rebalance failed")
	return nil
}

// CancelRequest cancels the request and every nested analysis that is still running.
// It returns how many analyses were cancelled.
func (c *Coordinator) CancelRequest(ctx context.Context, id string) (int64, error) {
	req, err := c.requests.GetByID(ctx, id)
	if err != nil {
		return 0, workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to load rebalance request: %w", err))
	}
	if req == nil {
		return 0, domain.ErrNotFound
	}
	if req.Status != domain.RebalanceStatusCancelled {
		if err := c.transition(ctx, req, domain.RebalanceStatusCancelled); err != nil {
			return 0, err
		}
	}

	n, err := c.analyses.CancelByRebalanceRequest(ctx, id)
	if err != nil {
		return 0, workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to cancel nested analyses: %w", err))
	}

	c.log.Info().
		Str("rebalance_request_id", id).
		Int64("analyses_cancelled", n).
		Msg("Rebalance cancelled")
	return n, nil
}

// CancelAnalysis cancels one analysis and reports it to its parent rebalance, if any
func (c *Coordinator) CancelAnalysis(ctx context.Context, analysisID string) error {
	rec, err := c.analyses.GetByID(ctx, analysisID)
	if err != nil {
		return workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to load analysis: %w", err))
	}
	if rec == nil {
		return domain.ErrNotFound
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	if err := c.analyses.UpdateStatus(ctx, analysisID, domain.AnalysisStatusCancelled); err != nil {
		return workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to cancel analysis: %w", err))
	}

	if rec.RebalanceRequestID != "" {
		note := workflow.Failure(workflow.PhaseAnalysis, Agent, rec.RebalanceRequestID,
			fmt.Errorf("analysis %s for %s was cancelled", analysisID, rec.Ticker))
		note.AnalysisID = analysisID
		note.ErrorCategory = workflow.CategoryOther
		c.notifier.Notify(ctx, note)
	}
	return nil
}

func (c *Coordinator) load(ctx context.Context, id string) (*domain.RebalanceRequest, error) {
	req, err := c.requests.GetByID(ctx, id)
	if err != nil {
		return nil, workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to load rebalance request: %w", err))
	}
	if req == nil {
		c.log.Info().Str("rebalance_request_id", id).Msg("Rebalance request deleted, stopping")
		return nil, ErrStopped
	}
	return req, nil
}

func (c *Coordinator) transition(ctx context.Context, req *domain.RebalanceRequest, to domain.RebalanceStatus) error {
	if !req.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, req.Status, to)
	}
	if err := c.requests.Transition(ctx, req.ID, to); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
		return workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to update rebalance status: %w", err))
	}
	req.Status = to
	return nil
}

// step records progress; failures are logged and never fail the run
func (c *Coordinator) step(ctx context.Context, id, name, status, message string) {
	err := c.requests.UpdateWorkflowStep(ctx, id, name, domain.WorkflowStep{Status: status, Message: message})
	if err != nil {
		c.log.Warn().Err(err).Str("rebalance_request_id", id).Str("step", name).Msg("Failed to record workflow step")
	}
}

// Step records a named progress step on the request
func (c *Coordinator) Step(ctx context.Context, id, name, message string) {
	c.step(ctx, id, name, "done", message)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
