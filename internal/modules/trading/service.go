package trading

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/cash"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/rs/zerolog"
)

// TradingService turns synthesized actions into persisted trade orders.
//
// Orders are written pending; placing them at the broker happens downstream.
// HOLD actions are part of the plan but never become orders.
//
// Dependencies:
//   - domain.TradeOrderRepository: order persistence
type TradingService struct {
	log    zerolog.Logger
	orders domain.TradeOrderRepository
}

// NewTradingService creates a new trading service
func NewTradingService(orders domain.TradeOrderRepository, log zerolog.Logger) *TradingService {
	return &TradingService{
		log:    log.With().Str("service", "trading").Logger(),
		orders: orders,
	}
}

// BuildOrders converts the BUY and SELL actions of a plan into trade orders
func BuildOrders(req *domain.RebalanceRequest, actions []domain.Action, totalValue float64) []domain.TradeOrder {
	var out []domain.TradeOrder
	for _, a := range actions {
		if a.Action != domain.ActionBuy && a.Action != domain.ActionSell {
			continue
		}
		if a.DollarAmount <= 0 {
			continue
		}

		after := a.CurrentValue + a.DollarAmount
		if a.Action == domain.ActionSell {
			after = a.CurrentValue - a.DollarAmount
			if after < 0 {
				after = 0
			}
		}

		out = append(out, domain.TradeOrder{
			ID:                 uuid.New().String(),
			RebalanceRequestID: req.ID,
			UserID:             req.UserID,
			Ticker:             a.Ticker,
			Action:             a.Action,
			DollarAmount:       a.DollarAmount,
			Shares:             a.Shares,
			BeforeValue:        cash.RoundCents(a.CurrentValue),
			AfterValue:         cash.RoundCents(after),
			BeforeAllocation:   allocation(a.CurrentValue, totalValue),
			AfterAllocation:    allocation(after, totalValue),
			Reasoning:          a.Reasoning,
			Status:             domain.TradeOrderStatusPending,
		})
	}
	return out
}

// RecordOrders persists the orders of a plan. Orders already written by an
// earlier attempt of the same rebalance are skipped.
func (s *TradingService) RecordOrders(ctx context.Context, req *domain.RebalanceRequest, actions []domain.Action, totalValue float64) ([]domain.TradeOrder, int, error) {
	orders := BuildOrders(req, actions, totalValue)
	if len(orders) == 0 {
		s.log.Info().Str("rebalance_request_id", req.ID).Msg("Plan has no BUY or SELL actions, no orders written")
		return orders, 0, nil
	}

	inserted, err := s.orders.CreateBatch(ctx, orders)
	if err != nil {
		return nil, 0, workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to record trade orders: %w", err))
	}

	s.log.Info().
		Str("rebalance_request_id", req.ID).
		Int("orders", len(orders)).
		Int("inserted", inserted).
		Msg("Trade orders recorded")
	return orders, inserted, nil
}

// ListOrders returns the persisted orders of a rebalance
func (s *TradingService) ListOrders(ctx context.Context, rebalanceRequestID string) ([]domain.TradeOrder, error) {
	orders, err := s.orders.ListByRebalanceRequest(ctx, rebalanceRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trade orders: %w", err)
	}
	if orders == nil {
		orders = []domain.TradeOrder{}
	}
	return orders, nil
}

// ListPending returns every order of the user still awaiting placement
func (s *TradingService) ListPending(ctx context.Context, userID string) ([]domain.TradeOrder, error) {
	orders, err := s.orders.ListPendingByUser(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list pending trade orders: %w", err)
	}
	if orders == nil {
		orders = []domain.TradeOrder{}
	}
	return orders, nil
}

func allocation(value, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return cash.RoundCents(value / total * 100)
}
