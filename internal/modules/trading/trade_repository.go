// Package trading persists the orders a rebalance produces and guards
// against placing a second order on a ticker that already has one in flight.
package trading

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quantdesk/rebalancer/internal/database"
	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/rs/zerolog"
)

// tradeOrderColumns must match scanTradeOrder
const tradeOrderColumns = `id, rebalance_request_id, user_id, ticker, action, dollar_amount, shares,
	before_value, after_value, before_allocation, after_allocation, reasoning, status, created_at`

// TradeOrderRepository handles trade_orders database operations
type TradeOrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTradeOrderRepository creates a new trade order repository
func NewTradeOrderRepository(db *sql.DB, log zerolog.Logger) *TradeOrderRepository {
	return &TradeOrderRepository{
		db:  db,
		log: log.With().Str("repo", "trade_orders").Logger(),
	}
}

// CreateBatch inserts orders in one transaction. An order whose
// (rebalance_request_id, ticker) already exists is skipped, so a re-invoked
// run never writes a ticker twice. Returns the number of rows inserted.
func (r *TradeOrderRepository) CreateBatch(ctx context.Context, orders []domain.TradeOrder) (int, error) {
	for i := range orders {
		if err := orders[i].Validate(); err != nil {
			return 0, fmt.Errorf("failed to create trade order %d: %w", i, err)
		}
	}
	if len(orders) == 0 {
		return 0, nil
	}

	inserted := 0
	err := database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO trade_orders
			(id, rebalance_request_id, user_id, ticker, action, dollar_amount, shares,
			 before_value, after_value, before_allocation, after_allocation, reasoning, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().Unix()
		for _, o := range orders {
			status := o.Status
			if status == "" {
				status = domain.TradeOrderStatusPending
			}
			result, err := stmt.ExecContext(ctx,
				o.ID, o.RebalanceRequestID, o.UserID, strings.ToUpper(strings.TrimSpace(o.Ticker)),
				string(o.Action), o.DollarAmount, o.Shares,
				o.BeforeValue, o.AfterValue, o.BeforeAllocation, o.AfterAllocation,
				o.Reasoning, status, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert order for %s: %w", o.Ticker, err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				inserted++
			} else {
				r.log.Debug().
					Str("rebalance_request_id", o.RebalanceRequestID).
					Str("ticker", o.Ticker).
					Msg("Trade order already exists, skipping duplicate")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Info().
		Str("rebalance_request_id", orders[0].RebalanceRequestID).
		Int("inserted", inserted).
		Int("requested", len(orders)).
		Msg("Trade orders created")
	return inserted, nil
}

// ListByRebalanceRequest returns the orders of one rebalance ordered by ticker
func (r *TradeOrderRepository) ListByRebalanceRequest(ctx context.Context, rebalanceRequestID string) ([]domain.TradeOrder, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+tradeOrderColumns+" FROM trade_orders WHERE rebalance_request_id = ? ORDER BY ticker",
		rebalanceRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade orders: %w", err)
	}
	return scanTradeOrders(rows)
}

// ListPendingByUser returns the user's pending orders written by other rebalances
func (r *TradeOrderRepository) ListPendingByUser(ctx context.Context, userID, excludeRequestID string) ([]domain.TradeOrder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeOrderColumns+` FROM trade_orders
		WHERE user_id = ? AND status = ? AND rebalance_request_id != ?
		ORDER BY created_at
	`, userID, domain.TradeOrderStatusPending, excludeRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending trade orders: %w", err)
	}
	return scanTradeOrders(rows)
}

func scanTradeOrders(rows *sql.Rows) ([]domain.TradeOrder, error) {
	defer rows.Close()

	var out []domain.TradeOrder
	for rows.Next() {
		var (
			o         domain.TradeOrder
			action    string
			reasoning sql.NullString
			createdAt int64
		)
		err := rows.Scan(&o.ID, &o.RebalanceRequestID, &o.UserID, &o.Ticker, &action, &o.DollarAmount, &o.Shares,
			&o.BeforeValue, &o.AfterValue, &o.BeforeAllocation, &o.AfterAllocation, &reasoning, &o.Status, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade order: %w", err)
		}
		o.Action = domain.TradeAction(action)
		o.Reasoning = reasoning.String
		o.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade orders: %w", err)
	}
	return out, nil
}
