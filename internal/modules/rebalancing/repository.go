package rebalancing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantdesk/rebalancer/internal/database"
	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/rs/zerolog"
)

// requestColumns must match scanRequest
const requestColumns = `id, user_id, status, target_cash_allocation, constraints, rebalance_plan,
	portfolio_snapshot, workflow_steps, error_message, error_category,
	created_at, started_at, completed_at, updated_at`

// Repository persists RebalanceRequests in the rebalance_requests table
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a rebalance request repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "rebalance_requests").Logger(),
	}
}

// Create inserts a new request
func (r *Repository) Create(ctx context.Context, req *domain.RebalanceRequest) error {
	if req.ID == "" || req.UserID == "" {
		return fmt.Errorf("failed to create rebalance request: id and user id are required")
	}
	if req.Status == "" {
		req.Status = domain.RebalanceStatusPending
	}

	constraints, err := json.Marshal(req.Constraints)
	if err != nil {
		return fmt.Errorf("failed to marshal constraints: %w", err)
	}

	now := time.Now()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rebalance_requests
		(id, user_id, status, target_cash_allocation, constraints, workflow_steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '{}', ?, ?)
	`, req.ID, req.UserID, string(req.Status), req.TargetCashAllocation, string(constraints), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert rebalance request: %w", err)
	}

	req.CreatedAt = time.Unix(now.Unix(), 0)
	req.UpdatedAt = req.CreatedAt
	return nil
}

// GetByID returns the request or nil when it does not exist
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.RebalanceRequest, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM rebalance_requests WHERE id = ?", id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rebalance request %s: %w", id, err)
	}
	return req, nil
}

// Transition moves the request to a new status. The current status is
// re-checked inside the transaction so concurrent writers cannot skip a state.
func (r *Repository) Transition(ctx context.Context, id string, to domain.RebalanceStatus) error {
	return database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT status FROM rebalance_requests WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to query status: %w", err)
		}

		from := domain.RebalanceStatus(current)
		if !from.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
		}

		now := time.Now().Unix()
		query := "UPDATE rebalance_requests SET status = ?, updated_at = ? WHERE id = ?"
		args := []any{string(to), now, id}
		switch {
		case to == domain.RebalanceStatusRunning:
			query = "UPDATE rebalance_requests SET status = ?, updated_at = ?, started_at = COALESCE(started_at, ?) WHERE id = ?"
			args = []any{string(to), now, now, id}
		case to.IsTerminal():
			query = "UPDATE rebalance_requests SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?"
			args = []any{string(to), now, now, id}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}

		r.log.Debug().
			Str("rebalance_request_id", id).
			Str("from", current).
			Str("to", string(to)).
			Msg("Rebalance status changed")
		return nil
	})
}

// SaveSnapshot stores the portfolio snapshot taken at run start
func (r *Repository) SaveSnapshot(ctx context.Context, id string, snapshot domain.PortfolioSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio snapshot: %w", err)
	}
	return r.update(ctx, id, "UPDATE rebalance_requests SET portfolio_snapshot = ?, updated_at = ? WHERE id = ?",
		string(data), time.Now().Unix(), id)
}

// Complete stores the plan and marks the request completed in one statement
func (r *Repository) Complete(ctx context.Context, id string, plan *domain.RebalancePlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal rebalance plan: %w", err)
	}

	now := time.Now().Unix()
	result, err := r.db.ExecContext(ctx, `
		UPDATE rebalance_requests
		SET status = ?, rebalance_plan = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.RebalanceStatusCompleted), string(data), now, now, id, string(domain.RebalanceStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to update rebalance plan: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: request %s is not running", domain.ErrInvalidTransition, id)
	}
	return nil
}

// Fail marks a non-terminal request as error with its category and message
func (r *Repository) Fail(ctx context.Context, id string, category, message string) error {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE rebalance_requests
		SET status = ?, error_category = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(domain.RebalanceStatusError), category, message, now, now, id,
		string(domain.RebalanceStatusPending), string(domain.RebalanceStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to update rebalance error: %w", err)
	}
	return nil
}

// UpdateWorkflowStep merges one step into the workflow_steps JSON atomically
func (r *Repository) UpdateWorkflowStep(ctx context.Context, id, step string, state domain.WorkflowStep) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow step: %w", err)
	}
	return r.update(ctx, id, `
		UPDATE rebalance_requests
		SET workflow_steps = json_set(COALESCE(workflow_steps, '{}'), '$.' || ?, json(?)), updated_at = ?
		WHERE id = ?
	`, step, string(data), time.Now().Unix(), id)
}

// ListStale returns requests in status whose last update is older than updatedBefore
func (r *Repository) ListStale(ctx context.Context, status domain.RebalanceStatus, updatedBefore time.Time) ([]domain.RebalanceRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+requestColumns+" FROM rebalance_requests WHERE status = ? AND updated_at < ? ORDER BY updated_at",
		string(status), updatedBefore.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale rebalance requests: %w", err)
	}
	defer rows.Close()

	var out []domain.RebalanceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rebalance request: %w", err)
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rebalance requests: %w", err)
	}
	return out, nil
}

func (r *Repository) update(ctx context.Context, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update rebalance request: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.RebalanceRequest, error) {
	var (
		req                                     domain.RebalanceRequest
		status, constraints, steps              string
		plan, snapshot, errMessage, errCategory sql.NullString
		createdAt, updatedAt                    int64
		startedAt, completedAt                  sql.NullInt64
	)

	err := row.Scan(
		&req.ID, &req.UserID, &status, &req.TargetCashAllocation, &constraints, &plan,
		&snapshot, &steps, &errMessage, &errCategory,
		&createdAt, &startedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Status = domain.RebalanceStatus(status)
	req.ErrorMessage = errMessage.String
	req.ErrorCategory = errCategory.String
	req.CreatedAt = time.Unix(createdAt, 0)
	req.UpdatedAt = time.Unix(updatedAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		req.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		req.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(constraints), &req.Constraints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal constraints: %w", err)
	}
	if steps != "" {
		if err := json.Unmarshal([]byte(steps), &req.WorkflowSteps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow steps: %w", err)
		}
	}
	if plan.Valid && plan.String != "" {
		req.Plan = &domain.RebalancePlan{}
		if err := json.Unmarshal([]byte(plan.String), req.Plan); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rebalance plan: %w", err)
		}
	}
	if snapshot.Valid && snapshot.String != "" {
		req.PortfolioSnapshot = &domain.PortfolioSnapshot{}
		if err := json.Unmarshal([]byte(snapshot.String), req.PortfolioSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal portfolio snapshot: %w", err)
		}
	}
	return &req, nil
}
