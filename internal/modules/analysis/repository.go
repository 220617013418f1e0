// Package analysis stores the per-ticker analyses a rebalance consumes.
package analysis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/rs/zerolog"
)

const analysisColumns = `id, user_id, ticker, decision, confidence, risk_score,
	rebalance_request_id, status, created_at, updated_at`

// Repository handles analysis_records database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new analysis repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "analysis_records").Logger(),
	}
}

// Create inserts a new analysis record
func (r *Repository) Create(ctx context.Context, rec *domain.AnalysisRecord) error {
	if rec.ID == "" || rec.Ticker == "" {
		return fmt.Errorf("failed to create analysis: id and ticker are required")
	}
	if rec.Status == "" {
		rec.Status = domain.AnalysisStatusPending
	}

	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO analysis_records
		(id, user_id, ticker, decision, confidence, risk_score, rebalance_request_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.Ticker, nullString(rec.Decision), rec.Confidence, rec.RiskScore,
		nullString(rec.RebalanceRequestID), string(rec.Status), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}

	rec.CreatedAt = time.Unix(now, 0)
	rec.UpdatedAt = rec.CreatedAt
	return nil
}

// GetByID returns the record or nil when it does not exist
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.AnalysisRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+analysisColumns+" FROM analysis_records WHERE id = ?", id)
	rec, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis %s: %w", id, err)
	}
	return rec, nil
}

// ListByRebalanceRequest returns the analyses nested under a rebalance
func (r *Repository) ListByRebalanceRequest(ctx context.Context, rebalanceRequestID string) ([]domain.AnalysisRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+analysisColumns+" FROM analysis_records WHERE rebalance_request_id = ? ORDER BY ticker",
		rebalanceRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}
	return out, nil
}

// UpdateStatus sets the status of a non-terminal analysis.
// Finished analyses are left untouched.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.AnalysisStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE analysis_records SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(status), time.Now().Unix(), id,
		string(domain.AnalysisStatusPending), string(domain.AnalysisStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to update analysis status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, "SELECT 1 FROM analysis_records WHERE id = ?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to query analysis %s: %w", id, err)
		}
	}
	return nil
}

// CancelByRebalanceRequest cancels every unfinished analysis of a rebalance
// and returns how many were cancelled
func (r *Repository) CancelByRebalanceRequest(ctx context.Context, rebalanceRequestID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE analysis_records SET status = ?, updated_at = ?
		WHERE rebalance_request_id = ? AND status IN (?, ?)
	`, string(domain.AnalysisStatusCancelled), time.Now().Unix(), rebalanceRequestID,
		string(domain.AnalysisStatusPending), string(domain.AnalysisStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel analyses: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cancelled analyses: %w", err)
	}
	if n > 0 {
		r.log.Info().
			Str("rebalance_request_id", rebalanceRequestID).
			Int64("cancelled", n).
			Msg("Cancelled nested analyses")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*domain.AnalysisRecord, error) {
	var (
		rec                 domain.AnalysisRecord
		status              string
		decision, parentID  sql.NullString
		createdAt, updateAt int64
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Ticker, &decision, &rec.Confidence, &rec.RiskScore,
		&parentID, &status, &createdAt, &updateAt)
	if err != nil {
		return nil, err
	}
	rec.Decision = decision.String
	rec.RebalanceRequestID = parentID.String
	rec.Status = domain.AnalysisStatus(status)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updateAt, 0)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
