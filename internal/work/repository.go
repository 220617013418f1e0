package work

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const taskColumns = `id, rebalance_request_id, kind, payload, status, attempts, max_attempts,
	next_run_at, started_at, last_error, last_error_category, created_at, updated_at`

// Repository persists tasks in the rebalance_tasks table
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a task repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "rebalance_tasks").Logger(),
	}
}

// Enqueue stores a task unless one already exists for the same rebalance,
// and returns whichever task is stored
func (r *Repository) Enqueue(ctx context.Context, t *Task) (*Task, error) {
	if t.RebalanceRequestID == "" || t.Kind == "" {
		return nil, fmt.Errorf("failed to enqueue task: rebalance request id and kind are required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = MaxAttempts
	}

	now := time.Now().Unix()
	result, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rebalance_tasks
		(id, rebalance_request_id, kind, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, t.ID, t.RebalanceRequestID, t.Kind, t.Payload, string(TaskQueued), t.MaxAttempts, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		r.log.Debug().
			Str("task_id", t.ID).
			Str("rebalance_request_id", t.RebalanceRequestID).
			Msg("Task enqueued")
	}

	stored, err := r.GetByRequest(ctx, t.RebalanceRequestID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("failed to query task for %s after insert", t.RebalanceRequestID)
	}
	return stored, nil
}

// GetByRequest returns the task of a rebalance, or nil
func (r *Repository) GetByRequest(ctx context.Context, rebalanceRequestID string) (*Task, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM rebalance_tasks WHERE rebalance_request_id = ?", rebalanceRequestID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// GetByID returns a task by id, or nil
func (r *Repository) GetByID(ctx context.Context, id string) (*Task, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM rebalance_tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// NextDue returns the id of the oldest queued task whose next_run_at has passed
func (r *Repository) NextDue(ctx context.Context, now time.Time) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM rebalance_tasks
		WHERE status = ? AND next_run_at <= ?
		ORDER BY next_run_at, created_at
		LIMIT 1
	`, string(TaskQueued), now.Unix()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query due tasks: %w", err)
	}
	return id, nil
}

// Claim moves a queued task to running and counts the attempt.
// Returns false when another worker got there first.
func (r *Repository) Claim(ctx context.Context, id string) (*Task, bool, error) {
	now := time.Now().Unix()
	result, err := r.db.ExecContext(ctx, `
		UPDATE rebalance_tasks
		SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(TaskRunning), now, now, id, string(TaskQueued))
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, false, nil
	}
	t, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return t, t != nil, nil
}

// MarkDone finishes a task
func (r *Repository) MarkDone(ctx context.Context, id string) error {
	return r.update(ctx, `
		UPDATE rebalance_tasks SET status = ?, last_error = NULL, last_error_category = NULL, updated_at = ?
		WHERE id = ?
	`, string(TaskDone), time.Now().Unix(), id)
}

// Requeue schedules another attempt at nextRunAt
func (r *Repository) Requeue(ctx context.Context, id string, nextRunAt time.Time, message, category string) error {
	return r.update(ctx, `
		UPDATE rebalance_tasks
		SET status = ?, next_run_at = ?, last_error = ?, last_error_category = ?, updated_at = ?
		WHERE id = ?
	`, string(TaskQueued), nextRunAt.Unix(), message, category, time.Now().Unix(), id)
}

// MarkFailed finishes a task with an error
func (r *Repository) MarkFailed(ctx context.Context, id, message, category string) error {
	return r.update(ctx, `
		UPDATE rebalance_tasks
		SET status = ?, last_error = ?, last_error_category = ?, updated_at = ?
		WHERE id = ?
	`, string(TaskFailed), message, category, time.Now().Unix(), id)
}

// ListStaleRunning returns running tasks started before startedBefore
func (r *Repository) ListStaleRunning(ctx context.Context, startedBefore time.Time) ([]Task, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM rebalance_tasks WHERE status = ? AND started_at < ? ORDER BY started_at",
		string(TaskRunning), startedBefore.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of tasks in each status
func (r *Repository) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM rebalance_tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task counts: %w", err)
	}
	return counts, nil
}

func (r *Repository) update(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update task: not found")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                               Task
		status                          string
		nextRunAt, createdAt, updatedAt int64
		startedAt                       sql.NullInt64
		lastError, lastCategory         sql.NullString
	)
	err := row.Scan(&t.ID, &t.RebalanceRequestID, &t.Kind, &t.Payload, &status, &t.Attempts, &t.MaxAttempts,
		&nextRunAt, &startedAt, &lastError, &lastCategory, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.NextRunAt = time.Unix(nextRunAt, 0)
	t.LastError = lastError.String
	t.LastErrorCategory = lastCategory.String
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	if startedAt.Valid {
		st := time.Unix(startedAt.Int64, 0)
		t.StartedAt = &st
	}
	return &t, nil
}
