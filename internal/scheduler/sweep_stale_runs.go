package scheduler

import (
	"context"
	"time"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/quantdesk/rebalancer/internal/work"
	"github.com/rs/zerolog"
)

// TaskQueue is the part of the work queue the sweep needs
type TaskQueue interface {
	RecoverStale(ctx context.Context) (int, error)
	Timeout() time.Duration
}

// TaskLookup finds the task driving a rebalance
type TaskLookup interface {
	GetByRequest(ctx context.Context, rebalanceRequestID string) (*work.Task, error)
}

// RunFailer marks a rebalance as failed and reports it
type RunFailer interface {
	Fail(ctx context.Context, id string, cause error) error
}

// SweepStaleRunsJob guarantees no request stays RUNNING forever. It recovers
// tasks abandoned by a dead process, then fails running requests that have
// no live task left to finish them.
type SweepStaleRunsJob struct {
	log      zerolog.Logger
	queue    TaskQueue
	tasks    TaskLookup
	requests domain.RebalanceRepository
	failer   RunFailer
}

// NewSweepStaleRunsJob creates a new SweepStaleRunsJob
func NewSweepStaleRunsJob(queue TaskQueue, tasks TaskLookup, requests domain.RebalanceRepository, failer RunFailer, log zerolog.Logger) *SweepStaleRunsJob {
	return &SweepStaleRunsJob{
		log:      log.With().Str("job", "sweep_stale_runs").Logger(),
		queue:    queue,
		tasks:    tasks,
		requests: requests,
		failer:   failer,
	}
}

// Name returns the job name
func (j *SweepStaleRunsJob) Name() string {
	return "sweep_stale_runs"
}

// Run executes the sweep
func (j *SweepStaleRunsJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	recovered, err := j.queue.RecoverStale(ctx)
	if err != nil {
		return err
	}

	// Requests untouched for two watchdog windows have no attempt writing to them
	before := time.Now().Add(-2 * j.queue.Timeout())
	stale, err := j.requests.ListStale(ctx, domain.RebalanceStatusRunning, before)
	if err != nil {
		return err
	}

	failed := 0
	for _, req := range stale {
		task, err := j.tasks.GetByRequest(ctx, req.ID)
		if err != nil {
			j.log.Warn().Err(err).Str("rebalance_request_id", req.ID).Msg("Failed to look up task")
			continue
		}
		if task != nil && (task.Status == work.TaskQueued || task.Status == work.TaskRunning) {
			continue
		}

		cause := workflow.Errorf(workflow.CategoryTimeout, "watchdog: run %s left running without a live task", req.ID)
		if err := j.failer.Fail(ctx, req.ID, cause); err != nil {
			j.log.Error().Err(err).Str("rebalance_request_id", req.ID).Msg("Failed to fail stale run")
			continue
		}
		failed++
	}

	if recovered > 0 || failed > 0 {
		j.log.Info().
			Int("recovered_tasks", recovered).
			Int("failed_runs", failed).
			Msg("Stale run sweep completed")
	}
	return nil
}
