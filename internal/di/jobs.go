package di

import (
	"fmt"

	"github.com/quantdesk/rebalancer/internal/config"
	"github.com/quantdesk/rebalancer/internal/scheduler"
	"github.com/rs/zerolog"
)

// walCheckpointSchedule runs the WAL check every 15 minutes (with seconds)
const walCheckpointSchedule = "0 */15 * * * *"

// RegisterJobs registers all maintenance jobs with the scheduler.
// Returns JobInstances for manual triggering.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil || container.WorkProcessor == nil {
		return nil, fmt.Errorf("services must be initialized before jobs")
	}

	instances := &JobInstances{
		Scheduler: scheduler.New(log),
		SweepStaleRuns: scheduler.NewSweepStaleRunsJob(
			container.WorkProcessor,
			container.TaskRepo,
			container.RebalanceRepo,
			container.Coordinator,
			log,
		),
		CheckWALCheckpoints: scheduler.NewCheckWALCheckpointsJob(container.DB, log),
	}

	if err := instances.Scheduler.AddJob(cfg.Work.SweepCron, instances.SweepStaleRuns); err != nil {
		return nil, fmt.Errorf("failed to register sweep job: %w", err)
	}
	if err := instances.Scheduler.AddJob(walCheckpointSchedule, instances.CheckWALCheckpoints); err != nil {
		return nil, fmt.Errorf("failed to register WAL checkpoint job: %w", err)
	}

	log.Info().Str("sweep_cron", cfg.Work.SweepCron).Msg("Jobs registered")
	return instances, nil
}
