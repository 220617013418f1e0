package di

import (
	"context"
	"testing"
	"time"

	"github.com/quantdesk/rebalancer/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		Port:    8080,
		Broker:  config.BrokerConfig{BaseURL: "http://localhost:9100"},
		LLM:     config.LLMConfig{Model: "gpt-4o-mini"},
		Notifier: config.NotifierConfig{
			MaxAttempts: 3,
			RetryDelay:  time.Millisecond,
		},
		Work: config.WorkConfig{
			Timeout:     time.Minute,
			MaxAttempts: 3,
			SweepCron:   "0 */2 * * * *",
		},
	}
}

func TestWire(t *testing.T) {
	container, jobs, err := Wire(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer container.Close()

	assert.NotNil(t, container.RebalanceRepo)
	assert.NotNil(t, container.AnalysisRepo)
	assert.NotNil(t, container.TradeOrderRepo)
	assert.NotNil(t, container.TaskRepo)
	assert.NotNil(t, container.BrokerClient)
	assert.NotNil(t, container.Coordinator)
	assert.NotNil(t, container.RebalancingService)
	assert.NotNil(t, container.WorkProcessor)
	assert.Equal(t, time.Minute, container.WorkProcessor.Timeout())

	// Optional integrations stay off without configuration
	assert.Nil(t, container.Lease)
	assert.Nil(t, container.PlanArchiver)

	require.NotNil(t, jobs)
	assert.Equal(t, "sweep_stale_runs", jobs.SweepStaleRuns.Name())
	assert.NoError(t, jobs.Scheduler.RunNow(jobs.SweepStaleRuns))
	assert.NoError(t, jobs.Scheduler.RunNow(jobs.CheckWALCheckpoints))
}

func TestWire_InvalidSweepSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Work.SweepCron = "not a schedule"

	_, _, err := Wire(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestWire_MissingAllocationProfile(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllocationProfileFile = "/nonexistent/profile.yaml"

	_, _, err := Wire(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
