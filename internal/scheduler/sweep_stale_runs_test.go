package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/coordination"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	testutil "github.com/quantdesk/rebalancer/internal/testing"
	"github.com/quantdesk/rebalancer/internal/work"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	recovered int
	err       error
	calls     int
}

func (f *fakeQueue) RecoverStale(ctx context.Context) (int, error) {
	f.calls++
	return f.recovered, f.err
}

func (f *fakeQueue) Timeout() time.Duration { return time.Millisecond }

type fakeTasks map[string]*work.Task

func (f fakeTasks) GetByRequest(ctx context.Context, id string) (*work.Task, error) {
	return f[id], nil
}

func TestSweepStaleRunsJob(t *testing.T) {
	ctx := context.Background()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	requests := testutil.NewMockRebalanceRepository()
	notifier := &testutil.RecordingNotifier{}
	coord := coordination.NewCoordinator(requests, testutil.NewMockAnalysisRepository(),
		testutil.NewMockTradeOrderRepository(), notifier, log)

	for _, id := range []string{"orphaned", "queued", "finished-task", "pending"} {
		require.NoError(t, requests.Create(ctx, testutil.NewRebalanceRequestFixture(id, "user-1")))
		if id != "pending" {
			require.NoError(t, requests.Transition(ctx, id, domain.RebalanceStatusRunning))
		}
	}
	time.Sleep(10 * time.Millisecond)

	tasks := fakeTasks{
		"queued":        {Status: work.TaskQueued},
		"finished-task": {Status: work.TaskFailed},
	}
	queue := &fakeQueue{recovered: 1}
	job := NewSweepStaleRunsJob(queue, tasks, requests, coord, log)
	assert.Equal(t, "sweep_stale_runs", job.Name())

	require.NoError(t, job.Run())
	assert.Equal(t, 1, queue.calls)

	expected := map[string]domain.RebalanceStatus{
		"orphaned":      domain.RebalanceStatusError,
		"queued":        domain.RebalanceStatusRunning,
		"finished-task": domain.RebalanceStatusError,
		"pending":       domain.RebalanceStatusPending,
	}
	for id, status := range expected {
		req, err := requests.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, req.Status, id)
	}

	orphaned, err := requests.GetByID(ctx, "orphaned")
	require.NoError(t, err)
	assert.Equal(t, string(workflow.CategoryTimeout), orphaned.ErrorCategory)
}

func TestSweepStaleRunsJob_RecoverError(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	queue := &fakeQueue{err: errors.New("database is locked")}
	job := NewSweepStaleRunsJob(queue, fakeTasks{}, testutil.NewMockRebalanceRepository(), nil, log)
	assert.Error(t, job.Run())
}
