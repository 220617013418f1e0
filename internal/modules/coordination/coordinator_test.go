package coordination

import (
	"context"
	"errors"
	"testing"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	testutil "github.com/quantdesk/rebalancer/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	requests *testutil.MockRebalanceRepository
	analyses *testutil.MockAnalysisRepository
	orders   *testutil.MockTradeOrderRepository
	notifier *testutil.RecordingNotifier
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		requests: testutil.NewMockRebalanceRepository(),
		analyses: testutil.NewMockAnalysisRepository(),
		orders:   testutil.NewMockTradeOrderRepository(),
		notifier: &testutil.RecordingNotifier{},
	}
	f.coord = NewCoordinator(f.requests, f.analyses, f.orders, f.notifier, zerolog.Nop())
	require.NoError(t, f.requests.Create(context.Background(), testutil.NewRebalanceRequestFixture("req-1", "user-1")))
	return f
}

func (f *fixture) status(t *testing.T, id string) domain.RebalanceStatus {
	t.Helper()
	req, err := f.requests.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req.Status
}

func TestBegin(t *testing.T) {
	ctx := context.Background()

	t.Run("pending moves to running", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.coord.Begin(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, domain.RebalanceStatusRunning, req.Status)
		assert.Equal(t, domain.RebalanceStatusRunning, f.status(t, "req-1"))
	})

	t.Run("running can be re-entered", func(t *testing.T) {
		f := newFixture(t)
		f.requests.SetStatus("req-1", domain.RebalanceStatusRunning)
		_, err := f.coord.Begin(ctx, "req-1")
		require.NoError(t, err)
	})

	t.Run("completed is returned unchanged", func(t *testing.T) {
		f := newFixture(t)
		f.requests.SetStatus("req-1", domain.RebalanceStatusCompleted)
		req, err := f.coord.Begin(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, domain.RebalanceStatusCompleted, req.Status)
	})

	t.Run("cancelled stops", func(t *testing.T) {
		f := newFixture(t)
		f.requests.SetStatus("req-1", domain.RebalanceStatusCancelled)
		_, err := f.coord.Begin(ctx, "req-1")
		assert.ErrorIs(t, err, ErrStopped)
	})

	t.Run("deleted stops", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.Begin(ctx, "missing")
		assert.ErrorIs(t, err, ErrStopped)
	})

	t.Run("errored cannot restart", func(t *testing.T) {
		f := newFixture(t)
		f.requests.SetStatus("req-1", domain.RebalanceStatusError)
		_, err := f.coord.Begin(ctx, "req-1")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("store failure is a database error", func(t *testing.T) {
		f := newFixture(t)
		f.requests.SetError(errors.New("disk I/O error"))
		_, err := f.coord.Begin(ctx, "req-1")
		require.Error(t, err)
		assert.Equal(t, workflow.CategoryDatabase, workflow.Classify(err))
	})
}

func TestCheckpoint_StopsWhenCancelledBetweenCheckpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.Begin(ctx, "req-1")
	require.NoError(t, err)

	require.NoError(t, f.coord.Checkpoint(ctx, "req-1"))

	f.requests.SetStatus("req-1", domain.RebalanceStatusCancelled)
	assert.ErrorIs(t, f.coord.Checkpoint(ctx, "req-1"), ErrStopped)

	f.requests.Delete("req-1")
	assert.ErrorIs(t, f.coord.Checkpoint(ctx, "req-1"), ErrStopped)
}

func TestResume(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing to resume", func(t *testing.T) {
		f := newFixture(t)
		res, ok, err := f.coord.Resume(ctx, "req-1", []string{"AAPL"})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, res)
	})

	t.Run("existing orders rebuild the plan with HOLD for the rest", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orders.CreateBatch(ctx, []domain.TradeOrder{
			{ID: "o-1", RebalanceRequestID: "req-1", Ticker: "MU", Action: domain.ActionSell, DollarAmount: 10000, BeforeValue: 20000, AfterValue: 10000, Reasoning: "trim"},
			{ID: "o-2", RebalanceRequestID: "req-1", Ticker: "NVDA", Action: domain.ActionBuy, DollarAmount: 10000, AfterValue: 10000, Reasoning: "build"},
			{ID: "o-3", RebalanceRequestID: "req-other", Ticker: "AAPL", Action: domain.ActionBuy, DollarAmount: 5000},
		})
		require.NoError(t, err)

		res, ok, err := f.coord.Resume(ctx, "req-1", []string{"mu", "AAPL", "NVDA", "KO"})
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, res.Orders, 2)

		got := make(map[string]domain.Action)
		for _, a := range res.Actions {
			got[a.Ticker] = a
		}
		require.Len(t, got, 4)
		assert.Equal(t, domain.ActionSell, got["MU"].Action)
		assert.Equal(t, 10000.0, got["MU"].DollarAmount)
		assert.Equal(t, 20000.0, got["MU"].CurrentValue)
		assert.Equal(t, domain.ActionBuy, got["NVDA"].Action)
		assert.Equal(t, domain.ActionHold, got["AAPL"].Action)
		assert.Equal(t, domain.ActionHold, got["KO"].Action)
		assert.Equal(t, len(res.Actions), len(got))
	})

	t.Run("store failure", func(t *testing.T) {
		f := newFixture(t)
		f.orders.SetError(errors.New("database is locked"))
		_, _, err := f.coord.Resume(ctx, "req-1", nil)
		assert.Equal(t, workflow.CategoryDatabase, workflow.Classify(err))
	})
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("stores plan and notifies success", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.Begin(ctx, "req-1")
		require.NoError(t, err)

		plan := &domain.RebalancePlan{OrdersCreated: 2}
		require.NoError(t, f.coord.Complete(ctx, "req-1", plan))

		req, err := f.requests.GetByID(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, domain.RebalanceStatusCompleted, req.Status)
		assert.Equal(t, 2, req.Plan.OrdersCreated)
		assert.Contains(t, req.WorkflowSteps, "completed")

		notes := f.notifier.Notifications()
		require.Len(t, notes, 1)
		assert.True(t, notes[0].Success)
		assert.Equal(t, workflow.PhaseRebalance, notes[0].Phase)
		assert.Equal(t, "req-1", notes[0].RebalanceRequestID)
	})

	t.Run("cancelled request is not completed", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.Begin(ctx, "req-1")
		require.NoError(t, err)
		f.requests.SetStatus("req-1", domain.RebalanceStatusCancelled)

		err = f.coord.Complete(ctx, "req-1", &domain.RebalancePlan{})
		assert.ErrorIs(t, err, ErrStopped)
		assert.Equal(t, domain.RebalanceStatusCancelled, f.status(t, "req-1"))
		assert.Empty(t, f.notifier.Notifications())
	})

	t.Run("pending cannot jump to completed", func(t *testing.T) {
		f := newFixture(t)
		err := f.coord.Complete(ctx, "req-1", &domain.RebalancePlan{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestFail(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cause    error
		category workflow.Category
	}{
		{"broker outage", errors.New("broker returned status 502"), workflow.CategoryDataFetch},
		{"typed provider failure", workflow.Errorf(workflow.CategoryAIError, "order extraction failed"), workflow.CategoryAIError},
		{"watchdog", context.DeadlineExceeded, workflow.CategoryTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.coord.Begin(ctx, "req-1")
			require.NoError(t, err)

			require.NoError(t, f.coord.Fail(ctx, "req-1", tt.cause))

			req, err := f.requests.GetByID(ctx, "req-1")
			require.NoError(t, err)
			assert.Equal(t, domain.RebalanceStatusError, req.Status)
			assert.Equal(t, string(tt.category), req.ErrorCategory)
			assert.Equal(t, tt.cause.Error(), req.ErrorMessage)

			notes := f.notifier.Notifications()
			require.Len(t, notes, 1)
			assert.False(t, notes[0].Success)
			assert.Equal(t, tt.category, notes[0].ErrorCategory)
		})
	}

	t.Run("terminal request is left alone", func(t *testing.T) {
		f := newFixture(t)
		f.requests.SetStatus("req-1", domain.RebalanceStatusCancelled)
		require.NoError(t, f.coord.Fail(ctx, "req-1", errors.New("late failure")))
		assert.Equal(t, domain.RebalanceStatusCancelled, f.status(t, "req-1"))
		assert.Empty(t, f.notifier.Notifications())
	})
}

func TestCancelRequest_PropagatesToAnalyses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.Begin(ctx, "req-1")
	require.NoError(t, err)

	for _, rec := range []domain.AnalysisRecord{
		{ID: "a-1", Ticker: "AAPL", RebalanceRequestID: "req-1", Status: domain.AnalysisStatusRunning},
		{ID: "a-2", Ticker: "MU", RebalanceRequestID: "req-1", Status: domain.AnalysisStatusCompleted},
		{ID: "a-3", Ticker: "NVDA", RebalanceRequestID: "req-1", Status: domain.AnalysisStatusPending},
		{ID: "a-4", Ticker: "KO", RebalanceRequestID: "req-2", Status: domain.AnalysisStatusRunning},
	} {
		rec := rec
		require.NoError(t, f.analyses.Create(ctx, &rec))
	}

	n, err := f.coord.CancelRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, domain.RebalanceStatusCancelled, f.status(t, "req-1"))

	statuses := map[string]domain.AnalysisStatus{}
	for _, id := range []string{"a-1", "a-2", "a-3", "a-4"} {
		rec, err := f.analyses.GetByID(ctx, id)
		require.NoError(t, err)
		statuses[id] = rec.Status
	}
	assert.Equal(t, domain.AnalysisStatusCancelled, statuses["a-1"])
	assert.Equal(t, domain.AnalysisStatusCompleted, statuses["a-2"])
	assert.Equal(t, domain.AnalysisStatusCancelled, statuses["a-3"])
	assert.Equal(t, domain.AnalysisStatusRunning, statuses["a-4"])

	t.Run("cancelling twice is harmless", func(t *testing.T) {
		n, err := f.coord.CancelRequest(ctx, "req-1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("completed request cannot be cancelled", func(t *testing.T) {
		require.NoError(t, f.requests.Create(ctx, testutil.NewRebalanceRequestFixture("req-3", "user-1")))
		f.requests.SetStatus("req-3", domain.RebalanceStatusCompleted)
		_, err := f.coord.CancelRequest(ctx, "req-3")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("missing request", func(t *testing.T) {
		_, err := f.coord.CancelRequest(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestCancelAnalysis_ReportsToParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.analyses.Create(ctx, &domain.AnalysisRecord{ID: "a-1", Ticker: "AAPL", RebalanceRequestID: "req-1", Status: domain.AnalysisStatusRunning}))
	require.NoError(t, f.analyses.Create(ctx, &domain.AnalysisRecord{ID: "a-2", Ticker: "MU", Status: domain.AnalysisStatusRunning}))

	require.NoError(t, f.coord.CancelAnalysis(ctx, "a-1"))
	require.NoError(t, f.coord.CancelAnalysis(ctx, "a-2"))

	rec, err := f.analyses.GetByID(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisStatusCancelled, rec.Status)

	notes := f.notifier.Notifications()
	require.Len(t, notes, 1, "only the nested analysis reports to a parent")
	assert.Equal(t, workflow.PhaseAnalysis, notes[0].Phase)
	assert.Equal(t, "req-1", notes[0].RebalanceRequestID)
	assert.Equal(t, "a-1", notes[0].AnalysisID)
	assert.False(t, notes[0].Success)

	// parent keeps running
	assert.Equal(t, domain.RebalanceStatusPending, f.status(t, "req-1"))

	assert.ErrorIs(t, f.coord.CancelAnalysis(ctx, "missing"), domain.ErrNotFound)
}
