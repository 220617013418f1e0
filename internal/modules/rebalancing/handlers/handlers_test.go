package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/rebalancing"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	testutil "github.com/quantdesk/rebalancer/internal/testing"
	"github.com/quantdesk/rebalancer/internal/work"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePreparer struct {
	err   error
	calls int
}

func (f *fakePreparer) Prepare(ctx context.Context, in *rebalancing.ExecuteRequest) (*domain.RebalanceRequest, error) {
	f.calls++
	return nil, f.err
}

// fakeExecutor applies run to the repository and returns the scripted task
type fakeExecutor struct {
	task    *work.Task
	err     error
	run     func()
	payload []byte
}

func (f *fakeExecutor) ExecuteNow(ctx context.Context, kind, rebalanceRequestID string, payload []byte) (*work.Task, error) {
	f.payload = payload
	if f.run != nil {
		f.run()
	}
	return f.task, f.err
}

type fakeCanceller struct {
	err error
	n   int64
}

func (f *fakeCanceller) CancelRequest(ctx context.Context, id string) (int64, error) {
	return f.n, f.err
}

func (f *fakeCanceller) CancelAnalysis(ctx context.Context, analysisID string) error {
	return f.err
}

type fakeOrders struct {
	orders []domain.TradeOrder
}

func (f *fakeOrders) ListOrders(ctx context.Context, id string) ([]domain.TradeOrder, error) {
	return f.orders, nil
}

type fixture struct {
	requests  *testutil.MockRebalanceRepository
	preparer  *fakePreparer
	executor  *fakeExecutor
	canceller *fakeCanceller
	orders    *fakeOrders
	router    chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		requests:  testutil.NewMockRebalanceRepository(),
		preparer:  &fakePreparer{},
		executor:  &fakeExecutor{},
		canceller: &fakeCanceller{},
		orders:    &fakeOrders{},
	}
	require.NoError(t, f.requests.Create(context.Background(), testutil.NewRebalanceRequestFixture("req-1", "user-1")))

	h := NewHandler(f.preparer, f.executor, f.requests, f.orders, f.canceller, zerolog.New(nil).Level(zerolog.Disabled))
	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if s, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(s))
	} else {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return w, resp
}

func executeBody() map[string]interface{} {
	return map[string]interface{}{
		"rebalanceRequestId": "req-1",
		"userId":             "user-1",
		"apiSettings":        map[string]interface{}{"model": "gpt-4o-mini"},
		"riskManagerDecisions": []map[string]interface{}{
			{"ticker": "NVDA", "intent": "BUILD", "confidence": 80, "riskScore": 5, "suggestedPercent": "10%"},
		},
	}
}

func TestHandleExecute_Completed(t *testing.T) {
	f := newFixture(t)
	f.executor.task = &work.Task{Status: work.TaskDone, Attempts: 1, MaxAttempts: 3}
	f.executor.run = func() {
		ctx := context.Background()
		require.NoError(t, f.requests.Transition(ctx, "req-1", domain.RebalanceStatusRunning))
		require.NoError(t, f.requests.Complete(ctx, "req-1", &domain.RebalancePlan{DecisionText: "Buy NVDA", OrdersCreated: 1}))
	}

	w, resp := f.do(t, http.MethodPost, "/api/rebalance/execute", executeBody())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, true, resp["success"])
	plan := resp["plan"].(map[string]interface{})
	assert.Equal(t, "Buy NVDA", plan["decisionText"])
	retry := resp["retryInfo"].(map[string]interface{})
	assert.Equal(t, float64(1), retry["attempt"])
	assert.Equal(t, false, retry["willRetry"])

	// the payload carries the validated request
	task := &work.Task{Payload: f.executor.payload}
	in, err := rebalancing.DecodeTask(task)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentBuild, in.RiskManagerDecisions[0].Intent)
	assert.Equal(t, 1, f.preparer.calls)
}

func TestHandleExecute_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		task       *work.Task
		runErr     error
		setup      func(f *fixture)
		wantStatus int
		wantKey    string
		wantCat    string
	}{
		{
			name:   "error state",
			task:   &work.Task{Status: work.TaskFailed, Attempts: 1, MaxAttempts: 3},
			runErr: workflow.Errorf(workflow.CategoryDataFetch, "broker returned status 502"),
			setup: func(f *fixture) {
				require.NoError(t, f.requests.Fail(context.Background(), "req-1", "data_fetch", "broker returned status 502"))
			},
			wantStatus: http.StatusInternalServerError,
			wantKey:    "error",
			wantCat:    "data_fetch",
		},
		{
			name:   "timed out and queued for retry",
			task:   &work.Task{Status: work.TaskQueued, Attempts: 1, MaxAttempts: 3},
			runErr: workflow.Errorf(workflow.CategoryTimeout, "watchdog: attempt 1 of 3 did not finish"),
			setup: func(f *fixture) {
				require.NoError(t, f.requests.Transition(context.Background(), "req-1", domain.RebalanceStatusRunning))
			},
			wantStatus: http.StatusAccepted,
			wantKey:    "error",
			wantCat:    "timeout",
		},
		{
			name:   "already in flight",
			task:   &work.Task{Status: work.TaskRunning, Attempts: 1, MaxAttempts: 3},
			runErr: work.ErrInFlight,
			setup: func(f *fixture) {
				require.NoError(t, f.requests.Transition(context.Background(), "req-1", domain.RebalanceStatusRunning))
			},
			wantStatus: http.StatusConflict,
			wantKey:    "error",
			wantCat:    "other",
		},
		{
			name: "cancelled",
			task: &work.Task{Status: work.TaskDone, Attempts: 1, MaxAttempts: 3},
			setup: func(f *fixture) {
				f.requests.SetStatus("req-1", domain.RebalanceStatusCancelled)
			},
			wantStatus: http.StatusOK,
			wantKey:    "stopped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.executor.task = tt.task
			f.executor.err = tt.runErr
			f.executor.run = func() { tt.setup(f) }

			w, resp := f.do(t, http.MethodPost, "/api/rebalance/execute", executeBody())
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, false, resp["success"])
			assert.Contains(t, resp, tt.wantKey)
			assert.Contains(t, resp, "retryInfo")
			if tt.wantCat != "" {
				assert.Equal(t, tt.wantCat, resp["error"].(map[string]interface{})["category"])
			}
		})
	}
}

func TestHandleExecute_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{name: "invalid json", body: "{not json"},
		{name: "missing user", body: map[string]interface{}{"rebalanceRequestId": "req-1"}},
		{name: "unknown intent", body: map[string]interface{}{
			"rebalanceRequestId":   "req-1",
			"userId":               "user-1",
			"riskManagerDecisions": []map[string]interface{}{{"ticker": "AAPL", "intent": "YOLO"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w, resp := f.do(t, http.MethodPost, "/api/rebalance/execute", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, false, resp["success"])
			assert.Zero(t, f.preparer.calls)
		})
	}
}

func TestHandleExecute_PrepareFailure(t *testing.T) {
	f := newFixture(t)
	f.preparer.err = workflow.NewError(workflow.CategoryDatabase, errors.New("database is locked"))

	w, resp := f.do(t, http.MethodPost, "/api/rebalance/execute", executeBody())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "database", resp["error"].(map[string]interface{})["category"])
}

func TestHandleGetRequest(t *testing.T) {
	f := newFixture(t)

	w, resp := f.do(t, http.MethodGet, "/api/rebalance/req-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "req-1", data["id"])
	assert.Equal(t, "pending", data["status"])

	w, _ = f.do(t, http.MethodGet, "/api/rebalance/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetOrders(t *testing.T) {
	f := newFixture(t)
	f.orders.orders = []domain.TradeOrder{{ID: "o-1", Ticker: "NVDA", Action: domain.ActionBuy, DollarAmount: 10000}}

	w, resp := f.do(t, http.MethodGet, "/api/rebalance/req-1/orders", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["count"])
}

func TestHandleCancel(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
	}{
		{name: "rebalance cancelled", path: "/api/rebalance/req-1/cancel", wantStatus: http.StatusOK},
		{name: "rebalance missing", path: "/api/rebalance/nope/cancel", err: domain.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "rebalance finished", path: "/api/rebalance/req-1/cancel", err: domain.ErrInvalidTransition, wantStatus: http.StatusConflict},
		{name: "analysis cancelled", path: "/api/analyses/a-1/cancel", wantStatus: http.StatusOK},
		{name: "analysis store down", path: "/api/analyses/a-1/cancel", err: errors.New("database is locked"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.canceller.err = tt.err
			f.canceller.n = 2

			w, resp := f.do(t, http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.err == nil, resp["success"])
		})
	}
}
