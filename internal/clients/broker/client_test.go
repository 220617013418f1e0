package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret", 0, zerolog.New(nil).Level(zerolog.Disabled))
}

func TestGetAccountState(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/user-1/state", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"positions": [{"ticker": " aapl ", "shares": 200, "avgCost": 150, "currentPrice": 200, "marketValue": 40000}],
			"account": {"cash": 60000, "portfolio_value": 100000, "reserved_capital": 5000},
			"openOrders": [{"ticker": "MU", "side": "BUY", "qty": 10, "notional": 1000}]
		}`))
	})

	state, err := client.GetAccountState(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, state.Positions, 1)
	assert.Equal(t, "AAPL", state.Positions[0].Ticker)
	assert.Equal(t, 55000.0, state.Account.AvailableCash())
	assert.Equal(t, 100000.0, state.TotalValue())
	require.Len(t, state.OpenOrders, 1)
	assert.Equal(t, "MU", state.OpenOrders[0].Ticker)
}

func TestGetAccountState_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		body     string
		expected workflow.Category
	}{
		{name: "bad gateway", status: http.StatusBadGateway, body: `{}`, expected: workflow.CategoryDataFetch},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`, expected: workflow.CategoryAPIKey},
		{name: "invalid json", status: http.StatusOK, body: `{"positions": [`, expected: workflow.CategoryDataFetch},
		{name: "empty account", status: http.StatusOK, body: `{"positions": [], "account": {"cash": 0}}`, expected: workflow.CategoryDataFetch},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			state, err := client.GetAccountState(context.Background(), "user-1")
			require.Error(t, err)
			assert.Nil(t, state)
			assert.Equal(t, tc.expected, workflow.Classify(err))
		})
	}
}

func TestGetAccountState_CancelledIsTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.GetAccountState(ctx, "user-1")
	require.Error(t, err)
	assert.Equal(t, workflow.CategoryTimeout, workflow.Classify(err))
}
