// Package broker reads account snapshots from the broker connectivity service.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/rs/zerolog"
)

// Client for the broker connectivity service
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new broker client. A non-positive timeout uses 15s.
func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "broker").Logger(),
	}
}

// GetAccountState fetches positions, balances and open orders for a user.
// Every failure is a data_fetch error except rejected credentials.
func (c *Client) GetAccountState(ctx context.Context, userID string) (*domain.AccountState, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/state", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, workflow.NewError(workflow.CategoryDataFetch, fmt.Errorf("failed to build broker request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.log.Debug().Str("user_id", userID).Msg("Fetching account state")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, workflow.NewError(workflow.CategoryTimeout, fmt.Errorf("broker request interrupted: %w", ctx.Err()))
		}
		return nil, workflow.NewError(workflow.CategoryDataFetch, fmt.Errorf("failed to fetch account state: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, workflow.Errorf(workflow.CategoryAPIKey, "broker rejected credentials (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, workflow.Errorf(workflow.CategoryDataFetch, "broker returned status %d", resp.StatusCode)
	}

	var state domain.AccountState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, workflow.NewError(workflow.CategoryDataFetch, fmt.Errorf("failed to parse account state: %w", err))
	}
	if state.TotalValue() <= 0 {
		return nil, workflow.Errorf(workflow.CategoryDataFetch, "account state for %s has no value", userID)
	}

	for i := range state.Positions {
		state.Positions[i].Ticker = strings.ToUpper(strings.TrimSpace(state.Positions[i].Ticker))
	}

	c.log.Debug().
		Str("user_id", userID).
		Int("positions", len(state.Positions)).
		Int("open_orders", len(state.OpenOrders)).
		Float64("cash", state.Account.Cash).
		Msg("Account state fetched")
	return &state, nil
}
