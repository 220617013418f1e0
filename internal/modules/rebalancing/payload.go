package rebalancing

import (
	"fmt"
	"strings"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/quantdesk/rebalancer/internal/work"
)

// APISettings selects the text generation provider for one run.
// Empty fields fall back to the service defaults.
type APISettings struct {
	Provider       string `json:"provider,omitempty" msgpack:"provider,omitempty"`
	Model          string `json:"model,omitempty" msgpack:"model,omitempty"`
	APIKey         string `json:"apiKey,omitempty" msgpack:"api_key,omitempty"`
	BaseURL        string `json:"baseUrl,omitempty" msgpack:"base_url,omitempty"`
	MaxOutputUnits int    `json:"maxOutputUnits,omitempty" msgpack:"max_output_units,omitempty"`
}

// ExecuteRequest is the body of the execute endpoint and the payload of a rebalance task
type ExecuteRequest struct {
	RebalanceRequestID   string                       `json:"rebalanceRequestId" msgpack:"rebalance_request_id"`
	UserID               string                       `json:"userId" msgpack:"user_id"`
	Tickers              []string                     `json:"tickers,omitempty" msgpack:"tickers,omitempty"`
	APISettings          APISettings                  `json:"apiSettings" msgpack:"api_settings"`
	RiskManagerDecisions []domain.RiskDecision        `json:"riskManagerDecisions,omitempty" msgpack:"risk_manager_decisions,omitempty"`
	Constraints          *domain.RebalanceConstraints `json:"constraints,omitempty" msgpack:"constraints,omitempty"`
	TargetCashAllocation *float64                     `json:"targetCashAllocation,omitempty" msgpack:"target_cash_allocation,omitempty"`
	Prices               map[string]float64           `json:"prices,omitempty" msgpack:"prices,omitempty"` // Quotes for tickers not yet held
}

// Validate checks the fields every run needs
func (r *ExecuteRequest) Validate() error {
	r.RebalanceRequestID = strings.TrimSpace(r.RebalanceRequestID)
	r.UserID = strings.TrimSpace(r.UserID)
	if r.RebalanceRequestID == "" {
		return fmt.Errorf("rebalanceRequestId is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	for i, d := range r.RiskManagerDecisions {
		if strings.TrimSpace(d.Ticker) == "" {
			return fmt.Errorf("riskManagerDecisions[%d]: ticker is required", i)
		}
		intent, err := domain.ParseRiskIntent(string(d.Intent))
		if err != nil {
			return fmt.Errorf("riskManagerDecisions[%d]: %w", i, err)
		}
		r.RiskManagerDecisions[i].Ticker = strings.ToUpper(strings.TrimSpace(d.Ticker))
		r.RiskManagerDecisions[i].Intent = intent
	}
	if r.TargetCashAllocation != nil && (*r.TargetCashAllocation < 0 || *r.TargetCashAllocation > 100) {
		return fmt.Errorf("targetCashAllocation must be between 0 and 100")
	}
	return nil
}

// EncodeTask packs the request as a task payload
func (r *ExecuteRequest) EncodeTask() ([]byte, error) {
	return work.EncodePayload(r)
}

// DecodeTask unpacks the request carried by a task
func DecodeTask(task *work.Task) (*ExecuteRequest, error) {
	var req ExecuteRequest
	if err := work.DecodePayload(task.Payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ErrorBody is the error half of a response
type ErrorBody struct {
	Message  string            `json:"message"`
	Category workflow.Category `json:"category"`
}

// Response is what the execute endpoint returns
type Response struct {
	Success   bool                   `json:"success"`
	Stopped   bool                   `json:"stopped,omitempty"`
	Status    domain.RebalanceStatus `json:"status,omitempty"`
	Plan      *domain.RebalancePlan  `json:"plan,omitempty"`
	Error     *ErrorBody             `json:"error,omitempty"`
	RetryInfo *work.RetryInfo        `json:"retryInfo,omitempty"`
}
