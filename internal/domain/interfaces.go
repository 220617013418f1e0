package domain

import (
	"context"
	"time"
)

// BrokerClient returns the account snapshot a rebalance starts from.
// Broker connectivity lives outside this service; this is its read contract.
type BrokerClient interface {
	GetAccountState(ctx context.Context, userID string) (*AccountState, error)
}

// TextGenerator is the text generation provider.
// Failures carry provider error strings that the workflow taxonomy can classify.
type TextGenerator interface {
	Generate(ctx context.Context, prompt, systemPrompt string, maxOutputUnits int) (string, error)
}

// RebalanceRepository persists RebalanceRequests.
// GetByID returns (nil, nil) when the request does not exist.
type RebalanceRepository interface {
	Create(ctx context.Context, req *RebalanceRequest) error
	GetByID(ctx context.Context, id string) (*RebalanceRequest, error)
	Transition(ctx context.Context, id string, to RebalanceStatus) error
	SaveSnapshot(ctx context.Context, id string, snapshot PortfolioSnapshot) error
	Complete(ctx context.Context, id string, plan *RebalancePlan) error
	Fail(ctx context.Context, id string, category, message string) error
	UpdateWorkflowStep(ctx context.Context, id, step string, state WorkflowStep) error
	ListStale(ctx context.Context, status RebalanceStatus, updatedBefore time.Time) ([]RebalanceRequest, error)
}

// AnalysisRepository persists AnalysisRecords.
// GetByID returns (nil, nil) when the record does not exist.
type AnalysisRepository interface {
	Create(ctx context.Context, rec *AnalysisRecord) error
	GetByID(ctx context.Context, id string) (*AnalysisRecord, error)
	ListByRebalanceRequest(ctx context.Context, rebalanceRequestID string) ([]AnalysisRecord, error)
	UpdateStatus(ctx context.Context, id string, status AnalysisStatus) error
	CancelByRebalanceRequest(ctx context.Context, rebalanceRequestID string) (int64, error)
}

// TradeOrderRepository persists TradeOrders.
// CreateBatch skips orders whose (rebalance request, ticker) already exists
// and returns how many rows were inserted.
// ListPendingByUser returns the user's unsettled orders from other rebalances.
type TradeOrderRepository interface {
	CreateBatch(ctx context.Context, orders []TradeOrder) (int, error)
	ListByRebalanceRequest(ctx context.Context, rebalanceRequestID string) ([]TradeOrder, error)
	ListPendingByUser(ctx context.Context, userID, excludeRequestID string) ([]TradeOrder, error)
}
