package testing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
)

// MockRebalanceRepository is an in-memory RebalanceRepository
type MockRebalanceRepository struct {
	mu       sync.RWMutex
	requests map[string]*domain.RebalanceRequest
	err      error

	// OnGet runs before every GetByID; tests use it to change state between checkpoints
	OnGet func(id string)
	// Gets counts GetByID calls
	Gets int
}

// NewMockRebalanceRepository creates an empty repository
func NewMockRebalanceRepository() *MockRebalanceRepository {
	return &MockRebalanceRepository{requests: make(map[string]*domain.RebalanceRequest)}
}

// SetError makes every call fail with err
func (m *MockRebalanceRepository) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetStatus overwrites a request's status without transition checks
func (m *MockRebalanceRepository) SetStatus(id string, status domain.RebalanceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok {
		req.Status = status
	}
}

// Delete removes a request
func (m *MockRebalanceRepository) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, id)
}

// Create stores a copy of req
func (m *MockRebalanceRepository) Create(ctx context.Context, req *domain.RebalanceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("rebalance request %s already exists", req.ID)
	}
	cp := *req
	if cp.Status == "" {
		cp.Status = domain.RebalanceStatusPending
	}
	if cp.WorkflowSteps == nil {
		cp.WorkflowSteps = make(map[string]domain.WorkflowStep)
	}
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.requests[req.ID] = &cp
	return nil
}

// GetByID returns a copy of the request, or nil when missing
func (m *MockRebalanceRepository) GetByID(ctx context.Context, id string) (*domain.RebalanceRequest, error) {
	if m.OnGet != nil {
		m.OnGet(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gets++
	if m.err != nil {
		return nil, m.err
	}
	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *req
	cp.WorkflowSteps = make(map[string]domain.WorkflowStep, len(req.WorkflowSteps))
	for k, v := range req.WorkflowSteps {
		cp.WorkflowSteps[k] = v
	}
	return &cp, nil
}

// Transition changes the status when the state machine allows it
func (m *MockRebalanceRepository) Transition(ctx context.Context, id string, to domain.RebalanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	req, ok := m.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !req.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, req.Status, to)
	}
	now := time.Now()
	if to == domain.RebalanceStatusRunning && req.StartedAt == nil {
		req.StartedAt = &now
	}
	req.Status = to
	req.UpdatedAt = now
	return nil
}

// SaveSnapshot stores the portfolio snapshot
func (m *MockRebalanceRepository) SaveSnapshot(ctx context.Context, id string, snapshot domain.PortfolioSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	req, ok := m.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	req.PortfolioSnapshot = &snapshot
	return nil
}

// Complete stores the plan and marks the request completed
func (m *MockRebalanceRepository) Complete(ctx context.Context, id string, plan *domain.RebalancePlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	req, ok := m.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !req.Status.CanTransitionTo(domain.RebalanceStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, req.Status, domain.RebalanceStatusCompleted)
	}
	now := time.Now()
	req.Status = domain.RebalanceStatusCompleted
	req.Plan = plan
	req.CompletedAt = &now
	req.UpdatedAt = now
	return nil
}

// Fail marks the request as error
func (m *MockRebalanceRepository) Fail(ctx context.Context, id string, category, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	req, ok := m.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	req.Status = domain.RebalanceStatusError
	req.ErrorCategory = category
	req.ErrorMessage = message
	req.CompletedAt = &now
	req.UpdatedAt = now
	return nil
}

// UpdateWorkflowStep records one named step
func (m *MockRebalanceRepository) UpdateWorkflowStep(ctx context.Context, id, step string, state domain.WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	req, ok := m.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	if req.WorkflowSteps == nil {
		req.WorkflowSteps = make(map[string]domain.WorkflowStep)
	}
	state.UpdatedAt = time.Now()
	req.WorkflowSteps[step] = state
	return nil
}

// ListStale returns requests in status last updated before the cutoff
func (m *MockRebalanceRepository) ListStale(ctx context.Context, status domain.RebalanceStatus, updatedBefore time.Time) ([]domain.RebalanceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.RebalanceRequest
	for _, req := range m.requests {
		if req.Status == status && req.UpdatedAt.Before(updatedBefore) {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MockAnalysisRepository is an in-memory AnalysisRepository
type MockAnalysisRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.AnalysisRecord
	err     error
}

// NewMockAnalysisRepository creates an empty repository
func NewMockAnalysisRepository() *MockAnalysisRepository {
	return &MockAnalysisRepository{records: make(map[string]*domain.AnalysisRecord)}
}

// SetError makes every call fail with err
func (m *MockAnalysisRepository) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Create stores a copy of rec
func (m *MockAnalysisRepository) Create(ctx context.Context, rec *domain.AnalysisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *rec
	if cp.Status == "" {
		cp.Status = domain.AnalysisStatusPending
	}
	m.records[rec.ID] = &cp
	return nil
}

// GetByID returns a copy of the record, or nil when missing
func (m *MockAnalysisRepository) GetByID(ctx context.Context, id string) (*domain.AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// ListByRebalanceRequest returns the nested analyses of a rebalance
func (m *MockAnalysisRepository) ListByRebalanceRequest(ctx context.Context, rebalanceRequestID string) ([]domain.AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.AnalysisRecord
	for _, rec := range m.records {
		if rec.RebalanceRequestID == rebalanceRequestID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

// UpdateStatus sets a record's status
func (m *MockAnalysisRepository) UpdateStatus(ctx context.Context, id string, status domain.AnalysisStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	rec, ok := m.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = status
	return nil
}

// CancelByRebalanceRequest cancels every non-terminal nested analysis
func (m *MockAnalysisRepository) CancelByRebalanceRequest(ctx context.Context, rebalanceRequestID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for _, rec := range m.records {
		if rec.RebalanceRequestID == rebalanceRequestID && !rec.Status.IsTerminal() {
			rec.Status = domain.AnalysisStatusCancelled
			n++
		}
	}
	return n, nil
}

// MockTradeOrderRepository is an in-memory TradeOrderRepository enforcing
// one order per ticker per rebalance
type MockTradeOrderRepository struct {
	mu     sync.RWMutex
	orders []domain.TradeOrder
	err    error
}

// NewMockTradeOrderRepository creates an empty repository
func NewMockTradeOrderRepository() *MockTradeOrderRepository {
	return &MockTradeOrderRepository{}
}

// SetError makes every call fail with err
func (m *MockTradeOrderRepository) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// All returns every stored order
func (m *MockTradeOrderRepository) All() []domain.TradeOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.TradeOrder(nil), m.orders...)
}

// CreateBatch inserts orders, skipping duplicates
func (m *MockTradeOrderRepository) CreateBatch(ctx context.Context, orders []domain.TradeOrder) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	inserted := 0
	for _, o := range orders {
		if m.exists(o.RebalanceRequestID, o.Ticker) {
			continue
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = time.Now()
		}
		m.orders = append(m.orders, o)
		inserted++
	}
	return inserted, nil
}

func (m *MockTradeOrderRepository) exists(requestID, ticker string) bool {
	for _, o := range m.orders {
		if o.RebalanceRequestID == requestID && o.Ticker == ticker {
			return true
		}
	}
	return false
}

// ListByRebalanceRequest returns the orders of one rebalance
func (m *MockTradeOrderRepository) ListByRebalanceRequest(ctx context.Context, rebalanceRequestID string) ([]domain.TradeOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.TradeOrder
	for _, o := range m.orders {
		if o.RebalanceRequestID == rebalanceRequestID {
			out = append(out, o)
		}
	}
	return out, nil
}

// ListPendingByUser returns the user's pending orders from other rebalances
func (m *MockTradeOrderRepository) ListPendingByUser(ctx context.Context, userID, excludeRequestID string) ([]domain.TradeOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.TradeOrder
	for _, o := range m.orders {
		if o.UserID == userID && o.RebalanceRequestID != excludeRequestID && o.Status == domain.TradeOrderStatusPending {
			out = append(out, o)
		}
	}
	return out, nil
}

// MockBrokerClient returns a fixed account state
type MockBrokerClient struct {
	mu    sync.Mutex
	state *domain.AccountState
	err   error
	Calls int
}

// NewMockBrokerClient creates a broker returning state
func NewMockBrokerClient(state *domain.AccountState) *MockBrokerClient {
	return &MockBrokerClient{state: state}
}

// SetError makes GetAccountState fail
func (m *MockBrokerClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetAccountState returns the configured state
func (m *MockBrokerClient) GetAccountState(ctx context.Context, userID string) (*domain.AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.err != nil {
		return nil, m.err
	}
	cp := *m.state
	return &cp, nil
}

// GenerateCall records one call to MockTextGenerator
type GenerateCall struct {
	Prompt       string
	SystemPrompt string
	Budget       int
}

// MockTextGenerator answers each call with a responder function
type MockTextGenerator struct {
	mu        sync.Mutex
	responder func(call GenerateCall, n int) (string, error)
	Calls     []GenerateCall
}

// NewMockTextGenerator creates a generator. responder receives the call and its 1-based index.
func NewMockTextGenerator(responder func(call GenerateCall, n int) (string, error)) *MockTextGenerator {
	return &MockTextGenerator{responder: responder}
}

// Generate records the call and delegates to the responder
func (m *MockTextGenerator) Generate(ctx context.Context, prompt, systemPrompt string, maxOutputUnits int) (string, error) {
	m.mu.Lock()
	call := GenerateCall{Prompt: prompt, SystemPrompt: systemPrompt, Budget: maxOutputUnits}
	m.Calls = append(m.Calls, call)
	n := len(m.Calls)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.responder(call, n)
}

// CallCount returns how many times Generate was called
func (m *MockTextGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// RecordingNotifier captures notifications synchronously
type RecordingNotifier struct {
	mu    sync.Mutex
	notes []workflow.Notification
}

// Notify records n
func (r *RecordingNotifier) Notify(ctx context.Context, n workflow.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

// Notifications returns everything recorded so far
func (r *RecordingNotifier) Notifications() []workflow.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]workflow.Notification(nil), r.notes...)
}
