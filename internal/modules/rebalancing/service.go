// Package rebalancing turns risk assessments and broker state into a cash-safe
// set of persisted orders for one RebalanceRequest.
package rebalancing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/allocation"
	"github.com/quantdesk/rebalancer/internal/modules/cash"
	"github.com/quantdesk/rebalancer/internal/modules/coordination"
	"github.com/quantdesk/rebalancer/internal/modules/extraction"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/quantdesk/rebalancer/internal/work"
	"github.com/rs/zerolog"
)

// GeneratorFactory returns the text generator a run should use
type GeneratorFactory func(settings APISettings) domain.TextGenerator

// AccountGuard serializes runs per account and reports tickers with unsettled orders
type AccountGuard interface {
	AcquireAccount(ctx context.Context, userID string) (func(), error)
	BlockedTickers(ctx context.Context, req *domain.RebalanceRequest, state *domain.AccountState) (map[string]bool, error)
}

// OrderRecorder persists the orders of a plan
type OrderRecorder interface {
	RecordOrders(ctx context.Context, req *domain.RebalanceRequest, actions []domain.Action, totalValue float64) ([]domain.TradeOrder, int, error)
}

// PlanArchiver keeps a copy of completed plans
type PlanArchiver interface {
	Archive(ctx context.Context, req *domain.RebalanceRequest, plan *domain.RebalancePlan) error
}

// Service orchestrates one rebalance run
type Service struct {
	requests    domain.RebalanceRepository
	analyses    domain.AnalysisRepository
	broker      domain.BrokerClient
	coordinator *coordination.Coordinator
	guard       AccountGuard
	orders      OrderRecorder
	planner     *allocation.Planner
	synthesizer *Synthesizer
	generators  GeneratorFactory
	extraction  extraction.Config
	archiver    PlanArchiver // nil disables archiving
	log         zerolog.Logger
}

// NewService creates a new rebalancing service
func NewService(
	requests domain.RebalanceRepository,
	analyses domain.AnalysisRepository,
	broker domain.BrokerClient,
	coordinator *coordination.Coordinator,
	guard AccountGuard,
	orders OrderRecorder,
	planner *allocation.Planner,
	generators GeneratorFactory,
	extractionCfg extraction.Config,
	archiver PlanArchiver,
	log zerolog.Logger,
) *Service {
	return &Service{
		requests:    requests,
		analyses:    analyses,
		broker:      broker,
		coordinator: coordinator,
		guard:       guard,
		orders:      orders,
		planner:     planner,
		synthesizer: NewSynthesizer(log),
		generators:  generators,
		extraction:  extractionCfg,
		archiver:    archiver,
		log:         log.With().Str("service", "rebalancing").Logger(),
	}
}

// Prepare returns the stored request, creating it from the payload when it
// has never been seen
func (s *Service) Prepare(ctx context.Context, in *ExecuteRequest) (*domain.RebalanceRequest, error) {
	req, err := s.requests.GetByID(ctx, in.RebalanceRequestID)
	if err != nil {
		return nil, workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to load rebalance request: %w", err))
	}
	if req != nil {
		if req.UserID != in.UserID {
			return nil, fmt.Errorf("rebalance request %s belongs to another user", req.ID)
		}
		return req, nil
	}

	constraints := domain.DefaultConstraints()
	if in.Constraints != nil {
		constraints = in.Constraints.WithDefaults()
	}
	if in.TargetCashAllocation != nil {
		constraints.TargetCashAllocationPct = *in.TargetCashAllocation
	}
	req = &domain.RebalanceRequest{
		ID:                   in.RebalanceRequestID,
		UserID:               in.UserID,
		TargetCashAllocation: constraints.TargetCashAllocationPct,
		Constraints:          constraints,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, workflow.NewError(workflow.CategoryDatabase, err)
	}
	s.log.Info().
		Str("rebalance_request_id", req.ID).
		Str("user_id", req.UserID).
		Msg("Rebalance request created")
	return req, nil
}

// HandleTask runs the rebalance carried by a task.
//
// Cancelled requests end the task successfully. Timeouts are returned as is so
// the queue can retry while the request stays running. Any other failure marks
// the request as error before it is returned.
func (s *Service) HandleTask(ctx context.Context, task *work.Task) error {
	in, err := DecodeTask(task)
	if err == nil {
		err = in.Validate()
	}
	if err == nil {
		_, err = s.Execute(ctx, in)
	}

	switch {
	case err == nil, errors.Is(err, coordination.ErrStopped):
		return nil
	case ctx.Err() != nil, workflow.Retryable(err):
		return err
	}

	if failErr := s.coordinator.Fail(context.WithoutCancel(ctx), task.RebalanceRequestID, err); failErr != nil {
		s.log.Error().Err(failErr).Str("rebalance_request_id", task.RebalanceRequestID).Msg("Failed to record rebalance error")
	}
	return err
}

// Execute performs one rebalance run and returns the completed plan.
// A request that already completed returns its stored plan without new work.
func (s *Service) Execute(ctx context.Context, in *ExecuteRequest) (*domain.RebalancePlan, error) {
	id := in.RebalanceRequestID
	log := s.log.With().Str("rebalance_request_id", id).Logger()

	req, err := s.coordinator.Begin(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == domain.RebalanceStatusCompleted {
		log.Info().Msg("Rebalance already completed, returning stored plan")
		return req.Plan, nil
	}

	release, err := s.guard.AcquireAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	constraints := runConstraints(req, in)
	decisions, related, err := s.loadDecisions(ctx, id, in.RiskManagerDecisions)
	if err != nil {
		return nil, err
	}

	resumed, ok, err := s.coordinator.Resume(ctx, id, resumeTickers(req, in.Tickers, decisions))
	if err != nil {
		return nil, err
	}
	if ok {
		return s.completeResumed(ctx, req, resumed, related)
	}

	if err := s.coordinator.Checkpoint(ctx, id); err != nil {
		return nil, err
	}
	state, err := s.broker.GetAccountState(ctx, req.UserID)
	if err != nil {
		return nil, categorize(err, workflow.CategoryDataFetch)
	}
	snapshot := domain.NewPortfolioSnapshot(state)
	if snapshot.TotalValue <= 0 {
		return nil, workflow.Errorf(workflow.CategoryDataFetch, "portfolio data unavailable: total value is zero")
	}
	blocked, err := s.guard.BlockedTickers(ctx, req, state)
	if err != nil {
		return nil, err
	}
	// a resumed attempt reads its ticker set back from the snapshot
	snapshot.BlockedTickers = sortedTickers(blocked)
	if err := s.requests.SaveSnapshot(ctx, id, snapshot); err != nil {
		return nil, workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to save portfolio snapshot: %w", err))
	}
	s.coordinator.Step(ctx, id, "portfolio_loaded", fmt.Sprintf("%d positions, $%.2f total", len(snapshot.Positions), snapshot.TotalValue))

	if err := s.coordinator.Checkpoint(ctx, id); err != nil {
		return nil, err
	}

	tickers := requestedTickers(in.Tickers, decisions, state.Positions)
	targets := s.planner.Plan(allocation.Input{
		Tickers:        tickers,
		Decisions:      decisions,
		TargetCashPct:  constraints.TargetCashAllocationPct,
		RiskProfile:    constraints.RiskProfile,
		MinPositionPct: constraints.MinPositionSizePct,
	})
	s.coordinator.Step(ctx, id, "allocation_planned", fmt.Sprintf("%d tickers, %.1f%% cash", len(targets.Targets), targets.CashPct))

	gen := s.generators(in.APISettings)
	cfg := s.extraction
	if in.APISettings.MaxOutputUnits > 0 {
		cfg.BaseBudget = in.APISettings.MaxOutputUnits
	}
	extractor := extraction.NewExtractor(gen, cfg, s.log)

	pc := promptContext{
		snapshot:   snapshot,
		plan:       targets,
		decisions:  decisions,
		blocked:    snapshot.BlockedTickers,
		deployable: cash.DeployableCap(snapshot.Cash, snapshot.TotalValue, constraints.TargetCashAllocationPct),
		targetCash: constraints.TargetCashAllocationPct,
	}

	decisionText := "No positions or analyzed tickers to rebalance."
	var raw []extraction.Order
	if len(tickers) > 0 {
		if err := s.coordinator.Checkpoint(ctx, id); err != nil {
			return nil, err
		}
		decisionText, err = extractor.Generate(ctx, extraction.Request{
			Prompt:       pc.decisionPrompt(),
			SystemPrompt: decisionSystemPrompt,
			TotalValue:   snapshot.TotalValue,
			Tickers:      tickers,
		})
		if err != nil {
			return nil, err
		}
		s.coordinator.Step(ctx, id, "decision_generated", "")

		if err := s.coordinator.Checkpoint(ctx, id); err != nil {
			return nil, err
		}
		raw, err = s.extractOrders(ctx, extractor, decisionText, snapshot.TotalValue, tickers)
		if err != nil {
			return nil, err
		}
		s.coordinator.Step(ctx, id, "orders_extracted", fmt.Sprintf("%d orders", len(raw)))
	}

	targetPct := make(map[string]float64, len(targets.Targets))
	for _, t := range targets.Targets {
		targetPct[t.Ticker] = t.TargetPct
	}
	result := s.synthesizer.Synthesize(SynthesisInput{
		Tickers:       tickers,
		Positions:     state.PositionsByTicker(),
		Decisions:     decisions,
		Orders:        raw,
		TargetPct:     targetPct,
		Prices:        upperKeys(in.Prices),
		Blocked:       blocked,
		Constraints:   constraints,
		TotalValue:    snapshot.TotalValue,
		AvailableCash: snapshot.Cash,
	})

	// last checkpoint before orders are written
	if err := s.coordinator.Checkpoint(ctx, id); err != nil {
		return nil, err
	}
	orders, created, err := s.orders.RecordOrders(ctx, req, result.Actions, snapshot.TotalValue)
	if err != nil {
		return nil, err
	}
	s.coordinator.Step(ctx, id, "orders_recorded", fmt.Sprintf("%d orders created", created))

	insights := insightsPlaceholder
	if len(result.Actions) > 0 {
		text, err := extractor.Generate(ctx, extraction.Request{
			Prompt:       insightsPrompt(snapshot, result.Actions, result.ScaleFactor),
			SystemPrompt: insightsSystemPrompt,
		})
		if err != nil {
			log.Warn().Err(err).Str("category", string(workflow.Classify(err))).Msg("Reasoning generation failed, using placeholder")
		} else {
			insights = text
		}
	}

	currentPct := make(map[string]float64, len(state.Positions))
	for _, p := range state.Positions {
		currentPct[strings.ToUpper(p.Ticker)] = pct(p.Value(), snapshot.TotalValue)
	}
	plan := &domain.RebalancePlan{
		Portfolio:            snapshot,
		RecommendedPositions: targets.Recommended(currentPct),
		Actions:              result.Actions,
		Summary: domain.PlanSummary{
			DeployableCashCap: result.InitialCap,
			ScaleFactor:       result.ScaleFactor,
			TargetCashPct:     constraints.TargetCashAllocationPct,
			BlockedTickers:    result.BlockedTickers,
		},
		DecisionText:    decisionText,
		TradeOrders:     orders,
		RelatedAnalyses: related,
		AgentInsights:   insights,
		OrdersCreated:   created,
		CompletedAt:     time.Now().UTC(),
	}
	plan.Summarize()

	if err := s.coordinator.Complete(ctx, id, plan); err != nil {
		return nil, err
	}
	s.archive(ctx, req, plan)
	return plan, nil
}

// extractOrders reads orders from the decision text itself and falls back to a
// dedicated extraction call when the text has no complete payload
func (s *Service) extractOrders(ctx context.Context, ex *extraction.Extractor, decisionText string, totalValue float64, tickers []string) ([]extraction.Order, error) {
	outcome := extraction.Parse(decisionText, totalValue)
	if outcome.Kind == extraction.KindOK && coversAll(outcome.Orders, tickers) {
		return outcome.Orders, nil
	}
	s.log.Debug().
		Str("outcome", outcome.Kind.String()).
		Str("reason", outcome.Reason).
		Msg("Decision text has no complete order list, running extraction")

	return ex.Run(ctx, extraction.Request{
		Prompt:       extractionPrompt(decisionText, totalValue),
		SystemPrompt: extractionSystemPrompt,
		TotalValue:   totalValue,
		Tickers:      tickers,
	})
}

// completeResumed finishes a run whose orders were written by an earlier attempt
func (s *Service) completeResumed(ctx context.Context, req *domain.RebalanceRequest, res *coordination.Resumption, related []string) (*domain.RebalancePlan, error) {
	plan := &domain.RebalancePlan{
		Actions:         res.Actions,
		DecisionText:    "Resumed from orders created by a previous attempt.",
		TradeOrders:     res.Orders,
		RelatedAnalyses: related,
		AgentInsights:   insightsPlaceholder,
		OrdersCreated:   len(res.Orders),
		CompletedAt:     time.Now().UTC(),
		Resumed:         true,
	}
	if req.PortfolioSnapshot != nil {
		plan.Portfolio = *req.PortfolioSnapshot
	}
	if plan.Portfolio.Positions == nil {
		plan.Portfolio.Positions = []domain.Position{}
	}
	plan.Summary.TargetCashPct = req.TargetCashAllocation
	plan.Summarize()

	if err := s.coordinator.Complete(ctx, req.ID, plan); err != nil {
		return nil, err
	}
	s.archive(ctx, req, plan)
	return plan, nil
}

// loadDecisions returns the risk decisions of the run and the ids of the
// analyses nested under the request. Completed analyses fill in tickers the
// payload did not assess.
func (s *Service) loadDecisions(ctx context.Context, id string, given []domain.RiskDecision) (map[string]domain.RiskDecision, []string, error) {
	decisions := make(map[string]domain.RiskDecision, len(given))
	for _, d := range given {
		d.Ticker = strings.ToUpper(strings.TrimSpace(d.Ticker))
		decisions[d.Ticker] = d
	}

	records, err := s.analyses.ListByRebalanceRequest(ctx, id)
	if err != nil {
		return nil, nil, workflow.NewError(workflow.CategoryDatabase, fmt.Errorf("failed to list analyses: %w", err))
	}
	related := make([]string, 0, len(records))
	for _, rec := range records {
		related = append(related, rec.ID)
		if rec.Status != domain.AnalysisStatusCompleted {
			continue
		}
		ticker := strings.ToUpper(rec.Ticker)
		if _, ok := decisions[ticker]; ok {
			continue
		}
		intent, err := domain.ParseRiskIntent(rec.Decision)
		if err != nil {
			continue
		}
		decisions[ticker] = domain.RiskDecision{
			Ticker:     ticker,
			Intent:     intent,
			Confidence: rec.Confidence,
			RiskScore:  rec.RiskScore,
		}
	}
	return decisions, related, nil
}

func (s *Service) archive(ctx context.Context, req *domain.RebalanceRequest, plan *domain.RebalancePlan) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.Archive(ctx, req, plan); err != nil {
		s.log.Warn().Err(err).Str("rebalance_request_id", req.ID).Msg("Failed to archive plan")
	}
}

// runConstraints merges payload overrides into the stored constraints
func runConstraints(req *domain.RebalanceRequest, in *ExecuteRequest) domain.RebalanceConstraints {
	c := req.Constraints
	if in.Constraints != nil {
		c = *in.Constraints
	}
	c = c.WithDefaults()
	c.TargetCashAllocationPct = req.TargetCashAllocation
	if in.TargetCashAllocation != nil {
		c.TargetCashAllocationPct = *in.TargetCashAllocation
	}
	return c
}

// requestedTickers orders the run's tickers: explicit ones first, then
// assessed ones, then held positions
func requestedTickers(explicit []string, decisions map[string]domain.RiskDecision, positions []domain.Position) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}

	for _, t := range explicit {
		add(t)
	}
	assessed := make([]string, 0, len(decisions))
	for t := range decisions {
		assessed = append(assessed, t)
	}
	sort.Strings(assessed)
	for _, t := range assessed {
		add(t)
	}
	for _, p := range positions {
		if p.Value() > 0 || p.Shares > 0 {
			add(p.Ticker)
		}
	}
	return out
}

// resumeTickers rebuilds the ticker set of the attempt that wrote the orders
// from its persisted snapshot. Tickers that attempt found blocked stay out.
func resumeTickers(req *domain.RebalanceRequest, explicit []string, decisions map[string]domain.RiskDecision) []string {
	snap := req.PortfolioSnapshot
	if snap == nil {
		return requestedTickers(explicit, decisions, nil)
	}
	blocked := make(map[string]bool, len(snap.BlockedTickers))
	for _, t := range snap.BlockedTickers {
		blocked[t] = true
	}
	var out []string
	for _, t := range requestedTickers(explicit, decisions, snap.Positions) {
		if !blocked[t] {
			out = append(out, t)
		}
	}
	return out
}

func coversAll(orders []extraction.Order, tickers []string) bool {
	have := make(map[string]bool, len(orders))
	for _, o := range orders {
		have[o.Ticker] = true
	}
	for _, t := range tickers {
		if !have[t] {
			return false
		}
	}
	return true
}

// categorize keeps a recognizable category and falls back otherwise
func categorize(err error, fallback workflow.Category) error {
	if category := workflow.Classify(err); category != workflow.CategoryOther {
		return workflow.NewError(category, err)
	}
	return workflow.NewError(fallback, err)
}

func sortedTickers(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func upperKeys(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out
}

func pct(value, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return value / total * 100
}
