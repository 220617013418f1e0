// Package di provides dependency injection type definitions.
package di

import (
	"github.com/quantdesk/rebalancer/internal/clients/lease"
	"github.com/quantdesk/rebalancer/internal/database"
	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/allocation"
	"github.com/quantdesk/rebalancer/internal/modules/analysis"
	"github.com/quantdesk/rebalancer/internal/modules/coordination"
	"github.com/quantdesk/rebalancer/internal/modules/rebalancing"
	"github.com/quantdesk/rebalancer/internal/modules/trading"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/quantdesk/rebalancer/internal/reliability"
	"github.com/quantdesk/rebalancer/internal/scheduler"
	"github.com/quantdesk/rebalancer/internal/work"
)

// Container holds all dependencies for the application.
//
// It is created by Wire() and is the single source of truth for service
// instances. Optional integrations (Redis lease, plan archive) are nil when
// not configured.
type Container struct {
	// Database
	DB *database.DB // rebalance requests, analyses, trade orders, tasks

	// Repositories
	RebalanceRepo  *rebalancing.Repository
	AnalysisRepo   *analysis.Repository
	TradeOrderRepo *trading.TradeOrderRepository
	TaskRepo       *work.Repository

	// Clients
	BrokerClient domain.BrokerClient
	Lease        *lease.Lease // nil without REDIS_ADDR
	Notifier     *workflow.Notifier

	// Services
	Coordinator        *coordination.Coordinator
	SafetyService      *trading.SafetyService
	TradingService     *trading.TradingService
	Planner            *allocation.Planner
	PlanArchiver       *reliability.PlanArchiver // nil without ARCHIVE_BUCKET
	RebalancingService *rebalancing.Service

	// Work
	WorkProcessor *work.Processor
}

// JobInstances holds scheduled job instances for manual triggering
type JobInstances struct {
	Scheduler           *scheduler.Scheduler
	SweepStaleRuns      scheduler.Job
	CheckWALCheckpoints scheduler.Job
}
