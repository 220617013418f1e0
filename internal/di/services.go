package di

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantdesk/rebalancer/internal/clients/broker"
	"github.com/quantdesk/rebalancer/internal/clients/lease"
	"github.com/quantdesk/rebalancer/internal/clients/llm"
	"github.com/quantdesk/rebalancer/internal/config"
	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/allocation"
	"github.com/quantdesk/rebalancer/internal/modules/coordination"
	"github.com/quantdesk/rebalancer/internal/modules/extraction"
	"github.com/quantdesk/rebalancer/internal/modules/rebalancing"
	"github.com/quantdesk/rebalancer/internal/modules/trading"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/quantdesk/rebalancer/internal/reliability"
	"github.com/quantdesk/rebalancer/internal/work"
	"github.com/rs/zerolog"
)

// InitializeServices creates clients, services and the work processor.
// Repositories must already be initialized.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.RebalanceRepo == nil {
		return fmt.Errorf("repositories must be initialized before services")
	}

	// Clients
	container.BrokerClient = broker.NewClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.Timeout, log)
	container.Notifier = workflow.NewNotifier(workflow.Config{
		URL:         cfg.Notifier.URL,
		Token:       cfg.Notifier.Token,
		MaxAttempts: cfg.Notifier.MaxAttempts,
		RetryDelay:  cfg.Notifier.RetryDelay,
	}, log)

	var accountLease trading.AccountLease
	if cfg.Redis.Enabled() {
		l, err := lease.New(lease.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			// Runs stay correct without the lease, only the race window widens
			log.Warn().Err(err).Msg("Account lease unavailable, continuing without it")
		} else {
			container.Lease = l
			accountLease = l
		}
	}

	if !cfg.LLM.Enabled() {
		log.Warn().Msg("LLM_API_KEY not set, runs must supply apiSettings.apiKey")
	}

	// Services
	container.Coordinator = coordination.NewCoordinator(
		container.RebalanceRepo,
		container.AnalysisRepo,
		container.TradeOrderRepo,
		container.Notifier,
		log,
	)
	container.SafetyService = trading.NewSafetyService(container.TradeOrderRepo, accountLease, cfg.Redis.LeaseTTL, log)
	container.TradingService = trading.NewTradingService(container.TradeOrderRepo, log)

	bounds, err := allocation.LoadBounds(cfg.AllocationProfileFile)
	if err != nil {
		return fmt.Errorf("failed to load allocation bounds: %w", err)
	}
	container.Planner = allocation.NewPlanner(bounds, log)

	var archiver rebalancing.PlanArchiver
	planArchiver, err := reliability.NewPlanArchiver(ctx, reliability.ArchiveConfig{
		Bucket:          cfg.Archive.Bucket,
		Endpoint:        cfg.Archive.Endpoint,
		Region:          cfg.Archive.Region,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
		Prefix:          cfg.Archive.Prefix,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize plan archiver: %w", err)
	}
	if planArchiver != nil {
		container.PlanArchiver = planArchiver
		archiver = planArchiver
	}

	container.RebalancingService = rebalancing.NewService(
		container.RebalanceRepo,
		container.AnalysisRepo,
		container.BrokerClient,
		container.Coordinator,
		container.SafetyService,
		container.TradingService,
		container.Planner,
		NewGeneratorFactory(cfg.LLM, log),
		extraction.DefaultConfig(),
		archiver,
		log,
	)

	// Work processor
	workCfg := work.DefaultConfig()
	workCfg.Timeout = cfg.Work.Timeout
	workCfg.MaxAttempts = cfg.Work.MaxAttempts
	container.WorkProcessor = work.NewProcessor(container.TaskRepo, workCfg, log)
	container.WorkProcessor.Register(work.KindRebalance, container.RebalancingService.HandleTask)

	coordinator := container.Coordinator
	container.WorkProcessor.OnExhausted(func(ctx context.Context, task *work.Task, cause error) {
		if err := coordinator.Fail(ctx, task.RebalanceRequestID, cause); err != nil {
			log.Error().Err(err).Str("rebalance_request_id", task.RebalanceRequestID).Msg("Failed to mark exhausted rebalance as failed")
		}
	})

	log.Info().
		Bool("lease", container.Lease != nil).
		Bool("archive", container.PlanArchiver != nil).
		Dur("work_timeout", workCfg.Timeout).
		Msg("Services initialized")
	return nil
}

// NewGeneratorFactory returns a factory that builds the text generator for
// one run. Per-run API settings override the configured provider.
func NewGeneratorFactory(defaults config.LLMConfig, log zerolog.Logger) rebalancing.GeneratorFactory {
	return func(settings rebalancing.APISettings) domain.TextGenerator {
		return llm.NewClient(generatorConfig(defaults, settings), log)
	}
}

func generatorConfig(defaults config.LLMConfig, settings rebalancing.APISettings) llm.Config {
	cfg := llm.Config{
		BaseURL: defaults.Endpoint,
		APIKey:  defaults.APIKey,
		Model:   defaults.Model,
	}
	if settings.APIKey != "" {
		cfg.APIKey = settings.APIKey
		// A caller's own key targets its own provider
		switch {
		case settings.BaseURL != "":
			cfg.BaseURL = settings.BaseURL
		case strings.EqualFold(settings.Provider, "openai"):
			cfg.BaseURL = ""
		}
	} else if settings.BaseURL != "" {
		cfg.BaseURL = settings.BaseURL
	}
	if settings.Model != "" {
		cfg.Model = settings.Model
	}
	return cfg
}
