package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/rs/zerolog"
)

// Config controls the generation retry loop
type Config struct {
	MaxAttempts     int // Attempts per call
	BaseBudget      int // Output units on the first attempt
	BudgetIncrement int // Added per further attempt
	AffordBuffer    int // Subtracted from the provider's affordable figure
	AffordCeiling   int // Upper bound for a reduced-budget retry
}

// DefaultConfig returns the production retry settings
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseBudget:      2000,
		BudgetIncrement: 1000,
		AffordBuffer:    100,
		AffordCeiling:   1500,
	}
}

// Request describes one generation call
type Request struct {
	Prompt       string
	SystemPrompt string
	TotalValue   float64  // Upper bound for extracted dollar amounts
	Tickers      []string // Every ticker the answer must cover
}

var affordPattern = regexp.MustCompile(`(?i)can only afford (\d+)`)

// Extractor drives the text generator with bounded retries
type Extractor struct {
	gen domain.TextGenerator
	cfg Config
	log zerolog.Logger
}

// NewExtractor creates an extractor over a text generator
func NewExtractor(gen domain.TextGenerator, cfg Config, log zerolog.Logger) *Extractor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Extractor{
		gen: gen,
		cfg: cfg,
		log: log.With().Str("component", "decision_extractor").Logger(),
	}
}

// Run requests a structured order payload and parses it.
// Truncated or malformed output is retried with a larger budget and a stronger
// completeness instruction; exhausting every attempt returns an ai_error.
func (e *Extractor) Run(ctx context.Context, req Request) ([]Order, error) {
	reason := "no attempts made"
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		prompt := req.Prompt + structuredInstruction(attempt, e.cfg.MaxAttempts, req.Tickers)
		text, err := e.generate(ctx, prompt, req.SystemPrompt, e.budgetFor(attempt))
		if err != nil {
			if fatal := e.fatal(ctx, err); fatal != nil {
				return nil, fatal
			}
			reason = err.Error()
			e.logAttempt(attempt, "generation_failed", reason)
			continue
		}

		outcome := Parse(text, req.TotalValue)
		switch outcome.Kind {
		case KindOK:
			if missing := missingTickers(outcome.Orders, req.Tickers); len(missing) > 0 {
				reason = "missing tickers: " + strings.Join(missing, ", ")
				e.logAttempt(attempt, "incomplete", reason)
				continue
			}
			return outcome.Orders, nil
		default:
			reason = outcome.Kind.String() + ": " + outcome.Reason
			e.logAttempt(attempt, outcome.Kind.String(), outcome.Reason)
		}
	}
	return nil, workflow.Errorf(workflow.CategoryAIError, "order extraction failed after %d attempts: %s", e.cfg.MaxAttempts, reason)
}

// Generate requests natural-language text that must mention every ticker
func (e *Extractor) Generate(ctx context.Context, req Request) (string, error) {
	reason := "no attempts made"
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		prompt := req.Prompt + proseInstruction(attempt, e.cfg.MaxAttempts, req.Tickers)
		text, err := e.generate(ctx, prompt, req.SystemPrompt, e.budgetFor(attempt))
		if err != nil {
			if fatal := e.fatal(ctx, err); fatal != nil {
				return "", fatal
			}
			reason = err.Error()
			e.logAttempt(attempt, "generation_failed", reason)
			continue
		}

		if missing := unmentionedTickers(text, req.Tickers); len(missing) > 0 {
			reason = "decision omits tickers: " + strings.Join(missing, ", ")
			e.logAttempt(attempt, "incomplete", reason)
			continue
		}
		return text, nil
	}
	return "", workflow.Errorf(workflow.CategoryAIError, "decision generation failed after %d attempts: %s", e.cfg.MaxAttempts, reason)
}

func (e *Extractor) budgetFor(attempt int) int {
	return e.cfg.BaseBudget + (attempt-1)*e.cfg.BudgetIncrement
}

// fatal returns the error to surface immediately, or nil to keep retrying
func (e *Extractor) fatal(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return workflow.NewError(workflow.CategoryTimeout, fmt.Errorf("generation interrupted: %w", ctx.Err()))
	}
	switch category := workflow.Classify(err); category {
	case workflow.CategoryAPIKey, workflow.CategoryRateLimit:
		return workflow.NewError(category, err)
	}
	return nil
}

// generate makes one provider call. A rate-limit failure gets exactly one
// immediate retry with a reduced budget before it surfaces.
func (e *Extractor) generate(ctx context.Context, prompt, systemPrompt string, budget int) (string, error) {
	text, err := e.gen.Generate(ctx, prompt, systemPrompt, budget)
	if err != nil && workflow.Classify(err) == workflow.CategoryRateLimit {
		reduced, ok := e.reducedBudget(err, budget)
		if !ok {
			return "", err
		}
		e.log.Warn().
			Err(err).
			Int("budget", budget).
			Int("reduced_budget", reduced).
			Msg("Provider rate limited, retrying with reduced budget")
		text, err = e.gen.Generate(ctx, prompt, systemPrompt, reduced)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", workflow.Errorf(workflow.CategoryAIError, "empty response from provider")
	}
	return text, nil
}

func (e *Extractor) reducedBudget(err error, current int) (int, bool) {
	budget := current / 2
	if m := affordPattern.FindStringSubmatch(err.Error()); m != nil {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			budget = n - e.cfg.AffordBuffer
		}
	}
	if budget > e.cfg.AffordCeiling {
		budget = e.cfg.AffordCeiling
	}
	return budget, budget > 0
}

func (e *Extractor) logAttempt(attempt int, outcome, reason string) {
	e.log.Warn().
		Int("attempt", attempt).
		Int("max_attempts", e.cfg.MaxAttempts).
		Str("outcome", outcome).
		Str("reason", reason).
		Msg("Generation attempt rejected")
}

func missingTickers(orders []Order, tickers []string) []string {
	have := make(map[string]bool, len(orders))
	for _, o := range orders {
		have[o.Ticker] = true
	}
	var missing []string
	for _, t := range tickers {
		if !have[strings.ToUpper(t)] {
			missing = append(missing, t)
		}
	}
	return missing
}

func unmentionedTickers(text string, tickers []string) []string {
	upper := strings.ToUpper(text)
	var missing []string
	for _, t := range tickers {
		if !strings.Contains(upper, strings.ToUpper(t)) {
			missing = append(missing, t)
		}
	}
	return missing
}
