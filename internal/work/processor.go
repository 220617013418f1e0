package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/rs/zerolog"
)

// ErrInFlight is returned when a task is already being executed
var ErrInFlight = errors.New("task already running")

// Handler executes one attempt of a task
type Handler func(ctx context.Context, task *Task) error

// ExhaustedFunc is called once a task has used every attempt on timeouts
type ExhaustedFunc func(ctx context.Context, task *Task, cause error)

// Config controls the processor loop
type Config struct {
	Timeout      time.Duration // Watchdog window per attempt
	PollInterval time.Duration // How often the loop looks for due tasks
	RetryBackoff time.Duration // Delay before attempt n+1 is n x RetryBackoff
	MaxAttempts  int           // Attempts per new task
}

// DefaultConfig returns the production processor settings
func DefaultConfig() Config {
	return Config{
		Timeout:      WorkTimeout,
		PollInterval: 10 * time.Second,
		RetryBackoff: 30 * time.Second,
		MaxAttempts:  MaxAttempts,
	}
}

// Processor is the main task processor. It executes one task at a time.
type Processor struct {
	repo      *Repository
	handlers  map[string]Handler
	cfg       Config
	exhausted ExhaustedFunc
	log       zerolog.Logger

	trigger chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	runMu   sync.Mutex // Serializes attempts
}

// NewProcessor creates a new task processor
func NewProcessor(repo *Repository, cfg Config, log zerolog.Logger) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = WorkTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Processor{
		repo:     repo,
		handlers: make(map[string]Handler),
		cfg:      cfg,
		log:      log.With().Str("component", "work_processor").Logger(),
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Register binds a handler to a task kind
func (p *Processor) Register(kind string, h Handler) {
	p.handlers[kind] = h
}

// OnExhausted sets the hook called when a task runs out of attempts
func (p *Processor) OnExhausted(fn ExhaustedFunc) {
	p.exhausted = fn
}

// Timeout returns the watchdog window
func (p *Processor) Timeout() time.Duration {
	return p.cfg.Timeout
}

// Run starts the processor loop. This blocks until Stop() is called.
func (p *Processor) Run() {
	defer close(p.stopped)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.RunDue(context.Background())
		case <-ticker.C:
			p.RunDue(context.Background())
		}
	}
}

// Stop stops the processor and waits for the current attempt to finish
func (p *Processor) Stop() {
	close(p.stop)
	<-p.stopped
}

// Trigger wakes up the processor to check for work.
// This is non-blocking and can be called from any goroutine.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
		// Trigger already pending
	}
}

// Submit persists a task for the loop to pick up
func (p *Processor) Submit(ctx context.Context, kind, rebalanceRequestID string, payload []byte) (*Task, error) {
	task, err := p.repo.Enqueue(ctx, p.newTask(kind, rebalanceRequestID, payload))
	if err != nil {
		return nil, err
	}
	p.Trigger()
	return task, nil
}

func (p *Processor) newTask(kind, rebalanceRequestID string, payload []byte) *Task {
	return &Task{Kind: kind, RebalanceRequestID: rebalanceRequestID, Payload: payload, MaxAttempts: p.cfg.MaxAttempts}
}

// ExecuteNow persists the task and runs its next attempt synchronously.
// Finished tasks are returned untouched. A timed-out attempt leaves the task
// queued for the loop. The returned error is the attempt's error.
func (p *Processor) ExecuteNow(ctx context.Context, kind, rebalanceRequestID string, payload []byte) (*Task, error) {
	task, err := p.repo.Enqueue(ctx, p.newTask(kind, rebalanceRequestID, payload))
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case TaskDone, TaskFailed:
		return task, nil
	case TaskRunning:
		return task, ErrInFlight
	}

	claimed, ok, err := p.repo.Claim(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return task, ErrInFlight
	}

	// The attempt must not die with the caller's connection
	runErr := p.attempt(context.WithoutCancel(ctx), claimed)

	latest, err := p.repo.GetByID(ctx, claimed.ID)
	if err != nil || latest == nil {
		return claimed, runErr
	}
	return latest, runErr
}

// RunDue executes due tasks one after another until none is left and
// returns how many attempts ran
func (p *Processor) RunDue(ctx context.Context) int {
	ran := 0
	for {
		id, err := p.repo.NextDue(ctx, time.Now())
		if err != nil {
			p.log.Error().Err(err).Msg("Failed to look for due tasks")
			return ran
		}
		if id == "" {
			return ran
		}

		task, ok, err := p.repo.Claim(ctx, id)
		if err != nil {
			p.log.Error().Err(err).Str("task_id", id).Msg("Failed to claim task")
			return ran
		}
		if !ok {
			continue
		}
		_ = p.attempt(ctx, task)
		ran++
	}
}

// RecoverStale handles tasks left running by a process that died. They are
// requeued while attempts remain and failed otherwise.
func (p *Processor) RecoverStale(ctx context.Context) (int, error) {
	stale, err := p.repo.ListStaleRunning(ctx, time.Now().Add(-p.cfg.Timeout))
	if err != nil {
		return 0, err
	}

	for i := range stale {
		task := &stale[i]
		cause := workflow.Errorf(workflow.CategoryTimeout,
			"watchdog: attempt %d of %d abandoned after %s", task.Attempts, task.MaxAttempts, p.cfg.Timeout)
		p.afterTimeout(ctx, task, cause)
	}
	if len(stale) > 0 {
		p.log.Warn().Int("tasks", len(stale)).Msg("Recovered stale tasks")
		p.Trigger()
	}
	return len(stale), nil
}

// attempt runs the handler under the watchdog and records the outcome
func (p *Processor) attempt(parent context.Context, task *Task) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	log := p.log.With().
		Str("task_id", task.ID).
		Str("rebalance_request_id", task.RebalanceRequestID).
		Int("attempt", task.Attempts).
		Logger()

	handler, ok := p.handlers[task.Kind]
	if !ok {
		err := fmt.Errorf("no handler registered for task kind %s", task.Kind)
		p.markFailed(parent, task, err)
		return err
	}

	ctx, cancel := context.WithTimeout(parent, p.cfg.Timeout)
	defer cancel()

	started := time.Now()
	err := p.safeCall(ctx, handler, task)
	if err == nil {
		if markErr := p.repo.MarkDone(parent, task.ID); markErr != nil {
			log.Error().Err(markErr).Msg("Failed to mark task done")
		}
		log.Info().Dur("duration", time.Since(started)).Msg("Task completed")
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) || workflow.Retryable(err) {
		cause := workflow.NewError(workflow.CategoryTimeout,
			fmt.Errorf("watchdog: attempt %d of %d did not finish within %s: %w", task.Attempts, task.MaxAttempts, p.cfg.Timeout, err))
		log.Warn().Err(err).Msg("Task attempt timed out")
		p.afterTimeout(parent, task, cause)
		return cause
	}

	log.Error().Err(err).Str("category", string(workflow.Classify(err))).Msg("Task failed")
	p.markFailed(parent, task, err)
	return err
}

func (p *Processor) afterTimeout(ctx context.Context, task *Task, cause error) {
	category := string(workflow.CategoryTimeout)
	if task.CanRetry() {
		next := time.Now().Add(time.Duration(task.Attempts) * p.cfg.RetryBackoff)
		if err := p.repo.Requeue(ctx, task.ID, next, cause.Error(), category); err != nil {
			p.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to requeue task")
		}
		return
	}

	if err := p.repo.MarkFailed(ctx, task.ID, cause.Error(), category); err != nil {
		p.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to mark task failed")
	}
	p.log.Error().
		Str("task_id", task.ID).
		Str("rebalance_request_id", task.RebalanceRequestID).
		Int("attempts", task.Attempts).
		Msg("Task attempts exhausted")
	if p.exhausted != nil {
		p.exhausted(ctx, task, cause)
	}
}

func (p *Processor) markFailed(ctx context.Context, task *Task, err error) {
	if markErr := p.repo.MarkFailed(ctx, task.ID, err.Error(), string(workflow.Classify(err))); markErr != nil {
		p.log.Error().Err(markErr).Str("task_id", task.ID).Msg("Failed to mark task failed")
	}
}

func (p *Processor) safeCall(ctx context.Context, h Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h(ctx, task)
}
