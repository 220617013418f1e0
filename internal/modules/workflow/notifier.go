package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Phase names used in notifications
const (
	PhaseRebalance = "rebalance"
	PhaseAnalysis  = "analysis"
)

// Notification is the payload posted to the coordinator
type Notification struct {
	Phase              string   `json:"phase"`
	Agent              string   `json:"agent"`
	RebalanceRequestID string   `json:"rebalanceRequestId"`
	AnalysisID         string   `json:"analysisId,omitempty"`
	Success            bool     `json:"success"`
	Error              string   `json:"error,omitempty"`
	ErrorCategory      Category `json:"errorCategory,omitempty"`
}

// Failure builds a failed notification, classifying err
func Failure(phase, agent, rebalanceRequestID string, err error) Notification {
	n := Notification{
		Phase:              phase,
		Agent:              agent,
		RebalanceRequestID: rebalanceRequestID,
	}
	if err != nil {
		n.Error = err.Error()
		n.ErrorCategory = Classify(err)
	}
	return n
}

// Success builds a successful notification
func Success(phase, agent, rebalanceRequestID string) Notification {
	return Notification{
		Phase:              phase,
		Agent:              agent,
		RebalanceRequestID: rebalanceRequestID,
		Success:            true,
	}
}

// Config configures delivery
type Config struct {
	URL         string
	Token       string
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration // Per delivery attempt
}

// Notifier posts notifications asynchronously so callers never wait on the coordinator
type Notifier struct {
	client *http.Client
	cfg    Config
	log    zerolog.Logger
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier. An empty URL makes Notify a logged no-op.
func NewNotifier(cfg Config, log zerolog.Logger) *Notifier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log.With().Str("service", "workflow_notifier").Logger(),
	}
}

// Notify schedules delivery and returns immediately.
// Delivery outlives ctx cancellation so a finished request still reports.
func (n *Notifier) Notify(ctx context.Context, note Notification) {
	if n.cfg.URL == "" {
		n.log.Debug().
			Str("rebalance_request_id", note.RebalanceRequestID).
			Bool("success", note.Success).
			Msg("Coordinator URL not configured, skipping notification")
		return
	}

	body, err := json.Marshal(note)
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to marshal notification")
		return
	}

	deliveryCtx := context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(deliveryCtx, note, body)
	}()
}

// Wait blocks until in-flight deliveries finish
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, note Notification, body []byte) {
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		lastErr = n.post(ctx, body)
		if lastErr == nil {
			n.log.Debug().
				Str("rebalance_request_id", note.RebalanceRequestID).
				Str("phase", note.Phase).
				Int("attempt", attempt).
				Msg("Notification delivered")
			return
		}

		n.log.Warn().
			Err(lastErr).
			Str("rebalance_request_id", note.RebalanceRequestID).
			Int("attempt", attempt).
			Int("max_attempts", n.cfg.MaxAttempts).
			Msg("Notification delivery failed")

		if attempt < n.cfg.MaxAttempts && n.cfg.RetryDelay > 0 {
			select {
			case <-time.After(n.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
		}
	}

	n.log.Error().
		Err(lastErr).
		Str("rebalance_request_id", note.RebalanceRequestID).
		Str("phase", note.Phase).
		Msg("Giving up on notification")
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator returned status %d", resp.StatusCode)
	}
	return nil
}
