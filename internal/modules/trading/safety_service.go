package trading

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/rs/zerolog"
)

// AccountLease is a best-effort mutual exclusion on one account.
// Acquire returns ok=false when another holder owns the lease.
type AccountLease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// SafetyService decides which tickers must not receive a new order.
// The check is read-then-act: an order placed between the read and the
// write is not seen. The account lease narrows that window across
// concurrent rebalances of one user but does not close it.
type SafetyService struct {
	orders   domain.TradeOrderRepository
	lease    AccountLease
	leaseTTL time.Duration
	log      zerolog.Logger
}

// NewSafetyService creates a new safety service. lease may be nil.
func NewSafetyService(orders domain.TradeOrderRepository, lease AccountLease, leaseTTL time.Duration, log zerolog.Logger) *SafetyService {
	return &SafetyService{
		orders:   orders,
		lease:    lease,
		leaseTTL: leaseTTL,
		log:      log.With().Str("service", "trade_safety").Logger(),
	}
}

// BlockedTickers returns the tickers with an unsettled order, either open at
// the broker or written pending by another rebalance of the same user.
// HARD fail-safe: when pending orders cannot be read the run fails rather
// than risk a duplicate order.
func (s *SafetyService) BlockedTickers(ctx context.Context, req *domain.RebalanceRequest, state *domain.AccountState) (map[string]bool, error) {
	blocked := make(map[string]bool)
	for _, o := range state.OpenOrders {
		if t := normalizeTicker(o.Ticker); t != "" {
			blocked[t] = true
		}
	}

	pending, err := s.orders.ListPendingByUser(ctx, req.UserID, req.ID)
	if err != nil {
		return nil, workflow.NewError(workflow.CategoryDatabase,
			fmt.Errorf("pending orders validation failed, blocking run for safety: %w", err))
	}
	for _, o := range pending {
		if t := normalizeTicker(o.Ticker); t != "" {
			blocked[t] = true
		}
	}

	if len(blocked) > 0 {
		s.log.Info().
			Str("rebalance_request_id", req.ID).
			Strs("tickers", sortedKeys(blocked)).
			Msg("Tickers blocked by unsettled orders")
	}
	return blocked, nil
}

// AcquireAccount takes the user's lease for the duration of a run. The
// returned release func is always non-nil. A lease held elsewhere surfaces
// as a timeout so the task queue retries the run later.
func (s *SafetyService) AcquireAccount(ctx context.Context, userID string) (func(), error) {
	if s.lease == nil {
		return func() {}, nil
	}

	key := "rebalance:account:" + userID
	token, ok, err := s.lease.Acquire(ctx, key, s.leaseTTL)
	if err != nil {
		// Lease store unavailable: fall back to the block set alone
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Account lease unavailable, continuing without it")
		return func() {}, nil
	}
	if !ok {
		return nil, workflow.Errorf(workflow.CategoryTimeout, "account %s has another rebalance in flight", userID)
	}

	return func() {
		// The run's context may already be done; release on a fresh one
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lease.Release(releaseCtx, key, token); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to release account lease")
		}
	}, nil
}

func normalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
