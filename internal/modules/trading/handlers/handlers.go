// Package handlers provides HTTP handlers for trade order inspection.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/rs/zerolog"
)

// PendingLister lists orders still waiting to be placed at the broker
type PendingLister interface {
	ListPending(ctx context.Context, userID string) ([]domain.TradeOrder, error)
}

// TradingHandlers contains HTTP handlers for trading API
type TradingHandlers struct {
	log     zerolog.Logger
	pending PendingLister
}

// NewTradingHandlers creates a new trading handlers instance
func NewTradingHandlers(pending PendingLister, log zerolog.Logger) *TradingHandlers {
	return &TradingHandlers{
		pending: pending,
		log:     log.With().Str("handler", "trading").Logger(),
	}
}

// HandleGetPendingOrders handles GET /api/users/{userId}/orders/pending
//
// The downstream placement worker polls this to pick up new orders. The
// same set blocks tickers from being traded again by a later rebalance.
func (h *TradingHandlers) HandleGetPendingOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	orders, err := h.pending.ListPending(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list pending orders")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "Failed to list pending orders",
		})
		return
	}

	var total float64
	for _, o := range orders {
		total += o.DollarAmount
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"data":        orders,
		"count":       len(orders),
		"totalAmount": total,
	})
}

// writeJSON writes a JSON response
func (h *TradingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
