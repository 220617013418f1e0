package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all rebalance routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/rebalance", func(r chi.Router) {
		r.Post("/execute", h.HandleExecute)
		r.Get("/{id}", h.HandleGetRequest)
		r.Get("/{id}/orders", h.HandleGetOrders)
		r.Post("/{id}/cancel", h.HandleCancel)
	})
	r.Post("/analyses/{id}/cancel", h.HandleCancelAnalysis)
}
