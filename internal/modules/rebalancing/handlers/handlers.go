// Package handlers provides HTTP handlers for rebalance execution and inspection.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/quantdesk/rebalancer/internal/modules/rebalancing"
	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/quantdesk/rebalancer/internal/work"
	"github.com/rs/zerolog"
)

// Executor runs a task attempt synchronously
type Executor interface {
	ExecuteNow(ctx context.Context, kind, rebalanceRequestID string, payload []byte) (*work.Task, error)
}

// Preparer makes sure the request behind a payload exists
type Preparer interface {
	Prepare(ctx context.Context, in *rebalancing.ExecuteRequest) (*domain.RebalanceRequest, error)
}

// Canceller cancels rebalances and analyses
type Canceller interface {
	CancelRequest(ctx context.Context, id string) (int64, error)
	CancelAnalysis(ctx context.Context, analysisID string) error
}

// OrderLister lists the orders of a rebalance
type OrderLister interface {
	ListOrders(ctx context.Context, rebalanceRequestID string) ([]domain.TradeOrder, error)
}

// Handler handles rebalance HTTP requests
type Handler struct {
	preparer  Preparer
	executor  Executor
	requests  domain.RebalanceRepository
	orders    OrderLister
	canceller Canceller
	log       zerolog.Logger
}

// NewHandler creates a new rebalance handler
func NewHandler(
	preparer Preparer,
	executor Executor,
	requests domain.RebalanceRepository,
	orders OrderLister,
	canceller Canceller,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		preparer:  preparer,
		executor:  executor,
		requests:  requests,
		orders:    orders,
		canceller: canceller,
		log:       log.With().Str("handler", "rebalancing").Logger(),
	}
}

// HandleExecute handles POST /api/rebalance/execute
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var in rebalancing.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.log.Error().Err(err).Msg("Failed to decode request body")
		h.writeError(w, http.StatusBadRequest, "Invalid request body", workflow.CategoryOther)
		return
	}
	if err := in.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), workflow.CategoryOther)
		return
	}

	ctx := r.Context()
	if _, err := h.preparer.Prepare(ctx, &in); err != nil {
		category := workflow.Classify(err)
		status := http.StatusBadRequest
		if category == workflow.CategoryDatabase {
			status = http.StatusInternalServerError
		}
		h.writeError(w, status, err.Error(), category)
		return
	}

	payload, err := in.EncodeTask()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), workflow.CategoryOther)
		return
	}

	task, runErr := h.executor.ExecuteNow(ctx, work.KindRebalance, in.RebalanceRequestID, payload)
	if task == nil {
		h.log.Error().Err(runErr).Str("rebalance_request_id", in.RebalanceRequestID).Msg("Failed to queue rebalance")
		h.writeError(w, http.StatusInternalServerError, errorMessage(runErr), workflow.Classify(runErr))
		return
	}

	req, err := h.requests.GetByID(ctx, in.RebalanceRequestID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), workflow.CategoryDatabase)
		return
	}

	status, resp := buildResponse(req, task, runErr)
	h.writeJSON(w, status, resp)
}

// buildResponse maps the stored request and the task state onto the execute response
func buildResponse(req *domain.RebalanceRequest, task *work.Task, runErr error) (int, rebalancing.Response) {
	var resp rebalancing.Response
	if task != nil {
		info := task.Info()
		resp.RetryInfo = &info
	}
	if req == nil {
		resp.Stopped = true
		return http.StatusOK, resp
	}

	resp.Status = req.Status
	switch req.Status {
	case domain.RebalanceStatusCompleted:
		resp.Success = true
		resp.Plan = req.Plan
		return http.StatusOK, resp
	case domain.RebalanceStatusCancelled:
		resp.Stopped = true
		return http.StatusOK, resp
	case domain.RebalanceStatusError:
		resp.Error = &rebalancing.ErrorBody{Message: req.ErrorMessage, Category: workflow.Category(req.ErrorCategory)}
		return http.StatusInternalServerError, resp
	}

	if errors.Is(runErr, work.ErrInFlight) {
		resp.Error = &rebalancing.ErrorBody{Message: "rebalance is already running", Category: workflow.CategoryOther}
		return http.StatusConflict, resp
	}
	if runErr != nil {
		resp.Error = &rebalancing.ErrorBody{Message: runErr.Error(), Category: workflow.Classify(runErr)}
		if resp.RetryInfo != nil && resp.RetryInfo.WillRetry {
			return http.StatusAccepted, resp
		}
		return http.StatusInternalServerError, resp
	}
	return http.StatusAccepted, resp
}

// HandleGetRequest handles GET /api/rebalance/{id}
func (h *Handler) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := h.requests.GetByID(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("rebalance_request_id", id).Msg("Failed to load rebalance request")
		h.writeError(w, http.StatusInternalServerError, "Failed to load rebalance request", workflow.CategoryDatabase)
		return
	}
	if req == nil {
		h.writeError(w, http.StatusNotFound, "Rebalance request not found", workflow.CategoryOther)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    req,
	})
}

// HandleGetOrders handles GET /api/rebalance/{id}/orders
func (h *Handler) HandleGetOrders(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	orders, err := h.orders.ListOrders(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("rebalance_request_id", id).Msg("Failed to list trade orders")
		h.writeError(w, http.StatusInternalServerError, "Failed to list trade orders", workflow.CategoryDatabase)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    orders,
		"count":   len(orders),
	})
}

// HandleCancel handles POST /api/rebalance/{id}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.canceller.CancelRequest(r.Context(), id)
	if err != nil {
		h.writeCancelError(w, err, "Rebalance request not found")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"analysesCancelled": n,
	})
}

// HandleCancelAnalysis handles POST /api/analyses/{id}/cancel
func (h *Handler) HandleCancelAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.canceller.CancelAnalysis(r.Context(), id); err != nil {
		h.writeCancelError(w, err, "Analysis not found")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) writeCancelError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, notFound, workflow.CategoryOther)
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error(), workflow.CategoryOther)
	default:
		h.log.Error().Err(err).Msg("Cancellation failed")
		h.writeError(w, http.StatusInternalServerError, err.Error(), workflow.Classify(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string, category workflow.Category) {
	h.writeJSON(w, status, rebalancing.Response{
		Error: &rebalancing.ErrorBody{Message: message, Category: category},
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
