package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/checkfox/go_broker/internal/dispatch"
	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/queue"
	"github.com/checkfox/go_broker/internal/services"
)

// BatchScheduler runs interval-spaced sends; *dispatch.Scheduler implements it
type BatchScheduler interface {
	BulkSend(ctx context.Context, leadIDs []int64, brokerCode string, intervalMinutes int) (*dispatch.BulkResult, error)
	Queue() dispatch.QueueSnapshot
	Cancel(leadID int64) error
	ClearQueue() int
	RemoveCompleted(leadID int64) error
}

// DispatchHandler exposes single dispatch and the batch send queue
type DispatchHandler struct {
	queue     queue.Queue
	scheduler BatchScheduler
	validator *services.Validator
}

// NewDispatchHandler creates a new DispatchHandler
func NewDispatchHandler(q queue.Queue, scheduler BatchScheduler, validator *services.Validator) *DispatchHandler {
	return &DispatchHandler{queue: q, scheduler: scheduler, validator: validator}
}

// BulkSendRequest is the body of POST /api/dispatch/bulk
type BulkSendRequest struct {
	LeadIDs         []int64 `json:"leadIds" validate:"required,min=1,max=1000,dive,gt=0"`
	Broker          string  `json:"broker" validate:"omitempty,max=64"`
	IntervalMinutes int     `json:"intervalMinutes" validate:"gte=0,lte=1440"`
}

// EnqueueResponse acknowledges a queued dispatch
type EnqueueResponse struct {
	LeadID int64  `json:"leadId"`
	Broker string `json:"broker,omitempty"`
	Status string `json:"status"`
}

// HandleEnqueue handles POST /api/leads/{id}/dispatch[?broker=]
func (h *DispatchHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	leadID, ok := pathID(r, "id")
	if !ok {
		respondError(w, ctx, http.StatusBadRequest, "invalid lead ID")
		return
	}
	ctx = logger.WithLeadID(ctx, leadID)
	broker := strings.TrimSpace(r.URL.Query().Get("broker"))

	if err := h.queue.Enqueue(ctx, queue.JobDispatchLead, queue.NewDispatchPayload(leadID, broker)); err != nil {
		logger.LogError(ctx, "Failed to enqueue dispatch job", err)
		if queue.IsUnavailableError(err) {
			respondError(w, ctx, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		respondError(w, ctx, http.StatusInternalServerError, "failed to enqueue dispatch job")
		return
	}

	logger.Info(ctx, "Enqueued dispatch job", "broker", broker)
	respondJSON(w, ctx, http.StatusAccepted, EnqueueResponse{LeadID: leadID, Broker: broker, Status: "queued"})
}

// HandleBulkSend handles POST /api/dispatch/bulk
func (h *DispatchHandler) HandleBulkSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BulkSendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, ctx, http.StatusBadRequest, "malformed JSON payload")
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		respondValidationError(w, ctx, err)
		return
	}

	result, err := h.scheduler.BulkSend(ctx, req.LeadIDs, strings.TrimSpace(req.Broker), req.IntervalMinutes)
	if err != nil {
		if errors.Is(err, dispatch.ErrSchedulerClosed) {
			respondError(w, ctx, http.StatusServiceUnavailable, "scheduler is shutting down")
			return
		}
		logger.LogError(ctx, "Bulk send failed", err)
		respondError(w, ctx, http.StatusInternalServerError, "bulk send failed")
		return
	}
	respondJSON(w, ctx, http.StatusOK, result)
}

// HandleQueue handles GET /api/dispatch/queue
func (h *DispatchHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r.Context(), http.StatusOK, h.scheduler.Queue())
}

// HandleCancel handles DELETE /api/dispatch/queue/{leadId}
func (h *DispatchHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	leadID, ok := pathID(r, "leadId")
	if !ok {
		respondError(w, ctx, http.StatusBadRequest, "invalid lead ID")
		return
	}

	if err := h.scheduler.Cancel(leadID); err != nil {
		if errors.Is(err, dispatch.ErrNotPending) {
			respondError(w, ctx, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, ctx, http.StatusInternalServerError, "cancel failed")
		return
	}
	respondJSON(w, ctx, http.StatusOK, map[string]interface{}{"leadId": leadID, "cancelled": true})
}

// HandleClearQueue handles DELETE /api/dispatch/queue
func (h *DispatchHandler) HandleClearQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cleared := h.scheduler.ClearQueue()
	logger.Info(ctx, "Dispatch queue cleared", "cleared", cleared)
	respondJSON(w, ctx, http.StatusOK, map[string]int{"cleared": cleared})
}

// HandleRemoveCompleted handles DELETE /api/dispatch/completed/{leadId}
func (h *DispatchHandler) HandleRemoveCompleted(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	leadID, ok := pathID(r, "leadId")
	if !ok {
		respondError(w, ctx, http.StatusBadRequest, "invalid lead ID")
		return
	}

	if err := h.scheduler.RemoveCompleted(leadID); err != nil {
		if models.IsNotFound(err) {
			respondError(w, ctx, http.StatusNotFound, "no completed result for lead")
			return
		}
		respondError(w, ctx, http.StatusInternalServerError, "remove failed")
		return
	}
	respondJSON(w, ctx, http.StatusOK, map[string]interface{}{"leadId": leadID, "removed": true})
}

// respondValidationError answers 400 with the failing fields
func respondValidationError(w http.ResponseWriter, ctx context.Context, err error) {
	resp := errorResponse(ctx, "validation failed")
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	respondJSON(w, ctx, http.StatusBadRequest, resp)
}
