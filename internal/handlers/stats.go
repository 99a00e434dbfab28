package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/repository"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	HealthCheck() error
}

// QueueDepth reports the number of background jobs per status
type QueueDepth interface {
	Depth(ctx context.Context) (map[string]int, error)
}

// StatsHandler handles statistics and observability endpoints
type StatsHandler struct {
	leadRepo    repository.LeadRepository
	attemptRepo repository.AttemptRepository
	eventRepo   repository.StatusEventRepository
	queue       QueueDepth
	db          HealthChecker
}

// NewStatsHandler creates a new StatsHandler. queue and db may be nil.
func NewStatsHandler(
	leadRepo repository.LeadRepository,
	attemptRepo repository.AttemptRepository,
	eventRepo repository.StatusEventRepository,
	queue QueueDepth,
	db HealthChecker,
) *StatsHandler {
	return &StatsHandler{
		leadRepo:    leadRepo,
		attemptRepo: attemptRepo,
		eventRepo:   eventRepo,
		queue:       queue,
		db:          db,
	}
}

// LeadCountsByStatus represents lead counts grouped by send status
type LeadCountsByStatus struct {
	New    int            `json:"new"`
	Sent   int            `json:"sent"`
	Failed int            `json:"failed"`
	Total  int            `json:"total"`
	Jobs   map[string]int `json:"jobs,omitempty"`
}

// LeadHistoryResponse represents the full send and status history of a lead
type LeadHistoryResponse struct {
	Lead     *models.Lead                `json:"lead"`
	Attempts []*models.LeadBrokerAttempt `json:"attempts"`
	Events   []*models.LeadStatusEvent   `json:"events"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Time     string `json:"time"`
}

// HandleLeadCountsByStatus handles GET /stats/leads/counts
func (h *StatsHandler) HandleLeadCountsByStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.leadRepo.GetLeadCountsByStatus(ctx)
	if err != nil {
		logger.LogError(ctx, "Failed to get lead counts", err)
		respondError(w, ctx, http.StatusInternalServerError, "internal server error")
		return
	}

	total := 0
	for _, count := range counts {
		total += count
	}

	response := LeadCountsByStatus{
		New:    counts[string(models.LeadStatusNew)],
		Sent:   counts[string(models.LeadStatusSent)],
		Failed: counts[string(models.LeadStatusFailed)],
		Total:  total,
	}

	if h.queue != nil {
		depth, err := h.queue.Depth(ctx)
		if err != nil {
			logger.Warn(ctx, "Failed to get queue depth", "error", err.Error())
		} else {
			response.Jobs = depth
		}
	}

	respondJSON(w, ctx, http.StatusOK, response)
}

// HandleLeadHistory handles GET /stats/leads/{id}/history
func (h *StatsHandler) HandleLeadHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	leadID, ok := pathID(r, "id")
	if !ok {
		respondError(w, ctx, http.StatusBadRequest, "invalid lead ID")
		return
	}
	ctx = logger.WithLeadID(ctx, leadID)

	lead, err := h.leadRepo.GetLeadByID(ctx, leadID)
	if err != nil {
		if models.IsNotFound(err) {
			respondError(w, ctx, http.StatusNotFound, "lead not found")
			return
		}
		logger.LogError(ctx, "Failed to get lead", err)
		respondError(w, ctx, http.StatusInternalServerError, "internal server error")
		return
	}

	attempts, err := h.attemptRepo.ListByLead(ctx, leadID)
	if err != nil {
		logger.LogError(ctx, "Failed to get send attempts", err)
		respondError(w, ctx, http.StatusInternalServerError, "internal server error")
		return
	}

	events, err := h.eventRepo.ListByLead(ctx, leadID)
	if err != nil {
		logger.LogError(ctx, "Failed to get status events", err)
		respondError(w, ctx, http.StatusInternalServerError, "internal server error")
		return
	}

	if attempts == nil {
		attempts = []*models.LeadBrokerAttempt{}
	}
	if events == nil {
		events = []*models.LeadStatusEvent{}
	}

	respondJSON(w, ctx, http.StatusOK, LeadHistoryResponse{Lead: lead, Attempts: attempts, Events: events})
}

// HandleHealth handles GET /health
func (h *StatsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{Status: "ok", Time: time.Now().UTC().Format(time.RFC3339)}

	if h.db != nil {
		if err := h.db.HealthCheck(); err != nil {
			logger.Warn(ctx, "Health check failed", "error", err.Error())
			resp.Status = "degraded"
			resp.Database = "unreachable"
			respondJSON(w, ctx, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "ok"
	}

	respondJSON(w, ctx, http.StatusOK, resp)
}
