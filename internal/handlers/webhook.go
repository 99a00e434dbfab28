package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/reconcile"
)

// StatusReceiver applies a pushed broker status; *reconcile.WebhookReceiver implements it
type StatusReceiver interface {
	Receive(ctx context.Context, payload map[string]interface{}, brokerHint string) reconcile.WebhookResult
}

// WebhookHandler handles broker status pushes
type WebhookHandler struct {
	receiver StatusReceiver
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(receiver StatusReceiver) *WebhookHandler {
	return &WebhookHandler{receiver: receiver}
}

// HandleBrokerStatus handles POST /webhooks/broker-status[/{code}]
func (h *WebhookHandler) HandleBrokerStatus(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	brokerHint := mux.Vars(r)["code"]
	if brokerHint == "" {
		brokerHint = r.URL.Query().Get("broker")
	}
	if brokerHint != "" {
		ctx = logger.WithBroker(ctx, brokerHint)
	}

	logger.Info(ctx, "Received broker status webhook", "remote_addr", r.RemoteAddr)

	var payload map[string]interface{}
	if err := decodeJSON(r, &payload); err != nil {
		logger.LogError(ctx, "Malformed JSON payload", err)
		respondJSON(w, ctx, http.StatusBadRequest, reconcile.WebhookResult{Error: "malformed JSON payload"})
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	result := h.receiver.Receive(ctx, payload, brokerHint)
	logger.LogSlowOperation(ctx, "broker_status_webhook", time.Since(startTime))

	if !result.Success {
		logger.Warn(ctx, "Broker status webhook rejected", "error", result.Error)
		respondJSON(w, ctx, http.StatusUnprocessableEntity, result)
		return
	}
	respondJSON(w, ctx, http.StatusOK, result)
}
