package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/repository"
	"github.com/checkfox/go_broker/internal/template"
)

// WebhookResult is the answer to a broker status push
type WebhookResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	LeadID     int64  `json:"leadId,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	Status     string `json:"brokerStatus,omitempty"`
	Changed    bool   `json:"changed"`
}

// WebhookReceiver applies single status updates pushed by brokers
type WebhookReceiver struct {
	leads   repository.LeadRepository
	applier *Applier
}

// NewWebhookReceiver creates a WebhookReceiver
func NewWebhookReceiver(leads repository.LeadRepository, applier *Applier) *WebhookReceiver {
	return &WebhookReceiver{leads: leads, applier: applier}
}

// Receive resolves the lead by external ID and applies the pushed status.
// Every failure is reported in the result; the caller is an outside system.
func (w *WebhookReceiver) Receive(ctx context.Context, payload map[string]interface{}, brokerHint string) WebhookResult {
	externalID := firstField(payload, externalIDFields)
	if externalID == "" {
		return WebhookResult{Error: "missing external id"}
	}
	raw := firstField(payload, statusFields)
	if raw == "" {
		return WebhookResult{ExternalID: externalID, Error: "missing status"}
	}

	broker := models.NormalizeCode(brokerHint)
	if broker == "" {
		for _, key := range []string{"broker", "brokerCode", "broker_code"} {
			if v := strings.TrimSpace(template.Lookup(payload, key)); v != "" {
				broker = models.NormalizeCode(v)
				break
			}
		}
	}

	lead, err := w.leads.FindByExternalID(ctx, externalID, broker)
	if err != nil {
		if models.IsNotFound(err) {
			return WebhookResult{ExternalID: externalID, Error: "lead not found"}
		}
		logger.LogError(ctx, "Webhook lead lookup failed", err, "external_id", externalID)
		return WebhookResult{ExternalID: externalID, Error: "lead lookup failed"}
	}

	ctx = logger.WithLeadID(ctx, lead.ID)
	mapped, changed, err := w.applier.Apply(ctx, lead, broker, raw, models.StatusSourceWebhook)
	if err != nil {
		msg := "failed to apply status"
		if errors.Is(err, ErrUnmappedStatus) {
			msg = "unmapped status: " + raw
		} else {
			logger.LogError(ctx, "Webhook status update failed", err)
		}
		return WebhookResult{LeadID: lead.ID, ExternalID: externalID, Error: msg}
	}

	logger.Info(ctx, "Webhook status received", "external_id", externalID, "status", mapped, "changed", changed)
	return WebhookResult{
		Success:    true,
		LeadID:     lead.ID,
		ExternalID: externalID,
		Status:     mapped,
		Changed:    changed,
	}
}
