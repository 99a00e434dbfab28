package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/repository"
	"github.com/checkfox/go_broker/internal/services"
)

// ErrUnmappedStatus is returned for a raw status outside the vocabulary
var ErrUnmappedStatus = errors.New("unmapped broker status")

// Applier writes broker status changes onto leads, appending one status
// event per actual change. Re-applying the current status is a no-op.
type Applier struct {
	leads  repository.LeadRepository
	events repository.StatusEventRepository
	mapper *services.StatusMapper
}

// NewApplier creates an Applier
func NewApplier(leads repository.LeadRepository, events repository.StatusEventRepository, mapper *services.StatusMapper) *Applier {
	return &Applier{leads: leads, events: events, mapper: mapper}
}

// Apply maps raw and stores it on the lead when it differs from the current
// brokerStatus. It returns the mapped status and whether the lead changed.
func (a *Applier) Apply(ctx context.Context, lead *models.Lead, brokerCode, raw string, source models.StatusEventSource) (string, bool, error) {
	code := brokerCode
	if code == "" {
		code = lead.Broker
	}

	mapped, ok := a.mapper.Map(code, raw)
	if !ok {
		return "", false, fmt.Errorf("%w %q for broker %s", ErrUnmappedStatus, raw, models.NormalizeCode(code))
	}
	if mapped == lead.BrokerStatus {
		return mapped, false, nil
	}

	if err := a.leads.UpdateBrokerStatus(ctx, lead.ID, mapped); err != nil {
		return "", false, fmt.Errorf("failed to update broker status: %w", err)
	}

	event := &models.LeadStatusEvent{
		LeadID:     lead.ID,
		BrokerCode: models.NormalizeCode(code),
		FromStatus: lead.BrokerStatus,
		ToStatus:   mapped,
		RawStatus:  raw,
		Source:     source,
	}
	if err := a.events.CreateEvent(ctx, event); err != nil {
		return mapped, true, fmt.Errorf("failed to record status event: %w", err)
	}

	logger.LogStatusTransition(ctx, lead.ID, "broker_status", lead.BrokerStatus, mapped)
	lead.BrokerStatus = mapped
	return mapped, true, nil
}
