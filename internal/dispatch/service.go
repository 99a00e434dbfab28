// Package dispatch sends leads to brokers and records the outcome: one
// attempt row per send plus the lead fields the outcome mutates. Scheduler
// layers batched, interval-spaced sends with cancellation on top of Service.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/checkfox/go_broker/internal/adapter"
	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/repository"
	"github.com/checkfox/go_broker/internal/selector"
)

// ErrResultNotSaved marks a send that reached the broker but whose outcome
// could not be written back; callers must not resend automatically
var ErrResultNotSaved = errors.New("dispatch result not saved")

// Sends slower than this are logged as slow operations
const slowSendThreshold = 5 * time.Second

// BrokerSelector picks the broker for a lead
type BrokerSelector interface {
	Select(ctx context.Context, lead *models.Lead, explicitBroker string, box *models.Box) (*selector.Selection, error)
}

// AdapterSource resolves broker codes to adapters
type AdapterSource interface {
	GetOrDefault(code string) adapter.Adapter
}

// Outcome summarizes one dispatch. Skipped is set when nothing was sent.
type Outcome struct {
	LeadID       int64                 `json:"leadId"`
	Broker       string                `json:"broker,omitempty"`
	BrokerName   string                `json:"brokerName,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	Kind         models.AttemptOutcome `json:"outcome,omitempty"`
	AttemptNo    int                   `json:"attemptNo,omitempty"`
	ExternalID   string                `json:"externalId,omitempty"`
	ResponseCode *int                  `json:"responseCode,omitempty"`
	Status       models.LeadStatus     `json:"status,omitempty"`
	Skipped      bool                  `json:"skipped,omitempty"`
}

// Service performs single sends
type Service struct {
	leads    repository.LeadRepository
	attempts repository.AttemptRepository
	selector BrokerSelector
	adapters AdapterSource
	now      func() time.Time
}

// NewService creates a dispatch service
func NewService(
	leads repository.LeadRepository,
	attempts repository.AttemptRepository,
	sel BrokerSelector,
	adapters AdapterSource,
) *Service {
	return &Service{
		leads:    leads,
		attempts: attempts,
		selector: sel,
		adapters: adapters,
		now:      time.Now,
	}
}

// Dispatch loads a lead, selects a broker and sends it. A lead that was
// already sent or rejected is only resent when brokerCode names the broker
// explicitly. No eligible broker is a skip, not an error.
func (s *Service) Dispatch(ctx context.Context, leadID int64, brokerCode string) (*Outcome, error) {
	ctx = logger.WithLeadID(ctx, leadID)

	lead, err := s.leads.GetLeadByID(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lead: %w", err)
	}

	if brokerCode == "" && lead.Status.IsTerminal() {
		logger.Info(ctx, "Lead already dispatched, skipping", "status", string(lead.Status))
		return &Outcome{LeadID: leadID, Status: lead.Status, Skipped: true, Reason: "lead status is " + string(lead.Status)}, nil
	}

	sel, err := s.Select(ctx, lead, brokerCode)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		logger.Info(ctx, "No eligible broker, lead not sent", "country", lead.Country)
		return &Outcome{LeadID: leadID, Status: lead.Status, Skipped: true, Reason: "no eligible broker"}, nil
	}

	return s.SendTo(ctx, lead, sel)
}

// Select runs broker selection for a lead
func (s *Service) Select(ctx context.Context, lead *models.Lead, brokerCode string) (*selector.Selection, error) {
	sel, err := s.selector.Select(ctx, lead, brokerCode, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to select broker: %w", err)
	}
	return sel, nil
}

// SendTo sends a lead to the selected broker, appends the attempt row and
// saves the lead. Attempt insert and lead update are not transactional.
func (s *Service) SendTo(ctx context.Context, lead *models.Lead, sel *selector.Selection) (*Outcome, error) {
	code := models.NormalizeCode(sel.BrokerCode)
	ctx = logger.WithBroker(logger.WithLeadID(ctx, lead.ID), code)

	// count+1 is not serialized against concurrent sends of the same lead
	previous, err := s.attempts.CountByLead(ctx, lead.ID)
	if err != nil {
		logger.Warn(ctx, "Failed to count previous attempts", "error", err.Error())
		previous = 0
	}

	result := s.adapters.GetOrDefault(code).Send(ctx, lead)
	if result.Duration > slowSendThreshold {
		logger.LogSlowOperation(ctx, "broker_send", result.Duration)
	}

	attempt := models.NewLeadBrokerAttempt(lead.ID, code, previous+1)
	attempt.Outcome = result.Kind
	attempt.ResponseCode = result.Code
	attempt.ResponseBody = result.Raw
	attempt.DurationMs = result.Duration.Milliseconds()
	if err := s.attempts.CreateAttempt(ctx, attempt); err != nil {
		logger.LogError(ctx, "Failed to record broker attempt", err)
	}

	updated := applyResult(lead, code, result, s.now())
	if err := s.leads.SaveDispatchResult(ctx, updated); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResultNotSaved, err)
	}

	if lead.Status != updated.Status {
		logger.LogStatusTransition(ctx, lead.ID, "status", string(lead.Status), string(updated.Status))
	}
	logger.Info(ctx, "Lead dispatched",
		"outcome", result.Kind.String(),
		"attempt_no", attempt.AttemptNo,
		"duration_ms", attempt.DurationMs,
		"reason", sel.Reason,
	)

	return &Outcome{
		LeadID:       lead.ID,
		Broker:       code,
		BrokerName:   sel.BrokerName,
		Reason:       sel.Reason,
		Kind:         result.Kind,
		AttemptNo:    attempt.AttemptNo,
		ExternalID:   result.ExternalID,
		ResponseCode: result.Code,
		Status:       updated.Status,
	}, nil
}

// applyResult returns a copy of the lead with the fields the outcome mutates
func applyResult(lead *models.Lead, code string, result adapter.Result, now time.Time) *models.Lead {
	updated := lead.Clone()
	updated.Broker = code
	updated.BrokerResp = result.Raw
	if result.Password != "" {
		updated.Password = result.Password
	}

	switch result.Kind {
	case models.OutcomeAccepted:
		updated.Status = models.LeadStatusSent
		updated.BrokerStatus = models.BrokerStatusNew
		if result.ExternalID != "" {
			id := result.ExternalID
			updated.ExternalID = &id
		}
		if result.AutologinURL != "" {
			updated.AutologinURL = result.AutologinURL
		}
		sentAt := now
		updated.SentAt = &sentAt
	case models.OutcomeRejected:
		updated.Status = models.LeadStatusFailed
	default:
		// temp_error keeps the current status, so a NEW lead stays resendable
	}
	return updated
}
