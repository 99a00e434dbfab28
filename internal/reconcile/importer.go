package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/checkfox/go_broker/internal/client"
	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/repository"
	"github.com/checkfox/go_broker/internal/services"
)

// DefaultImportLookback is the import window when none is requested
const DefaultImportLookback = 7 * 24 * time.Hour

// Projection turns a broker customer into a new local lead
type Projection func(c Customer) *models.Lead

// ImportSummary reports one import run
type ImportSummary struct {
	Broker     string    `json:"broker"`
	Since      time.Time `json:"since"`
	Received   int       `json:"received"`
	Created    int       `json:"created"`
	Duplicates int       `json:"duplicates"`
	Invalid    int       `json:"invalid"`
	Errors     int       `json:"errors"`
}

// Importer creates leads from a broker's customer list, deduplicating on
// external ID
type Importer struct {
	leads      repository.LeadRepository
	doer       client.Doer
	mapper     *services.StatusMapper
	normalizer *services.Normalizer
	validator  *services.Validator
	now        func() time.Time

	mu          sync.RWMutex
	projections map[string]Projection
}

// NewImporter creates an Importer with the generic projection as default
func NewImporter(
	leads repository.LeadRepository,
	doer client.Doer,
	mapper *services.StatusMapper,
	normalizer *services.Normalizer,
	validator *services.Validator,
) *Importer {
	return &Importer{
		leads:       leads,
		doer:        doer,
		mapper:      mapper,
		normalizer:  normalizer,
		validator:   validator,
		now:         time.Now,
		projections: make(map[string]Projection),
	}
}

// RegisterProjection sets the customer projection of one broker
func (im *Importer) RegisterProjection(brokerCode string, p Projection) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.projections[models.NormalizeCode(brokerCode)] = p
}

func (im *Importer) projection(code string) Projection {
	im.mu.RLock()
	defer im.mu.RUnlock()
	if p, ok := im.projections[code]; ok {
		return p
	}
	return GenericProjection
}

// GenericProjection copies the contact fields; unknown fields land in Extra
func GenericProjection(c Customer) *models.Lead {
	id := c.ExternalID
	lead := &models.Lead{
		FirstName:  c.FirstName,
		LastName:   c.LastName,
		Email:      c.Email,
		Phone:      c.Phone,
		Country:    c.Country,
		ExternalID: &id,
	}
	if len(c.Fields) > 0 {
		lead.Extra = models.JSONB{"imported": c.Fields}
	}
	return lead
}

// Import pulls the broker's customers since the given time and creates a
// SENT lead for every external ID not yet known locally. A zero since uses
// DefaultImportLookback.
func (im *Importer) Import(ctx context.Context, tpl *models.BrokerTemplate, since time.Time) (*ImportSummary, error) {
	code := models.NormalizeCode(tpl.Code)
	ctx = logger.WithBroker(ctx, code)

	now := im.now().UTC()
	if since.IsZero() {
		since = now.Add(-DefaultImportLookback)
	}
	summary := &ImportSummary{Broker: code, Since: since}

	req, err := BuildPullRequest(tpl, since, now, nil)
	if err != nil {
		return nil, err
	}
	resp, err := im.doer.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch customers from %s: %w", code, err)
	}
	if !resp.IsSuccess() {
		return nil, models.NewDeliveryError(resp.StatusCode, "customer list answered with non-2xx status", true, nil)
	}

	customers, err := ParserFor(code).Parse([]byte(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse customers from %s: %w", code, err)
	}
	summary.Received = len(customers)

	ids := make([]string, 0, len(customers))
	for _, c := range customers {
		if c.ExternalID != "" {
			ids = append(ids, c.ExternalID)
		}
	}
	existing, err := im.leads.ExistingExternalIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing external ids: %w", err)
	}

	project := im.projection(code)
	for _, c := range customers {
		if c.ExternalID != "" && existing[c.ExternalID] {
			summary.Duplicates++
			continue
		}

		lead, err := im.buildLead(project, c, code, now)
		if err != nil {
			summary.Invalid++
			logger.Warn(ctx, "Skipping invalid customer record", "external_id", c.ExternalID, "error", err.Error())
			continue
		}

		if err := im.leads.CreateLead(ctx, lead); err != nil {
			summary.Errors++
			logger.LogError(ctx, "Failed to create imported lead", err, "external_id", c.ExternalID)
			continue
		}
		existing[c.ExternalID] = true
		summary.Created++
	}

	logger.Info(ctx, "Lead import completed",
		"received", summary.Received,
		"created", summary.Created,
		"duplicates", summary.Duplicates,
		"invalid", summary.Invalid,
	)
	return summary, nil
}

func (im *Importer) buildLead(project Projection, c Customer, code string, now time.Time) (lead *models.Lead, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("projection panicked: %v", r)
		}
	}()

	lead = project(c)
	if lead == nil {
		return nil, fmt.Errorf("projection returned no lead")
	}
	im.normalizer.NormalizeLead(lead)
	if err := im.validator.ValidateImportedLead(lead); err != nil {
		return nil, err
	}

	lead.Status = models.LeadStatusSent
	lead.Broker = code
	lead.BrokerStatus = models.BrokerStatusNew
	if mapped, ok := im.mapper.Map(code, c.Status); ok {
		lead.BrokerStatus = mapped
	}
	sentAt := now
	lead.SentAt = &sentAt
	return lead, nil
}
