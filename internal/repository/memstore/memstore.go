// Package memstore is an in-memory implementation of the repository
// interfaces. It backs service tests and local runs without Postgres.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/repository"
)

// Store holds every collection behind one mutex
type Store struct {
	mu sync.Mutex

	nextID    int64
	leads     map[int64]*models.Lead
	attempts  []*models.LeadBrokerAttempt
	events    []*models.LeadStatusEvent
	templates map[string]*models.BrokerTemplate
	boxes     []*models.Box
	settings  map[string]string

	// FailAttemptCounts makes attempt counting return an error when set
	FailAttemptCounts error
}

// New creates an empty store
func New() *Store {
	return &Store{
		leads:     make(map[int64]*models.Lead),
		templates: make(map[string]*models.BrokerTemplate),
		settings:  make(map[string]string),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Leads returns the store as a LeadRepository
func (s *Store) Leads() repository.LeadRepository { return (*leadRepo)(s) }

// Attempts returns the store as an AttemptRepository
func (s *Store) Attempts() repository.AttemptRepository { return (*attemptRepo)(s) }

// Events returns the store as a StatusEventRepository
func (s *Store) Events() repository.StatusEventRepository { return (*eventRepo)(s) }

// Templates returns the store as a TemplateRepository
func (s *Store) Templates() repository.TemplateRepository { return (*templateRepo)(s) }

// Boxes returns the store as a BoxRepository
func (s *Store) Boxes() repository.BoxRepository { return (*boxRepo)(s) }

// Settings returns the store as a SettingsRepository
func (s *Store) Settings() repository.SettingsRepository { return (*settingsRepo)(s) }

// AddTemplate seeds a broker template
func (s *Store) AddTemplate(tpl *models.BrokerTemplate) *models.BrokerTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tpl.ID == 0 {
		tpl.ID = s.id()
	}
	s.templates[models.NormalizeCode(tpl.Code)] = tpl
	return tpl
}

// AddBox seeds a box
func (s *Store) AddBox(box *models.Box) *models.Box {
	s.mu.Lock()
	defer s.mu.Unlock()
	if box.ID == 0 {
		box.ID = s.id()
	}
	s.boxes = append(s.boxes, box)
	return box
}

// SetSetting stores a CRM setting
func (s *Store) SetSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

// AllAttempts returns a snapshot of every attempt row
func (s *Store) AllAttempts() []models.LeadBrokerAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.LeadBrokerAttempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		out = append(out, *a)
	}
	return out
}

// AllEvents returns a snapshot of every status event row
func (s *Store) AllEvents() []models.LeadStatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.LeadStatusEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	return out
}

type leadRepo Store

func (r *leadRepo) CreateLead(ctx context.Context, lead *models.Lead) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	if lead.Status == "" {
		lead.Status = models.LeadStatusNew
	}
	lead.ID = s.id()
	s.leads[lead.ID] = lead.Clone()
	return nil
}

func (r *leadRepo) GetLeadByID(ctx context.Context, id int64) (*models.Lead, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[id]
	if !ok {
		return nil, models.NewNotFoundError("lead", id)
	}
	return lead.Clone(), nil
}

func (r *leadRepo) AssignBroker(ctx context.Context, id int64, brokerCode string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[id]
	if !ok {
		return models.NewNotFoundError("lead", id)
	}
	lead.Broker = brokerCode
	lead.UpdatedAt = time.Now()
	return nil
}

func (r *leadRepo) SaveDispatchResult(ctx context.Context, lead *models.Lead) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.leads[lead.ID]
	if !ok {
		return models.NewNotFoundError("lead", lead.ID)
	}
	updated := lead.Clone()
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now()
	s.leads[lead.ID] = updated
	return nil
}

func (r *leadRepo) UpdateBrokerStatus(ctx context.Context, id int64, brokerStatus string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[id]
	if !ok {
		return models.NewNotFoundError("lead", id)
	}
	lead.BrokerStatus = brokerStatus
	lead.UpdatedAt = time.Now()
	return nil
}

func (r *leadRepo) FindByExternalID(ctx context.Context, externalID, brokerCode string) (*models.Lead, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *models.Lead
	for _, lead := range s.leads {
		if lead.ExternalIDValue() != externalID || externalID == "" {
			continue
		}
		if brokerCode != "" && !strings.EqualFold(lead.Broker, brokerCode) {
			continue
		}
		if found == nil || lead.CreatedAt.After(found.CreatedAt) || (lead.CreatedAt.Equal(found.CreatedAt) && lead.ID > found.ID) {
			found = lead
		}
	}
	if found == nil {
		return nil, models.NewNotFoundError("lead with externalId", externalID)
	}
	return found.Clone(), nil
}

func (r *leadRepo) ExistingExternalIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	existing := make(map[string]bool)
	for _, lead := range s.leads {
		if id := lead.ExternalIDValue(); id != "" && wanted[id] {
			existing[id] = true
		}
	}
	return existing, nil
}

func (r *leadRepo) ListWithExternalID(ctx context.Context, brokerCode string, since time.Time) ([]*models.Lead, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var leads []*models.Lead
	for _, lead := range s.leads {
		if !strings.EqualFold(lead.Broker, brokerCode) || lead.ExternalIDValue() == "" {
			continue
		}
		if lead.CreatedAt.Before(since) {
			continue
		}
		leads = append(leads, lead.Clone())
	}
	sort.Slice(leads, func(i, j int) bool { return leads[i].ID < leads[j].ID })
	return leads, nil
}

func (r *leadRepo) GetLeadCountsByStatus(ctx context.Context) (map[string]int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, lead := range s.leads {
		counts[string(lead.Status)]++
	}
	return counts, nil
}

type attemptRepo Store

func (r *attemptRepo) CreateAttempt(ctx context.Context, attempt *models.LeadBrokerAttempt) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt.ID = s.id()
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}
	copied := *attempt
	s.attempts = append(s.attempts, &copied)
	return nil
}

func (r *attemptRepo) CountByLead(ctx context.Context, leadID int64) (int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, a := range s.attempts {
		if a.LeadID == leadID {
			count++
		}
	}
	return count, nil
}

func (r *attemptRepo) CountAcceptedByBroker(ctx context.Context, brokerCode string) (int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAttemptCounts != nil {
		return 0, s.FailAttemptCounts
	}
	count := 0
	for _, a := range s.attempts {
		if a.Outcome == models.OutcomeAccepted && strings.EqualFold(a.BrokerCode, brokerCode) {
			count++
		}
	}
	return count, nil
}

func (r *attemptRepo) ListByLead(ctx context.Context, leadID int64) ([]*models.LeadBrokerAttempt, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.LeadBrokerAttempt
	for _, a := range s.attempts {
		if a.LeadID == leadID {
			copied := *a
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptNo < out[j].AttemptNo })
	return out, nil
}

type eventRepo Store

func (r *eventRepo) CreateEvent(ctx context.Context, event *models.LeadStatusEvent) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	event.ID = s.id()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

func (r *eventRepo) ListByLead(ctx context.Context, leadID int64) ([]*models.LeadStatusEvent, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.LeadStatusEvent
	for _, e := range s.events {
		if e.LeadID == leadID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

type templateRepo Store

func (r *templateRepo) ListActive(ctx context.Context) ([]*models.BrokerTemplate, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.BrokerTemplate
	for _, tpl := range s.templates {
		if tpl.Active {
			copied := *tpl
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *templateRepo) GetByCode(ctx context.Context, code string) (*models.BrokerTemplate, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.templates[models.NormalizeCode(code)]
	if !ok {
		return nil, models.NewNotFoundError("broker template", code)
	}
	copied := *tpl
	return &copied, nil
}

func (r *templateRepo) UpdatePullLastSync(ctx context.Context, id int64, syncedAt time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tpl := range s.templates {
		if tpl.ID == id {
			t := syncedAt
			tpl.PullLastSync = &t
			return nil
		}
	}
	return models.NewNotFoundError("broker template", id)
}

type boxRepo Store

func (r *boxRepo) GetByID(ctx context.Context, id int64) (*models.Box, error) {
	return r.find(func(b *models.Box) bool { return b.ID == id }, id)
}

func (r *boxRepo) FindByCountry(ctx context.Context, country string) (*models.Box, error) {
	return r.find(func(b *models.Box) bool {
		return !b.IsUniversal() && strings.EqualFold(*b.Country, country)
	}, country)
}

func (r *boxRepo) FindUniversal(ctx context.Context) (*models.Box, error) {
	return r.find(func(b *models.Box) bool { return b.IsUniversal() }, "universal")
}

func (r *boxRepo) find(match func(*models.Box) bool, key interface{}) (*models.Box, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.boxes {
		if match(b) {
			copied := *b
			copied.Brokers = append([]models.BoxBroker(nil), b.Brokers...)
			return &copied, nil
		}
	}
	return nil, models.NewNotFoundError("box", key)
}

type settingsRepo Store

func (r *settingsRepo) GetSetting(ctx context.Context, key string) (string, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.settings[key]
	if !ok {
		return "", models.NewNotFoundError("setting", key)
	}
	return value, nil
}
