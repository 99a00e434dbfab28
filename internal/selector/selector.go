// Package selector picks the broker a lead is sent to: the first broker of
// the lead's box, in ascending priority, that is inside its delivery window
// and under its lead cap.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/repository"
)

// ReasonExplicit is the reason given when the caller named the broker
const ReasonExplicit = "explicit broker override"

// Selection is the chosen broker and why it was chosen
type Selection struct {
	BrokerCode string `json:"broker"`
	BrokerName string `json:"brokerName"`
	Reason     string `json:"reason"`
}

// Selector resolves boxes and evaluates broker eligibility
type Selector struct {
	boxes     repository.BoxRepository
	attempts  repository.AttemptRepository
	settings  repository.SettingsRepository
	templates repository.TemplateRepository

	defaultLocation *time.Location
	now             func() time.Time
}

// New creates a selector. defaultTimezone applies when the settings store
// has no usable timezone; templates may be nil.
func New(
	boxes repository.BoxRepository,
	attempts repository.AttemptRepository,
	settings repository.SettingsRepository,
	templates repository.TemplateRepository,
	defaultTimezone string,
) *Selector {
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	return &Selector{
		boxes:           boxes,
		attempts:        attempts,
		settings:        settings,
		templates:       templates,
		defaultLocation: loc,
		now:             time.Now,
	}
}

// WithClock replaces the time source
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// Select returns the broker for a lead, or nil when no broker is eligible
// right now. An explicit broker bypasses the window and cap checks. When box
// is nil the lead's country box is used, then the universal box.
func (s *Selector) Select(ctx context.Context, lead *models.Lead, explicitBroker string, box *models.Box) (*Selection, error) {
	if code := models.NormalizeCode(explicitBroker); code != "" {
		return &Selection{
			BrokerCode: code,
			BrokerName: s.brokerName(ctx, code),
			Reason:     ReasonExplicit,
		}, nil
	}

	candidates, err := s.candidateBoxes(ctx, lead, box)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, b := range candidates {
		if sel := s.selectFromBox(ctx, b, now); sel != nil {
			return sel, nil
		}
	}

	return nil, nil
}

func (s *Selector) candidateBoxes(ctx context.Context, lead *models.Lead, box *models.Box) ([]*models.Box, error) {
	if box != nil {
		return []*models.Box{box}, nil
	}

	var boxes []*models.Box
	if country := strings.TrimSpace(lead.Country); country != "" {
		countryBox, err := s.boxes.FindByCountry(ctx, country)
		switch {
		case err == nil:
			boxes = append(boxes, countryBox)
		case !models.IsNotFound(err):
			return nil, fmt.Errorf("failed to find box for country %s: %w", country, err)
		}
	}

	universal, err := s.boxes.FindUniversal(ctx)
	switch {
	case err == nil:
		if len(boxes) == 0 || boxes[0].ID != universal.ID {
			boxes = append(boxes, universal)
		}
	case !models.IsNotFound(err):
		return nil, fmt.Errorf("failed to find universal box: %w", err)
	}

	return boxes, nil
}

func (s *Selector) selectFromBox(ctx context.Context, box *models.Box, now time.Time) *Selection {
	brokers := append([]models.BoxBroker(nil), box.Brokers...)
	sort.SliceStable(brokers, func(i, j int) bool { return brokers[i].Priority < brokers[j].Priority })

	for _, b := range brokers {
		if !s.withinWindow(ctx, b, now) {
			logger.Debug(ctx, "Broker outside delivery window", "box", box.Name, "broker", b.BrokerCode)
			continue
		}
		if !s.underCap(ctx, b) {
			logger.Debug(ctx, "Broker lead cap reached", "box", box.Name, "broker", b.BrokerCode)
			continue
		}

		name := b.BrokerName
		if name == "" {
			name = s.brokerName(ctx, b.BrokerCode)
		}
		return &Selection{
			BrokerCode: models.NormalizeCode(b.BrokerCode),
			BrokerName: name,
			Reason:     fmt.Sprintf("box %s priority %d", box.Name, b.Priority),
		}
	}
	return nil
}

// withinWindow checks from <= now <= to in the CRM timezone. A window that
// spans midnight (from > to) never matches. Malformed bounds fail open.
func (s *Selector) withinWindow(ctx context.Context, b models.BoxBroker, now time.Time) bool {
	if !b.DeliveryEnabled {
		return true
	}

	from, err := ParseClock(b.DeliveryFrom)
	if err != nil {
		logger.Warn(ctx, "Invalid delivery window, allowing send", "broker", b.BrokerCode, "error", err.Error())
		return true
	}
	to, err := ParseClock(b.DeliveryTo)
	if err != nil {
		logger.Warn(ctx, "Invalid delivery window, allowing send", "broker", b.BrokerCode, "error", err.Error())
		return true
	}

	local := now.In(s.location(ctx))
	minutes := local.Hour()*60 + local.Minute()
	return from <= minutes && minutes <= to
}

// underCap compares the all-time accepted count for the broker code with
// its cap. Counting errors fail open.
func (s *Selector) underCap(ctx context.Context, b models.BoxBroker) bool {
	if b.LeadCap == nil {
		return true
	}

	count, err := s.attempts.CountAcceptedByBroker(ctx, b.BrokerCode)
	if err != nil {
		logger.Warn(ctx, "Lead cap check failed, allowing send", "broker", b.BrokerCode, "error", err.Error())
		return true
	}
	return count < *b.LeadCap
}

func (s *Selector) location(ctx context.Context) *time.Location {
	if s.settings == nil {
		return s.defaultLocation
	}
	tz, err := s.settings.GetSetting(ctx, repository.SettingTimezone)
	if err != nil {
		if !models.IsNotFound(err) {
			logger.Warn(ctx, "Failed to read CRM timezone, using default", "error", err.Error())
		}
		return s.defaultLocation
	}
	loc, err := time.LoadLocation(strings.TrimSpace(tz))
	if err != nil {
		logger.Warn(ctx, "Unknown CRM timezone, using default", "timezone", tz)
		return s.defaultLocation
	}
	return loc
}

func (s *Selector) brokerName(ctx context.Context, code string) string {
	if s.templates == nil {
		return code
	}
	tpl, err := s.templates.GetByCode(ctx, code)
	if err != nil || tpl.Name == "" {
		return code
	}
	return tpl.Name
}

// ParseClock converts "HH:MM" to minutes after midnight
func ParseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return h*60 + m, nil
}
