package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/checkfox/go_broker/internal/client"
	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/repository"
	"github.com/checkfox/go_broker/internal/template"
)

// Defaults for the pull window and the lead set
const (
	DefaultPullWindow   = 24 * time.Hour
	DefaultLeadLookback = 14 * 24 * time.Hour
)

// PullSummary reports one reconciliation pull
type PullSummary struct {
	Broker    string    `json:"broker"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Leads     int       `json:"leads"`
	Received  int       `json:"received"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Skipped   int       `json:"skipped"`
	Errors    int       `json:"errors"`
}

// Puller runs the pull side of one broker template
type Puller struct {
	leads     repository.LeadRepository
	templates repository.TemplateRepository
	doer      client.Doer
	applier   *Applier

	window   time.Duration
	lookback time.Duration
	now      func() time.Time
}

// NewPuller creates a Puller. Zero durations use the defaults.
func NewPuller(
	leads repository.LeadRepository,
	templates repository.TemplateRepository,
	doer client.Doer,
	applier *Applier,
	window, lookback time.Duration,
) *Puller {
	if window <= 0 {
		window = DefaultPullWindow
	}
	if lookback <= 0 {
		lookback = DefaultLeadLookback
	}
	return &Puller{
		leads:     leads,
		templates: templates,
		doer:      doer,
		applier:   applier,
		window:    window,
		lookback:  lookback,
		now:       time.Now,
	}
}

// WithClock replaces the time source
func (p *Puller) WithClock(now func() time.Time) *Puller {
	p.now = now
	return p
}

// PullBrokerStatus fetches the broker's view of recently sent leads and
// applies status changes. A failing record is logged and skipped; the
// error return is reserved for failures of the whole pull.
func (p *Puller) PullBrokerStatus(ctx context.Context, tpl *models.BrokerTemplate) (*PullSummary, error) {
	return p.PullBrokerStatusAt(ctx, tpl, p.now())
}

// PullBrokerStatusAt is PullBrokerStatus with the window end and the new
// watermark fixed at now
func (p *Puller) PullBrokerStatusAt(ctx context.Context, tpl *models.BrokerTemplate, now time.Time) (*PullSummary, error) {
	code := models.NormalizeCode(tpl.Code)
	ctx = logger.WithBroker(ctx, code)

	now = now.UTC()
	from := now.Add(-p.window)
	if tpl.PullLastSync != nil {
		from = tpl.PullLastSync.UTC()
	}
	summary := &PullSummary{Broker: code, From: from, To: now}

	leads, err := p.leads.ListWithExternalID(ctx, code, now.Add(-p.lookback))
	if err != nil {
		return nil, fmt.Errorf("failed to list leads for %s: %w", code, err)
	}
	summary.Leads = len(leads)

	byExternalID := make(map[string]*models.Lead, len(leads))
	ids := make([]string, 0, len(leads))
	for _, lead := range leads {
		id := lead.ExternalIDValue()
		byExternalID[id] = lead
		ids = append(ids, id)
	}

	req, err := BuildPullRequest(tpl, from, now, ids)
	if err != nil {
		return nil, err
	}

	resp, err := p.doer.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to pull statuses from %s: %w", code, err)
	}
	if !resp.IsSuccess() {
		return nil, models.NewDeliveryError(resp.StatusCode, "pull answered with non-2xx status", true, nil)
	}

	customers, err := ParserFor(code).Parse([]byte(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pull response from %s: %w", code, err)
	}
	summary.Received = len(customers)

	for _, c := range customers {
		if c.ExternalID == "" || c.Status == "" {
			summary.Skipped++
			continue
		}
		lead, ok := byExternalID[c.ExternalID]
		if !ok {
			summary.Skipped++
			continue
		}

		_, changed, err := p.applier.Apply(ctx, lead, code, c.Status, models.StatusSourcePull)
		switch {
		case err != nil:
			summary.Errors++
			logger.Warn(ctx, "Skipping customer record", "external_id", c.ExternalID, "error", err.Error())
		case changed:
			summary.Updated++
		default:
			summary.Unchanged++
		}
	}

	if err := p.templates.UpdatePullLastSync(ctx, tpl.ID, now); err != nil {
		return summary, fmt.Errorf("failed to advance pull watermark: %w", err)
	}
	synced := now
	tpl.PullLastSync = &synced

	logger.Info(ctx, "Broker status pull completed",
		"leads", summary.Leads,
		"received", summary.Received,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
	)
	return summary, nil
}

// BuildPullRequest renders the pull url, headers and body. Dates and the
// external ID list are substituted in both ${name} and {name} styles before
// the regular placeholder pass; in the url they are query-escaped.
func BuildPullRequest(tpl *models.BrokerTemplate, from, to time.Time, ids []string) (client.Request, error) {
	fill := func(s string) string {
		s = template.SubstituteDates(s, from, to)
		return template.SubstituteList(s, "ids", ids)
	}
	fillURL := func(s string) string {
		s = template.SubstituteDatesEscaped(s, from, to)
		return template.SubstituteListEscaped(s, "ids", ids)
	}
	rc := template.RenderContext{Params: tpl.Params, Policy: tpl.PasswordPolicy}

	method := strings.ToUpper(strings.TrimSpace(tpl.PullMethod))
	if method == "" {
		method = http.MethodGet
	}

	headers, err := template.RenderHeaders(fill(tpl.PullHeaders), rc)
	if err != nil {
		return client.Request{}, fmt.Errorf("failed to render pull headers: %w", err)
	}

	body := template.Render(fill(tpl.PullBody), rc)
	if body != "" && method != http.MethodGet {
		if _, ok := template.HeaderValue(headers, "Content-Type"); !ok {
			headers["Content-Type"] = "application/json"
		}
	}

	return client.Request{
		Method:  method,
		URL:     template.Render(fillURL(tpl.PullURL), rc),
		Headers: headers,
		Body:    body,
	}, nil
}
