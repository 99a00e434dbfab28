package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
)

// DefaultPollInterval is the period between reconciliation cycles
const DefaultPollInterval = 5 * time.Minute

// TemplateLister supplies the active broker templates
type TemplateLister interface {
	ListActive(ctx context.Context) ([]*models.BrokerTemplate, error)
}

// StatusPuller pulls one template; *Puller implements it
type StatusPuller interface {
	PullBrokerStatus(ctx context.Context, tpl *models.BrokerTemplate) (*PullSummary, error)
}

// clockedPuller is a StatusPuller that can take the cycle time, so the due
// check and the recorded watermark read one clock
type clockedPuller interface {
	PullBrokerStatusAt(ctx context.Context, tpl *models.BrokerTemplate, now time.Time) (*PullSummary, error)
}

// Poller runs PullBrokerStatus for every due, pull-enabled template on a
// fixed interval. One broker failing never blocks the others.
type Poller struct {
	templates   TemplateLister
	puller      StatusPuller
	interval    time.Duration
	concurrency int
	now         func() time.Time

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalCycles         atomic.Int64
	totalPulls          atomic.Int64
	totalUpdated        atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

// NewPoller creates a poller. Non-positive settings use the defaults.
func NewPoller(templates TemplateLister, puller StatusPuller, interval time.Duration, concurrency int) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Poller{
		templates:         templates,
		puller:            puller,
		interval:          interval,
		concurrency:       concurrency,
		now:               time.Now,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

// Trigger forces an immediate cycle over every pull-enabled template,
// due or not (best-effort, non-blocking)
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// PollerStats is a snapshot of the poller counters
type PollerStats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCycles   int64      `json:"totalCycles"`
	TotalPulls    int64      `json:"totalPulls"`
	TotalUpdated  int64      `json:"totalUpdated"`
	TotalErrors   int64      `json:"totalErrors"`
	InFlight      int64      `json:"inFlight"`
	LastError     string     `json:"lastError,omitempty"`
}

// Stats returns the current counters
func (p *Poller) Stats() PollerStats {
	st := PollerStats{
		StartedAt:    time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalCycles:  p.totalCycles.Load(),
		TotalPulls:   p.totalPulls.Load(),
		TotalUpdated: p.totalUpdated.Load(),
		TotalErrors:  p.totalErrors.Load(),
		InFlight:     p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

// Run blocks until ctx is done, running a cycle on every tick or trigger
func (p *Poller) Run(ctx context.Context) error {
	logger.Info(ctx, "Starting reconciliation poller", "interval", p.interval.String())

	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Reconciliation poller stopped")
			return ctx.Err()
		case <-t.C:
			p.RunOnce(ctx)
		case <-p.triggerCh:
			p.runCycle(ctx, true)
		}
	}
}

// RunOnce pulls every due template concurrently and waits for all of them
func (p *Poller) RunOnce(ctx context.Context) {
	p.runCycle(ctx, false)
}

// runCycle runs one cycle; force ignores per-template intervals
func (p *Poller) runCycle(ctx context.Context, force bool) {
	now := p.now()
	p.lastCycleUnixNano.Store(now.UTC().UnixNano())
	p.totalCycles.Add(1)

	templates, err := p.templates.ListActive(ctx)
	if err != nil {
		p.recordError(ctx, "", err)
		return
	}

	workers := pool.New().WithMaxGoroutines(p.concurrency)
	for _, tpl := range templates {
		if !tpl.PullEnabled || tpl.PullURL == "" {
			continue
		}
		if !force && !tpl.PullDue(now, p.interval/2) {
			continue
		}
		tpl := tpl
		p.inFlight.Add(1)
		workers.Go(func() {
			defer p.inFlight.Add(-1)
			p.pullOne(ctx, tpl, now)
		})
	}
	workers.Wait()
}

func (p *Poller) pullOne(ctx context.Context, tpl *models.BrokerTemplate, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Panic during broker status pull", "broker", tpl.Code, "panic", r)
			p.totalErrors.Add(1)
		}
	}()

	p.totalPulls.Add(1)
	var summary *PullSummary
	var err error
	if cp, ok := p.puller.(clockedPuller); ok {
		summary, err = cp.PullBrokerStatusAt(ctx, tpl, now)
	} else {
		summary, err = p.puller.PullBrokerStatus(ctx, tpl)
	}
	if summary != nil {
		p.totalUpdated.Add(int64(summary.Updated))
	}
	if err != nil {
		p.recordError(ctx, tpl.Code, err)
	}
}

func (p *Poller) recordError(ctx context.Context, broker string, err error) {
	p.totalErrors.Add(1)
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
	logger.LogError(ctx, "Broker status pull failed", err, "broker", broker)
}
