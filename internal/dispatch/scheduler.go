package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/selector"
)

// State is the display state of one lead in the send queue
type State string

const (
	StateWaiting State = "waiting"
	StateSending State = "sending"
	StateSuccess State = "success"
	StateError   State = "error"
	StateSkipped State = "skipped"
)

var (
	// ErrNotPending is returned when cancelling a lead that has no waiting send
	ErrNotPending = errors.New("lead has no pending send")

	// ErrSchedulerClosed is returned by BulkSend after Shutdown
	ErrSchedulerClosed = errors.New("scheduler is shut down")
)

// Timer is the handle of an armed delayed send
type Timer interface {
	Stop() bool
}

// AfterFunc arms f to run once after d
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// QueueItem is the view of one lead in the queue or the completed list
type QueueItem struct {
	LeadID       int64                 `json:"leadId"`
	State        State                 `json:"status"`
	Broker       string                `json:"broker,omitempty"`
	BrokerName   string                `json:"brokerName,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	Outcome      models.AttemptOutcome `json:"outcome,omitempty"`
	ExternalID   string                `json:"externalId,omitempty"`
	Message      string                `json:"message,omitempty"`
	ScheduledAt  time.Time             `json:"scheduledAt"`
	NextAction   *time.Time            `json:"nextAction,omitempty"`
	CompletedAt  *time.Time            `json:"completedAt,omitempty"`
	ResponseCode *int                  `json:"responseCode,omitempty"`
}

// QueueSnapshot is returned by Queue
type QueueSnapshot struct {
	Active    []QueueItem `json:"active"`
	Completed []QueueItem `json:"completed"`
}

// BulkResult is returned by BulkSend with the initial state of every lead
type BulkResult struct {
	Count   int         `json:"count"`
	Results []QueueItem `json:"results"`
}

// entry is one registration of a lead. gen changes on every registration so
// a callback left over from a cancelled one never acts on its successor.
type entry struct {
	item  QueueItem
	timer Timer
	gen   uint64
}

// pending is an immediate send waiting for the batch goroutine
type pending struct {
	leadID int64
	gen    uint64
}

// Scheduler sends batches of leads spaced by an interval. All state is
// process-lifetime only; a restart loses waiting sends but keeps the broker
// already persisted on each lead.
type Scheduler struct {
	svc       *Service
	afterFunc AfterFunc
	now       func() time.Time

	mu        sync.Mutex
	gen       uint64
	active    map[int64]*entry
	completed map[int64]QueueItem
	closed    bool

	inflight sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithAfterFunc replaces the timer factory
func WithAfterFunc(f AfterFunc) SchedulerOption {
	return func(s *Scheduler) { s.afterFunc = f }
}

// WithSchedulerClock replaces the time source
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler sending through svc
func NewScheduler(svc *Service, opts ...SchedulerOption) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		svc:       svc,
		afterFunc: realAfterFunc,
		now:       time.Now,
		active:    make(map[int64]*entry),
		completed: make(map[int64]QueueItem),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BulkSend schedules a batch and returns without waiting on any broker. The
// first lead, or every lead when interval is 0, is handed to a background
// goroutine that sends them in order. Later leads get their broker selected
// and persisted now and are sent after index*interval minutes.
func (s *Scheduler) BulkSend(ctx context.Context, leadIDs []int64, brokerCode string, intervalMinutes int) (*BulkResult, error) {
	if intervalMinutes < 0 {
		intervalMinutes = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.mu.Unlock()

	logger.Info(ctx, "Bulk send requested",
		"count", len(leadIDs),
		"broker", brokerCode,
		"interval_minutes", intervalMinutes,
	)

	result := &BulkResult{Count: len(leadIDs), Results: make([]QueueItem, 0, len(leadIDs))}
	var immediate []pending
	for i, id := range leadIDs {
		if i == 0 || intervalMinutes == 0 {
			// the head of the run is sending at once, the rest can still be cancelled
			state := StateWaiting
			if len(immediate) == 0 {
				state = StateSending
			}
			item, gen, ok := s.begin(id, state)
			if ok {
				immediate = append(immediate, pending{leadID: id, gen: gen})
			}
			result.Results = append(result.Results, item)
			continue
		}
		result.Results = append(result.Results, s.schedule(ctx, id, brokerCode, time.Duration(i*intervalMinutes)*time.Minute))
	}

	if len(immediate) > 0 {
		s.mu.Lock()
		if s.closed {
			for _, p := range immediate {
				if e, ok := s.active[p.leadID]; ok && e.gen == p.gen {
					delete(s.active, p.leadID)
				}
			}
			s.mu.Unlock()
			return nil, ErrSchedulerClosed
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		go s.sendBatch(brokerCode, immediate)
	}
	return result, nil
}

// sendBatch sends the immediate leads of one batch one after another. Leads
// cancelled while waiting their turn are passed over.
func (s *Scheduler) sendBatch(brokerCode string, batch []pending) {
	defer s.inflight.Done()
	for _, p := range batch {
		if s.baseCtx.Err() != nil {
			return
		}
		s.sendNow(logger.WithLeadID(s.baseCtx, p.leadID), p.leadID, p.gen, brokerCode)
	}
}

// sendNow runs selection and the send for a lead registered under gen
func (s *Scheduler) sendNow(ctx context.Context, leadID int64, gen uint64, brokerCode string) {
	s.mu.Lock()
	e, ok := s.active[leadID]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	e.item.State = StateSending
	item := e.item
	s.mu.Unlock()

	lead, err := s.svc.leads.GetLeadByID(ctx, leadID)
	if err != nil {
		s.finish(leadID, gen, item, StateError, "failed to load lead: "+err.Error())
		return
	}

	sel, err := s.svc.Select(ctx, lead, brokerCode)
	if err != nil {
		s.finish(leadID, gen, item, StateError, err.Error())
		return
	}
	if sel == nil {
		s.finish(leadID, gen, item, StateSkipped, "no eligible broker")
		return
	}

	s.send(ctx, leadID, gen, item, lead, sel)
}

// schedule selects and persists the broker, then arms the delayed send
func (s *Scheduler) schedule(ctx context.Context, leadID int64, brokerCode string, delay time.Duration) QueueItem {
	item, gen, ok := s.begin(leadID, StateWaiting)
	if !ok {
		return item
	}

	lead, err := s.svc.leads.GetLeadByID(ctx, leadID)
	if err != nil {
		return s.finish(leadID, gen, item, StateError, "failed to load lead: "+err.Error())
	}

	sel, err := s.svc.Select(ctx, lead, brokerCode)
	if err != nil {
		return s.finish(leadID, gen, item, StateError, err.Error())
	}
	if sel == nil {
		return s.finish(leadID, gen, item, StateSkipped, "no eligible broker")
	}

	if err := s.svc.leads.AssignBroker(ctx, leadID, sel.BrokerCode); err != nil {
		return s.finish(leadID, gen, item, StateError, "failed to persist broker: "+err.Error())
	}

	next := s.now().Add(delay)
	item.Broker = sel.BrokerCode
	item.BrokerName = sel.BrokerName
	item.Reason = sel.Reason
	item.NextAction = &next

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.active[leadID]
	if !ok || e.gen != gen || s.closed {
		// cancelled or shut down while selecting
		if ok && e.gen == gen {
			delete(s.active, leadID)
		}
		item.State = StateSkipped
		item.NextAction = nil
		item.Message = "cancelled before scheduling"
		return item
	}
	e.item = item
	s.inflight.Add(1)
	e.timer = s.afterFunc(delay, func() { s.fire(leadID, gen, sel) })

	logger.Info(ctx, "Lead send scheduled",
		"lead_id", leadID,
		"broker", sel.BrokerCode,
		"next_action", next.Format(time.RFC3339),
	)
	return item
}

// fire runs a delayed send with the broker persisted at schedule time. It
// does nothing unless the registration that armed it is still waiting.
func (s *Scheduler) fire(leadID int64, gen uint64, planned *selector.Selection) {
	defer s.inflight.Done()

	s.mu.Lock()
	e, ok := s.active[leadID]
	if !ok || e.gen != gen || e.item.State != StateWaiting {
		s.mu.Unlock()
		return
	}
	e.item.State = StateSending
	e.item.NextAction = nil
	item := e.item
	s.mu.Unlock()

	ctx := logger.WithLeadID(s.baseCtx, leadID)
	lead, err := s.svc.leads.GetLeadByID(ctx, leadID)
	if err != nil {
		s.finish(leadID, gen, item, StateError, "failed to load lead: "+err.Error())
		return
	}

	sel := *planned
	if lead.Broker != "" {
		sel.BrokerCode = lead.Broker
	}
	s.send(ctx, leadID, gen, item, lead, &sel)
}

func (s *Scheduler) send(ctx context.Context, leadID int64, gen uint64, item QueueItem, lead *models.Lead, sel *selector.Selection) QueueItem {
	s.mu.Lock()
	if e, ok := s.active[leadID]; ok && e.gen == gen {
		e.item.State = StateSending
		e.item.Broker = sel.BrokerCode
	}
	s.mu.Unlock()

	item.Broker = models.NormalizeCode(sel.BrokerCode)
	item.BrokerName = sel.BrokerName
	item.Reason = sel.Reason

	outcome, err := s.svc.SendTo(ctx, lead, sel)
	if err != nil {
		return s.finish(leadID, gen, item, StateError, err.Error())
	}

	item.Outcome = outcome.Kind
	item.ExternalID = outcome.ExternalID
	item.ResponseCode = outcome.ResponseCode
	if outcome.Kind == models.OutcomeAccepted {
		return s.finish(leadID, gen, item, StateSuccess, "")
	}
	return s.finish(leadID, gen, item, StateError, "broker answered "+outcome.Kind.String())
}

// begin registers a lead in the active map. A lead that is already waiting
// or sending is reported as skipped and left untouched.
func (s *Scheduler) begin(leadID int64, state State) (QueueItem, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.active[leadID]; ok {
		item := existing.item
		item.State = StateSkipped
		item.Message = "lead is already queued"
		return item, 0, false
	}

	s.gen++
	delete(s.completed, leadID)
	item := QueueItem{LeadID: leadID, State: state, ScheduledAt: now}
	s.active[leadID] = &entry{item: item, gen: s.gen}
	return item, s.gen, true
}

// finish moves the registration gen of a lead to the completed map
func (s *Scheduler) finish(leadID int64, gen uint64, item QueueItem, state State, message string) QueueItem {
	now := s.now()
	item.State = state
	item.Message = message
	item.NextAction = nil
	item.CompletedAt = &now

	s.mu.Lock()
	if e, ok := s.active[leadID]; ok && e.gen == gen {
		delete(s.active, leadID)
		s.completed[leadID] = item
	}
	s.mu.Unlock()

	if state == StateError {
		logger.Warn(s.baseCtx, "Lead send finished with error", "lead_id", leadID, "message", message)
	}
	return item
}

// Queue returns the active and completed items ordered by lead ID
func (s *Scheduler) Queue() QueueSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := QueueSnapshot{
		Active:    make([]QueueItem, 0, len(s.active)),
		Completed: make([]QueueItem, 0, len(s.completed)),
	}
	for _, e := range s.active {
		snapshot.Active = append(snapshot.Active, e.item)
	}
	for _, item := range s.completed {
		snapshot.Completed = append(snapshot.Completed, item)
	}
	sort.Slice(snapshot.Active, func(i, j int) bool { return snapshot.Active[i].LeadID < snapshot.Active[j].LeadID })
	sort.Slice(snapshot.Completed, func(i, j int) bool { return snapshot.Completed[i].LeadID < snapshot.Completed[j].LeadID })
	return snapshot
}

// Cancel drops a waiting send. A send that already started cannot be aborted.
func (s *Scheduler) Cancel(leadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.active[leadID]
	if !ok || e.item.State != StateWaiting {
		return ErrNotPending
	}
	s.cancelLocked(leadID, e)
	logger.Info(s.baseCtx, "Pending send cancelled", "lead_id", leadID)
	return nil
}

// ClearQueue cancels every waiting send and returns how many were dropped
func (s *Scheduler) ClearQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for id, e := range s.active {
		if e.item.State != StateWaiting {
			continue
		}
		s.cancelLocked(id, e)
		cleared++
	}
	if cleared > 0 {
		logger.Info(s.baseCtx, "Send queue cleared", "cleared", cleared)
	}
	return cleared
}

// cancelLocked stops the timer before removing the entry. When the timer
// already fired its callback is blocked on mu and finds its entry gone or
// replaced, so it returns without sending.
func (s *Scheduler) cancelLocked(leadID int64, e *entry) {
	if e.timer != nil && e.timer.Stop() {
		s.inflight.Done()
	}
	delete(s.active, leadID)
}

// RemoveCompleted drops a terminal result from the completed list
func (s *Scheduler) RemoveCompleted(leadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.completed[leadID]; !ok {
		return models.NewNotFoundError("completed send", leadID)
	}
	delete(s.completed, leadID)
	return nil
}

// Shutdown stops every armed timer and waits for sends already running.
// When ctx expires first the running sends are cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopped := 0
	for id, e := range s.active {
		if e.item.State == StateWaiting {
			s.cancelLocked(id, e)
			stopped++
		}
	}
	s.mu.Unlock()

	logger.Info(ctx, "Scheduler shutting down", "stopped_timers", stopped)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
