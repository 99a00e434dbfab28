package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/queue"
	"github.com/checkfox/go_broker/internal/repository"
)

// jobStatus reports the status of one queued job
func (q *memQueue) jobStatus(jobID int64) (string, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.job.ID == jobID {
			return j.status, j.err
		}
	}
	return "", ""
}

// TestBrokerTemporaryFailure checks that a 5xx answer is recorded and the
// lead stays resendable without the worker resending it
func TestBrokerTemporaryFailure(t *testing.T) {
	broker := newFakeBroker(t)
	s, store := newMemStack(t, broker)
	ctx := context.Background()

	lead := &models.Lead{FirstName: "Flo", Email: "flaky@example.com", Country: "FR"}
	require.NoError(t, s.leads.CreateLead(ctx, lead))

	rr := s.call(t, http.MethodPost, fmt.Sprintf("/api/leads/%d/dispatch", lead.ID), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	s.drain(t)

	got := s.lead(t, lead.ID)
	assert.Equal(t, models.LeadStatusNew, got.Status, "temp_error keeps the lead status")
	assert.Nil(t, got.ExternalID)
	assert.Equal(t, "upstream busy", got.BrokerResp)

	attempts := store.AllAttempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomeTempError, attempts[0].Outcome)
	require.NotNil(t, attempts[0].ResponseCode)
	assert.Equal(t, http.StatusServiceUnavailable, *attempts[0].ResponseCode)

	status, _ := s.queue.(*memQueue).jobStatus(1)
	assert.Equal(t, "completed", status, "broker answers never re-queue the job")
	assert.Len(t, broker.received, 1)

	// an operator resend goes through the normal path again
	rr = s.call(t, http.MethodPost, fmt.Sprintf("/api/leads/%d/dispatch", lead.ID), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	s.drain(t)

	attempts = store.AllAttempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[1].AttemptNo)
}

// TestBrokerRejection checks terminal handling of a rejected lead
func TestBrokerRejection(t *testing.T) {
	broker := newFakeBroker(t)
	s, store := newMemStack(t, broker)
	ctx := context.Background()

	lead := &models.Lead{FirstName: "Rex", Email: "reject@example.com", Country: "ES"}
	require.NoError(t, s.leads.CreateLead(ctx, lead))

	rr := s.call(t, http.MethodPost, fmt.Sprintf("/api/leads/%d/dispatch", lead.ID), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	s.drain(t)

	got := s.lead(t, lead.ID)
	assert.Equal(t, models.LeadStatusFailed, got.Status)
	assert.Contains(t, got.BrokerResp, "duplicate")

	// without an explicit broker a terminal lead is skipped
	rr = s.call(t, http.MethodPost, fmt.Sprintf("/api/leads/%d/dispatch", lead.ID), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	s.drain(t)
	assert.Len(t, store.AllAttempts(), 1)
	assert.Len(t, broker.received, 1)

	// naming the broker forces a resend
	rr = s.call(t, http.MethodPost, fmt.Sprintf("/api/leads/%d/dispatch?broker=acme", lead.ID), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	s.drain(t)

	attempts := store.AllAttempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, models.OutcomeRejected, attempts[1].Outcome)
	assert.Equal(t, 2, attempts[1].AttemptNo)
}

// TestBrokerUnreachable checks a transport failure is a temp_error with no
// response code
func TestBrokerUnreachable(t *testing.T) {
	broker := newFakeBroker(t)
	s, store := newMemStack(t, broker)
	ctx := context.Background()

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	tpl := broker.template("OFFLINE")
	tpl.URL = downURL + "/leads"
	store.AddTemplate(tpl)
	_, err := s.registry.Load(ctx, s.templates)
	require.NoError(t, err)

	lead := &models.Lead{FirstName: "Una", Email: "una@example.com", Country: "IT"}
	require.NoError(t, s.leads.CreateLead(ctx, lead))

	rr := s.call(t, http.MethodPost, fmt.Sprintf("/api/leads/%d/dispatch?broker=offline", lead.ID), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	s.drain(t)

	got := s.lead(t, lead.ID)
	assert.Equal(t, models.LeadStatusNew, got.Status)
	assert.Equal(t, "OFFLINE", got.Broker)

	attempts := store.AllAttempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomeTempError, attempts[0].Outcome)
	assert.Nil(t, attempts[0].ResponseCode)
	assert.NotEmpty(t, attempts[0].ResponseBody)
}

// TestMissingLeadFailsJob checks a job for an unknown lead is failed, not retried
func TestMissingLeadFailsJob(t *testing.T) {
	broker := newFakeBroker(t)
	s, _ := newMemStack(t, broker)

	rr := s.call(t, http.MethodPost, "/api/leads/424242/dispatch", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	s.drain(t)

	status, msg := s.queue.(*memQueue).jobStatus(1)
	assert.Equal(t, "failed", status)
	assert.Contains(t, msg, "not found")
	assert.Empty(t, broker.received)
}

// TestDatabaseUnavailability checks the API answers 503 once the queue's
// database is gone
func TestDatabaseUnavailability(t *testing.T) {
	db, cleanup := setupTestDatabase(t)
	defer cleanup()

	q, err := queue.NewDBQueue(db.DB)
	require.NoError(t, err)

	s := newStack(t, repos{
		leads:     repository.NewLeadRepository(db.DB),
		attempts:  repository.NewAttemptRepository(db.DB),
		events:    repository.NewStatusEventRepository(db.DB),
		templates: repository.NewTemplateRepository(db.DB),
		boxes:     repository.NewBoxRepository(db.DB),
		settings:  repository.NewSettingsRepository(db.DB),
	}, q)

	require.NoError(t, db.Close())

	rr := s.call(t, http.MethodPost, "/api/leads/1/dispatch", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = s.call(t, http.MethodGet, "/stats/leads/counts", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
