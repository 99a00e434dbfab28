package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkfox/go_broker/internal/dispatch"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/queue"
)

func TestHandleEnqueue(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/leads/42/dispatch?broker=acme", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp EnqueueResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, EnqueueResponse{LeadID: 42, Broker: "acme", Status: "queued"}, resp)

	require.Len(t, env.queue.jobs, 1)
	job := env.queue.jobs[0]
	assert.Equal(t, queue.JobDispatchLead, job.Type)
	payload, err := queue.ParseDispatchPayload(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(42), payload.LeadID)
	assert.Equal(t, "acme", payload.Broker)
}

func TestHandleEnqueue_Errors(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/leads/abc/dispatch", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/leads/0/dispatch", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	env.queue.err = fmt.Errorf("%w: dial tcp: connection refused", queue.ErrQueueUnavailable)
	rr = env.do(t, http.MethodPost, "/api/leads/7/dispatch", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	env.queue.err = errors.New("failed to enqueue job: value too long")
	rr = env.do(t, http.MethodPost, "/api/leads/7/dispatch", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, env.queue.jobs)
}

func TestHandleBulkSend_SendsFirstAndSchedulesRest(t *testing.T) {
	env := newTestEnv(t)
	a := env.createLead(t, &models.Lead{FirstName: "Ada", Email: "ada@example.com", Country: "GB"})
	b := env.createLead(t, &models.Lead{FirstName: "Bob", Email: "bob@example.com", Country: "GB"})
	c := env.createLead(t, &models.Lead{FirstName: "Cy", Email: "cy@example.com", Country: "GB"})

	rr := env.do(t, http.MethodPost, "/api/dispatch/bulk", map[string]interface{}{
		"leadIds":         []int64{a.ID, b.ID, c.ID},
		"intervalMinutes": 5,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var result dispatch.BulkResult
	decodeBody(t, rr, &result)
	assert.Equal(t, 3, result.Count)
	require.Len(t, result.Results, 3)
	assert.Equal(t, dispatch.StateSending, result.Results[0].State)
	assert.Equal(t, dispatch.StateWaiting, result.Results[1].State)
	assert.Equal(t, dispatch.StateWaiting, result.Results[2].State)
	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute}, env.delays)
	env.waitSent(t, 1)

	sent, err := env.store.Leads().GetLeadByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadStatusSent, sent.Status)

	waiting, err := env.store.Leads().GetLeadByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACME", waiting.Broker, "broker is persisted at schedule time")
	assert.Equal(t, models.LeadStatusNew, waiting.Status)

	rr = env.do(t, http.MethodGet, "/api/dispatch/queue", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var snapshot dispatch.QueueSnapshot
	decodeBody(t, rr, &snapshot)
	assert.Len(t, snapshot.Active, 2)
	require.Len(t, snapshot.Completed, 1)
	assert.Equal(t, a.ID, snapshot.Completed[0].LeadID)
}

func TestHandleBulkSend_LargeBatchAnswersAtOnce(t *testing.T) {
	env := newTestEnv(t)
	ids := make([]int64, 0, 200)
	for i := 0; i < 200; i++ {
		lead := env.createLead(t, &models.Lead{FirstName: "Lead", Email: "lead@example.com", Country: "GB"})
		ids = append(ids, lead.ID)
	}

	rr := env.do(t, http.MethodPost, "/api/dispatch/bulk", map[string]interface{}{"leadIds": ids, "intervalMinutes": 0})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var result dispatch.BulkResult
	decodeBody(t, rr, &result)
	require.Len(t, result.Results, len(ids))
	assert.Equal(t, dispatch.StateSending, result.Results[0].State)
	for _, item := range result.Results[1:] {
		assert.Equal(t, dispatch.StateWaiting, item.State)
		assert.Nil(t, item.NextAction)
	}
	assert.Empty(t, env.delays)

	snapshot := env.waitSent(t, len(ids))
	assert.Empty(t, snapshot.Active)
	for _, item := range snapshot.Completed {
		assert.Equal(t, dispatch.StateSuccess, item.State)
	}
}

func TestHandleBulkSend_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		body  interface{}
		field string
	}{
		{name: "missing ids", body: map[string]interface{}{"intervalMinutes": 1}, field: "leadIds"},
		{name: "negative interval", body: map[string]interface{}{"leadIds": []int64{1}, "intervalMinutes": -1}, field: "intervalMinutes"},
		{name: "non-positive id", body: map[string]interface{}{"leadIds": []int64{0}}, field: "leadIds[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/dispatch/bulk", tt.body)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())

			var resp ErrorResponse
			decodeBody(t, rr, &resp)
			assert.Equal(t, "validation failed", resp.Error)
			assert.Contains(t, resp.Fields, tt.field)
		})
	}

	rr := env.do(t, http.MethodPost, "/api/dispatch/bulk", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleBulkSend_AfterShutdown(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.sched.Shutdown(context.Background()))

	rr := env.do(t, http.MethodPost, "/api/dispatch/bulk", map[string]interface{}{"leadIds": []int64{1}})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandleCancelAndClear(t *testing.T) {
	env := newTestEnv(t)
	ids := make([]int64, 0, 4)
	for i := 0; i < 4; i++ {
		lead := env.createLead(t, &models.Lead{FirstName: "Lead", Email: "lead@example.com", Country: "GB"})
		ids = append(ids, lead.ID)
	}

	rr := env.do(t, http.MethodPost, "/api/dispatch/bulk", map[string]interface{}{"leadIds": ids, "intervalMinutes": 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	env.waitSent(t, 1)

	// the first lead was sent at once and is not pending
	rr = env.do(t, http.MethodDelete, "/api/dispatch/queue/"+itoa(ids[0]), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/dispatch/queue/"+itoa(ids[1]), nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/dispatch/queue", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var cleared map[string]int
	decodeBody(t, rr, &cleared)
	assert.Equal(t, 2, cleared["cleared"])

	snapshot := env.sched.Queue()
	assert.Empty(t, snapshot.Active)
	assert.Len(t, snapshot.Completed, 1)
}

func TestHandleRemoveCompleted(t *testing.T) {
	env := newTestEnv(t)
	lead := env.createLead(t, &models.Lead{FirstName: "Ada", Email: "ada@example.com", Country: "GB"})

	rr := env.do(t, http.MethodPost, "/api/dispatch/bulk", map[string]interface{}{"leadIds": []int64{lead.ID}})
	require.Equal(t, http.StatusOK, rr.Code)
	env.waitSent(t, 1)

	rr = env.do(t, http.MethodDelete, "/api/dispatch/completed/"+itoa(lead.ID), nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/dispatch/completed/"+itoa(lead.ID), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
