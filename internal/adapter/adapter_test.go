package adapter

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkfox/go_broker/internal/client"
	"github.com/checkfox/go_broker/internal/models"
)

type capturedRequest struct {
	method  string
	query   string
	headers http.Header
	body    string
}

// brokerServer records every request and answers with the given status and body
func brokerServer(t *testing.T, status int, answer string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, capturedRequest{method: r.Method, query: r.URL.RawQuery, headers: r.Header.Clone(), body: string(body)})
		mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(answer))
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func leadFixture() *models.Lead {
	return &models.Lead{
		ID:        1,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Phone:     "+447700900123",
		Country:   "GB",
	}
}

func TestHTTPTemplate_FormEncodedBody(t *testing.T) {
	server, requests := brokerServer(t, http.StatusOK, `{"id":"ext-9"}`)

	a := NewHTTPTemplate(&models.BrokerTemplate{
		Code:    "form",
		URL:     server.URL,
		Method:  "POST",
		Headers: `{"Content-Type":"application/x-www-form-urlencoded"}`,
		Body:    `{"a":"${x}"}`,
		Params:  map[string]string{"x": "1"},
	}, client.NewBrokerClient(5*time.Second))

	lead := leadFixture()
	lead.Password = "Stored1!"
	result := a.Send(context.Background(), lead)

	require.Len(t, *requests, 1)
	assert.Equal(t, "a=1", (*requests)[0].body)
	assert.Equal(t, models.OutcomeAccepted, result.Kind)
	assert.Equal(t, "ext-9", result.ExternalID)
	assert.Empty(t, result.Password)
}

func TestHTTPTemplate_AutoJSONContentType(t *testing.T) {
	server, requests := brokerServer(t, http.StatusOK, `{"data":{"id":7,"autologin":"https://b.example/a"}}`)

	a := NewHTTPTemplate(&models.BrokerTemplate{
		Code:    "json",
		URL:     server.URL + "/leads?aff=${aff}",
		Headers: `{"X-Key":"${key}"}`,
		Body:    `{"email":"${email}","prefix":"${phonePrefix}","phone":"${phoneNumber}"}`,
		Params:  map[string]string{"aff": "10", "key": "k-1"},
	}, client.NewBrokerClient(5*time.Second))

	result := a.Send(context.Background(), leadFixture())

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "application/json", req.headers.Get("Content-Type"))
	assert.Equal(t, "k-1", req.headers.Get("X-Key"))
	assert.JSONEq(t, `{"email":"ada@example.com","prefix":"44","phone":"7700900123"}`, req.body)

	assert.Equal(t, models.OutcomeAccepted, result.Kind)
	assert.Equal(t, "7", result.ExternalID)
	assert.Equal(t, "https://b.example/a", result.AutologinURL)
	require.NotNil(t, result.Code)
	assert.Equal(t, 200, *result.Code)
}

func TestHTTPTemplate_GeneratesPasswordOnce(t *testing.T) {
	server, requests := brokerServer(t, http.StatusOK, `{"id":"x"}`)

	a := NewHTTPTemplate(&models.BrokerTemplate{
		Code:           "pw",
		URL:            server.URL,
		Body:           `{"p1":"${password}","p2":"${password}"}`,
		PasswordPolicy: models.PasswordPolicy{Length: 10, UseUpper: true, UseDigits: true},
	}, client.NewBrokerClient(5*time.Second))

	result := a.Send(context.Background(), leadFixture())

	require.Len(t, *requests, 1)
	require.Len(t, result.Password, 10)
	assert.JSONEq(t, `{"p1":"`+result.Password+`","p2":"`+result.Password+`"}`, (*requests)[0].body)
}

func TestHTTPTemplate_PasswordSharedAcrossURLAndBody(t *testing.T) {
	server, requests := brokerServer(t, http.StatusOK, `{"id":"x"}`)
	a := NewHTTPTemplate(&models.BrokerTemplate{
		Code: "pw",
		URL:  server.URL + "/leads?pw=${password}",
		Body: `{"password":"${password}"}`,
	}, client.NewBrokerClient(5*time.Second))
	calls := 0
	a.generate = func(models.PasswordPolicy) string {
		calls++
		return "Gen12345"
	}

	result := a.Send(context.Background(), leadFixture())

	require.Len(t, *requests, 1)
	assert.Equal(t, 1, calls, "one password per send")
	assert.Equal(t, "Gen12345", result.Password)
	assert.Equal(t, "pw=Gen12345", (*requests)[0].query)
	assert.JSONEq(t, `{"password":"Gen12345"}`, (*requests)[0].body)
}

func TestHTTPTemplate_PasswordOnlyReportedWhenSent(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		params   map[string]string
		wantBody string
	}{
		{
			name:     "param overrides the generated password",
			body:     `{"email":"${email}","password":"${password}"}`,
			params:   map[string]string{"password": "Fixed123"},
			wantBody: `{"email":"ada@example.com","password":"Fixed123"}`,
		},
		{
			name:     "template without a password placeholder",
			body:     `{"email":"${email}"}`,
			wantBody: `{"email":"ada@example.com"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, requests := brokerServer(t, http.StatusOK, `{"id":"x"}`)
			a := NewHTTPTemplate(&models.BrokerTemplate{
				Code:   "pw",
				URL:    server.URL,
				Body:   tt.body,
				Params: tt.params,
			}, client.NewBrokerClient(5*time.Second))
			a.generate = func(models.PasswordPolicy) string {
				t.Fatal("no password should be generated")
				return ""
			}

			result := a.Send(context.Background(), leadFixture())

			assert.Equal(t, models.OutcomeAccepted, result.Kind)
			assert.Empty(t, result.Password)
			require.Len(t, *requests, 1)
			assert.JSONEq(t, tt.wantBody, (*requests)[0].body)
		})
	}
}

func TestHTTPTemplate_InvalidJSONIsNotSent(t *testing.T) {
	server, requests := brokerServer(t, http.StatusOK, `{}`)

	a := NewHTTPTemplate(&models.BrokerTemplate{
		Code: "bad",
		URL:  server.URL,
		Body: `{"name":"${firstName}"`,
	}, client.NewBrokerClient(5*time.Second))

	result := a.Send(context.Background(), leadFixture())

	assert.Empty(t, *requests)
	assert.Equal(t, models.OutcomeTempError, result.Kind)
	require.NotNil(t, result.Code)
	assert.Equal(t, http.StatusBadRequest, *result.Code)
}

func TestHTTPTemplate_TransportErrorIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	a := NewHTTPTemplate(&models.BrokerTemplate{Code: "down", URL: url, Method: "GET"}, client.NewBrokerClient(time.Second))

	result := a.Send(context.Background(), leadFixture())
	assert.Equal(t, models.OutcomeTempError, result.Kind)
	assert.Nil(t, result.Code)
	assert.NotEmpty(t, result.Raw)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		idPath     string
		kind       models.AttemptOutcome
		externalID string
	}{
		{"server error", 500, `{"id":"x"}`, "", models.OutcomeTempError, ""},
		{"client error", 422, `{"error":"bad"}`, "", models.OutcomeTempError, ""},
		{"success false", 200, `{"success":false,"id":"x"}`, "", models.OutcomeRejected, ""},
		{"status rejected", 200, `{"status":"Rejected"}`, "", models.OutcomeRejected, ""},
		{"status failed", 201, `{"status":"failed"}`, "", models.OutcomeRejected, ""},
		{"plain text", 200, `OK`, "", models.OutcomeAccepted, ""},
		{"default lead_id", 200, `{"status":"ok","lead_id":"L1"}`, "", models.OutcomeAccepted, "L1"},
		{"configured path", 200, `{"result":{"customer":{"uid":42}},"id":"ignored"}`, "result.customer.uid", models.OutcomeAccepted, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Classify(&client.Response{StatusCode: tt.status, Body: tt.body}, tt.idPath, "")
			assert.Equal(t, tt.kind, result.Kind)
			assert.Equal(t, tt.externalID, result.ExternalID)
			assert.Equal(t, tt.body, result.Raw)
			require.NotNil(t, result.Code)
			assert.Equal(t, tt.status, *result.Code)
		})
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestMock_OutcomeDistribution(t *testing.T) {
	m := NewMock("demo", WithRandSource(rand.NewSource(11)), WithSleep(noSleep))

	counts := map[models.AttemptOutcome]int{}
	const n = 4000
	for i := 0; i < n; i++ {
		r := m.Send(context.Background(), leadFixture())
		counts[r.Kind]++
		if r.Kind == models.OutcomeAccepted {
			require.True(t, strings.HasPrefix(r.ExternalID, "mock-"))
			require.NotEmpty(t, r.AutologinURL)
		}
	}

	assert.InDelta(t, 0.75, float64(counts[models.OutcomeAccepted])/n, 0.04)
	assert.InDelta(t, 0.15, float64(counts[models.OutcomeTempError])/n, 0.04)
	assert.InDelta(t, 0.10, float64(counts[models.OutcomeRejected])/n, 0.04)
	assert.Equal(t, "DEMO", m.Code())
}

func TestMock_LatencyWithinBounds(t *testing.T) {
	var waits []time.Duration
	m := NewMock("demo",
		WithRandSource(rand.NewSource(3)),
		WithLatency(200*time.Millisecond, 600*time.Millisecond),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}),
	)

	for i := 0; i < 100; i++ {
		m.Send(context.Background(), leadFixture())
	}
	for _, w := range waits {
		assert.GreaterOrEqual(t, w, 200*time.Millisecond)
		assert.LessOrEqual(t, w, 600*time.Millisecond)
	}
}

func TestMock_CancelledContext(t *testing.T) {
	m := NewMock("demo", WithLatency(time.Second, time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := m.Send(ctx, leadFixture())
	assert.Equal(t, models.OutcomeTempError, r.Kind)
	assert.Contains(t, r.Raw, context.Canceled.Error())
}

type stubLister struct {
	templates []*models.BrokerTemplate
	err       error
}

func (s *stubLister) ListActive(ctx context.Context) ([]*models.BrokerTemplate, error) {
	return s.templates, s.err
}

func TestRegistry_CaseInsensitiveAndFallback(t *testing.T) {
	r := NewRegistry(client.NewBrokerClient(time.Second), nil)

	r.RegisterTemplate(&models.BrokerTemplate{Code: " acme ", Active: true, URL: "http://acme.invalid"})
	a, ok := r.Get("ACME")
	require.True(t, ok)
	assert.IsType(t, &HTTPTemplate{}, a)

	fallback := r.GetOrDefault("unknown")
	assert.IsType(t, &Mock{}, fallback)
	assert.Equal(t, "UNKNOWN", fallback.Code())

	r.RegisterTemplate(&models.BrokerTemplate{Code: "acme", Active: false})
	_, ok = r.Get("acme")
	assert.False(t, ok)
}

func TestRegistry_LoadDropsInactiveTemplates(t *testing.T) {
	r := NewRegistry(client.NewBrokerClient(time.Second), nil)
	r.Register(NewMock("manual"))

	lister := &stubLister{templates: []*models.BrokerTemplate{
		{Code: "a", Active: true},
		{Code: "b", Active: true},
	}}
	n, err := r.Load(context.Background(), lister)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"A", "B", "MANUAL"}, r.Codes())

	lister.templates = lister.templates[:1]
	_, err = r.Load(context.Background(), lister)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "MANUAL"}, r.Codes())

	lister.err = errors.New("db down")
	_, err = r.Load(context.Background(), lister)
	assert.Error(t, err)
	assert.Equal(t, []string{"A", "MANUAL"}, r.Codes())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(client.NewBrokerClient(time.Second), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.RegisterTemplate(&models.BrokerTemplate{Code: "hot", Active: true})
		}()
		go func() {
			defer wg.Done()
			_ = r.GetOrDefault("hot")
		}()
	}
	wg.Wait()

	_, ok := r.Get("HOT")
	assert.True(t, ok)
}
