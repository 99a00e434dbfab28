package adapter

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/checkfox/go_broker/internal/models"
)

const (
	mockAcceptRate    = 0.75
	mockTempErrorRate = 0.15

	defaultMockMinLatency = 200 * time.Millisecond
	defaultMockMaxLatency = 600 * time.Millisecond
)

// Mock simulates a broker: random latency, then accepted 75% of the time,
// temp_error 15% and rejected 10%. It is also the registry fallback for
// unknown broker codes.
type Mock struct {
	code       string
	minLatency time.Duration
	maxLatency time.Duration

	mu    sync.Mutex
	rnd   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// MockOption configures a Mock
type MockOption func(*Mock)

// WithLatency sets the latency bounds
func WithLatency(min, max time.Duration) MockOption {
	return func(m *Mock) {
		m.minLatency = min
		m.maxLatency = max
	}
}

// WithRandSource makes the outcome sequence deterministic
func WithRandSource(src rand.Source) MockOption {
	return func(m *Mock) {
		m.rnd = rand.New(src)
	}
}

// WithSleep replaces the latency wait
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) MockOption {
	return func(m *Mock) {
		m.sleep = sleep
	}
}

// NewMock creates a mock adapter for a broker code
func NewMock(code string, opts ...MockOption) *Mock {
	m := &Mock{
		code:       models.NormalizeCode(code),
		minLatency: defaultMockMinLatency,
		maxLatency: defaultMockMaxLatency,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxLatency < m.minLatency {
		m.maxLatency = m.minLatency
	}
	return m
}

// Code returns the broker code the mock stands in for
func (m *Mock) Code() string {
	return m.code
}

// Send waits a random latency and returns a random outcome
func (m *Mock) Send(ctx context.Context, lead *models.Lead) Result {
	m.mu.Lock()
	latency := m.minLatency
	if spread := m.maxLatency - m.minLatency; spread > 0 {
		latency += time.Duration(m.rnd.Int63n(int64(spread) + 1))
	}
	roll := m.rnd.Float64()
	m.mu.Unlock()

	start := time.Now()
	if err := m.sleep(ctx, latency); err != nil {
		return Result{
			Kind:     models.OutcomeTempError,
			Raw:      err.Error(),
			Duration: time.Since(start),
		}
	}

	result := Result{Duration: time.Since(start)}
	switch {
	case roll < mockAcceptRate:
		id := "mock-" + uuid.NewString()
		result.Kind = models.OutcomeAccepted
		result.ExternalID = id
		result.AutologinURL = "https://mock.broker.local/autologin/" + id
		result.Code = intPtr(200)
		result.Raw = `{"success":true,"id":"` + id + `"}`
	case roll < mockAcceptRate+mockTempErrorRate:
		result.Kind = models.OutcomeTempError
		result.Code = intPtr(503)
		result.Raw = `{"success":false,"error":"mock broker unavailable"}`
	default:
		result.Kind = models.OutcomeRejected
		result.Code = intPtr(400)
		result.Raw = `{"success":false,"status":"rejected","error":"mock broker rejected lead"}`
	}
	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
