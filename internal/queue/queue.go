package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// JobDispatchLead asks a worker to send one lead to a broker
const JobDispatchLead = "dispatch_lead"

// Job represents a background job to be processed
type Job struct {
	ID        int64                  `json:"id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
	NextRunAt time.Time              `json:"next_run_at"`
	Attempts  int                    `json:"attempts"`
}

// Queue defines the interface for job queue operations
type Queue interface {
	// Enqueue adds a new job to the queue
	Enqueue(ctx context.Context, jobType string, payload map[string]interface{}) error

	// EnqueueWithDelay adds a job to be processed after a delay
	EnqueueWithDelay(ctx context.Context, jobType string, payload map[string]interface{}, delay time.Duration) error

	// Dequeue retrieves the next available job from the queue.
	// Returns nil if no jobs are available.
	Dequeue(ctx context.Context) (*Job, error)

	// Complete marks a job as successfully completed
	Complete(ctx context.Context, jobID int64) error

	// Retry reschedules a job for retry with a delay
	Retry(ctx context.Context, jobID int64, delay time.Duration) error

	// Fail marks a job as permanently failed
	Fail(ctx context.Context, jobID int64, errorMsg string) error

	// Depth counts jobs per status
	Depth(ctx context.Context) (map[string]int, error)

	// HealthCheck verifies the queue is operational
	HealthCheck(ctx context.Context) error

	// Close closes the queue connection
	Close() error
}

// DispatchPayload is the payload of a dispatch_lead job
type DispatchPayload struct {
	LeadID int64  `json:"lead_id"`
	Broker string `json:"broker,omitempty"`
}

// NewDispatchPayload builds the payload of a dispatch_lead job. An empty
// broker leaves the choice to the selector.
func NewDispatchPayload(leadID int64, broker string) map[string]interface{} {
	payload := map[string]interface{}{"lead_id": leadID}
	if b := strings.TrimSpace(broker); b != "" {
		payload["broker"] = b
	}
	return payload
}

// ParseDispatchPayload reads a dispatch_lead payload
func ParseDispatchPayload(payload map[string]interface{}) (DispatchPayload, error) {
	leadID, ok := GetLeadID(payload)
	if !ok || leadID <= 0 {
		return DispatchPayload{}, fmt.Errorf("%w: missing lead_id", ErrInvalidPayload)
	}
	out := DispatchPayload{LeadID: leadID}
	if raw, ok := payload["broker"]; ok && raw != nil {
		broker, isString := raw.(string)
		if !isString {
			return DispatchPayload{}, fmt.Errorf("%w: broker must be a string", ErrInvalidPayload)
		}
		out.Broker = strings.TrimSpace(broker)
	}
	return out, nil
}

// GetLeadID extracts lead_id from job payload
func GetLeadID(payload map[string]interface{}) (int64, bool) {
	leadID, ok := payload["lead_id"]
	if !ok {
		return 0, false
	}

	// Handle different numeric types
	switch v := leadID.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	}

	return 0, false
}
