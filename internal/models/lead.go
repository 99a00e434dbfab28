package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to unmarshal JSONB value: %v", value)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(bytes, &result); err != nil {
		return err
	}

	*j = result
	return nil
}

// Lead is a marketing lead as seen by the dispatch and reconciliation flows.
// Status, Broker, ExternalID and BrokerStatus are only mutated by those flows.
type Lead struct {
	ID           int64      `json:"id" db:"id"`
	FirstName    string     `json:"firstName" db:"first_name"`
	LastName     string     `json:"lastName" db:"last_name"`
	Email        string     `json:"email" db:"email"`
	Phone        string     `json:"phone" db:"phone"`
	Country      string     `json:"country" db:"country"`
	Password     string     `json:"password,omitempty" db:"password"`
	Status       LeadStatus `json:"status" db:"status"`
	BrokerStatus string     `json:"brokerStatus" db:"broker_status"`
	Broker       string     `json:"broker" db:"broker"`
	ExternalID   *string    `json:"externalId,omitempty" db:"external_id"`
	AutologinURL string     `json:"autologinUrl,omitempty" db:"autologin_url"`
	BrokerResp   string     `json:"brokerResp,omitempty" db:"broker_resp"`
	Extra        JSONB      `json:"extra,omitempty" db:"extra"`
	SentAt       *time.Time `json:"sentAt,omitempty" db:"sent_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

// Fields projects the lead onto a JSON-shaped map used for dotted-path
// placeholder lookups (e.g. "firstName", "extra.utm.source").
func (l *Lead) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"id":           l.ID,
		"firstName":    l.FirstName,
		"lastName":     l.LastName,
		"email":        l.Email,
		"phone":        l.Phone,
		"country":      l.Country,
		"password":     l.Password,
		"status":       string(l.Status),
		"brokerStatus": l.BrokerStatus,
		"broker":       l.Broker,
		"autologinUrl": l.AutologinURL,
		"createdAt":    l.CreatedAt.UTC().Format(time.RFC3339),
	}
	if l.ExternalID != nil {
		fields["externalId"] = *l.ExternalID
	}
	if l.Extra != nil {
		fields["extra"] = map[string]interface{}(l.Extra)
	}
	return fields
}

// ExternalIDValue returns the external ID or an empty string when unset
func (l *Lead) ExternalIDValue() string {
	if l.ExternalID == nil {
		return ""
	}
	return *l.ExternalID
}

// Clone returns a shallow copy of the lead whose Extra map is not shared
func (l *Lead) Clone() *Lead {
	c := *l
	if l.ExternalID != nil {
		id := *l.ExternalID
		c.ExternalID = &id
	}
	if l.Extra != nil {
		c.Extra = make(JSONB, len(l.Extra))
		for k, v := range l.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// LeadBrokerAttempt is an append-only audit row for one send attempt
type LeadBrokerAttempt struct {
	ID           int64          `json:"id" db:"id"`
	LeadID       int64          `json:"leadId" db:"lead_id"`
	BrokerCode   string         `json:"broker" db:"broker_code"`
	AttemptNo    int            `json:"attemptNo" db:"attempt_no"`
	Outcome      AttemptOutcome `json:"outcome" db:"outcome"`
	ResponseCode *int           `json:"responseCode,omitempty" db:"response_code"`
	ResponseBody string         `json:"responseBody,omitempty" db:"response_body"`
	DurationMs   int64          `json:"durationMs" db:"duration_ms"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
}

// NewLeadBrokerAttempt creates a new attempt row for a lead
func NewLeadBrokerAttempt(leadID int64, brokerCode string, attemptNo int) *LeadBrokerAttempt {
	return &LeadBrokerAttempt{
		LeadID:     leadID,
		BrokerCode: brokerCode,
		AttemptNo:  attemptNo,
		CreatedAt:  time.Now(),
	}
}

// LeadStatusEvent records a brokerStatus transition
type LeadStatusEvent struct {
	ID         int64             `json:"id" db:"id"`
	LeadID     int64             `json:"leadId" db:"lead_id"`
	BrokerCode string            `json:"broker" db:"broker_code"`
	FromStatus string            `json:"from" db:"from_status"`
	ToStatus   string            `json:"to" db:"to_status"`
	RawStatus  string            `json:"rawStatus,omitempty" db:"raw_status"`
	Source     StatusEventSource `json:"source" db:"source"`
	CreatedAt  time.Time         `json:"createdAt" db:"created_at"`
}
