package models

import (
	"strings"
	"time"
)

// PasswordPolicy describes how lead passwords are generated for a broker
type PasswordPolicy struct {
	Length       int    `json:"length"`
	UseUpper     bool   `json:"useUpper"`
	UseLower     bool   `json:"useLower"`
	UseDigits    bool   `json:"useDigits"`
	UseSpecial   bool   `json:"useSpecial"`
	SpecialChars string `json:"specialChars,omitempty"`
}

// BrokerTemplate is one broker integration: the outbound request template
// and an independent pull configuration used by reconciliation.
type BrokerTemplate struct {
	ID     int64  `json:"id" db:"id"`
	Code   string `json:"code" db:"code"`
	Name   string `json:"name" db:"name"`
	Active bool   `json:"active" db:"active"`

	URL     string            `json:"url" db:"url"`
	Method  string            `json:"method" db:"method"`
	Headers string            `json:"headers" db:"headers"`
	Body    string            `json:"body" db:"body"`
	Params  map[string]string `json:"params" db:"params"`

	PasswordPolicy PasswordPolicy `json:"passwordPolicy" db:"password_policy"`

	// Dotted paths into the broker's JSON answer; empty means use the defaults
	ResponseIDPath        string `json:"responseIdPath,omitempty" db:"response_id_path"`
	ResponseAutologinPath string `json:"responseAutologinPath,omitempty" db:"response_autologin_path"`

	PullEnabled  bool       `json:"pullEnabled" db:"pull_enabled"`
	PullURL      string     `json:"pullUrl" db:"pull_url"`
	PullMethod   string     `json:"pullMethod" db:"pull_method"`
	PullHeaders  string     `json:"pullHeaders" db:"pull_headers"`
	PullBody     string     `json:"pullBody" db:"pull_body"`
	PullInterval int        `json:"pullInterval" db:"pull_interval"`
	PullLastSync *time.Time `json:"pullLastSync,omitempty" db:"pull_last_sync"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// NormalizeCode returns the canonical, case-insensitive form of a broker code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// PullDue reports whether the template's pull interval has elapsed since the
// last sync. A sync that lands within slack of the due time counts as due, so
// a tick-driven caller passing half its period rounds to the nearest tick.
func (t *BrokerTemplate) PullDue(now time.Time, slack time.Duration) bool {
	if t.PullLastSync == nil || t.PullInterval <= 0 {
		return true
	}
	return !now.Add(slack).Before(t.PullLastSync.Add(time.Duration(t.PullInterval) * time.Minute))
}

// Box is a named, optionally country-scoped, ordered list of candidate brokers
type Box struct {
	ID      int64       `json:"id" db:"id"`
	Name    string      `json:"name" db:"name"`
	Country *string     `json:"country,omitempty" db:"country"`
	Brokers []BoxBroker `json:"brokers"`
}

// IsUniversal reports whether the box is not scoped to a country
func (b *Box) IsUniversal() bool {
	return b.Country == nil || *b.Country == ""
}

// BoxBroker is one candidate broker inside a box. Priorities are advisory
// ordering and are not required to be unique.
type BoxBroker struct {
	BrokerCode      string `json:"broker" db:"broker_code"`
	BrokerName      string `json:"brokerName" db:"broker_name"`
	Priority        int    `json:"priority" db:"priority"`
	DeliveryEnabled bool   `json:"deliveryEnabled" db:"delivery_enabled"`
	DeliveryFrom    string `json:"deliveryFrom" db:"delivery_from"`
	DeliveryTo      string `json:"deliveryTo" db:"delivery_to"`
	LeadCap         *int   `json:"leadCap,omitempty" db:"lead_cap"`
}
