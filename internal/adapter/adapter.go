// Package adapter wraps each broker's transport behind a uniform Send
// contract and keeps the process-wide registry of adapters by broker code.
package adapter

import (
	"context"
	"time"

	"github.com/checkfox/go_broker/internal/models"
)

// Adapter sends one lead to one broker. Send never returns an error: every
// failure is classified into the Result kind.
type Adapter interface {
	Send(ctx context.Context, lead *models.Lead) Result
	Code() string
}

// Result is the classified outcome of a single send
type Result struct {
	Kind         models.AttemptOutcome
	ExternalID   string
	AutologinURL string
	Code         *int
	Raw          string

	// Password is set when the adapter generated one for a lead that had
	// none and the request carried it, so the caller can persist the value
	// the broker received. Empty when a template param supplied it or the
	// template has no ${password}.
	Password string

	Duration time.Duration
}

// Accepted reports whether the broker took the lead
func (r Result) Accepted() bool {
	return r.Kind == models.OutcomeAccepted
}

func intPtr(v int) *int {
	return &v
}
