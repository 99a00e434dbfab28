package models

// LeadStatus represents the local send lifecycle of a lead
type LeadStatus string

const (
	// LeadStatusNew indicates the lead has not been accepted by any broker yet and may be sent
	LeadStatusNew LeadStatus = "NEW"

	// LeadStatusSent indicates a broker accepted the lead
	LeadStatusSent LeadStatus = "SENT"

	// LeadStatusFailed indicates a broker rejected the lead; it is not retried automatically
	LeadStatusFailed LeadStatus = "FAILED"
)

// IsValid checks if the status is a valid LeadStatus value
func (s LeadStatus) IsValid() bool {
	switch s {
	case LeadStatusNew, LeadStatusSent, LeadStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status represents a terminal send state
func (s LeadStatus) IsTerminal() bool {
	return s == LeadStatusSent || s == LeadStatusFailed
}

// Canonical broker statuses. Brokers report free-form strings which are
// normalized onto this vocabulary by the reconciliation status mapper.
const (
	BrokerStatusNew           = "NEW"
	BrokerStatusInProgress    = "IN_PROGRESS"
	BrokerStatusNoAnswer      = "NO_ANSWER"
	BrokerStatusCallback      = "CALLBACK"
	BrokerStatusInterested    = "INTERESTED"
	BrokerStatusNotInterested = "NOT_INTERESTED"
	BrokerStatusHold          = "HOLD"
	BrokerStatusApproved      = "APPROVED"
	BrokerStatusFTD           = "FTD"
	BrokerStatusRejected      = "REJECTED"
	BrokerStatusInvalid       = "INVALID"
	BrokerStatusDuplicate     = "DUPLICATE"
	BrokerStatusTrash         = "TRASH"
)

// AttemptOutcome is the classification of a single send at the adapter boundary
type AttemptOutcome string

const (
	// OutcomeAccepted means the broker took the lead and (usually) assigned an external ID
	OutcomeAccepted AttemptOutcome = "accepted"

	// OutcomeRejected is terminal: the broker refused the lead
	OutcomeRejected AttemptOutcome = "rejected"

	// OutcomeTempError covers transport failures, non-2xx answers and malformed rendered bodies
	OutcomeTempError AttemptOutcome = "temp_error"
)

// String returns the string representation of the outcome
func (o AttemptOutcome) String() string {
	return string(o)
}

// StatusEventSource identifies the reconciliation path that produced a status event
type StatusEventSource string

const (
	StatusSourcePull    StatusEventSource = "pull"
	StatusSourceWebhook StatusEventSource = "webhook"
	StatusSourceImport  StatusEventSource = "import"
)
