package services

import (
	"strings"

	"github.com/checkfox/go_broker/internal/config"
	"github.com/checkfox/go_broker/internal/models"
)

// AlterCPAMoeCode is the broker whose statuses arrive as numeric codes
const AlterCPAMoeCode = "ALTERCPA_MOE"

// defaultStatusVocabulary maps raw broker statuses (in key form) to
// canonical broker statuses
var defaultStatusVocabulary = map[string]string{
	"new":            models.BrokerStatusNew,
	"pending":        models.BrokerStatusNew,
	"in progress":    models.BrokerStatusInProgress,
	"processing":     models.BrokerStatusInProgress,
	"contacted":      models.BrokerStatusInProgress,
	"no answer":      models.BrokerStatusNoAnswer,
	"noanswer":       models.BrokerStatusNoAnswer,
	"na":             models.BrokerStatusNoAnswer,
	"callback":       models.BrokerStatusCallback,
	"call back":      models.BrokerStatusCallback,
	"interested":     models.BrokerStatusInterested,
	"not interested": models.BrokerStatusNotInterested,
	"hold":           models.BrokerStatusHold,
	"on hold":        models.BrokerStatusHold,
	"approved":       models.BrokerStatusApproved,
	"accepted":       models.BrokerStatusApproved,
	"converted":      models.BrokerStatusApproved,
	"ftd":            models.BrokerStatusFTD,
	"deposit":        models.BrokerStatusFTD,
	"depositor":      models.BrokerStatusFTD,
	"rejected":       models.BrokerStatusRejected,
	"declined":       models.BrokerStatusRejected,
	"invalid":        models.BrokerStatusInvalid,
	"wrong number":   models.BrokerStatusInvalid,
	"duplicate":      models.BrokerStatusDuplicate,
	"dupe":           models.BrokerStatusDuplicate,
	"trash":          models.BrokerStatusTrash,
	"spam":           models.BrokerStatusTrash,
}

// builtinBrokerVocabulary holds broker-specific tables
var builtinBrokerVocabulary = map[string]map[string]string{
	AlterCPAMoeCode: {
		"1":       models.BrokerStatusNew,
		"2":       models.BrokerStatusInProgress,
		"3":       models.BrokerStatusNoAnswer,
		"4":       models.BrokerStatusCallback,
		"5":       models.BrokerStatusInterested,
		"6":       models.BrokerStatusHold,
		"7":       models.BrokerStatusNotInterested,
		"8":       models.BrokerStatusApproved,
		"9":       models.BrokerStatusFTD,
		"10":      models.BrokerStatusRejected,
		"11":      models.BrokerStatusInvalid,
		"12":      models.BrokerStatusDuplicate,
		"wait":    models.BrokerStatusInProgress,
		"accept":  models.BrokerStatusApproved,
		"cancel":  models.BrokerStatusRejected,
		"trash":   models.BrokerStatusTrash,
		"expired": models.BrokerStatusNotInterested,
	},
}

var canonicalStatuses = map[string]bool{
	models.BrokerStatusNew:           true,
	models.BrokerStatusInProgress:    true,
	models.BrokerStatusNoAnswer:      true,
	models.BrokerStatusCallback:      true,
	models.BrokerStatusInterested:    true,
	models.BrokerStatusNotInterested: true,
	models.BrokerStatusHold:          true,
	models.BrokerStatusApproved:      true,
	models.BrokerStatusFTD:           true,
	models.BrokerStatusRejected:      true,
	models.BrokerStatusInvalid:       true,
	models.BrokerStatusDuplicate:     true,
	models.BrokerStatusTrash:         true,
}

// StatusMapper normalizes broker-reported statuses onto the canonical
// vocabulary. Broker tables win over the default table.
type StatusMapper struct {
	defaults map[string]string
	brokers  map[string]map[string]string
}

// NewStatusMapper builds a mapper from the built-in tables merged with the
// configured overrides
func NewStatusMapper(cfg config.StatusMappingConfig) *StatusMapper {
	m := &StatusMapper{
		defaults: make(map[string]string, len(defaultStatusVocabulary)+len(cfg.Default)),
		brokers:  make(map[string]map[string]string),
	}

	for raw, canonical := range defaultStatusVocabulary {
		m.defaults[statusKey(raw)] = canonical
	}
	for raw, canonical := range cfg.Default {
		m.defaults[statusKey(raw)] = strings.ToUpper(strings.TrimSpace(canonical))
	}

	for broker, table := range builtinBrokerVocabulary {
		m.mergeBroker(broker, table)
	}
	for broker, table := range cfg.Brokers {
		m.mergeBroker(broker, table)
	}
	return m
}

func (m *StatusMapper) mergeBroker(broker string, table map[string]string) {
	code := models.NormalizeCode(broker)
	target, ok := m.brokers[code]
	if !ok {
		target = make(map[string]string, len(table))
		m.brokers[code] = target
	}
	for raw, canonical := range table {
		target[statusKey(raw)] = strings.ToUpper(strings.TrimSpace(canonical))
	}
}

// Map returns the canonical status for a raw broker status. A raw value
// that already is a canonical status maps to itself.
func (m *StatusMapper) Map(brokerCode, raw string) (string, bool) {
	key := statusKey(raw)
	if key == "" {
		return "", false
	}

	if table, ok := m.brokers[models.NormalizeCode(brokerCode)]; ok {
		if canonical, ok := table[key]; ok {
			return canonical, true
		}
	}
	if canonical, ok := m.defaults[key]; ok {
		return canonical, true
	}

	upper := strings.ReplaceAll(strings.ToUpper(key), " ", "_")
	if canonicalStatuses[upper] {
		return upper, true
	}
	return "", false
}

// IsCanonical reports whether status belongs to the canonical vocabulary
func IsCanonical(status string) bool {
	return canonicalStatuses[status]
}

// statusKey lowercases a status and turns separators into single spaces
func statusKey(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
