package services

import (
	"regexp"
	"strings"

	"github.com/checkfox/go_broker/internal/models"
)

// Normalizer cleans up contact data received from brokers before it is
// stored on a lead
type Normalizer struct {
	digitPattern      *regexp.Regexp
	whitespacePattern *regexp.Regexp
}

// NewNormalizer creates a new Normalizer instance
func NewNormalizer() *Normalizer {
	return &Normalizer{
		digitPattern:      regexp.MustCompile(`\d+`),
		whitespacePattern: regexp.MustCompile(`\s+`),
	}
}

// NormalizeRecord normalizes every string in a payload, recursing into
// nested objects and arrays
func (n *Normalizer) NormalizeRecord(rawPayload models.JSONB) models.JSONB {
	if rawPayload == nil {
		return nil
	}
	normalized := make(models.JSONB, len(rawPayload))
	for key, value := range rawPayload {
		normalized[key] = n.normalizeValue(value)
	}
	return normalized
}

func (n *Normalizer) normalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return n.NormalizeText(v)
	case map[string]interface{}:
		normalized := make(map[string]interface{}, len(v))
		for key, val := range v {
			normalized[key] = n.normalizeValue(val)
		}
		return normalized
	case []interface{}:
		normalized := make([]interface{}, len(v))
		for i, val := range v {
			normalized[i] = n.normalizeValue(val)
		}
		return normalized
	default:
		return value
	}
}

// NormalizeText trims a string and collapses inner whitespace runs
func (n *Normalizer) NormalizeText(s string) string {
	return n.whitespacePattern.ReplaceAllString(strings.TrimSpace(s), " ")
}

// NormalizeEmail trims and lowercases an email address
func (n *Normalizer) NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone keeps the digits of a phone number and restores a leading
// "+" when the input had one
func (n *Normalizer) NormalizePhone(phone string) string {
	digits := strings.Join(n.digitPattern.FindAllString(phone, -1), "")
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(strings.TrimSpace(phone), "+") {
		return "+" + digits
	}
	return digits
}

// NormalizeCountry returns an upper-cased, trimmed country code
func (n *Normalizer) NormalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

// NormalizeLead normalizes the contact fields of a lead in place
func (n *Normalizer) NormalizeLead(lead *models.Lead) {
	lead.FirstName = n.NormalizeText(lead.FirstName)
	lead.LastName = n.NormalizeText(lead.LastName)
	lead.Email = n.NormalizeEmail(lead.Email)
	lead.Phone = n.NormalizePhone(lead.Phone)
	lead.Country = n.NormalizeCountry(lead.Country)
	lead.Extra = n.NormalizeRecord(lead.Extra)
}
