// Package reconcile pulls broker-side lead statuses back into local leads:
// the periodic poller, the inbound webhook receiver and the one-shot lead
// importer share the customer parsers and the status vocabulary.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/services"
	"github.com/checkfox/go_broker/internal/template"
)

// External ID and status fields, in precedence order
var (
	externalIDFields = []string{
		"externalId", "external_id", "leadId", "lead_id",
		"clickid", "click_id", "customerId", "customer_id", "id",
	}
	statusFields = []string{
		"brokerStatus", "status", "saleStatus", "sale_status",
		"leadStatus", "lead_status", "call_status",
	}
)

// Containers a generic customer list may be wrapped in
var listContainers = []string{"data", "customers", "leads", "items", "result", "results", "data.items", "data.customers"}

// Customer is one broker-side record, normalized across response shapes
type Customer struct {
	ExternalID string
	Status     string
	FirstName  string
	LastName   string
	Email      string
	Phone      string
	Country    string
	Fields     map[string]interface{}
}

// Parser turns a pull response body into customers
type Parser interface {
	Parse(body []byte) ([]Customer, error)
}

// ParserFor picks the parser for a broker code
func ParserFor(brokerCode string) Parser {
	if models.NormalizeCode(brokerCode) == services.AlterCPAMoeCode {
		return AlterCPAMoeParser{}
	}
	return GenericParser{}
}

// GenericParser reads a JSON array of customer objects, either at the top
// level or inside one of the usual container keys
type GenericParser struct{}

// Parse implements Parser
func (GenericParser) Parse(body []byte) ([]Customer, error) {
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode customer list: %w", err)
	}

	list, ok := decoded.([]interface{})
	if !ok {
		obj, isObj := decoded.(map[string]interface{})
		if !isObj {
			return nil, fmt.Errorf("unexpected customer list type %T", decoded)
		}
		list, ok = findList(obj)
		if !ok {
			return nil, fmt.Errorf("no customer list in response")
		}
	}

	customers := make([]Customer, 0, len(list))
	for _, item := range list {
		record, ok := item.(map[string]interface{})
		if !ok {
			// kept so the caller can count it as malformed
			customers = append(customers, Customer{})
			continue
		}
		customers = append(customers, CustomerFromRecord(record))
	}
	return customers, nil
}

func findList(obj map[string]interface{}) ([]interface{}, bool) {
	for _, path := range listContainers {
		value, ok := template.LookupValue(obj, path)
		if !ok {
			continue
		}
		if list, ok := value.([]interface{}); ok {
			return list, true
		}
	}
	return nil, false
}

// AlterCPAMoeParser reads the ALTERCPA_MOE answer: an object keyed by
// external ID whose values are either a status or a customer object
type AlterCPAMoeParser struct{}

// Parse implements Parser
func (AlterCPAMoeParser) Parse(body []byte) ([]Customer, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode id-keyed customers: %w", err)
	}
	if inner, ok := obj["data"].(map[string]interface{}); ok {
		obj = inner
	}

	ids := make([]string, 0, len(obj))
	for id := range obj {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	customers := make([]Customer, 0, len(ids))
	for _, id := range ids {
		var c Customer
		switch value := obj[id].(type) {
		case map[string]interface{}:
			c = CustomerFromRecord(value)
		case nil:
			c = Customer{}
		default:
			c = Customer{Status: template.FormatValue(value)}
		}
		c.ExternalID = strings.TrimSpace(id)
		customers = append(customers, c)
	}
	return customers, nil
}

// CustomerFromRecord maps a flat broker record by the known field names
func CustomerFromRecord(record map[string]interface{}) Customer {
	return Customer{
		ExternalID: firstField(record, externalIDFields),
		Status:     firstField(record, statusFields),
		FirstName:  firstField(record, []string{"firstName", "first_name", "firstname", "fname", "name"}),
		LastName:   firstField(record, []string{"lastName", "last_name", "lastname", "lname", "surname"}),
		Email:      firstField(record, []string{"email", "mail", "e_mail"}),
		Phone:      firstField(record, []string{"phone", "phone_number", "phoneNumber", "telephone", "tel"}),
		Country:    firstField(record, []string{"country", "countryCode", "country_code", "geo"}),
		Fields:     record,
	}
}

// firstField returns the first non-empty value among names
func firstField(record map[string]interface{}, names []string) string {
	for _, name := range names {
		value, ok := record[name]
		if !ok {
			continue
		}
		if s := strings.TrimSpace(template.FormatValue(value)); s != "" {
			return s
		}
	}
	return ""
}
