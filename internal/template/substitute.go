package template

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/checkfox/go_broker/internal/models"
)

// DateLayout is the format of the ${from} and ${to} pull placeholders
const DateLayout = "2006-01-02 15:04:05"

// SubstituteDates fills the pull window placeholders ${from}, ${to},
// ${fromIso} and ${toIso}, plus their {from}-style twins. It runs before
// Render so that those names never reach the lead lookup.
func SubstituteDates(tpl string, from, to time.Time) string {
	return substituteDates(tpl, from, to, func(s string) string { return s })
}

// SubstituteDatesEscaped is SubstituteDates for a URL: every value is
// query-escaped, so the space in DateLayout arrives as "+"
func SubstituteDatesEscaped(tpl string, from, to time.Time) string {
	return substituteDates(tpl, from, to, url.QueryEscape)
}

func substituteDates(tpl string, from, to time.Time, escape func(string) string) string {
	from, to = from.UTC(), to.UTC()
	values := map[string]string{
		"fromIso": from.Format(time.RFC3339),
		"toIso":   to.Format(time.RFC3339),
		"from":    from.Format(DateLayout),
		"to":      to.Format(DateLayout),
	}
	// Iso names first so that {from} never eats the prefix of {fromIso}
	for _, name := range []string{"fromIso", "toIso", "from", "to"} {
		tpl = substituteBoth(tpl, name, escape(values[name]))
	}
	return tpl
}

// SubstituteList replaces ${name} and {name} with a comma-joined list
func SubstituteList(tpl, name string, values []string) string {
	return substituteBoth(tpl, name, strings.Join(values, ","))
}

// SubstituteListEscaped is SubstituteList for a URL. Each value is
// query-escaped and the separating commas stay literal.
func SubstituteListEscaped(tpl, name string, values []string) string {
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = url.QueryEscape(v)
	}
	return SubstituteList(tpl, name, escaped)
}

func substituteBoth(tpl, name, value string) string {
	tpl = strings.ReplaceAll(tpl, "${"+name+"}", value)
	return strings.ReplaceAll(tpl, "{"+name+"}", value)
}

// FormEncode converts a flat JSON object into an
// application/x-www-form-urlencoded body with sorted keys. Anything that
// does not parse as a JSON object is returned unchanged.
func FormEncode(body string) string {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return body
	}

	form := url.Values{}
	for key, value := range fields {
		form.Set(key, FormatValue(value))
	}
	return form.Encode()
}

// ValidateJSON reports whether a rendered body is well-formed JSON
func ValidateJSON(body string) error {
	if !json.Valid([]byte(body)) {
		return models.NewTemplateError("body", "rendered body is not valid JSON", nil)
	}
	return nil
}

// ParseHeaders decodes a rendered JSON object of header names to values.
// An empty string yields no headers.
func ParseHeaders(headers string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(headers) == "" {
		return out, nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(headers), &raw); err != nil {
		return nil, models.NewTemplateError("headers", "headers are not a JSON object", err)
	}
	for key, value := range raw {
		out[key] = FormatValue(value)
	}
	return out, nil
}

// HeaderValue returns the value of a header using a case-insensitive name match
func HeaderValue(headers map[string]string, name string) (string, bool) {
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value, true
		}
	}
	return "", false
}

// RenderHeaders renders and parses a headers template in one step
func RenderHeaders(tpl string, ctx RenderContext) (map[string]string, error) {
	headers, err := ParseHeaders(Render(tpl, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to render headers: %w", err)
	}
	return headers, nil
}
