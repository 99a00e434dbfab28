// Package template interpolates broker request templates with lead data.
//
// Placeholders have the form ${name}. Each name is resolved, in order, from
// the template params, the computed specials (phonePrefix, phoneNumber,
// password) and finally a dotted path into the lead. Anything unresolved
// renders as the empty string.
package template

import (
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/secret"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^{}]+?)\}`)

// RenderContext carries everything a placeholder may resolve against
type RenderContext struct {
	Lead   *models.Lead
	Params map[string]string
	Policy models.PasswordPolicy

	// Generate produces a password when the lead has none stored.
	// Defaults to secret.Generate.
	Generate func(models.PasswordPolicy) string
}

// Render replaces every ${name} placeholder in tpl. A password generated
// during the call is reused for every ${password} occurrence.
func Render(tpl string, ctx RenderContext) string {
	if !strings.Contains(tpl, "${") {
		return tpl
	}

	var fields map[string]interface{}
	if ctx.Lead != nil {
		fields = ctx.Lead.Fields()
	}
	var generated string

	return placeholderPattern.ReplaceAllStringFunc(tpl, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-1])

		if value, ok := ctx.Params[name]; ok {
			return value
		}

		switch name {
		case "phonePrefix":
			if ctx.Lead != nil {
				return PhonePrefix(ctx.Lead.Phone)
			}
			return ""
		case "phoneNumber":
			if ctx.Lead != nil {
				return PhoneNumber(ctx.Lead.Phone)
			}
			return ""
		case "password":
			if ctx.Lead == nil || ctx.Lead.Password == "" {
				if generated == "" {
					generate := ctx.Generate
					if generate == nil {
						generate = secret.Generate
					}
					generated = generate(ctx.Policy)
				}
				return generated
			}
		}

		return Lookup(fields, name)
	})
}

// Lookup resolves a dotted path (a.b.c) in a JSON-shaped map and formats
// the value as text. Missing paths yield "".
func Lookup(fields map[string]interface{}, path string) string {
	value, ok := LookupValue(fields, path)
	if !ok {
		return ""
	}
	return FormatValue(value)
}

// LookupValue resolves a dotted path and returns the raw value
func LookupValue(fields map[string]interface{}, path string) (interface{}, bool) {
	if fields == nil || path == "" {
		return nil, false
	}

	var current interface{} = fields
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case models.JSONB:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// FormatValue renders a decoded JSON value as plain text. Integral floats
// print without a fractional part; objects and arrays are re-encoded.
func FormatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
