package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/checkfox/go_broker/internal/client"
	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/secret"
	"github.com/checkfox/go_broker/internal/template"
)

// Default response paths tried when a template does not configure one
var (
	defaultIDPaths        = []string{"id", "leadId", "lead_id", "externalId", "data.id"}
	defaultAutologinPaths = []string{"autologin", "autologinUrl", "autoLoginUrl", "url", "data.autologin"}
)

// Answers with one of these "status" values are rejections even on 2xx
var rejectedStatuses = map[string]bool{
	"error":    true,
	"fail":     true,
	"failed":   true,
	"rejected": true,
}

const (
	contentTypeHeader = "Content-Type"
	contentTypeJSON   = "application/json"
	contentTypeForm   = "application/x-www-form-urlencoded"
)

// HTTPTemplate sends leads as requests shaped by a stored broker template
type HTTPTemplate struct {
	tpl      models.BrokerTemplate
	doer     client.Doer
	generate func(models.PasswordPolicy) string
}

// NewHTTPTemplate creates an adapter for a template. The template is copied,
// so later edits only take effect after re-registration.
func NewHTTPTemplate(tpl *models.BrokerTemplate, doer client.Doer) *HTTPTemplate {
	return &HTTPTemplate{
		tpl:      *tpl,
		doer:     doer,
		generate: secret.Generate,
	}
}

// Code returns the normalized broker code
func (a *HTTPTemplate) Code() string {
	return models.NormalizeCode(a.tpl.Code)
}

// Template returns the template the adapter was built from
func (a *HTTPTemplate) Template() models.BrokerTemplate {
	return a.tpl
}

// Send renders the template for the lead, calls the broker and classifies the answer
func (a *HTTPTemplate) Send(ctx context.Context, lead *models.Lead) Result {
	start := time.Now()

	// one password per send, created only if a ${password} placeholder
	// actually renders it
	var generated string
	generate := func(policy models.PasswordPolicy) string {
		if generated == "" {
			generated = a.generate(policy)
		}
		return generated
	}

	req, err := a.buildRequest(lead, generate)
	if err != nil {
		logger.Warn(ctx, "Broker request not sent: template rendered invalid content",
			"broker", a.Code(),
			"error", err.Error(),
		)
		return Result{
			Kind:     models.OutcomeTempError,
			Code:     intPtr(http.StatusBadRequest),
			Raw:      err.Error(),
			Password: generated,
			Duration: time.Since(start),
		}
	}

	resp, err := a.doer.Do(ctx, req)
	if err != nil {
		var deliveryErr *models.DeliveryError
		raw := err.Error()
		if errors.As(err, &deliveryErr) && deliveryErr.Err != nil {
			raw = deliveryErr.Err.Error()
		}
		return Result{
			Kind:     models.OutcomeTempError,
			Raw:      raw,
			Password: generated,
			Duration: time.Since(start),
		}
	}

	result := Classify(resp, a.tpl.ResponseIDPath, a.tpl.ResponseAutologinPath)
	result.Password = generated
	result.Duration = time.Since(start)
	return result
}

// BuildRequest renders url, headers and body for a lead. A JSON body that
// is malformed after substitution is reported as a TemplateError.
func (a *HTTPTemplate) BuildRequest(lead *models.Lead) (client.Request, error) {
	return a.buildRequest(lead, a.generate)
}

func (a *HTTPTemplate) buildRequest(lead *models.Lead, generate func(models.PasswordPolicy) string) (client.Request, error) {
	rc := template.RenderContext{
		Lead:     lead,
		Params:   a.tpl.Params,
		Policy:   a.tpl.PasswordPolicy,
		Generate: generate,
	}

	method := strings.ToUpper(strings.TrimSpace(a.tpl.Method))
	if method == "" {
		method = http.MethodPost
	}

	headers, err := template.RenderHeaders(a.tpl.Headers, rc)
	if err != nil {
		return client.Request{}, err
	}

	body := template.Render(a.tpl.Body, rc)
	contentType, hasContentType := template.HeaderValue(headers, contentTypeHeader)
	if method == http.MethodPost && body != "" && !hasContentType {
		headers[contentTypeHeader] = contentTypeJSON
		contentType = contentTypeJSON
	}

	if body != "" {
		ct := strings.ToLower(contentType)
		switch {
		case strings.Contains(ct, contentTypeForm):
			body = template.FormEncode(body)
		case strings.Contains(ct, "json"):
			if err := template.ValidateJSON(body); err != nil {
				return client.Request{}, err
			}
		}
	}

	return client.Request{
		Method:  method,
		URL:     template.Render(a.tpl.URL, rc),
		Headers: headers,
		Body:    body,
	}, nil
}

// Classify maps a broker answer onto the outcome taxonomy: non-2xx is a
// temp_error, a 2xx answer that says it failed is rejected, anything else
// is accepted with the external ID and autologin URL picked from the body.
func Classify(resp *client.Response, idPath, autologinPath string) Result {
	code := resp.StatusCode
	result := Result{
		Code: &code,
		Raw:  resp.Body,
	}

	if !resp.IsSuccess() {
		result.Kind = models.OutcomeTempError
		return result
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(resp.Body), &fields); err != nil {
		// Text answers carry no ID but still mean the broker took the lead
		result.Kind = models.OutcomeAccepted
		return result
	}

	if success, ok := fields["success"].(bool); ok && !success {
		result.Kind = models.OutcomeRejected
		return result
	}
	if status, ok := fields["status"].(string); ok && rejectedStatuses[strings.ToLower(strings.TrimSpace(status))] {
		result.Kind = models.OutcomeRejected
		return result
	}

	result.Kind = models.OutcomeAccepted
	result.ExternalID = firstPath(fields, idPath, defaultIDPaths)
	result.AutologinURL = firstPath(fields, autologinPath, defaultAutologinPaths)
	return result
}

func firstPath(fields map[string]interface{}, configured string, defaults []string) string {
	if configured != "" {
		return template.Lookup(fields, configured)
	}
	for _, path := range defaults {
		if value := template.Lookup(fields, path); value != "" {
			return value
		}
	}
	return ""
}
