package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/checkfox/go_broker/internal/models"
)

// Request is a fully rendered outbound broker call
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response is the raw broker answer
type Response struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// IsSuccess reports whether the broker answered with a 2xx status
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Doer executes rendered broker requests. Adapters and the reconciliation
// poller depend on this instead of the concrete client.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// BrokerClient sends template-shaped requests to arbitrary broker endpoints.
// It never retries: a failed send is resent manually.
type BrokerClient struct {
	httpClient *resty.Client
}

// NewBrokerClient creates a broker client with the given request timeout
func NewBrokerClient(timeout time.Duration) *BrokerClient {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json, text/plain, */*")

	return &BrokerClient{
		httpClient: client,
	}
}

// Do executes the request. Non-2xx answers are returned as a Response, not an
// error; the error is reserved for transport failures and is always a
// temporary *models.DeliveryError.
func (c *BrokerClient) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}

	r := c.httpClient.R().
		SetContext(ctx).
		SetHeaders(req.Headers)
	if req.Body != "" {
		r.SetBody(req.Body)
	}

	startTime := time.Now()
	resp, err := r.Execute(method, req.URL)
	duration := time.Since(startTime)

	if err != nil {
		return nil, models.NewDeliveryError(0, fmt.Sprintf("%s %s failed", method, req.URL), true, err)
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.String(),
		Duration:   duration,
	}, nil
}
