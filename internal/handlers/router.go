package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/checkfox/go_broker/internal/config"
)

// RouterConfig holds the handlers and middleware settings of the HTTP surface
type RouterConfig struct {
	Config       *config.Config
	Dispatch     *DispatchHandler
	Integrations *IntegrationsHandler
	Webhook      *WebhookHandler
	Stats        *StatsHandler
}

// NewRouter wires every route. Webhook and API routes require the shared
// secret when auth is enabled; only the webhook is rate limited.
func NewRouter(rc RouterConfig) *mux.Router {
	recovery := NewRecoveryMiddleware()
	auth := NewAuthMiddleware(rc.Config)
	limiter := NewRateLimitMiddleware(rc.Config.Webhook.RateLimit, rc.Config.Webhook.Burst)

	open := func(h http.HandlerFunc) http.HandlerFunc {
		return recovery.Recover(h)
	}
	private := func(h http.HandlerFunc) http.HandlerFunc {
		return recovery.Recover(auth.Authenticate(h))
	}
	inbound := func(h http.HandlerFunc) http.HandlerFunc {
		return recovery.Recover(limiter.Limit(auth.Authenticate(h)))
	}

	r := mux.NewRouter()
	r.Use(NewCorrelationMiddleware().Wrap)

	if rc.Stats != nil {
		r.HandleFunc("/health", open(rc.Stats.HandleHealth)).Methods(http.MethodGet)
		r.HandleFunc("/stats/leads/counts", open(rc.Stats.HandleLeadCountsByStatus)).Methods(http.MethodGet)
		r.HandleFunc("/stats/leads/{id}/history", open(rc.Stats.HandleLeadHistory)).Methods(http.MethodGet)
	}

	if rc.Webhook != nil {
		r.HandleFunc("/webhooks/broker-status", inbound(rc.Webhook.HandleBrokerStatus)).Methods(http.MethodPost)
		r.HandleFunc("/webhooks/broker-status/{code}", inbound(rc.Webhook.HandleBrokerStatus)).Methods(http.MethodPost)
	}

	api := r.PathPrefix("/api").Subrouter()

	if d := rc.Dispatch; d != nil {
		api.HandleFunc("/leads/{id}/dispatch", private(d.HandleEnqueue)).Methods(http.MethodPost)
		api.HandleFunc("/dispatch/bulk", private(d.HandleBulkSend)).Methods(http.MethodPost)
		api.HandleFunc("/dispatch/queue", private(d.HandleQueue)).Methods(http.MethodGet)
		api.HandleFunc("/dispatch/queue", private(d.HandleClearQueue)).Methods(http.MethodDelete)
		api.HandleFunc("/dispatch/queue/{leadId}", private(d.HandleCancel)).Methods(http.MethodDelete)
		api.HandleFunc("/dispatch/completed/{leadId}", private(d.HandleRemoveCompleted)).Methods(http.MethodDelete)
	}

	if i := rc.Integrations; i != nil {
		// fixed paths before {code} so "reload" and "poller" are not taken as codes
		api.HandleFunc("/integrations/reload", private(i.HandleReload)).Methods(http.MethodPost)
		api.HandleFunc("/integrations/poller", private(i.HandlePollerStats)).Methods(http.MethodGet)
		api.HandleFunc("/integrations/poller/trigger", private(i.HandlePollerTrigger)).Methods(http.MethodPost)
		api.HandleFunc("/integrations/{code}/pull", private(i.HandlePull)).Methods(http.MethodPost)
		api.HandleFunc("/integrations/{code}/import", private(i.HandleImport)).Methods(http.MethodPost)
	}

	return r
}
