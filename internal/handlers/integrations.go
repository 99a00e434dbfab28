package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/checkfox/go_broker/internal/adapter"
	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/reconcile"
)

// TemplateSource resolves broker templates by code and lists the active ones
type TemplateSource interface {
	GetByCode(ctx context.Context, code string) (*models.BrokerTemplate, error)
	ListActive(ctx context.Context) ([]*models.BrokerTemplate, error)
}

// CustomerImporter imports leads from a broker; *reconcile.Importer implements it
type CustomerImporter interface {
	Import(ctx context.Context, tpl *models.BrokerTemplate, since time.Time) (*reconcile.ImportSummary, error)
}

// AdapterLoader re-registers template adapters; *adapter.Registry implements it
type AdapterLoader interface {
	Load(ctx context.Context, lister adapter.TemplateLister) (int, error)
	Codes() []string
}

// PollerControl exposes the reconciliation poller
type PollerControl interface {
	Stats() reconcile.PollerStats
	Trigger()
}

// IntegrationsHandler exposes manual reconciliation, import and adapter reload
type IntegrationsHandler struct {
	templates TemplateSource
	puller    reconcile.StatusPuller
	importer  CustomerImporter
	adapters  AdapterLoader
	poller    PollerControl
	now       func() time.Time
}

// NewIntegrationsHandler creates a new IntegrationsHandler. poller may be nil
// when the poller runs in another process.
func NewIntegrationsHandler(
	templates TemplateSource,
	puller reconcile.StatusPuller,
	importer CustomerImporter,
	adapters AdapterLoader,
	poller PollerControl,
) *IntegrationsHandler {
	return &IntegrationsHandler{
		templates: templates,
		puller:    puller,
		importer:  importer,
		adapters:  adapters,
		poller:    poller,
		now:       time.Now,
	}
}

// ImportRequest is the optional body of the import endpoint
type ImportRequest struct {
	SinceHours int `json:"sinceHours"`
}

// HandlePull handles POST /api/integrations/{code}/pull
func (h *IntegrationsHandler) HandlePull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tpl, ok := h.template(w, r)
	if !ok {
		return
	}
	ctx = logger.WithBroker(ctx, tpl.Code)

	summary, err := h.puller.PullBrokerStatus(ctx, tpl)
	if err != nil {
		logger.LogError(ctx, "Manual status pull failed", err)
		respondError(w, ctx, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, ctx, http.StatusOK, summary)
}

// HandleImport handles POST /api/integrations/{code}/import
func (h *IntegrationsHandler) HandleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ImportRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, ctx, http.StatusBadRequest, "malformed JSON payload")
		return
	}
	if req.SinceHours < 0 {
		respondError(w, ctx, http.StatusBadRequest, "sinceHours must not be negative")
		return
	}

	tpl, ok := h.template(w, r)
	if !ok {
		return
	}
	ctx = logger.WithBroker(ctx, tpl.Code)

	lookback := reconcile.DefaultImportLookback
	if req.SinceHours > 0 {
		lookback = time.Duration(req.SinceHours) * time.Hour
	}

	summary, err := h.importer.Import(ctx, tpl, h.now().Add(-lookback))
	if err != nil {
		logger.LogError(ctx, "Customer import failed", err)
		respondError(w, ctx, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, ctx, http.StatusOK, summary)
}

// HandleReload handles POST /api/integrations/reload
func (h *IntegrationsHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.adapters.Load(ctx, h.templates)
	if err != nil {
		logger.LogError(ctx, "Adapter reload failed", err)
		respondError(w, ctx, http.StatusServiceUnavailable, "failed to reload broker templates")
		return
	}
	respondJSON(w, ctx, http.StatusOK, map[string]interface{}{
		"templates": n,
		"adapters":  h.adapters.Codes(),
	})
}

// HandlePollerStats handles GET /api/integrations/poller
func (h *IntegrationsHandler) HandlePollerStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.poller == nil {
		respondError(w, ctx, http.StatusNotFound, "poller not running in this process")
		return
	}
	respondJSON(w, ctx, http.StatusOK, h.poller.Stats())
}

// HandlePollerTrigger handles POST /api/integrations/poller/trigger
func (h *IntegrationsHandler) HandlePollerTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.poller == nil {
		respondError(w, ctx, http.StatusNotFound, "poller not running in this process")
		return
	}
	h.poller.Trigger()
	respondJSON(w, ctx, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (h *IntegrationsHandler) template(w http.ResponseWriter, r *http.Request) (*models.BrokerTemplate, bool) {
	ctx := r.Context()
	code := models.NormalizeCode(mux.Vars(r)["code"])
	if code == "" {
		respondError(w, ctx, http.StatusBadRequest, "missing broker code")
		return nil, false
	}

	tpl, err := h.templates.GetByCode(ctx, code)
	if err != nil {
		if models.IsNotFound(err) {
			respondError(w, ctx, http.StatusNotFound, "unknown broker: "+code)
			return nil, false
		}
		logger.LogError(ctx, "Failed to load broker template", err, "broker", code)
		respondError(w, ctx, http.StatusInternalServerError, "failed to load broker template")
		return nil, false
	}
	return tpl, true
}
