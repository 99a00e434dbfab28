package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/checkfox/go_broker/internal/client"
	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
)

// TemplateLister supplies the active broker templates
type TemplateLister interface {
	ListActive(ctx context.Context) ([]*models.BrokerTemplate, error)
}

// Registry maps normalized broker codes to adapters. Changes only affect
// sends that look up an adapter afterwards; in-flight sends keep theirs.
type Registry struct {
	mu            sync.RWMutex
	adapters      map[string]Adapter
	fromTemplates map[string]bool

	doer     client.Doer
	fallback func(code string) Adapter
}

// NewRegistry creates a registry. HTTP template adapters use doer; unknown
// codes resolve through fallback, which defaults to a Mock.
func NewRegistry(doer client.Doer, fallback func(code string) Adapter) *Registry {
	if fallback == nil {
		fallback = func(code string) Adapter { return NewMock(code) }
	}
	return &Registry{
		adapters:      make(map[string]Adapter),
		fromTemplates: make(map[string]bool),
		doer:          doer,
		fallback:      fallback,
	}
}

// Register stores an adapter under its code, replacing any previous one
func (r *Registry) Register(a Adapter) {
	code := models.NormalizeCode(a.Code())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[code] = a
	delete(r.fromTemplates, code)
}

// RegisterTemplate (re)builds the HTTP adapter of a template. Inactive
// templates are unregistered instead.
func (r *Registry) RegisterTemplate(tpl *models.BrokerTemplate) {
	code := models.NormalizeCode(tpl.Code)
	if !tpl.Active {
		r.Unregister(code)
		return
	}

	a := NewHTTPTemplate(tpl, r.doer)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[code] = a
	r.fromTemplates[code] = true
}

// Unregister removes the adapter for a code
func (r *Registry) Unregister(code string) {
	code = models.NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, code)
	delete(r.fromTemplates, code)
}

// Get returns the adapter registered for a code
func (r *Registry) Get(code string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[models.NormalizeCode(code)]
	return a, ok
}

// GetOrDefault returns the registered adapter or the fallback mock
func (r *Registry) GetOrDefault(code string) Adapter {
	if a, ok := r.Get(code); ok {
		return a
	}
	return r.fallback(models.NormalizeCode(code))
}

// Codes returns the registered codes in sorted order
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Load registers every active template and drops template adapters whose
// template is no longer active. It returns the number of registered templates.
func (r *Registry) Load(ctx context.Context, lister TemplateLister) (int, error) {
	templates, err := lister.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list broker templates: %w", err)
	}

	seen := make(map[string]bool, len(templates))
	for _, tpl := range templates {
		r.RegisterTemplate(tpl)
		seen[models.NormalizeCode(tpl.Code)] = true
	}

	r.mu.Lock()
	var stale []string
	for code := range r.fromTemplates {
		if !seen[code] {
			delete(r.adapters, code)
			delete(r.fromTemplates, code)
			stale = append(stale, code)
		}
	}
	r.mu.Unlock()

	if len(stale) > 0 {
		logger.Info(ctx, "Unregistered inactive broker templates", "codes", stale)
	}
	logger.Info(ctx, "Broker adapters loaded", "templates", len(templates))

	return len(templates), nil
}
