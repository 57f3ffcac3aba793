package app

import (
	"context"
	"time"

	"github.com/nulpointcorp/model-router/internal/config"
	"github.com/nulpointcorp/model-router/internal/health"
	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/proxy"
	"github.com/nulpointcorp/model-router/internal/routing"
	"github.com/nulpointcorp/model-router/internal/upstream"
)

// Catalog is the config-backed topology store. It implements both
// proxy.ModelSource and proxy.ProviderSource; lookups are reads of maps
// built once at startup, so no locking is needed.
type Catalog struct {
	models    map[string]*routing.LogicalModel
	providers map[string]*proxy.ProviderRuntime
	probes    []health.ProbeTarget
	disabled  []string
}

// buildCatalog translates the validated config topology into runtime form:
// logical model lookup tables, per-provider transports and key pools, and
// the probe target list for the health oracle.
func buildCatalog(cfg *config.Config) *Catalog {
	loadedAt := time.Now()
	httpClient := upstream.NewUpstreamClient()

	c := &Catalog{
		models:    make(map[string]*routing.LogicalModel, len(cfg.LogicalModels)),
		providers: make(map[string]*proxy.ProviderRuntime, len(cfg.Providers)),
	}

	for _, p := range cfg.Providers {
		if p.Disabled {
			c.disabled = append(c.disabled, p.ID)
			continue
		}

		var disp upstream.Dispatcher
		switch p.Transport {
		case "openai":
			disp = upstream.NewOpenAITransport(p.ID, p.BaseURL, httpClient)
		case "anthropic":
			disp = upstream.NewAnthropicTransport(p.ID, p.BaseURL, httpClient)
		default:
			disp = upstream.NewHTTPTransport(p.ID, p.BaseURL, p.CustomHeaders, httpClient)
		}

		keys := make([]keypool.KeyConfig, 0, len(p.Keys))
		for _, k := range p.Keys {
			keys = append(keys, keypool.KeyConfig{
				Key:    k.Key,
				Label:  k.Label,
				Weight: k.Weight,
				MaxQPS: k.MaxQPS,
			})
		}

		c.providers[p.ID] = &proxy.ProviderRuntime{
			ID:        p.ID,
			Keys:      keypool.ProviderKeys{ProviderID: p.ID, Keys: keys},
			Transport: disp,
		}

		c.probes = append(c.probes, health.ProbeTarget{
			ProviderID: p.ID,
			BaseURL:    p.BaseURL,
			Headers:    p.CustomHeaders,
		})
	}

	for _, m := range cfg.LogicalModels {
		ups := make([]routing.PhysicalModel, 0, len(m.Upstreams))
		for _, u := range m.Upstreams {
			ups = append(ups, routing.PhysicalModel{
				ProviderID: u.ProviderID,
				ModelID:    u.ModelID,
				Endpoint:   u.Endpoint,
				BaseWeight: u.BaseWeight,
				UpdatedAt:  loadedAt,
				APIStyle:   routing.APIStyle(u.APIStyle),
			})
		}
		c.models[m.LogicalID] = &routing.LogicalModel{
			LogicalID:   m.LogicalID,
			DisplayName: m.DisplayName,
			Upstreams:   ups,
			Strategy:    routing.Strategy{Kind: routing.StrategyKind(m.Strategy)},
			UpdatedAt:   loadedAt,
			Enabled:     true,
		}
	}

	return c
}

// LogicalModel implements proxy.ModelSource.
func (c *Catalog) LogicalModel(_ context.Context, logicalID string) (*routing.LogicalModel, bool) {
	m, ok := c.models[logicalID]
	return m, ok
}

// Provider implements proxy.ProviderSource.
func (c *Catalog) Provider(providerID string) (*proxy.ProviderRuntime, bool) {
	p, ok := c.providers[providerID]
	return p, ok
}

// ProbeTargets lists the enabled providers for the health oracle.
func (c *Catalog) ProbeTargets() []health.ProbeTarget {
	return c.probes
}

// DisabledProviders lists provider ids excluded from candidate selection.
func (c *Catalog) DisabledProviders() []string {
	return c.disabled
}
