package proxy

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nulpointcorp/model-router/internal/cache"
	"github.com/nulpointcorp/model-router/internal/health"
	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/routing"
	"github.com/nulpointcorp/model-router/internal/session"
)

func weightsKey(logicalID string) string {
	return "routing:weights:" + logicalID
}

// ModelSource resolves logical model ids. Backed by config, optionally
// refreshed through the cache.
type ModelSource interface {
	LogicalModel(ctx context.Context, id string) (*routing.LogicalModel, bool)
}

// Selector assembles everything the scheduler needs for one request: the
// logical model, per-provider metrics, health tags, dynamic weights and the
// optional sticky session, then runs the scoring.
type Selector struct {
	models   ModelSource
	stats    *metrics.Store
	sessions *session.Store
	oracle   *health.Oracle
	cache    cache.KeyedCache

	disabled      map[string]bool
	healthEnabled bool
	stickyBoost   float64
	p95CapMs      float64

	metrics *metrics.Registry
	log     *slog.Logger
}

// SelectorConfig carries the routing knobs read from config.
type SelectorConfig struct {
	DisabledProviders []string
	HealthEnabled     bool
	StickyBoost       float64 // 0 = default
	P95CapMs          float64 // 0 = default
}

// NewSelector creates a Selector. oracle, stats, sessions, met and log may
// each be nil; missing inputs degrade to metric-free or session-free scoring.
func NewSelector(models ModelSource, stats *metrics.Store, sessions *session.Store, oracle *health.Oracle, kc cache.KeyedCache, cfg SelectorConfig, met *metrics.Registry, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	disabled := make(map[string]bool, len(cfg.DisabledProviders))
	for _, id := range cfg.DisabledProviders {
		disabled[id] = true
	}
	return &Selector{
		models:        models,
		stats:         stats,
		sessions:      sessions,
		oracle:        oracle,
		cache:         kc,
		disabled:      disabled,
		healthEnabled: cfg.HealthEnabled,
		stickyBoost:   cfg.StickyBoost,
		p95CapMs:      cfg.P95CapMs,
		metrics:       met,
		log:           log,
	}
}

// Selection is the scored candidate list plus the inputs the coordinator
// needs afterwards (the resolved model and the session, if any).
type Selection struct {
	Logical    *routing.LogicalModel
	Candidates []routing.CandidateScore
	Session    *routing.Session
}

// Select resolves the logical model and returns its ranked candidates.
// conversationID may be empty.
func (s *Selector) Select(ctx context.Context, logicalID, conversationID string) (*Selection, error) {
	logical, ok := s.models.LogicalModel(ctx, logicalID)
	if !ok {
		return nil, &routing.ErrLogicalModelMissing{LogicalID: logicalID}
	}
	if !logical.Enabled || len(logical.Upstreams) == 0 {
		return nil, &routing.ErrNoUpstreams{LogicalID: logicalID}
	}

	sess := s.loadSession(ctx, conversationID, logical)

	var metricsByProvider map[string]*routing.RoutingMetrics
	if s.stats != nil {
		ids := make([]string, 0, len(logical.Upstreams))
		for _, up := range logical.Upstreams {
			ids = append(ids, up.ProviderID)
		}
		metricsByProvider = s.stats.SnapshotAll(ctx, logicalID, ids)
	}
	if s.oracle != nil {
		if metricsByProvider == nil {
			metricsByProvider = make(map[string]*routing.RoutingMetrics)
		}
		s.attachHealth(metricsByProvider, logical)
	}

	_, candidates, err := routing.Choose(routing.ChooseInput{
		Logical:           logical,
		Upstreams:         logical.Upstreams,
		MetricsByProvider: metricsByProvider,
		Strategy:          logical.Strategy,
		Session:           sess,
		DynamicWeights:    s.loadDynamicWeights(ctx, logicalID),
		HealthEnabled:     s.healthEnabled,
		Disabled:          s.disabled,
		StickyBoost:       s.stickyBoost,
		P95CapMs:          s.p95CapMs,
	})
	if err != nil {
		return nil, err
	}

	return &Selection{Logical: logical, Candidates: candidates, Session: sess}, nil
}

// loadSession reads the sticky binding and validates it still points at one
// of the model's upstreams. A binding for a retired upstream reads as stale
// and is ignored.
func (s *Selector) loadSession(ctx context.Context, conversationID string, logical *routing.LogicalModel) *routing.Session {
	if s.sessions == nil || conversationID == "" {
		return nil
	}
	sess, err := s.sessions.Get(ctx, conversationID)
	if err != nil || sess == nil {
		s.recordSessionLookup("miss")
		return nil
	}
	for _, up := range logical.Upstreams {
		if up.ProviderID == sess.ProviderID && up.ModelID == sess.ModelID {
			s.recordSessionLookup("hit")
			return sess
		}
	}
	s.recordSessionLookup("stale")
	return nil
}

func (s *Selector) recordSessionLookup(result string) {
	if s.metrics != nil {
		s.metrics.RecordSessionLookup(result)
	}
}

// attachHealth overlays oracle tags onto the metric snapshots, creating a
// tag-only entry for providers without metrics so the down filter still
// applies to them.
func (s *Selector) attachHealth(metricsByProvider map[string]*routing.RoutingMetrics, logical *routing.LogicalModel) {
	for _, up := range logical.Upstreams {
		tag := s.oracle.Tag(up.ProviderID)
		if m, ok := metricsByProvider[up.ProviderID]; ok {
			m.Status = tag
			continue
		}
		if tag == routing.HealthDown {
			metricsByProvider[up.ProviderID] = &routing.RoutingMetrics{
				LogicalModel: logical.LogicalID,
				ProviderID:   up.ProviderID,
				Status:       tag,
			}
		}
	}
}

// loadDynamicWeights reads the per-model weight overrides used by the
// weighted strategy. The cache value is a JSON object mapping provider id to
// weight; absence or corruption reads as no overrides.
func (s *Selector) loadDynamicWeights(ctx context.Context, logicalID string) map[string]float64 {
	if s.cache == nil {
		return nil
	}
	raw, ok := s.cache.Get(ctx, weightsKey(logicalID))
	if !ok {
		return nil
	}
	var weights map[string]float64
	if err := json.Unmarshal(raw, &weights); err != nil {
		s.log.Warn("dynamic_weights_decode_error",
			slog.String("logical_model", logicalID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return weights
}
