package routing

import "sort"

// Scheduler defaults. All overridable per call through ChooseInput.
const (
	// DefaultStickyBoost multiplies the score of the upstream a session is
	// pinned to. Must stay ≥ 10 so stickiness dominates metric noise.
	DefaultStickyBoost = 10.0

	// DefaultP95CapMs clamps the p95 latency before normalization so a single
	// pathological window cannot zero out a provider's score.
	DefaultP95CapMs = 10_000.0

	// DefaultLatencyScaleMs is the "c" constant for the latency_first strategy.
	DefaultLatencyScaleMs = 1000.0
)

// ChooseInput carries everything Choose needs. Choose performs no I/O and
// mutates nothing it is given.
type ChooseInput struct {
	Logical           *LogicalModel
	Upstreams         []PhysicalModel
	MetricsByProvider map[string]*RoutingMetrics
	Strategy          Strategy

	// Session, when non-nil, pins the candidate matching the session's
	// (provider_id, model_id) via the sticky boost.
	Session *Session

	// DynamicWeights overrides base weights under the weighted strategy.
	DynamicWeights map[string]float64

	// HealthEnabled drops upstreams whose metrics status is "down".
	HealthEnabled bool

	// Disabled is the set of administratively disabled provider ids.
	Disabled map[string]bool

	// StickyBoost and P95CapMs override the package defaults when > 0.
	StickyBoost float64
	P95CapMs    float64
}

// Choose ranks the upstreams of a logical model and returns the winner plus
// the full ordered candidate list. It is a pure function: identical inputs
// produce identical output, including order.
//
// Filters run first (health, admin-disabled), then each survivor is scored:
// base weight, multiplied by the metrics penalty (success rate and normalized
// p95), shaped by the strategy, and finally boosted if the session pins it.
// Ties break on (provider_id, model_id) so ordering never depends on input
// permutation.
func Choose(in ChooseInput) (CandidateScore, []CandidateScore, error) {
	logicalID := ""
	if in.Logical != nil {
		logicalID = in.Logical.LogicalID
	}

	stickyBoost := in.StickyBoost
	if stickyBoost <= 0 {
		stickyBoost = DefaultStickyBoost
	}
	p95Cap := in.P95CapMs
	if p95Cap <= 0 {
		p95Cap = DefaultP95CapMs
	}

	candidates := make([]CandidateScore, 0, len(in.Upstreams))
	for _, up := range in.Upstreams {
		m := in.MetricsByProvider[up.ProviderID]

		if in.HealthEnabled && m != nil && m.Status == HealthDown {
			continue
		}
		if in.Disabled[up.ProviderID] {
			continue
		}

		score := scoreUpstream(up, m, in.Strategy, in.DynamicWeights, p95Cap)

		if in.Session != nil &&
			in.Session.ProviderID == up.ProviderID &&
			in.Session.ModelID == up.ModelID {
			score *= stickyBoost
		}

		candidates = append(candidates, CandidateScore{Upstream: up, Metrics: m, Score: score})
	}

	if len(candidates) == 0 {
		return CandidateScore{}, nil, &ErrNoCandidates{LogicalID: logicalID}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].Upstream.ProviderID != candidates[j].Upstream.ProviderID {
			return candidates[i].Upstream.ProviderID < candidates[j].Upstream.ProviderID
		}
		return candidates[i].Upstream.ModelID < candidates[j].Upstream.ModelID
	})

	return candidates[0], candidates, nil
}

func scoreUpstream(
	up PhysicalModel,
	m *RoutingMetrics,
	strategy Strategy,
	dynamicWeights map[string]float64,
	p95Cap float64,
) float64 {
	score := up.BaseWeight

	// Metrics penalty. Missing metrics mean error_rate=0 and unknown p95:
	// base score only, no latency penalty.
	if m != nil {
		success := 1 - m.ErrorRate
		if success < 0 {
			success = 0
		}
		score *= success

		if m.LatencyP95Ms > 0 {
			p95 := m.LatencyP95Ms
			if p95 > p95Cap {
				p95 = p95Cap
			}
			score /= 1 + p95/p95Cap
		}
	}

	switch strategy.Kind {
	case StrategyLatencyFirst:
		c := strategy.LatencyScaleMs
		if c <= 0 {
			c = DefaultLatencyScaleMs
		}
		p50 := 0.0
		if m != nil {
			p50 = m.LatencyP50Ms
		}
		score *= 1 / (1 + p50/c)

	case StrategyWeighted:
		scale := strategy.WeightScale
		if scale <= 0 {
			scale = 1
		}
		if w, ok := dynamicWeights[up.ProviderID]; ok {
			score = w * scale
		} else {
			score = up.BaseWeight * scale
		}

	case StrategyBalanced, StrategyStickyFirst:
		// balanced uses the composed score as-is; sticky_first relies on the
		// session boost applied by the caller.
	}

	return score
}
