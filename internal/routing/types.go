// Package routing holds the routing data model and the pure upstream
// scheduler.
//
// A client-facing logical model (e.g. "gpt-4") maps to one or more physical
// upstreams — concrete (provider, model, endpoint) triples. The scheduler
// ranks the upstreams of a logical model using recent metrics, the configured
// strategy, and an optional sticky session, and the retry engine walks the
// ranked list until one upstream produces a response.
package routing

import "time"

// APIStyle identifies the wire dialect an upstream speaks.
type APIStyle string

const (
	APIStyleChat      APIStyle = "chat"      // OpenAI chat completions
	APIStyleResponses APIStyle = "responses" // OpenAI responses API
	APIStyleClaude    APIStyle = "claude"    // Anthropic messages API
)

// PhysicalModel identifies one upstream that can serve a logical model.
// Values are immutable for the duration of a request.
type PhysicalModel struct {
	ProviderID string    `json:"provider_id"`
	ModelID    string    `json:"model_id"`
	Endpoint   string    `json:"endpoint"`
	BaseWeight float64   `json:"base_weight"`
	UpdatedAt  time.Time `json:"updated_at"`
	APIStyle   APIStyle  `json:"api_style,omitempty"`
}

// StrategyKind selects the scoring policy applied by the scheduler.
type StrategyKind string

const (
	StrategyBalanced     StrategyKind = "balanced"
	StrategyLatencyFirst StrategyKind = "latency_first"
	StrategyWeighted     StrategyKind = "weighted"
	StrategyStickyFirst  StrategyKind = "sticky_first"
)

// Strategy is the policy plugged into the scheduler, with its numeric
// parameters. Zero-valued parameters fall back to package defaults.
type Strategy struct {
	Kind StrategyKind `json:"kind"`

	// LatencyScaleMs is the "c" constant in the latency_first multiplier
	// 1/(1 + p50/c). Default 1000.
	LatencyScaleMs float64 `json:"latency_scale_ms,omitempty"`

	// WeightScale multiplies dynamic weights under the weighted strategy.
	// Default 1.
	WeightScale float64 `json:"weight_scale,omitempty"`
}

// LogicalModel is a client-facing model name resolved from the config store.
type LogicalModel struct {
	LogicalID    string          `json:"logical_id"`
	DisplayName  string          `json:"display_name,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Upstreams    []PhysicalModel `json:"upstreams"`
	Strategy     Strategy        `json:"strategy"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Enabled      bool            `json:"enabled"`
}

// HealthTag is a coarse per-provider health classification.
type HealthTag string

const (
	HealthHealthy  HealthTag = "healthy"
	HealthDegraded HealthTag = "degraded"
	HealthDown     HealthTag = "down"
	HealthUnknown  HealthTag = "unknown"
)

// RoutingMetrics is a recent per-(logical model, provider) summary.
//
// Percentile fields are trend-oriented: they are weighted averages over
// rolling sub-buckets, not exact percentiles, and are advisory inputs to
// scoring only.
type RoutingMetrics struct {
	LogicalModel   string    `json:"logical_model"`
	ProviderID     string    `json:"provider_id"`
	LatencyP50Ms   float64   `json:"latency_p50_ms"`
	LatencyP95Ms   float64   `json:"latency_p95_ms"`
	LatencyP99Ms   float64   `json:"latency_p99_ms"`
	ErrorRate      float64   `json:"error_rate"`
	SuccessQPS1m   float64   `json:"success_qps_1m"`
	TotalRequests  int64     `json:"total_requests_1m"`
	LastUpdated    time.Time `json:"last_updated"`
	Status         HealthTag `json:"status"`
}

// CandidateScore pairs an upstream with the score the scheduler assigned it.
type CandidateScore struct {
	Upstream PhysicalModel
	Metrics  *RoutingMetrics // nil when no recent metrics exist
	Score    float64
}
