// Package metrics exports Prometheus instrumentation for the router and
// maintains the per-(logical, provider) routing statistics used by candidate
// scoring.
//
// All metrics live in a private registry (not the global default) so they
// don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_upstream_attempts_total{provider,model,outcome}
	upstreamAttempts *prometheus.CounterVec

	// router_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// router_candidate_skips_total{provider,reason}
	candidateSkips *prometheus.CounterVec

	// router_failover_events_total{logical_model,from,to}
	failoverEvents *prometheus.CounterVec

	// router_requests_exhausted_total{logical_model}
	exhausted *prometheus.CounterVec

	// router_key_backoffs_total{provider,status}
	keyBackoffs *prometheus.CounterVec

	// router_key_unavailable_total{provider,reason}
	keyUnavailable *prometheus.CounterVec

	// router_sessions_bound_total{logical_model}
	sessionsBound *prometheus.CounterVec

	// router_session_hits_total{result}
	sessionHits *prometheus.CounterVec

	// router_provider_health{provider} — 1=healthy, 0.5=degraded, 0=down, -1=unknown
	providerHealth *prometheus.GaugeVec

	// router_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// router_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec

	// router_moderation_blocked_total{logical_model}
	moderationBlocked *prometheus.CounterVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes retries)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_upstream_attempts_total",
				Help: "Total upstream attempts by provider, physical model and outcome",
			},
			[]string{"provider", "model", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		candidateSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_candidate_skips_total",
				Help: "Candidates skipped without an attempt (failure cooldown, disabled, unhealthy)",
			},
			[]string{"provider", "reason"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_events_total",
				Help: "Advances to a lower-ranked candidate after a retryable failure",
			},
			[]string{"logical_model", "from", "to"},
		),

		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_requests_exhausted_total",
				Help: "Requests that ran out of candidates without a success",
			},
			[]string{"logical_model"},
		),

		keyBackoffs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_key_backoffs_total",
				Help: "API key backoff activations by provider and upstream status",
			},
			[]string{"provider", "status"},
		),

		keyUnavailable: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_key_unavailable_total",
				Help: "Key acquisitions that found no usable key",
			},
			[]string{"provider", "reason"},
		),

		sessionsBound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_sessions_bound_total",
				Help: "Sticky session bindings created or moved",
			},
			[]string{"logical_model"},
		),

		sessionHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_session_hits_total",
				Help: "Sticky session lookups by result (hit, miss, stale)",
			},
			[]string{"result"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_provider_health",
				Help: "Provider health (1=healthy, 0.5=degraded, 0=down, -1=unknown)",
			},
			[]string{"provider"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_ratelimit_total",
				Help: "Inbound rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "model", "direction"},
		),

		moderationBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_moderation_blocked_total",
				Help: "Requests rejected by the moderation gate",
			},
			[]string{"logical_model"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.candidateSkips,
		r.failoverEvents,
		r.exhausted,
		r.keyBackoffs,
		r.keyUnavailable,
		r.sessionsBound,
		r.sessionHits,
		r.providerHealth,
		r.rateLimitTotal,
		r.tokensTotal,
		r.moderationBlocked,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one inbound request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one attempt against a physical model.
// outcome is "success", "retryable_failure" or "failure".
func (r *Registry) ObserveUpstreamAttempt(provider, model, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, model, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordCandidateSkip counts a candidate passed over without an attempt.
// reason is "cooldown", "disabled" or "unhealthy".
func (r *Registry) RecordCandidateSkip(provider, reason string) {
	r.candidateSkips.WithLabelValues(provider, reason).Inc()
}

func (r *Registry) RecordFailover(logicalModel, from, to string) {
	r.failoverEvents.WithLabelValues(logicalModel, from, to).Inc()
}

func (r *Registry) RecordExhausted(logicalModel string) {
	r.exhausted.WithLabelValues(logicalModel).Inc()
}

func (r *Registry) RecordKeyBackoff(provider string, status int) {
	r.keyBackoffs.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

func (r *Registry) RecordKeyUnavailable(provider, reason string) {
	r.keyUnavailable.WithLabelValues(provider, reason).Inc()
}

func (r *Registry) RecordSessionBound(logicalModel string) {
	r.sessionsBound.WithLabelValues(logicalModel).Inc()
}

// RecordSessionLookup counts a sticky lookup. result is "hit", "miss" or
// "stale" (bound target no longer among the candidates).
func (r *Registry) RecordSessionLookup(result string) {
	r.sessionHits.WithLabelValues(result).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordModerationBlock(logicalModel string) {
	r.moderationBlocked.WithLabelValues(logicalModel).Inc()
}

// SetProviderHealth maps a health tag onto the gauge scale.
func (r *Registry) SetProviderHealth(provider, tag string) {
	var v float64
	switch tag {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	case "down":
		v = 0
	default:
		v = -1
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
