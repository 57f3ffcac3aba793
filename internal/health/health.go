// Package health runs background provider probes and answers the
// per-provider health tag consumed by candidate scoring.
package health

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/routing"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second

	// A tag older than this is reported as unknown rather than trusted.
	staleAfter = 3 * probeInterval

	// Consecutive probe failures before a provider is marked down rather
	// than degraded.
	downThreshold = 3
)

// ProbeTarget is one provider endpoint to watch.
type ProbeTarget struct {
	ProviderID string
	BaseURL    string
	Headers    map[string]string
}

// providerStatus holds the latest probe result for one provider.
type providerStatus struct {
	mu        sync.RWMutex
	tag       routing.HealthTag
	failures  int
	checkedAt time.Time
}

func (s *providerStatus) set(tag routing.HealthTag, failures int, at time.Time) {
	s.mu.Lock()
	s.tag = tag
	s.failures = failures
	s.checkedAt = at
	s.mu.Unlock()
}

func (s *providerStatus) get() (routing.HealthTag, int, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tag == "" {
		return routing.HealthUnknown, s.failures, s.checkedAt
	}
	return s.tag, s.failures, s.checkedAt
}

// Oracle probes provider base URLs on a fixed interval and keeps the last
// classification per provider.
type Oracle struct {
	targets    []ProbeTarget
	statuses   map[string]*providerStatus
	cacheReady func() bool

	client  *http.Client
	baseCtx context.Context
	metrics *metrics.Registry

	cacheStatus providerStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewOracle creates an Oracle and immediately starts background probes. The
// first probe runs synchronously so scoring never starts from all-unknown.
// cacheReady may be nil when no shared cache is configured.
func NewOracle(ctx context.Context, targets []ProbeTarget, cacheReady func() bool, met *metrics.Registry) *Oracle {
	if ctx == nil {
		panic("health: context must not be nil")
	}
	o := &Oracle{
		targets:    targets,
		statuses:   make(map[string]*providerStatus, len(targets)),
		cacheReady: cacheReady,
		client:     &http.Client{Timeout: probeTimeout},
		baseCtx:    ctx,
		metrics:    met,
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}
	for _, t := range targets {
		o.statuses[t.ProviderID] = &providerStatus{tag: routing.HealthUnknown}
	}

	o.probe()

	o.wg.Add(1)
	go o.run()

	return o
}

// Tag returns the current health tag for the provider. Unknown providers and
// stale results read as unknown.
func (o *Oracle) Tag(providerID string) routing.HealthTag {
	s, ok := o.statuses[providerID]
	if !ok {
		return routing.HealthUnknown
	}
	tag, _, at := s.get()
	if !at.IsZero() && time.Since(at) > staleAfter {
		return routing.HealthUnknown
	}
	return tag
}

// Tags returns the tag for every watched provider.
func (o *Oracle) Tags() map[string]routing.HealthTag {
	out := make(map[string]routing.HealthTag, len(o.statuses))
	for id := range o.statuses {
		out[id] = o.Tag(id)
	}
	return out
}

// Snapshot is the payload served by GET /health.
type Snapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
}

// Snapshot builds the aggregate view from the latest probe results.
func (o *Oracle) Snapshot() Snapshot {
	overall := "ok"

	provs := make(map[string]string, len(o.statuses))
	for id := range o.statuses {
		tag := o.Tag(id)
		provs[id] = string(tag)
		if tag == routing.HealthDown {
			overall = "degraded"
		}
	}

	cacheTag, _, _ := o.cacheStatus.get()
	if cacheTag == routing.HealthDown {
		overall = "degraded"
	}

	return Snapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(o.startTime).Seconds()),
		Providers:     provs,
		Cache:         string(cacheTag),
	}
}

// ReadinessOK reports whether the shared cache is reachable. Used by
// GET /readiness for orchestrator probes; provider outages do not make the
// router unready.
func (o *Oracle) ReadinessOK() bool {
	tag, _, _ := o.cacheStatus.get()
	return tag != routing.HealthDown
}

// Close stops the background probe goroutine.
func (o *Oracle) Close() {
	close(o.done)
	o.wg.Wait()
}

func (o *Oracle) run() {
	defer o.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.probe()
		case <-o.done:
			return
		}
	}
}

func (o *Oracle) probe() {
	ctx, cancel := context.WithTimeout(o.baseCtx, probeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, t := range o.targets {
		t := t
		s := o.statuses[t.ProviderID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.probeOne(ctx, t, s)
		}()
	}

	// Cache probe. A nil probe means "not configured" and reads as ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if o.cacheReady == nil || o.cacheReady() {
			o.cacheStatus.set(routing.HealthHealthy, 0, time.Now())
		} else {
			o.cacheStatus.set(routing.HealthDown, 0, time.Now())
		}
	}()

	wg.Wait()
}

// probeOne sends a GET to the provider base URL. Any HTTP response, error
// status included, proves the endpoint is reachable; only transport failures
// count against it. Repeated failures escalate degraded to down.
func (o *Oracle) probeOne(ctx context.Context, t ProbeTarget, s *providerStatus) {
	now := time.Now()
	_, failures, _ := s.get()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(t.BaseURL), nil)
	if err != nil {
		o.record(t.ProviderID, s, routing.HealthDown, failures+1, now)
		return
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		failures++
		tag := routing.HealthDegraded
		if failures >= downThreshold {
			tag = routing.HealthDown
		}
		o.record(t.ProviderID, s, tag, failures, now)
		return
	}
	resp.Body.Close()

	o.record(t.ProviderID, s, routing.HealthHealthy, 0, now)
}

func (o *Oracle) record(providerID string, s *providerStatus, tag routing.HealthTag, failures int, at time.Time) {
	s.set(tag, failures, at)
	if o.metrics != nil {
		o.metrics.SetProviderHealth(providerID, string(tag))
	}
}

func probeURL(base string) string {
	return strings.TrimRight(base, "/") + "/models"
}
