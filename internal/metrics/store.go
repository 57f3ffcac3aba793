package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/model-router/internal/cache"
	"github.com/nulpointcorp/model-router/internal/routing"
)

const (
	// Rolling window: 6 sub-buckets of 10 seconds each.
	bucketSeconds = 10
	bucketCount   = 6

	// Per-bucket latency samples are capped; past the cap new samples
	// overwrite old ones round-robin. Percentiles stay trend-accurate.
	maxSamplesPerBucket = 256

	snapshotTTL = 2 * time.Minute
)

func metricsKey(logicalModel, providerID string) string {
	return fmt.Sprintf("routing:metrics:%s:%s", logicalModel, providerID)
}

// bucket accumulates one 10-second slice of the rolling window.
type bucket struct {
	start     int64 // unix seconds, aligned to bucketSeconds
	successes int64
	failures  int64
	latencies []float64
	next      int // round-robin overwrite cursor
}

func (b *bucket) addLatency(ms float64) {
	if len(b.latencies) < maxSamplesPerBucket {
		b.latencies = append(b.latencies, ms)
		return
	}
	b.latencies[b.next] = ms
	b.next = (b.next + 1) % maxSamplesPerBucket
}

// series is the rolling window for one (logical model, provider) pair.
type series struct {
	buckets [bucketCount]bucket
}

func (s *series) bucketFor(now int64) *bucket {
	start := now - now%bucketSeconds
	b := &s.buckets[(start/bucketSeconds)%bucketCount]
	if b.start != start {
		*b = bucket{start: start}
	}
	return b
}

// live returns the buckets still inside the window at time now.
func (s *series) live(now int64) []*bucket {
	cutoff := now - bucketSeconds*bucketCount
	out := make([]*bucket, 0, bucketCount)
	for i := range s.buckets {
		b := &s.buckets[i]
		if b.start > cutoff && (b.successes+b.failures) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// Store aggregates per-request samples into rolling RoutingMetrics summaries
// and publishes them to the shared cache so peer replicas can score with
// them.
//
// Reads prefer the local window; when a pair has no local samples the cached
// snapshot (possibly written by another replica) is used instead.
type Store struct {
	mu     sync.Mutex
	series map[string]*series

	cache cache.KeyedCache // may be nil: local-only mode
	now   func() time.Time
}

// NewStore creates a Store. kc may be nil, which disables cross-replica
// snapshot sharing.
func NewStore(kc cache.KeyedCache) *Store {
	return &Store{
		series: make(map[string]*series),
		cache:  kc,
		now:    time.Now,
	}
}

// Record appends one request sample. latency counts only for successes;
// failed requests contribute to the error rate alone.
func (s *Store) Record(ctx context.Context, logicalModel, providerID string, latency time.Duration, success bool) {
	key := metricsKey(logicalModel, providerID)
	now := s.now().Unix()

	s.mu.Lock()
	sr, ok := s.series[key]
	if !ok {
		sr = &series{}
		s.series[key] = sr
	}
	b := sr.bucketFor(now)
	if success {
		b.successes++
		b.addLatency(float64(latency.Milliseconds()))
	} else {
		b.failures++
	}
	snap := s.summarizeLocked(logicalModel, providerID, sr, now)
	s.mu.Unlock()

	s.publish(ctx, key, snap)
}

// Snapshot returns the current summary for the pair, or nil when neither the
// local window nor the cache has data.
func (s *Store) Snapshot(ctx context.Context, logicalModel, providerID string) *routing.RoutingMetrics {
	key := metricsKey(logicalModel, providerID)
	now := s.now().Unix()

	s.mu.Lock()
	sr, ok := s.series[key]
	var snap *routing.RoutingMetrics
	if ok {
		snap = s.summarizeLocked(logicalModel, providerID, sr, now)
	}
	s.mu.Unlock()

	if snap != nil {
		return snap
	}
	return s.loadCached(ctx, key)
}

// SnapshotAll returns summaries for every provider of the logical model,
// keyed by provider id. Providers without data are absent from the map.
func (s *Store) SnapshotAll(ctx context.Context, logicalModel string, providerIDs []string) map[string]*routing.RoutingMetrics {
	out := make(map[string]*routing.RoutingMetrics, len(providerIDs))
	for _, pid := range providerIDs {
		if m := s.Snapshot(ctx, logicalModel, pid); m != nil {
			out[pid] = m
		}
	}
	return out
}

// summarizeLocked folds live buckets into a RoutingMetrics value. Percentiles
// are per-bucket percentiles averaged with bucket sample counts as weights.
// Returns nil when the window is empty. Caller holds s.mu.
func (s *Store) summarizeLocked(logicalModel, providerID string, sr *series, now int64) *routing.RoutingMetrics {
	live := sr.live(now)
	if len(live) == 0 {
		return nil
	}

	var successes, failures int64
	var p50Sum, p95Sum, p99Sum, weightSum float64
	for _, b := range live {
		successes += b.successes
		failures += b.failures
		if len(b.latencies) == 0 {
			continue
		}
		sorted := make([]float64, len(b.latencies))
		copy(sorted, b.latencies)
		sort.Float64s(sorted)

		w := float64(len(sorted))
		p50Sum += percentile(sorted, 0.50) * w
		p95Sum += percentile(sorted, 0.95) * w
		p99Sum += percentile(sorted, 0.99) * w
		weightSum += w
	}

	total := successes + failures
	m := &routing.RoutingMetrics{
		LogicalModel:  logicalModel,
		ProviderID:    providerID,
		ErrorRate:     float64(failures) / float64(total),
		SuccessQPS1m:  float64(successes) / float64(bucketSeconds*bucketCount),
		TotalRequests: total,
		LastUpdated:   time.Unix(now, 0).UTC(),
		Status:        routing.HealthUnknown,
	}
	if weightSum > 0 {
		m.LatencyP50Ms = p50Sum / weightSum
		m.LatencyP95Ms = p95Sum / weightSum
		m.LatencyP99Ms = p99Sum / weightSum
	}
	return m
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *Store) publish(ctx context.Context, key string, snap *routing.RoutingMetrics) {
	if s.cache == nil || snap == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, key, raw, snapshotTTL)
}

func (s *Store) loadCached(ctx context.Context, key string) *routing.RoutingMetrics {
	if s.cache == nil {
		return nil
	}
	raw, ok := s.cache.Get(ctx, key)
	if !ok {
		return nil
	}
	var m routing.RoutingMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return &m
}
