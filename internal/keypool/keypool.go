// Package keypool implements weighted API key selection with per-key QPS
// gating and exponential backoff for providers that carry multiple keys.
//
// Key state (failure counts, backoff deadlines) is process-local and lives
// for the process lifetime; it is reconciled against provider config on each
// acquisition so config reloads never lose backoff history. The only
// cross-process coordination is the per-second QPS bucket in the shared
// cache.
package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nulpointcorp/model-router/internal/cache"
)

const (
	// minWeight clamps configured key weights so a zero-weight key is still
	// selectable when it is the only candidate left.
	minWeight = 0.0001

	maxBackoffSeconds      = 60.0
	authFailBackoffSeconds = 30.0
	backoffExpCap          = 5
)

// KeyConfig is one configured API key for a provider.
type KeyConfig struct {
	Key    string
	Label  string // optional; defaults to "key{idx+1}-***{last4}"
	Weight float64
	MaxQPS int // 0 = unlimited
}

// ProviderKeys is the slice of keys configured for one provider, refreshed on
// every acquisition.
type ProviderKeys struct {
	ProviderID string
	Keys       []KeyConfig
}

// KeyState is the mutable per-key state. Owned by the pool; mutated only
// under the provider's lock.
type KeyState struct {
	Key          string
	Label        string
	Weight       float64
	MaxQPS       int
	FailCount    int
	BackoffUntil float64 // epoch seconds; 0 = not backing off
	LastUsedAt   float64 // epoch seconds
}

// SelectedKey is handed to the transport for the duration of one request.
type SelectedKey struct {
	ProviderID string
	Key        string
	Label      string
	State      *KeyState
}

// ErrNoAvailableKey — no key can serve the provider right now.
type ErrNoAvailableKey struct {
	ProviderID string
	Reason     string // "all in backoff" | "rate limited" | "no configured keys"
}

func (e *ErrNoAvailableKey) Error() string {
	return fmt.Sprintf("no available keys for provider %s (%s)", e.ProviderID, e.Reason)
}

func (e *ErrNoAvailableKey) HTTPStatus() int { return 503 }

// Pool holds per-provider key state tables. Safe for concurrent use;
// selection and outcome mutations for one provider are serialized by that
// provider's mutex.
type Pool struct {
	mu     sync.Mutex
	states map[string]map[string]*KeyState // provider id → key → state
	locks  map[string]*sync.Mutex

	log *slog.Logger

	// now and pick are swappable for tests.
	now  func() time.Time
	pick func(weights []float64) int
}

// New creates an empty Pool. log may be nil.
func New(log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		states: make(map[string]map[string]*KeyState),
		locks:  make(map[string]*sync.Mutex),
		log:    log,
		now:    time.Now,
		pick:   weightedPick,
	}
}

func (p *Pool) providerLock(providerID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[providerID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[providerID] = l
	}
	return l
}

// maskLabel derives the default key label: "key{idx+1}-***{last4}".
func maskLabel(rawKey, explicit string, idx int) string {
	if explicit != "" {
		return explicit
	}
	tail := "xxxx"
	if n := len(rawKey); n >= 4 {
		tail = rawKey[n-4:]
	} else if n > 0 {
		tail = rawKey
	}
	return fmt.Sprintf("key%d-***%s", idx+1, tail)
}

// reconcile syncs the state table for one provider against its current
// config: new keys gain fresh state, removed keys are dropped, and weight /
// max_qps / label are refreshed while fail counts and backoff survive.
// Caller must hold the provider lock.
func (p *Pool) reconcile(cfg ProviderKeys) ([]*KeyState, error) {
	if len(cfg.Keys) == 0 {
		return nil, &ErrNoAvailableKey{ProviderID: cfg.ProviderID, Reason: "no configured keys"}
	}

	p.mu.Lock()
	pool, ok := p.states[cfg.ProviderID]
	if !ok {
		pool = make(map[string]*KeyState)
		p.states[cfg.ProviderID] = pool
	}
	p.mu.Unlock()

	valid := make(map[string]bool, len(cfg.Keys))
	for idx, entry := range cfg.Keys {
		valid[entry.Key] = true
		label := maskLabel(entry.Key, entry.Label, idx)
		if st, exists := pool[entry.Key]; exists {
			st.Label = label
			st.Weight = entry.Weight
			st.MaxQPS = entry.MaxQPS
		} else {
			pool[entry.Key] = &KeyState{
				Key:    entry.Key,
				Label:  label,
				Weight: entry.Weight,
				MaxQPS: entry.MaxQPS,
			}
		}
	}
	for k := range pool {
		if !valid[k] {
			delete(pool, k)
		}
	}

	states := make([]*KeyState, 0, len(pool))
	for _, entry := range cfg.Keys {
		if st, ok := pool[entry.Key]; ok {
			states = append(states, st)
		}
	}
	return states, nil
}

// Acquire chooses an available key for the provider using weighted-random
// selection. Keys in backoff are excluded up front; keys over their per-key
// QPS (checked through an atomic cache bucket) are removed from the working
// set and the pick repeats.
//
// kc may be nil, in which case the QPS gate is skipped.
func (p *Pool) Acquire(ctx context.Context, cfg ProviderKeys, kc cache.KeyedCache) (*SelectedKey, error) {
	lock := p.providerLock(cfg.ProviderID)
	lock.Lock()
	defer lock.Unlock()

	states, err := p.reconcile(cfg)
	if err != nil {
		return nil, err
	}

	now := float64(p.now().Unix())
	candidates := make([]*KeyState, 0, len(states))
	for _, st := range states {
		if st.BackoffUntil <= now {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		return nil, &ErrNoAvailableKey{ProviderID: cfg.ProviderID, Reason: "all in backoff"}
	}

	working := candidates
	for len(working) > 0 {
		weights := make([]float64, len(working))
		for i, st := range working {
			w := st.Weight
			if w < minWeight {
				w = minWeight
			}
			weights[i] = w
		}
		idx := p.pick(weights)
		st := working[idx]

		if !p.reserveQPS(ctx, kc, cfg.ProviderID, st) {
			working = append(working[:idx], working[idx+1:]...)
			continue
		}

		st.LastUsedAt = now
		return &SelectedKey{
			ProviderID: cfg.ProviderID,
			Key:        st.Key,
			Label:      st.Label,
			State:      st,
		}, nil
	}

	return nil, &ErrNoAvailableKey{ProviderID: cfg.ProviderID, Reason: "rate limited"}
}

// reserveQPS consumes one slot from the key's per-second bucket. The bucket
// key is provider:{id}:key:{label}:qps:{unix_second} with a 1s TTL. Overshoot
// by one concurrent winner per process is acceptable.
func (p *Pool) reserveQPS(ctx context.Context, kc cache.KeyedCache, providerID string, st *KeyState) bool {
	if kc == nil || st.MaxQPS <= 0 {
		return true
	}
	bucket := fmt.Sprintf("provider:%s:key:%s:qps:%d", providerID, st.Label, p.now().Unix())
	count, err := kc.Incr(ctx, bucket)
	if err != nil {
		return true // cache unavailable — fail open
	}
	if count == 1 {
		_ = kc.Expire(ctx, bucket, time.Second)
	}
	if count > int64(st.MaxQPS) {
		_ = kc.Expire(ctx, bucket, time.Second)
		return false
	}
	return true
}

// RecordSuccess resets failure tracking for the selected key.
func (p *Pool) RecordSuccess(sel *SelectedKey) {
	if sel == nil || sel.State == nil {
		return
	}
	lock := p.providerLock(sel.ProviderID)
	lock.Lock()
	defer lock.Unlock()

	sel.State.FailCount = 0
	sel.State.BackoffUntil = 0
}

// RecordFailure grows the key's backoff window after an upstream failure.
//
// Backoff = base * 2^min(fail_count, 5) with base 1s for retryable failures
// and 5s otherwise, forced to ≥ 30s on 401/403 (credential problems don't
// heal quickly), capped at 60s.
func (p *Pool) RecordFailure(sel *SelectedKey, retryable bool, status int) {
	if sel == nil || sel.State == nil {
		return
	}
	lock := p.providerLock(sel.ProviderID)
	lock.Lock()
	defer lock.Unlock()

	st := sel.State
	st.FailCount++

	base := 5.0
	if retryable {
		base = 1.0
	}
	exp := st.FailCount
	if exp > backoffExpCap {
		exp = backoffExpCap
	}
	backoff := base * float64(int(1)<<exp)
	if status == 401 || status == 403 {
		if backoff < authFailBackoffSeconds {
			backoff = authFailBackoffSeconds
		}
	}
	if backoff > maxBackoffSeconds {
		backoff = maxBackoffSeconds
	}
	st.BackoffUntil = float64(p.now().Unix()) + backoff

	p.log.Warn("key_backoff",
		slog.String("provider", sel.ProviderID),
		slog.String("key", sel.Label),
		slog.Float64("backoff_seconds", backoff),
		slog.Int("fail_count", st.FailCount),
		slog.Int("status", status),
		slog.Bool("retryable", retryable),
	)
}

// Reset clears state for one provider, or for all providers when providerID
// is empty. Useful in tests and on provider deletion.
func (p *Pool) Reset(providerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if providerID == "" {
		p.states = make(map[string]map[string]*KeyState)
		p.locks = make(map[string]*sync.Mutex)
		return
	}
	delete(p.states, providerID)
	delete(p.locks, providerID)
}

// weightedPick returns an index into weights chosen proportionally to the
// weight values. weights must be non-empty and strictly positive.
func weightedPick(weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}
