package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/model-router/internal/cache"
	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/routing"
	"github.com/nulpointcorp/model-router/internal/upstream"
)

const failureKeyPrefix = "provider:failure:"

func failureKey(providerID string) string {
	return failureKeyPrefix + providerID
}

// RetryConfig tunes the live failure-marking loop.
type RetryConfig struct {
	// FailureThreshold is how many retryable failures inside the cooldown
	// window exclude a provider from further attempts.
	FailureThreshold int

	// FailureCooldown is the sliding TTL on the failure counter.
	FailureCooldown time.Duration

	// Budget caps the total wall-clock time spent walking candidates for a
	// non-streaming request. 0 disables the cap.
	Budget time.Duration
}

// DefaultRetryConfig matches the production defaults: 3 failures in 60s,
// 3 minute walk budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		FailureThreshold: 3,
		FailureCooldown:  60 * time.Second,
		Budget:           3 * time.Minute,
	}
}

// ProviderRuntime is the per-provider wiring the engine needs for one
// attempt: the configured keys and the transport that speaks to it.
type ProviderRuntime struct {
	ID        string
	Keys      keypool.ProviderKeys
	Transport upstream.Dispatcher
}

// ProviderSource resolves a provider id to its runtime. Lookups happen per
// attempt so config reloads take effect between attempts.
type ProviderSource interface {
	Provider(id string) (*ProviderRuntime, bool)
}

// RetryRequest is the payload walked across candidates.
type RetryRequest struct {
	LogicalModelID string
	Style          routing.APIStyle
	Body           []byte
}

// UpstreamFailure is a non-retryable upstream error that aborts the
// candidate walk.
type UpstreamFailure struct {
	Status  int
	Message string
}

func (e *UpstreamFailure) Error() string {
	return fmt.Sprintf("Upstream error %d: %s", e.Status, e.Message)
}

func (e *UpstreamFailure) HTTPStatus() int { return 502 }

// AllProvidersFailed reports that every candidate was skipped or failed.
type AllProvidersFailed struct {
	LogicalModel string
	Skipped      int
	Tried        int
	LastStatus   int // 0 when no attempt produced a status
	LastError    string
}

func (e *AllProvidersFailed) Error() string {
	msg := fmt.Sprintf("All upstream providers failed for logical model '%s'", e.LogicalModel)
	var details []string
	if e.Skipped > 0 {
		details = append(details, fmt.Sprintf("skipped=%d (in failure cooldown)", e.Skipped))
	}
	if e.LastStatus != 0 {
		details = append(details, fmt.Sprintf("last_status=%d", e.LastStatus))
	}
	if e.LastError != "" {
		details = append(details, "last_error="+e.LastError)
	}
	if len(details) == 0 {
		return msg
	}
	return msg + "; " + strings.Join(details, ", ")
}

func (e *AllProvidersFailed) HTTPStatus() int { return 502 }

// Engine walks the scheduler's candidate list until one upstream serves the
// request.
//
// Around every attempt it maintains the live failure marks in the cache:
// a provider whose counter reached the threshold is skipped without an
// attempt, a retryable server-side failure increments the counter with a
// sliding TTL, and any success deletes it.
type Engine struct {
	cache     cache.KeyedCache
	pool      *keypool.Pool
	providers ProviderSource
	cfg       RetryConfig

	metrics *metrics.Registry // optional
	stats   *metrics.Store    // optional
	log     *slog.Logger
}

// NewEngine creates an Engine. met and stats may be nil; log may be nil.
func NewEngine(kc cache.KeyedCache, pool *keypool.Pool, providers ProviderSource, cfg RetryConfig, met *metrics.Registry, stats *metrics.Store, log *slog.Logger) *Engine {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cache:     kc,
		pool:      pool,
		providers: providers,
		cfg:       cfg,
		metrics:   met,
		stats:     stats,
		log:       log,
	}
}

// TryNonStream walks candidates in order and returns the first successful
// response. onSuccess runs before returning, once, with the winning pair.
//
// A non-retryable upstream status aborts with UpstreamFailure; exhausting
// the list fails with AllProvidersFailed.
func (e *Engine) TryNonStream(ctx context.Context, candidates []routing.CandidateScore, req *RetryRequest, onSuccess func(providerID, modelID string)) (*upstream.Result, error) {
	var lastStatus int
	var lastError string
	skipped, tried := 0, 0

	var deadline time.Time
	if e.cfg.Budget > 0 {
		deadline = time.Now().Add(e.cfg.Budget)
	}

	for idx, cand := range candidates {
		if !deadline.IsZero() && time.Now().After(deadline) {
			e.log.Warn("retry_budget_exhausted",
				slog.String("logical_model", req.LogicalModelID),
				slog.Duration("budget", e.cfg.Budget),
			)
			break
		}

		up := cand.Upstream
		pid := up.ProviderID

		if e.inCooldown(ctx, pid) {
			skipped++
			continue
		}

		rt, ok := e.providers.Provider(pid)
		if !ok {
			lastStatus = 503
			lastError = fmt.Sprintf("provider '%s' is not configured", pid)
			continue
		}

		sel, err := e.pool.Acquire(ctx, rt.Keys, e.cache)
		if err != nil {
			// No usable key is a local condition, not an upstream verdict:
			// no counter increment, no abort, just the next candidate.
			lastStatus = 503
			lastError = err.Error()
			e.recordKeyUnavailable(pid, err)
			continue
		}

		tried++
		start := time.Now()
		res, err := rt.Transport.Dispatch(ctx, up, sel, &upstream.Request{
			Style: req.Style,
			Body:  req.Body,
		})
		dur := time.Since(start)

		if err == nil {
			e.markSuccess(ctx, req.LogicalModelID, up, sel, dur)
			if e.metrics != nil {
				e.metrics.AddTokens(pid, up.ModelID, res.InputTokens, res.OutputTokens)
			}
			if onSuccess != nil {
				onSuccess(pid, up.ModelID)
			}
			return res, nil
		}

		ue := asUpstreamError(err, pid)
		lastStatus = ue.Status
		lastError = ue.Message
		retryable := isRetryable(ue.Status)
		e.markFailure(ctx, req.LogicalModelID, up, sel, ue, retryable, dur)

		if retryable {
			e.log.Warn("candidate_retry",
				slog.String("provider", pid),
				slog.String("model", up.ModelID),
				slog.Int("status", ue.Status),
			)
			e.recordFailover(req.LogicalModelID, pid, candidates, idx)
			continue
		}

		e.log.Error("candidate_failed_non_retryable",
			slog.String("provider", pid),
			slog.String("model", up.ModelID),
			slog.Int("status", ue.Status),
		)
		return nil, &UpstreamFailure{Status: ue.Status, Message: ue.Message}
	}

	if e.metrics != nil {
		e.metrics.RecordExhausted(req.LogicalModelID)
	}
	apf := &AllProvidersFailed{
		LogicalModel: req.LogicalModelID,
		Skipped:      skipped,
		Tried:        tried,
		LastStatus:   lastStatus,
		LastError:    lastError,
	}
	e.log.Error("all_providers_failed",
		slog.String("logical_model", req.LogicalModelID),
		slog.Int("skipped", skipped),
		slog.Int("tried", tried),
		slog.Int("last_status", lastStatus),
	)
	return nil, apf
}

// TryStream walks candidates for a streaming request. Chunks pass to emit
// verbatim; onFirstChunk runs when the first chunk reaches the client, which
// also latches the upstream choice — later failures produce one synthetic
// error event instead of another candidate.
//
// TryStream never returns an application error: terminal failures are
// written to the stream in SSE form. The returned error is only a transport
// problem talking to the client itself.
func (e *Engine) TryStream(ctx context.Context, candidates []routing.CandidateScore, req *RetryRequest, emit upstream.StreamEmitter, onFirstChunk func(providerID, modelID string)) error {
	var lastStatus int
	var lastError string
	skipped, tried := 0, 0

	for idx, cand := range candidates {
		up := cand.Upstream
		pid := up.ProviderID
		isLast := idx == len(candidates)-1

		if e.inCooldown(ctx, pid) {
			skipped++
			continue
		}

		rt, ok := e.providers.Provider(pid)
		if !ok {
			lastStatus = 503
			lastError = fmt.Sprintf("provider '%s' is not configured", pid)
			continue
		}

		sel, err := e.pool.Acquire(ctx, rt.Keys, e.cache)
		if err != nil {
			lastStatus = 503
			lastError = err.Error()
			e.recordKeyUnavailable(pid, err)
			continue
		}

		latched := false
		wrapped := func(ev []byte) error {
			if !latched {
				latched = true
				_, _ = e.cache.Delete(ctx, failureKey(pid))
				if onFirstChunk != nil {
					onFirstChunk(pid, up.ModelID)
				}
			}
			return emit(ev)
		}

		tried++
		start := time.Now()
		res, err := rt.Transport.Dispatch(ctx, up, sel, &upstream.Request{
			Style:  req.Style,
			Body:   req.Body,
			Stream: true,
			Emit:   wrapped,
		})
		dur := time.Since(start)

		if err == nil {
			e.markSuccess(ctx, req.LogicalModelID, up, sel, dur)
			if e.metrics != nil {
				e.metrics.AddTokens(pid, up.ModelID, res.InputTokens, res.OutputTokens)
			}
			return nil
		}

		ue := asUpstreamError(err, pid)
		lastStatus = ue.Status
		lastError = ue.Message
		retryable := isRetryable(ue.Status)
		e.markFailure(ctx, req.LogicalModelID, up, sel, ue, retryable, dur)

		// Chunks already reached the client: the upstream choice is locked
		// in, surface the failure in-band and close.
		if latched || ue.Emitted {
			return emitSSEError(emit, map[string]any{
				"type":        "upstream_error",
				"status":      ue.Status,
				"message":     ue.Message,
				"provider_id": pid,
			})
		}

		if retryable && !isLast {
			e.log.Warn("stream_candidate_retry",
				slog.String("provider", pid),
				slog.String("model", up.ModelID),
				slog.Int("status", ue.Status),
			)
			e.recordFailover(req.LogicalModelID, pid, candidates, idx)
			continue
		}

		return emitSSEError(emit, map[string]any{
			"type":        "upstream_error",
			"status":      ue.Status,
			"message":     ue.Message,
			"provider_id": pid,
		})
	}

	if e.metrics != nil {
		e.metrics.RecordExhausted(req.LogicalModelID)
	}
	apf := &AllProvidersFailed{
		LogicalModel: req.LogicalModelID,
		Skipped:      skipped,
		Tried:        tried,
		LastStatus:   lastStatus,
		LastError:    lastError,
	}
	e.log.Error("all_providers_failed",
		slog.String("logical_model", req.LogicalModelID),
		slog.Int("skipped", skipped),
		slog.Int("tried", tried),
		slog.Int("last_status", lastStatus),
	)
	// Same fields as the non-stream aggregate, in SSE form.
	return emitSSEError(emit, map[string]any{
		"type":        "all_providers_failed",
		"message":     apf.Error(),
		"skipped":     skipped,
		"tried":       tried,
		"last_status": lastStatus,
	})
}

// isRetryable classifies an upstream status. Status 0 means the failure
// happened below HTTP (network, deadline, stream reset) and is retryable.
func isRetryable(status int) bool {
	switch {
	case status == 0:
		return true
	case status == 408 || status == 429:
		return true
	case status >= 500 && status < 600:
		return true
	default:
		return false
	}
}

// countsTowardCooldown limits the shared failure counter to statuses that
// indicate provider-side overload or outage.
func countsTowardCooldown(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func (e *Engine) inCooldown(ctx context.Context, providerID string) bool {
	failures := cache.GetInt(ctx, e.cache, failureKey(providerID))
	if failures < int64(e.cfg.FailureThreshold) {
		return false
	}
	e.log.Warn("provider_skipped_cooldown",
		slog.String("provider", providerID),
		slog.Int64("failures", failures),
		slog.Int("threshold", e.cfg.FailureThreshold),
	)
	if e.metrics != nil {
		e.metrics.RecordCandidateSkip(providerID, "cooldown")
	}
	return true
}

func (e *Engine) markSuccess(ctx context.Context, logicalModel string, up routing.PhysicalModel, sel *keypool.SelectedKey, dur time.Duration) {
	_, _ = e.cache.Delete(ctx, failureKey(up.ProviderID))
	e.pool.RecordSuccess(sel)
	if e.stats != nil {
		e.stats.Record(ctx, logicalModel, up.ProviderID, dur, true)
	}
	if e.metrics != nil {
		e.metrics.ObserveUpstreamAttempt(up.ProviderID, up.ModelID, "success", dur)
	}
}

func (e *Engine) markFailure(ctx context.Context, logicalModel string, up routing.PhysicalModel, sel *keypool.SelectedKey, ue *upstream.Error, retryable bool, dur time.Duration) {
	e.pool.RecordFailure(sel, retryable, ue.Status)

	if retryable && countsTowardCooldown(ue.Status) {
		key := failureKey(up.ProviderID)
		if _, err := e.cache.Incr(ctx, key); err == nil {
			_ = e.cache.Expire(ctx, key, e.cfg.FailureCooldown)
		}
	}

	if e.stats != nil {
		e.stats.Record(ctx, logicalModel, up.ProviderID, dur, false)
	}
	if e.metrics != nil {
		outcome := "failure"
		if retryable {
			outcome = "retryable_failure"
		}
		e.metrics.ObserveUpstreamAttempt(up.ProviderID, up.ModelID, outcome, dur)
		e.metrics.RecordKeyBackoff(up.ProviderID, ue.Status)
	}
}

// recordFailover counts the hand-off from a failed candidate to the next one
// in the list.
func (e *Engine) recordFailover(logicalModel, from string, candidates []routing.CandidateScore, idx int) {
	if e.metrics == nil || idx+1 >= len(candidates) {
		return
	}
	e.metrics.RecordFailover(logicalModel, from, candidates[idx+1].Upstream.ProviderID)
}

func (e *Engine) recordKeyUnavailable(providerID string, err error) {
	reason := "unavailable"
	if nak, ok := err.(*keypool.ErrNoAvailableKey); ok {
		reason = nak.Reason
	}
	e.log.Warn("no_available_key",
		slog.String("provider", providerID),
		slog.String("reason", reason),
	)
	if e.metrics != nil {
		e.metrics.RecordKeyUnavailable(providerID, reason)
	}
}

func asUpstreamError(err error, providerID string) *upstream.Error {
	if ue, ok := err.(*upstream.Error); ok {
		return ue
	}
	return &upstream.Error{ProviderID: providerID, Message: err.Error()}
}

func emitSSEError(emit upstream.StreamEmitter, payload map[string]any) error {
	raw, err := json.Marshal(map[string]any{"error": payload})
	if err != nil {
		return err
	}
	return emit([]byte("data: " + string(raw) + "\n\n"))
}
