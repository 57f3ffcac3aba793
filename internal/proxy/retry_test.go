package proxy

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/model-router/internal/cache"
	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/routing"
	"github.com/nulpointcorp/model-router/internal/upstream"
)

// scriptedDispatcher returns one scripted outcome per Dispatch call.
type scriptedDispatcher struct {
	outcomes []dispatchOutcome
	calls    int
}

type dispatchOutcome struct {
	events [][]byte // emitted before resolving, streaming only
	res    *upstream.Result
	err    error
	delay  time.Duration
}

func (d *scriptedDispatcher) Name() string { return "scripted" }

func (d *scriptedDispatcher) Dispatch(_ context.Context, _ routing.PhysicalModel, _ *keypool.SelectedKey, req *upstream.Request) (*upstream.Result, error) {
	if d.calls >= len(d.outcomes) {
		panic("scriptedDispatcher: no outcome left")
	}
	out := d.outcomes[d.calls]
	d.calls++

	if out.delay > 0 {
		time.Sleep(out.delay)
	}

	if req.Stream {
		for _, ev := range out.events {
			if err := req.Emit(ev); err != nil {
				return &upstream.Result{Status: 200, Emitted: true}, nil
			}
		}
	}
	return out.res, out.err
}

type mapProviders map[string]*ProviderRuntime

func (m mapProviders) Provider(id string) (*ProviderRuntime, bool) {
	p, ok := m[id]
	return p, ok
}

func runtimeFor(id string, d upstream.Dispatcher) *ProviderRuntime {
	return &ProviderRuntime{
		ID: id,
		Keys: keypool.ProviderKeys{
			ProviderID: id,
			Keys:       []keypool.KeyConfig{{Key: "sk-" + id}},
		},
		Transport: d,
	}
}

func candidatesFor(pairs ...[2]string) []routing.CandidateScore {
	out := make([]routing.CandidateScore, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, routing.CandidateScore{
			Upstream: routing.PhysicalModel{ProviderID: p[0], ModelID: p[1]},
		})
	}
	return out
}

func newTestEngine(t *testing.T, providers mapProviders) (*Engine, cache.KeyedCache) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	kc := cache.NewMemoryCache(ctx)
	pool := keypool.New(nil)
	return NewEngine(kc, pool, providers, DefaultRetryConfig(), nil, nil, nil), kc
}

func okResult() *upstream.Result {
	return &upstream.Result{Status: 200, Body: []byte(`{"ok":true}`), ContentType: "application/json"}
}

func upErr(provider string, status int, msg string) *upstream.Error {
	return &upstream.Error{ProviderID: provider, Status: status, Message: msg}
}

func TestTryNonStream_SingleHealthyProvider(t *testing.T) {
	d := &scriptedDispatcher{outcomes: []dispatchOutcome{{res: okResult()}}}
	e, kc := newTestEngine(t, mapProviders{"a": runtimeFor("a", d)})
	ctx := context.Background()

	var boundProvider, boundModel string
	res, err := e.TryNonStream(ctx, candidatesFor([2]string{"a", "m1"}),
		&RetryRequest{LogicalModelID: "gpt-4", Style: routing.APIStyleChat, Body: []byte(`{}`)},
		func(pid, mid string) { boundProvider, boundModel = pid, mid },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != 200 {
		t.Errorf("expected 200, got %d", res.Status)
	}
	if boundProvider != "a" || boundModel != "m1" {
		t.Errorf("onSuccess got (%s, %s)", boundProvider, boundModel)
	}
	if n := cache.GetInt(ctx, kc, failureKey("a")); n != 0 {
		t.Errorf("failure counter should be absent after success, got %d", n)
	}
}

func TestTryNonStream_CascadeFailover(t *testing.T) {
	// a → 503, b → 429, c → 200. The winner clears its counter, the losers
	// each carry one failure mark.
	da := &scriptedDispatcher{outcomes: []dispatchOutcome{{err: upErr("a", 503, "unavailable")}}}
	db := &scriptedDispatcher{outcomes: []dispatchOutcome{{err: upErr("b", 429, "slow down")}}}
	dc := &scriptedDispatcher{outcomes: []dispatchOutcome{{res: okResult()}}}
	e, kc := newTestEngine(t, mapProviders{
		"a": runtimeFor("a", da),
		"b": runtimeFor("b", db),
		"c": runtimeFor("c", dc),
	})
	ctx := context.Background()

	res, err := e.TryNonStream(ctx,
		candidatesFor([2]string{"a", "m"}, [2]string{"b", "m"}, [2]string{"c", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || res.Status != 200 {
		t.Fatalf("expected success from c, got %+v", res)
	}
	if n := cache.GetInt(ctx, kc, failureKey("a")); n != 1 {
		t.Errorf("provider a should have 1 failure mark, got %d", n)
	}
	if n := cache.GetInt(ctx, kc, failureKey("b")); n != 1 {
		t.Errorf("provider b should have 1 failure mark, got %d", n)
	}
	if n := cache.GetInt(ctx, kc, failureKey("c")); n != 0 {
		t.Errorf("provider c should have no failure mark, got %d", n)
	}
}

func TestTryNonStream_NonRetryableAborts(t *testing.T) {
	da := &scriptedDispatcher{outcomes: []dispatchOutcome{{err: upErr("a", 400, "bad request shape")}}}
	db := &scriptedDispatcher{}
	e, kc := newTestEngine(t, mapProviders{
		"a": runtimeFor("a", da),
		"b": runtimeFor("b", db),
	})
	ctx := context.Background()

	_, err := e.TryNonStream(ctx,
		candidatesFor([2]string{"a", "m"}, [2]string{"b", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)}, nil)

	uf, ok := err.(*UpstreamFailure)
	if !ok {
		t.Fatalf("expected *UpstreamFailure, got %T (%v)", err, err)
	}
	if uf.HTTPStatus() != 502 {
		t.Errorf("expected HTTPStatus 502, got %d", uf.HTTPStatus())
	}
	if want := "Upstream error 400: bad request shape"; uf.Error() != want {
		t.Errorf("message mismatch:\n got: %s\nwant: %s", uf.Error(), want)
	}
	if db.calls != 0 {
		t.Error("non-retryable failure must not advance to the next candidate")
	}
	// 400 is not a cooldown status.
	if n := cache.GetInt(ctx, kc, failureKey("a")); n != 0 {
		t.Errorf("400 must not increment the cooldown counter, got %d", n)
	}
}

func TestTryNonStream_CooldownSkips(t *testing.T) {
	da := &scriptedDispatcher{}
	db := &scriptedDispatcher{outcomes: []dispatchOutcome{{res: okResult()}}}
	e, kc := newTestEngine(t, mapProviders{
		"a": runtimeFor("a", da),
		"b": runtimeFor("b", db),
	})
	ctx := context.Background()

	_ = kc.Set(ctx, failureKey("a"), []byte("3"), time.Minute)

	res, err := e.TryNonStream(ctx,
		candidatesFor([2]string{"a", "m"}, [2]string{"b", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != 200 {
		t.Errorf("expected 200 from b, got %d", res.Status)
	}
	if da.calls != 0 {
		t.Error("provider in cooldown must not be dispatched")
	}
}

func TestTryNonStream_AllInCooldown(t *testing.T) {
	e, kc := newTestEngine(t, mapProviders{})
	ctx := context.Background()

	for _, pid := range []string{"a", "b", "c"} {
		_ = kc.Set(ctx, failureKey(pid), []byte("5"), time.Minute)
	}

	_, err := e.TryNonStream(ctx,
		candidatesFor([2]string{"a", "m"}, [2]string{"b", "m"}, [2]string{"c", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)}, nil)

	apf, ok := err.(*AllProvidersFailed)
	if !ok {
		t.Fatalf("expected *AllProvidersFailed, got %T (%v)", err, err)
	}
	if apf.Skipped != 3 || apf.Tried != 0 {
		t.Errorf("expected skipped=3 tried=0, got skipped=%d tried=%d", apf.Skipped, apf.Tried)
	}
	if !strings.Contains(apf.Error(), "skipped=3 (in failure cooldown)") {
		t.Errorf("message should report the skip count: %s", apf.Error())
	}
	if apf.HTTPStatus() != 502 {
		t.Errorf("expected 502, got %d", apf.HTTPStatus())
	}
}

func TestTryNonStream_ExhaustionCarriesLastError(t *testing.T) {
	da := &scriptedDispatcher{outcomes: []dispatchOutcome{{err: upErr("a", 502, "bad gateway")}}}
	db := &scriptedDispatcher{outcomes: []dispatchOutcome{{err: upErr("b", 503, "maintenance")}}}
	e, _ := newTestEngine(t, mapProviders{
		"a": runtimeFor("a", da),
		"b": runtimeFor("b", db),
	})

	_, err := e.TryNonStream(context.Background(),
		candidatesFor([2]string{"a", "m"}, [2]string{"b", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)}, nil)

	apf, ok := err.(*AllProvidersFailed)
	if !ok {
		t.Fatalf("expected *AllProvidersFailed, got %T", err)
	}
	if apf.LastStatus != 503 || apf.LastError != "maintenance" {
		t.Errorf("expected last_status=503 last_error=maintenance, got %d %q",
			apf.LastStatus, apf.LastError)
	}
	if !strings.Contains(apf.Error(), "last_status=503") {
		t.Errorf("message should carry last_status: %s", apf.Error())
	}
}

func TestTryNonStream_UnconfiguredProviderAdvances(t *testing.T) {
	db := &scriptedDispatcher{outcomes: []dispatchOutcome{{res: okResult()}}}
	e, _ := newTestEngine(t, mapProviders{"b": runtimeFor("b", db)})

	res, err := e.TryNonStream(context.Background(),
		candidatesFor([2]string{"ghost", "m"}, [2]string{"b", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != 200 {
		t.Errorf("expected 200, got %d", res.Status)
	}
}

func TestTryNonStream_NoAvailableKeyAdvancesWithoutCooldownMark(t *testing.T) {
	// Provider a has no keys: Acquire fails locally, the walk continues to b
	// and a's shared failure counter stays untouched.
	da := &scriptedDispatcher{}
	db := &scriptedDispatcher{outcomes: []dispatchOutcome{{res: okResult()}}}
	a := runtimeFor("a", da)
	a.Keys.Keys = nil
	e, kc := newTestEngine(t, mapProviders{
		"a": a,
		"b": runtimeFor("b", db),
	})
	ctx := context.Background()

	res, err := e.TryNonStream(ctx,
		candidatesFor([2]string{"a", "m"}, [2]string{"b", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != 200 {
		t.Errorf("expected 200, got %d", res.Status)
	}
	if da.calls != 0 {
		t.Error("keyless provider must not reach dispatch")
	}
	if n := cache.GetInt(ctx, kc, failureKey("a")); n != 0 {
		t.Errorf("key exhaustion must not mark the provider, got %d", n)
	}
}

func TestTryNonStream_408DoesNotCountTowardCooldown(t *testing.T) {
	da := &scriptedDispatcher{outcomes: []dispatchOutcome{{err: upErr("a", 408, "timeout")}}}
	db := &scriptedDispatcher{outcomes: []dispatchOutcome{{res: okResult()}}}
	e, kc := newTestEngine(t, mapProviders{
		"a": runtimeFor("a", da),
		"b": runtimeFor("b", db),
	})
	ctx := context.Background()

	if _, err := e.TryNonStream(ctx,
		candidatesFor([2]string{"a", "m"}, [2]string{"b", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 408 retries to the next candidate but is not a provider-outage signal.
	if n := cache.GetInt(ctx, kc, failureKey("a")); n != 0 {
		t.Errorf("408 must not increment the cooldown counter, got %d", n)
	}
}

func TestTryNonStream_BudgetStopsTheWalk(t *testing.T) {
	// The first attempt outlives the walk budget, so the second candidate is
	// never tried even though it would have succeeded.
	da := &scriptedDispatcher{outcomes: []dispatchOutcome{
		{err: upErr("a", 503, "unavailable"), delay: 30 * time.Millisecond},
	}}
	db := &scriptedDispatcher{outcomes: []dispatchOutcome{{res: okResult()}}}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	kc := cache.NewMemoryCache(ctx)
	cfg := DefaultRetryConfig()
	cfg.Budget = 10 * time.Millisecond
	e := NewEngine(kc, keypool.New(nil), mapProviders{
		"a": runtimeFor("a", da),
		"b": runtimeFor("b", db),
	}, cfg, nil, nil, nil)

	_, err := e.TryNonStream(ctx,
		candidatesFor([2]string{"a", "m"}, [2]string{"b", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)}, nil)

	apf, ok := err.(*AllProvidersFailed)
	if !ok {
		t.Fatalf("expected *AllProvidersFailed, got %T (%v)", err, err)
	}
	if apf.LastStatus != 503 {
		t.Errorf("last_status = %d, want 503", apf.LastStatus)
	}
	if db.calls != 0 {
		t.Errorf("budget exceeded, second candidate must not be tried (calls=%d)", db.calls)
	}
}

// collectEmitter gathers emitted SSE events.
type collectEmitter struct {
	events [][]byte
}

func (c *collectEmitter) emit(ev []byte) error {
	cp := make([]byte, len(ev))
	copy(cp, ev)
	c.events = append(c.events, cp)
	return nil
}

func TestTryStream_HappyPath(t *testing.T) {
	chunks := [][]byte{
		[]byte("data: {\"a\":1}\n\n"),
		[]byte("data: {\"a\":2}\n\n"),
		[]byte("data: [DONE]\n\n"),
	}
	d := &scriptedDispatcher{outcomes: []dispatchOutcome{{
		events: chunks,
		res:    &upstream.Result{Status: 200, Emitted: true},
	}}}
	e, _ := newTestEngine(t, mapProviders{"a": runtimeFor("a", d)})

	sink := &collectEmitter{}
	var first string
	err := e.TryStream(context.Background(),
		candidatesFor([2]string{"a", "m1"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)},
		sink.emit,
		func(pid, mid string) { first = pid + "/" + mid },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(sink.events))
	}
	if first != "a/m1" {
		t.Errorf("onFirstChunk got %q", first)
	}
}

func TestTryStream_PreChunkFailureAdvances(t *testing.T) {
	// a fails with 503 before emitting anything; b serves the stream.
	da := &scriptedDispatcher{outcomes: []dispatchOutcome{{err: upErr("a", 503, "unavailable")}}}
	db := &scriptedDispatcher{outcomes: []dispatchOutcome{{
		events: [][]byte{[]byte("data: {\"ok\":true}\n\n")},
		res:    &upstream.Result{Status: 200, Emitted: true},
	}}}
	e, _ := newTestEngine(t, mapProviders{
		"a": runtimeFor("a", da),
		"b": runtimeFor("b", db),
	})

	sink := &collectEmitter{}
	var first string
	err := e.TryStream(context.Background(),
		candidatesFor([2]string{"a", "m"}, [2]string{"b", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)},
		sink.emit,
		func(pid, _ string) { first = pid },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "b" {
		t.Errorf("expected b to serve after pre-chunk failure, got %q", first)
	}
	if len(sink.events) != 1 {
		t.Errorf("expected 1 event, got %d", len(sink.events))
	}
}

func TestTryStream_MidStreamFailureLatches(t *testing.T) {
	// a emits one chunk then dies. The choice is latched: no advancement to
	// b, one synthetic error event closes the stream.
	da := &scriptedDispatcher{outcomes: []dispatchOutcome{{
		events: [][]byte{[]byte("data: {\"a\":1}\n\n")},
		err:    &upstream.Error{ProviderID: "a", Status: 0, Message: "connection reset", Emitted: true},
	}}}
	db := &scriptedDispatcher{}
	e, _ := newTestEngine(t, mapProviders{
		"a": runtimeFor("a", da),
		"b": runtimeFor("b", db),
	})

	sink := &collectEmitter{}
	err := e.TryStream(context.Background(),
		candidatesFor([2]string{"a", "m"}, [2]string{"b", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)},
		sink.emit, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if db.calls != 0 {
		t.Error("mid-stream failure must not advance to the next candidate")
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected chunk + synthetic error, got %d events", len(sink.events))
	}
	last := sink.events[len(sink.events)-1]
	if !bytes.Contains(last, []byte(`"type":"upstream_error"`)) {
		t.Errorf("synthetic event should carry upstream_error, got: %s", last)
	}
	if !bytes.Contains(last, []byte(`"provider_id":"a"`)) {
		t.Errorf("synthetic event should name the provider, got: %s", last)
	}
}

func TestTryStream_ExhaustionEmitsTerminalEvent(t *testing.T) {
	da := &scriptedDispatcher{outcomes: []dispatchOutcome{{err: upErr("a", 503, "down")}}}
	e, _ := newTestEngine(t, mapProviders{"a": runtimeFor("a", da)})

	sink := &collectEmitter{}
	err := e.TryStream(context.Background(),
		candidatesFor([2]string{"a", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)},
		sink.emit, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 terminal event, got %d", len(sink.events))
	}
	// Last candidate's failure surfaces as upstream_error in-band.
	if !bytes.Contains(sink.events[0], []byte(`"type":"upstream_error"`)) {
		t.Errorf("unexpected terminal event: %s", sink.events[0])
	}
}

func TestTryStream_AllCooldownEmitsAllProvidersFailed(t *testing.T) {
	e, kc := newTestEngine(t, mapProviders{})
	ctx := context.Background()
	_ = kc.Set(ctx, failureKey("a"), []byte("9"), time.Minute)

	sink := &collectEmitter{}
	err := e.TryStream(ctx,
		candidatesFor([2]string{"a", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)},
		sink.emit, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 terminal event, got %d", len(sink.events))
	}
	if !bytes.Contains(sink.events[0], []byte(`"type":"all_providers_failed"`)) {
		t.Errorf("unexpected terminal event: %s", sink.events[0])
	}
	// The terminal chunk carries the aggregate counters as structured
	// fields, not just inside the message text.
	if !bytes.Contains(sink.events[0], []byte(`"skipped":1`)) {
		t.Errorf("skipped count missing from terminal event: %s", sink.events[0])
	}
	if !bytes.Contains(sink.events[0], []byte(`"tried":0`)) {
		t.Errorf("tried count missing from terminal event: %s", sink.events[0])
	}
}

func TestTryStream_FirstChunkClearsFailureCounter(t *testing.T) {
	d := &scriptedDispatcher{outcomes: []dispatchOutcome{{
		events: [][]byte{[]byte("data: {}\n\n")},
		res:    &upstream.Result{Status: 200, Emitted: true},
	}}}
	e, kc := newTestEngine(t, mapProviders{"a": runtimeFor("a", d)})
	ctx := context.Background()

	// Below threshold, so the provider is still tried.
	_ = kc.Set(ctx, failureKey("a"), []byte("2"), time.Minute)

	sink := &collectEmitter{}
	if err := e.TryStream(ctx,
		candidatesFor([2]string{"a", "m"}),
		&RetryRequest{LogicalModelID: "gpt-4", Body: []byte(`{}`)},
		sink.emit, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := cache.GetInt(ctx, kc, failureKey("a")); n != 0 {
		t.Errorf("first chunk should clear the failure counter, got %d", n)
	}
}
