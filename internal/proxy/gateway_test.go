package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/model-router/internal/cache"
	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/moderation"
	"github.com/nulpointcorp/model-router/internal/session"
	"github.com/nulpointcorp/model-router/internal/upstream"
)

type gatewayFixture struct {
	gw       *Gateway
	kc       cache.KeyedCache
	sessions *session.Store
}

func newTestGateway(t *testing.T, providers mapProviders, gate moderation.Gate) *gatewayFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	kc := cache.NewMemoryCache(ctx)
	sessions := session.NewStore(kc, time.Hour, nil)
	models := mapModels{"gpt-4": logicalFixture()}

	selector := NewSelector(models, nil, sessions, nil, kc, SelectorConfig{}, nil, nil)
	engine := NewEngine(kc, keypool.New(nil), providers, DefaultRetryConfig(), nil, nil, nil)

	gw := NewGateway(ctx, GatewayDeps{
		Selector:   selector,
		Engine:     engine,
		Sessions:   sessions,
		Moderation: gate,
		Cache:      kc,
	})
	return &gatewayFixture{gw: gw, kc: kc, sessions: sessions}
}

func postJSON(handler fasthttp.RequestHandler, path, body string, headers map[string]string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI(path)
	ctx.Request.Header.SetContentType("application/json")
	for k, v := range headers {
		ctx.Request.Header.Set(k, v)
	}
	ctx.Request.SetBodyString(body)
	handler(ctx)
	return ctx
}

func decodeEnvelope(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("response is not JSON: %v\nbody: %s", err, body)
	}
	return env
}

func TestGateway_InvalidJSONBody(t *testing.T) {
	f := newTestGateway(t, mapProviders{}, nil)
	h := f.gw.Handler(nil)

	ctx := postJSON(h, "/v2/chat/completions", "{not json", nil)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
	env := decodeEnvelope(t, ctx.Response.Body())
	if env["type"] != "invalid_request_error" {
		t.Errorf("expected type invalid_request_error, got %v", env["type"])
	}
}

func TestGateway_MissingModelField(t *testing.T) {
	f := newTestGateway(t, mapProviders{}, nil)
	h := f.gw.Handler(nil)

	ctx := postJSON(h, "/v2/chat/completions", `{"messages":[]}`, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
	env := decodeEnvelope(t, ctx.Response.Body())
	if d, _ := env["detail"].(string); !strings.Contains(d, "model") {
		t.Errorf("detail should mention the model field, got %v", env["detail"])
	}
}

func TestGateway_UnknownLogicalModel(t *testing.T) {
	f := newTestGateway(t, mapProviders{}, nil)
	h := f.gw.Handler(nil)

	ctx := postJSON(h, "/v2/chat/completions", `{"model":"nope"}`, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
	env := decodeEnvelope(t, ctx.Response.Body())
	if env["code"] != "model_not_found" {
		t.Errorf("expected code model_not_found, got %v", env["code"])
	}
}

func TestGateway_NonStreamSuccess(t *testing.T) {
	d := &scriptedDispatcher{outcomes: []dispatchOutcome{{res: okResult()}}}
	f := newTestGateway(t, mapProviders{
		"openai": runtimeFor("openai", d),
		"azure":  runtimeFor("azure", &scriptedDispatcher{}),
	}, nil)
	h := f.gw.Handler(nil)

	ctx := postJSON(h, "/v2/chat/completions", `{"model":"gpt-4","messages":[]}`, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	env := decodeEnvelope(t, ctx.Response.Body())
	if env["ok"] != true {
		t.Errorf("expected upstream body passthrough, got %s", ctx.Response.Body())
	}
}

func TestGateway_SessionBoundOnSuccess(t *testing.T) {
	d := &scriptedDispatcher{outcomes: []dispatchOutcome{{res: okResult()}}}
	f := newTestGateway(t, mapProviders{
		"openai": runtimeFor("openai", d),
		"azure":  runtimeFor("azure", &scriptedDispatcher{}),
	}, nil)
	h := f.gw.Handler(nil)

	ctx := postJSON(h, "/v2/chat/completions", `{"model":"gpt-4","messages":[]}`,
		map[string]string{"X-Session-Id": "conv-77"})
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}

	sess, err := f.sessions.Get(context.Background(), "conv-77")
	if err != nil || sess == nil {
		t.Fatalf("expected a bound session, got %v err=%v", sess, err)
	}
	if sess.ProviderID != "openai" {
		t.Errorf("expected binding to openai, got %s", sess.ProviderID)
	}
	if sess.MessageCount != 1 {
		t.Errorf("expected message_count 1 after first turn, got %d", sess.MessageCount)
	}
}

func TestGateway_ExhaustionReturns502(t *testing.T) {
	d := &scriptedDispatcher{outcomes: []dispatchOutcome{
		{err: upErr("openai", 503, "down")},
		{err: upErr("azure", 503, "down")},
	}}
	// Same dispatcher instance serves both providers in candidate order.
	f := newTestGateway(t, mapProviders{
		"openai": runtimeFor("openai", d),
		"azure":  runtimeFor("azure", d),
	}, nil)
	h := f.gw.Handler(nil)

	ctx := postJSON(h, "/v2/chat/completions", `{"model":"gpt-4"}`, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Fatalf("expected 502, got %d", ctx.Response.StatusCode())
	}
	env := decodeEnvelope(t, ctx.Response.Body())
	if env["code"] != "all_providers_failed" {
		t.Errorf("expected code all_providers_failed, got %v", env["code"])
	}
	if d2, _ := env["detail"].(string); !strings.Contains(d2, "All upstream providers failed for logical model 'gpt-4'") {
		t.Errorf("unexpected detail: %v", env["detail"])
	}
}

func TestGateway_ModerationBlocks(t *testing.T) {
	gate := moderation.NewBlocklistGate([]string{"forbidden"})
	d := &scriptedDispatcher{}
	f := newTestGateway(t, mapProviders{
		"openai": runtimeFor("openai", d),
		"azure":  runtimeFor("azure", d),
	}, gate)
	h := f.gw.Handler(nil)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"this is FORBIDDEN text"}]}`
	ctx := postJSON(h, "/v2/chat/completions", body, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
	env := decodeEnvelope(t, ctx.Response.Body())
	if env["code"] != "moderation_denied" {
		t.Errorf("expected code moderation_denied, got %v", env["code"])
	}
	if d.calls != 0 {
		t.Error("blocked request must not reach any upstream")
	}
}

func TestGateway_SessionEndpoints(t *testing.T) {
	f := newTestGateway(t, mapProviders{}, nil)
	h := f.gw.Handler(nil)
	ctxBg := context.Background()

	if _, err := f.sessions.Bind(ctxBg, "conv-9", "gpt-4", "openai", "gpt-4o"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	// GET existing
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("/v2/sessions/conv-9")
	h(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("GET session: expected 200, got %d", ctx.Response.StatusCode())
	}
	var sess map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &sess); err != nil {
		t.Fatalf("session body: %v", err)
	}
	if sess["provider_id"] != "openai" {
		t.Errorf("expected provider_id openai, got %v", sess["provider_id"])
	}
	if _, ok := sess["last_used_at"]; !ok {
		t.Error("session JSON should expose last_used_at")
	}

	// DELETE existing
	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodDelete)
	ctx.Request.SetRequestURI("/v2/sessions/conv-9")
	h(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("DELETE session: expected 204, got %d", ctx.Response.StatusCode())
	}

	// GET after delete
	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("/v2/sessions/conv-9")
	h(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("GET deleted session: expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestGateway_HealthWithoutOracle(t *testing.T) {
	f := newTestGateway(t, mapProviders{}, nil)
	h := f.gw.Handler(nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("/health")
	h(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestGateway_StreamingResponse(t *testing.T) {
	chunks := [][]byte{
		[]byte("data: {\"n\":1}\n\n"),
		[]byte("data: {\"n\":2}\n\n"),
		[]byte("data: [DONE]\n\n"),
	}
	d := &scriptedDispatcher{outcomes: []dispatchOutcome{{
		events: chunks,
		res:    &upstream.Result{Status: 200, Emitted: true},
	}}}
	f := newTestGateway(t, mapProviders{
		"openai": runtimeFor("openai", d),
		"azure":  runtimeFor("azure", &scriptedDispatcher{}),
	}, nil)

	// Streaming writes through SetBodyStreamWriter, so drive a real server
	// over an in-memory listener.
	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()
	srv := &fasthttp.Server{Handler: f.gw.Handler(nil)}
	go func() { _ = srv.Serve(ln) }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			return ln.Dial()
		},
	}}

	req, _ := http.NewRequest(http.MethodPost, "http://router/v2/chat/completions",
		strings.NewReader(`{"model":"gpt-4","stream":true,"messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", "conv-stream")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream, got %s", ct)
	}

	r := bufio.NewReader(resp.Body)
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, want := range []string{`{"n":1}`, `{"n":2}`, "[DONE]"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}

	// First chunk binds the sticky session.
	sess, err := f.sessions.Get(context.Background(), "conv-stream")
	if err != nil || sess == nil {
		t.Fatalf("expected bound session after stream, got %v err=%v", sess, err)
	}
	if sess.ProviderID != "openai" {
		t.Errorf("expected binding to openai, got %s", sess.ProviderID)
	}
}
