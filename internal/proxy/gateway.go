// Package proxy is the request-routing core.
//
// The Gateway receives an OpenAI- or Anthropic-style request addressed to a
// logical model, runs the moderation gate and rate limiter, asks the
// Selector for a ranked candidate list, and hands the list to the retry
// Engine which walks it until one upstream answers. On the first success of
// a conversation-tagged request the (provider, model) pair is bound as a
// sticky session.
//
// Key design constraints:
//   - Routing overhead is cache reads plus pure scoring; no blocking I/O
//     beyond the shared cache on the hot path.
//   - Limiter, moderation, health oracle, request logger and metrics are all
//     optional and nil-safe.
//   - Streaming responses are SSE pass-through; chunks are never buffered
//     beyond one event.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/cache"
	"github.com/nulpointcorp/model-router/internal/health"
	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/logger"
	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/moderation"
	"github.com/nulpointcorp/model-router/internal/ratelimit"
	"github.com/nulpointcorp/model-router/internal/routing"
	"github.com/nulpointcorp/model-router/internal/session"
	"github.com/nulpointcorp/model-router/pkg/apierr"
)

const (
	sessionHeader     = "X-Session-Id"
	idempotencyHeader = "X-Idempotency-Key"

	streamMarkerPrefix = "usage:stream:"
	streamMarkerTTL    = 10 * time.Minute
)

// GatewayDeps wires a Gateway. Selector and Engine are required; everything
// else may be nil and degrades to a disabled feature.
type GatewayDeps struct {
	Selector      *Selector
	Engine        *Engine
	Sessions      *session.Store
	Moderation    moderation.Gate
	Health        *health.Oracle
	Limiter       *ratelimit.RPMLimiter
	RequestLogger *logger.Logger
	Cache         cache.KeyedCache
	Metrics       *metrics.Registry
	Logger        *slog.Logger
	CORSOrigins   []string
}

// Gateway is the inbound HTTP surface. All dependencies are injected so they
// can be replaced with doubles in unit tests.
type Gateway struct {
	selector  *Selector
	engine    *Engine
	sessions  *session.Store
	gate      moderation.Gate
	health    *health.Oracle
	limiter   *ratelimit.RPMLimiter
	reqLogger *logger.Logger
	cache     cache.KeyedCache
	metrics   *metrics.Registry
	log       *slog.Logger
	baseCtx   context.Context

	corsOrigins []string
}

// NewGateway creates a Gateway. baseCtx bounds background work such as
// session writes that outlive the client connection.
func NewGateway(baseCtx context.Context, deps GatewayDeps) *Gateway {
	if baseCtx == nil {
		panic("proxy: base context must not be nil")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	gate := deps.Moderation
	if gate == nil {
		gate = moderation.NopGate{}
	}
	return &Gateway{
		selector:    deps.Selector,
		engine:      deps.Engine,
		sessions:    deps.Sessions,
		gate:        gate,
		health:      deps.Health,
		limiter:     deps.Limiter,
		reqLogger:   deps.RequestLogger,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		log:         log,
		baseCtx:     baseCtx,
		corsOrigins: deps.CORSOrigins,
	}
}

// dispatch handles all three completion-style endpoints; only the api style
// marker differs between them.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, route string, style routing.APIStyle) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)
	body := ctx.PostBody()
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streams finalize in the body writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	if !gjson.ValidBytes(body) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	logicalID := gjson.GetBytes(body, "model").String()
	if logicalID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	sessionID := string(ctx.Request.Header.Peek(sessionHeader))
	wantStream := gjson.GetBytes(body, "stream").Bool() ||
		strings.Contains(string(ctx.Request.Header.Peek("Accept")), "text/event-stream")

	g.log.InfoContext(ctx, "route_request",
		slog.String("request_id", reqID),
		slog.String("logical_model", logicalID),
		slog.String("route", route),
		slog.Bool("stream", wantStream),
		slog.Bool("sticky", sessionID != ""),
	)

	if !g.allowRate(ctx, logicalID, reqID) {
		return
	}

	if err := g.gate.Check(ctx, body, logicalID); err != nil {
		if g.metrics != nil {
			g.metrics.RecordModerationBlock(logicalID)
		}
		g.writeError(ctx, err, reqID)
		return
	}

	sel, err := g.selector.Select(ctx, logicalID, sessionID)
	if err != nil {
		g.writeError(ctx, err, reqID)
		return
	}

	req := &RetryRequest{LogicalModelID: logicalID, Style: style, Body: body}

	served, servedModel := "", ""
	bind := func(providerID, modelID string) {
		served, servedModel = providerID, modelID
		if sessionID == "" || g.sessions == nil {
			return
		}
		if _, err := g.sessions.Bind(g.baseCtx, sessionID, logicalID, providerID, modelID); err != nil {
			g.log.Warn("session_bind_error",
				slog.String("conversation_id", sessionID),
				slog.String("error", err.Error()),
			)
			return
		}
		_ = g.sessions.Touch(g.baseCtx, sessionID, 1)
		if g.metrics != nil {
			g.metrics.RecordSessionBound(logicalID)
		}
	}

	if wantStream {
		streaming = true
		g.dispatchStream(ctx, route, sel, req, bind, start, reqID)
		return
	}

	res, err := g.engine.TryNonStream(ctx, sel.Candidates, req, bind)
	if err != nil {
		g.writeError(ctx, err, reqID)
		return
	}

	ctx.SetStatusCode(res.Status)
	if res.ContentType != "" {
		ctx.SetContentType(res.ContentType)
	} else {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(res.Body)

	g.finishRequest(logicalID, served, servedModel, sessionID, res.InputTokens, res.OutputTokens, res.Status, start)
}

// dispatchStream serves the SSE path. The retry engine runs inside the body
// stream writer, so candidate advancement is still possible until the first
// chunk is flushed to the client.
func (g *Gateway) dispatchStream(ctx *fasthttp.RequestCtx, route string, sel *Selection, req *RetryRequest, bind func(string, string), start time.Time, reqID string) {
	g.recordStreamMarker(ctx, req.LogicalModelID, reqID)

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	logicalID := req.LogicalModelID
	sessionID := string(ctx.Request.Header.Peek(sessionHeader))
	candidates := sel.Candidates

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()
		defer func() {
			if g.metrics != nil {
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
			}
		}()

		served := ""
		model := ""
		emit := func(ev []byte) error {
			if _, err := w.Write(ev); err != nil {
				return err
			}
			return w.Flush()
		}
		onFirstChunk := func(providerID, modelID string) {
			served, model = providerID, modelID
			bind(providerID, modelID)
		}

		if err := g.engine.TryStream(g.baseCtx, candidates, req, emit, onFirstChunk); err != nil {
			g.log.Warn("stream_client_error",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		}

		if g.reqLogger != nil {
			g.reqLogger.Log(logger.RequestLog{
				ID:           uuid.New(),
				LogicalModel: logicalID,
				Provider:     served,
				Model:        model,
				SessionID:    sessionID,
				LatencyMs:    uint32(time.Since(start).Milliseconds()),
				Status:       fasthttp.StatusOK,
				Streamed:     true,
				CreatedAt:    time.Now(),
			})
		}
	})
}

// recordStreamMarker pre-records the idempotency marker for a streaming
// request so usage accounting can reconcile streams that die mid-flight.
func (g *Gateway) recordStreamMarker(ctx *fasthttp.RequestCtx, logicalID, reqID string) {
	key := string(ctx.Request.Header.Peek(idempotencyHeader))
	if key == "" || g.cache == nil {
		return
	}
	marker, _ := json.Marshal(map[string]string{
		"logical_model": logicalID,
		"request_id":    reqID,
	})
	_ = g.cache.Set(ctx, streamMarkerPrefix+key, marker, streamMarkerTTL)
}

func (g *Gateway) allowRate(ctx *fasthttp.RequestCtx, logicalID, reqID string) bool {
	if g.limiter == nil {
		return true
	}
	allowed, err := g.limiter.Allow(ctx, logicalID)
	if g.metrics != nil {
		switch {
		case err != nil:
			g.metrics.RecordRateLimit("error")
		case allowed:
			g.metrics.RecordRateLimit("allowed")
		default:
			g.metrics.RecordRateLimit("blocked")
		}
	}
	if err == nil && !allowed {
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("logical_model", logicalID),
		)
		apierr.WriteRateLimit(ctx)
		return false
	}
	return true
}

func (g *Gateway) finishRequest(logicalID, provider, model, sessionID string, inTokens, outTokens, status int, start time.Time) {
	if g.reqLogger != nil {
		g.reqLogger.Log(logger.RequestLog{
			ID:           uuid.New(),
			LogicalModel: logicalID,
			Provider:     provider,
			Model:        model,
			SessionID:    sessionID,
			InputTokens:  uint32(inTokens),
			OutputTokens: uint32(outTokens),
			LatencyMs:    uint32(time.Since(start).Milliseconds()),
			Status:       uint16(status),
			CreatedAt:    time.Now(),
		})
	}
}

// writeError converts an internal error into the client envelope. Unknown
// errors become a 500 keyed by request id; internals never leak.
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, err error, reqID string) {
	switch e := err.(type) {
	case *routing.ErrLogicalModelMissing:
		apierr.Write(ctx, fasthttp.StatusNotFound, e.Error(),
			apierr.TypeRoutingError, apierr.CodeModelNotFound)
	case *routing.ErrNoUpstreams:
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, e.Error(),
			apierr.TypeRoutingError, apierr.CodeNoUpstreams)
	case *routing.ErrNoCandidates:
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, e.Error(),
			apierr.TypeRoutingError, apierr.CodeNoUpstreams)
	case *keypool.ErrNoAvailableKey:
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, e.Error(),
			apierr.TypeUpstreamError, apierr.CodeNoAvailableKey)
	case *AllProvidersFailed:
		apierr.Write(ctx, fasthttp.StatusBadGateway, e.Error(),
			apierr.TypeUpstreamError, apierr.CodeAllProvidersFailed)
	case *UpstreamFailure:
		apierr.Write(ctx, fasthttp.StatusBadGateway, e.Error(),
			apierr.TypeUpstreamError, apierr.CodeUpstreamError)
	case *moderation.ErrDenied:
		apierr.Write(ctx, fasthttp.StatusBadRequest, e.Error(),
			apierr.TypeModerationError, apierr.CodeModerationDenied)
	default:
		g.log.ErrorContext(ctx, "internal_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx, reqID)
	}
}

// handleGetSession serves GET /v2/sessions/{conversation_id}.
func (g *Gateway) handleGetSession(ctx *fasthttp.RequestCtx) {
	cid, _ := ctx.UserValue("conversation_id").(string)
	if g.sessions == nil || cid == "" {
		apierr.Write(ctx, fasthttp.StatusNotFound, "session not found",
			apierr.TypeRoutingError, apierr.CodeInvalidRequest)
		return
	}
	sess, err := g.sessions.Get(ctx, cid)
	if err != nil {
		g.writeError(ctx, err, "")
		return
	}
	if sess == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("no session for conversation '%s'", cid),
			apierr.TypeRoutingError, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, sess)
}

// handleDeleteSession serves DELETE /v2/sessions/{conversation_id}.
func (g *Gateway) handleDeleteSession(ctx *fasthttp.RequestCtx) {
	cid, _ := ctx.UserValue("conversation_id").(string)
	if g.sessions == nil || cid == "" {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	existed, err := g.sessions.Delete(ctx, cid)
	if err != nil {
		g.writeError(ctx, err, "")
		return
	}
	if !existed {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("no session for conversation '%s'", cid),
			apierr.TypeRoutingError, apierr.CodeInvalidRequest)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
