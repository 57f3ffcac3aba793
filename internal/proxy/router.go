package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/routing"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the routing endpoints.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler assembles the routing table plus middleware. Exposed separately
// from Start so tests can drive it through fasthttp directly.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v2/chat/completions", g.handleChatCompletions)
	r.POST("/v2/responses", g.handleResponses)
	r.POST("/v2/messages", g.handleMessages)
	r.GET("/v2/sessions/{conversation_id}", g.handleGetSession)
	r.DELETE("/v2/sessions/{conversation_id}", g.handleDeleteSession)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start without the management surface.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// Streams can stay open for minutes; the per-attempt dispatch
		// timeout bounds the upstream side.
		WriteTimeout: 10 * time.Minute,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "/v2/chat/completions", routing.APIStyleChat)
}

func (g *Gateway) handleResponses(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "/v2/responses", routing.APIStyleResponses)
}

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "/v2/messages", routing.APIStyleClaude)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
