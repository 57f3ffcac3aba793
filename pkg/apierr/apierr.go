// Package apierr provides the structured error envelope returned to clients
// and the mapping from internal error kinds to HTTP statuses.
//
// The wire shape is `{"detail": ..., "type": ..., "code": ...}`.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Error type constants.
const (
	TypeUpstreamError   = "upstream_error"
	TypeRoutingError    = "routing_error"
	TypeRateLimitError  = "rate_limit_error"
	TypeInvalidRequest  = "invalid_request_error"
	TypeModerationError = "moderation_error"
	TypeServerError     = "server_error"
)

// Code constants.
const (
	CodeModelNotFound      = "model_not_found"
	CodeNoUpstreams        = "no_upstreams"
	CodeNoAvailableKey     = "no_available_key"
	CodeAllProvidersFailed = "all_providers_failed"
	CodeUpstreamError      = "upstream_error"
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeModerationDenied   = "moderation_denied"
	CodeInvalidRequest     = "invalid_request"
	CodeInternalError      = "internal_error"
)

// APIError is the structured error returned to clients.
type APIError struct {
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Code   string `json:"code"`
}

// StatusCoder is implemented by errors that carry their own HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Write writes the error envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, detail, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(APIError{Detail: detail, Type: errType, Code: code})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInternal writes a 500 without leaking internals; the request id lets
// operators find the full error in logs.
func WriteInternal(ctx *fasthttp.RequestCtx, requestID string) {
	detail := "internal server error"
	if requestID != "" {
		detail += " (request_id=" + requestID + ")"
	}
	Write(ctx, fasthttp.StatusInternalServerError, detail, TypeServerError, CodeInternalError)
}
