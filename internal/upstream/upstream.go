// Package upstream contains the transports that carry a single request to
// one physical model with one selected API key.
//
// A transport performs exactly one attempt. It does not retry, does not pick
// keys, and does not classify failures beyond attaching the upstream status
// code; the retry engine owns those decisions.
package upstream

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/routing"
)

// StreamEmitter delivers one SSE event block (terminated by a blank line) to
// the client. A non-nil error aborts the upstream read; the transport treats
// it as a client disconnect, not an upstream failure.
type StreamEmitter func(event []byte) error

// Request is one attempt's payload.
type Request struct {
	Style  routing.APIStyle
	Body   []byte // raw inbound JSON; the transport substitutes the model field
	Stream bool

	// Emit must be non-nil when Stream is true.
	Emit StreamEmitter
}

// Result is the outcome of a successful attempt.
type Result struct {
	Status      int
	Body        []byte // nil for streamed responses
	ContentType string

	InputTokens  int
	OutputTokens int

	// Emitted reports whether at least one chunk reached the client. Once
	// true the attempt cannot be retried on another upstream.
	Emitted bool
}

// Dispatcher performs single attempts against one provider.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, up routing.PhysicalModel, key *keypool.SelectedKey, req *Request) (*Result, error)
}

// Error is a failed upstream attempt. Status is 0 when the failure happened
// before any HTTP status was received (DNS, connect, deadline).
type Error struct {
	ProviderID string
	Status     int
	Message    string

	// Emitted mirrors Result.Emitted for failures that happen mid-stream.
	Emitted bool
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream %s: %s", e.ProviderID, e.Message)
	}
	return fmt.Sprintf("upstream %s: status %d: %s", e.ProviderID, e.Status, e.Message)
}

// HTTPStatus returns the upstream status, or 502 when none was received.
func (e *Error) HTTPStatus() int {
	if e.Status == 0 {
		return 502
	}
	return e.Status
}

// truncate keeps error payloads log-sized.
func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
