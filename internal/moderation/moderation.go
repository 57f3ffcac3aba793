// Package moderation screens inbound payloads before any provider is
// consulted.
package moderation

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrDenied rejects a request at the gate. Never retried.
type ErrDenied struct {
	Reason string
}

func (e *ErrDenied) Error() string {
	return fmt.Sprintf("request denied by moderation: %s", e.Reason)
}

func (e *ErrDenied) HTTPStatus() int { return 400 }

// Gate decides whether a request may reach the providers. A nil return
// admits the request; *ErrDenied rejects it.
type Gate interface {
	Check(ctx context.Context, body []byte, logicalModel string) error
}

// NopGate admits everything.
type NopGate struct{}

func (NopGate) Check(context.Context, []byte, string) error { return nil }

// BlocklistGate denies requests whose message content contains any
// configured term. Matching is case-insensitive substring.
type BlocklistGate struct {
	terms []string
}

// NewBlocklistGate builds a gate from config. Empty terms are dropped; an
// all-empty list yields a gate that admits everything.
func NewBlocklistGate(terms []string) *BlocklistGate {
	kept := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			kept = append(kept, t)
		}
	}
	return &BlocklistGate{terms: kept}
}

func (g *BlocklistGate) Check(_ context.Context, body []byte, _ string) error {
	if len(g.terms) == 0 {
		return nil
	}
	for _, m := range gjson.GetBytes(body, "messages").Array() {
		content := strings.ToLower(m.Get("content").String())
		if content == "" {
			continue
		}
		for _, term := range g.terms {
			if strings.Contains(content, term) {
				return &ErrDenied{Reason: "blocked_content"}
			}
		}
	}
	return nil
}
