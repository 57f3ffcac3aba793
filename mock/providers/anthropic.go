package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// Model ids served by the mock; the first one matches the claude-sonnet
// logical model in config.example.yaml so the router works out of the box.
var anthropicMockModels = []string{
	"claude-sonnet-4-20250514",
	"claude-3-5-haiku-20241022",
}

// newAnthropicHandler returns an http.Handler that simulates the Anthropic
// messages API, including the event-typed SSE framing the router relays.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeAnthropicError(w, http.StatusServiceUnavailable, "mock overloaded", "overloaded_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = anthropicMockModels[0]
		}

		// Input usage scales with the prompt so routed requests produce
		// distinguishable token counts in the metrics store.
		inTokens := 5
		for _, m := range req.Messages {
			inTokens += len(strings.Fields(m.Content))
		}

		id := fmt.Sprintf("msg_mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		outTokens := cfg.StreamWords

		if req.Stream {
			serveAnthropicStream(w, id, model, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]string{
				{"type": "text", "text": content},
			},
			"usage": map[string]int{
				"input_tokens":  inTokens,
				"output_tokens": outTokens,
			},
		})
	})

	// Models list (used by health probes)
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]any, 0, len(anthropicMockModels))
		for _, id := range anthropicMockModels {
			data = append(data, map[string]any{
				"id":         id,
				"type":       "model",
				"created_at": time.Now().UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data":     data,
			"has_more": false,
			"first_id": anthropicMockModels[0],
			"last_id":  anthropicMockModels[len(anthropicMockModels)-1],
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found_error")
	})

	return mux
}

// writeAnthropicError uses Anthropic's error envelope, which differs from
// the OpenAI-style one in common.go.
func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}

// serveAnthropicStream writes the messages streaming sequence. Usage is
// split the way the real API splits it: input_tokens on message_start,
// output_tokens on message_delta — the two events the router's stream
// accounting reads.
func serveAnthropicStream(w http.ResponseWriter, id, model, content string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	emit := func(event string, payload map[string]any) {
		payload["type"] = event
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit("message_start", map[string]any{
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": inTokens, "output_tokens": 0},
		},
	})
	emit("content_block_start", map[string]any{
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	emit("ping", map[string]any{})

	for _, word := range strings.Fields(content) {
		emit("content_block_delta", map[string]any{
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	emit("content_block_stop", map[string]any{"index": 0})
	emit("message_delta", map[string]any{
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outTokens},
	})
	emit("message_stop", map[string]any{})
}
