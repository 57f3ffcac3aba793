package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/routing"
)

const (
	defaultDispatchTimeout = 120 * time.Second
	responseHeaderTimeout  = 30 * time.Second
	anthropicVersion       = "2023-06-01"
	maxErrorBodyBytes      = 2048
)

// NewUpstreamClient builds the shared outbound HTTP client. Connect, TLS and
// response-header phases are bounded; the body read is not, so streamed
// responses can run longer than any fixed total. Non-stream attempts are
// bounded by the per-dispatch deadline each transport arms.
func NewUpstreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: responseHeaderTimeout,
		},
	}
}

// HTTPTransport forwards the raw inbound payload to an OpenAI- or
// Anthropic-compatible endpoint, rewriting only the model field. It works
// with any provider that speaks one of the supported dialects.
type HTTPTransport struct {
	providerID string
	baseURL    string
	headers    map[string]string
	client     *http.Client
	timeout    time.Duration
}

// NewHTTPTransport creates a pass-through transport for one provider.
// headers are extra request headers from provider config; client may be nil.
func NewHTTPTransport(providerID, baseURL string, headers map[string]string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = NewUpstreamClient()
	}
	return &HTTPTransport{
		providerID: providerID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    headers,
		client:     client,
		timeout:    defaultDispatchTimeout,
	}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) Dispatch(ctx context.Context, up routing.PhysicalModel, key *keypool.SelectedKey, req *Request) (*Result, error) {
	// Non-stream attempts carry a total deadline; a deadline hit surfaces as
	// a no-status Error, which the retry engine treats as retryable. Streams
	// are bounded up to the response header by the client transport.
	if !req.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	body, err := prepareBody(req.Body, up.ModelID, req.Style, req.Stream)
	if err != nil {
		return nil, &Error{ProviderID: t.providerID, Message: "prepare body: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(up, req.Style), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{ProviderID: t.providerID, Message: err.Error()}
	}
	t.setHeaders(httpReq, key, req.Style)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &Error{ProviderID: t.providerID, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &Error{
			ProviderID: t.providerID,
			Status:     resp.StatusCode,
			Message:    truncate(raw, maxErrorBodyBytes),
		}
	}

	if req.Stream {
		return t.relayStream(resp, req.Emit)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{ProviderID: t.providerID, Status: resp.StatusCode, Message: "read body: " + err.Error()}
	}

	res := &Result{
		Status:      resp.StatusCode,
		Body:        raw,
		ContentType: resp.Header.Get("Content-Type"),
	}
	res.InputTokens, res.OutputTokens = usageFromBody(raw, req.Style)
	return res, nil
}

// endpoint picks the upstream URL: an explicit per-model endpoint wins,
// otherwise the provider base URL plus the dialect's standard path.
func (t *HTTPTransport) endpoint(up routing.PhysicalModel, style routing.APIStyle) string {
	if up.Endpoint != "" {
		return up.Endpoint
	}
	switch style {
	case routing.APIStyleResponses:
		return t.baseURL + "/responses"
	case routing.APIStyleClaude:
		return t.baseURL + "/messages"
	default:
		return t.baseURL + "/chat/completions"
	}
}

func (t *HTTPTransport) setHeaders(r *http.Request, key *keypool.SelectedKey, style routing.APIStyle) {
	r.Header.Set("Content-Type", "application/json")
	if style == routing.APIStyleClaude {
		r.Header.Set("x-api-key", key.Key)
		r.Header.Set("anthropic-version", anthropicVersion)
	} else {
		r.Header.Set("Authorization", "Bearer "+key.Key)
	}
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
}

// relayStream copies SSE events to the client one event block at a time.
// Usage fields found in chunks are accumulated into the result.
func (t *HTTPTransport) relayStream(resp *http.Response, emit StreamEmitter) (*Result, error) {
	res := &Result{Status: resp.StatusCode, ContentType: "text/event-stream"}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event bytes.Buffer
	flush := func() error {
		if event.Len() == 0 {
			return nil
		}
		event.WriteByte('\n')
		if err := emit(event.Bytes()); err != nil {
			return err
		}
		res.Emitted = true
		event.Reset()
		return nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			if err := flush(); err != nil {
				return res, nil // client went away; not an upstream failure
			}
			continue
		}
		if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			if in, out := usageFromChunk(data); in+out > 0 {
				res.InputTokens, res.OutputTokens = in, out
			}
		}
		event.Write(line)
		event.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, &Error{
			ProviderID: t.providerID,
			Status:     resp.StatusCode,
			Message:    "stream read: " + err.Error(),
			Emitted:    res.Emitted,
		}
	}
	_ = flush()

	return res, nil
}

// prepareBody substitutes the physical model id and, for streamed chat
// requests, asks the upstream to include usage in the final chunk.
func prepareBody(body []byte, modelID string, style routing.APIStyle, stream bool) ([]byte, error) {
	out, err := sjson.SetBytes(body, "model", modelID)
	if err != nil {
		return nil, err
	}
	if stream {
		if out, err = sjson.SetBytes(out, "stream", true); err != nil {
			return nil, err
		}
		if style == routing.APIStyleChat {
			if out, err = sjson.SetBytes(out, "stream_options.include_usage", true); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func usageFromBody(body []byte, style routing.APIStyle) (in, out int) {
	if style == routing.APIStyleClaude {
		return int(gjson.GetBytes(body, "usage.input_tokens").Int()),
			int(gjson.GetBytes(body, "usage.output_tokens").Int())
	}
	// Chat completions and responses use prompt/completion token names; the
	// responses API also reports input/output_tokens.
	in = int(gjson.GetBytes(body, "usage.prompt_tokens").Int())
	out = int(gjson.GetBytes(body, "usage.completion_tokens").Int())
	if in == 0 && out == 0 {
		in = int(gjson.GetBytes(body, "usage.input_tokens").Int())
		out = int(gjson.GetBytes(body, "usage.output_tokens").Int())
	}
	return in, out
}

func usageFromChunk(data []byte) (in, out int) {
	if !gjson.GetBytes(data, "usage").Exists() {
		return 0, 0
	}
	return usageFromBody(data, routing.APIStyleChat)
}
