package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/routing"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicTransport speaks the messages dialect through the official SDK.
type AnthropicTransport struct {
	providerID string
	client     anthropic.Client
	timeout    time.Duration
}

// NewAnthropicTransport creates an SDK transport for one provider.
func NewAnthropicTransport(providerID, baseURL string, client *http.Client) *AnthropicTransport {
	if client == nil {
		client = NewUpstreamClient()
	}
	opts := []option.RequestOption{option.WithHTTPClient(client)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicTransport{
		providerID: providerID,
		client:     anthropic.NewClient(opts...),
		timeout:    defaultDispatchTimeout,
	}
}

func (t *AnthropicTransport) Name() string { return "anthropic" }

func (t *AnthropicTransport) Dispatch(ctx context.Context, up routing.PhysicalModel, key *keypool.SelectedKey, req *Request) (*Result, error) {
	params, err := messageParamsFromBody(req.Body, up.ModelID)
	if err != nil {
		return nil, &Error{ProviderID: t.providerID, Status: http.StatusBadRequest, Message: err.Error()}
	}

	auth := option.WithAPIKey(key.Key)

	if req.Stream {
		return t.dispatchStream(ctx, params, req.Emit, auth)
	}

	// Deadline hits surface as a no-status Error, which the retry engine
	// treats as retryable.
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	msg, err := t.client.Messages.New(ctx, params, auth)
	if err != nil {
		return nil, t.wrapError(err, false)
	}

	return &Result{
		Status:       http.StatusOK,
		Body:         []byte(msg.RawJSON()),
		ContentType:  "application/json",
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func (t *AnthropicTransport) dispatchStream(ctx context.Context, params anthropic.MessageNewParams, emit StreamEmitter, auth option.RequestOption) (*Result, error) {
	res := &Result{Status: http.StatusOK, ContentType: "text/event-stream"}
	stream := t.client.Messages.NewStreaming(ctx, params, auth)

	for stream.Next() {
		ev := stream.Current()
		switch v := ev.AsAny().(type) {
		case anthropic.MessageStartEvent:
			res.InputTokens = int(v.Message.Usage.InputTokens)
		case anthropic.MessageDeltaEvent:
			res.OutputTokens = int(v.Usage.OutputTokens)
		}

		block := "event: " + string(ev.Type) + "\ndata: " + ev.RawJSON() + "\n\n"
		if err := emit([]byte(block)); err != nil {
			return res, nil // client disconnect
		}
		res.Emitted = true
	}
	if err := stream.Err(); err != nil {
		return nil, t.wrapError(err, res.Emitted)
	}

	return res, nil
}

func (t *AnthropicTransport) wrapError(err error, emitted bool) *Error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &Error{
			ProviderID: t.providerID,
			Status:     apierr.StatusCode,
			Message:    apierr.Error(),
			Emitted:    emitted,
		}
	}
	return &Error{ProviderID: t.providerID, Message: err.Error(), Emitted: emitted}
}

// messageParamsFromBody decodes the shared fields of the messages dialect.
// System turns fold into the system prompt; content must be plain text.
func messageParamsFromBody(body []byte, modelID string) (anthropic.MessageNewParams, error) {
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return anthropic.MessageNewParams{}, errors.New("missing messages array")
	}

	maxTokens := gjson.GetBytes(body, "max_tokens").Int()
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: maxTokens,
	}

	var system string
	for _, m := range msgs.Array() {
		role := strings.ToLower(m.Get("role").String())
		content := m.Get("content").String()
		switch role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += content
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if v := gjson.GetBytes(body, "temperature"); v.Exists() {
		params.Temperature = anthropic.Float(v.Float())
	}

	return params, nil
}
