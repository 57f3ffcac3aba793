package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/routing"
)

// OpenAITransport speaks the chat completions dialect through the official
// SDK. The inbound payload is decoded into typed params, so malformed
// requests fail here instead of at the provider.
type OpenAITransport struct {
	providerID string
	client     openaiSDK.Client
	timeout    time.Duration
}

// NewOpenAITransport creates an SDK transport for one provider. baseURL may
// be empty for the default platform endpoint.
func NewOpenAITransport(providerID, baseURL string, client *http.Client) *OpenAITransport {
	if client == nil {
		client = NewUpstreamClient()
	}
	opts := []option.RequestOption{option.WithHTTPClient(client)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAITransport{
		providerID: providerID,
		client:     openaiSDK.NewClient(opts...),
		timeout:    defaultDispatchTimeout,
	}
}

func (t *OpenAITransport) Name() string { return "openai" }

func (t *OpenAITransport) Dispatch(ctx context.Context, up routing.PhysicalModel, key *keypool.SelectedKey, req *Request) (*Result, error) {
	params, err := chatParamsFromBody(req.Body, up.ModelID)
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

	resp, err := t.client.Chat.Completions.New(ctx, params, auth)
	if err != nil {
		return nil, t.wrapError(err, false)
	}

	return &Result{
		Status:       http.StatusOK,
		Body:         []byte(resp.RawJSON()),
		ContentType:  "application/json",
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (t *OpenAITransport) dispatchStream(ctx context.Context, params openaiSDK.ChatCompletionNewParams, emit StreamEmitter, auth option.RequestOption) (*Result, error) {
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}

	res := &Result{Status: http.StatusOK, ContentType: "text/event-stream"}
	stream := t.client.Chat.Completions.NewStreaming(ctx, params, auth)

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			res.InputTokens = int(chunk.Usage.PromptTokens)
			res.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
		if err := emit([]byte("data: " + chunk.RawJSON() + "\n\n")); err != nil {
			return res, nil // client disconnect
		}
		res.Emitted = true
	}
	if err := stream.Err(); err != nil {
		wrapped := t.wrapError(err, res.Emitted)
		return nil, wrapped
	}

	_ = emit([]byte("data: [DONE]\n\n"))
	return res, nil
}

func (t *OpenAITransport) wrapError(err error, emitted bool) *Error {
	var apierr *openaiSDK.Error
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

// chatParamsFromBody decodes the fields the dialect shares across clients.
// Message content must be plain text; structured content belongs on the
// pass-through transport.
func chatParamsFromBody(body []byte, modelID string) (openaiSDK.ChatCompletionNewParams, error) {
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return openaiSDK.ChatCompletionNewParams{}, errors.New("missing messages array")
	}

	params := openaiSDK.ChatCompletionNewParams{Model: openaiSDK.ChatModel(modelID)}
	for _, m := range msgs.Array() {
		role := m.Get("role").String()
		content := m.Get("content").String()
		params.Messages = append(params.Messages, chatMessage(role, content))
	}

	if v := gjson.GetBytes(body, "temperature"); v.Exists() {
		params.Temperature = openaiSDK.Float(v.Float())
	}
	if v := gjson.GetBytes(body, "max_tokens"); v.Int() > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(v.Int())
	}
	if v := gjson.GetBytes(body, "max_completion_tokens"); v.Int() > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(v.Int())
	}

	return params, nil
}

func chatMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
