// Package deepseek implements the primary reasoning backend on top of the
// DeepSeek API, which is OpenAI-compatible and served through the official
// OpenAI Go SDK with a rewritten base URL.
package deepseek

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	defaultBaseURL = "https://api.deepseek.com/v1"
	backendName    = "deepseek"

	// ModelChat handles multimodal-enriched conversation turns.
	ModelChat = "deepseek-chat"
	// ModelReasoner handles requests routed to the long-form reasoning model.
	ModelReasoner = "deepseek-reasoner"
)

// maxTokenCaps bounds max_tokens per target model; values above the cap are
// rejected by the DeepSeek API, so the gateway clamps instead of failing.
var maxTokenCaps = map[string]int{
	ModelChat:     8192,
	ModelReasoner: 65536,
}

// Backend implements providers.Reasoner for DeepSeek.
type Backend struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(b *Backend) { b.baseURL = u }
}

// New creates a DeepSeek Backend.
func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(b)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	httpClient.Transport = newBaseURLTransport(http.DefaultTransport, b.baseURL)

	b.client = openaiSDK.NewClient(
		option.WithAPIKey(b.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return b
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("deepseek: health check: %w", toBackendError(err))
	}
	return nil
}

// Complete performs a single-shot chat completion.
func (b *Backend) Complete(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params, err := b.buildChatCompletionParams(req)
	if err != nil {
		return nil, fmt.Errorf("deepseek: %w", err)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toBackendError(err)
	}

	out := &providers.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}

	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		out.Content = c.Message.Content
		out.FinishReason = c.FinishReason
		for _, tc := range c.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: providers.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}

	return out, nil
}

// Stream performs a streaming chat completion. The returned channel is closed
// when the stream drains; a stream-level failure is delivered as a final chunk
// with FinishReason "error".
func (b *Backend) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	params, err := b.buildChatCompletionParams(req)
	if err != nil {
		return nil, fmt.Errorf("deepseek: %w", err)
	}

	ch := make(chan providers.StreamChunk, 64)
	stream := b.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}

			c := chunk.Choices[0]

			if c.Delta.Content != "" {
				ch <- providers.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
				continue
			}

			if c.FinishReason != "" {
				ch <- providers.StreamChunk{
					Content:      "",
					FinishReason: c.FinishReason,
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return ch, nil
}

func (b *Backend) buildChatCompletionParams(req *providers.ChatRequest) (openaiSDK.ChatCompletionNewParams, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}

	if mt := ClampMaxTokens(req.Model, req.MaxTokens); mt > 0 {
		params.MaxTokens = openaiSDK.Int(int64(mt))
	}

	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openaiSDK.ChatCompletionFunctionTool(
			shared.FunctionDefinitionParam{
				Name:        t.Function.Name,
				Description: openaiSDK.String(t.Function.Description),
				Parameters:  shared.FunctionParameters(t.Function.Parameters),
			},
		))
	}

	return params, nil
}

// ClampMaxTokens bounds max_tokens to the per-model cap. A non-positive value
// is returned unchanged (the API applies its own default).
func ClampMaxTokens(model string, maxTokens int) int {
	if maxTokens <= 0 {
		return maxTokens
	}
	if cap, ok := maxTokenCaps[model]; ok && maxTokens > cap {
		return cap
	}
	return maxTokens
}

func toSDKMessage(m providers.ChatMessage) openaiSDK.ChatCompletionMessageParamUnion {
	text := m.Content.Flatten()

	switch strings.ToLower(m.Role) {
	case "system", "developer":
		return openaiSDK.SystemMessage(text)

	case "assistant":
		if len(m.ToolCalls) == 0 {
			return openaiSDK.AssistantMessage(text)
		}
		asst := openaiSDK.ChatCompletionAssistantMessageParam{}
		if text != "" {
			asst.Content.OfString = openaiSDK.String(text)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, openaiSDK.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openaiSDK.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				},
			})
		}
		return openaiSDK.ChatCompletionMessageParamUnion{OfAssistant: &asst}

	case "tool":
		return openaiSDK.ToolMessage(text, m.ToolCallID)

	case "user":
		fallthrough
	default:
		return openaiSDK.UserMessage(text)
	}
}

// BackendError is a structured error returned by the DeepSeek API.
type BackendError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("deepseek: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *BackendError) HTTPStatus() int { return e.StatusCode }

func toBackendError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &BackendError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "deepseek_error",
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
