// Package apierr provides structured API error types and HTTP status mapping
// for both inbound wire surfaces: the OpenAI error format (used by
// /v1/chat/completions) and the Anthropic error format (used by /v1/messages).
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants (OpenAI surface).
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
)

// Anthropic error type constants.
const (
	AnthropicInvalidRequest = "invalid_request_error"
	AnthropicAPIError       = "api_error"
	AnthropicOverloaded     = "overloaded_error"
	AnthropicRateLimit      = "rate_limit_error"
)

// APIError is the structured error returned to clients on the OpenAI surface.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}

	anthropicDetail struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	anthropicEnvelope struct {
		Type  string          `json:"type"`
		Error anthropicDetail `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteAnthropic writes the error in the Anthropic wire format:
// {"type":"error","error":{"type":...,"message":...}}.
func WriteAnthropic(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(anthropicEnvelope{
		Type:  "error",
		Error: anthropicDetail{Type: errType, Message: message},
	})
	ctx.SetBody(body)
}

// AnthropicErrorEvent returns the payload for an in-band terminal SSE error
// event on the /v1/messages surface. Used once streaming has already started
// and the HTTP status can no longer change.
func AnthropicErrorEvent(message string) []byte {
	body, _ := json.Marshal(anthropicEnvelope{
		Type:  "error",
		Error: anthropicDetail{Type: AnthropicAPIError, Message: message},
	})
	return body
}

// WriteProviderError maps an upstream HTTP status to the appropriate gateway status.
//
//	Upstream 429  → 429 + Retry-After: 60
//	Upstream 5xx  → 502
//	Timeout       → 504
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
