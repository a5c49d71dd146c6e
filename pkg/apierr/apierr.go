// Package apierr writes structured API errors shaped for whichever wire
// format the client spoke, with HTTP status mapping for every failure
// surface of the relay pipeline.
package apierr

import (
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/format"
	"github.com/nulpointcorp/llm-relay/internal/translate"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeBlocked           = "content_blocked"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeNoProvider        = "no_provider_available"
	CodeProviderError     = "provider_error"
	CodeInternalError     = "internal_error"
)

// StatusCoder is implemented by errors that know their HTTP surface.
type StatusCoder interface {
	HTTPStatus() int
}

// Write renders an error in the client's wire format with the given status.
func Write(ctx *fasthttp.RequestCtx, f format.Format, status int, message, errType, code string) {
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(translate.RenderError(f, translate.ErrorEnvelope{
		Status:  status,
		Message: message,
		Type:    errType,
		Code:    code,
	}))
}

// WriteInvalidRequest writes a 400.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, f format.Format, message string) {
	Write(ctx, f, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, f format.Format) {
	Write(ctx, f, fasthttp.StatusUnauthorized, "invalid or missing api key", TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteBlocked writes a 403 without revealing the matched rule.
func WriteBlocked(ctx *fasthttp.RequestCtx, f format.Format) {
	Write(ctx, f, fasthttp.StatusForbidden, "request blocked by content policy", TypePermissionError, CodeBlocked)
}

// WriteRateLimit writes a 429 with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, f format.Format) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, f, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteNoProvider writes a 503 for an empty candidate pool on first pick.
func WriteNoProvider(ctx *fasthttp.RequestCtx, f format.Format) {
	Write(ctx, f, fasthttp.StatusServiceUnavailable, "no provider available for the requested model", TypeProviderError, CodeNoProvider)
}

// WriteInternal writes a 500.
func WriteInternal(ctx *fasthttp.RequestCtx, f format.Format) {
	Write(ctx, f, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}

// WriteUpstream translates an upstream error body into the client's format,
// preserving the upstream status where it is meaningful to the client.
// Credentials never appear in upstream error bodies the relay emits headers
// for, but provider identity is still stripped: only the envelope survives.
//
//	Upstream 429 → 429 + Retry-After: 60
//	Upstream 4xx → same status
//	Upstream 5xx → 502
//	Network      → 502
func WriteUpstream(ctx *fasthttp.RequestCtx, clientFormat, upstreamFormat format.Format, upstreamStatus int, upstreamBody []byte) {
	status := fasthttp.StatusBadGateway
	switch {
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		status = fasthttp.StatusTooManyRequests
	case upstreamStatus >= 400 && upstreamStatus < 500:
		status = upstreamStatus
	}

	if len(upstreamBody) == 0 {
		Write(ctx, clientFormat, status, "upstream provider request failed", TypeProviderError, CodeProviderError)
		return
	}

	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(translate.Error(upstreamFormat, clientFormat, status, upstreamBody))
}
