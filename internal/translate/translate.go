// Package translate converts request and response payloads between the four
// supported wire formats: Claude Messages, OpenAI Chat Completions, the Codex
// Response API, and the Gemini CLI envelope.
//
// Payloads are treated as raw JSON and rewritten with gjson/sjson rather than
// unmarshalled into structs — unknown fields pass through untouched, which is
// what a proxy wants. Translation between equal formats is the identity.
// Pairs with no registered transform fail with ErrUnsupported.
package translate

import (
	"errors"
	"fmt"

	"github.com/nulpointcorp/llm-relay/internal/format"
)

// ErrUnsupported is returned when no transform exists for a format pair.
var ErrUnsupported = errors.New("translate: unsupported format pair")

// RequestFunc rewrites a request body from one format into another.
// model is the (possibly redirected) outbound model name.
type RequestFunc func(model string, body []byte) []byte

// ResponseFunc rewrites a complete non-streaming response body.
type ResponseFunc func(model string, body []byte) []byte

type pair struct {
	from, to format.Format
}

var requestFuncs = map[pair]RequestFunc{
	{format.OpenAI, format.Codex}:  OpenAIRequestToCodex,
	{format.Codex, format.OpenAI}:  CodexRequestToOpenAI,
	{format.Claude, format.OpenAI}: ClaudeRequestToOpenAI,
	{format.OpenAI, format.Claude}: OpenAIRequestToClaude,
	{format.Claude, format.Codex}: func(model string, body []byte) []byte {
		return OpenAIRequestToCodex(model, ClaudeRequestToOpenAI(model, body))
	},
	{format.Codex, format.Claude}: func(model string, body []byte) []byte {
		return OpenAIRequestToClaude(model, CodexRequestToOpenAI(model, body))
	},
	{format.GeminiCLI, format.OpenAI}: GeminiCLIRequestToOpenAI,
	{format.OpenAI, format.GeminiCLI}: OpenAIRequestToGeminiCLI,
	{format.GeminiCLI, format.Claude}: func(model string, body []byte) []byte {
		return OpenAIRequestToClaude(model, GeminiCLIRequestToOpenAI(model, body))
	},
	{format.GeminiCLI, format.Codex}: func(model string, body []byte) []byte {
		return OpenAIRequestToCodex(model, GeminiCLIRequestToOpenAI(model, body))
	},
	{format.Claude, format.GeminiCLI}: func(model string, body []byte) []byte {
		return OpenAIRequestToGeminiCLI(model, ClaudeRequestToOpenAI(model, body))
	},
	{format.Codex, format.GeminiCLI}: func(model string, body []byte) []byte {
		return OpenAIRequestToGeminiCLI(model, CodexRequestToOpenAI(model, body))
	},
}

var responseFuncs = map[pair]ResponseFunc{
	{format.Codex, format.OpenAI}:  CodexResponseToOpenAI,
	{format.OpenAI, format.Codex}:  OpenAIResponseToCodex,
	{format.OpenAI, format.Claude}: OpenAIResponseToClaude,
	{format.Claude, format.OpenAI}: ClaudeResponseToOpenAI,
	{format.Codex, format.Claude}: func(model string, body []byte) []byte {
		return OpenAIResponseToClaude(model, CodexResponseToOpenAI(model, body))
	},
	{format.Claude, format.Codex}: func(model string, body []byte) []byte {
		return OpenAIResponseToCodex(model, ClaudeResponseToOpenAI(model, body))
	},
	{format.OpenAI, format.GeminiCLI}: GeminiCLIResponseFromOpenAI,
	{format.GeminiCLI, format.OpenAI}: GeminiCLIResponseToOpenAI,
	{format.Claude, format.GeminiCLI}: func(model string, body []byte) []byte {
		return GeminiCLIResponseFromOpenAI(model, ClaudeResponseToOpenAI(model, body))
	},
	{format.Codex, format.GeminiCLI}: func(model string, body []byte) []byte {
		return GeminiCLIResponseFromOpenAI(model, CodexResponseToOpenAI(model, body))
	},
	{format.GeminiCLI, format.Claude}: func(model string, body []byte) []byte {
		return OpenAIResponseToClaude(model, GeminiCLIResponseToOpenAI(model, body))
	},
	{format.GeminiCLI, format.Codex}: func(model string, body []byte) []byte {
		return OpenAIResponseToCodex(model, GeminiCLIResponseToOpenAI(model, body))
	},
}

// Request converts a request body from one format to another. Equal formats
// return body unchanged.
func Request(from, to format.Format, model string, body []byte) ([]byte, error) {
	if from == to {
		return body, nil
	}
	fn, ok := requestFuncs[pair{from, to}]
	if !ok {
		return nil, fmt.Errorf("%w: request %s -> %s", ErrUnsupported, from, to)
	}
	return fn(model, body), nil
}

// Response converts a complete (non-streaming) upstream response body from
// the provider's format back into the client's format. The from/to arguments
// name the upstream and client formats respectively.
func Response(from, to format.Format, model string, body []byte) ([]byte, error) {
	if from == to {
		return body, nil
	}
	fn, ok := responseFuncs[pair{from, to}]
	if !ok {
		return nil, fmt.Errorf("%w: response %s -> %s", ErrUnsupported, from, to)
	}
	return fn(model, body), nil
}

// RequestSupported reports whether a request transform exists for the pair.
func RequestSupported(from, to format.Format) bool {
	if from == to {
		return true
	}
	_, ok := requestFuncs[pair{from, to}]
	return ok
}
