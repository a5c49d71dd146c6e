package translate

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-relay/internal/format"
)

// ErrorEnvelope is the format-independent view of an upstream error body.
type ErrorEnvelope struct {
	Status  int
	Message string
	Type    string
	Code    string
}

// ParseError extracts the message/type/code from an upstream error body in
// the given format. Unparseable bodies fall back to the raw text as message.
func ParseError(f format.Format, status int, body []byte) ErrorEnvelope {
	env := ErrorEnvelope{Status: status}
	root := gjson.ParseBytes(body)

	switch f {
	case format.Claude:
		env.Message = root.Get("error.message").String()
		env.Type = root.Get("error.type").String()
	case format.GeminiCLI:
		e := root.Get("error")
		if !e.Exists() {
			e = root.Get("response.error")
		}
		env.Message = e.Get("message").String()
		env.Type = e.Get("status").String()
	default: // openai and codex share the envelope
		env.Message = root.Get("error.message").String()
		env.Type = root.Get("error.type").String()
		env.Code = root.Get("error.code").String()
	}

	if env.Message == "" && len(body) > 0 {
		env.Message = string(body)
	}
	if env.Type == "" {
		env.Type = errorTypeForStatus(status)
	}
	return env
}

// RenderError renders an envelope as an error body in the client's format.
func RenderError(f format.Format, env ErrorEnvelope) []byte {
	switch f {
	case format.Claude:
		out := `{"type":"error","error":{"type":"","message":""}}`
		out, _ = sjson.Set(out, "error.type", claudeErrorType(env))
		out, _ = sjson.Set(out, "error.message", env.Message)
		return []byte(out)

	case format.GeminiCLI:
		out := `{"error":{"code":0,"message":"","status":""}}`
		out, _ = sjson.Set(out, "error.code", env.Status)
		out, _ = sjson.Set(out, "error.message", env.Message)
		out, _ = sjson.Set(out, "error.status", googleStatus(env.Status))
		return []byte(out)

	default:
		out := `{"error":{"message":"","type":"","code":null}}`
		out, _ = sjson.Set(out, "error.message", env.Message)
		out, _ = sjson.Set(out, "error.type", env.Type)
		if env.Code != "" {
			out, _ = sjson.Set(out, "error.code", env.Code)
		}
		return []byte(out)
	}
}

// Error translates an upstream error body from one wire format to another.
// Identity pairs pass the body through untouched.
func Error(from, to format.Format, status int, body []byte) []byte {
	if from == to {
		return body
	}
	return RenderError(to, ParseError(from, status, body))
}

func errorTypeForStatus(status int) string {
	switch {
	case status == 401:
		return "authentication_error"
	case status == 403:
		return "permission_error"
	case status == 404:
		return "not_found_error"
	case status == 429:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func claudeErrorType(env ErrorEnvelope) string {
	switch env.Type {
	case "invalid_request_error", "authentication_error", "permission_error",
		"not_found_error", "rate_limit_error", "api_error", "overloaded_error":
		return env.Type
	}
	if env.Status == 529 {
		return "overloaded_error"
	}
	return errorTypeForStatus(env.Status)
}

func googleStatus(status int) string {
	switch status {
	case 400:
		return "INVALID_ARGUMENT"
	case 401:
		return "UNAUTHENTICATED"
	case 403:
		return "PERMISSION_DENIED"
	case 404:
		return "NOT_FOUND"
	case 429:
		return "RESOURCE_EXHAUSTED"
	case 503:
		return "UNAVAILABLE"
	case 504:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}
