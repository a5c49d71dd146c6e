// Package format identifies the wire schema family of an LLM API payload.
//
// Four families are recognised:
//   - Claude   — Anthropic Messages API ("messages" + top-level "system" array)
//   - OpenAI   — Chat Completions ("messages")
//   - Codex    — Response API ("input" array)
//   - GeminiCLI — Gemini CLI envelope (a "request" object wrapping the real body)
package format

import "github.com/tidwall/gjson"

// Format is a wire schema family.
type Format string

const (
	Claude    Format = "claude"
	OpenAI    Format = "openai"
	Codex     Format = "response"
	GeminiCLI Format = "gemini-cli"
)

// Known reports whether f is one of the four supported families.
func Known(f Format) bool {
	switch f {
	case Claude, OpenAI, Codex, GeminiCLI:
		return true
	}
	return false
}

// Detect classifies a parsed request body. The checks run in a fixed order;
// a body that matches none of the shapes defaults to Claude.
//
//  1. "request" is an object        → GeminiCLI
//  2. "input" is an array           → Codex
//  3. "messages" + "system" arrays  → Claude
//  4. "messages" is an array        → OpenAI
//  5. otherwise                     → Claude
func Detect(body []byte) Format {
	root := gjson.ParseBytes(body)

	if req := root.Get("request"); req.Exists() && req.IsObject() {
		return GeminiCLI
	}
	if input := root.Get("input"); input.Exists() && input.IsArray() {
		return Codex
	}
	messages := root.Get("messages")
	if messages.IsArray() {
		if system := root.Get("system"); system.IsArray() {
			return Claude
		}
		return OpenAI
	}
	return Claude
}
