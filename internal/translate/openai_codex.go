package translate

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// forbiddenCodexParams are rejected by the Codex upstream and are never
// copied into a codex-bound body. The sanitizer strips them again for
// payloads that arrive already in codex format.
var forbiddenCodexParams = []string{
	"max_tokens",
	"max_output_tokens",
	"max_completion_tokens",
	"temperature",
	"top_p",
}

// OpenAIRequestToCodex converts a Chat Completions request into a Codex
// Response API request.
//
// System messages are concatenated into the "instructions" field when they
// match a known official prompt; otherwise the stock instructions for the
// model are used and the client's system text is relocated into the first
// user message behind an override marker — the upstream ignores non-official
// instructions, so this is the only way to keep them effective.
func OpenAIRequestToCodex(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)

	// stream/store/parallel_tool_calls/include are forced; client-provided
	// values are discarded.
	out := `{"model":"","stream":true,"store":false,"parallel_tool_calls":true,"include":["reasoning.encrypted_content"],"input":[]}`
	out, _ = sjson.Set(out, "model", model)

	// Partition messages into system and the rest.
	var systemParts []string
	var rest []gjson.Result
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == "system" {
			if text := messageText(msg.Get("content")); text != "" {
				systemParts = append(systemParts, text)
			}
			return true
		}
		rest = append(rest, msg)
		return true
	})
	instructions := strings.Join(systemParts, "\n\n")
	official := IsOfficialInstructions(instructions)

	injected := false
	for _, msg := range rest {
		role := msg.Get("role").String()
		content := msg.Get("content")

		if role == "tool" {
			item := `{"type":"function_call_output","call_id":"","output":""}`
			item, _ = sjson.Set(item, "call_id", msg.Get("tool_call_id").String())
			item, _ = sjson.Set(item, "output", content.String())
			out, _ = sjson.SetRaw(out, "input.-1", item)
			continue
		}

		inject := !injected && role == "user" && instructions != "" && !official
		if inject {
			injected = true
		}

		switch {
		case content.Type == gjson.String && content.String() != "":
			item, _ := sjson.SetRaw(`{"type":"message","role":"","content":[]}`, "content",
				codexTextParts(role, inject, instructions, content.String()))
			item, _ = sjson.Set(item, "role", role)
			out, _ = sjson.SetRaw(out, "input.-1", item)

		case content.IsArray():
			parts := codexContentParts(role, content)
			if inject {
				merged := codexTextParts(role, true, instructions)
				gjson.Parse(parts).ForEach(func(_, part gjson.Result) bool {
					merged, _ = sjson.SetRaw(merged, "-1", part.Raw)
					return true
				})
				parts = merged
			}
			if gjson.Parse(parts).Get("#").Int() > 0 {
				item, _ := sjson.SetRaw(`{"type":"message","role":"","content":[]}`, "content", parts)
				item, _ = sjson.Set(item, "role", role)
				out, _ = sjson.SetRaw(out, "input.-1", item)
			}

		case inject:
			// No usable content on the first user turn, but the relocated
			// instructions still have to land somewhere.
			item, _ := sjson.SetRaw(`{"type":"message","role":"user","content":[]}`, "content",
				codexTextParts(role, true, instructions))
			out, _ = sjson.SetRaw(out, "input.-1", item)
		}

		// Assistant tool calls become function_call items, preserving the
		// original arguments form (string stays string, object stays object).
		msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			item := `{"type":"function_call","call_id":"","name":""}`
			item, _ = sjson.Set(item, "call_id", tc.Get("id").String())
			item, _ = sjson.Set(item, "name", tc.Get("function.name").String())
			if args := tc.Get("function.arguments"); args.Exists() {
				item, _ = sjson.SetRaw(item, "arguments", args.Raw)
			} else {
				item, _ = sjson.Set(item, "arguments", "{}")
			}
			out, _ = sjson.SetRaw(out, "input.-1", item)
			return true
		})
	}

	// The upstream requires a nonempty instructions string.
	if official {
		out, _ = sjson.Set(out, "instructions", instructions)
	} else {
		out, _ = sjson.Set(out, "instructions", DefaultInstructions(model))
	}

	// Tools: flatten the Chat Completions "function" wrapper.
	if tools := root.Get("tools"); tools.IsArray() {
		toolsOut := "[]"
		tools.ForEach(func(_, tool gjson.Result) bool {
			t := `{"type":"function","name":"","description":""}`
			t, _ = sjson.Set(t, "name", tool.Get("function.name").String())
			t, _ = sjson.Set(t, "description", tool.Get("function.description").String())
			if params := tool.Get("function.parameters"); params.Exists() {
				t, _ = sjson.SetRaw(t, "parameters", params.Raw)
			} else {
				t, _ = sjson.SetRaw(t, "parameters", "{}")
			}
			toolsOut, _ = sjson.SetRaw(toolsOut, "-1", t)
			return true
		})
		if gjson.Parse(toolsOut).Get("#").Int() > 0 {
			out, _ = sjson.SetRaw(out, "tools", toolsOut)
		}
	}

	// tool_choice: string values pass through, the function object form is
	// preserved verbatim.
	if tc := root.Get("tool_choice"); tc.Exists() {
		out, _ = sjson.SetRaw(out, "tool_choice", tc.Raw)
	}

	// max_tokens, max_output_tokens, max_completion_tokens, temperature and
	// top_p are deliberately not carried over.
	return []byte(out)
}

// codexTextParts renders an ordered JSON array of codex text parts: the
// injection marker and relocated instructions (when inject is set) followed
// by the given texts.
func codexTextParts(role string, inject bool, instructions string, texts ...string) string {
	partType := "input_text"
	if role == "assistant" {
		partType = "output_text"
	}
	out := "[]"
	add := func(text string) {
		p, _ := sjson.Set(`{"type":"","text":""}`, "type", partType)
		p, _ = sjson.Set(p, "text", text)
		out, _ = sjson.SetRaw(out, "-1", p)
	}
	if inject {
		add(InjectionMarker)
		add(instructions)
	}
	for _, t := range texts {
		add(t)
	}
	return out
}

// codexContentParts maps Chat Completions content parts to codex parts.
// Unknown part types are dropped.
func codexContentParts(role string, content gjson.Result) string {
	partType := "input_text"
	if role == "assistant" {
		partType = "output_text"
	}
	out := "[]"
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			p, _ := sjson.Set(`{"type":"","text":""}`, "type", partType)
			p, _ = sjson.Set(p, "text", part.Get("text").String())
			out, _ = sjson.SetRaw(out, "-1", p)
		case "image_url":
			p, _ := sjson.Set(`{"type":"input_image","image_url":""}`, "image_url",
				part.Get("image_url.url").String())
			out, _ = sjson.SetRaw(out, "-1", p)
		}
		return true
	})
	return out
}

// messageText flattens a Chat Completions content value (string or part
// array) into plain text.
func messageText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				parts = append(parts, part.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "")
	}
	return ""
}

// CodexRequestToOpenAI converts a Codex Response API request into a Chat
// Completions request — the inverse direction: instructions become a leading
// system message, function_call/function_call_output items become
// tool_calls/tool messages, and parameter keys are restored.
func CodexRequestToOpenAI(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)

	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", model)

	if instr := root.Get("instructions").String(); instr != "" {
		msg, _ := sjson.Set(`{"role":"system","content":""}`, "content", instr)
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
	}

	root.Get("input").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			role := item.Get("role").String()
			if role == "" {
				role = "user"
			}
			msg, _ := sjson.Set(`{"role":"","content":""}`, "role", role)
			content := item.Get("content")
			if content.Type == gjson.String {
				msg, _ = sjson.Set(msg, "content", content.String())
			} else {
				msg, _ = sjson.SetRaw(msg, "content", openAIContentParts(content))
			}
			out, _ = sjson.SetRaw(out, "messages.-1", msg)

		case "function_call":
			tc := `{"id":"","type":"function","function":{"name":""}}`
			tc, _ = sjson.Set(tc, "id", item.Get("call_id").String())
			tc, _ = sjson.Set(tc, "function.name", item.Get("name").String())
			if args := item.Get("arguments"); args.Exists() {
				tc, _ = sjson.SetRaw(tc, "function.arguments", args.Raw)
			} else {
				tc, _ = sjson.Set(tc, "function.arguments", "{}")
			}
			msg, _ := sjson.SetRaw(`{"role":"assistant","content":null,"tool_calls":[]}`, "tool_calls.-1", tc)
			out, _ = sjson.SetRaw(out, "messages.-1", msg)

		case "function_call_output":
			msg, _ := sjson.Set(`{"role":"tool","tool_call_id":"","content":""}`, "tool_call_id",
				item.Get("call_id").String())
			msg, _ = sjson.Set(msg, "content", item.Get("output").String())
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
		return true
	})

	if tools := root.Get("tools"); tools.IsArray() {
		toolsOut := "[]"
		tools.ForEach(func(_, tool gjson.Result) bool {
			t := `{"type":"function","function":{"name":"","description":""}}`
			t, _ = sjson.Set(t, "function.name", tool.Get("name").String())
			t, _ = sjson.Set(t, "function.description", tool.Get("description").String())
			if params := tool.Get("parameters"); params.Exists() {
				t, _ = sjson.SetRaw(t, "function.parameters", params.Raw)
			}
			toolsOut, _ = sjson.SetRaw(toolsOut, "-1", t)
			return true
		})
		if gjson.Parse(toolsOut).Get("#").Int() > 0 {
			out, _ = sjson.SetRaw(out, "tools", toolsOut)
		}
	}

	if tc := root.Get("tool_choice"); tc.Exists() {
		out, _ = sjson.SetRaw(out, "tool_choice", tc.Raw)
	}
	if stream := root.Get("stream"); stream.Exists() {
		out, _ = sjson.Set(out, "stream", stream.Bool())
	}
	if mot := root.Get("max_output_tokens"); mot.Exists() {
		out, _ = sjson.Set(out, "max_tokens", mot.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}

	return []byte(out)
}

// openAIContentParts maps codex message content parts back to Chat
// Completions parts.
func openAIContentParts(content gjson.Result) string {
	out := "[]"
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "input_text", "output_text":
			p, _ := sjson.Set(`{"type":"text","text":""}`, "text", part.Get("text").String())
			out, _ = sjson.SetRaw(out, "-1", p)
		case "input_image":
			p, _ := sjson.Set(`{"type":"image_url","image_url":{"url":""}}`, "image_url.url",
				part.Get("image_url").String())
			out, _ = sjson.SetRaw(out, "-1", p)
		}
		return true
	})
	return out
}

// CodexResponseToOpenAI converts a complete (non-streaming) Response API
// body into a chat.completion envelope.
func CodexResponseToOpenAI(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "created", root.Get("created_at").Int())
	out, _ = sjson.Set(out, "model", model)

	var text strings.Builder
	toolCalls := "[]"
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					text.WriteString(part.Get("text").String())
				}
				return true
			})
		case "function_call":
			tc := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
			tc, _ = sjson.Set(tc, "id", item.Get("call_id").String())
			tc, _ = sjson.Set(tc, "function.name", item.Get("name").String())
			tc, _ = sjson.Set(tc, "function.arguments", item.Get("arguments").String())
			toolCalls, _ = sjson.SetRaw(toolCalls, "-1", tc)
		}
		return true
	})

	out, _ = sjson.Set(out, "choices.0.message.content", text.String())
	if gjson.Parse(toolCalls).Get("#").Int() > 0 {
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", toolCalls)
		out, _ = sjson.Set(out, "choices.0.finish_reason", "tool_calls")
	}

	in := root.Get("usage.input_tokens").Int()
	o := root.Get("usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", in)
	out, _ = sjson.Set(out, "usage.completion_tokens", o)
	out, _ = sjson.Set(out, "usage.total_tokens", in+o)

	return []byte(out)
}

// OpenAIResponseToCodex converts a chat.completion body into a completed
// Response API envelope.
func OpenAIResponseToCodex(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)

	out := `{"id":"","object":"response","created_at":0,"status":"completed","model":"","output":[],"usage":{"input_tokens":0,"output_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "created_at", root.Get("created").Int())
	out, _ = sjson.Set(out, "model", model)

	msg := root.Get("choices.0.message")
	if content := msg.Get("content"); content.Type == gjson.String && content.String() != "" {
		part, _ := sjson.Set(`{"type":"output_text","text":"","annotations":[]}`, "text", content.String())
		item, _ := sjson.SetRaw(`{"type":"message","role":"assistant","content":[]}`, "content.-1", part)
		out, _ = sjson.SetRaw(out, "output.-1", item)
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		item := `{"type":"function_call","call_id":"","name":"","arguments":""}`
		item, _ = sjson.Set(item, "call_id", tc.Get("id").String())
		item, _ = sjson.Set(item, "name", tc.Get("function.name").String())
		item, _ = sjson.Set(item, "arguments", tc.Get("function.arguments").String())
		out, _ = sjson.SetRaw(out, "output.-1", item)
		return true
	})

	in := root.Get("usage.prompt_tokens").Int()
	o := root.Get("usage.completion_tokens").Int()
	out, _ = sjson.Set(out, "usage.input_tokens", in)
	out, _ = sjson.Set(out, "usage.output_tokens", o)
	out, _ = sjson.Set(out, "usage.total_tokens", in+o)

	return []byte(out)
}
