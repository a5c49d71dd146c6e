package translate

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// claudeDefaultMaxTokens is applied when a Chat Completions request without
// max_tokens is translated for a Claude upstream, which requires the field.
const claudeDefaultMaxTokens = 4096

// ClaudeRequestToOpenAI converts an Anthropic Messages request into a Chat
// Completions request. The top-level system block becomes a leading system
// message; content blocks map 1:1 onto Chat Completions content parts.
func ClaudeRequestToOpenAI(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)

	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", model)

	if system := root.Get("system"); system.Exists() {
		text := ""
		if system.Type == gjson.String {
			text = system.String()
		} else if system.IsArray() {
			var parts []string
			system.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "text" {
					parts = append(parts, block.Get("text").String())
				}
				return true
			})
			text = strings.Join(parts, "\n\n")
		}
		if text != "" {
			msg, _ := sjson.Set(`{"role":"system","content":""}`, "content", text)
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		if content.Type == gjson.String {
			msg, _ := sjson.Set(`{"role":"","content":""}`, "role", role)
			msg, _ = sjson.Set(msg, "content", content.String())
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
			return true
		}

		var textParts []string
		toolCalls := "[]"
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				textParts = append(textParts, block.Get("text").String())

			case "image":
				if src := block.Get("source"); src.Get("type").String() == "base64" {
					url := "data:" + src.Get("media_type").String() + ";base64," + src.Get("data").String()
					textParts = append(textParts, "[Image: "+url+"]")
				}

			case "tool_use":
				tc := `{"id":"","type":"function","function":{"name":"","arguments":"{}"}}`
				tc, _ = sjson.Set(tc, "id", block.Get("id").String())
				tc, _ = sjson.Set(tc, "function.name", block.Get("name").String())
				if input := block.Get("input"); input.Exists() {
					tc, _ = sjson.Set(tc, "function.arguments", input.Raw)
				}
				toolCalls, _ = sjson.SetRaw(toolCalls, "-1", tc)

			case "tool_result":
				// Emitted immediately to preserve ordering relative to the
				// surrounding blocks.
				msg, _ := sjson.Set(`{"role":"tool","tool_call_id":"","content":""}`, "tool_call_id",
					block.Get("tool_use_id").String())
				msg, _ = sjson.Set(msg, "content", claudeToolResultText(block.Get("content")))
				out, _ = sjson.SetRaw(out, "messages.-1", msg)
			}
			return true
		})

		hasCalls := gjson.Parse(toolCalls).Get("#").Int() > 0
		if len(textParts) > 0 || hasCalls {
			msg, _ := sjson.Set(`{"role":"","content":""}`, "role", role)
			msg, _ = sjson.Set(msg, "content", strings.Join(textParts, ""))
			if role == "assistant" && hasCalls {
				msg, _ = sjson.SetRaw(msg, "tool_calls", toolCalls)
			}
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
		return true
	})

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}
	if v := root.Get("stream"); v.Exists() {
		out, _ = sjson.Set(out, "stream", v.Bool())
	}
	if stops := root.Get("stop_sequences"); stops.IsArray() {
		out, _ = sjson.SetRaw(out, "stop", stops.Raw)
	}

	if tools := root.Get("tools"); tools.IsArray() {
		toolsOut := "[]"
		tools.ForEach(func(_, tool gjson.Result) bool {
			t := `{"type":"function","function":{"name":"","description":""}}`
			t, _ = sjson.Set(t, "function.name", tool.Get("name").String())
			t, _ = sjson.Set(t, "function.description", tool.Get("description").String())
			if schema := tool.Get("input_schema"); schema.Exists() {
				t, _ = sjson.SetRaw(t, "function.parameters", schema.Raw)
			}
			toolsOut, _ = sjson.SetRaw(toolsOut, "-1", t)
			return true
		})
		if gjson.Parse(toolsOut).Get("#").Int() > 0 {
			out, _ = sjson.SetRaw(out, "tools", toolsOut)
		}
	}

	if tc := root.Get("tool_choice"); tc.Exists() {
		switch tc.Get("type").String() {
		case "any":
			out, _ = sjson.Set(out, "tool_choice", "required")
		case "tool":
			choice, _ := sjson.Set(`{"type":"function","function":{"name":""}}`, "function.name",
				tc.Get("name").String())
			out, _ = sjson.SetRaw(out, "tool_choice", choice)
		default:
			out, _ = sjson.Set(out, "tool_choice", "auto")
		}
	}

	return []byte(out)
}

// claudeToolResultText flattens a tool_result content value, which may be a
// plain string or a list of text blocks.
func claudeToolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "")
	}
	return content.Raw
}

// OpenAIRequestToClaude converts a Chat Completions request into an
// Anthropic Messages request.
func OpenAIRequestToClaude(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)

	out := `{"model":"","max_tokens":4096,"messages":[]}`
	out, _ = sjson.Set(out, "model", model)

	systemOut := "[]"
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "system":
			if text := messageText(content); text != "" {
				block, _ := sjson.Set(`{"type":"text","text":""}`, "text", text)
				systemOut, _ = sjson.SetRaw(systemOut, "-1", block)
			}

		case "tool":
			block, _ := sjson.Set(`{"type":"tool_result","tool_use_id":"","content":""}`, "tool_use_id",
				msg.Get("tool_call_id").String())
			block, _ = sjson.Set(block, "content", content.String())
			m, _ := sjson.SetRaw(`{"role":"user","content":[]}`, "content.-1", block)
			out, _ = sjson.SetRaw(out, "messages.-1", m)

		default:
			blocks := "[]"
			if text := messageText(content); text != "" {
				b, _ := sjson.Set(`{"type":"text","text":""}`, "text", text)
				blocks, _ = sjson.SetRaw(blocks, "-1", b)
			}
			msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				b := `{"type":"tool_use","id":"","name":"","input":{}}`
				b, _ = sjson.Set(b, "id", tc.Get("id").String())
				b, _ = sjson.Set(b, "name", tc.Get("function.name").String())
				args := tc.Get("function.arguments")
				if args.Type == gjson.String {
					if parsed := gjson.Parse(args.String()); parsed.IsObject() {
						b, _ = sjson.SetRaw(b, "input", parsed.Raw)
					}
				} else if args.IsObject() {
					b, _ = sjson.SetRaw(b, "input", args.Raw)
				}
				blocks, _ = sjson.SetRaw(blocks, "-1", b)
				return true
			})
			if gjson.Parse(blocks).Get("#").Int() > 0 {
				m, _ := sjson.Set(`{"role":"","content":[]}`, "role", role)
				m, _ = sjson.SetRaw(m, "content", blocks)
				out, _ = sjson.SetRaw(out, "messages.-1", m)
			}
		}
		return true
	})

	if gjson.Parse(systemOut).Get("#").Int() > 0 {
		out, _ = sjson.SetRaw(out, "system", systemOut)
	}

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	} else if v := root.Get("max_completion_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	} else {
		out, _ = sjson.Set(out, "max_tokens", claudeDefaultMaxTokens)
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}
	if v := root.Get("stream"); v.Exists() {
		out, _ = sjson.Set(out, "stream", v.Bool())
	}
	if stop := root.Get("stop"); stop.Exists() {
		if stop.Type == gjson.String {
			out, _ = sjson.Set(out, "stop_sequences", []string{stop.String()})
		} else if stop.IsArray() {
			out, _ = sjson.SetRaw(out, "stop_sequences", stop.Raw)
		}
	}

	if tools := root.Get("tools"); tools.IsArray() {
		toolsOut := "[]"
		tools.ForEach(func(_, tool gjson.Result) bool {
			t := `{"name":"","description":"","input_schema":{}}`
			t, _ = sjson.Set(t, "name", tool.Get("function.name").String())
			t, _ = sjson.Set(t, "description", tool.Get("function.description").String())
			if params := tool.Get("function.parameters"); params.Exists() {
				t, _ = sjson.SetRaw(t, "input_schema", params.Raw)
			}
			toolsOut, _ = sjson.SetRaw(toolsOut, "-1", t)
			return true
		})
		if gjson.Parse(toolsOut).Get("#").Int() > 0 {
			out, _ = sjson.SetRaw(out, "tools", toolsOut)
		}
	}

	if tc := root.Get("tool_choice"); tc.Exists() {
		switch {
		case tc.Type == gjson.String && tc.String() == "required":
			out, _ = sjson.SetRaw(out, "tool_choice", `{"type":"any"}`)
		case tc.Type == gjson.String && tc.String() == "none":
			// Claude has no "none"; omit tools choice entirely.
		case tc.IsObject():
			choice, _ := sjson.Set(`{"type":"tool","name":""}`, "name",
				tc.Get("function.name").String())
			out, _ = sjson.SetRaw(out, "tool_choice", choice)
		default:
			out, _ = sjson.SetRaw(out, "tool_choice", `{"type":"auto"}`)
		}
	}

	return []byte(out)
}

// ClaudeResponseToOpenAI converts a complete Messages API response into a
// chat.completion envelope.
func ClaudeResponseToOpenAI(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", model)

	var text strings.Builder
	toolCalls := "[]"
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			tc := `{"id":"","type":"function","function":{"name":"","arguments":"{}"}}`
			tc, _ = sjson.Set(tc, "id", block.Get("id").String())
			tc, _ = sjson.Set(tc, "function.name", block.Get("name").String())
			if input := block.Get("input"); input.Exists() {
				tc, _ = sjson.Set(tc, "function.arguments", input.Raw)
			}
			toolCalls, _ = sjson.SetRaw(toolCalls, "-1", tc)
		}
		return true
	})
	out, _ = sjson.Set(out, "choices.0.message.content", text.String())
	if gjson.Parse(toolCalls).Get("#").Int() > 0 {
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", toolCalls)
	}

	out, _ = sjson.Set(out, "choices.0.finish_reason",
		claudeStopToFinishReason(root.Get("stop_reason").String()))

	in := root.Get("usage.input_tokens").Int()
	o := root.Get("usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", in)
	out, _ = sjson.Set(out, "usage.completion_tokens", o)
	out, _ = sjson.Set(out, "usage.total_tokens", in+o)

	return []byte(out)
}

// OpenAIResponseToClaude converts a chat.completion body into a Messages
// API response envelope.
func OpenAIResponseToClaude(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", model)

	msg := root.Get("choices.0.message")
	if content := msg.Get("content"); content.Type == gjson.String && content.String() != "" {
		block, _ := sjson.Set(`{"type":"text","text":""}`, "text", content.String())
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		block := `{"type":"tool_use","id":"","name":"","input":{}}`
		block, _ = sjson.Set(block, "id", tc.Get("id").String())
		block, _ = sjson.Set(block, "name", tc.Get("function.name").String())
		if args := gjson.Parse(tc.Get("function.arguments").String()); args.IsObject() {
			block, _ = sjson.SetRaw(block, "input", args.Raw)
		}
		out, _ = sjson.SetRaw(out, "content.-1", block)
		return true
	})

	out, _ = sjson.Set(out, "stop_reason",
		finishReasonToClaudeStop(root.Get("choices.0.finish_reason").String()))
	out, _ = sjson.Set(out, "usage.input_tokens", root.Get("usage.prompt_tokens").Int())
	out, _ = sjson.Set(out, "usage.output_tokens", root.Get("usage.completion_tokens").Int())

	return []byte(out)
}

func claudeStopToFinishReason(stop string) string {
	switch stop {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func finishReasonToClaudeStop(reason string) string {
	switch reason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}
