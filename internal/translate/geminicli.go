package translate

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// The Gemini CLI wire format is an envelope around a native Gemini request:
//
//	{"project":"", "model":"...", "request":{contents, systemInstruction, ...}}
//
// Wrapping and unwrapping are pure structural operations; the inner body is
// translated like any other format.

// UnwrapGeminiCLI extracts the inner Gemini request from a CLI envelope and
// returns it together with the envelope's model name. Bodies without a
// "request" object are returned unchanged.
func UnwrapGeminiCLI(body []byte) (inner []byte, model string) {
	root := gjson.ParseBytes(body)
	req := root.Get("request")
	if !req.IsObject() {
		return body, root.Get("model").String()
	}
	model = root.Get("model").String()
	if model == "" {
		model = req.Get("model").String()
	}
	return []byte(req.Raw), model
}

// WrapGeminiCLI wraps a native Gemini request body into a CLI envelope.
func WrapGeminiCLI(model string, inner []byte) []byte {
	out := `{"project":"","request":{},"model":""}`
	out, _ = sjson.SetRaw(out, "request", string(inner))
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Delete(out, "request.model")
	return []byte(out)
}

// GeminiCLIRequestToOpenAI unwraps a CLI envelope and converts the inner
// Gemini request into a Chat Completions request.
func GeminiCLIRequestToOpenAI(model string, body []byte) []byte {
	inner, _ := UnwrapGeminiCLI(body)
	root := gjson.ParseBytes(inner)

	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", model)

	sys := root.Get("systemInstruction")
	if !sys.Exists() {
		sys = root.Get("system_instruction")
	}
	if sys.Exists() {
		var parts []string
		sys.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			}
			return true
		})
		if text := strings.Join(parts, "\n\n"); text != "" {
			msg, _ := sjson.Set(`{"role":"system","content":""}`, "content", text)
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
	}

	// Gemini carries no tool-call ids; synthesize them and match responses
	// to the most recent unanswered call by name.
	pendingCalls := map[string]string{} // function name -> synthesized id
	root.Get("contents").ForEach(func(_, content gjson.Result) bool {
		role := content.Get("role").String()
		if role == "model" {
			role = "assistant"
		} else if role == "" {
			role = "user"
		}

		var texts []string
		toolCalls := "[]"
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Get("text").Exists():
				texts = append(texts, part.Get("text").String())

			case part.Get("functionCall").Exists():
				fc := part.Get("functionCall")
				id := "call_" + uuid.NewString()
				pendingCalls[fc.Get("name").String()] = id
				tc := `{"id":"","type":"function","function":{"name":"","arguments":"{}"}}`
				tc, _ = sjson.Set(tc, "id", id)
				tc, _ = sjson.Set(tc, "function.name", fc.Get("name").String())
				if args := fc.Get("args"); args.Exists() {
					tc, _ = sjson.Set(tc, "function.arguments", args.Raw)
				}
				toolCalls, _ = sjson.SetRaw(toolCalls, "-1", tc)

			case part.Get("functionResponse").Exists():
				fr := part.Get("functionResponse")
				id := pendingCalls[fr.Get("name").String()]
				msg, _ := sjson.Set(`{"role":"tool","tool_call_id":"","content":""}`, "tool_call_id", id)
				msg, _ = sjson.Set(msg, "content", fr.Get("response").Raw)
				out, _ = sjson.SetRaw(out, "messages.-1", msg)
			}
			return true
		})

		hasCalls := gjson.Parse(toolCalls).Get("#").Int() > 0
		if len(texts) > 0 || hasCalls {
			msg, _ := sjson.Set(`{"role":"","content":""}`, "role", role)
			msg, _ = sjson.Set(msg, "content", strings.Join(texts, ""))
			if role == "assistant" && hasCalls {
				msg, _ = sjson.SetRaw(msg, "tool_calls", toolCalls)
			}
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
		return true
	})

	if gc := root.Get("generationConfig"); gc.Exists() {
		if v := gc.Get("maxOutputTokens"); v.Exists() {
			out, _ = sjson.Set(out, "max_tokens", v.Int())
		}
		if v := gc.Get("temperature"); v.Exists() {
			out, _ = sjson.Set(out, "temperature", v.Float())
		}
		if v := gc.Get("topP"); v.Exists() {
			out, _ = sjson.Set(out, "top_p", v.Float())
		}
	}

	if tools := root.Get("tools.0.functionDeclarations"); tools.IsArray() {
		toolsOut := "[]"
		tools.ForEach(func(_, fd gjson.Result) bool {
			t := `{"type":"function","function":{"name":"","description":""}}`
			t, _ = sjson.Set(t, "function.name", fd.Get("name").String())
			t, _ = sjson.Set(t, "function.description", fd.Get("description").String())
			if params := fd.Get("parameters"); params.Exists() {
				t, _ = sjson.SetRaw(t, "function.parameters", params.Raw)
			}
			toolsOut, _ = sjson.SetRaw(toolsOut, "-1", t)
			return true
		})
		if gjson.Parse(toolsOut).Get("#").Int() > 0 {
			out, _ = sjson.SetRaw(out, "tools", toolsOut)
		}
	}

	return []byte(out)
}

// OpenAIRequestToGeminiCLI converts a Chat Completions request into a native
// Gemini request and wraps it into a CLI envelope.
func OpenAIRequestToGeminiCLI(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)

	inner := `{"contents":[]}`
	callNames := map[string]string{} // tool_call_id -> function name

	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "system":
			if text := messageText(content); text != "" {
				part, _ := sjson.Set(`{"text":""}`, "text", text)
				inner, _ = sjson.SetRaw(inner, "systemInstruction.parts.-1", part)
			}

		case "tool":
			part := `{"functionResponse":{"name":"","response":{}}}`
			part, _ = sjson.Set(part, "functionResponse.name", callNames[msg.Get("tool_call_id").String()])
			if parsed := gjson.Parse(content.String()); parsed.IsObject() {
				part, _ = sjson.SetRaw(part, "functionResponse.response", parsed.Raw)
			} else {
				part, _ = sjson.Set(part, "functionResponse.response.output", content.String())
			}
			c, _ := sjson.SetRaw(`{"role":"user","parts":[]}`, "parts.-1", part)
			inner, _ = sjson.SetRaw(inner, "contents.-1", c)

		default:
			gRole := "user"
			if role == "assistant" {
				gRole = "model"
			}
			parts := "[]"
			if text := messageText(content); text != "" {
				p, _ := sjson.Set(`{"text":""}`, "text", text)
				parts, _ = sjson.SetRaw(parts, "-1", p)
			}
			msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				name := tc.Get("function.name").String()
				callNames[tc.Get("id").String()] = name
				p, _ := sjson.Set(`{"functionCall":{"name":"","args":{}}}`, "functionCall.name", name)
				if args := gjson.Parse(tc.Get("function.arguments").String()); args.IsObject() {
					p, _ = sjson.SetRaw(p, "functionCall.args", args.Raw)
				}
				parts, _ = sjson.SetRaw(parts, "-1", p)
				return true
			})
			if gjson.Parse(parts).Get("#").Int() > 0 {
				c, _ := sjson.Set(`{"role":"","parts":[]}`, "role", gRole)
				c, _ = sjson.SetRaw(c, "parts", parts)
				inner, _ = sjson.SetRaw(inner, "contents.-1", c)
			}
		}
		return true
	})

	if v := root.Get("max_tokens"); v.Exists() {
		inner, _ = sjson.Set(inner, "generationConfig.maxOutputTokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		inner, _ = sjson.Set(inner, "generationConfig.temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		inner, _ = sjson.Set(inner, "generationConfig.topP", v.Float())
	}

	if tools := root.Get("tools"); tools.IsArray() {
		decls := "[]"
		tools.ForEach(func(_, tool gjson.Result) bool {
			d := `{"name":"","description":""}`
			d, _ = sjson.Set(d, "name", tool.Get("function.name").String())
			d, _ = sjson.Set(d, "description", tool.Get("function.description").String())
			if params := tool.Get("function.parameters"); params.Exists() {
				d, _ = sjson.SetRaw(d, "parameters", params.Raw)
			}
			decls, _ = sjson.SetRaw(decls, "-1", d)
			return true
		})
		if gjson.Parse(decls).Get("#").Int() > 0 {
			inner, _ = sjson.SetRaw(inner, "tools.0.functionDeclarations", decls)
		}
	}

	return WrapGeminiCLI(model, []byte(inner))
}

// GeminiCLIResponseToOpenAI converts a (possibly CLI-wrapped) Gemini response
// into a chat.completion envelope.
func GeminiCLIResponseToOpenAI(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)
	if resp := root.Get("response"); resp.IsObject() {
		root = resp
	}

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("responseId").String())
	out, _ = sjson.Set(out, "model", model)

	var text strings.Builder
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		return true
	})
	out, _ = sjson.Set(out, "choices.0.message.content", text.String())

	in := root.Get("usageMetadata.promptTokenCount").Int()
	o := root.Get("usageMetadata.candidatesTokenCount").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", in)
	out, _ = sjson.Set(out, "usage.completion_tokens", o)
	out, _ = sjson.Set(out, "usage.total_tokens", in+o)

	return []byte(out)
}

// GeminiCLIResponseFromOpenAI converts a chat.completion body into a
// CLI-wrapped Gemini response.
func GeminiCLIResponseFromOpenAI(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)

	resp := `{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":0,"candidatesTokenCount":0,"totalTokenCount":0},"modelVersion":""}`
	if content := root.Get("choices.0.message.content"); content.String() != "" {
		part, _ := sjson.Set(`{"text":""}`, "text", content.String())
		resp, _ = sjson.SetRaw(resp, "candidates.0.content.parts.-1", part)
	}
	resp, _ = sjson.Set(resp, "modelVersion", model)

	in := root.Get("usage.prompt_tokens").Int()
	o := root.Get("usage.completion_tokens").Int()
	resp, _ = sjson.Set(resp, "usageMetadata.promptTokenCount", in)
	resp, _ = sjson.Set(resp, "usageMetadata.candidatesTokenCount", o)
	resp, _ = sjson.Set(resp, "usageMetadata.totalTokenCount", in+o)

	out, _ := sjson.SetRaw(`{"response":{}}`, "response", resp)
	return []byte(out)
}
