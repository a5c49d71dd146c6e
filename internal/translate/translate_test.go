package translate

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-relay/internal/format"
)

var allFormats = []format.Format{format.Claude, format.OpenAI, format.Codex, format.GeminiCLI}

func TestRequest_IdentityAndFullMatrix(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	out, err := Request(format.OpenAI, format.OpenAI, "gpt-4o", body)
	if err != nil {
		t.Fatalf("identity must not fail: %v", err)
	}
	if string(out) != string(body) {
		t.Error("identity must return the body unchanged")
	}

	for _, from := range allFormats {
		for _, to := range allFormats {
			if !RequestSupported(from, to) {
				t.Errorf("request %s -> %s should be supported", from, to)
			}
		}
	}
}

func TestOpenAIRequestToCodex_ForcedFields(t *testing.T) {
	body := []byte(`{
		"model":"gpt-5",
		"stream":false,
		"store":true,
		"temperature":0.9,
		"top_p":0.5,
		"max_tokens":100,
		"messages":[{"role":"user","content":"hello"}]
	}`)

	out := gjson.ParseBytes(OpenAIRequestToCodex("gpt-5", body))

	if !out.Get("stream").Bool() {
		t.Error("stream must be forced true")
	}
	if out.Get("store").Bool() {
		t.Error("store must be forced false")
	}
	if !out.Get("parallel_tool_calls").Bool() {
		t.Error("parallel_tool_calls must be forced true")
	}
	if out.Get("include.0").String() != "reasoning.encrypted_content" {
		t.Errorf("include must carry reasoning.encrypted_content, got %s", out.Get("include").Raw)
	}
	for _, key := range forbiddenCodexParams {
		if out.Get(key).Exists() {
			t.Errorf("forbidden param %q must not be carried over", key)
		}
	}
	if out.Get("instructions").String() == "" {
		t.Error("instructions must never be empty")
	}
	if out.Get("input.0.content.0.type").String() != "input_text" {
		t.Errorf("user text should become an input_text part, got %s", out.Get("input.0").Raw)
	}
}

func TestOpenAIRequestToCodex_SystemInjection(t *testing.T) {
	body := []byte(`{
		"model":"gpt-5",
		"messages":[
			{"role":"system","content":"You are a pirate."},
			{"role":"user","content":"hello"}
		]
	}`)

	out := gjson.ParseBytes(OpenAIRequestToCodex("gpt-5", body))

	// Non-official system text is relocated into the first user message
	// behind the override marker; instructions fall back to the stock prompt.
	if got := out.Get("instructions").String(); strings.Contains(got, "pirate") {
		t.Error("client system prompt must not land in instructions")
	}
	parts := out.Get("input.0.content")
	if parts.Get("0.text").String() != InjectionMarker {
		t.Errorf("first part should be the injection marker, got %s", parts.Get("0.text").String())
	}
	if parts.Get("1.text").String() != "You are a pirate." {
		t.Errorf("second part should carry the relocated system text, got %s", parts.Get("1.text").String())
	}
	if parts.Get("2.text").String() != "hello" {
		t.Errorf("third part should be the user text, got %s", parts.Get("2.text").String())
	}
}

func TestOpenAIRequestToCodex_OfficialInstructionsPassThrough(t *testing.T) {
	official := "You are Codex, based on GPT-5. You excel at software engineering."
	body := []byte(`{
		"model":"gpt-5-codex",
		"messages":[
			{"role":"system","content":"` + official + `"},
			{"role":"user","content":"hello"}
		]
	}`)

	out := gjson.ParseBytes(OpenAIRequestToCodex("gpt-5-codex", body))

	if out.Get("instructions").String() != official {
		t.Error("official instructions must pass through verbatim")
	}
	if out.Get("input.0.content.0.text").String() != "hello" {
		t.Error("no injection marker expected for official instructions")
	}
}

func TestOpenAICodexToolRoundTrip(t *testing.T) {
	body := []byte(`{
		"model":"gpt-4o",
		"messages":[
			{"role":"user","content":"weather?"},
			{"role":"assistant","content":null,"tool_calls":[{"id":"call_abc","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}]},
			{"role":"tool","tool_call_id":"call_abc","content":"{\"temp\":4}"}
		],
		"tools":[{"type":"function","function":{"name":"get_weather","description":"Weather lookup","parameters":{"type":"object"}}}]
	}`)

	codex := OpenAIRequestToCodex("gpt-5", body)
	c := gjson.ParseBytes(codex)

	if c.Get("input.1.type").String() != "function_call" || c.Get("input.1.call_id").String() != "call_abc" {
		t.Fatalf("tool call should become a function_call item with its id intact, got %s", c.Get("input.1").Raw)
	}
	if c.Get("input.2.type").String() != "function_call_output" || c.Get("input.2.call_id").String() != "call_abc" {
		t.Fatalf("tool result should become a function_call_output item, got %s", c.Get("input.2").Raw)
	}
	if c.Get("tools.0.name").String() != "get_weather" {
		t.Errorf("codex tools are flat, got %s", c.Get("tools.0").Raw)
	}

	// And back: the call id must survive the return trip.
	back := gjson.ParseBytes(CodexRequestToOpenAI("gpt-4o", codex))
	found := false
	back.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("tool_calls.0.id").String() == "call_abc" {
			found = true
		}
		if msg.Get("role").String() == "tool" && msg.Get("tool_call_id").String() != "call_abc" {
			t.Errorf("tool_call_id must survive the round trip, got %s", msg.Raw)
		}
		return true
	})
	if !found {
		t.Error("tool call id lost in the round trip")
	}
	if back.Get("tools.0.function.name").String() != "get_weather" {
		t.Errorf("tools should regain the function wrapper, got %s", back.Get("tools.0").Raw)
	}
}

func TestSanitizeCodexRequest(t *testing.T) {
	body := []byte(`{
		"model":"gpt-5-codex",
		"instructions":"do my bidding",
		"temperature":0.7,
		"max_output_tokens":2048,
		"store":true,
		"stream":false,
		"input":[{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}]
	}`)

	out := gjson.ParseBytes(SanitizeCodexRequest("gpt-5-codex", body))

	if out.Get("instructions").String() == "do my bidding" {
		t.Error("client instructions must be replaced with the stock prompt")
	}
	if out.Get("instructions").String() == "" {
		t.Error("instructions must never be empty")
	}
	if out.Get("temperature").Exists() || out.Get("max_output_tokens").Exists() {
		t.Error("forbidden params must be stripped")
	}
	if out.Get("store").Bool() || !out.Get("stream").Bool() || !out.Get("parallel_tool_calls").Bool() {
		t.Error("forced flags must be pinned")
	}
	if out.Get("input.0.content.0.text").String() != "hi" {
		t.Error("input must pass through untouched")
	}
}

func TestClaudeOpenAIRequests(t *testing.T) {
	claude := []byte(`{
		"model":"claude-sonnet-4",
		"max_tokens":1024,
		"system":[{"type":"text","text":"be brief"}],
		"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}],
		"stop_sequences":["END"],
		"tools":[{"name":"lookup","description":"d","input_schema":{"type":"object"}}],
		"tool_choice":{"type":"any"}
	}`)

	oa := gjson.ParseBytes(ClaudeRequestToOpenAI("claude-sonnet-4", claude))
	if oa.Get("messages.0.role").String() != "system" || oa.Get("messages.0.content").String() != "be brief" {
		t.Errorf("system block should lead as a system message, got %s", oa.Get("messages.0").Raw)
	}
	if oa.Get("messages.1.content").String() != "hi" {
		t.Errorf("text blocks should flatten, got %s", oa.Get("messages.1").Raw)
	}
	if oa.Get("max_tokens").Int() != 1024 {
		t.Error("max_tokens should carry over")
	}
	if oa.Get("stop.0").String() != "END" {
		t.Error("stop_sequences should become stop")
	}
	if oa.Get("tools.0.function.name").String() != "lookup" {
		t.Error("tools should gain the function wrapper")
	}
	if oa.Get("tool_choice").String() != "required" {
		t.Errorf("tool_choice any maps to required, got %s", oa.Get("tool_choice").Raw)
	}

	// And the inverse direction.
	openai := []byte(`{
		"model":"gpt-4o",
		"messages":[
			{"role":"system","content":"be brief"},
			{"role":"user","content":"hi"}
		],
		"tool_choice":"required"
	}`)
	cl := gjson.ParseBytes(OpenAIRequestToClaude("claude-sonnet-4", openai))
	if cl.Get("system.0.text").String() != "be brief" {
		t.Errorf("system message should become a system block, got %s", cl.Get("system").Raw)
	}
	if cl.Get("max_tokens").Int() != claudeDefaultMaxTokens {
		t.Errorf("missing max_tokens must default to %d, got %d", claudeDefaultMaxTokens, cl.Get("max_tokens").Int())
	}
	if cl.Get("tool_choice.type").String() != "any" {
		t.Errorf("required maps to any, got %s", cl.Get("tool_choice").Raw)
	}
}

func TestClaudeOpenAIResponses(t *testing.T) {
	claude := []byte(`{
		"id":"msg_01",
		"type":"message",
		"content":[
			{"type":"text","text":"Hello"},
			{"type":"tool_use","id":"toolu_1","name":"lookup","input":{"q":"x"}}
		],
		"stop_reason":"tool_use",
		"usage":{"input_tokens":10,"output_tokens":5}
	}`)

	oa := gjson.ParseBytes(ClaudeResponseToOpenAI("claude-sonnet-4", claude))
	if oa.Get("choices.0.message.content").String() != "Hello" {
		t.Error("text blocks should concatenate into content")
	}
	if oa.Get("choices.0.message.tool_calls.0.id").String() != "toolu_1" {
		t.Error("tool_use id should survive")
	}
	if oa.Get("choices.0.finish_reason").String() != "tool_calls" {
		t.Error("tool_use maps to tool_calls")
	}
	if oa.Get("usage.total_tokens").Int() != 15 {
		t.Error("usage should be summed")
	}

	back := gjson.ParseBytes(OpenAIResponseToClaude("claude-sonnet-4", []byte(oa.Raw)))
	if back.Get("content.0.text").String() != "Hello" {
		t.Error("content should round-trip")
	}
	if back.Get("stop_reason").String() != "tool_use" {
		t.Errorf("finish reason should round-trip, got %s", back.Get("stop_reason").String())
	}
	if back.Get("usage.input_tokens").Int() != 10 {
		t.Error("usage should round-trip")
	}
}

func TestGeminiCLIRequests(t *testing.T) {
	env := []byte(`{
		"project":"p1",
		"model":"gemini-2.5-pro",
		"request":{
			"systemInstruction":{"parts":[{"text":"be brief"}]},
			"contents":[{"role":"user","parts":[{"text":"hi"}]}],
			"generationConfig":{"maxOutputTokens":512,"temperature":0.3}
		}
	}`)

	oa := gjson.ParseBytes(GeminiCLIRequestToOpenAI("gemini-2.5-pro", env))
	if oa.Get("messages.0.role").String() != "system" || oa.Get("messages.0.content").String() != "be brief" {
		t.Errorf("systemInstruction should lead as a system message, got %s", oa.Get("messages").Raw)
	}
	if oa.Get("messages.1.content").String() != "hi" {
		t.Error("user parts should flatten")
	}
	if oa.Get("max_tokens").Int() != 512 {
		t.Error("maxOutputTokens should become max_tokens")
	}

	// Inverse: wrap a Chat Completions request into a CLI envelope.
	back := gjson.ParseBytes(OpenAIRequestToGeminiCLI("gemini-2.5-pro", []byte(oa.Raw)))
	if !back.Get("request").IsObject() {
		t.Fatal("expected a CLI envelope")
	}
	if back.Get("model").String() != "gemini-2.5-pro" {
		t.Error("envelope model should be set")
	}
	if back.Get("request.systemInstruction.parts.0.text").String() != "be brief" {
		t.Error("system message should become systemInstruction")
	}
	if back.Get("request.contents.0.parts.0.text").String() != "hi" {
		t.Error("user message should become contents")
	}
	if back.Get("request.generationConfig.maxOutputTokens").Int() != 512 {
		t.Error("max_tokens should become maxOutputTokens")
	}
}

func TestGeminiCLIResponses(t *testing.T) {
	openai := []byte(`{
		"id":"cmpl-1",
		"choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}
	}`)

	wrapped := gjson.ParseBytes(GeminiCLIResponseFromOpenAI("gemini-2.5-pro", openai))
	if wrapped.Get("response.candidates.0.content.parts.0.text").String() != "Hello" {
		t.Error("content should land in the first candidate")
	}
	if wrapped.Get("response.usageMetadata.totalTokenCount").Int() != 10 {
		t.Error("usage should map onto usageMetadata")
	}

	back := gjson.ParseBytes(GeminiCLIResponseToOpenAI("gpt-4o", []byte(wrapped.Raw)))
	if back.Get("choices.0.message.content").String() != "Hello" {
		t.Error("content should round-trip")
	}
	if back.Get("usage.prompt_tokens").Int() != 7 || back.Get("usage.completion_tokens").Int() != 3 {
		t.Error("usage should round-trip")
	}
}

func TestCodexResponseToOpenAI(t *testing.T) {
	codex := []byte(`{
		"id":"resp_1",
		"created_at":1700000000,
		"status":"completed",
		"output":[
			{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Hi there"}]},
			{"type":"function_call","call_id":"call_9","name":"lookup","arguments":"{\"q\":\"x\"}"}
		],
		"usage":{"input_tokens":12,"output_tokens":8}
	}`)

	oa := gjson.ParseBytes(CodexResponseToOpenAI("gpt-4o", codex))
	if oa.Get("choices.0.message.content").String() != "Hi there" {
		t.Error("output_text should concatenate into content")
	}
	if oa.Get("choices.0.message.tool_calls.0.id").String() != "call_9" {
		t.Error("call_id should survive")
	}
	if oa.Get("choices.0.finish_reason").String() != "tool_calls" {
		t.Error("function_call output forces tool_calls finish reason")
	}
	if oa.Get("usage.total_tokens").Int() != 20 {
		t.Error("usage should be summed")
	}
}

func TestIsOfficialCodexUA(t *testing.T) {
	official := []string{
		"codex_cli_rs/0.21.0 (Mac OS 14.5; arm64)",
		"codex_vscode/1.2.3",
		"OpenAI/Codex 1.0",
	}
	for _, ua := range official {
		if !IsOfficialCodexUA(ua) {
			t.Errorf("%q should be official", ua)
		}
	}
	for _, ua := range []string{"", "curl/8.0", "Mozilla/5.0", "codex"} {
		if IsOfficialCodexUA(ua) {
			t.Errorf("%q should not be official", ua)
		}
	}
}
