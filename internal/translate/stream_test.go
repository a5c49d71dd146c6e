package translate

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-relay/internal/format"
)

func TestDecodeOpenAIFrames(t *testing.T) {
	evs := DecodeFrame(format.OpenAI, []byte(`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`))
	if len(evs) != 1 || evs[0].Kind != EventTextDelta || evs[0].Text != "Hel" {
		t.Fatalf("unexpected events: %+v", evs)
	}

	evs = DecodeFrame(format.OpenAI, []byte(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":""}}]}}]}`))
	if len(evs) != 1 || evs[0].Kind != EventToolCallStart || evs[0].CallID != "call_1" || evs[0].ToolName != "lookup" {
		t.Fatalf("unexpected events: %+v", evs)
	}

	evs = DecodeFrame(format.OpenAI, []byte(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`))
	if len(evs) != 1 || evs[0].Kind != EventToolCallDelta || evs[0].ArgsDelta != `{"q":` {
		t.Fatalf("unexpected events: %+v", evs)
	}

	evs = DecodeFrame(format.OpenAI, []byte(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":4}}`))
	if len(evs) != 2 || evs[0].Kind != EventUsage || evs[0].Usage.InputTokens != 9 || evs[1].Kind != EventFinish {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestDecodeCodexFrames(t *testing.T) {
	evs := DecodeFrame(format.Codex, []byte(`{"type":"response.output_text.delta","delta":"Hi"}`))
	if len(evs) != 1 || evs[0].Kind != EventTextDelta || evs[0].Text != "Hi" {
		t.Fatalf("unexpected events: %+v", evs)
	}

	evs = DecodeFrame(format.Codex, []byte(`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_2","name":"run"}}`))
	if len(evs) != 1 || evs[0].Kind != EventToolCallStart || evs[0].CallID != "call_2" {
		t.Fatalf("unexpected events: %+v", evs)
	}

	evs = DecodeFrame(format.Codex, []byte(`{"type":"response.completed","response":{"usage":{"input_tokens":20,"output_tokens":11}}}`))
	if len(evs) != 2 || evs[0].Usage.OutputTokens != 11 || evs[1].Kind != EventFinish {
		t.Fatalf("unexpected events: %+v", evs)
	}

	// Non-events decode to nothing.
	if evs := DecodeFrame(format.Codex, []byte(`{"type":"response.in_progress"}`)); len(evs) != 0 {
		t.Errorf("expected no events, got %+v", evs)
	}
}

func TestDecodeClaudeFrames(t *testing.T) {
	evs := DecodeFrame(format.Claude, []byte(`{"type":"message_start","message":{"usage":{"input_tokens":14}}}`))
	if len(evs) != 1 || evs[0].Kind != EventUsage || evs[0].Usage.InputTokens != 14 {
		t.Fatalf("unexpected events: %+v", evs)
	}

	evs = DecodeFrame(format.Claude, []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`))
	if len(evs) != 1 || evs[0].Text != "lo" {
		t.Fatalf("unexpected events: %+v", evs)
	}

	evs = DecodeFrame(format.Claude, []byte(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}`))
	if len(evs) != 1 || evs[0].Kind != EventToolCallStart || evs[0].ToolName != "lookup" {
		t.Fatalf("unexpected events: %+v", evs)
	}

	evs = DecodeFrame(format.Claude, []byte(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":6}}`))
	if len(evs) != 2 || evs[0].Usage.OutputTokens != 6 || evs[1].FinishReason != "tool_calls" {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

// frameData extracts the data payload of a single SSE frame.
func frameData(t *testing.T, frame []byte) gjson.Result {
	t.Helper()
	for _, line := range bytes.Split(frame, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("data: ")) {
			return gjson.ParseBytes(bytes.TrimPrefix(line, []byte("data: ")))
		}
	}
	t.Fatalf("no data line in frame: %q", frame)
	return gjson.Result{}
}

func TestOpenAIStreamEncoder(t *testing.T) {
	enc := NewStreamEncoder(format.OpenAI, "gpt-4o", "chatcmpl-test")

	frames := enc.Encode(Event{Kind: EventTextDelta, Text: "Hel"})
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	first := frameData(t, frames[0])
	if first.Get("object").String() != "chat.completion.chunk" {
		t.Errorf("unexpected object: %s", first.Get("object").String())
	}
	if first.Get("choices.0.delta.role").String() != "assistant" {
		t.Error("first delta should carry the role")
	}
	if first.Get("choices.0.delta.content").String() != "Hel" {
		t.Error("delta content mismatch")
	}

	second := frameData(t, enc.Encode(Event{Kind: EventTextDelta, Text: "lo"})[0])
	if second.Get("choices.0.delta.role").Exists() {
		t.Error("role must only be sent once")
	}

	enc.Encode(Event{Kind: EventUsage, Usage: Usage{InputTokens: 9, OutputTokens: 4}})
	fin := frameData(t, enc.Encode(Event{Kind: EventFinish, FinishReason: "stop"})[0])
	if fin.Get("choices.0.finish_reason").String() != "stop" {
		t.Error("finish reason mismatch")
	}
	if fin.Get("usage.total_tokens").Int() != 13 {
		t.Error("usage should ride on the finish chunk")
	}

	closing := enc.Close()
	if len(closing) != 1 || !bytes.Equal(closing[0], []byte("data: [DONE]\n\n")) {
		t.Errorf("close should emit only the DONE sentinel, got %q", closing)
	}
}

func TestOpenAIStreamEncoder_ToolCalls(t *testing.T) {
	enc := NewStreamEncoder(format.OpenAI, "gpt-4o", "chatcmpl-test")

	start := frameData(t, enc.Encode(Event{Kind: EventToolCallStart, CallID: "call_1", ToolName: "lookup"})[0])
	if start.Get("choices.0.delta.tool_calls.0.id").String() != "call_1" {
		t.Error("tool call id mismatch")
	}
	if start.Get("choices.0.delta.tool_calls.0.index").Int() != 0 {
		t.Error("first tool call gets index 0")
	}

	delta := frameData(t, enc.Encode(Event{Kind: EventToolCallDelta, ArgsDelta: `{"q":`})[0])
	if delta.Get("choices.0.delta.tool_calls.0.function.arguments").String() != `{"q":` {
		t.Error("arguments delta mismatch")
	}
	if delta.Get("choices.0.delta.tool_calls.0.index").Int() != 0 {
		t.Error("arguments delta should address the open call's index")
	}

	fin := frameData(t, enc.Encode(Event{Kind: EventFinish, FinishReason: "stop"})[0])
	if fin.Get("choices.0.finish_reason").String() != "tool_calls" {
		t.Error("a stream that opened tool calls finishes with tool_calls")
	}
}

func TestClaudeStreamEncoder(t *testing.T) {
	enc := NewStreamEncoder(format.Claude, "claude-sonnet-4", "msg_test")

	enc.Encode(Event{Kind: EventUsage, Usage: Usage{InputTokens: 12}})
	frames := enc.Encode(Event{Kind: EventTextDelta, Text: "Hel"})
	// message_start, content_block_start, content_block_delta
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if !bytes.HasPrefix(frames[0], []byte("event: message_start\n")) {
		t.Errorf("first frame should be message_start, got %q", frames[0])
	}
	start := frameData(t, frames[0])
	if start.Get("message.usage.input_tokens").Int() != 12 {
		t.Error("message_start should carry the input tokens seen so far")
	}
	if frameData(t, frames[2]).Get("delta.text").String() != "Hel" {
		t.Error("delta text mismatch")
	}

	// A tool call closes the text block and opens a tool_use block.
	frames = enc.Encode(Event{Kind: EventToolCallStart, CallID: "toolu_1", ToolName: "lookup"})
	if len(frames) != 2 {
		t.Fatalf("expected stop+start, got %d frames", len(frames))
	}
	if frameData(t, frames[0]).Get("type").String() != "content_block_stop" {
		t.Error("open text block should be closed first")
	}
	blockStart := frameData(t, frames[1])
	if blockStart.Get("content_block.type").String() != "tool_use" || blockStart.Get("index").Int() != 1 {
		t.Errorf("unexpected tool_use block: %s", blockStart.Raw)
	}

	enc.Encode(Event{Kind: EventUsage, Usage: Usage{OutputTokens: 7}})
	frames = enc.Encode(Event{Kind: EventFinish, FinishReason: "tool_calls"})
	// content_block_stop, message_delta, message_stop
	if len(frames) != 3 {
		t.Fatalf("expected 3 closing frames, got %d", len(frames))
	}
	md := frameData(t, frames[1])
	if md.Get("delta.stop_reason").String() != "tool_use" {
		t.Error("finish reason should map back to tool_use")
	}
	if md.Get("usage.output_tokens").Int() != 7 {
		t.Error("message_delta should carry output tokens")
	}

	if got := enc.Close(); got != nil {
		t.Errorf("finished stream closes silently, got %q", got)
	}
}

func TestClaudeStreamEncoder_CloseSynthesizesEnd(t *testing.T) {
	enc := NewStreamEncoder(format.Claude, "claude-sonnet-4", "msg_test")
	enc.Encode(Event{Kind: EventTextDelta, Text: "partial"})

	frames := enc.Close()
	// content_block_stop, message_delta, message_stop
	if len(frames) != 3 {
		t.Fatalf("truncated stream should still be terminated, got %d frames", len(frames))
	}
	if frameData(t, frames[1]).Get("delta.stop_reason").String() != "end_turn" {
		t.Error("synthesized end uses end_turn")
	}
}

func TestCodexStreamEncoder(t *testing.T) {
	enc := NewStreamEncoder(format.Codex, "gpt-5-codex", "resp_test")

	frames := enc.Encode(Event{Kind: EventTextDelta, Text: "Hel"})
	if len(frames) != 2 {
		t.Fatalf("expected created+delta, got %d", len(frames))
	}
	if frameData(t, frames[0]).Get("type").String() != "response.created" {
		t.Error("stream should open with response.created")
	}
	if frameData(t, frames[1]).Get("delta").String() != "Hel" {
		t.Error("delta mismatch")
	}

	enc.Encode(Event{Kind: EventTextDelta, Text: "lo"})
	enc.Encode(Event{Kind: EventUsage, Usage: Usage{InputTokens: 3, OutputTokens: 2}})
	fin := frameData(t, enc.Encode(Event{Kind: EventFinish, FinishReason: "stop"})[0])
	if fin.Get("type").String() != "response.completed" {
		t.Error("finish should emit response.completed")
	}
	if fin.Get("response.output.0.content.0.text").String() != "Hello" {
		t.Error("completed envelope should accumulate the full text")
	}
	if fin.Get("response.usage.total_tokens").Int() != 5 {
		t.Error("usage mismatch")
	}
}

func TestDecodeGeminiFrames(t *testing.T) {
	evs := DecodeFrame(format.GeminiCLI, []byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"Hel"},{"text":"lo"}]},"index":0}]}}`))
	if len(evs) != 2 || evs[0].Text != "Hel" || evs[1].Text != "lo" {
		t.Fatalf("unexpected events: %+v", evs)
	}

	// Unwrapped bodies decode the same way.
	evs = DecodeFrame(format.GeminiCLI, []byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`))
	if len(evs) != 1 || evs[0].Kind != EventTextDelta || evs[0].Text != "hi" {
		t.Fatalf("unexpected events: %+v", evs)
	}

	evs = DecodeFrame(format.GeminiCLI, []byte(`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":"x"}}}]}}]}}`))
	if len(evs) != 2 || evs[0].Kind != EventToolCallStart || evs[0].ToolName != "lookup" {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if evs[0].CallID == "" {
		t.Error("gemini calls carry no id; one must be synthesized")
	}
	if evs[1].Kind != EventToolCallDelta || evs[1].ArgsDelta != `{"q":"x"}` {
		t.Errorf("args should arrive as one delta, got %+v", evs[1])
	}

	evs = DecodeFrame(format.GeminiCLI, []byte(`{"response":{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4}}}`))
	if len(evs) != 2 || evs[0].Kind != EventUsage || evs[0].Usage.InputTokens != 9 {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if evs[1].Kind != EventFinish || evs[1].FinishReason != "stop" {
		t.Errorf("STOP maps to stop, got %+v", evs[1])
	}

	evs = DecodeFrame(format.GeminiCLI, []byte(`{"response":{"candidates":[{"content":{"parts":[]},"finishReason":"MAX_TOKENS"}]}}`))
	if len(evs) != 1 || evs[0].FinishReason != "length" {
		t.Errorf("MAX_TOKENS maps to length, got %+v", evs)
	}
}

func TestGeminiStreamEncoder(t *testing.T) {
	enc := NewStreamEncoder(format.GeminiCLI, "gemini-2.5-pro", "resp_test")

	frames := enc.Encode(Event{Kind: EventTextDelta, Text: "Hel"})
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	first := frameData(t, frames[0])
	if first.Get("response.candidates.0.content.parts.0.text").String() != "Hel" {
		t.Errorf("unexpected chunk: %s", first.Raw)
	}
	if first.Get("response.candidates.0.content.role").String() != "model" {
		t.Error("chunks carry the model role")
	}
	if first.Get("response.modelVersion").String() != "gemini-2.5-pro" {
		t.Error("chunks carry the model version")
	}

	enc.Encode(Event{Kind: EventUsage, Usage: Usage{InputTokens: 9, OutputTokens: 4}})
	frames = enc.Encode(Event{Kind: EventFinish, FinishReason: "stop"})
	if len(frames) != 1 {
		t.Fatalf("expected one terminal frame, got %d", len(frames))
	}
	fin := frameData(t, frames[0])
	if fin.Get("response.candidates.0.finishReason").String() != "STOP" {
		t.Errorf("unexpected terminal: %s", fin.Raw)
	}
	if fin.Get("response.usageMetadata.totalTokenCount").Int() != 13 {
		t.Error("terminal frame should carry the usage metadata")
	}

	if got := enc.Close(); got != nil {
		t.Errorf("finished stream closes silently, got %q", got)
	}
}

func TestGeminiStreamEncoder_BuffersToolCalls(t *testing.T) {
	enc := NewStreamEncoder(format.GeminiCLI, "gemini-2.5-pro", "resp_test")

	// Arguments stream in fragments; gemini parts carry whole calls, so
	// nothing is emitted until the call is complete.
	if frames := enc.Encode(Event{Kind: EventToolCallStart, CallID: "call_1", ToolName: "lookup"}); len(frames) != 0 {
		t.Fatalf("call start should be buffered, got %d frames", len(frames))
	}
	enc.Encode(Event{Kind: EventToolCallDelta, ArgsDelta: `{"q":`})
	enc.Encode(Event{Kind: EventToolCallDelta, ArgsDelta: `"x"}`})

	frames := enc.Encode(Event{Kind: EventFinish, FinishReason: "stop"})
	// functionCall chunk, then terminal.
	if len(frames) != 2 {
		t.Fatalf("expected call+terminal, got %d frames", len(frames))
	}
	call := frameData(t, frames[0]).Get("response.candidates.0.content.parts.0.functionCall")
	if call.Get("name").String() != "lookup" || call.Get("args.q").String() != "x" {
		t.Errorf("unexpected functionCall part: %s", call.Raw)
	}
}

func TestGeminiStreamEncoder_CloseSynthesizesEnd(t *testing.T) {
	enc := NewStreamEncoder(format.GeminiCLI, "gemini-2.5-pro", "resp_test")
	enc.Encode(Event{Kind: EventTextDelta, Text: "partial"})

	frames := enc.Close()
	if len(frames) != 1 {
		t.Fatalf("truncated stream should still be terminated, got %d frames", len(frames))
	}
	if frameData(t, frames[0]).Get("response.candidates.0.finishReason").String() != "STOP" {
		t.Error("synthesized end uses STOP")
	}
}

func TestUsageFromFrame(t *testing.T) {
	cases := []struct {
		f    format.Format
		data string
		want Usage
		ok   bool
	}{
		{format.OpenAI, `{"usage":{"prompt_tokens":5,"completion_tokens":2}}`, Usage{5, 2}, true},
		{format.OpenAI, `{"choices":[{"delta":{"content":"x"}}]}`, Usage{}, false},
		{format.Codex, `{"type":"response.completed","response":{"usage":{"input_tokens":8,"output_tokens":3}}}`, Usage{8, 3}, true},
		{format.Claude, `{"type":"message_start","message":{"usage":{"input_tokens":6}}}`, Usage{InputTokens: 6}, true},
		{format.Claude, `{"type":"message_delta","usage":{"output_tokens":4}}`, Usage{OutputTokens: 4}, true},
		{format.GeminiCLI, `{"response":{"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":1}}}`, Usage{9, 1}, true},
	}

	for _, tc := range cases {
		got, ok := UsageFromFrame(tc.f, []byte(tc.data))
		if ok != tc.ok || got != tc.want {
			t.Errorf("UsageFromFrame(%s, %s) = %+v %v, want %+v %v", tc.f, tc.data, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStreamSupported(t *testing.T) {
	if !StreamSupported(format.OpenAI, format.Claude) || !StreamSupported(format.Codex, format.OpenAI) {
		t.Error("sse-to-sse pairs should be supported")
	}
	if !StreamSupported(format.GeminiCLI, format.OpenAI) || !StreamSupported(format.Claude, format.GeminiCLI) {
		t.Error("gemini-cli pairs should be supported in both directions")
	}
	if !StreamSupported(format.GeminiCLI, format.GeminiCLI) {
		t.Error("identity is always supported")
	}
	unknown := format.Format("soap")
	if StreamSupported(unknown, format.OpenAI) || StreamSupported(format.OpenAI, unknown) {
		t.Error("unknown formats are not re-encodable")
	}
}

func TestSSEFrameShape(t *testing.T) {
	if got := string(sseFrame("", `{"a":1}`)); got != "data: {\"a\":1}\n\n" {
		t.Errorf("unexpected frame: %q", got)
	}
	got := string(sseFrame("message_stop", `{"type":"message_stop"}`))
	if !strings.HasPrefix(got, "event: message_stop\n") || !strings.HasSuffix(got, "\n\n") {
		t.Errorf("unexpected frame: %q", got)
	}
}
