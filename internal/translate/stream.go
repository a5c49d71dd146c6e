package translate

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-relay/internal/format"
)

// Streaming translation is modelled as decode → logical events → encode:
// each upstream SSE data payload is decoded into zero or more logical events,
// and a stateful per-request encoder renders those events as SSE frames in
// the client's format. Nothing is buffered beyond the current frame.

// EventKind classifies a logical streaming event.
type EventKind int

const (
	// EventTextDelta carries an assistant text fragment.
	EventTextDelta EventKind = iota
	// EventToolCallStart opens a tool call (id + name known).
	EventToolCallStart
	// EventToolCallDelta carries a tool-call arguments fragment.
	EventToolCallDelta
	// EventUsage carries token counts; may arrive more than once
	// (input and output counts can be reported separately).
	EventUsage
	// EventFinish terminates the logical response.
	EventFinish
)

// Usage holds token counts extracted from terminal stream events.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Event is one logical streaming event.
type Event struct {
	Kind         EventKind
	Text         string
	CallID       string
	ToolName     string
	ArgsDelta    string
	FinishReason string
	Usage        Usage
}

// DecodeFrame decodes a single SSE data payload in the given upstream format
// into logical events. Unknown payloads decode to nothing.
func DecodeFrame(f format.Format, data []byte) []Event {
	switch f {
	case format.OpenAI:
		return decodeOpenAIFrame(data)
	case format.Codex:
		return decodeCodexFrame(data)
	case format.Claude:
		return decodeClaudeFrame(data)
	case format.GeminiCLI:
		return decodeGeminiFrame(data)
	default:
		return nil
	}
}

// StreamSupported reports whether an upstream stream in format from can be
// re-encoded for a client speaking format to. Every known pair is; the
// dispatcher consults it so that an unrecognised format degrades to byte
// pass-through instead of an empty stream.
func StreamSupported(from, to format.Format) bool {
	if from == to {
		return true
	}
	return format.Known(from) && format.Known(to)
}

func decodeOpenAIFrame(data []byte) []Event {
	root := gjson.ParseBytes(data)
	var evs []Event

	delta := root.Get("choices.0.delta")
	if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
		evs = append(evs, Event{Kind: EventTextDelta, Text: text.String()})
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if name := tc.Get("function.name").String(); name != "" {
			evs = append(evs, Event{Kind: EventToolCallStart, CallID: tc.Get("id").String(), ToolName: name})
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			evs = append(evs, Event{Kind: EventToolCallDelta, ArgsDelta: args})
		}
		return true
	})
	if usage := root.Get("usage"); usage.IsObject() {
		evs = append(evs, Event{Kind: EventUsage, Usage: Usage{
			InputTokens:  usage.Get("prompt_tokens").Int(),
			OutputTokens: usage.Get("completion_tokens").Int(),
		}})
	}
	if fr := root.Get("choices.0.finish_reason"); fr.Type == gjson.String && fr.String() != "" {
		evs = append(evs, Event{Kind: EventFinish, FinishReason: fr.String()})
	}
	return evs
}

func decodeCodexFrame(data []byte) []Event {
	root := gjson.ParseBytes(data)
	switch root.Get("type").String() {
	case "response.output_text.delta":
		return []Event{{Kind: EventTextDelta, Text: root.Get("delta").String()}}

	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() == "function_call" {
			return []Event{{
				Kind:     EventToolCallStart,
				CallID:   item.Get("call_id").String(),
				ToolName: item.Get("name").String(),
			}}
		}

	case "response.function_call_arguments.delta":
		return []Event{{Kind: EventToolCallDelta, ArgsDelta: root.Get("delta").String()}}

	case "response.completed", "response.incomplete":
		usage := root.Get("response.usage")
		return []Event{
			{Kind: EventUsage, Usage: Usage{
				InputTokens:  usage.Get("input_tokens").Int(),
				OutputTokens: usage.Get("output_tokens").Int(),
			}},
			{Kind: EventFinish, FinishReason: "stop"},
		}

	case "response.failed":
		return []Event{{Kind: EventFinish, FinishReason: "error"}}
	}
	return nil
}

func decodeClaudeFrame(data []byte) []Event {
	root := gjson.ParseBytes(data)
	switch root.Get("type").String() {
	case "message_start":
		return []Event{{Kind: EventUsage, Usage: Usage{
			InputTokens: root.Get("message.usage.input_tokens").Int(),
		}}}

	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			return []Event{{
				Kind:     EventToolCallStart,
				CallID:   block.Get("id").String(),
				ToolName: block.Get("name").String(),
			}}
		}

	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []Event{{Kind: EventTextDelta, Text: delta.Get("text").String()}}
		case "input_json_delta":
			return []Event{{Kind: EventToolCallDelta, ArgsDelta: delta.Get("partial_json").String()}}
		}

	case "message_delta":
		var evs []Event
		if usage := root.Get("usage"); usage.IsObject() {
			evs = append(evs, Event{Kind: EventUsage, Usage: Usage{
				OutputTokens: usage.Get("output_tokens").Int(),
			}})
		}
		if sr := root.Get("delta.stop_reason"); sr.Type == gjson.String && sr.String() != "" {
			evs = append(evs, Event{Kind: EventFinish, FinishReason: claudeStopToFinishReason(sr.String())})
		}
		return evs
	}
	return nil
}

func decodeGeminiFrame(data []byte) []Event {
	root := gjson.ParseBytes(data)
	if resp := root.Get("response"); resp.IsObject() {
		root = resp
	}

	var evs []Event
	cand := root.Get("candidates.0")
	cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("text").Exists():
			if t := part.Get("text").String(); t != "" {
				evs = append(evs, Event{Kind: EventTextDelta, Text: t})
			}

		case part.Get("functionCall").Exists():
			// Gemini delivers a whole call per part and carries no ids;
			// synthesize one, the way the request translator does.
			fc := part.Get("functionCall")
			evs = append(evs, Event{
				Kind:     EventToolCallStart,
				CallID:   "call_" + uuid.NewString(),
				ToolName: fc.Get("name").String(),
			})
			if args := fc.Get("args"); args.IsObject() {
				evs = append(evs, Event{Kind: EventToolCallDelta, ArgsDelta: args.Raw})
			}
		}
		return true
	})

	if u := root.Get("usageMetadata"); u.IsObject() {
		evs = append(evs, Event{Kind: EventUsage, Usage: Usage{
			InputTokens:  u.Get("promptTokenCount").Int(),
			OutputTokens: u.Get("candidatesTokenCount").Int(),
		}})
	}
	if fr := cand.Get("finishReason"); fr.Type == gjson.String && fr.String() != "" {
		evs = append(evs, Event{Kind: EventFinish, FinishReason: geminiFinishToReason(fr.String())})
	}
	return evs
}

func geminiFinishToReason(fr string) string {
	if fr == "MAX_TOKENS" {
		return "length"
	}
	return "stop"
}

func reasonToGeminiFinish(reason string) string {
	if reason == "length" {
		return "MAX_TOKENS"
	}
	return "STOP"
}

// UsageFromFrame extracts token counts from a pass-through SSE payload
// without running a full decode. Works for all four formats.
func UsageFromFrame(f format.Format, data []byte) (Usage, bool) {
	root := gjson.ParseBytes(data)
	switch f {
	case format.OpenAI:
		if u := root.Get("usage"); u.IsObject() {
			return Usage{u.Get("prompt_tokens").Int(), u.Get("completion_tokens").Int()}, true
		}
	case format.Codex:
		if u := root.Get("response.usage"); u.IsObject() {
			return Usage{u.Get("input_tokens").Int(), u.Get("output_tokens").Int()}, true
		}
	case format.Claude:
		if u := root.Get("message.usage"); u.IsObject() {
			return Usage{InputTokens: u.Get("input_tokens").Int()}, true
		}
		if u := root.Get("usage"); u.IsObject() {
			return Usage{OutputTokens: u.Get("output_tokens").Int()}, true
		}
	case format.GeminiCLI:
		u := root.Get("response.usageMetadata")
		if !u.Exists() {
			u = root.Get("usageMetadata")
		}
		if u.IsObject() {
			return Usage{u.Get("promptTokenCount").Int(), u.Get("candidatesTokenCount").Int()}, true
		}
	}
	return Usage{}, false
}

// StreamEncoder renders logical events as SSE frames in one client format.
// Encoders are stateful and good for a single response.
type StreamEncoder interface {
	// Encode renders one event as zero or more complete SSE frames.
	Encode(ev Event) [][]byte
	// Close emits any trailing frames after the upstream stream ends.
	Close() [][]byte
}

// NewStreamEncoder returns an encoder for the client format, or nil for a
// format it does not know.
func NewStreamEncoder(f format.Format, model, id string) StreamEncoder {
	switch f {
	case format.OpenAI:
		return &openAIStreamEncoder{model: model, id: id}
	case format.Claude:
		return &claudeStreamEncoder{model: model, id: id}
	case format.Codex:
		return &codexStreamEncoder{model: model, id: id}
	case format.GeminiCLI:
		return &geminiStreamEncoder{model: model}
	}
	return nil
}

func sseFrame(event, data string) []byte {
	if event == "" {
		return []byte("data: " + data + "\n\n")
	}
	return []byte("event: " + event + "\ndata: " + data + "\n\n")
}

// ── OpenAI chat.completion.chunk encoder ─────────────────────────────────────

type openAIStreamEncoder struct {
	model     string
	id        string
	sentRole  bool
	toolIndex int
	usage     Usage
	finished  bool
}

func (e *openAIStreamEncoder) chunk(delta string, finish any) []byte {
	out := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	out, _ = sjson.Set(out, "id", e.id)
	out, _ = sjson.Set(out, "model", e.model)
	out, _ = sjson.SetRaw(out, "choices.0.delta", delta)
	if s, ok := finish.(string); ok {
		out, _ = sjson.Set(out, "choices.0.finish_reason", s)
	}
	return sseFrame("", out)
}

func (e *openAIStreamEncoder) Encode(ev Event) [][]byte {
	switch ev.Kind {
	case EventTextDelta:
		delta := "{}"
		if !e.sentRole {
			delta, _ = sjson.Set(delta, "role", "assistant")
			e.sentRole = true
		}
		delta, _ = sjson.Set(delta, "content", ev.Text)
		return [][]byte{e.chunk(delta, nil)}

	case EventToolCallStart:
		tc := `{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`
		tc, _ = sjson.Set(tc, "index", e.toolIndex)
		tc, _ = sjson.Set(tc, "id", ev.CallID)
		tc, _ = sjson.Set(tc, "function.name", ev.ToolName)
		e.toolIndex++
		delta, _ := sjson.SetRaw(`{"tool_calls":[]}`, "tool_calls.-1", tc)
		return [][]byte{e.chunk(delta, nil)}

	case EventToolCallDelta:
		tc, _ := sjson.Set(`{"index":0,"function":{"arguments":""}}`, "index", e.toolIndex-1)
		tc, _ = sjson.Set(tc, "function.arguments", ev.ArgsDelta)
		delta, _ := sjson.SetRaw(`{"tool_calls":[]}`, "tool_calls.-1", tc)
		return [][]byte{e.chunk(delta, nil)}

	case EventUsage:
		if ev.Usage.InputTokens > 0 {
			e.usage.InputTokens = ev.Usage.InputTokens
		}
		if ev.Usage.OutputTokens > 0 {
			e.usage.OutputTokens = ev.Usage.OutputTokens
		}
		return nil

	case EventFinish:
		e.finished = true
		reason := ev.FinishReason
		if e.toolIndex > 0 && reason == "stop" {
			reason = "tool_calls"
		}
		frame := e.chunk("{}", reason)
		if e.usage.InputTokens > 0 || e.usage.OutputTokens > 0 {
			out := string(frame[len("data: ") : len(frame)-2])
			out, _ = sjson.Set(out, "usage.prompt_tokens", e.usage.InputTokens)
			out, _ = sjson.Set(out, "usage.completion_tokens", e.usage.OutputTokens)
			out, _ = sjson.Set(out, "usage.total_tokens", e.usage.InputTokens+e.usage.OutputTokens)
			frame = sseFrame("", out)
		}
		return [][]byte{frame}
	}
	return nil
}

func (e *openAIStreamEncoder) Close() [][]byte {
	var frames [][]byte
	if !e.finished {
		frames = append(frames, e.chunk("{}", "stop"))
	}
	frames = append(frames, []byte("data: [DONE]\n\n"))
	return frames
}

// ── Claude Messages stream encoder ───────────────────────────────────────────

type claudeStreamEncoder struct {
	model      string
	id         string
	started    bool
	blockIndex int
	blockOpen  string // "", "text", "tool_use"
	usage      Usage
	finished   bool
}

func (e *claudeStreamEncoder) start() []byte {
	msg := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	msg, _ = sjson.Set(msg, "message.id", e.id)
	msg, _ = sjson.Set(msg, "message.model", e.model)
	msg, _ = sjson.Set(msg, "message.usage.input_tokens", e.usage.InputTokens)
	return sseFrame("message_start", msg)
}

func (e *claudeStreamEncoder) ensureStarted(frames *[][]byte) {
	if !e.started {
		e.started = true
		*frames = append(*frames, e.start())
	}
}

func (e *claudeStreamEncoder) closeBlock(frames *[][]byte) {
	if e.blockOpen == "" {
		return
	}
	stop, _ := sjson.Set(`{"type":"content_block_stop","index":0}`, "index", e.blockIndex)
	*frames = append(*frames, sseFrame("content_block_stop", stop))
	e.blockIndex++
	e.blockOpen = ""
}

func (e *claudeStreamEncoder) Encode(ev Event) [][]byte {
	var frames [][]byte
	switch ev.Kind {
	case EventTextDelta:
		e.ensureStarted(&frames)
		if e.blockOpen != "text" {
			e.closeBlock(&frames)
			start, _ := sjson.Set(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
				"index", e.blockIndex)
			frames = append(frames, sseFrame("content_block_start", start))
			e.blockOpen = "text"
		}
		delta, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`,
			"index", e.blockIndex)
		delta, _ = sjson.Set(delta, "delta.text", ev.Text)
		frames = append(frames, sseFrame("content_block_delta", delta))

	case EventToolCallStart:
		e.ensureStarted(&frames)
		e.closeBlock(&frames)
		start, _ := sjson.Set(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`,
			"index", e.blockIndex)
		start, _ = sjson.Set(start, "content_block.id", ev.CallID)
		start, _ = sjson.Set(start, "content_block.name", ev.ToolName)
		frames = append(frames, sseFrame("content_block_start", start))
		e.blockOpen = "tool_use"

	case EventToolCallDelta:
		e.ensureStarted(&frames)
		delta, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`,
			"index", e.blockIndex)
		delta, _ = sjson.Set(delta, "delta.partial_json", ev.ArgsDelta)
		frames = append(frames, sseFrame("content_block_delta", delta))

	case EventUsage:
		if ev.Usage.InputTokens > 0 {
			e.usage.InputTokens = ev.Usage.InputTokens
		}
		if ev.Usage.OutputTokens > 0 {
			e.usage.OutputTokens = ev.Usage.OutputTokens
		}

	case EventFinish:
		e.ensureStarted(&frames)
		e.closeBlock(&frames)
		e.finished = true
		md, _ := sjson.Set(`{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"output_tokens":0}}`,
			"delta.stop_reason", finishReasonToClaudeStop(ev.FinishReason))
		md, _ = sjson.Set(md, "usage.output_tokens", e.usage.OutputTokens)
		frames = append(frames, sseFrame("message_delta", md))
		frames = append(frames, sseFrame("message_stop", `{"type":"message_stop"}`))
	}
	return frames
}

func (e *claudeStreamEncoder) Close() [][]byte {
	if e.finished {
		return nil
	}
	var frames [][]byte
	e.ensureStarted(&frames)
	e.closeBlock(&frames)
	md, _ := sjson.Set(`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":0}}`,
		"usage.output_tokens", e.usage.OutputTokens)
	frames = append(frames, sseFrame("message_delta", md))
	frames = append(frames, sseFrame("message_stop", `{"type":"message_stop"}`))
	return frames
}

// ── Codex Response API stream encoder ────────────────────────────────────────

type codexStreamEncoder struct {
	model    string
	id       string
	started  bool
	usage    Usage
	finished bool
	text     strings.Builder
}

func (e *codexStreamEncoder) created() []byte {
	out := `{"type":"response.created","response":{"id":"","status":"in_progress","model":""}}`
	out, _ = sjson.Set(out, "response.id", e.id)
	out, _ = sjson.Set(out, "response.model", e.model)
	return sseFrame("response.created", out)
}

func (e *codexStreamEncoder) ensureStarted(frames *[][]byte) {
	if !e.started {
		e.started = true
		*frames = append(*frames, e.created())
	}
}

func (e *codexStreamEncoder) completed() []byte {
	out := `{"type":"response.completed","response":{"id":"","status":"completed","model":"","output":[],"usage":{"input_tokens":0,"output_tokens":0,"total_tokens":0}}}`
	out, _ = sjson.Set(out, "response.id", e.id)
	out, _ = sjson.Set(out, "response.model", e.model)
	if e.text.Len() > 0 {
		part, _ := sjson.Set(`{"type":"output_text","text":"","annotations":[]}`, "text", e.text.String())
		item, _ := sjson.SetRaw(`{"type":"message","role":"assistant","content":[]}`, "content.-1", part)
		out, _ = sjson.SetRaw(out, "response.output.-1", item)
	}
	out, _ = sjson.Set(out, "response.usage.input_tokens", e.usage.InputTokens)
	out, _ = sjson.Set(out, "response.usage.output_tokens", e.usage.OutputTokens)
	out, _ = sjson.Set(out, "response.usage.total_tokens", e.usage.InputTokens+e.usage.OutputTokens)
	return sseFrame("response.completed", out)
}

func (e *codexStreamEncoder) Encode(ev Event) [][]byte {
	var frames [][]byte
	switch ev.Kind {
	case EventTextDelta:
		e.ensureStarted(&frames)
		e.text.WriteString(ev.Text)
		out, _ := sjson.Set(`{"type":"response.output_text.delta","delta":""}`, "delta", ev.Text)
		frames = append(frames, sseFrame("response.output_text.delta", out))

	case EventToolCallStart:
		e.ensureStarted(&frames)
		out := `{"type":"response.output_item.added","item":{"type":"function_call","call_id":"","name":"","arguments":""}}`
		out, _ = sjson.Set(out, "item.call_id", ev.CallID)
		out, _ = sjson.Set(out, "item.name", ev.ToolName)
		frames = append(frames, sseFrame("response.output_item.added", out))

	case EventToolCallDelta:
		e.ensureStarted(&frames)
		out, _ := sjson.Set(`{"type":"response.function_call_arguments.delta","delta":""}`, "delta", ev.ArgsDelta)
		frames = append(frames, sseFrame("response.function_call_arguments.delta", out))

	case EventUsage:
		if ev.Usage.InputTokens > 0 {
			e.usage.InputTokens = ev.Usage.InputTokens
		}
		if ev.Usage.OutputTokens > 0 {
			e.usage.OutputTokens = ev.Usage.OutputTokens
		}

	case EventFinish:
		e.ensureStarted(&frames)
		e.finished = true
		frames = append(frames, e.completed())
	}
	return frames
}

func (e *codexStreamEncoder) Close() [][]byte {
	if e.finished {
		return nil
	}
	var frames [][]byte
	e.ensureStarted(&frames)
	frames = append(frames, e.completed())
	return frames
}

// ── Gemini CLI stream encoder ────────────────────────────────────────────────

// geminiStreamEncoder renders events as CLI-enveloped chunks. Gemini parts
// carry whole function calls, so tool-call deltas are buffered and the call
// is flushed as one functionCall part once its arguments are complete.
type geminiStreamEncoder struct {
	model    string
	usage    Usage
	callName string
	callArgs strings.Builder
	finished bool
}

func (e *geminiStreamEncoder) chunk(part string) []byte {
	out := `{"response":{"candidates":[{"content":{"role":"model","parts":[]},"index":0}],"modelVersion":""}}`
	out, _ = sjson.SetRaw(out, "response.candidates.0.content.parts.-1", part)
	out, _ = sjson.Set(out, "response.modelVersion", e.model)
	return sseFrame("", out)
}

func (e *geminiStreamEncoder) flushCall(frames *[][]byte) {
	if e.callName == "" {
		return
	}
	part := `{"functionCall":{"name":"","args":{}}}`
	part, _ = sjson.Set(part, "functionCall.name", e.callName)
	if args := gjson.Parse(e.callArgs.String()); args.IsObject() {
		part, _ = sjson.SetRaw(part, "functionCall.args", args.Raw)
	}
	*frames = append(*frames, e.chunk(part))
	e.callName = ""
	e.callArgs.Reset()
}

func (e *geminiStreamEncoder) terminal(reason string) []byte {
	out := `{"response":{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":0,"candidatesTokenCount":0,"totalTokenCount":0},"modelVersion":""}}`
	out, _ = sjson.Set(out, "response.candidates.0.finishReason", reasonToGeminiFinish(reason))
	out, _ = sjson.Set(out, "response.usageMetadata.promptTokenCount", e.usage.InputTokens)
	out, _ = sjson.Set(out, "response.usageMetadata.candidatesTokenCount", e.usage.OutputTokens)
	out, _ = sjson.Set(out, "response.usageMetadata.totalTokenCount", e.usage.InputTokens+e.usage.OutputTokens)
	out, _ = sjson.Set(out, "response.modelVersion", e.model)
	return sseFrame("", out)
}

func (e *geminiStreamEncoder) Encode(ev Event) [][]byte {
	var frames [][]byte
	switch ev.Kind {
	case EventTextDelta:
		e.flushCall(&frames)
		part, _ := sjson.Set(`{"text":""}`, "text", ev.Text)
		frames = append(frames, e.chunk(part))

	case EventToolCallStart:
		e.flushCall(&frames)
		e.callName = ev.ToolName

	case EventToolCallDelta:
		e.callArgs.WriteString(ev.ArgsDelta)

	case EventUsage:
		if ev.Usage.InputTokens > 0 {
			e.usage.InputTokens = ev.Usage.InputTokens
		}
		if ev.Usage.OutputTokens > 0 {
			e.usage.OutputTokens = ev.Usage.OutputTokens
		}

	case EventFinish:
		e.flushCall(&frames)
		e.finished = true
		frames = append(frames, e.terminal(ev.FinishReason))
	}
	return frames
}

func (e *geminiStreamEncoder) Close() [][]byte {
	if e.finished {
		return nil
	}
	var frames [][]byte
	e.flushCall(&frames)
	frames = append(frames, e.terminal("stop"))
	return frames
}
