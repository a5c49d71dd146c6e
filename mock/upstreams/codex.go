package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newCodexHandler returns an http.Handler that simulates the Response API.
// Real Codex upstreams only stream, so non-streaming requests are rejected
// the way the official endpoint does.
func newCodexHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/responses", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		id := fmt.Sprintf("resp_mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		serveCodexStream(w, id, "gpt-5-codex", content, 10, cfg.StreamWords)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// serveCodexStream writes the created → output_text.delta → completed event
// sequence of the Response API.
func serveCodexStream(w http.ResponseWriter, id, model, content string, inTokens, outTokens int) {
	flusher := sseStart(w)

	sseEvent(w, flusher, "response.created", map[string]any{
		"type": "response.created",
		"response": map[string]any{
			"id":     id,
			"object": "response",
			"model":  model,
			"status": "in_progress",
		},
	})

	for _, word := range strings.Fields(content) {
		sseEvent(w, flusher, "response.output_text.delta", map[string]any{
			"type":  "response.output_text.delta",
			"delta": word + " ",
		})
	}

	sseEvent(w, flusher, "response.completed", map[string]any{
		"type": "response.completed",
		"response": map[string]any{
			"id":     id,
			"object": "response",
			"model":  model,
			"status": "completed",
			"output": []map[string]any{
				{
					"type": "message",
					"role": "assistant",
					"content": []map[string]any{
						{"type": "output_text", "text": content},
					},
				},
			},
			"usage": map[string]int{
				"input_tokens":  inTokens,
				"output_tokens": outTokens,
				"total_tokens":  inTokens + outTokens,
			},
		},
	})
}
