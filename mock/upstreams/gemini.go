package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler that simulates the Gemini CLI
// envelope endpoints: the request and response bodies are wrapped in a
// top-level "request"/"response" object.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	handle := func(stream bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed", "FAILED_PRECONDITION")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal server error", "INTERNAL")
				return
			}

			var req struct {
				Model   string          `json:"model"`
				Request json.RawMessage `json:"request"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeGeminiError(w, http.StatusBadRequest, "invalid request body", "INVALID_ARGUMENT")
				return
			}

			model := req.Model
			if model == "" {
				model = "gemini-2.5-pro"
			}

			content := fakeSentence(cfg.StreamWords)
			if stream {
				serveGeminiStream(w, model, content, 10, cfg.StreamWords)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"response": geminiResponse(model, content, 10, cfg.StreamWords),
			})
		}
	}

	mux.HandleFunc("/v1internal:generateContent", handle(false))
	mux.HandleFunc("/v1internal:streamGenerateContent", handle(true))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "NOT_FOUND")
	})

	return mux
}

func geminiResponse(model, text string, inTokens, outTokens int) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     inTokens,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      inTokens + outTokens,
		},
		"modelVersion": model,
	}
}

// serveGeminiStream writes one enveloped chunk per word; the final chunk
// carries the finish reason and usage metadata.
func serveGeminiStream(w http.ResponseWriter, model, content string, inTokens, outTokens int) {
	flusher := sseStart(w)

	words := strings.Fields(content)
	for i, word := range words {
		text := word + " "
		if i == len(words)-1 {
			sseEvent(w, flusher, "", map[string]any{
				"response": geminiResponse(model, text, inTokens, outTokens),
			})
			break
		}
		chunk := map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role":  "model",
						"parts": []map[string]any{{"text": text}},
					},
				},
			},
		}
		sseEvent(w, flusher, "", map[string]any{"response": chunk})
	}
}

// writeGeminiError writes the google.rpc error envelope.
func writeGeminiError(w http.ResponseWriter, status int, msg, rpcStatus string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  rpcStatus,
		},
	})
}
