package translate

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SanitizeCodexRequest scrubs a codex-bound body that did not originate from
// an official Codex client: the instructions field is replaced with the full
// stock prompt for the model, the parameters the upstream rejects are
// stripped, and the forced flags are pinned. Official clients bypass this —
// their payloads are assumed compliant.
func SanitizeCodexRequest(model string, body []byte) []byte {
	out := string(body)

	out, _ = sjson.Set(out, "instructions", DefaultInstructions(model))

	for _, key := range forbiddenCodexParams {
		if gjson.Get(out, key).Exists() {
			out, _ = sjson.Delete(out, key)
		}
	}

	out, _ = sjson.Set(out, "store", false)
	out, _ = sjson.Set(out, "stream", true)
	out, _ = sjson.Set(out, "parallel_tool_calls", true)

	return []byte(out)
}
