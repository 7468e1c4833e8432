// Package engines implements the lifecycle machinery that moves memory down
// the cascade: promotion (L1 to L2), consolidation (L2 to L3), distillation
// (L3 to L4), and query-time knowledge synthesis over L4. Every engine
// degrades without an LLM: each step has a deterministic fallback and a
// failed item is counted, never rethrown.
package engines

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeReply parses an LLM reply expected to contain one JSON value,
// tolerating markdown fences and surrounding prose.
func decodeReply(text string, v any) error {
	payload := extractJSON(text)
	if payload == "" {
		return fmt.Errorf("no JSON value in reply")
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("failed to decode reply JSON: %w", err)
	}
	return nil
}

// extractJSON returns the outermost JSON object or array embedded in text.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if arr := strings.IndexByte(text, '['); arr >= 0 && (start < 0 || arr < start) {
		start = arr
		end = strings.LastIndexByte(text, ']')
	}
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// head returns at most n characters of s, cutting on a rune boundary.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
