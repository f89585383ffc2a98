package chat

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// FallbackAnswer is rendered when nothing usable can be pulled out of a
// completion response. An empty answer is never propagated as content.
const FallbackAnswer = "Sorry, I couldn't generate a response. Please try asking again."

// answerFields are tried in order against a JSON object response. The
// completion service's shape is not contractually fixed, so extraction has
// to probe.
var answerFields = []string{"response", "message", "content", "text", "answer", "reply"}

// ExtractAnswer pulls the assistant's text out of a raw completion response.
// It tries the known object fields first, then treats the whole response as
// a string, and finally falls back to a fixed apology.
func ExtractAnswer(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return FallbackAnswer
	}

	switch trimmed[0] {
	case '{':
		if answer, ok := extractFromObject(trimmed); ok {
			return answer
		}
		// Models occasionally emit truncated or mildly broken JSON; one
		// repair pass before giving up on the structured shape.
		if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
			if answer, ok := extractFromObject(repaired); ok {
				return answer
			}
		}
		return FallbackAnswer
	case '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			return FallbackAnswer
		}
	}

	return raw
}

func extractFromObject(data string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return "", false
	}
	for _, field := range answerFields {
		v, ok := obj[field]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}
