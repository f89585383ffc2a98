package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractAnswerKnownFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"response field", `{"response": "A"}`, "A"},
		{"message field", `{"message": "B"}`, "B"},
		{"content field", `{"content": "C"}`, "C"},
		{"text field", `{"text": "D"}`, "D"},
		{"answer field", `{"answer": "E"}`, "E"},
		{"reply field", `{"reply": "F"}`, "F"},
		{"field precedence", `{"reply": "low", "response": "high"}`, "high"},
		{"empty object", `{}`, FallbackAnswer},
		{"raw string", "C", "C"},
		{"json string literal", `"quoted answer"`, "quoted answer"},
		{"empty input", "", FallbackAnswer},
		{"whitespace only", "   \n", FallbackAnswer},
		{"empty field value skipped", `{"response": "", "message": "B"}`, "B"},
		{"non-string field skipped", `{"response": 42, "message": "B"}`, "B"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractAnswer(tc.raw))
		})
	}
}

func TestExtractAnswerRepairsBrokenJSON(t *testing.T) {
	// Trailing comma is the classic LLM truncation artifact.
	got := ExtractAnswer(`{"response": "fixed",}`)
	assert.Equal(t, "fixed", got)
}

func TestExtractAnswerNeverReturnsEmpty(t *testing.T) {
	for _, raw := range []string{"", `{}`, `{"response": ""}`, `""`, `{"other": "x"}`} {
		assert.NotEmpty(t, ExtractAnswer(raw), "raw=%q", raw)
	}
}
