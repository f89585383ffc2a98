package chat

import (
	"context"
)

// HistoryEntry is one prior turn handed to the completion service.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the outbound shape of a completion call. The response
// is untyped; see ExtractAnswer.
type CompletionRequest struct {
	Message             string         `json:"message"`
	ConversationHistory []HistoryEntry `json:"conversationHistory"`
	SystemPrompt        string         `json:"systemPrompt,omitempty"`
	Temperature         float64        `json:"temperature,omitempty"`
	MaxTokens           int            `json:"maxTokens,omitempty"`
	Files               []FileRef      `json:"files,omitempty"`
}

// Completer is the completion service boundary. Implementations return the
// raw response body; extraction stays in this package because the upstream
// shape is not contractually fixed.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// StoredMessage is the outbound persistence shape for one message.
type StoredMessage struct {
	ConversationID string
	SenderID       string
	Role           string
	Content        string
}

// Persister durably stores a message and returns its durable id. Retries
// with backoff are the implementation's responsibility; the dispatcher will
// not correlate an optimistic id before the durable id is returned.
type Persister interface {
	StoreMessage(ctx context.Context, rec StoredMessage) (string, error)
}

// Jobs enqueues background work. Summarization is fire-and-forget and must
// never surface an error into the chat flow.
type Jobs interface {
	EnqueueSummarize(ctx context.Context, conversationID string) error
}

// SummaryLookup exposes the durable state the summarization trigger reads:
// whether a summary exists and how many messages the conversation holds.
// The durable count is authoritative; a session's in-memory view restarts
// empty on reopen and would mistrigger the thresholds.
type SummaryLookup interface {
	HasSummary(ctx context.Context, conversationID string) (bool, error)
	MessageCount(ctx context.Context, conversationID string) (int, error)
}
