package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// ContentKind is the tag of the content union. It is preserved verbatim
// through reconciliation.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentAudio ContentKind = "audio"
	ContentFiles ContentKind = "files"
	ContentMixed ContentKind = "mixed"
)

// AudioRef describes an uploaded audio clip. Transcription happens elsewhere.
type AudioRef struct {
	URL        string `json:"url"`
	DurationMs int    `json:"duration_ms,omitempty"`
}

// FileRef describes an uploaded file attachment.
type FileRef struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Content is the tagged union carried by every message. Exactly the fields
// implied by Kind are meaningful; Caption is the optional text accompanying
// audio or file payloads.
type Content struct {
	Kind    ContentKind `json:"kind"`
	Text    string      `json:"text,omitempty"`
	Audio   *AudioRef   `json:"audio,omitempty"`
	Files   []FileRef   `json:"files,omitempty"`
	Caption string      `json:"caption,omitempty"`
}

// TextContent builds a plain text content value.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// DisplayText returns the text a renderer would show for this content.
func (c Content) DisplayText() string {
	switch c.Kind {
	case ContentText:
		return c.Text
	default:
		return c.Caption
	}
}

// Message is one entry in a conversation, either user-visible or an
// ephemeral placeholder.
type Message struct {
	ID             string
	ConversationID string
	Sender         Sender
	Content        Content
	CreatedAt      time.Time

	// Lifecycle flags. Optimistic entries exist only until the channel
	// delivers the authoritative copy; placeholders are never persisted.
	Optimistic         bool
	LoadingPlaceholder bool
	Typing             bool
	Aborted            bool
}

const optimisticPrefix = "optimistic-"

// NewOptimisticID generates a local id for a not-yet-durable message. These
// ids are never reused as authoritative ids.
func NewOptimisticID() string {
	return optimisticPrefix + uuid.NewString()
}

// NewMessageID generates an id for a locally rendered assistant message.
func NewMessageID() string {
	return uuid.NewString()
}

// IsOptimisticID reports whether id was generated locally by NewOptimisticID.
func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, optimisticPrefix)
}

// EncodeContent serializes a content union for storage on the wire.
func EncodeContent(c Content) string {
	data, err := json.Marshal(c)
	if err != nil {
		return c.DisplayText()
	}
	return string(data)
}

// ParseStoredContent decodes a stored content string. The channel carries
// either a serialized content union or plain text; malformed unions go
// through a repair pass before falling back to plain text.
func ParseStoredContent(raw string) Content {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TextContent("")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return TextContent(raw)
	}

	var c Content
	if err := json.Unmarshal([]byte(trimmed), &c); err == nil && validKind(c.Kind) {
		return c
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err == nil {
		if err := json.Unmarshal([]byte(repaired), &c); err == nil && validKind(c.Kind) {
			return c
		}
	}

	return TextContent(raw)
}

func validKind(k ContentKind) bool {
	switch k {
	case ContentText, ContentAudio, ContentFiles, ContentMixed:
		return true
	}
	return false
}
