package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrEmptyTurn is returned when a send carries no text, audio or files.
	ErrEmptyTurn = errors.New("turn has no content")

	// ErrAlreadyInFlight is returned when a second turn is attempted while
	// one is still pending for the same conversation.
	ErrAlreadyInFlight = errors.New("a request is already in flight for this conversation")

	// ErrThrottled is returned when the local send limiter rejects a turn.
	ErrThrottled = errors.New("sending messages too quickly")

	// ErrDuplicateID is returned by the store when an append would produce
	// two messages with the same id.
	ErrDuplicateID = errors.New("duplicate message id")

	// ErrNotFound is returned by the store for operations on unknown ids.
	ErrNotFound = errors.New("message not found")

	// ErrSessionClosed is returned when a turn is attempted on a session
	// that has been torn down.
	ErrSessionClosed = errors.New("conversation session is closed")
)

// TransportError wraps a failed completion or persistence call together with
// the HTTP status when one was observed.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// User-facing classifications for failed turns. These are appended to the
// conversation as normal assistant messages, never raised to the caller.
const (
	msgSessionExpired  = "Your session has expired. Please sign in again and resend your message."
	msgPayloadTooLarge = "That message is too large to send. Try trimming it or removing attachments."
	msgRateLimited     = "The assistant is receiving too many requests right now. Please wait a moment and try again."
	msgServerError     = "Something went wrong on our side while generating a response. Please try again."
	msgUnreachable     = "The assistant couldn't be reached. Check your connection and try again."
)

// ClassifyTransport maps a transport failure to a short human-readable
// assistant message, first by status code and then by message content.
func ClassifyTransport(err error) string {
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode > 0 {
		switch {
		case te.StatusCode == 401 || te.StatusCode == 403:
			return msgSessionExpired
		case te.StatusCode == 413:
			return msgPayloadTooLarge
		case te.StatusCode == 429:
			return msgRateLimited
		case te.StatusCode >= 500:
			return msgServerError
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return msgUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return msgUnreachable
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "session expired"):
		return msgSessionExpired
	case strings.Contains(lower, "too large") || strings.Contains(lower, "payload"):
		return msgPayloadTooLarge
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return msgRateLimited
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "unreachable"):
		return msgUnreachable
	}
	return msgServerError
}

// IsCanceled reports whether err represents a cooperative cancellation rather
// than a transport failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
