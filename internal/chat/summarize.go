package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Summarization trigger thresholds: the first summary is requested once a
// conversation reaches firstSummaryAt settled messages; afterwards a refresh
// is requested every refreshEvery messages starting at refreshFloor.
const (
	firstSummaryAt = 8
	refreshFloor   = 15
	refreshEvery   = 10
)

// ShouldSummarize is the pure trigger policy.
func ShouldSummarize(messageCount int, hasSummary bool) bool {
	if !hasSummary {
		return messageCount == firstSummaryAt
	}
	return messageCount >= refreshFloor && (messageCount-refreshFloor)%refreshEvery == 0
}

// SummarizationScheduler requests background summaries once a turn has
// settled. It is fire-and-forget: it never blocks the visible turn and never
// surfaces a failure into the chat flow.
type SummarizationScheduler struct {
	jobs      Jobs
	summaries SummaryLookup
	timeout   time.Duration
	log       zerolog.Logger
}

// NewSummarizationScheduler wires the scheduler. jobs or summaries may be
// nil, which disables it (library users without a queue).
func NewSummarizationScheduler(jobs Jobs, summaries SummaryLookup, log zerolog.Logger) *SummarizationScheduler {
	return &SummarizationScheduler{
		jobs:      jobs,
		summaries: summaries,
		timeout:   10 * time.Second,
		log:       log,
	}
}

// TurnSettled runs after both sides of a turn are durably stored. The
// enqueue happens off the caller's goroutine, against the durable message
// count rather than the session's in-memory view.
func (s *SummarizationScheduler) TurnSettled(conversationID string) {
	if s == nil || s.jobs == nil || s.summaries == nil {
		return
	}
	go s.maybeEnqueue(conversationID)
}

func (s *SummarizationScheduler) maybeEnqueue(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	messageCount, err := s.summaries.MessageCount(ctx, conversationID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("message count lookup failed")
		return
	}
	hasSummary, err := s.summaries.HasSummary(ctx, conversationID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("summary lookup failed")
		return
	}
	if !ShouldSummarize(messageCount, hasSummary) {
		return
	}

	if err := s.jobs.EnqueueSummarize(ctx, conversationID); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("summarize enqueue failed")
		return
	}
	s.log.Info().
		Str("conversation_id", conversationID).
		Int("message_count", messageCount).
		Msg("summarization requested")
}
