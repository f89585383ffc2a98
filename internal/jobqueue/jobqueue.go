package jobqueue

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/converse/internal/chat"
	"github.com/converse/internal/persistence"
)

// SummarizeJobArgs asks for a fresh summary of one conversation.
type SummarizeJobArgs struct {
	ConversationID string `json:"conversation_id"`
}

// Kind returns the job kind for River.
func (SummarizeJobArgs) Kind() string { return "conversation_summarize" }

// SummarizeWorker generates a conversation summary from the recent message
// window and stores it. Failures never reach the chat flow; River retries
// and eventually discards.
type SummarizeWorker struct {
	river.WorkerDefaults[SummarizeJobArgs]
	store     *persistence.Store
	completer chat.Completer
	config    *QueueConfig
}

// Work runs one summarization job.
func (w *SummarizeWorker) Work(ctx context.Context, job *river.Job[SummarizeJobArgs]) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	conversationID := job.Args.ConversationID

	rows, err := w.store.RecentMessages(ctx, conversationID, w.config.SummaryWindow)
	if err != nil {
		return fmt.Errorf("load messages for summary: %w", err)
	}
	if len(rows) == 0 {
		log.Debug().Str("conversation_id", conversationID).Msg("nothing to summarize")
		return nil
	}

	raw, err := w.completer.Complete(ctx, chat.CompletionRequest{
		Message:             summaryInstruction,
		ConversationHistory: historyFromRows(rows),
	})
	if err != nil {
		return fmt.Errorf("summary completion: %w", err)
	}

	summary := chat.ExtractAnswer(raw)
	if summary == chat.FallbackAnswer {
		return fmt.Errorf("summary completion returned nothing usable")
	}

	count, err := w.store.MessageCount(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}

	if err := w.store.SaveSummary(ctx, conversationID, summary, count); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}

	log.Info().
		Str("conversation_id", conversationID).
		Int("message_count", count).
		Int("summary_chars", len(summary)).
		Msg("conversation summary updated")
	return nil
}

const summaryInstruction = "Summarize the conversation so far in a short paragraph. " +
	"Keep the key facts, decisions, and any open questions."

func historyFromRows(rows []persistence.MessageRow) []chat.HistoryEntry {
	entries := make([]chat.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		content := chat.ParseStoredContent(row.Content).DisplayText()
		if strings.TrimSpace(content) == "" {
			continue
		}
		entries = append(entries, chat.HistoryEntry{Role: row.Role, Content: content})
	}
	return entries
}

// JobQueue owns the River client and satisfies chat.Jobs.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	config *QueueConfig
}

// NewJobQueue builds the queue on an existing pgx pool.
func NewJobQueue(pool *pgxpool.Pool, store *persistence.Store, completer chat.Completer, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &SummarizeWorker{store: store, completer: completer, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{client: client, config: config}, nil
}

// Start launches the queue workers.
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop drains and stops the workers.
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// EnqueueSummarize queues a summarization job for the conversation.
func (jq *JobQueue) EnqueueSummarize(ctx context.Context, conversationID string) error {
	_, err := jq.client.Insert(ctx, SummarizeJobArgs{ConversationID: conversationID}, &river.InsertOpts{
		MaxAttempts: jq.config.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to queue summarize job: %w", err)
	}
	return nil
}
