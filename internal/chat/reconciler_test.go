package chat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converse/internal/pubsub"
)

func userEvent(id, text string) pubsub.Event {
	return pubsub.Event{
		Type:           pubsub.Inserted,
		ID:             id,
		ConversationID: "conv-1",
		Sender:         string(SenderUser),
		Content:        EncodeContent(TextContent(text)),
		CreatedAt:      time.Now(),
	}
}

func assistantEvent(id, text string) pubsub.Event {
	ev := userEvent(id, text)
	ev.Sender = string(SenderAssistant)
	return ev
}

func TestChannelEchoReplacesOptimisticInPlace(t *testing.T) {
	broker := pubsub.NewBroker()
	completer := completerFunc(func(context.Context, CompletionRequest) (string, error) {
		return `{"response":"sure"}`, nil
	})
	s := newTestSession(t, completer, &mockPersister{}, broker)

	res, err := s.Send(context.Background(), TurnInput{Text: "hello"})
	require.NoError(t, err)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	userID := msgs[0].ID
	assert.True(t, IsOptimisticID(userID))
	createdAt := msgs[0].CreatedAt

	// The authoritative copy carries the durable id and no timestamp; it must
	// land in the optimistic entry's slot and keep its position and time.
	ev := userEvent("durable-1", "hello")
	ev.CreatedAt = time.Time{}
	broker.Publish(ev)

	msgs = s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "durable-1", msgs[0].ID)
	assert.Equal(t, SenderUser, msgs[0].Sender)
	assert.Equal(t, "hello", msgs[0].Content.Text)
	assert.False(t, msgs[0].Optimistic)
	assert.Equal(t, createdAt, msgs[0].CreatedAt)
	assert.Equal(t, res.AssistantMessageID, msgs[1].ID)

	// Redelivery changes nothing.
	broker.Publish(ev)
	broker.Publish(ev)
	assert.Len(t, s.Messages(), 2)
}

func TestDuplicateAssistantDeliveryIsDropped(t *testing.T) {
	broker := pubsub.NewBroker()
	completer := completerFunc(func(context.Context, CompletionRequest) (string, error) {
		return `{"response":"the answer"}`, nil
	})
	s := newTestSession(t, completer, &mockPersister{}, broker)

	res, err := s.Send(context.Background(), TurnInput{Text: "question"})
	require.NoError(t, err)
	require.Equal(t, "durable-2", res.AssistantMessageID)

	// The HTTP path already rendered durable-2; the channel's own delivery of
	// the same row must be a no-op however many times it arrives.
	for i := 0; i < 3; i++ {
		broker.Publish(assistantEvent("durable-2", "the answer"))
	}

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "durable-2", msgs[1].ID)
	assert.Equal(t, "the answer", msgs[1].Content.Text)
	assert.False(t, msgs[1].Typing)
}

// notifyingPersister mimics the production insert-plus-notify transaction
// with the worst-case timing: the channel event is visible before the
// persist call returns its commit ack, so the channel path races ahead of
// the caller on both the user echo and the answer.
type notifyingPersister struct {
	inner  *mockPersister
	broker *pubsub.Broker
}

func (p *notifyingPersister) StoreMessage(ctx context.Context, rec StoredMessage) (string, error) {
	id, err := p.inner.StoreMessage(ctx, rec)
	if err == nil {
		p.broker.Publish(pubsub.Event{
			Type:           pubsub.Inserted,
			ID:             id,
			ConversationID: rec.ConversationID,
			Sender:         rec.Role,
			Content:        rec.Content,
			CreatedAt:      time.Now(),
		})
	}
	return id, err
}

func TestEchoBeforeCommitAckLeavesOneUserMessage(t *testing.T) {
	broker := pubsub.NewBroker()
	persister := &notifyingPersister{inner: &mockPersister{}, broker: broker}
	completer := completerFunc(func(context.Context, CompletionRequest) (string, error) {
		return `{"response":"hi there"}`, nil
	})
	s := newTestSession(t, completer, persister, broker)

	_, err := s.Send(context.Background(), TurnInput{Text: "Hello"})
	require.NoError(t, err)

	// The user echo arrived before the durable id did, so it appended with
	// no correlation to claim; registering the correlation must collapse
	// the two copies into the optimistic entry's slot.
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	var users []Message
	for _, msg := range msgs {
		if msg.Sender == SenderUser {
			users = append(users, msg)
		}
	}
	require.Len(t, users, 1, "the turn must not appear twice")
	assert.Equal(t, "durable-1", users[0].ID)
	assert.Equal(t, "Hello", users[0].Content.Text)
	assert.Equal(t, "durable-1", msgs[0].ID, "the durable copy takes the optimistic entry's slot")
	assert.False(t, msgs[0].Optimistic)
}

func TestChannelWinningTheAnswerRace(t *testing.T) {
	broker := pubsub.NewBroker()
	persister := &notifyingPersister{inner: &mockPersister{}, broker: broker}
	completer := completerFunc(func(context.Context, CompletionRequest) (string, error) {
		return `{"response":"channel first"}`, nil
	})
	s := newTestSession(t, completer, persister, broker)

	res, err := s.Send(context.Background(), TurnInput{Text: "go"})
	require.NoError(t, err)
	assert.Empty(t, res.AssistantMessageID, "the channel rendered the answer; the HTTP path yields")
	assert.NotEmpty(t, res.UserMessageID)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "durable-2", msgs[1].ID)
	assert.Equal(t, "channel first", msgs[1].Content.Text)
	assert.False(t, msgs[1].Typing)
	for _, msg := range msgs {
		assert.False(t, msg.LoadingPlaceholder, "no placeholder survives the merge")
	}
}

func TestAssistantUnionPayloadSurvivesMerge(t *testing.T) {
	broker := pubsub.NewBroker()
	s := newTestSession(t, newBlockingCompleter(), &mockPersister{}, broker)

	files := []FileRef{{Name: "chart.png", URL: "https://blob/chart.png"}}

	ev := assistantEvent("durable-1", "")
	ev.Content = EncodeContent(Content{Kind: ContentFiles, Files: files, Caption: "the chart"})
	broker.Publish(ev)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ContentFiles, msgs[0].Content.Kind)
	assert.Equal(t, files, msgs[0].Content.Files)
	assert.Equal(t, "the chart", msgs[0].Content.Caption)
	assert.False(t, msgs[0].Typing, "a payload-only union has no text to reveal")

	// A mixed union reveals its text while keeping the payload.
	ev = assistantEvent("durable-2", "")
	ev.Content = EncodeContent(Content{Kind: ContentMixed, Text: "see the chart", Files: files})
	broker.Publish(ev)

	msgs = s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, ContentMixed, msgs[1].Content.Kind)
	assert.Equal(t, "see the chart", msgs[1].Content.Text)
	assert.Equal(t, files, msgs[1].Content.Files)
	assert.False(t, msgs[1].Typing)
}

func TestForeignAndPhantomUserMessagesAppend(t *testing.T) {
	broker := pubsub.NewBroker()
	s := newTestSession(t, newBlockingCompleter(), &mockPersister{}, broker)

	// A message created by another client of the same conversation has no
	// optimistic counterpart here and simply appends.
	broker.Publish(userEvent("durable-77", "from my phone"))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "durable-77", msgs[0].ID)
	assert.Equal(t, "from my phone", msgs[0].Content.Text)

	// Events for other conversations never apply.
	foreign := userEvent("durable-88", "wrong room")
	foreign.ConversationID = "conv-2"
	broker.Publish(foreign)
	assert.Len(t, s.Messages(), 1)
}

func TestLateEchoAfterTurnSettledStillReplaces(t *testing.T) {
	broker := pubsub.NewBroker()
	completer := completerFunc(func(context.Context, CompletionRequest) (string, error) {
		return `{"response":"done"}`, nil
	})
	s := newTestSession(t, completer, &mockPersister{}, broker)

	_, err := s.Send(context.Background(), TurnInput{Text: "first"})
	require.NoError(t, err)
	_, ok := s.lifecycle.Active("conv-1")
	require.False(t, ok, "the turn has fully settled")

	// The correlation must outlive the pending request: an echo arriving after
	// settlement still lands in place instead of duplicating the turn.
	broker.Publish(userEvent("durable-1", "first"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "durable-1", msgs[0].ID)
	assert.Equal(t, "first", msgs[0].Content.Text)
}

func TestUpdateReplacesExistingMessage(t *testing.T) {
	broker := pubsub.NewBroker()
	s := newTestSession(t, newBlockingCompleter(), &mockPersister{}, broker)

	broker.Publish(userEvent("durable-1", "original"))
	require.Len(t, s.Messages(), 1)
	createdAt := s.Messages()[0].CreatedAt

	update := userEvent("durable-1", "edited")
	update.Type = pubsub.Updated
	update.CreatedAt = time.Time{}
	broker.Publish(update)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "edited", msgs[0].Content.Text)
	assert.Equal(t, createdAt, msgs[0].CreatedAt, "a zero-timestamp update keeps the original time")
}

func TestUpdateForUnknownMessageUpserts(t *testing.T) {
	broker := pubsub.NewBroker()
	s := newTestSession(t, newBlockingCompleter(), &mockPersister{}, broker)

	update := userEvent("durable-9", "edited elsewhere")
	update.Type = pubsub.Updated
	broker.Publish(update)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "durable-9", msgs[0].ID)
	assert.Equal(t, "edited elsewhere", msgs[0].Content.Text)

	// The upsert claims the id, so a late INSERT for the same row is dropped.
	broker.Publish(userEvent("durable-9", "edited elsewhere"))
	assert.Len(t, s.Messages(), 1)
}

func TestReopeningConversationReplacesSubscription(t *testing.T) {
	broker := pubsub.NewBroker()
	completer := completerFunc(func(context.Context, CompletionRequest) (string, error) {
		return `{"response":"ok"}`, nil
	})
	cfg := EngineConfig{Typing: TypingConfig{InstantThreshold: 1 << 20}}
	engine := NewEngine(completer, &mockPersister{}, broker, nil, cfg, zerolog.Nop())

	first, err := engine.Open(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)
	second, err := engine.Open(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)
	t.Cleanup(second.Close)

	broker.Publish(userEvent("durable-5", "hello again"))

	assert.Empty(t, first.Messages(), "the torn-down session receives nothing")
	require.Len(t, second.Messages(), 1)
	assert.Equal(t, "durable-5", second.Messages()[0].ID)

	got, ok := engine.Session("conv-1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestClosedSessionReceivesNothing(t *testing.T) {
	broker := pubsub.NewBroker()
	s := newTestSession(t, newBlockingCompleter(), &mockPersister{}, broker)

	s.Close()
	broker.Publish(userEvent("durable-1", "into the void"))
	assert.Empty(t, s.Messages())
}
