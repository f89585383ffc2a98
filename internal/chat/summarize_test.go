package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSummarize(t *testing.T) {
	cases := []struct {
		count      int
		hasSummary bool
		want       bool
	}{
		{7, false, false},
		{8, false, true},
		{9, false, false},
		{15, false, false}, // the first summary fires at 8 only
		{25, false, false},
		{8, true, false},
		{14, true, false},
		{15, true, true},
		{16, true, false},
		{20, true, false},
		{25, true, true},
		{34, true, false},
		{35, true, true},
		{0, false, false},
		{0, true, false},
	}
	for _, tc := range cases {
		got := ShouldSummarize(tc.count, tc.hasSummary)
		assert.Equal(t, tc.want, got, "count=%d hasSummary=%v", tc.count, tc.hasSummary)
	}
}

type mockJobs struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (m *mockJobs) EnqueueSummarize(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, conversationID)
	return nil
}

func (m *mockJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.enqueued)
}

// mockSummaries is the durable side of the trigger: the stored message count
// and summary presence.
type mockSummaries struct {
	mu         sync.Mutex
	messages   int
	hasSummary bool
	countErr   error
	lookupErr  error
}

func (m *mockSummaries) HasSummary(context.Context, string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasSummary, m.lookupErr
}

func (m *mockSummaries) MessageCount(context.Context, string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages, m.countErr
}

func (m *mockSummaries) setMessages(n int) {
	m.mu.Lock()
	m.messages = n
	m.mu.Unlock()
}

func TestTurnSettledEnqueuesAtFirstThreshold(t *testing.T) {
	jobs := &mockJobs{}
	summaries := &mockSummaries{messages: 8}
	sched := NewSummarizationScheduler(jobs, summaries, zerolog.Nop())

	sched.TurnSettled("conv-1")
	require.Eventually(t, func() bool { return jobs.count() == 1 }, 2*time.Second, time.Millisecond)

	// Off-threshold durable counts never enqueue.
	for _, n := range []int{1, 7, 9, 12, 15} {
		summaries.setMessages(n)
		sched.TurnSettled("conv-1")
	}
	assert.Never(t, func() bool { return jobs.count() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestTurnSettledRefreshCadence(t *testing.T) {
	jobs := &mockJobs{}
	summaries := &mockSummaries{messages: 15, hasSummary: true}
	sched := NewSummarizationScheduler(jobs, summaries, zerolog.Nop())

	sched.TurnSettled("conv-1")
	require.Eventually(t, func() bool { return jobs.count() == 1 }, 2*time.Second, time.Millisecond)

	summaries.setMessages(25)
	sched.TurnSettled("conv-1")
	require.Eventually(t, func() bool { return jobs.count() == 2 }, 2*time.Second, time.Millisecond)

	summaries.setMessages(8) // first-summary threshold no longer applies
	sched.TurnSettled("conv-1")
	summaries.setMessages(20) // between refresh points
	sched.TurnSettled("conv-1")
	assert.Never(t, func() bool { return jobs.count() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestTurnSettledUsesDurableCount(t *testing.T) {
	// A reopened conversation settles its first in-session turn while the
	// durable count already sits on a refresh threshold; the trigger must
	// read the store, not a session-local counter.
	jobs := &mockJobs{}
	sched := NewSummarizationScheduler(jobs, &mockSummaries{messages: 25, hasSummary: true}, zerolog.Nop())

	sched.TurnSettled("conv-1")
	require.Eventually(t, func() bool { return jobs.count() == 1 }, 2*time.Second, time.Millisecond)
}

func TestTurnSettledSwallowsFailures(t *testing.T) {
	// A count or summary lookup failure must not reach the enqueue.
	jobs := &mockJobs{}
	sched := NewSummarizationScheduler(jobs, &mockSummaries{messages: 8, countErr: fmt.Errorf("db down")}, zerolog.Nop())
	sched.TurnSettled("conv-1")
	assert.Never(t, func() bool { return jobs.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	sched = NewSummarizationScheduler(jobs, &mockSummaries{messages: 8, lookupErr: fmt.Errorf("db down")}, zerolog.Nop())
	sched.TurnSettled("conv-1")
	assert.Never(t, func() bool { return jobs.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	// An enqueue failure is logged and dropped; nothing panics or blocks.
	failing := &mockJobs{err: fmt.Errorf("queue down")}
	sched = NewSummarizationScheduler(failing, &mockSummaries{messages: 8}, zerolog.Nop())
	sched.TurnSettled("conv-1")
	time.Sleep(50 * time.Millisecond)
}

func TestTurnSettledDisabledScheduler(t *testing.T) {
	var sched *SummarizationScheduler
	sched.TurnSettled("conv-1") // nil receiver is a no-op

	sched = NewSummarizationScheduler(nil, nil, zerolog.Nop())
	sched.TurnSettled("conv-1") // no queue configured
}
