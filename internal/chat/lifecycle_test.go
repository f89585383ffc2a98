package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginIsExclusivePerConversation(t *testing.T) {
	m := NewLifecycleManager()

	p1, err := m.Begin(context.Background(), "conv-1", "opt-1", "ph-1")
	require.NoError(t, err)

	_, err = m.Begin(context.Background(), "conv-1", "opt-2", "ph-2")
	assert.ErrorIs(t, err, ErrAlreadyInFlight)

	// A different conversation is unaffected.
	p2, err := m.Begin(context.Background(), "conv-2", "opt-3", "ph-3")
	require.NoError(t, err)

	p1.End()
	p2.End()
}

func TestEndReleasesSlotExactlyOnce(t *testing.T) {
	m := NewLifecycleManager()

	p1, err := m.Begin(context.Background(), "conv-1", "opt-1", "ph-1")
	require.NoError(t, err)

	p1.End()
	p1.End() // idempotent

	_, ok := m.Active("conv-1")
	assert.False(t, ok)

	// The slot is free for the next turn, and a late End on the old request
	// must not evict it.
	p2, err := m.Begin(context.Background(), "conv-1", "opt-2", "ph-2")
	require.NoError(t, err)
	p1.End()

	got, ok := m.Active("conv-1")
	require.True(t, ok)
	assert.Same(t, p2, got)
}

func TestCancelSignalsContext(t *testing.T) {
	m := NewLifecycleManager()

	assert.False(t, m.Cancel("conv-1"), "nothing in flight")

	p, err := m.Begin(context.Background(), "conv-1", "opt-1", "ph-1")
	require.NoError(t, err)
	require.NoError(t, p.Context().Err())
	assert.False(t, p.Canceled())

	assert.True(t, m.Cancel("conv-1"))
	assert.ErrorIs(t, p.Context().Err(), context.Canceled)
	assert.True(t, p.Canceled())

	// Cancel signals but does not release; teardown stays with End.
	_, ok := m.Active("conv-1")
	assert.True(t, ok)
	p.End()
	_, ok = m.Active("conv-1")
	assert.False(t, ok)
}

func TestDurableUserIDRoundTrip(t *testing.T) {
	m := NewLifecycleManager()
	p, err := m.Begin(context.Background(), "conv-1", "opt-1", "ph-1")
	require.NoError(t, err)
	defer p.End()

	assert.Empty(t, p.DurableUserID())
	p.SetDurableUserID("durable-1")
	assert.Equal(t, "durable-1", p.DurableUserID())
}
