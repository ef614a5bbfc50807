package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()

	events := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "channel closed after %d of %d events", len(events), n)
			events = append(events, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestEmitAssignsMonotonicIDs(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	require.NoError(t, hub.Emit(ctx, "s1", "init", map[string]any{"total": 70.0}))
	require.NoError(t, hub.Emit(ctx, "s1", "iteration", nil))
	require.NoError(t, hub.Emit(ctx, "s1", "score", nil))

	events := hub.Events("s1")
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, int64(2), events[1].ID)
	assert.Equal(t, int64(3), events[2].ID)
	assert.Equal(t, "init", events[0].Type)
	assert.Equal(t, "score", events[2].Type)
}

func TestSessionsAreIndependent(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	require.NoError(t, hub.Emit(ctx, "a", "init", nil))
	require.NoError(t, hub.Emit(ctx, "b", "init", nil))
	require.NoError(t, hub.Emit(ctx, "b", "result", nil))

	assert.Len(t, hub.Events("a"), 1)
	assert.Len(t, hub.Events("b"), 2)
	assert.Equal(t, int64(1), hub.Events("b")[0].ID, "each session numbers from 1")
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	require.NoError(t, hub.Emit(ctx, "s1", "init", nil))
	require.NoError(t, hub.Emit(ctx, "s1", "result", nil))

	events := collect(t, ch, 2)
	assert.Equal(t, "init", events[0].Type)
	assert.Equal(t, "result", events[1].Type)
}

func TestLateSubscriberReplaysBacklog(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	require.NoError(t, hub.Emit(ctx, "s1", "init", nil))
	require.NoError(t, hub.Emit(ctx, "s1", "iteration", nil))

	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	require.NoError(t, hub.Emit(ctx, "s1", "result", nil))

	events := collect(t, ch, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{events[0].ID, events[1].ID, events[2].ID},
		"backlog first, then live, no gaps")
}

func TestMultipleSubscribersEachGetEverything(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	first, cancelFirst := hub.Subscribe("s1")
	defer cancelFirst()
	second, cancelSecond := hub.Subscribe("s1")
	defer cancelSecond()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Emit(ctx, "s1", "text", nil))
	}

	assert.Len(t, collect(t, first, 5), 5)
	assert.Len(t, collect(t, second, 5), 5)
}

func TestCancelStopsDelivery(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel := hub.Subscribe("s1")
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "cancelled subscription channel is closed")

	// Emitting afterwards must not panic or block.
	require.NoError(t, hub.Emit(ctx, "s1", "init", nil))
	cancel() // second cancel is a no-op
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := NewHub(WithSubscriberBuffer(2))
	ctx := context.Background()

	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	// Nobody reads: the third emit overflows the buffer and drops the
	// subscriber instead of blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			_ = hub.Emit(ctx, "s1", "text", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a slow subscriber")
	}

	// Drain: two buffered events, then closed.
	events := collect(t, ch, 2)
	assert.Len(t, events, 2)
	_, ok := <-ch
	assert.False(t, ok, "dropped subscriber's channel is closed")

	// The log itself still has all three events.
	assert.Len(t, hub.Events("s1"), 3)
}

func TestCloseEndsSubscriptionsAndDropsLaterEvents(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	require.NoError(t, hub.Emit(ctx, "s1", "result", nil))
	hub.Close("s1")
	hub.Close("s1") // idempotent

	events := collect(t, ch, 1)
	assert.Equal(t, "result", events[0].Type)
	_, ok := <-ch
	assert.False(t, ok, "close ends the subscription")

	require.NoError(t, hub.Emit(ctx, "s1", "text", nil))
	assert.Len(t, hub.Events("s1"), 1, "terminal sessions append nothing further")
}

func TestSubscribeAfterCloseGetsBacklogOnly(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	require.NoError(t, hub.Emit(ctx, "s1", "init", nil))
	require.NoError(t, hub.Emit(ctx, "s1", "result", nil))
	hub.Close("s1")

	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	events := collect(t, ch, 2)
	assert.Equal(t, "result", events[1].Type)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestSinkBindsSession(t *testing.T) {
	hub := NewHub()
	sink := hub.Sink("s1")

	require.NoError(t, sink.Emit(context.Background(), "init", map[string]any{"total": 70.0}))

	events := hub.Events("s1")
	require.Len(t, events, 1)
	assert.Equal(t, "init", events[0].Type)
	assert.Empty(t, hub.Events("other"))
}

func TestConcurrentEmitKeepsOrderConsistent(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = hub.Emit(ctx, "s1", "text", nil)
			}
		}()
	}
	wg.Wait()

	events := hub.Events("s1")
	require.Len(t, events, 100)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.ID, "ids are dense and ordered")
	}
}
