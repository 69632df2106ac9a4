package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: EventLog, ExecutionID: "e1", StepID: "s1", Message: "hello"}))

	got := receive(t, ch)
	assert.Equal(t, "e1", got.ExecutionID)
	assert.Equal(t, "s1", got.StepID)
	assert.Equal(t, "hello", got.Message)
}

func TestFilter(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	byExec, c1, err := hub.Subscribe(ctx, Filter{ExecutionID: "e1"})
	require.NoError(t, err)
	defer c1()
	byType, c2, err := hub.Subscribe(ctx, Filter{WorkflowID: "wf", Types: []EventType{EventStatus}})
	require.NoError(t, err)
	defer c2()

	require.NoError(t, hub.Publish(ctx, Event{Type: EventLog, ExecutionID: "e2", WorkflowID: "wf"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: EventLog, ExecutionID: "e1", WorkflowID: "other"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: EventStatus, ExecutionID: "e2", WorkflowID: "wf", Status: "running"}))

	assert.Equal(t, "e1", receive(t, byExec).ExecutionID)
	assert.Equal(t, "running", receive(t, byType).Status)
	assert.Empty(t, byExec)
	assert.Empty(t, byType)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub(0)
	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, hub.Subscribers())
	require.NoError(t, hub.Publish(context.Background(), Event{Type: EventLog}))
}

func TestContextEndsSubscription(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer unsubscribe()

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)

	_, _, err = hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, hub.Publish(ctx, Event{}), context.Canceled)
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHub(2)
	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(context.Background(), Event{Type: EventLog}))
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, int64(3), hub.Dropped())
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub(1000)
	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(context.Background(), Event{Type: EventLog})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
	assert.Zero(t, hub.Dropped())
}
