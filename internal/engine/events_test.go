package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rendis/weave/internal/agents"
	"github.com/rendis/weave/internal/streaming"
	"github.com/rendis/weave/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectUntilTerminal(t *testing.T, ch <-chan streaming.Event) []streaming.Event {
	t.Helper()
	var events []streaming.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			events = append(events, e)
			if e.Type == streaming.EventStatus && schema.ExecutionStatus(e.Status).IsTerminal() {
				return events
			}
		case <-timeout:
			t.Fatalf("no terminal status event; got %d events", len(events))
		}
	}
}

func TestRegistry_StreamsRunEvents(t *testing.T) {
	hub := streaming.NewMemoryHub(256)
	h := newHarness(t, RegistryConfig{Events: hub}, agents.NewEchoAgent("echo", ""))

	ch, unsubscribe, err := h.reg.Subscribe(context.Background(), streaming.Filter{WorkflowID: "streamed"})
	require.NoError(t, err)
	defer unsubscribe()

	id := h.submit(t, &schema.WorkflowDefinition{ID: "streamed", Steps: []schema.WorkflowStep{
		step("s1", "echo", "one", "r1"),
		step("s2", "echo", "{{ r1 }} two", "r2"),
	}}, nil)

	events := collectUntilTerminal(t, ch)
	require.NotEmpty(t, events)

	var statuses, completed []string
	for _, e := range events {
		assert.Equal(t, id, e.ExecutionID)
		switch e.Type {
		case streaming.EventStatus:
			statuses = append(statuses, e.Status)
		case streaming.EventLog:
			if e.Message == "Step completed: s1" || e.Message == "Step completed: s2" {
				completed = append(completed, e.StepID)
			}
		}
	}
	assert.Equal(t, []string{"running", "completed"}, statuses)
	assert.Equal(t, []string{"s1", "s2"}, completed)

	snap, err := h.wait(t, id)
	require.NoError(t, err)
	logEvents := 0
	for _, e := range events {
		if e.Type == streaming.EventLog {
			logEvents++
		}
	}
	assert.Equal(t, len(snap.Logs), logEvents)
}

func TestRegistry_StreamsCancellation(t *testing.T) {
	hub := streaming.NewMemoryHub(256)
	blocker := newBlockingAgent("slow", false)
	h := newHarness(t, RegistryConfig{Events: hub}, blocker)

	id := h.submit(t, &schema.WorkflowDefinition{ID: "wf", Steps: []schema.WorkflowStep{step("s1", "slow", "go", "out")}}, nil)
	ch, unsubscribe, err := h.reg.Subscribe(context.Background(), streaming.Filter{
		ExecutionID: id,
		Types:       []streaming.EventType{streaming.EventStatus},
	})
	require.NoError(t, err)
	defer unsubscribe()

	<-blocker.started
	require.True(t, h.reg.Cancel(id))

	events := collectUntilTerminal(t, ch)
	assert.Equal(t, "cancelled", events[len(events)-1].Status)
}

func TestRegistry_SubscribeWithoutHub(t *testing.T) {
	h := newHarness(t, RegistryConfig{})
	_, _, err := h.reg.Subscribe(context.Background(), streaming.Filter{})
	require.Error(t, err)
	var wErr *schema.WeaveError
	require.ErrorAs(t, err, &wErr)
	assert.Equal(t, schema.ErrCodeConflict, wErr.Code)
}

func TestExecutionContext_SinkSilentWhenTerminal(t *testing.T) {
	ec := newTestContext(t)
	var got []streaming.Event
	ec.observe(func(e streaming.Event) { got = append(got, e) })

	require.NoError(t, ec.Transition(schema.ExecutionStatusRunning))
	ec.Log(schema.LogLevelInfo, "s1", "working", map[string]any{"n": 1})
	require.True(t, ec.Cancel("stop"))
	ec.Log(schema.LogLevelInfo, "s1", "late", nil)
	ec.AddWarning("s1", "late")

	require.Len(t, got, 4)
	assert.Equal(t, streaming.EventStatus, got[0].Type)
	assert.Equal(t, "running", got[0].Status)
	assert.Equal(t, "working", got[1].Message)
	assert.Equal(t, "s1", got[1].StepID)
	assert.Equal(t, "INFO", got[1].Level)
	assert.Equal(t, "stop", got[2].Message)
	assert.Equal(t, "cancelled", got[3].Status)
	for _, e := range got {
		assert.Equal(t, "exec-1", e.ExecutionID)
		assert.Equal(t, "wf", e.WorkflowID)
	}
}

func TestExecutionContext_NoEventsAfterTerminalStatus(t *testing.T) {
	for round := 0; round < 50; round++ {
		ec := newTestContext(t)
		var (
			mu     sync.Mutex
			events []streaming.Event
		)
		ec.observe(func(e streaming.Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		})
		require.NoError(t, ec.Transition(schema.ExecutionStatusRunning))

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 100; i++ {
				ec.Log(schema.LogLevelInfo, "s1", "working", nil)
				ec.AddWarning("s1", "careful")
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			ec.Cancel("stop")
		}()
		close(start)
		wg.Wait()

		mu.Lock()
		last := events[len(events)-1]
		mu.Unlock()
		assert.Equal(t, streaming.EventStatus, last.Type)
		assert.Equal(t, string(schema.ExecutionStatusCancelled), last.Status)
	}
}
