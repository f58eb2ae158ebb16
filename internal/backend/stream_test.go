package backend

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/task"
)

func TestStream_DeliversEventsInOrder(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	stream := NewStream(nc, "task-mode-progress", logging.NewNop())

	received := make(chan task.ProgressEvent, 4)
	disposer, err := stream.Subscribe(func(ev task.ProgressEvent) { received <- ev })
	require.NoError(t, err)
	t.Cleanup(func() { _ = disposer.Unsubscribe() })

	events := []task.ProgressEvent{
		{SessionID: "s", EventType: task.EventStoryStarted, StoryID: "story-001", StoryStatus: task.StoryRunning, TotalBatches: 2},
		{SessionID: "s", EventType: task.EventStoryComplete, StoryID: "story-001", StoryStatus: task.StoryCompleted, TotalBatches: 2},
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, nc.Publish("task-mode-progress", data))
	}

	for _, want := range events {
		select {
		case got := <-received:
			assert.Equal(t, want.EventType, got.EventType)
			assert.Equal(t, want.StoryStatus, got.StoryStatus)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for progress event")
		}
	}
}

func TestStream_DropsMalformedPayloads(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	log := logging.NewTestLogger()
	stream := NewStream(nc, "task-mode-progress", log.Logger)

	received := make(chan task.ProgressEvent, 2)
	disposer, err := stream.Subscribe(func(ev task.ProgressEvent) { received <- ev })
	require.NoError(t, err)
	t.Cleanup(func() { _ = disposer.Unsubscribe() })

	require.NoError(t, nc.Publish("task-mode-progress", []byte("{broken")))
	good := task.ProgressEvent{SessionID: "s", EventType: task.EventBatchStarted}
	data, err := json.Marshal(good)
	require.NoError(t, err)
	require.NoError(t, nc.Publish("task-mode-progress", data))

	select {
	case got := <-received:
		// Only the decodable event arrives.
		assert.Equal(t, task.EventBatchStarted, got.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for progress event")
	}
	assert.Empty(t, received)
}

func TestSubscription_UnsubscribeIdempotent(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	stream := NewStream(nc, "task-mode-progress", logging.NewNop())

	received := make(chan task.ProgressEvent, 1)
	disposer, err := stream.Subscribe(func(ev task.ProgressEvent) { received <- ev })
	require.NoError(t, err)

	require.NoError(t, disposer.Unsubscribe())
	require.NoError(t, disposer.Unsubscribe()) // second call is a no-op

	data, err := json.Marshal(task.ProgressEvent{SessionID: "s", EventType: task.EventBatchStarted})
	require.NoError(t, err)
	require.NoError(t, nc.Publish("task-mode-progress", data))
	require.NoError(t, nc.Flush())

	select {
	case <-received:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}
