package backend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/task"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // Random port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// respond installs a one-subject backend stub that replies with the
// given envelope.
func respond(t *testing.T, nc *nats.Conn, subject string, env envelope) {
	t.Helper()
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		data, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, msg.Respond(data))
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func newClient(t *testing.T, server *natsserver.Server) (*NATSClient, *nats.Conn) {
	nc := connect(t, server)
	client := NewNATSClient(nc, "taskmode.cmd", 2*time.Second, logging.NewNop())
	return client, nc
}

func TestAnalyzeTask_Success(t *testing.T) {
	server := startTestNATSServer(t)
	client, nc := newClient(t, server)

	analysis := task.StrategyAnalysis{
		FunctionalAreas:        []string{"api", "storage"},
		EstimatedStories:       3,
		RiskLevel:              task.RiskMedium,
		ParallelizationBenefit: task.ParallelModerate,
		RecommendedMode:        "task",
		Confidence:             0.85,
	}
	data, err := json.Marshal(analysis)
	require.NoError(t, err)
	respond(t, nc, "taskmode.cmd.analyze_task_for_mode", envelope{Success: true, Data: data})

	got, err := client.AnalyzeTask(context.Background(), "Build X")
	require.NoError(t, err)
	assert.Equal(t, "task", got.RecommendedMode)
	assert.Equal(t, 3, got.EstimatedStories)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
}

func TestAnalyzeTask_BackendFailure(t *testing.T) {
	server := startTestNATSServer(t)
	client, nc := newClient(t, server)

	respond(t, nc, "taskmode.cmd.analyze_task_for_mode", envelope{Success: false, Error: "model unavailable"})

	_, err := client.AnalyzeTask(context.Background(), "Build X")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "analyze_task_for_mode", cmdErr.Command)
	assert.Contains(t, cmdErr.Message, "model unavailable")
}

func TestRequest_TimeoutNormalizedToCommandError(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	// Short timeout and no responder: the request must fail the same
	// way a structured backend failure does.
	client := NewNATSClient(nc, "taskmode.cmd", 100*time.Millisecond, logging.NewNop())

	_, err := client.ExecutionStatus(context.Background(), "sess-1")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "get_task_execution_status", cmdErr.Command)
}

func TestRequest_MalformedEnvelope(t *testing.T) {
	server := startTestNATSServer(t)
	client, nc := newClient(t, server)

	sub, err := nc.Subscribe("taskmode.cmd.enter_task_mode", func(msg *nats.Msg) {
		require.NoError(t, msg.Respond([]byte("not json")))
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	_, err = client.EnterTaskMode(context.Background(), "Build X")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, cmdErr.Message, "decode response")
}

func TestApprovePrd_AckRoundTrip(t *testing.T) {
	server := startTestNATSServer(t)
	client, nc := newClient(t, server)

	var gotPayload map[string]any
	sub, err := nc.Subscribe("taskmode.cmd.approve_task_prd", func(msg *nats.Msg) {
		require.NoError(t, json.Unmarshal(msg.Data, &gotPayload))
		require.NoError(t, msg.Respond([]byte(`{"success":true,"data":true}`)))
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	prd := &task.Prd{Title: "plan", Stories: []task.Story{{ID: "story-001", Title: "one"}}}
	err = client.ApprovePrd(context.Background(), "sess-1", prd, ApproveOptions{Provider: "openai"})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", gotPayload["sessionId"])
	assert.Equal(t, "openai", gotPayload["provider"])
	require.NotNil(t, gotPayload["prd"])
}

func TestApprovePrd_RejectedAck(t *testing.T) {
	server := startTestNATSServer(t)
	client, nc := newClient(t, server)

	respond(t, nc, "taskmode.cmd.approve_task_prd", envelope{Success: true, Data: json.RawMessage("false")})

	err := client.ApprovePrd(context.Background(), "sess-1", &task.Prd{}, ApproveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestExecutionStatus_Decode(t *testing.T) {
	server := startTestNATSServer(t)
	client, nc := newClient(t, server)

	status := task.ExecutionStatus{
		Status:       "running",
		CurrentBatch: 1,
		TotalBatches: 2,
		StoryStatuses: map[string]task.StoryStatus{
			"story-001": task.StoryCompleted,
			"story-002": task.StoryRunning,
		},
		StoriesCompleted: 1,
	}
	data, err := json.Marshal(status)
	require.NoError(t, err)
	respond(t, nc, "taskmode.cmd.get_task_execution_status", envelope{Success: true, Data: data})

	got, err := client.ExecutionStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentBatch)
	assert.Equal(t, task.StoryCompleted, got.StoryStatuses["story-001"])
}
