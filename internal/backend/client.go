// Package backend is the narrow command/event interface to the remote
// service that performs analysis, PRD generation, and code execution.
// Commands are NATS request/reply with a {success, data, error}
// envelope; progress arrives on a single named event stream.
//
// All failures — structured backend errors, transport errors, and
// serialization errors — normalize to *CommandError so callers have
// one error shape to handle.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/task"
)

// Command names on the wire, appended to the configured prefix.
const (
	cmdAnalyzeTask         = "analyze_task_for_mode"
	cmdEnterTaskMode       = "enter_task_mode"
	cmdGeneratePrd         = "generate_task_prd"
	cmdSubmitClarification = "submit_task_clarification"
	cmdApprovePrd          = "approve_task_prd"
	cmdExecutionStatus     = "get_task_execution_status"
	cmdCancelExecution     = "cancel_task_execution"
	cmdExecutionReport     = "get_task_execution_report"
	cmdExitTaskMode        = "exit_task_mode"
)

// CommandError is the single error shape for backend failures,
// whether the backend returned success:false or the transport itself
// failed.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("backend command %s failed: %s", e.Command, e.Message)
}

// PrdOptions tunes PRD generation.
type PrdOptions struct {
	Provider            string                     `json:"provider,omitempty"`
	Model               string                     `json:"model,omitempty"`
	BaseURL             string                     `json:"baseUrl,omitempty"`
	ConversationHistory []task.ClarificationAnswer `json:"conversationHistory,omitempty"`
	MaxContextTokens    int                        `json:"maxContextTokens,omitempty"`
	ContextSources      []string                   `json:"contextSources,omitempty"`
}

// ApproveOptions tunes PRD approval and the execution it kicks off.
type ApproveOptions struct {
	Provider       string            `json:"provider,omitempty"`
	Model          string            `json:"model,omitempty"`
	BaseURL        string            `json:"baseUrl,omitempty"`
	PhaseConfigs   map[string]string `json:"phaseConfigs,omitempty"`
	ContextSources []string          `json:"contextSources,omitempty"`
}

// Client is the backend command surface consumed by the workflow
// phase machine.
type Client interface {
	AnalyzeTask(ctx context.Context, description string) (*task.StrategyAnalysis, error)
	EnterTaskMode(ctx context.Context, description string) (*task.Session, error)
	GeneratePrd(ctx context.Context, sessionID string, opts PrdOptions) (*task.Prd, error)
	SubmitClarification(ctx context.Context, sessionID string, answers []task.ClarificationAnswer) (*task.ClarificationRound, error)
	ApprovePrd(ctx context.Context, sessionID string, prd *task.Prd, opts ApproveOptions) error
	ExecutionStatus(ctx context.Context, sessionID string) (*task.ExecutionStatus, error)
	CancelExecution(ctx context.Context, sessionID string) error
	ExecutionReport(ctx context.Context, sessionID string) (*task.ExecutionReport, error)
	ExitTaskMode(ctx context.Context, sessionID string) error
}

// envelope is the wire shape of every command response.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// NATSClient implements Client over NATS request/reply.
type NATSClient struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	log     *logging.Logger
	tracer  trace.Tracer
}

// NewNATSClient creates a client publishing commands under prefix
// (subject "<prefix>.<command>") with the given per-request timeout.
func NewNATSClient(nc *nats.Conn, prefix string, timeout time.Duration, log *logging.Logger) *NATSClient {
	return &NATSClient{
		nc:      nc,
		prefix:  prefix,
		timeout: timeout,
		log:     log.Named("backend"),
		tracer:  otel.Tracer(instrumentationName),
	}
}

// request performs one command round trip and decodes the envelope
// data into result (ignored when result is nil).
func (c *NATSClient) request(ctx context.Context, command string, payload, result any) error {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "backend."+command)
	defer span.End()

	err := c.doRequest(ctx, command, payload, result)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome),
	)
	commandCounter.Add(ctx, 1, attrs)
	commandDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	return err
}

func (c *NATSClient) doRequest(ctx context.Context, command string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &CommandError{Command: command, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, c.prefix+"."+command, body)
	if err != nil {
		return &CommandError{Command: command, Message: err.Error()}
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return &CommandError{Command: command, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if !env.Success {
		message := env.Error
		if message == "" {
			message = "backend reported failure without detail"
		}
		return &CommandError{Command: command, Message: message}
	}
	if result != nil {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return &CommandError{Command: command, Message: fmt.Sprintf("decode response data: %v", err)}
		}
	}
	return nil
}

// requestAck handles commands whose data payload is a bare bool ack.
func (c *NATSClient) requestAck(ctx context.Context, command string, payload any) error {
	var ok bool
	if err := c.request(ctx, command, payload, &ok); err != nil {
		return err
	}
	if !ok {
		return &CommandError{Command: command, Message: "backend rejected the request"}
	}
	return nil
}

func (c *NATSClient) AnalyzeTask(ctx context.Context, description string) (*task.StrategyAnalysis, error) {
	var analysis task.StrategyAnalysis
	payload := map[string]string{"description": description}
	if err := c.request(ctx, cmdAnalyzeTask, payload, &analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

func (c *NATSClient) EnterTaskMode(ctx context.Context, description string) (*task.Session, error) {
	var session task.Session
	payload := map[string]string{"description": description}
	if err := c.request(ctx, cmdEnterTaskMode, payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *NATSClient) GeneratePrd(ctx context.Context, sessionID string, opts PrdOptions) (*task.Prd, error) {
	var prd task.Prd
	payload := struct {
		SessionID string `json:"sessionId"`
		PrdOptions
	}{SessionID: sessionID, PrdOptions: opts}
	if err := c.request(ctx, cmdGeneratePrd, payload, &prd); err != nil {
		return nil, err
	}
	return &prd, nil
}

func (c *NATSClient) SubmitClarification(ctx context.Context, sessionID string, answers []task.ClarificationAnswer) (*task.ClarificationRound, error) {
	var round task.ClarificationRound
	payload := struct {
		SessionID string                     `json:"sessionId"`
		Answers   []task.ClarificationAnswer `json:"answers"`
	}{SessionID: sessionID, Answers: answers}
	if err := c.request(ctx, cmdSubmitClarification, payload, &round); err != nil {
		return nil, err
	}
	return &round, nil
}

func (c *NATSClient) ApprovePrd(ctx context.Context, sessionID string, prd *task.Prd, opts ApproveOptions) error {
	payload := struct {
		SessionID string    `json:"sessionId"`
		Prd       *task.Prd `json:"prd"`
		ApproveOptions
	}{SessionID: sessionID, Prd: prd, ApproveOptions: opts}
	return c.requestAck(ctx, cmdApprovePrd, payload)
}

func (c *NATSClient) ExecutionStatus(ctx context.Context, sessionID string) (*task.ExecutionStatus, error) {
	var status task.ExecutionStatus
	payload := map[string]string{"sessionId": sessionID}
	if err := c.request(ctx, cmdExecutionStatus, payload, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *NATSClient) CancelExecution(ctx context.Context, sessionID string) error {
	payload := map[string]string{"sessionId": sessionID}
	return c.requestAck(ctx, cmdCancelExecution, payload)
}

func (c *NATSClient) ExecutionReport(ctx context.Context, sessionID string) (*task.ExecutionReport, error) {
	var report task.ExecutionReport
	payload := map[string]string{"sessionId": sessionID}
	if err := c.request(ctx, cmdExecutionReport, payload, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *NATSClient) ExitTaskMode(ctx context.Context, sessionID string) error {
	payload := map[string]string{"sessionId": sessionID}
	return c.requestAck(ctx, cmdExitTaskMode, payload)
}
