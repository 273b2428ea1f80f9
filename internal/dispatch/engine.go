// ABOUTME: Dispatch engine: policy checks, tool resolution, and the timeout race
// ABOUTME: Every call resolves to exactly one Result; nothing escapes as an error or panic

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/delegate"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/tools"
)

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	KindPolicy       ErrorKind = "policy"
	KindNotFound     ErrorKind = "not_found"
	KindValidation   ErrorKind = "validation"
	KindExecution    ErrorKind = "execution"
	KindTimeout      ErrorKind = "timeout"
	KindDisconnected ErrorKind = "disconnected"
	KindCancelled    ErrorKind = "cancelled"
)

// Result messages for engine-level failures.
const (
	MsgToolsDisabled  = "tools disabled"
	MsgToolNotEnabled = "tool not enabled for this context"
	MsgTimedOut       = "tool execution timed out"
	MsgDisconnected   = "delegate disconnected"
	MsgCancelled      = "tool execution cancelled"
)

// Call is a single tool invocation. An empty ID is replaced with a generated one.
type Call struct {
	ID       string
	ToolName string
	Input    map[string]any
}

// Result is the outcome of a call.
type Result struct {
	CallID     string          `json:"callId"`
	ToolName   string          `json:"toolName"`
	Content    string          `json:"content"`
	Data       json.RawMessage `json:"data,omitempty"`
	IsError    bool            `json:"isError"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  ErrorKind       `json:"errorKind,omitempty"`
	Source     string          `json:"source,omitempty"`
	DelegateID string          `json:"delegateId,omitempty"`
	Duration   time.Duration   `json:"-"`
}

// Recorder persists a summary of finished calls.
type Recorder interface {
	RecordToolCall(ctx context.Context, rec *store.ToolCallRecord) error
}

// Config contains configuration options for the Engine.
type Config struct {
	Tools     *tools.Registry
	Delegates DelegateResolver // optional
	Recorder  Recorder         // optional
	Logger    *slog.Logger
	Now       func() time.Time

	CallIDWindow   time.Duration
	CallIDCapacity int
}

// Engine executes tool calls.
type Engine struct {
	tools     *tools.Registry
	delegates DelegateResolver
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
	callIDs   *callIDSet
	telemetry *telemetry
}

const recordTimeout = 2 * time.Second

// NewEngine creates an Engine. Close releases its background sweeper.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatch")

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	window := cfg.CallIDWindow
	if window <= 0 {
		window = DefaultCallIDWindow
	}
	capacity := cfg.CallIDCapacity
	if capacity <= 0 {
		capacity = DefaultCallIDCapacity
	}

	return &Engine{
		tools:     cfg.Tools,
		delegates: cfg.Delegates,
		recorder:  cfg.Recorder,
		logger:    logger,
		now:       now,
		callIDs:   newCallIDSet(window, capacity, now),
		telemetry: newTelemetry(logger),
	}
}

// Close stops background work.
func (e *Engine) Close() {
	e.callIDs.close()
}

// resolve finds the executor for a tool. Local tools take priority.
func (e *Engine) resolve(userID, toolName string) (Executor, bool) {
	if e.tools != nil {
		if t, ok := e.tools.Lookup(toolName); ok {
			return &localExecutor{tool: t}, true
		}
	}
	if e.delegates != nil {
		if d, ok := e.delegates.ResolveExecutionTarget(userID, toolName); ok {
			return &delegateExecutor{delegate: d}, true
		}
	}
	return nil, false
}

// ExecuteTool runs a call for userID under policy. It always returns a Result;
// failures are reported through IsError and ErrorKind.
//
// A call that outlives the policy timeout has its context cancelled and its
// eventual output discarded. Side effects it has already performed stay in
// place.
func (e *Engine) ExecuteTool(ctx context.Context, call Call, userID string, policy Policy) (res Result) {
	start := e.now()
	callerSupplied := call.ID != ""
	if !callerSupplied {
		call.ID = uuid.NewString()
	}
	res = Result{CallID: call.ID, ToolName: call.ToolName}

	ctx, span := e.telemetry.start(ctx, call, userID)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("dispatch panic recovered", "tool_name", call.ToolName, "call_id", call.ID, "panic", r)
			res = fail(res, KindExecution, "internal error")
		}
		res.Duration = e.now().Sub(start)
		e.telemetry.finish(ctx, span, &res)
		e.record(ctx, userID, &res)
	}()

	if !policy.ToolsEnabled {
		return fail(res, KindPolicy, MsgToolsDisabled)
	}
	if !policy.Allows(call.ToolName) {
		return fail(res, KindPolicy, MsgToolNotEnabled)
	}
	if callerSupplied && e.callIDs.reserve(userID+"\x00"+call.ID) {
		return fail(res, KindValidation, "duplicate call id: "+call.ID)
	}

	exec, ok := e.resolve(userID, call.ToolName)
	if !ok {
		return fail(res, KindNotFound, "unknown tool: "+call.ToolName)
	}
	res.Source = exec.Source()
	res.DelegateID = exec.DelegateID()

	if err := exec.Validate(call.Input); err != nil {
		return fail(res, KindValidation, "invalid input: "+err.Error())
	}

	e.logger.Debug("→ executing tool",
		"tool_name", call.ToolName,
		"call_id", call.ID,
		"user_id", userID,
		"source", res.Source,
		"delegate_id", res.DelegateID,
	)

	out, err := e.race(ctx, exec, userID, call, policy.Timeout())
	if err != nil {
		kind, msg := e.classify(ctx, err)
		if kind == KindExecution {
			e.logger.Warn("tool execution failed", "tool_name", call.ToolName, "call_id", call.ID, "error", err)
		}
		return fail(res, kind, msg)
	}

	res.Content = out.Content
	res.Data = out.Data
	if out.IsError {
		res.IsError = true
		res.Error = out.Error
		res.ErrorKind = KindExecution
	}
	return res
}

// race runs the executor against the timeout. The result channel is buffered
// so a late finisher never blocks; its output is simply dropped.
func (e *Engine) race(ctx context.Context, exec Executor, userID string, call Call, timeout time.Duration) (*Output, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out *Output
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := exec.Execute(runCtx, userID, call)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil && o.out == nil {
			return &Output{}, nil
		}
		return o.out, o.err
	case <-runCtx.Done():
		return nil, runCtx.Err()
	}
}

func (e *Engine) classify(parent context.Context, err error) (ErrorKind, string) {
	var p *panicError
	switch {
	case errors.Is(err, delegate.ErrDelegateDisconnected):
		return KindDisconnected, MsgDisconnected
	case parent.Err() != nil:
		return KindCancelled, MsgCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout, MsgTimedOut
	case errors.As(err, &p):
		e.logger.Error("tool handler panicked", "panic", p.value, "stack", string(p.stack))
		return KindExecution, p.Error()
	}
	return KindExecution, err.Error()
}

func fail(res Result, kind ErrorKind, msg string) Result {
	res.IsError = true
	res.ErrorKind = kind
	res.Error = msg
	res.Content = msg
	return res
}

// record writes the audit row. Failures are logged, never surfaced.
func (e *Engine) record(ctx context.Context, userID string, res *Result) {
	if e.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	rec := &store.ToolCallRecord{
		ID:         uuid.NewString(),
		CallID:     res.CallID,
		UserID:     userID,
		ToolName:   res.ToolName,
		Source:     res.Source,
		DelegateID: res.DelegateID,
		IsError:    res.IsError,
		ErrorKind:  string(res.ErrorKind),
		Duration:   res.Duration,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.recorder.RecordToolCall(ctx, rec); err != nil {
		e.logger.Warn("failed to record tool call", "call_id", res.CallID, "error", err)
	}
}
