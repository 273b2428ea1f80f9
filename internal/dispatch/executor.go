// ABOUTME: Executors run a resolved tool: in-process handlers or a remote delegate
// ABOUTME: Both present the same execute-with-deadline contract to the engine

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/delegate"
	"github.com/2389/toolgate/internal/tools"
)

// Output is what an executor produced. IsError marks a failure reported by
// the tool itself, as opposed to a failure to execute it.
type Output struct {
	Content string
	Data    json.RawMessage
	IsError bool
	Error   string
}

// Executor runs one resolved tool.
type Executor interface {
	Source() string
	DelegateID() string
	Validate(input map[string]any) error
	Execute(ctx context.Context, userID string, call Call) (*Output, error)
}

// DelegateResolver finds the delegate that executes a tool for a user.
type DelegateResolver interface {
	ResolveExecutionTarget(userID, toolName string) (*delegate.Delegate, bool)
}

type localExecutor struct {
	tool *tools.Tool
}

func (e *localExecutor) Source() string     { return tools.SourceLocal }
func (e *localExecutor) DelegateID() string { return "" }

func (e *localExecutor) Validate(input map[string]any) error {
	return e.tool.ValidateInput(input)
}

// Execute calls the handler, converting a panic into an error.
func (e *localExecutor) Execute(ctx context.Context, userID string, call Call) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	res, err := e.tool.Handler(ctx, userID, call.Input)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &Output{}, nil
	}
	return &Output{Content: res.Text, Data: res.Data}, nil
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("tool panicked: %v", p.value)
}

type delegateExecutor struct {
	delegate *delegate.Delegate
}

func (e *delegateExecutor) Source() string     { return tools.SourceDelegate }
func (e *delegateExecutor) DelegateID() string { return e.delegate.ID }

// Validate accepts any input; delegates declare names only.
func (e *delegateExecutor) Validate(map[string]any) error { return nil }

func (e *delegateExecutor) Execute(ctx context.Context, userID string, call Call) (*Output, error) {
	resp, err := e.delegate.Call(ctx, &delegate.CallRequest{
		RequestID: uuid.NewString(),
		ToolName:  call.ToolName,
		UserID:    userID,
		Input:     call.Input,
	})
	if err != nil {
		return nil, err
	}

	out := &Output{
		Content: resp.Content,
		Data:    resp.Data,
		IsError: resp.IsError,
		Error:   resp.Error,
	}
	if out.IsError {
		if out.Error == "" {
			out.Error = out.Content
		}
		if out.Content == "" {
			out.Content = out.Error
		}
		if out.Error == "" {
			out.Error = "delegate reported an error"
			out.Content = out.Error
		}
	}
	return out, nil
}
