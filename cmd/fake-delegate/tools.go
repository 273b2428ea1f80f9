// ABOUTME: Tools served by the fake delegate
// ABOUTME: build pretends to compile a target; shell_echo returns its text

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/toolgate/internal/delegate"
)

const (
	buildTool     = "build"
	shellEchoTool = "shell_echo"

	// maxBuildSeconds caps the simulated build duration.
	maxBuildSeconds = 60
)

func toolNames() []string {
	return []string{buildTool, shellEchoTool}
}

// handleCall runs one call and always returns a response for it.
func handleCall(ctx context.Context, req *delegate.CallRequest) *delegate.CallResponse {
	var resp *delegate.CallResponse
	switch req.ToolName {
	case buildTool:
		resp = runBuild(ctx, req.Input)
	case shellEchoTool:
		resp = runShellEcho(req.Input)
	default:
		resp = errorResponse(fmt.Sprintf("tool %q is not served here", req.ToolName))
	}
	resp.RequestID = req.RequestID
	return resp
}

func errorResponse(msg string) *delegate.CallResponse {
	return &delegate.CallResponse{IsError: true, Error: msg}
}

// runBuild waits input.seconds (default 0) and reports the target as built.
func runBuild(ctx context.Context, input map[string]any) *delegate.CallResponse {
	target, _ := input["target"].(string)
	if target == "" {
		target = "all"
	}

	var wait time.Duration
	if s, ok := input["seconds"].(float64); ok && s > 0 {
		wait = time.Duration(min(s, maxBuildSeconds) * float64(time.Second))
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return errorResponse("build cancelled")
		}
	}

	data, _ := json.Marshal(map[string]any{"target": target, "seconds": wait.Seconds()})
	return &delegate.CallResponse{
		Content: fmt.Sprintf("built %s in %s", target, wait),
		Data:    data,
	}
}

func runShellEcho(input map[string]any) *delegate.CallResponse {
	text, ok := input["text"].(string)
	if !ok {
		return errorResponse("text is required")
	}
	return &delegate.CallResponse{Content: text}
}
