// ABOUTME: echo tool: returns its message prefixed with "Echo: "
// ABOUTME: Used to check the dispatch path end to end

package builtins

import (
	"context"

	"github.com/2389/toolgate/internal/tools"
)

// EchoTool is the name of the echo tool.
const EchoTool = "echo"

func echoDefinition() tools.Definition {
	return tools.Definition{
		Name:        EchoTool,
		Description: "Echo a message back",
		Schema: tools.Schema{
			"message": {Type: tools.TypeString, Required: true, Description: "Text to echo"},
		},
	}
}

func handleEcho(_ context.Context, _ string, input map[string]any) (*tools.Output, error) {
	msg, _ := input["message"].(string)
	return &tools.Output{Text: "Echo: " + msg}, nil
}
