// ABOUTME: current_time tool: reports the gateway clock, optionally in a named zone
// ABOUTME: Returns RFC 3339 text plus a structured payload

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/2389/toolgate/internal/tools"
)

// CurrentTimeTool is the name of the clock tool.
const CurrentTimeTool = "current_time"

type clockTool struct {
	now func() time.Time
}

func (c *clockTool) definition() tools.Definition {
	return tools.Definition{
		Name:        CurrentTimeTool,
		Description: "Get the current date and time",
		Schema: tools.Schema{
			"timezone": {Type: tools.TypeString, Description: "IANA zone name, e.g. Europe/Berlin; defaults to UTC"},
		},
	}
}

type clockPayload struct {
	ISO      string `json:"iso"`
	Unix     int64  `json:"unix"`
	Timezone string `json:"timezone"`
}

func (c *clockTool) handle(_ context.Context, _ string, input map[string]any) (*tools.Output, error) {
	loc := time.UTC
	if name, _ := input["timezone"].(string); name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", name)
		}
		loc = l
	}

	now := c.now().In(loc)
	payload := clockPayload{
		ISO:      now.Format(time.RFC3339),
		Unix:     now.Unix(),
		Timezone: loc.String(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &tools.Output{
		Text: fmt.Sprintf("Current time: %s (%s)", payload.ISO, payload.Timezone),
		Data: data,
	}, nil
}
