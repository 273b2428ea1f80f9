// ABOUTME: Per-call execution policy: tool enablement, allow-list, and timeout
// ABOUTME: Supplied by the calling context, never global

package dispatch

import (
	"slices"
	"time"
)

// DefaultToolTimeout applies when a policy carries no positive timeout.
const DefaultToolTimeout = 30 * time.Second

// Policy governs a single call.
type Policy struct {
	ToolsEnabled bool

	// EnabledTools restricts which tools may run. nil allows every tool;
	// a non-nil slice, even an empty one, is an allow-list.
	EnabledTools []string

	ToolTimeout time.Duration
}

// DefaultPolicy enables every tool with the default timeout.
func DefaultPolicy() Policy {
	return Policy{ToolsEnabled: true, ToolTimeout: DefaultToolTimeout}
}

// Allows reports whether the allow-list admits the tool.
func (p Policy) Allows(toolName string) bool {
	if p.EnabledTools == nil {
		return true
	}
	return slices.Contains(p.EnabledTools, toolName)
}

// Timeout returns the effective timeout.
func (p Policy) Timeout() time.Duration {
	if p.ToolTimeout <= 0 {
		return DefaultToolTimeout
	}
	return p.ToolTimeout
}
