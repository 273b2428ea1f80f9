// ABOUTME: Registers the gateway's in-process tools
// ABOUTME: current_time and echo are available to every user without a delegate

package builtins

import (
	"time"

	"github.com/2389/toolgate/internal/tools"
)

// Options configures the built-in tools.
type Options struct {
	Now func() time.Time // time.Now when nil
}

// Register adds every built-in tool to the registry.
func Register(r *tools.Registry, opts Options) error {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	clock := &clockTool{now: now}
	if err := r.Register(clock.definition(), clock.handle); err != nil {
		return err
	}
	if err := r.Register(echoDefinition(), handleEcho); err != nil {
		return err
	}
	return nil
}
