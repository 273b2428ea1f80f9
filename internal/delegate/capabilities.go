// ABOUTME: Delegate capability flags and their normalization
// ABOUTME: Accepts either a list of flag names or an object of booleans

package delegate

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidCapabilities is returned when capabilities are neither a list of
// names nor an object of booleans.
var ErrInvalidCapabilities = errors.New("invalid capabilities")

// Capability flag names as they appear on the wire.
const (
	CapManagedInstall = "managedInstall"
	CapCanFileAccess  = "canFileAccess"
	CapCanShellAccess = "canShellAccess"
)

// Capabilities is the normalized capability record of a delegate.
// Flags that were not declared are false.
type Capabilities struct {
	ManagedInstall bool `json:"managedInstall"`
	CanFileAccess  bool `json:"canFileAccess"`
	CanShellAccess bool `json:"canShellAccess"`
}

// set turns on a named flag. Unknown names are ignored.
func (c *Capabilities) set(name string, on bool) {
	switch name {
	case CapManagedInstall:
		c.ManagedInstall = on
	case CapCanFileAccess:
		c.CanFileAccess = on
	case CapCanShellAccess:
		c.CanShellAccess = on
	}
}

// Names returns the enabled flags in a stable order.
func (c Capabilities) Names() []string {
	names := make([]string, 0, 3)
	if c.ManagedInstall {
		names = append(names, CapManagedInstall)
	}
	if c.CanFileAccess {
		names = append(names, CapCanFileAccess)
	}
	if c.CanShellAccess {
		names = append(names, CapCanShellAccess)
	}
	return names
}

// ParseCapabilities normalizes a decoded capabilities value. It accepts nil,
// a list of flag names ([]any or []string), or an object of booleans
// (map[string]any or map[string]bool).
func ParseCapabilities(v any) (Capabilities, error) {
	var caps Capabilities

	switch val := v.(type) {
	case nil:
		return caps, nil

	case []string:
		for _, name := range val {
			caps.set(name, true)
		}

	case []any:
		for i, item := range val {
			name, ok := item.(string)
			if !ok {
				return Capabilities{}, fmt.Errorf("%w: list element %d is %T, want string", ErrInvalidCapabilities, i, item)
			}
			caps.set(name, true)
		}

	case map[string]bool:
		for name, on := range val {
			caps.set(name, on)
		}

	case map[string]any:
		for name, item := range val {
			on, ok := item.(bool)
			if !ok {
				return Capabilities{}, fmt.Errorf("%w: flag %q is %T, want bool", ErrInvalidCapabilities, name, item)
			}
			caps.set(name, on)
		}

	default:
		return Capabilities{}, fmt.Errorf("%w: got %T", ErrInvalidCapabilities, v)
	}

	return caps, nil
}

// UnmarshalJSON accepts both capability shapes.
func (c *Capabilities) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCapabilities, err)
	}
	caps, err := ParseCapabilities(raw)
	if err != nil {
		return err
	}
	*c = caps
	return nil
}
