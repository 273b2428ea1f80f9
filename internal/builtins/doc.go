// Package builtins provides the tools the gateway runs in-process.
//
// Built-in tools are available to every user, whether or not a delegate is
// connected, and take priority over a delegate tool of the same name.
//
//   - current_time: the gateway clock in RFC 3339, optionally in an IANA zone
//   - echo: returns its message prefixed with "Echo: "
//
// Register adds them to a tools.Registry at startup:
//
//	builtins.Register(registry, builtins.Options{})
//
// Options.Now replaces the clock in tests.
package builtins
