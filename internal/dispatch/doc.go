// Package dispatch executes tool calls under a per-call Policy.
//
// A call is checked against the policy, resolved to a local handler or a
// connected delegate, and raced against its timeout. Whatever happens, the
// caller gets exactly one Result.
package dispatch
