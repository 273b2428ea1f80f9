// Package mcp exposes a user's tools over the Model Context Protocol.
//
// # Overview
//
// MCP clients (editors, chat apps, other agents) can list and call the same
// tools the HTTP API offers: the gateway's local tools plus whatever the
// user's connected delegates declare. Calls go through the dispatch engine, so
// policy, timeouts, and history recording apply unchanged.
//
// # Protocol
//
// JSON-RPC 2.0 over the Streamable HTTP transport on a single endpoint:
//
//   - POST /mcp - initialize, ping, tools/list, tools/call, notifications
//   - DELETE /mcp - end the session named by Mcp-Session-Id
//
// Server-initiated SSE streams are not offered; GET returns 405.
//
// # Authentication
//
// The endpoint is mounted behind the gateway's JWT middleware:
//
//	Authorization: Bearer <user token>
//
// initialize returns an Mcp-Session-Id header. Later requests must send it, and
// a session can only be used by the user who created it.
//
// # Errors
//
// An unknown tool is a JSON-RPC invalid-params error. Every other failure
// (policy, validation, timeout, delegate disconnect) is a normal tools/call
// result with isError set and the message as text content.
package mcp
