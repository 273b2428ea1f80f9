// Package gateway orchestrates the toolgate server components.
//
// # Overview
//
// The Gateway owns the SQLite store, the local tool registry, the delegate
// manager, the API key service, and the dispatch engine. It serves delegates
// over gRPC and users over HTTP, on plain TCP or on a tailnet via tsnet.
//
// # HTTP API
//
// Every /tools route requires a JWT bearer token whose sub claim is the user:
//
//   - GET /tools - Local tools plus tools declared by the user's delegates
//   - GET /tools/delegates - The user's connected delegates
//   - GET /tools/api-keys - The user's delegate API keys
//   - POST /tools/api-keys - Issue a key; the secret is returned once
//   - DELETE /tools/api-keys/{keyId} - Revoke a key and drop its delegates
//   - POST /tools/test - Run a tool, reporting failures in the body
//   - POST /tools/call - Run a tool under the configured policy
//   - GET /tools/calls - Recent tool call history
//
// /mcp serves the same tools over the Model Context Protocol, under the same
// token and the /tools/call policy. GET /health and GET /health/ready are
// unauthenticated.
//
// # gRPC Service
//
// Delegates connect to toolgate.v1.DelegateService/Connect with an API key in
// the authorization metadata and keep the stream open for as long as they
// serve tools.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Canceling the context triggers a graceful shutdown.
package gateway
