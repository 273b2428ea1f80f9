// Package auth authenticates callers of toolgate.
//
// # HTTP users
//
// The tool API expects an HS256 JWT in the Authorization header:
//
//	Authorization: Bearer <jwt>
//
// The "sub" claim is the user id. HTTPAuthMiddleware rejects missing, malformed,
// or expired tokens with 401 and a JSON error body.
//
// # Delegates
//
// Delegates open a gRPC stream with an API key issued by the apikeys package:
//
//	authorization: Bearer tgk_<key id>_<secret>
//
// StreamInterceptor resolves the key to its owning user, rejects revoked and
// expired keys, and throttles attempts per remote host with PeerLimiter.
//
// # Context
//
// Both paths attach an AuthContext retrievable with FromContext.
package auth
