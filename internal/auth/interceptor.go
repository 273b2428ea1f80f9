// ABOUTME: gRPC stream interceptor authenticating delegates with API keys
// ABOUTME: Extracts the key from metadata, throttles per peer, and populates context

package auth

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/toolgate/internal/apikeys"
)

// KeyAuthenticator resolves an API key secret to its owner.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, secret string) (*apikeys.Identity, error)
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if addr := peerAddr(ctx); addr != "" {
		baseAttrs = append(baseAttrs, "peer_addr", addr)
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates
// delegates by the API key in the "authorization: Bearer <key>" metadata.
// limiter may be nil to disable throttling.
func StreamInterceptor(keys KeyAuthenticator, limiter *PeerLimiter, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		authCtx, err := extractKeyAuth(ss.Context(), keys, limiter, logger)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), authCtx),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func extractKeyAuth(ctx context.Context, keys KeyAuthenticator, limiter *PeerLimiter, logger *slog.Logger) (*AuthContext, error) {
	if limiter != nil && !limiter.Allow(peerAddr(ctx)) {
		logAuthFailure(logger, ctx, "rate_limited")
		return nil, status.Error(codes.ResourceExhausted, "too many authentication attempts")
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	headers := md.Get("authorization")
	if len(headers) == 0 {
		logAuthFailure(logger, ctx, "missing_authorization")
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	secret, errMsg := extractBearerToken(headers[0])
	if errMsg != "" {
		logAuthFailure(logger, ctx, "bad_authorization", "error", errMsg)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	identity, err := keys.Authenticate(ctx, secret)
	switch {
	case err == nil:
	case errors.Is(err, apikeys.ErrKeyRevoked):
		logAuthFailure(logger, ctx, "key_revoked")
		return nil, status.Error(codes.Unauthenticated, "api key revoked")
	case errors.Is(err, apikeys.ErrKeyExpired):
		logAuthFailure(logger, ctx, "key_expired")
		return nil, status.Error(codes.Unauthenticated, "api key expired")
	case errors.Is(err, apikeys.ErrInvalidKey):
		logAuthFailure(logger, ctx, "invalid_key")
		return nil, status.Error(codes.Unauthenticated, "invalid api key")
	default:
		if logger != nil {
			logger.Error("api key lookup failed", "error", err)
		}
		return nil, status.Error(codes.Unavailable, "credential store unavailable")
	}

	return &AuthContext{
		UserID: identity.UserID,
		KeyID:  identity.KeyID,
		Kind:   KindDelegate,
	}, nil
}
