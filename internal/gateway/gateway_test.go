// ABOUTME: Tests for gateway construction, lifecycle, and health endpoints
// ABOUTME: Runs the real servers on loopback ports with an in-memory store

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/delegate"
	"github.com/2389/toolgate/internal/dispatch"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	// Find available ports
	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available gRPC port: %v", err)
	}
	grpcAddr := grpcListener.Addr().String()
	grpcListener.Close()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: grpcAddr,
			HTTPAddr: httpAddr,
		},
		Database: config.DatabaseConfig{
			Path: ":memory:",
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-that-is-at-least-32-bytes",
		},
		Tools: config.ToolsConfig{
			Timeout:     5 * time.Second,
			TestTimeout: 5 * time.Second,
		},
		Delegates: config.DelegatesConfig{
			AuthRatePerSecond: 100,
			AuthBurst:         100,
			OutboxSize:        16,
		},
		APIKeys: config.APIKeysConfig{
			BcryptCost: bcrypt.MinCost,
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway runs gw until the test ends and waits for it to answer on HTTP.
func startGateway(t *testing.T, gw *Gateway) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run() returned error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("gateway did not shut down")
		}
	})

	url := "http://" + gw.config.Server.HTTPAddr + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.store == nil {
		t.Error("store should not be nil")
	}
	if gw.delegates == nil {
		t.Error("delegates should not be nil")
	}
	if gw.engine == nil {
		t.Error("engine should not be nil")
	}
	if _, ok := gw.tools.Lookup("echo"); !ok {
		t.Error("builtin tools should be registered")
	}
}

func TestGatewayNewRejectsShortSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""

	if _, err := New(cfg, testLogger()); err == nil {
		t.Error("New() should fail without a JWT secret")
	}
}

func TestPoliciesFromConfig(t *testing.T) {
	disabled := false
	call, test := policiesFromConfig(config.ToolsConfig{
		Enabled:      &disabled,
		EnabledTools: []string{"echo"},
		Timeout:      3 * time.Second,
		TestTimeout:  7 * time.Second,
	})

	assert.False(t, call.ToolsEnabled)
	assert.Equal(t, []string{"echo"}, call.EnabledTools)
	assert.Equal(t, 3*time.Second, call.Timeout())

	assert.True(t, test.ToolsEnabled)
	assert.Nil(t, test.EnabledTools)
	assert.Equal(t, 7*time.Second, test.Timeout())

	call, _ = policiesFromConfig(config.ToolsConfig{})
	assert.True(t, call.ToolsEnabled)
	assert.Equal(t, dispatch.DefaultToolTimeout, call.Timeout())
}

func TestHealthEndpoints(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	_, err = gw.delegates.Connect(delegate.Registration{UserID: "user-1", Tools: []string{"build"}})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (1 delegates)", rec.Body.String())
}

func TestReadyFailsWhenStoreClosed(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())
	require.NoError(t, gw.store.Close())

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	_, err = http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	assert.Error(t, err, "HTTP server should be stopped")
}

func TestGatewayRunFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.Server.GRPCAddr = busy.Addr().String()

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	err = gw.Run(context.Background())
	assert.ErrorContains(t, err, "listening on gRPC address")
}

func TestDelegateOverGRPC(t *testing.T) {
	h := newAPIHarness(t)
	startGateway(t, h.gw)

	created, err := h.gw.apiKeys.Create(context.Background(), "user-1", "laptop", nil)
	require.NoError(t, err)

	conn, err := grpc.NewClient(h.gw.config.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := delegate.Connect(ctx, conn, delegate.ClientOptions{
		APIKey:       created.Secret,
		DelegateID:   "laptop",
		Tools:        []string{"build"},
		Capabilities: []string{delegate.CapCanShellAccess},
	})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "user-1", client.UserID)

	// Answer calls until the stream ends.
	recvErr := make(chan error, 1)
	go func() {
		for {
			in, err := client.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			if in.Type == delegate.FrameCall {
				_ = client.SendResult(&delegate.CallResponse{
					RequestID: in.RequestID,
					Content:   "built " + in.Call.Input["target"].(string),
				})
			}
		}
	}()

	rec := h.do(http.MethodPost, "/tools/call", "user-1", CallToolRequest{
		ToolName: "build",
		Input:    map[string]any{"target": "app"},
	})
	res := decodeBody[dispatch.Result](t, rec)
	require.False(t, res.IsError, res.Error)
	assert.Equal(t, "built app", res.Content)
	assert.Equal(t, "laptop", res.DelegateID)

	d, ok := h.gw.delegates.Get("laptop")
	require.True(t, ok)
	assert.True(t, d.Capabilities.CanShellAccess)

	// Revoking the key drops its live delegate.
	rec = h.do(http.MethodDelete, "/tools/api-keys/"+created.Key.ID, "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case err := <-recvErr:
		assert.Equal(t, codes.Aborted, status.Code(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("delegate stream was not closed after revocation")
	}
	assert.Equal(t, 0, h.gw.delegates.Count())

	// The revoked key can no longer connect.
	_, err = delegate.Connect(ctx, conn, delegate.ClientOptions{APIKey: created.Secret})
	assert.Equal(t, codes.Unauthenticated, status.Code(err), "got %v", err)
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/toolgate")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/toolgate", dir)

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, home+"/.local/share/toolgate/tailscale", dir)
}
