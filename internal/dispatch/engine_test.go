// ABOUTME: Tests for the dispatch engine's policy, resolution, and timeout behavior
// ABOUTME: Covers local handlers, delegate forwarding, and result normalization

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/delegate"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoHandler(_ context.Context, _ string, input map[string]any) (*tools.Output, error) {
	return &tools.Output{Text: fmt.Sprintf("Echo: %v", input["message"])}, nil
}

type harness struct {
	registry *tools.Registry
	manager  *delegate.Manager
	engine   *Engine
	recorder *fakeRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	registry := tools.NewRegistry(testLogger())
	registry.MustRegister(tools.Definition{
		Name:   "echo",
		Schema: tools.Schema{"message": {Type: tools.TypeString, Required: true}},
	}, echoHandler)

	manager := delegate.NewManager(delegate.ManagerConfig{Logger: testLogger()})
	recorder := &fakeRecorder{}

	engine := NewEngine(Config{
		Tools:     registry,
		Delegates: manager,
		Recorder:  recorder,
		Logger:    testLogger(),
	})
	t.Cleanup(engine.Close)
	t.Cleanup(manager.Close)

	return &harness{registry: registry, manager: manager, engine: engine, recorder: recorder}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*store.ToolCallRecord
	err     error
}

func (f *fakeRecorder) RecordToolCall(_ context.Context, rec *store.ToolCallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) all() []*store.ToolCallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.ToolCallRecord(nil), f.records...)
}

func TestExecuteTool_EchoScenario(t *testing.T) {
	h := newHarness(t)

	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo", Input: map[string]any{"message": "hi"}}, "user-1", DefaultPolicy())

	assert.False(t, res.IsError)
	assert.Equal(t, "Echo: hi", res.Content)
	assert.Equal(t, tools.SourceLocal, res.Source)
	assert.NotEmpty(t, res.CallID)
	assert.Empty(t, res.ErrorKind)
}

func TestExecuteTool_UnknownTool(t *testing.T) {
	h := newHarness(t)

	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "frobnicate"}, "user-1", DefaultPolicy())

	assert.True(t, res.IsError)
	assert.Equal(t, KindNotFound, res.ErrorKind)
	assert.Contains(t, res.Content, "unknown tool")
	assert.Contains(t, res.Content, "frobnicate")
}

func TestExecuteTool_PolicyFailures(t *testing.T) {
	h := newHarness(t)
	input := map[string]any{"message": "hi"}

	t.Run("tools disabled", func(t *testing.T) {
		res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo", Input: input}, "user-1", Policy{ToolsEnabled: false})
		assert.True(t, res.IsError)
		assert.Equal(t, KindPolicy, res.ErrorKind)
		assert.Equal(t, MsgToolsDisabled, res.Content)
	})

	t.Run("not in allow-list", func(t *testing.T) {
		policy := Policy{ToolsEnabled: true, EnabledTools: []string{"current_time"}}
		res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo", Input: input}, "user-1", policy)
		assert.True(t, res.IsError)
		assert.Equal(t, MsgToolNotEnabled, res.Content)
	})

	t.Run("empty allow-list admits nothing", func(t *testing.T) {
		policy := Policy{ToolsEnabled: true, EnabledTools: []string{}}
		res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo", Input: input}, "user-1", policy)
		assert.Equal(t, MsgToolNotEnabled, res.Content)
	})

	t.Run("in allow-list", func(t *testing.T) {
		policy := Policy{ToolsEnabled: true, EnabledTools: []string{"echo"}}
		res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo", Input: input}, "user-1", policy)
		assert.False(t, res.IsError)
	})
}

func TestExecuteTool_InvalidInput(t *testing.T) {
	h := newHarness(t)

	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo", Input: map[string]any{"message": 42}}, "user-1", DefaultPolicy())
	assert.True(t, res.IsError)
	assert.Equal(t, KindValidation, res.ErrorKind)
	assert.Contains(t, res.Content, "invalid input")

	res = h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo"}, "user-1", DefaultPolicy())
	assert.Equal(t, KindValidation, res.ErrorKind)
}

func TestExecuteTool_HandlerErrorAndPanic(t *testing.T) {
	h := newHarness(t)
	h.registry.MustRegister(tools.Definition{Name: "fails"}, func(context.Context, string, map[string]any) (*tools.Output, error) {
		return nil, errors.New("disk on fire")
	})
	h.registry.MustRegister(tools.Definition{Name: "panics"}, func(context.Context, string, map[string]any) (*tools.Output, error) {
		panic("boom")
	})

	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "fails"}, "user-1", DefaultPolicy())
	assert.True(t, res.IsError)
	assert.Equal(t, KindExecution, res.ErrorKind)
	assert.Equal(t, "disk on fire", res.Content)

	res = h.engine.ExecuteTool(context.Background(), Call{ToolName: "panics"}, "user-1", DefaultPolicy())
	assert.True(t, res.IsError)
	assert.Equal(t, KindExecution, res.ErrorKind)
	assert.Contains(t, res.Content, "boom")

	// The engine keeps working after a panic.
	res = h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo", Input: map[string]any{"message": "still here"}}, "user-1", DefaultPolicy())
	assert.False(t, res.IsError)
}

func TestExecuteTool_LocalTimeoutDiscardsLateResult(t *testing.T) {
	h := newHarness(t)

	finished := make(chan struct{})
	h.registry.MustRegister(tools.Definition{Name: "stubborn"}, func(context.Context, string, map[string]any) (*tools.Output, error) {
		// Ignores cancellation on purpose.
		time.Sleep(300 * time.Millisecond)
		close(finished)
		return &tools.Output{Text: "too late"}, nil
	})

	sawCancel := make(chan struct{})
	h.registry.MustRegister(tools.Definition{Name: "polite"}, func(ctx context.Context, _ string, _ map[string]any) (*tools.Output, error) {
		<-ctx.Done()
		close(sawCancel)
		return nil, ctx.Err()
	})

	policy := Policy{ToolsEnabled: true, ToolTimeout: 50 * time.Millisecond}

	start := time.Now()
	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "stubborn"}, "user-1", policy)
	elapsed := time.Since(start)

	assert.True(t, res.IsError)
	assert.Equal(t, KindTimeout, res.ErrorKind)
	assert.Equal(t, MsgTimedOut, res.Content)
	assert.Less(t, elapsed, 250*time.Millisecond)

	<-finished

	res = h.engine.ExecuteTool(context.Background(), Call{ToolName: "polite"}, "user-1", policy)
	assert.Equal(t, KindTimeout, res.ErrorKind)
	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestExecuteTool_ParentCancelled(t *testing.T) {
	h := newHarness(t)
	h.registry.MustRegister(tools.Definition{Name: "slow"}, func(ctx context.Context, _ string, _ map[string]any) (*tools.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := h.engine.ExecuteTool(ctx, Call{ToolName: "slow"}, "user-1", DefaultPolicy())
	assert.True(t, res.IsError)
	assert.Equal(t, KindCancelled, res.ErrorKind)
	assert.Equal(t, MsgCancelled, res.Content)
}

func TestExecuteTool_DuplicateCallID(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	registry := tools.NewRegistry(testLogger())
	registry.MustRegister(tools.Definition{Name: "echo"}, echoHandler)
	engine := NewEngine(Config{Tools: registry, Logger: testLogger(), Now: clock})
	defer engine.Close()

	call := Call{ID: "call-1", ToolName: "echo", Input: map[string]any{"message": "a"}}

	first := engine.ExecuteTool(context.Background(), call, "user-1", DefaultPolicy())
	require.False(t, first.IsError)
	assert.Equal(t, "call-1", first.CallID)

	second := engine.ExecuteTool(context.Background(), call, "user-1", DefaultPolicy())
	assert.True(t, second.IsError)
	assert.Equal(t, KindValidation, second.ErrorKind)

	other := engine.ExecuteTool(context.Background(), call, "user-2", DefaultPolicy())
	assert.False(t, other.IsError, "call ids are scoped per user")

	mu.Lock()
	now = now.Add(DefaultCallIDWindow)
	mu.Unlock()

	again := engine.ExecuteTool(context.Background(), call, "user-1", DefaultPolicy())
	assert.False(t, again.IsError, "id is reusable once the window passes")
}

func TestExecuteTool_Records(t *testing.T) {
	h := newHarness(t)

	h.engine.ExecuteTool(context.Background(), Call{ID: "c1", ToolName: "echo", Input: map[string]any{"message": "x"}}, "user-1", DefaultPolicy())
	h.engine.ExecuteTool(context.Background(), Call{ID: "c2", ToolName: "nope"}, "user-1", DefaultPolicy())

	records := h.recorder.all()
	require.Len(t, records, 2)
	assert.Equal(t, "c1", records[0].CallID)
	assert.Equal(t, tools.SourceLocal, records[0].Source)
	assert.False(t, records[0].IsError)
	assert.Equal(t, "c2", records[1].CallID)
	assert.True(t, records[1].IsError)
	assert.Equal(t, string(KindNotFound), records[1].ErrorKind)

	// Recorder failures never change the result.
	h.recorder.err = errors.New("store down")
	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo", Input: map[string]any{"message": "x"}}, "user-1", DefaultPolicy())
	assert.False(t, res.IsError)
}

// respond answers every call on d with fn until d closes.
func respond(d *delegate.Delegate, fn func(*delegate.CallRequest) *delegate.CallResponse) {
	go func() {
		for {
			select {
			case out := <-d.Outbox():
				if out.Kind != delegate.OutboundCall {
					continue
				}
				resp := fn(out.Call)
				if resp != nil {
					resp.RequestID = out.RequestID
					d.HandleResponse(resp)
				}
			case <-d.Done():
				return
			}
		}
	}()
}

func TestExecuteTool_DelegateBuildTimesOut(t *testing.T) {
	h := newHarness(t)
	d, err := h.manager.Connect(delegate.Registration{DelegateID: "D", UserID: "U", Tools: []string{"build"}})
	require.NoError(t, err)

	policy := Policy{ToolsEnabled: true, ToolTimeout: 1000 * time.Millisecond}

	start := time.Now()
	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "build"}, "U", policy)
	elapsed := time.Since(start)

	assert.True(t, res.IsError)
	assert.Equal(t, KindTimeout, res.ErrorKind)
	assert.Contains(t, res.Content, "timed out")
	assert.Equal(t, tools.SourceDelegate, res.Source)
	assert.Equal(t, "D", res.DelegateID)
	assert.GreaterOrEqual(t, elapsed, 1000*time.Millisecond)
	assert.Less(t, elapsed, 1100*time.Millisecond)

	call := <-d.Outbox()
	assert.Equal(t, delegate.OutboundCall, call.Kind)
	assert.Equal(t, "build", call.Call.ToolName)
	assert.Equal(t, "U", call.Call.UserID)
	assert.Eventually(t, func() bool { return d.PendingCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestExecuteTool_DelegateResponses(t *testing.T) {
	h := newHarness(t)
	d, err := h.manager.Connect(delegate.Registration{DelegateID: "D", UserID: "U", Tools: []string{"build", "lint"}})
	require.NoError(t, err)

	respond(d, func(req *delegate.CallRequest) *delegate.CallResponse {
		if req.ToolName == "lint" {
			return &delegate.CallResponse{IsError: true, Error: "3 warnings"}
		}
		return &delegate.CallResponse{Content: "built " + req.Input["target"].(string), Data: []byte(`{"ok":true}`)}
	})

	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "build", Input: map[string]any{"target": "all"}}, "U", DefaultPolicy())
	assert.False(t, res.IsError)
	assert.Equal(t, "built all", res.Content)
	assert.JSONEq(t, `{"ok":true}`, string(res.Data))

	res = h.engine.ExecuteTool(context.Background(), Call{ToolName: "lint"}, "U", DefaultPolicy())
	assert.True(t, res.IsError)
	assert.Equal(t, KindExecution, res.ErrorKind)
	assert.Equal(t, "3 warnings", res.Content)

	res = h.engine.ExecuteTool(context.Background(), Call{ToolName: "build"}, "someone-else", DefaultPolicy())
	assert.Equal(t, KindNotFound, res.ErrorKind, "delegates serve only their own user")
}

func TestExecuteTool_DelegateDisconnects(t *testing.T) {
	h := newHarness(t)
	d, err := h.manager.Connect(delegate.Registration{DelegateID: "D", UserID: "U", Tools: []string{"build"}})
	require.NoError(t, err)

	go func() {
		<-d.Outbox()
		h.manager.Disconnect("D")
	}()

	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "build"}, "U", DefaultPolicy())
	assert.True(t, res.IsError)
	assert.Equal(t, KindDisconnected, res.ErrorKind)
	assert.Equal(t, MsgDisconnected, res.Content)
}

func TestExecuteTool_LocalShadowsDelegate(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Connect(delegate.Registration{DelegateID: "D", UserID: "U", Tools: []string{"echo"}})
	require.NoError(t, err)

	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo", Input: map[string]any{"message": "local"}}, "U", DefaultPolicy())
	assert.Equal(t, tools.SourceLocal, res.Source)
	assert.Equal(t, "Echo: local", res.Content)
}

func TestExecuteTool_ContentNotTruncated(t *testing.T) {
	h := newHarness(t)
	long := make([]byte, 10000)
	for i := range long {
		long[i] = 'x'
	}
	res := h.engine.ExecuteTool(context.Background(), Call{ToolName: "echo", Input: map[string]any{"message": string(long)}}, "U", DefaultPolicy())
	assert.Len(t, res.Content, len("Echo: ")+len(long))
}
