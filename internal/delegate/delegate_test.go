// ABOUTME: Tests for request/response correlation on a single delegate
// ABOUTME: Covers routing, cancellation frames, and duplicate or stray responses

package delegate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func connectTestDelegate(t *testing.T, outbox int) *Delegate {
	t.Helper()
	m := NewManager(ManagerConfig{Logger: testLogger(), OutboxSize: outbox})
	d, err := m.Connect(Registration{DelegateID: "d1", UserID: "user-1", Tools: []string{"build"}})
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	return d
}

func TestDelegateCallRoundTrip(t *testing.T) {
	d := connectTestDelegate(t, 4)

	go func() {
		out := <-d.Outbox()
		d.HandleResponse(&CallResponse{RequestID: out.RequestID, Content: "built " + out.Call.ToolName})
	}()

	resp, err := d.Call(context.Background(), &CallRequest{RequestID: "r1", ToolName: "build", UserID: "user-1"})
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if resp.Content != "built build" {
		t.Errorf("Content = %q", resp.Content)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", d.PendingCount())
	}
}

func TestDelegateCallTimeoutSendsCancel(t *testing.T) {
	d := connectTestDelegate(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Call(ctx, &CallRequest{RequestID: "r1", ToolName: "build", UserID: "user-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	first := <-d.Outbox()
	if first.Kind != OutboundCall {
		t.Errorf("first frame = %s, want call", first.Kind)
	}
	second := <-d.Outbox()
	if second.Kind != OutboundCancel || second.RequestID != "r1" {
		t.Errorf("second frame = %+v, want cancel for r1", second)
	}

	// A late response is dropped.
	if d.HandleResponse(&CallResponse{RequestID: "r1", Content: "late"}) {
		t.Error("late response should not be delivered")
	}
}

func TestDelegateDuplicateRequestID(t *testing.T) {
	d := connectTestDelegate(t, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_, _ = d.Call(ctx, &CallRequest{RequestID: "same", ToolName: "build"})
	}()
	<-d.Outbox()

	_, err := d.Call(context.Background(), &CallRequest{RequestID: "same", ToolName: "build"})
	if !errors.Is(err, ErrDuplicateRequestID) {
		t.Errorf("err = %v, want ErrDuplicateRequestID", err)
	}
}

func TestDelegateHandleResponse(t *testing.T) {
	d := connectTestDelegate(t, 4)

	if d.HandleResponse(&CallResponse{RequestID: "unknown"}) {
		t.Error("response for unknown request should be dropped")
	}

	ch, err := d.addPending("r1")
	if err != nil {
		t.Fatalf("addPending failed: %v", err)
	}
	if !d.HandleResponse(&CallResponse{RequestID: "r1", Content: "one"}) {
		t.Error("first response should be delivered")
	}
	if d.HandleResponse(&CallResponse{RequestID: "r1", Content: "two"}) {
		t.Error("duplicate response should be dropped")
	}
	if got := (<-ch).Content; got != "one" {
		t.Errorf("delivered %q, want first response", got)
	}
}

func TestDelegateCallAfterClose(t *testing.T) {
	d := connectTestDelegate(t, 0)
	// Fill the outbox so the send blocks until close.
	for i := 0; i < cap(d.outbox); i++ {
		d.outbox <- &Outbound{Kind: OutboundCancel}
	}
	d.close()

	_, err := d.Call(context.Background(), &CallRequest{RequestID: "r1", ToolName: "build"})
	if !errors.Is(err, ErrDelegateDisconnected) {
		t.Errorf("err = %v, want ErrDelegateDisconnected", err)
	}
}

func TestDelegateDeclares(t *testing.T) {
	d := connectTestDelegate(t, 1)
	if !d.Declares("build") {
		t.Error("should declare build")
	}
	if d.Declares("deploy") {
		t.Error("should not declare deploy")
	}
}
