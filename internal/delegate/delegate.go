// ABOUTME: A connected delegate and the calls in flight to it
// ABOUTME: Correlates responses by request id and fails pending calls on disconnect

package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDelegateDisconnected indicates the delegate went away before answering.
var ErrDelegateDisconnected = errors.New("delegate disconnected")

// ErrDuplicateRequestID indicates the request ID is already in use.
var ErrDuplicateRequestID = errors.New("duplicate request ID")

// Outbound frame kinds.
const (
	OutboundCall   = "call"
	OutboundCancel = "cancel"
)

// CallRequest asks a delegate to run a tool.
type CallRequest struct {
	RequestID string
	ToolName  string
	UserID    string
	Input     map[string]any
}

// CallResponse is a delegate's answer to a CallRequest.
type CallResponse struct {
	RequestID string
	Content   string
	Data      json.RawMessage
	IsError   bool
	Error     string
}

// Outbound is a frame queued for delivery to the delegate.
type Outbound struct {
	Kind      string
	Call      *CallRequest // set for OutboundCall
	RequestID string
}

// Delegate is a remote process connected on behalf of a user.
type Delegate struct {
	ID           string
	UserID       string
	KeyID        string
	Tools        []string
	Capabilities Capabilities
	ConnectedAt  time.Time

	seq    uint64
	logger *slog.Logger

	outbox    chan *Outbound
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan *CallResponse
}

func newDelegate(reg Registration, seq uint64, outboxSize int, now time.Time, logger *slog.Logger) *Delegate {
	return &Delegate{
		ID:           reg.DelegateID,
		UserID:       reg.UserID,
		KeyID:        reg.KeyID,
		Tools:        reg.Tools,
		Capabilities: reg.Capabilities,
		ConnectedAt:  now,
		seq:          seq,
		logger:       logger,
		outbox:       make(chan *Outbound, outboxSize),
		done:         make(chan struct{}),
		pending:      make(map[string]chan *CallResponse),
	}
}

// Declares reports whether the delegate declared the tool.
func (d *Delegate) Declares(toolName string) bool {
	for _, t := range d.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

// Outbox delivers frames the transport must send to the delegate.
func (d *Delegate) Outbox() <-chan *Outbound {
	return d.outbox
}

// Done is closed once the delegate is disconnected.
func (d *Delegate) Done() <-chan struct{} {
	return d.done
}

// Closed reports whether the delegate has been disconnected.
func (d *Delegate) Closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Delegate) close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

// Call sends a request to the delegate and waits for its response.
// Returns ErrDelegateDisconnected if the delegate goes away first, or
// ctx.Err() if ctx ends first. On ctx expiry a cancel frame is offered to the
// delegate and any late response is dropped.
func (d *Delegate) Call(ctx context.Context, req *CallRequest) (*CallResponse, error) {
	respCh, err := d.addPending(req.RequestID)
	if err != nil {
		return nil, err
	}
	defer d.removePending(req.RequestID)

	select {
	case d.outbox <- &Outbound{Kind: OutboundCall, Call: req, RequestID: req.RequestID}:
	case <-d.done:
		return nil, ErrDelegateDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.logger.Debug("→ routed to delegate",
		"tool_name", req.ToolName,
		"delegate_id", d.ID,
		"request_id", req.RequestID,
	)

	select {
	case resp := <-respCh:
		return resp, nil
	case <-d.done:
		// A response that raced the disconnect still counts.
		select {
		case resp := <-respCh:
			return resp, nil
		default:
		}
		return nil, ErrDelegateDisconnected
	case <-ctx.Done():
		d.offerCancel(req.RequestID)
		return nil, ctx.Err()
	}
}

// offerCancel queues a cancel frame without blocking.
func (d *Delegate) offerCancel(requestID string) {
	select {
	case d.outbox <- &Outbound{Kind: OutboundCancel, RequestID: requestID}:
	default:
		d.logger.Debug("outbox full, cancel frame dropped", "delegate_id", d.ID, "request_id", requestID)
	}
}

// HandleResponse routes a response to the waiting caller. Responses for
// unknown or already-answered requests are dropped; it reports whether the
// response was delivered.
func (d *Delegate) HandleResponse(resp *CallResponse) bool {
	// Hold the lock while sending so removePending cannot race the lookup.
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, ok := d.pending[resp.RequestID]
	if !ok {
		d.logger.Warn("received response for unknown request",
			"delegate_id", d.ID,
			"request_id", resp.RequestID,
		)
		return false
	}

	select {
	case ch <- resp:
		return true
	default:
		d.logger.Warn("duplicate response dropped",
			"delegate_id", d.ID,
			"request_id", resp.RequestID,
		)
		return false
	}
}

// PendingCount returns the number of calls awaiting a response.
func (d *Delegate) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Delegate) addPending(requestID string) (chan *CallResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.pending[requestID]; exists {
		return nil, ErrDuplicateRequestID
	}
	ch := make(chan *CallResponse, 1)
	d.pending[requestID] = ch
	return ch, nil
}

func (d *Delegate) removePending(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, requestID)
}
