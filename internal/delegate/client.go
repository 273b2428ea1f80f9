// ABOUTME: Delegate-side client for the Connect stream
// ABOUTME: Sends the hello, waits for the welcome, then exchanges calls and results

package delegate

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClientOptions describes how a delegate introduces itself.
type ClientOptions struct {
	APIKey       string
	DelegateID   string // assigned by the gateway when empty
	Tools        []string
	Capabilities any // []string, map[string]bool, Capabilities, or nil
}

// Client is one delegate's open Connect stream.
type Client struct {
	stream grpc.ClientStream
	cancel context.CancelFunc

	DelegateID string
	UserID     string
}

// Connect opens a Connect stream on conn and completes the handshake.
func Connect(ctx context.Context, conn grpc.ClientConnInterface, opts ClientOptions) (*Client, error) {
	ctx, cancel := context.WithCancel(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+opts.APIKey)

	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	hello, err := EncodeHello(opts.DelegateID, opts.Tools, opts.Capabilities)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoding hello: %w", err)
	}
	// io.EOF means the server already ended the stream; Recv reports why.
	if err := stream.SendMsg(hello); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	c := &Client{stream: stream, cancel: cancel}
	in, err := c.Recv()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("awaiting welcome: %w", err)
	}
	if in.Type != FrameWelcome {
		cancel()
		return nil, fmt.Errorf("%w: expected welcome, got %q", ErrMalformedFrame, in.Type)
	}
	c.DelegateID = in.DelegateID
	c.UserID = in.UserID
	return c, nil
}

// Recv blocks for the next call or cancel frame.
func (c *Client) Recv() (*Inbound, error) {
	frame := new(structpb.Struct)
	if err := c.stream.RecvMsg(frame); err != nil {
		return nil, err
	}
	return DecodeInbound(frame)
}

// SendResult answers a call. It is not safe for concurrent use.
func (c *Client) SendResult(resp *CallResponse) error {
	frame, err := EncodeResult(resp)
	if err != nil {
		return err
	}
	return c.stream.SendMsg(frame)
}

// SendFrame writes a raw frame; tests use it to exercise malformed input.
func (c *Client) SendFrame(frame *structpb.Struct) error {
	return c.stream.SendMsg(frame)
}

// Close half-closes the stream and releases its context.
func (c *Client) Close() error {
	err := c.stream.CloseSend()
	c.cancel()
	return err
}
