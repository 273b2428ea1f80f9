// ABOUTME: gRPC DelegateService: the bidirectional stream delegates connect over
// ABOUTME: Registers the delegate, forwards queued calls, and routes results back

package delegate

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/toolgate/internal/auth"
)

// Service and method names on the wire.
const (
	ServiceName   = "toolgate.v1.DelegateService"
	ConnectMethod = "/" + ServiceName + "/Connect"
)

// DelegateServer is the server API for DelegateService.
type DelegateServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DelegateServer).Connect(stream)
}

// ServiceDesc describes DelegateService. Frames on the Connect stream are
// google.protobuf.Struct messages.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DelegateServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "toolgate/v1/delegate.proto",
}

// RegisterDelegateServer registers srv on a gRPC server.
func RegisterDelegateServer(s grpc.ServiceRegistrar, srv DelegateServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// DefaultHelloTimeout bounds how long an authenticated stream may wait
// before sending its hello.
const DefaultHelloTimeout = 10 * time.Second

// Service implements DelegateServer on top of a Manager.
type Service struct {
	manager      *Manager
	logger       *slog.Logger
	helloTimeout time.Duration
}

// NewService creates the gRPC service for the given manager.
func NewService(manager *Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		manager:      manager,
		logger:       logger.With("component", "delegate-service"),
		helloTimeout: DefaultHelloTimeout,
	}
}

// recvHello reads the first frame, giving up after the hello timeout.
// Returning from the handler cancels the stream, which unblocks the read.
func (s *Service) recvHello(stream grpc.ServerStream) (*structpb.Struct, error) {
	type recvResult struct {
		frame *structpb.Struct
		err   error
	}
	done := make(chan recvResult, 1)
	go func() {
		first := new(structpb.Struct)
		err := stream.RecvMsg(first)
		done <- recvResult{first, err}
	}()

	timer := time.NewTimer(s.helloTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.frame, r.err
	case <-timer.C:
		return nil, status.Error(codes.DeadlineExceeded, "no hello received")
	case <-stream.Context().Done():
		return nil, stream.Context().Err()
	}
}

// Connect handles one delegate for the lifetime of its stream. The first
// frame must be a hello; the delegate stays registered until the stream ends
// or the gateway disconnects it.
func (s *Service) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()

	authCtx := auth.FromContext(ctx)
	if authCtx == nil || authCtx.Kind != auth.KindDelegate {
		return status.Error(codes.Unauthenticated, "delegate identity required")
	}

	first, err := s.recvHello(stream)
	if err != nil {
		return err
	}
	hello, err := DecodeHello(first)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}

	d, err := s.manager.Connect(Registration{
		DelegateID:   hello.DelegateID,
		UserID:       authCtx.UserID,
		KeyID:        authCtx.KeyID,
		Tools:        hello.Tools,
		Capabilities: hello.Capabilities,
	})
	if errors.Is(err, ErrDelegateAlreadyConnected) {
		return status.Errorf(codes.AlreadyExists, "delegate %s already connected", hello.DelegateID)
	}
	if errors.Is(err, ErrKeyRevoked) {
		s.logger.Warn("rejected delegate with revoked key", "key_id", authCtx.KeyID, "user_id", authCtx.UserID)
		return status.Error(codes.Unauthenticated, "api key revoked")
	}
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "registering delegate: %v", err)
	}
	defer s.manager.release(d)

	welcome, err := encodeWelcome(d)
	if err != nil {
		return status.Errorf(codes.Internal, "encoding welcome: %v", err)
	}
	if err := stream.SendMsg(welcome); err != nil {
		return err
	}

	recvErr := make(chan error, 1)
	go s.receiveResults(stream, d, recvErr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-d.Done():
			s.logger.Info("closing stream for disconnected delegate", "delegate_id", d.ID)
			return status.Error(codes.Aborted, "delegate disconnected by gateway")

		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err

		case out := <-d.Outbox():
			frame, err := encodeOutbound(out)
			if err != nil {
				s.logger.Error("failed to encode frame for delegate",
					"delegate_id", d.ID,
					"request_id", out.RequestID,
					"error", err,
				)
				if out.Kind == OutboundCall {
					d.HandleResponse(&CallResponse{RequestID: out.RequestID, IsError: true, Error: err.Error()})
				}
				continue
			}
			if err := stream.SendMsg(frame); err != nil {
				s.logger.Error("failed to send frame to delegate",
					"delegate_id", d.ID,
					"request_id", out.RequestID,
					"error", err,
				)
				return status.Errorf(codes.Internal, "sending frame: %v", err)
			}
		}
	}
}

// receiveResults reads result frames until the stream fails.
func (s *Service) receiveResults(stream grpc.ServerStream, d *Delegate, errCh chan<- error) {
	for {
		frame := new(structpb.Struct)
		if err := stream.RecvMsg(frame); err != nil {
			errCh <- err
			return
		}

		resp, err := DecodeResult(frame)
		if err != nil {
			s.logger.Warn("dropping unroutable frame from delegate",
				"delegate_id", d.ID,
				"error", err,
			)
			continue
		}

		s.logger.Debug("← delegate responded",
			"delegate_id", d.ID,
			"request_id", resp.RequestID,
			"is_error", resp.IsError,
		)
		d.HandleResponse(resp)
	}
}
