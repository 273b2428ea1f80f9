// ABOUTME: Minimal delegate for local testing; connects via gRPC and serves build and shell_echo.
// ABOUTME: Usage: fake-delegate -key tgk_... [-addr localhost:50051] [-id laptop] [-capabilities canShellAccess]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/toolgate/internal/delegate"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gateway gRPC address")
	key := flag.String("key", os.Getenv("TOOLGATE_API_KEY"), "delegate API key (default $TOOLGATE_API_KEY)")
	id := flag.String("id", "", "delegate id (assigned by the gateway when empty)")
	caps := flag.String("capabilities", "canShellAccess", `comma-separated flags or a JSON object, e.g. '{"canFileAccess":true}'`)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *key == "" {
		fmt.Fprintln(os.Stderr, "fake-delegate: -key or TOOLGATE_API_KEY is required")
		os.Exit(2)
	}

	capabilities, err := parseCapabilities(*caps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake-delegate: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *key, *id, capabilities, logger); err != nil {
		logger.Error("fake-delegate stopped", "error", err)
		os.Exit(1)
	}
}

// parseCapabilities accepts either "a,b" or a JSON object of booleans.
func parseCapabilities(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "{") {
		var obj map[string]bool
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return nil, fmt.Errorf("parsing capabilities object: %w", err)
		}
		return obj, nil
	}

	var names []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

func run(ctx context.Context, addr, key, id string, capabilities any, logger *slog.Logger) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	client, err := delegate.Connect(ctx, conn, delegate.ClientOptions{
		APIKey:       key,
		DelegateID:   id,
		Tools:        toolNames(),
		Capabilities: capabilities,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	logger.Info("registered", "delegate_id", client.DelegateID, "user_id", client.UserID, "tools", toolNames())
	return serve(ctx, client, logger)
}

// serve answers calls until the stream ends. Each call runs in its own
// goroutine; results are sent from this loop only.
func serve(ctx context.Context, client *delegate.Client, logger *slog.Logger) error {
	inbound := make(chan *delegate.Inbound)
	recvErr := make(chan error, 1)
	go func() {
		for {
			in, err := client.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case inbound <- in:
			case <-ctx.Done():
				return
			}
		}
	}()

	results := make(chan *delegate.CallResponse)
	cancels := make(map[string]context.CancelFunc)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-recvErr:
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)

		case in := <-inbound:
			switch in.Type {
			case delegate.FrameCall:
				callCtx, cancel := context.WithCancel(ctx)
				cancels[in.RequestID] = cancel
				logger.Info("call", "request_id", in.RequestID, "tool_name", in.Call.ToolName)
				go func(req *delegate.CallRequest) {
					resp := handleCall(callCtx, req)
					select {
					case results <- resp:
					case <-ctx.Done():
					}
				}(in.Call)
			case delegate.FrameCancel:
				if cancel, ok := cancels[in.RequestID]; ok {
					logger.Info("cancel", "request_id", in.RequestID)
					cancel()
				}
			}

		case resp := <-results:
			if cancel, ok := cancels[resp.RequestID]; ok {
				cancel()
				delete(cancels, resp.RequestID)
			}
			if err := client.SendResult(resp); err != nil {
				return fmt.Errorf("send result: %w", err)
			}
		}
	}
}
