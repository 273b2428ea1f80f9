// ABOUTME: Delegate stream frames encoded as google.protobuf.Struct messages
// ABOUTME: Encodes and decodes hello, welcome, call, cancel, and result frames

package delegate

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrMalformedFrame indicates a frame is missing fields or has the wrong shape.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame types.
const (
	FrameHello   = "hello"
	FrameWelcome = "welcome"
	FrameCall    = "call"
	FrameCancel  = "cancel"
	FrameResult  = "result"
)

// Hello is the first frame a delegate sends.
type Hello struct {
	DelegateID   string
	Tools        []string
	Capabilities Capabilities
}

// Inbound is a frame received by a delegate from the gateway.
type Inbound struct {
	Type       string
	DelegateID string       // welcome
	UserID     string       // welcome
	Call       *CallRequest // call
	RequestID  string       // call, cancel
}

func frameType(st *structpb.Struct) string {
	if st == nil {
		return ""
	}
	return st.GetFields()["type"].GetStringValue()
}

// stringField returns a string field, erroring if present with another type.
func stringField(st *structpb.Struct, name string) (string, error) {
	v, ok := st.GetFields()[name]
	if !ok {
		return "", nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformedFrame, name)
	}
	return s.StringValue, nil
}

// toAnyValue converts typed values so structpb can encode them.
func toAnyValue(v any) any {
	switch val := v.(type) {
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case map[string]bool:
		out := make(map[string]any, len(val))
		for k, b := range val {
			out[k] = b
		}
		return out
	case Capabilities:
		return map[string]any{
			CapManagedInstall: val.ManagedInstall,
			CapCanFileAccess:  val.CanFileAccess,
			CapCanShellAccess: val.CanShellAccess,
		}
	}
	return v
}

// EncodeHello builds a hello frame. capabilities may be a []string of flag
// names, a map[string]bool, a Capabilities value, or nil.
func EncodeHello(delegateID string, tools []string, capabilities any) (*structpb.Struct, error) {
	fields := map[string]any{
		"type":  FrameHello,
		"tools": toAnyValue(tools),
	}
	if delegateID != "" {
		fields["delegate_id"] = delegateID
	}
	if capabilities != nil {
		fields["capabilities"] = toAnyValue(capabilities)
	}
	return structpb.NewStruct(fields)
}

// DecodeHello parses the first frame of a delegate stream.
func DecodeHello(st *structpb.Struct) (*Hello, error) {
	if frameType(st) != FrameHello {
		return nil, fmt.Errorf("%w: first frame must be %q", ErrMalformedFrame, FrameHello)
	}

	delegateID, err := stringField(st, "delegate_id")
	if err != nil {
		return nil, err
	}

	hello := &Hello{DelegateID: delegateID}

	if v, ok := st.GetFields()["tools"]; ok {
		list := v.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("%w: tools must be a list", ErrMalformedFrame)
		}
		for i, item := range list.GetValues() {
			name, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("%w: tools[%d] must be a string", ErrMalformedFrame, i)
			}
			hello.Tools = append(hello.Tools, name.StringValue)
		}
	}

	if v, ok := st.GetFields()["capabilities"]; ok {
		caps, err := ParseCapabilities(v.AsInterface())
		if err != nil {
			return nil, err
		}
		hello.Capabilities = caps
	}

	return hello, nil
}

func encodeWelcome(d *Delegate) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"type":        FrameWelcome,
		"delegate_id": d.ID,
		"user_id":     d.UserID,
	})
}

// encodeOutbound renders a queued frame for the wire.
func encodeOutbound(out *Outbound) (*structpb.Struct, error) {
	switch out.Kind {
	case OutboundCall:
		input := out.Call.Input
		if input == nil {
			input = map[string]any{}
		}
		inputStruct, err := structpb.NewStruct(input)
		if err != nil {
			return nil, fmt.Errorf("encoding input: %w", err)
		}
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"type":       structpb.NewStringValue(FrameCall),
			"request_id": structpb.NewStringValue(out.Call.RequestID),
			"tool_name":  structpb.NewStringValue(out.Call.ToolName),
			"user_id":    structpb.NewStringValue(out.Call.UserID),
			"input":      structpb.NewStructValue(inputStruct),
		}}, nil
	case OutboundCancel:
		return structpb.NewStruct(map[string]any{
			"type":       FrameCancel,
			"request_id": out.RequestID,
		})
	}
	return nil, fmt.Errorf("unknown outbound kind %q", out.Kind)
}

// DecodeResult parses a result frame. A frame without a request id cannot be
// routed and is returned as an error. A routable frame whose payload is
// malformed is returned as an error response for the caller.
func DecodeResult(st *structpb.Struct) (*CallResponse, error) {
	if frameType(st) != FrameResult {
		return nil, fmt.Errorf("%w: unexpected frame type %q", ErrMalformedFrame, frameType(st))
	}

	requestID, err := stringField(st, "request_id")
	if err != nil {
		return nil, err
	}
	if requestID == "" {
		return nil, fmt.Errorf("%w: request_id is required", ErrMalformedFrame)
	}

	resp := &CallResponse{RequestID: requestID}
	malformed := func(err error) (*CallResponse, error) {
		return &CallResponse{
			RequestID: requestID,
			IsError:   true,
			Error:     "malformed delegate response: " + err.Error(),
		}, nil
	}

	if resp.Content, err = stringField(st, "content"); err != nil {
		return malformed(err)
	}
	if resp.Error, err = stringField(st, "error"); err != nil {
		return malformed(err)
	}

	if v, ok := st.GetFields()["is_error"]; ok {
		b, isBool := v.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return malformed(fmt.Errorf("%w: is_error must be a bool", ErrMalformedFrame))
		}
		resp.IsError = b.BoolValue
	}
	if resp.Error != "" {
		resp.IsError = true
	}

	if v, ok := st.GetFields()["data"]; ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
			raw, err := json.Marshal(v.AsInterface())
			if err != nil {
				return malformed(err)
			}
			resp.Data = raw
		}
	}

	return resp, nil
}

// EncodeResult builds a result frame; used by delegates.
func EncodeResult(resp *CallResponse) (*structpb.Struct, error) {
	fields := map[string]any{
		"type":       FrameResult,
		"request_id": resp.RequestID,
		"content":    resp.Content,
		"is_error":   resp.IsError,
	}
	if resp.Error != "" {
		fields["error"] = resp.Error
	}
	if len(resp.Data) > 0 {
		var data any
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, fmt.Errorf("decoding data: %w", err)
		}
		fields["data"] = data
	}
	return structpb.NewStruct(fields)
}

// DecodeInbound parses a frame received by a delegate.
func DecodeInbound(st *structpb.Struct) (*Inbound, error) {
	in := &Inbound{Type: frameType(st)}
	var err error

	switch in.Type {
	case FrameWelcome:
		if in.DelegateID, err = stringField(st, "delegate_id"); err != nil {
			return nil, err
		}
		if in.UserID, err = stringField(st, "user_id"); err != nil {
			return nil, err
		}
	case FrameCall:
		call := &CallRequest{}
		if call.RequestID, err = stringField(st, "request_id"); err != nil {
			return nil, err
		}
		if call.ToolName, err = stringField(st, "tool_name"); err != nil {
			return nil, err
		}
		if call.UserID, err = stringField(st, "user_id"); err != nil {
			return nil, err
		}
		call.Input = st.GetFields()["input"].GetStructValue().AsMap()
		in.Call = call
		in.RequestID = call.RequestID
	case FrameCancel:
		if in.RequestID, err = stringField(st, "request_id"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unexpected frame type %q", ErrMalformedFrame, in.Type)
	}

	return in, nil
}
