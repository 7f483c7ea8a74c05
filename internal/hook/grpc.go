package hook

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// HookServiceName is the fully-qualified gRPC service name.
const HookServiceName = "scangate.v1.HookService"

const (
	methodBeforeToolCall    = "/" + HookServiceName + "/BeforeToolCall"
	methodOnMessageReceived = "/" + HookServiceName + "/OnMessageReceived"
	methodReauth            = "/" + HookServiceName + "/Reauth"
)

// HookServer is the server API of the hook service. Requests and responses
// are google.protobuf.Struct documents.
type HookServer interface {
	BeforeToolCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	OnMessageReceived(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reauth(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterHookServer registers srv on s.
func RegisterHookServer(s grpc.ServiceRegistrar, srv HookServer) {
	s.RegisterService(&hookServiceDesc, srv)
}

var hookServiceDesc = grpc.ServiceDesc{
	ServiceName: HookServiceName,
	HandlerType: (*HookServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "BeforeToolCall", Handler: unaryHandler(methodBeforeToolCall, HookServer.BeforeToolCall)},
		{MethodName: "OnMessageReceived", Handler: unaryHandler(methodOnMessageReceived, HookServer.OnMessageReceived)},
		{MethodName: "Reauth", Handler: unaryHandler(methodReauth, HookServer.Reauth)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "scangate/v1/hook.proto",
}

type structMethod func(HookServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(HookServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(HookServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer exposes a Gate as a HookServer.
type GRPCServer struct {
	gate *Gate
}

var _ HookServer = (*GRPCServer)(nil)

// NewGRPCServer creates the hook service backed by gate.
func NewGRPCServer(gate *Gate) *GRPCServer {
	return &GRPCServer{gate: gate}
}

// BeforeToolCall expects user_id, tool_name and optional params, channel,
// to, account_id.
func (s *GRPCServer) BeforeToolCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	userID := f["user_id"].GetStringValue()
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	call := ToolCall{
		UserID:    userID,
		ToolName:  f["tool_name"].GetStringValue(),
		Channel:   f["channel"].GetStringValue(),
		To:        f["to"].GetStringValue(),
		AccountID: f["account_id"].GetStringValue(),
	}
	if params := f["params"].GetStructValue(); params != nil {
		call.Params = params.AsMap()
	}
	return decisionStruct(s.gate.BeforeToolCall(ctx, call))
}

// OnMessageReceived expects user_id, content and optional channel, to,
// account_id.
func (s *GRPCServer) OnMessageReceived(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	userID := f["user_id"].GetStringValue()
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	return decisionStruct(s.gate.OnMessageReceived(ctx, Message{
		UserID:    userID,
		Content:   f["content"].GetStringValue(),
		Channel:   f["channel"].GetStringValue(),
		To:        f["to"].GetStringValue(),
		AccountID: f["account_id"].GetStringValue(),
	}))
}

// Reauth expects user_id and answers with a confirmation text.
func (s *GRPCServer) Reauth(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := req.GetFields()["user_id"].GetStringValue()
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	return structpb.NewStruct(map[string]any{"text": s.gate.Reauth(ctx, userID)})
}

func decisionStruct(d Decision) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(map[string]any{
		"allow":      d.Allow,
		"reason":     d.Reason,
		"session_id": d.SessionID,
		"verify_url": d.VerifyURL,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode decision: %v", err)
	}
	return out, nil
}

// HookClient calls a remote hook service.
type HookClient struct {
	cc grpc.ClientConnInterface
}

// NewHookClient creates a client over cc.
func NewHookClient(cc grpc.ClientConnInterface) *HookClient {
	return &HookClient{cc: cc}
}

// BeforeToolCall invokes the remote BeforeToolCall.
func (c *HookClient) BeforeToolCall(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodBeforeToolCall, req, opts...)
}

// OnMessageReceived invokes the remote OnMessageReceived.
func (c *HookClient) OnMessageReceived(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodOnMessageReceived, req, opts...)
}

// Reauth invokes the remote Reauth.
func (c *HookClient) Reauth(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodReauth, req, opts...)
}

func (c *HookClient) invoke(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
