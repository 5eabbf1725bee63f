// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginsdk

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/holomush/plughost/pkg/plugin"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "plughost.plugin.v1.Plugin"

// RPC method names.
const (
	MethodDescribe       = "Describe"
	MethodLifecycle      = "Lifecycle"
	MethodHandleMessage  = "HandleMessage"
	MethodCanProcess     = "CanProcess"
	MethodPreprocess     = "Preprocess"
	MethodPostprocess    = "Postprocess"
	MethodCheckHealth    = "CheckHealth"
	MethodTestConnection = "TestConnection"
)

// Lifecycle operations carried by the Lifecycle RPC.
const (
	OpInitialize = "initialize"
	OpActivate   = "activate"
	OpDeactivate = "deactivate"
	OpCleanup    = "cleanup"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// pluginServer is the server-side contract of the plugin service. Every
// method exchanges protobuf Structs carrying JSON-shaped payloads.
type pluginServer interface {
	Describe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Lifecycle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	HandleMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CanProcess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Preprocess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Postprocess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CheckHealth(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	TestConnection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv pluginServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func method(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s, ok := srv.(pluginServer)
			if !ok {
				return nil, status.Errorf(codes.Internal, "server %T does not implement %s", srv, ServiceName)
			}
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*pluginServer)(nil),
	Methods: []grpc.MethodDesc{
		method(MethodDescribe, pluginServer.Describe),
		method(MethodLifecycle, pluginServer.Lifecycle),
		method(MethodHandleMessage, pluginServer.HandleMessage),
		method(MethodCanProcess, pluginServer.CanProcess),
		method(MethodPreprocess, pluginServer.Preprocess),
		method(MethodPostprocess, pluginServer.Postprocess),
		method(MethodCheckHealth, pluginServer.CheckHealth),
		method(MethodTestConnection, pluginServer.TestConnection),
	},
	Metadata: "plughost/plugin/v1/plugin.proto",
}

// RegisterServer registers hooks as the plugin service on s.
func RegisterServer(s grpc.ServiceRegistrar, hooks plugin.Hooks) {
	s.RegisterService(&serviceDesc, &server{hooks: hooks})
}

// server adapts plugin.Hooks and its optional traits to pluginServer.
type server struct {
	hooks plugin.Hooks
}

func (s *server) Describe(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	caps := plugin.NewRuntime(plugin.Info{}, s.hooks).Capabilities()
	desc := Description{Capabilities: make([]string, len(caps))}
	for i, c := range caps {
		desc.Capabilities[i] = string(c)
	}
	if h, ok := s.hooks.(plugin.MessageHandler); ok {
		for _, mt := range h.SupportedMessageTypes() {
			desc.MessageTypes = append(desc.MessageTypes, string(mt))
		}
		desc.PlatformType = h.PlatformType()
	}
	if p, ok := s.hooks.(plugin.SchemaProvider); ok && len(p.ConfigSchema()) > 0 {
		desc.ConfigSchema = p.ConfigSchema().ToJSONSchema()
	}
	return encode(desc)
}

func (s *server) Lifecycle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req lifecycleRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var err error
	switch req.Op {
	case OpInitialize:
		err = s.hooks.OnInitialize(ctx, req.Config)
	case OpActivate:
		err = s.hooks.OnActivate(ctx)
	case OpDeactivate:
		err = s.hooks.OnDeactivate(ctx)
	case OpCleanup:
		err = s.hooks.OnCleanup(ctx)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown lifecycle operation %q", req.Op)
	}
	if err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	return &structpb.Struct{}, nil
}

func (s *server) HandleMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	h, ok := s.hooks.(plugin.MessageHandler)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "plugin does not handle messages")
	}
	msg, err := decodeMessage(in)
	if err != nil {
		return nil, err
	}
	res, err := h.HandleMessage(ctx, msg)
	if err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	return encode(messageExchange{Result: res})
}

func (s *server) CanProcess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	accept := true
	if m, ok := s.hooks.(plugin.Matcher); ok {
		msg, err := decodeMessage(in)
		if err != nil {
			return nil, err
		}
		accept = m.CanProcess(ctx, msg)
	}
	return structpb.NewStruct(map[string]any{"accept": accept})
}

func (s *server) Preprocess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	msg, err := decodeMessage(in)
	if err != nil {
		return nil, err
	}
	if p, ok := s.hooks.(plugin.Preprocessor); ok {
		if msg, err = p.Preprocess(ctx, msg); err != nil {
			return nil, status.Error(codes.Aborted, err.Error())
		}
	}
	return encode(messageExchange{Message: msg})
}

func (s *server) Postprocess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ex messageExchange
	if err := fromStruct(in, &ex); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res := ex.Result
	if p, ok := s.hooks.(plugin.Postprocessor); ok {
		var err error
		if res, err = p.Postprocess(ctx, ex.Message, ex.Result); err != nil {
			return nil, status.Error(codes.Aborted, err.Error())
		}
	}
	return encode(messageExchange{Result: res})
}

func (s *server) CheckHealth(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := healthResponse{Healthy: true}
	if c, ok := s.hooks.(plugin.HealthChecker); ok {
		if err := c.CheckHealth(ctx); err != nil {
			resp = healthResponse{Message: err.Error()}
		}
	}
	return encode(resp)
}

func (s *server) TestConnection(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if t, ok := s.hooks.(plugin.ConnectionTester); ok {
		if err := t.TestConnection(ctx); err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
	}
	return &structpb.Struct{}, nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func decodeMessage(in *structpb.Struct) (*plugin.MessageContext, error) {
	var ex messageExchange
	if err := fromStruct(in, &ex); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if ex.Message == nil {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}
	return ex.Message, nil
}

// remoteError strips the gRPC status wrapper so plugin errors read naturally.
func remoteError(method string, err error) error {
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s", method, st.Message())
	}
	return fmt.Errorf("%s: %w", method, err)
}
