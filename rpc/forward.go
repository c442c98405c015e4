package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ForwardServer is the interface a worker process implements to serve the
// Forward RPC contract (Host -> Worker).
type ForwardServer interface {
	Initialize(context.Context, *InitializeRequest) (*InitializeResponse, error)
	GetCommands(context.Context, *GetCommandsRequest) (*GetCommandsResponse, error)
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	SubscribeEvents(*SubscribeEventsRequest, ForwardService_SubscribeEventsServer) error
	Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error)
}

// ForwardService_SubscribeEventsServer is the server-side handle for the
// server-streamed SubscribeEvents RPC.
type ForwardService_SubscribeEventsServer interface {
	Send(*EventMessage) error
	grpc.ServerStream
}

type forwardSubscribeEventsServer struct {
	grpc.ServerStream
}

func (s *forwardSubscribeEventsServer) Send(m *EventMessage) error {
	return s.ServerStream.SendMsg(m)
}

// ForwardServiceName is the gRPC service name advertised by the Forward RPC
// server.
const ForwardServiceName = "ddk.ForwardService"

// ForwardServiceDesc is the hand-written ServiceDesc replacing what a
// protoc-generated *_grpc.pb.go would provide.
var ForwardServiceDesc = grpc.ServiceDesc{
	ServiceName: ForwardServiceName,
	HandlerType: (*ForwardServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Initialize",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(InitializeRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ForwardServer).Initialize(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ForwardServiceName + "/Initialize"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(ForwardServer).Initialize(ctx, req.(*InitializeRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
		{
			MethodName: "GetCommands",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(GetCommandsRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ForwardServer).GetCommands(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ForwardServiceName + "/GetCommands"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(ForwardServer).GetCommands(ctx, req.(*GetCommandsRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
		{
			MethodName: "Execute",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(ExecuteRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ForwardServer).Execute(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ForwardServiceName + "/Execute"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(ForwardServer).Execute(ctx, req.(*ExecuteRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
		{
			MethodName: "Shutdown",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(ShutdownRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ForwardServer).Shutdown(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ForwardServiceName + "/Shutdown"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(ForwardServer).Shutdown(ctx, req.(*ShutdownRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeEvents",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				req := new(SubscribeEventsRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(ForwardServer).SubscribeEvents(req, &forwardSubscribeEventsServer{ServerStream: stream})
			},
		},
	},
	Metadata: "forward.proto",
}

// ForwardClient is the Host-side handle to a worker's Forward RPC endpoint.
type ForwardClient struct {
	conn *grpc.ClientConn
}

// DialForward dials the forward endpoint over a Unix-domain socket.
func DialForward(ctx context.Context, socketPath string) (*ForwardClient, error) {
	conn, err := dialUnix(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	return &ForwardClient{conn: conn}, nil
}

func (c *ForwardClient) Close() error { return c.conn.Close() }

func (c *ForwardClient) Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResponse, error) {
	out := new(InitializeResponse)
	if err := c.conn.Invoke(ctx, "/"+ForwardServiceName+"/Initialize", req, out, callOpts()...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ForwardClient) GetCommands(ctx context.Context, req *GetCommandsRequest) (*GetCommandsResponse, error) {
	out := new(GetCommandsResponse)
	if err := c.conn.Invoke(ctx, "/"+ForwardServiceName+"/GetCommands", req, out, callOpts()...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ForwardClient) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	out := new(ExecuteResponse)
	if err := c.conn.Invoke(ctx, "/"+ForwardServiceName+"/Execute", req, out, callOpts()...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ForwardClient) Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error) {
	out := new(ShutdownResponse)
	if err := c.conn.Invoke(ctx, "/"+ForwardServiceName+"/Shutdown", req, out, callOpts()...); err != nil {
		return nil, err
	}
	return out, nil
}

// ForwardService_SubscribeEventsClient is the client-side handle for the
// SubscribeEvents server stream.
type ForwardService_SubscribeEventsClient interface {
	Recv() (*EventMessage, error)
	grpc.ClientStream
}

type forwardSubscribeEventsClient struct {
	grpc.ClientStream
}

func (c *forwardSubscribeEventsClient) Recv() (*EventMessage, error) {
	m := new(EventMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *ForwardClient) SubscribeEvents(ctx context.Context, req *SubscribeEventsRequest) (ForwardService_SubscribeEventsClient, error) {
	stream, err := c.conn.NewStream(ctx, &ForwardServiceDesc.Streams[0], "/"+ForwardServiceName+"/SubscribeEvents", callOpts()...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &forwardSubscribeEventsClient{ClientStream: stream}, nil
}
