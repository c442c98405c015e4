package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ReverseServer is the interface the Host implements to serve the Reverse
// RPC contract (Worker -> Host).
type ReverseServer interface {
	GetAccessToken(context.Context, *GetAccessTokenRequest) (*GetAccessTokenResponse, error)
}

// ReverseServiceName is the gRPC service name advertised by the Reverse RPC
// server.
const ReverseServiceName = "ddk.ReverseService"

var ReverseServiceDesc = grpc.ServiceDesc{
	ServiceName: ReverseServiceName,
	HandlerType: (*ReverseServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetAccessToken",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(GetAccessTokenRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ReverseServer).GetAccessToken(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReverseServiceName + "/GetAccessToken"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(ReverseServer).GetAccessToken(ctx, req.(*GetAccessTokenRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Metadata: "reverse.proto",
}

// ReverseClient is the Worker-side handle to the Host's Reverse RPC
// endpoint. The worker opens one connection when it is initialized and reuses it,
// reconnecting transparently if the channel is reset (spec.md §9).
type ReverseClient struct {
	conn *grpc.ClientConn
}

// DialReverse dials the reverse endpoint over a Unix-domain socket.
func DialReverse(ctx context.Context, socketPath string) (*ReverseClient, error) {
	conn, err := dialUnix(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	return &ReverseClient{conn: conn}, nil
}

func (c *ReverseClient) Close() error { return c.conn.Close() }

func (c *ReverseClient) GetAccessToken(ctx context.Context, req *GetAccessTokenRequest) (*GetAccessTokenResponse, error) {
	out := new(GetAccessTokenResponse)
	if err := c.conn.Invoke(ctx, "/"+ReverseServiceName+"/GetAccessToken", req, out, callOpts()...); err != nil {
		return nil, err
	}
	return out, nil
}
