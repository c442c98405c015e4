package rpc

import (
	"context"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ddkit/ddk/internal/errs"
)

// dialUnix dials a local gRPC endpoint over a Unix-domain socket, the only
// transport family this build supports (spec.md §1 excludes remote network
// RPC).
func dialUnix(ctx context.Context, socketPath string) (*grpc.ClientConn, error) {
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", addr)
	}
	conn, err := grpc.DialContext(ctx, socketPath,
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, errs.Wrapf(err, "dial unix endpoint %s", socketPath)
	}
	return conn, nil
}

func callOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(codecName)}
}

// Listen binds a Unix-domain socket at path, unlinking any stale file left
// behind by a previous process first, per spec.md §4.3's reverse-endpoint
// rule (applied uniformly to both forward and reverse sockets).
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errs.Wrapf(err, "unlink stale socket %s", path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errs.Wrapf(err, "listen on %s", path)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, errs.Wrapf(err, "chmod socket %s", path)
	}
	return l, nil
}

// NewServer builds a grpc.Server forced onto the gob codec. A call for a
// method no registered ServiceDesc handles is rejected with ErrUnknownMethod
// rather than falling through to grpc's default "unknown service" status.
func NewServer() *grpc.Server {
	return grpc.NewServer(
		grpc.ForceServerCodec(gobCodec{}),
		grpc.UnknownServiceHandler(unknownMethodHandler),
	)
}

func unknownMethodHandler(srv interface{}, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	return errs.Mark(errs.Newf("no handler registered for method %s", method), errs.ErrUnknownMethod)
}
