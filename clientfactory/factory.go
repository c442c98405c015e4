// Package clientfactory implements the Client Factory with Token Proxy
// (spec.md §4.8): the handle a plugin receives to manufacture remote-service
// clients that obtain tokens by calling back into the Host over the Reverse
// RPC endpoint, never holding or seeing a credential themselves.
package clientfactory

import (
	"context"
	"time"

	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/multiplexer"
	"github.com/ddkit/ddk/rpc"
)

// TokenCallback is supplied to every remote-service client the factory
// manufactures. It is a one-line RPC to the Host's GetAccessToken.
type TokenCallback func(ctx context.Context, resource string) (string, error)

// ServiceClientBuilder constructs a multiplexer.Client bound to baseURL and
// using tokenFn for credentials. The concrete remote-service SDK is outside
// this spec's scope; callers supply the builder.
type ServiceClientBuilder func(baseURL string, tokenFn TokenCallback) multiplexer.Client

// Factory is bound to one initial connection and a Reverse RPC client for
// obtaining tokens on its behalf.
type Factory struct {
	connectionID  string
	reverseClient *rpc.ReverseClient
	mux           *multiplexer.Multiplexer
	build         ServiceClientBuilder
	usePooling    bool
	rpcTimeout    time.Duration
}

// New builds a Factory bound to connectionID, calling back to the Host
// through reverseClient for every token request.
func New(connectionID string, reverseClient *rpc.ReverseClient, mux *multiplexer.Multiplexer, build ServiceClientBuilder, usePooling bool, rpcTimeout time.Duration) *Factory {
	return &Factory{
		connectionID:  connectionID,
		reverseClient: reverseClient,
		mux:           mux,
		build:         build,
		usePooling:    usePooling,
		rpcTimeout:    rpcTimeout,
	}
}

// tokenCallback issues one GetAccessToken RPC to the Host per call; it
// never caches anything itself, since the Host's Token Provider is the
// sole owner of the cache.
func (f *Factory) tokenCallback(ctx context.Context, resource string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.rpcTimeout)
	defer cancel()

	resp, err := f.reverseClient.GetAccessToken(ctx, &rpc.GetAccessTokenRequest{
		ConnectionID: f.connectionID,
		Resource:     resource,
	})
	if err != nil {
		return "", errs.Wrap(err, "reverse RPC GetAccessToken")
	}
	if !resp.Success {
		return "", errs.Mark(errs.New(resp.ErrorMessage), errs.ErrAuthRequired)
	}
	return resp.AccessToken, nil
}

// RegisterEnvironment idempotently registers baseURL with the multiplexer,
// building the root client bound to this factory's token callback.
func (f *Factory) RegisterEnvironment(baseURL string, maxConcurrency int) {
	f.mux.RegisterEnvironment(baseURL, maxConcurrency, func() multiplexer.Client {
		return f.build(baseURL, f.tokenCallback)
	})
}

// GetServiceClient returns a client for baseURL. If pooling is enabled
// (default) construction is delegated to the Multiplexer; otherwise a fresh
// client is built directly, bypassing the pool and the gate entirely.
func (f *Factory) GetServiceClient(baseURL string) (multiplexer.Client, error) {
	if !f.usePooling {
		return f.build(baseURL, f.tokenCallback), nil
	}
	return f.mux.GetServiceClient(baseURL)
}

// GetMultiplexedClient awaits a leased client from the pool when pooling is
// enabled; with pooling disabled it returns an error and no lease.
func (f *Factory) GetMultiplexedClient(ctx context.Context, baseURL string) (*multiplexer.Lease, error) {
	if !f.usePooling {
		return nil, errs.New("connection pooling disabled for this factory")
	}
	return f.mux.GetMultiplexedClientAsync(ctx, baseURL)
}
