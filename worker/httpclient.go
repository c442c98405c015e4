package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ddkit/ddk/clientfactory"
	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/multiplexer"
)

// httpServiceClient is the default remote-service client the worker's
// Client Factory manufactures. The remote service's actual API shape is a
// plugin concern, so this client does one thing generically: attach a
// bearer token obtained from tokenFn to every request, never caching or
// logging it.
type httpServiceClient struct {
	baseURL string
	tokenFn clientfactory.TokenCallback
	http    *http.Client
}

// newHTTPServiceClient builds a clientfactory.ServiceClientBuilder bound to
// a shared *http.Client with a sane request timeout.
func newHTTPServiceClient(baseURL string, tokenFn clientfactory.TokenCallback) multiplexer.Client {
	return &httpServiceClient{
		baseURL: baseURL,
		tokenFn: tokenFn,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *httpServiceClient) Clone() multiplexer.Client {
	return &httpServiceClient{baseURL: c.baseURL, tokenFn: c.tokenFn, http: c.http}
}

func (c *httpServiceClient) Dispose() {}

// Do performs one authenticated request against baseURL+path, used by a
// pluginSource implementation that prefers a direct HTTP round-trip over a
// reserved Execute command.
func (c *httpServiceClient) Do(ctx context.Context, method, path, resource string, body io.Reader) (*http.Response, error) {
	token, err := c.tokenFn(ctx, resource)
	if err != nil {
		return nil, errs.Wrap(err, "obtain access token")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errs.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(err, "http round trip")
	}
	return resp, nil
}
