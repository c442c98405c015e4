package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/browser"

	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/internal/logging"
	"github.com/ddkit/ddk/model"
)

// LoginResult is returned by LoginInteractive.
type LoginResult struct {
	Principal string
	ExpiresOn time.Time
}

// LoginInteractive launches the system browser against the identity
// provider's authorization URL, waits for the redirect on a loopback
// listener, completes the exchange, and persists the result through the
// cache.
func (p *Provider) LoginInteractive(ctx context.Context, connectionID string) (*LoginResult, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errs.Wrap(err, "open loopback listener")
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	state, err := randomToken(16)
	if err != nil {
		return nil, errs.Wrap(err, "generate state")
	}
	codeVerifier, err := randomToken(32)
	if err != nil {
		return nil, errs.Wrap(err, "generate code verifier")
	}

	authURL := p.identity.AuthURL(state, codeVerifier) + "&redirect_uri=" + redirectURI

	type callbackResult struct {
		code string
		err  error
	}
	resultCh := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			resultCh <- callbackResult{err: errs.New("state mismatch")}
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if errMsg := q.Get("error"); errMsg != "" {
			resultCh <- callbackResult{err: errs.Newf("authorization error: %s", errMsg)}
			http.Error(w, errMsg, http.StatusBadRequest)
			return
		}
		resultCh <- callbackResult{code: q.Get("code")}
		fmt.Fprint(w, "Login complete, you may close this window.")
	})

	server := &http.Server{Handler: mux}
	go server.Serve(listener)
	defer server.Close()

	if err := browser.OpenURL(authURL); err != nil {
		logging.Named("token").Warnw("failed to open system browser", "error", err)
	}

	select {
	case <-ctx.Done():
		return nil, errs.Mark(errs.Wrap(ctx.Err(), "login cancelled"), errs.ErrCancelled)
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		resp, err := p.identity.Exchange(ctx, res.code, codeVerifier)
		if err != nil {
			return nil, errs.Wrap(err, "token exchange")
		}
		principal, err := p.identity.UserInfo(ctx, resp.AccessToken)
		if err != nil {
			return nil, errs.Wrap(err, "fetch user info")
		}
		rec := &model.AccessTokenRecord{
			ConnectionID:    connectionID,
			Token:           resp.AccessToken,
			ExpiresAt:       resp.ExpiresAt,
			Principal:       principal,
			RefreshMaterial: resp.RefreshMaterial,
		}
		if err := p.cache.Put(connectionID, rec); err != nil {
			return nil, errs.Wrap(err, "persist login token")
		}
		p.clearExpiredLatch(connectionID)
		return &LoginResult{Principal: principal, ExpiresOn: resp.ExpiresAt}, nil
	}
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
