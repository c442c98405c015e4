// Package token implements the Host-side Token Provider: interactive login,
// on-demand refresh with single-flight coalescing, and an encrypted
// single-file-per-user cache.
package token

import (
	"context"
	"sync"
	"time"

	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/internal/logging"
	"github.com/ddkit/ddk/model"
)

// IdentityProvider is the contract for the OAuth-style identity backend.
// Credential issuance internals are out of scope; this is the library
// boundary the spec calls out.
type IdentityProvider interface {
	Name() string
	AuthURL(state, codeVerifier string) string
	Exchange(ctx context.Context, code, codeVerifier string) (TokenResponse, error)
	Refresh(ctx context.Context, refreshMaterial string) (TokenResponse, error)
	UserInfo(ctx context.Context, accessToken string) (principal string, err error)
}

// TokenResponse is what an IdentityProvider returns from an exchange or
// refresh call.
type TokenResponse struct {
	AccessToken     string
	RefreshMaterial string
	ExpiresAt       time.Time
}

// SessionExpiredNotifier is called exactly once per connection when a
// refresh fails, latched until the next successful login.
type SessionExpiredNotifier func(connectionID string)

// Provider is the Host-side Token Provider described in spec.md §4.4.
type Provider struct {
	identity IdentityProvider
	cache    *Cache
	skew     time.Duration
	notify   SessionExpiredNotifier

	mu           sync.Mutex
	locks        map[string]*sync.Mutex // per-connection lock
	inflight     map[string]*refreshFuture
	expiredSent  map[string]bool
}

type refreshFuture struct {
	done chan struct{}
	rec  *model.AccessTokenRecord
	err  error
}

// NewProvider builds a Token Provider bound to an identity backend and a
// persistent cache.
func NewProvider(identity IdentityProvider, cache *Cache, skew time.Duration, notify SessionExpiredNotifier) *Provider {
	return &Provider{
		identity:    identity,
		cache:       cache,
		skew:        skew,
		notify:      notify,
		locks:       make(map[string]*sync.Mutex),
		inflight:    make(map[string]*refreshFuture),
		expiredSent: make(map[string]bool),
	}
}

func (p *Provider) lockFor(connectionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[connectionID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[connectionID] = l
	}
	return l
}

// GetAccessToken returns a valid token for (connectionID, resource), or
// fails with errs.ErrAuthRequired. Concurrent callers for the same
// connection coalesce onto one in-flight refresh.
func (p *Provider) GetAccessToken(ctx context.Context, connectionID, resource string) (string, time.Time, error) {
	rec, err := p.cache.Get(connectionID)
	if err == nil && rec.Valid(time.Now(), p.skew) {
		return rec.Token, rec.ExpiresAt, nil
	}

	future := p.joinOrStartRefresh(ctx, connectionID, rec)
	<-future.done
	if future.err != nil {
		p.markExpiredOnce(connectionID)
		return "", time.Time{}, errs.Mark(errs.Wrap(future.err, "refresh failed"), errs.ErrAuthRequired)
	}
	p.clearExpiredLatch(connectionID)
	return future.rec.Token, future.rec.ExpiresAt, nil
}

func (p *Provider) joinOrStartRefresh(ctx context.Context, connectionID string, rec *model.AccessTokenRecord) *refreshFuture {
	p.mu.Lock()
	if f, ok := p.inflight[connectionID]; ok {
		p.mu.Unlock()
		return f
	}
	f := &refreshFuture{done: make(chan struct{})}
	p.inflight[connectionID] = f
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inflight, connectionID)
			p.mu.Unlock()
			close(f.done)
		}()

		lock := p.lockFor(connectionID)
		lock.Lock()
		defer lock.Unlock()

		if rec == nil {
			f.err = errs.Mark(errs.New("no cached token"), errs.ErrTokenRefreshFailed)
			return
		}
		resp, err := p.identity.Refresh(ctx, rec.RefreshMaterial)
		if err != nil {
			logging.Named("token").Warnw("refresh failed", "connectionId", connectionID, "error", err)
			rec.Invalid = true
			_ = p.cache.Put(connectionID, rec)
			f.err = errs.Mark(errs.Wrap(err, "identity refresh"), errs.ErrTokenRefreshFailed)
			return
		}
		newRec := &model.AccessTokenRecord{
			ConnectionID:    connectionID,
			Token:           resp.AccessToken,
			ExpiresAt:       resp.ExpiresAt,
			Principal:       rec.Principal,
			RefreshMaterial: resp.RefreshMaterial,
		}
		if err := p.cache.Put(connectionID, newRec); err != nil {
			f.err = errs.Wrap(err, "persist refreshed token")
			return
		}
		f.rec = newRec
	}()
	return f
}

func (p *Provider) markExpiredOnce(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expiredSent[connectionID] {
		return
	}
	p.expiredSent[connectionID] = true
	if p.notify != nil {
		p.notify(connectionID)
	}
}

func (p *Provider) clearExpiredLatch(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.expiredSent, connectionID)
}

// HasValid reports whether the cache holds a currently-valid token.
func (p *Provider) HasValid(connectionID string) bool {
	rec, err := p.cache.Get(connectionID)
	if err != nil {
		return false
	}
	return rec.Valid(time.Now(), p.skew)
}

// Logout clears the cached record for a connection.
func (p *Provider) Logout(connectionID string) error {
	return p.cache.Delete(connectionID)
}
