package token

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/model"
)

type fakeIdentity struct {
	refreshCalls  int32
	refreshErr    error
	exchangeToken string
}

func (f *fakeIdentity) Name() string { return "fake" }
func (f *fakeIdentity) AuthURL(state, codeChallenge string) string {
	return "https://login.example.com/authorize?state=" + state
}
func (f *fakeIdentity) Exchange(ctx context.Context, code, codeVerifier string) (TokenResponse, error) {
	return TokenResponse{AccessToken: f.exchangeToken, ExpiresAt: time.Now().Add(time.Hour)}, nil
}
func (f *fakeIdentity) Refresh(ctx context.Context, refreshMaterial string) (TokenResponse, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshErr != nil {
		return TokenResponse{}, f.refreshErr
	}
	time.Sleep(10 * time.Millisecond)
	return TokenResponse{AccessToken: "refreshed-" + refreshMaterial, RefreshMaterial: refreshMaterial, ExpiresAt: time.Now().Add(time.Hour)}, nil
}
func (f *fakeIdentity) UserInfo(ctx context.Context, accessToken string) (string, error) {
	return "alice", nil
}

func newTestProvider(t *testing.T, identity IdentityProvider, notify SessionExpiredNotifier) *Provider {
	t.Helper()
	dir := t.TempDir()
	cache, err := OpenCache(filepath.Join(dir, "tokens.db"), filepath.Join(dir, "key.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return NewProvider(identity, cache, time.Minute, notify)
}

func TestGetAccessToken_ReturnsCachedTokenWhenValid(t *testing.T) {
	identity := &fakeIdentity{}
	p := newTestProvider(t, identity, nil)
	require.NoError(t, p.cache.Put("conn-1", &model.AccessTokenRecord{
		ConnectionID: "conn-1", Token: "cached", ExpiresAt: time.Now().Add(time.Hour),
	}))

	tok, _, err := p.GetAccessToken(context.Background(), "conn-1", "https://service")
	require.NoError(t, err)
	assert.Equal(t, "cached", tok)
	assert.Equal(t, int32(0), atomic.LoadInt32(&identity.refreshCalls))
}

func TestGetAccessToken_RefreshesWhenExpired(t *testing.T) {
	identity := &fakeIdentity{}
	p := newTestProvider(t, identity, nil)
	require.NoError(t, p.cache.Put("conn-1", &model.AccessTokenRecord{
		ConnectionID: "conn-1", Token: "stale", RefreshMaterial: "rt-1", ExpiresAt: time.Now().Add(-time.Hour),
	}))

	tok, _, err := p.GetAccessToken(context.Background(), "conn-1", "https://service")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-rt-1", tok)
}

func TestGetAccessToken_NoCacheRecordFailsWithAuthRequired(t *testing.T) {
	identity := &fakeIdentity{}
	p := newTestProvider(t, identity, nil)

	_, _, err := p.GetAccessToken(context.Background(), "conn-1", "https://service")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrAuthRequired))
}

func TestGetAccessToken_ConcurrentCallersCoalesceOntoOneRefresh(t *testing.T) {
	identity := &fakeIdentity{}
	p := newTestProvider(t, identity, nil)
	require.NoError(t, p.cache.Put("conn-1", &model.AccessTokenRecord{
		ConnectionID: "conn-1", Token: "stale", RefreshMaterial: "rt-1", ExpiresAt: time.Now().Add(-time.Hour),
	}))

	results := make(chan string, 5)
	for i := 0; i < 5; i++ {
		go func() {
			tok, _, err := p.GetAccessToken(context.Background(), "conn-1", "https://service")
			require.NoError(t, err)
			results <- tok
		}()
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, "refreshed-rt-1", <-results)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&identity.refreshCalls))
}

func TestGetAccessToken_RefreshFailureNotifiesOnce(t *testing.T) {
	identity := &fakeIdentity{refreshErr: assertError("refresh down")}
	var notified int32
	p := newTestProvider(t, identity, func(connectionID string) { atomic.AddInt32(&notified, 1) })
	require.NoError(t, p.cache.Put("conn-1", &model.AccessTokenRecord{
		ConnectionID: "conn-1", Token: "stale", RefreshMaterial: "rt-1", ExpiresAt: time.Now().Add(-time.Hour),
	}))

	_, _, err := p.GetAccessToken(context.Background(), "conn-1", "https://service")
	require.Error(t, err)
	_, _, err = p.GetAccessToken(context.Background(), "conn-1", "https://service")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&notified))
}

func TestHasValid_ReflectsCacheState(t *testing.T) {
	identity := &fakeIdentity{}
	p := newTestProvider(t, identity, nil)
	assert.False(t, p.HasValid("conn-1"))

	require.NoError(t, p.cache.Put("conn-1", &model.AccessTokenRecord{Token: "x", ExpiresAt: time.Now().Add(time.Hour)}))
	assert.True(t, p.HasValid("conn-1"))
}

func TestLogout_ClearsCachedRecord(t *testing.T) {
	identity := &fakeIdentity{}
	p := newTestProvider(t, identity, nil)
	require.NoError(t, p.cache.Put("conn-1", &model.AccessTokenRecord{Token: "x", ExpiresAt: time.Now().Add(time.Hour)}))

	require.NoError(t, p.Logout("conn-1"))
	assert.False(t, p.HasValid("conn-1"))
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertError(msg string) error { return simpleError(msg) }
