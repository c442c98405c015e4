package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddkit/ddk/internal/errs"
)

func TestLoginInteractive_ContextCancelledBeforeCallbackReturnsCancelled(t *testing.T) {
	identity := &fakeIdentity{}
	p := newTestProvider(t, identity, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.LoginInteractive(ctx, "conn-1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrCancelled))
}

func TestRandomToken_ProducesDistinctValuesOfRequestedEntropy(t *testing.T) {
	a, err := randomToken(16)
	require.NoError(t, err)
	b, err := randomToken(16)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

func TestLoginInteractive_TimesOutWithoutHangingForever(t *testing.T) {
	identity := &fakeIdentity{}
	p := newTestProvider(t, identity, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.LoginInteractive(ctx, "conn-1")
	require.Error(t, err)
}
