package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"anon-forum/internal/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newProvider(t *testing.T) (*Provider, *clock) {
	t.Helper()
	c := &clock{now: time.Now()}
	p, err := NewProvider([]byte("test-secret"), time.Hour, WithClock(c.Now))
	require.NoError(t, err)
	return p, c
}

func TestSignInAndValidate(t *testing.T) {
	p, _ := newProvider(t)

	token, id, err := p.SignInAnonymously(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id.UserID)

	got, err := p.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, id.UserID, got.UserID)
	assert.Equal(t, id.TokenID, got.TokenID)

	_, other, err := p.SignInAnonymously(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, id.UserID, other.UserID)
}

func TestValidateRejects(t *testing.T) {
	p, c := newProvider(t)
	token, _, err := p.SignInAnonymously(context.Background())
	require.NoError(t, err)

	foreign, err := NewProvider([]byte("other-secret"), time.Hour)
	require.NoError(t, err)
	foreignToken, _, err := foreign.SignInAnonymously(context.Background())
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x", Issuer: issuer})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = p.Validate("")
	assert.True(t, utils.IsErrorCode(err, utils.ErrUnauthorized))

	for _, bad := range []string{"garbage", foreignToken, unsigned} {
		_, err = p.Validate(bad)
		assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidToken), bad)
	}

	c.Advance(2 * time.Hour)
	_, err = p.Validate(token)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidToken))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestSignOutRevokesAndNotifies(t *testing.T) {
	p, _ := newProvider(t)
	changes, cancel := p.Changes(4)
	defer cancel()

	token, id, err := p.SignInAnonymously(context.Background())
	require.NoError(t, err)
	in := <-changes
	assert.Equal(t, AuthState{UserID: id.UserID, SignedIn: true, At: in.At}, in)

	out, err := p.SignOut(token)
	require.NoError(t, err)
	assert.Equal(t, id.UserID, out.UserID)

	state := <-changes
	assert.Equal(t, id.UserID, state.UserID)
	assert.False(t, state.SignedIn)

	_, err = p.Validate(token)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidToken))
	_, err = p.SignOut(token)
	assert.Error(t, err)
}

func TestRevocationSurvivesManySignOuts(t *testing.T) {
	p, _ := newProvider(t)
	token, _, err := p.SignInAnonymously(context.Background())
	require.NoError(t, err)
	_, err = p.SignOut(token)
	require.NoError(t, err)

	for i := 0; i < 150_000; i++ {
		p.revoked.Add(fmt.Sprintf("jti-%d", i), time.Now())
	}

	_, err = p.Validate(token)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidToken))
}

func TestChangesCancelIsIdempotent(t *testing.T) {
	p, _ := newProvider(t)
	changes, cancel := p.Changes(1)
	cancel()
	cancel()
	_, open := <-changes
	assert.False(t, open)

	// Publishing with no watchers must not block.
	_, _, err := p.SignInAnonymously(context.Background())
	require.NoError(t, err)
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	_, ok := FromContext(ctx)
	assert.False(t, ok)
	assert.Empty(t, UserID(ctx))

	ctx = WithIdentity(ctx, &Identity{UserID: "u1"})
	assert.Equal(t, "u1", UserID(ctx))
}

func TestNewProviderRequiresSecret(t *testing.T) {
	_, err := NewProvider(nil, time.Hour)
	assert.Error(t, err)
}
