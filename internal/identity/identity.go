// Package identity issues and checks anonymous identities.
//
// An identity is a random UUID carried as the subject of an HS256 token. No
// account or password stands behind it; signing out revokes the token and
// tells every watcher that the identity is gone.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"anon-forum/internal/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	issuer          = "anon-forum"
	defaultTokenTTL = 30 * 24 * time.Hour
)

// Claims represents the token claims. Subject is the user id, ID the token id.
type Claims struct {
	jwt.RegisteredClaims
}

type Identity struct {
	UserID    string
	TokenID   string
	ExpiresAt time.Time
}

// AuthState is published whenever an identity signs in or out.
type AuthState struct {
	UserID   string
	SignedIn bool
	At       time.Time
}

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

type Provider struct {
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	revoked *expirable.LRU[string, time.Time]

	mu       sync.Mutex
	watchers map[int]chan AuthState
	nextID   int
}

func NewProvider(secret []byte, ttl time.Duration, opts ...Option) (*Provider, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: signing secret is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	p := &Provider{
		secret:   secret,
		ttl:      ttl,
		now:      time.Now,
		logger:   slog.Default(),
		watchers: make(map[int]chan AuthState),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "identity")
	// A revoked token only has to be remembered until it would have expired.
	// Size 0 leaves the set bounded by the TTL alone, so nothing is evicted early.
	p.revoked = expirable.NewLRU[string, time.Time](0, nil, ttl)
	return p, nil
}

// SignInAnonymously creates a fresh identity and returns its signed token.
func (p *Provider) SignInAnonymously(ctx context.Context) (string, *Identity, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	now := p.now()
	id := &Identity{
		UserID:    uuid.NewString(),
		TokenID:   uuid.NewString(),
		ExpiresAt: now.Add(p.ttl),
	}
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(id.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   id.UserID,
			ID:        id.TokenID,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	p.logger.Info("anonymous identity issued", "user", id.UserID)
	p.publish(AuthState{UserID: id.UserID, SignedIn: true, At: now})
	return token, id, nil
}

// Validate checks the token signature, lifetime and revocation.
func (p *Provider) Validate(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, utils.NewUnauthorizedError("token required")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (interface{}, error) {
			return p.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, utils.NewAppError(utils.ErrInvalidToken, "token expired", err)
		}
		return nil, utils.NewAppError(utils.ErrInvalidToken, "invalid token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, utils.NewAppError(utils.ErrInvalidToken, "invalid token", nil)
	}
	if p.revoked.Contains(claims.ID) {
		return nil, utils.NewAppError(utils.ErrInvalidToken, "token revoked", nil)
	}
	return &Identity{
		UserID:    claims.Subject,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// SignOut revokes the token. Signing out twice is an error.
func (p *Provider) SignOut(tokenString string) (*Identity, error) {
	id, err := p.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	p.revoked.Add(id.TokenID, p.now())
	p.logger.Info("identity signed out", "user", id.UserID)
	p.publish(AuthState{UserID: id.UserID, SignedIn: false, At: p.now()})
	return id, nil
}

// Changes streams auth state changes until cancel is called. A watcher that
// falls more than buffer changes behind misses the overflow.
func (p *Provider) Changes(buffer int) (<-chan AuthState, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan AuthState, buffer)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.watchers, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *Provider) publish(state AuthState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.watchers {
		select {
		case ch <- state:
		default:
			p.logger.Warn("auth watcher is behind, change dropped", "watcher", id, "user", state.UserID)
		}
	}
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity saves the identity in the request context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext retrieves the identity from the context
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// UserID returns the caller's user id, or "" when signed out.
func UserID(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id.UserID
	}
	return ""
}
