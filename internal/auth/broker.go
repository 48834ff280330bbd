// Package auth provides the token broker and the outgoing-request
// interceptors that attach credentials and enforce rate-limit backoff.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/openedge-labs/kestrel/internal/domain"
)

// tokenKey is the store key for the last-known credential.
const tokenKey = domain.PrefixToken + "identity"

// brokerScope is the store namespace for the gateway's own credential.
const brokerScope = "_gateway"

// Broker caches a bearer credential with its expiry, refreshes on
// demand through the identity provider, and invalidates on sign-out or
// 401. The clock is injected so expiry behavior is testable.
type Broker struct {
	source domain.TokenSource
	store  domain.Cache // optional; persists the last-known token
	margin time.Duration

	mu     sync.RWMutex
	cached *domain.Token

	group singleflight.Group
	now   func() time.Time
}

// NewBroker creates a broker. store may be nil; when present, a
// still-valid persisted token from a previous run is reused.
func NewBroker(source domain.TokenSource, store domain.Cache, cfg domain.AuthConfig) *Broker {
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = 5 * time.Minute
	}

	b := &Broker{
		source: source,
		store:  store,
		margin: margin,
		now:    time.Now,
	}
	b.loadPersisted()
	return b
}

// Token returns the cached credential while it remains valid, otherwise
// refreshes through the identity provider. Returns "" with no error
// when no principal is signed in.
func (b *Broker) Token(ctx context.Context) (string, error) {
	b.mu.RLock()
	cached := b.cached
	b.mu.RUnlock()

	if cached != nil && cached.Valid(b.now(), b.margin) {
		return cached.Value, nil
	}

	return b.Refresh(ctx)
}

// Refresh fetches a fresh credential unconditionally. Concurrent
// refreshes collapse into one provider round-trip.
func (b *Broker) Refresh(ctx context.Context) (string, error) {
	v, err, _ := b.group.Do("refresh", func() (interface{}, error) {
		token, err := b.source.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		if token == nil {
			// Signed out: not an error
			b.setCached(nil)
			return "", nil
		}

		resolved := *token
		if exp, ok := jwtExpiry(token.Value); ok {
			resolved.ExpiresAt = exp
		}

		b.setCached(&resolved)
		b.persist(ctx, &resolved)
		return resolved.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate clears the cached credential. Called on sign-out and on
// receipt of a 401 from any downstream API.
func (b *Broker) Invalidate() {
	b.setCached(nil)

	if b.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.store.Delete(ctx, brokerScope, tokenKey); err != nil {
			slog.Debug("failed to clear persisted token", "error", err)
		}
	}
}

func (b *Broker) setCached(t *domain.Token) {
	b.mu.Lock()
	b.cached = t
	b.mu.Unlock()
}

func (b *Broker) loadPersisted() {
	if b.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := b.store.Get(ctx, brokerScope, tokenKey)
	if err != nil || raw == nil {
		return
	}

	var token domain.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return
	}
	if token.Valid(b.now(), b.margin) {
		b.setCached(&token)
	}
}

// persist writes the token best-effort; a failed cache write degrades
// to "no persistence", never to a broker error.
func (b *Broker) persist(ctx context.Context, t *domain.Token) {
	if b.store == nil {
		return
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := b.store.Set(ctx, brokerScope, tokenKey, raw, domain.TTLToken); err != nil {
		slog.Debug("failed to persist token", "error", err)
	}
}

// jwtExpiry extracts the exp claim when the credential is a JWT. The
// signature is not verified - the gateway is not the token's audience,
// it only needs the expiry for cache scheduling.
func jwtExpiry(value string) (time.Time, bool) {
	token, _, err := jwt.NewParser().ParseUnverified(value, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
