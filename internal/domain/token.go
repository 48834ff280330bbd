package domain

import (
	"context"
	"time"
)

// Token is a bearer credential with its provider-reported expiry.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the token can still be used at the given instant,
// keeping margin of headroom below the real expiry.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Before(t.ExpiresAt.Add(-margin))
}

// TokenSource is the identity-provider dependency of the token broker.
// Implementations wrap the Firebase-compatible identity SDK.
type TokenSource interface {
	// Fetch requests a fresh credential for the current principal.
	// Returns nil, nil when no principal is signed in - that is not
	// an error.
	Fetch(ctx context.Context) (*Token, error)
}

// AuthConfig holds token broker and transport settings.
type AuthConfig struct {
	// ProviderURL is the identity provider's token endpoint. Empty
	// means no provider: every session is treated as signed out.
	ProviderURL string `env:"AUTH_PROVIDER_URL"`

	// ProviderAPIKey authenticates the gateway to the provider.
	ProviderAPIKey string `env:"AUTH_PROVIDER_API_KEY"`

	// RefreshMargin is subtracted from the provider expiry so the
	// broker refreshes before the credential actually dies.
	RefreshMargin time.Duration `env:"AUTH_REFRESH_MARGIN"`

	// PublicPaths never carry credentials. An exact match is public
	// for any method; a prefix match covers GET/HEAD only, so
	// mutations under a public read prefix still authenticate.
	PublicPaths []string `env:"AUTH_PUBLIC_PATHS" envSeparator:","`

	// DefaultBackoff is the rate-limit window used when a 429 carries
	// no Retry-After hint.
	DefaultBackoff time.Duration `env:"AUTH_DEFAULT_BACKOFF"`
}
