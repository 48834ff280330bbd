package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openedge-labs/kestrel/internal/domain"
)

// HTTPSource fetches credentials from a Firebase-compatible identity
// provider over HTTP.
type HTTPSource struct {
	url    string
	apiKey string
	http   *http.Client
}

// NewHTTPSource creates a source for the provider's token endpoint.
func NewHTTPSource(cfg domain.AuthConfig) *HTTPSource {
	return &HTTPSource{
		url:    cfg.ProviderURL,
		apiKey: cfg.ProviderAPIKey,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch requests a fresh credential. A provider 401/404 means no
// signed-in principal, which is not an error.
func (s *HTTPSource) Fetch(ctx context.Context) (*domain.Token, error) {
	if s.url == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusNotFound:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("identity provider returned %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
		ExpiresIn int       `json:"expiresIn"` // seconds, alternative shape
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.Token == "" {
		return nil, nil
	}

	expires := body.ExpiresAt
	if expires.IsZero() && body.ExpiresIn > 0 {
		expires = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}

	return &domain.Token{Value: body.Token, ExpiresAt: expires}, nil
}
