package auth

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openedge-labs/kestrel/internal/domain"
)

// NewTransport builds the outgoing interceptor chain: bearer injection
// over rate-limit backoff over base. The backoff sits inside so the
// single 401 refresh-and-retry still honors an active backoff window.
func NewTransport(base http.RoundTripper, broker *Broker, cfg domain.AuthConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	backoff := &BackoffTransport{
		base:           base,
		defaultBackoff: cfg.DefaultBackoff,
		now:            time.Now,
	}
	return &BearerTransport{
		base:        backoff,
		broker:      broker,
		publicPaths: cfg.PublicPaths,
	}
}

// BearerTransport attaches the broker's credential to outgoing
// requests. Public endpoints are skipped. On a 401 it invalidates the
// broker, refreshes once, and retries once; a second 401 passes
// through for the caller to surface as a session-expired error.
type BearerTransport struct {
	base        http.RoundTripper
	broker      *Broker
	publicPaths []string
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.isPublic(req) {
		return t.base.RoundTrip(req)
	}

	token, err := t.broker.Token(req.Context())
	if err != nil {
		return nil, err
	}

	attempt := req
	if token != "" {
		attempt = req.Clone(req.Context())
		attempt.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.base.RoundTrip(attempt)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || token == "" {
		return resp, nil
	}

	// Single refresh-and-retry pass; mutation bodies must be
	// replayable for it to apply.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	resp.Body.Close()
	t.broker.Invalidate()

	fresh, err := t.broker.Refresh(req.Context())
	if err != nil {
		return nil, err
	}
	if fresh == "" {
		return nil, domain.ErrUnauthorized
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+fresh)

	return t.base.RoundTrip(retry)
}

// isPublic reports whether the request goes out without a credential.
// Exact matches are public for any method; prefix matches cover reads
// only, so mutations under a public read prefix still authenticate.
func (t *BearerTransport) isPublic(req *http.Request) bool {
	for _, p := range t.publicPaths {
		if req.URL.Path == p {
			return true
		}
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			continue
		}
		if strings.HasPrefix(req.URL.Path, p) {
			return true
		}
	}
	return false
}

// BackoffTransport enforces client-side rate-limit backoff. After a 429
// it records a resume time from the Retry-After hint (or a default
// window) and rejects every request locally until that time passes -
// the server is never contacted while the window is open.
type BackoffTransport struct {
	base           http.RoundTripper
	defaultBackoff time.Duration

	mu      sync.Mutex
	retryAt time.Time
	now     func() time.Time
}

func (t *BackoffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	now := t.now()

	t.mu.Lock()
	retryAt := t.retryAt
	t.mu.Unlock()

	if now.Before(retryAt) {
		return nil, &domain.RateLimitedError{
			RetryAt: retryAt,
			Wait:    retryAt.Sub(now),
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := t.retryAfter(resp)
		t.mu.Lock()
		t.retryAt = t.now().Add(wait)
		t.mu.Unlock()

		slog.Warn("rate limited by upstream",
			"path", req.URL.Path,
			"resume_in", wait,
		)
	}

	return resp, nil
}

// retryAfter reads the Retry-After hint: seconds, or an HTTP-date.
// Absent or malformed hints fall back to the default window.
func (t *BackoffTransport) retryAfter(resp *http.Response) time.Duration {
	fallback := t.defaultBackoff
	if fallback <= 0 {
		fallback = 30 * time.Second
	}

	hint := resp.Header.Get("Retry-After")
	if hint == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(hint); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(hint); err == nil {
		if wait := at.Sub(t.now()); wait > 0 {
			return wait
		}
	}
	return fallback
}
