// Package upstream is the read-through REST client for the backend
// API. Reads go cache first, then a deduplicated fetch; mutations
// return the authoritative server payload for the optimistic
// controller to commit.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openedge-labs/kestrel/internal/dedupe"
	"github.com/openedge-labs/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-upstream")

// Client talks to the backend REST API on behalf of gateway sessions.
type Client struct {
	baseURL string
	http    *http.Client
	cache   domain.Cache
	dedupe  *dedupe.Deduplicator

	timeout  time.Duration
	validate *validator.Validate

	// retryDelay is the pause before the single profile 404 retry that
	// absorbs replication lag right after signup.
	retryDelay time.Duration
}

// New creates a client. transport should already carry the bearer and
// backoff interceptors.
func New(cfg domain.UpstreamConfig, transport http.RoundTripper, cache domain.Cache, dd *dedupe.Deduplicator) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		http:       &http.Client{Transport: transport},
		cache:      cache,
		dedupe:     dd,
		timeout:    timeout,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		retryDelay: 300 * time.Millisecond,
	}
}

// ListPosts returns one page of the feed, cache first.
func (c *Client) ListPosts(ctx context.Context, userID, page string) ([]domain.Post, error) {
	ctx, span := tracer.Start(ctx, "upstream.ListPosts",
		trace.WithAttributes(attribute.String("page", page)))
	defer span.End()

	if page == "" {
		page = "1"
	}
	payload, err := c.readThrough(ctx, userID, domain.PostListKey(page), domain.TTLPost, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodGet, "/api/posts?page="+url.QueryEscape(page), nil)
	})
	if err != nil {
		return nil, err
	}

	var posts []domain.Post
	if err := json.Unmarshal(payload, &posts); err != nil {
		return nil, fmt.Errorf("failed to decode posts: %w", err)
	}
	return posts, nil
}

// GetPost returns a single post, cache first.
func (c *Client) GetPost(ctx context.Context, userID, postID string) (*domain.Post, error) {
	ctx, span := tracer.Start(ctx, "upstream.GetPost",
		trace.WithAttributes(attribute.String("post_id", postID)))
	defer span.End()

	payload, err := c.readThrough(ctx, userID, domain.PostKey(postID), domain.TTLPost, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodGet, "/api/posts/"+url.PathEscape(postID), nil)
	})
	if err != nil {
		return nil, err
	}

	var post domain.Post
	if err := json.Unmarshal(payload, &post); err != nil {
		return nil, fmt.Errorf("failed to decode post: %w", err)
	}
	return &post, nil
}

// Like records a like and returns the authoritative post payload.
func (c *Client) Like(ctx context.Context, userID, postID string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "upstream.Like")
	defer span.End()
	return c.do(ctx, http.MethodPost, "/api/posts/"+url.PathEscape(postID)+"/like", nil)
}

// Unlike removes a like and returns the authoritative post payload.
func (c *Client) Unlike(ctx context.Context, userID, postID string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "upstream.Unlike")
	defer span.End()
	return c.do(ctx, http.MethodDelete, "/api/posts/"+url.PathEscape(postID)+"/like", nil)
}

// ListComments returns a post's comments, cache first.
func (c *Client) ListComments(ctx context.Context, userID, postID string) ([]domain.Comment, error) {
	ctx, span := tracer.Start(ctx, "upstream.ListComments")
	defer span.End()

	payload, err := c.readThrough(ctx, userID, domain.CommentsKey(postID), domain.TTLPost, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodGet, "/api/posts/"+url.PathEscape(postID)+"/comments", nil)
	})
	if err != nil {
		return nil, err
	}

	var comments []domain.Comment
	if err := json.Unmarshal(payload, &comments); err != nil {
		return nil, fmt.Errorf("failed to decode comments: %w", err)
	}
	return comments, nil
}

// AddComment submits a comment and returns the authoritative comments
// payload for the post.
func (c *Client) AddComment(ctx context.Context, userID, postID, body string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "upstream.AddComment")
	defer span.End()

	if err := c.validate.Var(body, "required,max=2000"); err != nil {
		return nil, fmt.Errorf("invalid comment: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/posts/"+url.PathEscape(postID)+"/comments",
		map[string]string{"body": body})
}

// LikeComment toggles a like on a comment and returns the authoritative
// comments payload for the owning post. Only the comments entry is
// affected, never the post itself.
func (c *Client) LikeComment(ctx context.Context, userID, commentID string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "upstream.LikeComment")
	defer span.End()
	return c.do(ctx, http.MethodPost, "/api/comments/"+url.PathEscape(commentID)+"/like", nil)
}

// GetProfile returns the user's profile, cache first. A 404 right
// after signup is retried once to absorb replication lag.
func (c *Client) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	ctx, span := tracer.Start(ctx, "upstream.GetProfile")
	defer span.End()

	payload, err := c.readThrough(ctx, userID, domain.ProfileKey(userID), domain.TTLProfile, func(ctx context.Context) ([]byte, error) {
		body, err := c.do(ctx, http.MethodGet, "/api/profile", nil)
		if errors.Is(err, domain.ErrNotFound) {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, domain.ErrTimeout
			}
			body, err = c.do(ctx, http.MethodGet, "/api/profile", nil)
		}
		return body, err
	})
	if err != nil {
		return nil, err
	}

	var profile domain.Profile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &profile, nil
}

// UpdateProfile validates and submits profile changes, then refreshes
// the cached entry with the authoritative result.
func (c *Client) UpdateProfile(ctx context.Context, userID string, profile domain.Profile) (*domain.Profile, error) {
	ctx, span := tracer.Start(ctx, "upstream.UpdateProfile")
	defer span.End()

	if err := c.validate.Struct(profile); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}

	payload, err := c.do(ctx, http.MethodPut, "/api/profile", profile)
	if err != nil {
		return nil, err
	}

	var updated domain.Profile
	if err := json.Unmarshal(payload, &updated); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	key := domain.ProfileKey(userID)
	if err := c.cache.Set(ctx, userID, key, payload, domain.TTLProfile); err != nil {
		slog.Debug("profile cache not refreshed", "error", err)
	}
	c.dedupe.Forget(userID + "|" + key)

	return &updated, nil
}

// CreateSession exchanges an identity-provider credential for a backend
// session.
func (c *Client) CreateSession(ctx context.Context, credential string) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "upstream.CreateSession")
	defer span.End()

	payload, err := c.do(ctx, http.MethodPost, "/api/auth/session",
		map[string]string{"credential": credential})
	if err != nil {
		return nil, err
	}

	var session domain.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// DeleteSession ends the backend session.
func (c *Client) DeleteSession(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "upstream.DeleteSession")
	defer span.End()

	_, err := c.do(ctx, http.MethodDelete, "/api/auth/session", nil)
	return err
}

// IncrementViews records a post view. Fire-and-forget at the worker
// level; this call itself still reports errors so the worker can log
// them.
func (c *Client) IncrementViews(ctx context.Context, userID, postID string) error {
	ctx, span := tracer.Start(ctx, "upstream.IncrementViews")
	defer span.End()

	_, err := c.do(ctx, http.MethodPost, "/api/posts/"+url.PathEscape(postID)+"/view", nil)
	return err
}

// InvalidatePost drops a post's cached entries so the next read
// refetches. List pages are dropped wholesale; they embed like counts.
func (c *Client) InvalidatePost(ctx context.Context, userID, postID string) {
	for _, key := range []string{domain.PostKey(postID), domain.CommentsKey(postID)} {
		if err := c.cache.Delete(ctx, userID, key); err != nil {
			slog.Debug("post cache invalidation failed", "key", key, "error", err)
		}
		c.dedupe.Forget(userID + "|" + key)
	}
	if err := c.cache.DeletePrefix(ctx, userID, domain.PrefixPostList); err != nil {
		slog.Debug("post list invalidation failed", "error", err)
	}
}

// readThrough serves from cache when possible, otherwise collapses
// concurrent identical fetches and populates the cache with the result.
// Cache read errors are misses; cache write errors degrade to no-cache.
func (c *Client) readThrough(ctx context.Context, userID, key string, ttl time.Duration, fetch func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, err := c.cache.Get(ctx, userID, key); err == nil && v != nil {
		return v, nil
	}

	return c.dedupe.Do(ctx, userID+"|"+key, func(ctx context.Context) ([]byte, error) {
		payload, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(ctx, userID, key, payload, ttl); err != nil {
			slog.Debug("cache write skipped", "key", key, "error", err)
		}
		return payload, nil
	})
}

// do performs one round-trip with the client timeout applied and maps
// failures onto the gateway error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrNetworkUnavailable
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return payload, nil
	}
	return nil, mapStatus(resp, payload)
}

// mapTransportError converts client/transport failures into taxonomy
// errors. Interceptor errors (backoff rejection, session expiry) pass
// through url.Error wrapping.
func mapTransportError(err error) error {
	var limited *domain.RateLimitedError
	if errors.As(err, &limited) {
		return limited
	}
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return domain.ErrUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrTimeout
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return domain.ErrTimeout
	}
	return domain.ErrNetworkUnavailable
}

// mapStatus converts a non-2xx response into a taxonomy error. Error
// bodies may carry {"error": ...} or {"message": ...}.
func mapStatus(resp *http.Response, payload []byte) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusTooManyRequests:
		wait := 30 * time.Second
		if hint := resp.Header.Get("Retry-After"); hint != "" {
			if secs, err := strconv.Atoi(hint); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &domain.RateLimitedError{RetryAt: time.Now().Add(wait), Wait: wait}
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &body)
	message := body.Error
	if message == "" {
		message = body.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &domain.ServerRejectedError{Status: resp.StatusCode, Message: message}
}
