package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openedge-labs/kestrel/internal/cache"
	"github.com/openedge-labs/kestrel/internal/dedupe"
	"github.com/openedge-labs/kestrel/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(domain.UpstreamConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
	}, nil, cache.NewMemoryCache(1000, 1<<20), dedupe.New())
	c.retryDelay = 5 * time.Millisecond
	return c, srv
}

func TestReadThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("SecondReadServedFromCache", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(`[{"id":"1","title":"hello","likes":[]}]`))
		}))

		for i := 0; i < 3; i++ {
			posts, err := c.ListPosts(ctx, "user-001", "1")
			if err != nil {
				t.Fatalf("ListPosts failed: %v", err)
			}
			if len(posts) != 1 || posts[0].ID != "1" {
				t.Fatalf("unexpected posts %+v", posts)
			}
		}

		if n := calls.Load(); n != 1 {
			t.Errorf("expected 1 upstream call, got %d", n)
		}
	})

	t.Run("ConcurrentReadsCollapse", func(t *testing.T) {
		var calls atomic.Int32
		release := make(chan struct{})
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			<-release
			w.Write([]byte(`{"id":"42","title":"t","likes":[]}`))
		}))

		const n = 10
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				if _, err := c.GetPost(ctx, "user-001", "42"); err != nil {
					t.Errorf("GetPost failed: %v", err)
				}
			}()
		}

		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		if got := calls.Load(); got != 1 {
			t.Errorf("expected 1 collapsed call, got %d", got)
		}
	})

	t.Run("UsersDoNotShareCache", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(`[]`))
		}))

		if _, err := c.ListPosts(ctx, "user-001", "1"); err != nil {
			t.Fatal(err)
		}
		if _, err := c.ListPosts(ctx, "user-002", "1"); err != nil {
			t.Fatal(err)
		}

		if n := calls.Load(); n != 2 {
			t.Errorf("expected per-user fetches, got %d calls", n)
		}
	})
}

func TestProfileRetryOn404(t *testing.T) {
	ctx := context.Background()

	t.Run("SingleRetryAbsorbsLag", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(`{"userId":"user-001","displayName":"Ada"}`))
		}))

		profile, err := c.GetProfile(ctx, "user-001")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if profile.DisplayName != "Ada" {
			t.Errorf("unexpected profile %+v", profile)
		}
		if n := calls.Load(); n != 2 {
			t.Errorf("expected exactly one retry, got %d calls", n)
		}
	})

	t.Run("PersistentMissSurfacesNotFound", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))

		if _, err := c.GetProfile(ctx, "user-001"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if n := calls.Load(); n != 2 {
			t.Errorf("expected 2 calls then give up, got %d", n)
		}
	})
}

func TestMutations(t *testing.T) {
	ctx := context.Background()

	t.Run("LikeReturnsAuthoritativePayload", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/api/posts/42/like" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			w.Write([]byte(`{"id":"42","likes":["user-001","user-009"]}`))
		}))

		payload, err := c.Like(ctx, "user-001", "42")
		if err != nil {
			t.Fatalf("Like failed: %v", err)
		}
		if string(payload) != `{"id":"42","likes":["user-001","user-009"]}` {
			t.Errorf("unexpected payload %s", payload)
		}
	})

	t.Run("InvalidCommentNeverSent", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))

		if _, err := c.AddComment(ctx, "user-001", "42", ""); err == nil {
			t.Fatal("expected validation error for empty comment")
		}
		if n := calls.Load(); n != 0 {
			t.Errorf("expected no network call, got %d", n)
		}
	})

	t.Run("InvalidProfileNeverSent", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))

		bad := domain.Profile{UserID: "user-001", Email: "not-an-email"}
		if _, err := c.UpdateProfile(ctx, "user-001", bad); err == nil {
			t.Fatal("expected validation error for bad email")
		}
		if n := calls.Load(); n != 0 {
			t.Errorf("expected no network call, got %d", n)
		}
	})

	t.Run("UpdateProfileRefreshesCache", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(`{"userId":"user-001","displayName":"Grace"}`))
		}))

		updated, err := c.UpdateProfile(ctx, "user-001", domain.Profile{UserID: "user-001", DisplayName: "Grace"})
		if err != nil {
			t.Fatalf("UpdateProfile failed: %v", err)
		}
		if updated.DisplayName != "Grace" {
			t.Errorf("unexpected profile %+v", updated)
		}

		// The follow-up read is served from the refreshed cache entry
		profile, err := c.GetProfile(ctx, "user-001")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if profile.DisplayName != "Grace" {
			t.Errorf("expected cached update, got %+v", profile)
		}
		if n := calls.Load(); n != 1 {
			t.Errorf("expected 1 call total, got %d", n)
		}
	})
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("Unauthorized", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		if _, err := c.Like(ctx, "user-001", "1"); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("RateLimitedWithHint", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "15")
			w.WriteHeader(http.StatusTooManyRequests)
		}))

		_, err := c.Like(ctx, "user-001", "1")
		var limited *domain.RateLimitedError
		if !errors.As(err, &limited) {
			t.Fatalf("expected RateLimitedError, got %v", err)
		}
		if limited.Wait != 15*time.Second {
			t.Errorf("expected 15s wait, got %s", limited.Wait)
		}
	})

	t.Run("ServerRejectionCarriesMessage", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"error":"post is locked"}`))
		}))

		_, err := c.Like(ctx, "user-001", "1")
		var rejected *domain.ServerRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("expected ServerRejectedError, got %v", err)
		}
		if rejected.Message != "post is locked" {
			t.Errorf("unexpected message %q", rejected.Message)
		}
	})

	t.Run("MessageFieldFallback", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"message":"upstream exploded"}`))
		}))

		_, err := c.Like(ctx, "user-001", "1")
		var rejected *domain.ServerRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("expected ServerRejectedError, got %v", err)
		}
		if rejected.Message != "upstream exploded" {
			t.Errorf("unexpected message %q", rejected.Message)
		}
	})

	t.Run("TimeoutMapsToErrTimeout", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		c.timeout = 30 * time.Millisecond

		if _, err := c.Like(ctx, "user-001", "1"); !errors.Is(err, domain.ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
	})
}

func TestInvalidatePost(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"id":"42","title":"t","likes":[]}`))
	}))

	if _, err := c.GetPost(ctx, "user-001", "42"); err != nil {
		t.Fatal(err)
	}

	c.InvalidatePost(ctx, "user-001", "42")

	if _, err := c.GetPost(ctx, "user-001", "42"); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected refetch after invalidation, got %d calls", n)
	}
}
