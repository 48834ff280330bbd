package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/openedge-labs/kestrel/internal/domain"
	"github.com/openedge-labs/kestrel/internal/optimistic"
	"github.com/openedge-labs/kestrel/internal/payments"
	"github.com/openedge-labs/kestrel/internal/upstream"
	"github.com/openedge-labs/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	upstream     *upstream.Client
	controller   *optimistic.Controller
	orchestrator *payments.Orchestrator
	broker       Invalidator
	cache        domain.Cache
	bus          domain.EventBus
	worker       *worker.Worker
	version      string
}

// Invalidator clears the cached session credential.
type Invalidator interface {
	Invalidate()
}

// NewHandler creates a new API handler.
func NewHandler(client *upstream.Client, controller *optimistic.Controller, orchestrator *payments.Orchestrator, broker Invalidator, cache domain.Cache, bus domain.EventBus, w *worker.Worker, version string) *Handler {
	return &Handler{
		upstream:     client,
		controller:   controller,
		orchestrator: orchestrator,
		broker:       broker,
		cache:        cache,
		bus:          bus,
		worker:       w,
		version:      version,
	}
}

// watch lazily registers the session's event subscriptions.
func (h *Handler) watch(userID string) {
	if h.worker == nil {
		return
	}
	if err := h.worker.Watch(userID); err != nil {
		slog.Debug("worker watch failed", "user_id", userID, "error", err)
	}
}

// ListPosts handles GET /api/posts.
func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	h.watch(userID)

	posts, err := h.upstream.ListPosts(ctx, userID, r.URL.Query().Get("page"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

// GetPost handles GET /api/posts/{id}. A successful read publishes a
// viewed event; the view count forward is fire-and-forget.
func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	postID := chi.URLParam(r, "id")
	h.watch(userID)

	post, err := h.upstream.GetPost(ctx, userID, postID)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.bus != nil {
		payload, _ := json.Marshal(worker.ViewedEvent{PostID: postID})
		if err := h.bus.Publish(ctx, userID, domain.TopicPostViewed, payload); err != nil {
			slog.Debug("viewed event dropped", "post_id", postID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, post)
}

// LikePost handles POST /api/posts/{id}/like.
func (h *Handler) LikePost(w http.ResponseWriter, r *http.Request) {
	h.togglePostLike(w, r, true)
}

// UnlikePost handles DELETE /api/posts/{id}/like.
func (h *Handler) UnlikePost(w http.ResponseWriter, r *http.Request) {
	h.togglePostLike(w, r, false)
}

func (h *Handler) togglePostLike(w http.ResponseWriter, r *http.Request, like bool) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	postID := chi.URLParam(r, "id")
	h.watch(userID)

	var committed []byte
	err := h.controller.Run(ctx, userID, optimistic.Mutation{
		Entity: domain.PostKey(postID),
		Call: func(ctx context.Context) ([]byte, error) {
			if like {
				return h.upstream.Like(ctx, userID, postID)
			}
			return h.upstream.Unlike(ctx, userID, postID)
		},
		Commit: func(ctx context.Context, payload []byte) error {
			committed = payload
			return h.cache.Set(ctx, userID, domain.PostKey(postID), payload, domain.TTLPost)
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeRaw(w, http.StatusOK, committed)
}

// ListComments handles GET /api/posts/{id}/comments.
func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	postID := chi.URLParam(r, "id")
	h.watch(userID)

	comments, err := h.upstream.ListComments(ctx, userID, postID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

// AddComment handles POST /api/posts/{id}/comments.
func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	postID := chi.URLParam(r, "id")
	h.watch(userID)

	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	var committed []byte
	err := h.controller.Run(ctx, userID, optimistic.Mutation{
		Entity: domain.CommentsKey(postID),
		Call: func(ctx context.Context) ([]byte, error) {
			return h.upstream.AddComment(ctx, userID, postID, req.Body)
		},
		Commit: func(ctx context.Context, payload []byte) error {
			committed = payload
			return h.cache.Set(ctx, userID, domain.CommentsKey(postID), payload, domain.TTLPost)
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeRaw(w, http.StatusCreated, committed)
}

// LikeComment handles POST /api/comments/{id}/like. The request body
// names the owning post so only that post's comments entry is updated.
func (h *Handler) LikeComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	commentID := chi.URLParam(r, "id")
	h.watch(userID)

	var req struct {
		PostID string `json:"postId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PostID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "postId is required",
		})
		return
	}

	var committed []byte
	err := h.controller.Run(ctx, userID, optimistic.Mutation{
		Entity: domain.CommentsKey(req.PostID),
		Call: func(ctx context.Context) ([]byte, error) {
			return h.upstream.LikeComment(ctx, userID, commentID)
		},
		Commit: func(ctx context.Context, payload []byte) error {
			committed = payload
			return h.cache.Set(ctx, userID, domain.CommentsKey(req.PostID), payload, domain.TTLPost)
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeRaw(w, http.StatusOK, committed)
}

// GetProfile handles GET /api/profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	h.watch(userID)

	profile, err := h.upstream.GetProfile(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// UpdateProfile handles PUT /api/profile.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	h.watch(userID)

	var profile domain.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	profile.UserID = userID

	updated, err := h.upstream.UpdateProfile(ctx, userID, profile)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// CreateSession handles POST /api/auth/session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credential == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "credential is required",
		})
		return
	}

	session, err := h.upstream.CreateSession(ctx, req.Credential)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// DeleteSession handles DELETE /api/auth/session. The cached credential
// is cleared regardless of the upstream outcome.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	if h.broker != nil {
		h.broker.Invalidate()
	}
	if err := h.cache.DeletePrefix(ctx, userID, domain.PrefixToken); err != nil {
		slog.Debug("token cache not cleared", "error", err)
	}

	if err := h.upstream.DeleteSession(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
}

// ListPaymentMethods handles GET /api/payments/methods.
func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	methods := h.orchestrator.ResolveMethods(country)
	writeJSON(w, http.StatusOK, map[string]any{
		"country": country,
		"methods": methods,
	})
}

// CheckoutRequest is the request body for checkout and retry.
type CheckoutRequest struct {
	Method domain.PaymentMethod `json:"method"`
	Order  domain.OrderContext  `json:"order"`
}

// Checkout handles POST /api/payments/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	h.watch(userID)

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	req.Order.UserID = userID

	handle, err := h.orchestrator.Initiate(ctx, req.Method, req.Order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

// RetryCheckout handles POST /api/payments/checkout/{ref}/retry. The
// orchestrator reuses the cart's order reference, so a retry never
// mints a duplicate order.
func (h *Handler) RetryCheckout(w http.ResponseWriter, r *http.Request) {
	h.Checkout(w, r)
}

// CompleteCheckout handles POST /api/payments/checkout/{ref}/complete.
func (h *Handler) CompleteCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	req.Order.UserID = userID

	result, err := h.orchestrator.Complete(ctx, req.Order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	body := map[string]any{
		"status":  status,
		"version": h.version,
	}
	if s, ok := h.cache.(interface{ Stats() (int, int64) }); ok {
		entries, bytes := s.Stats()
		body["cache"] = map[string]any{"entries": entries, "bytes": bytes}
	}
	if h.worker != nil {
		body["worker"] = h.worker.GetStats()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready handles GET /ready. Readiness includes a request-reply probe
// of the event worker over the bus.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.bus != nil && h.worker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if _, err := h.bus.Request(ctx, domain.SystemScope, domain.TopicWorkerPing, nil); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": "event worker not responding",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps a taxonomy error onto an HTTP status and body.
func writeError(w http.ResponseWriter, err error) {
	var limited *domain.RateLimitedError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.Wait.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": limited.Error(),
		})
		return
	}

	var rejected *domain.ServerRejectedError
	if errors.As(err, &rejected) {
		status := rejected.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": rejected.Message})
		return
	}

	var declined *domain.ProviderDeclinedError
	if errors.As(err, &declined) {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error": declined.Error(),
		})
		return
	}

	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	switch {
	case errors.Is(err, domain.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNetworkUnavailable):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrConfiguration):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		slog.Error("unhandled error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeRaw emits an already-serialized upstream payload, or a minimal
// acknowledgement when a superseded mutation produced none.
func writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	if payload == nil {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"superseded"}`))
		return
	}
	w.WriteHeader(status)
	w.Write(payload)
}
