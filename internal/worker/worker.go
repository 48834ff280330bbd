// Package worker consumes gateway events: view counts are forwarded
// upstream fire-and-forget, and confirmed mutations trigger targeted
// list-level cache invalidation.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openedge-labs/kestrel/internal/domain"
)

// viewWindow coalesces repeat views of the same post by the same user.
const viewWindow = 30 * time.Second

// Viewer forwards view counts upstream. Satisfied by the upstream
// client.
type Viewer interface {
	IncrementViews(ctx context.Context, userID, postID string) error
}

// ViewedEvent is the payload on the post viewed topic.
type ViewedEvent struct {
	PostID string `json:"postId"`
}

// MutationEvent mirrors the payload published on mutation topics.
type MutationEvent struct {
	Entity    string `json:"entity"`
	RequestID string `json:"requestId"`
}

// Worker subscribes per user, lazily, the first time the gateway sees
// that user's session.
type Worker struct {
	bus    domain.EventBus
	cache  domain.Cache
	viewer Viewer

	mu            sync.Mutex
	watched       map[string]bool
	subscriptions []domain.Subscription
	pingSub       domain.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a worker and registers the availability probe the
// readiness endpoint queries over the bus.
func New(bus domain.EventBus, cache domain.Cache, viewer Viewer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		bus:     bus,
		cache:   cache,
		viewer:  viewer,
		watched: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}

	sub, err := bus.Subscribe(ctx, domain.SystemScope, domain.TopicWorkerPing, w.handlePing)
	if err != nil {
		slog.Warn("worker availability probe not registered", "error", err)
	} else {
		w.pingSub = sub
	}

	return w
}

// handlePing answers the readiness probe.
func (w *Worker) handlePing(ctx context.Context, msg *domain.Message) error {
	reply := msg.Metadata[domain.MetaReplyTo]
	if reply == "" {
		return nil
	}
	return w.bus.Publish(ctx, domain.SystemScope, reply, []byte("pong"))
}

// Watch subscribes to a user's event topics. Idempotent; the gateway
// calls it on every request.
func (w *Worker) Watch(userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watched[userID] {
		return nil
	}

	viewSub, err := w.bus.Subscribe(w.ctx, userID, domain.TopicPostViewed, func(ctx context.Context, msg *domain.Message) error {
		w.handleViewed(ctx, userID, msg)
		return nil
	})
	if err != nil {
		return err
	}

	mutSub, err := w.bus.Subscribe(w.ctx, userID, domain.TopicMutationConfirmed, func(ctx context.Context, msg *domain.Message) error {
		w.handleConfirmed(ctx, userID, msg)
		return nil
	})
	if err != nil {
		_ = viewSub.Unsubscribe()
		return err
	}

	w.watched[userID] = true
	w.subscriptions = append(w.subscriptions, viewSub, mutSub)

	slog.Debug("worker watching user", "user_id", userID)
	return nil
}

// handleViewed forwards a view count upstream. Failures are logged at
// debug and never surfaced: navigation must not block on analytics.
func (w *Worker) handleViewed(ctx context.Context, userID string, msg *domain.Message) {
	var ev ViewedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Debug("malformed viewed event", "message_id", msg.ID, "error", err)
		return
	}
	if ev.PostID == "" {
		return
	}

	// Repeat views inside the window are counted locally, not forwarded
	if w.cache != nil {
		count, err := w.cache.IncrementCounter(ctx, userID, "views:"+ev.PostID, viewWindow)
		if err == nil && count > 1 {
			return
		}
	}

	if err := w.viewer.IncrementViews(ctx, userID, ev.PostID); err != nil {
		slog.Debug("view count not recorded", "post_id", ev.PostID, "error", err)
	}
}

// handleConfirmed invalidates the list-level entries affected by a
// confirmed mutation. Only the mutated entity's derived keys are
// touched.
func (w *Worker) handleConfirmed(ctx context.Context, userID string, msg *domain.Message) {
	if w.cache == nil {
		return
	}

	var ev MutationEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Debug("malformed mutation event", "message_id", msg.ID, "error", err)
		return
	}

	switch {
	case strings.HasPrefix(ev.Entity, domain.PrefixPost):
		// Feed pages embed like counts, so they go stale with the post
		if err := w.cache.DeletePrefix(ctx, userID, domain.PrefixPostList); err != nil {
			slog.Debug("post list invalidation failed", "entity", ev.Entity, "error", err)
		}
	case strings.HasPrefix(ev.Entity, domain.PrefixComments):
		// The owning post embeds the comment count
		postID := strings.TrimPrefix(ev.Entity, domain.PrefixComments)
		if err := w.cache.Delete(ctx, userID, domain.PostKey(postID)); err != nil {
			slog.Debug("post invalidation failed", "entity", ev.Entity, "error", err)
		}
	}
}

// Stop gracefully unsubscribes everything.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pingSub != nil {
		_ = w.pingSub.Unsubscribe()
		w.pingSub = nil
	}
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.subscriptions = nil
	w.watched = make(map[string]bool)

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	WatchedUsers      int `json:"watchedUsers"`
	SubscriptionCount int `json:"subscriptionCount"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		WatchedUsers:      len(w.watched),
		SubscriptionCount: len(w.subscriptions),
	}
}
