// Package optimistic implements the apply-confirm-revert state machine
// used for every user-initiated mutation.
package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/openedge-labs/kestrel/internal/domain"
)

// Invalidator clears a cached credential. Satisfied by the auth broker.
type Invalidator interface {
	Invalidate()
}

// Mutation describes one attempt against a single entity.
//
// Apply runs synchronously before any network round-trip so the caller
// observes the change immediately. Revert restores the pre-Apply
// snapshot. Call performs the remote mutation and returns the
// authoritative server payload. Commit writes that payload - not the
// optimistic guess - to the cache, and must touch only this entity's
// keys.
type Mutation struct {
	Entity string
	Apply  func()
	Revert func()
	Call   func(ctx context.Context) ([]byte, error)
	Commit func(ctx context.Context, payload []byte) error
}

// Event is the payload published on mutation topics.
type Event struct {
	Entity    string `json:"entity"`
	RequestID string `json:"requestId"`
	Error     string `json:"error,omitempty"`
}

// Controller drives mutations through
// Idle -> Applied -> Confirmed | Reverted. Each attempt is tagged with
// a request id; only the entity's latest attempt may confirm or
// revert - results from superseded attempts are discarded on arrival.
type Controller struct {
	bus         domain.EventBus
	invalidator Invalidator
	spacing     time.Duration
	timeout     time.Duration

	mu       sync.Mutex
	entities map[string]*entityState
}

type entityState struct {
	mu      sync.Mutex
	latest  string
	limiter *rate.Limiter
}

// NewController creates a controller. spacing is the minimum gap
// between remote calls for one entity; timeout bounds each remote call.
func NewController(bus domain.EventBus, invalidator Invalidator, spacing, timeout time.Duration) *Controller {
	if spacing <= 0 {
		spacing = time.Second
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Controller{
		bus:         bus,
		invalidator: invalidator,
		spacing:     spacing,
		timeout:     timeout,
		entities:    make(map[string]*entityState),
	}
}

// Run executes one mutation attempt. The optimistic change is applied
// before Run returns control to the event loop for the network call;
// rapid repeats on the same entity are delayed, not dropped, and
// remain subject to the staleness check on completion.
func (c *Controller) Run(ctx context.Context, userID string, m Mutation) error {
	state := c.entity(m.Entity)
	requestID := uuid.New().String()

	state.mu.Lock()
	state.latest = requestID
	if m.Apply != nil {
		m.Apply()
	}
	state.mu.Unlock()

	// Minimum inter-request spacing per entity
	if err := state.limiter.Wait(ctx); err != nil {
		return c.settle(ctx, userID, state, requestID, m, nil, domain.ErrTimeout)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := m.Call(callCtx)
	if err != nil {
		err = classify(err)
	}

	return c.settle(ctx, userID, state, requestID, m, payload, err)
}

// settle performs the Confirmed or Reverted transition, unless a newer
// attempt owns the entity, in which case the result is discarded.
func (c *Controller) settle(ctx context.Context, userID string, state *entityState, requestID string, m Mutation, payload []byte, callErr error) error {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.latest != requestID {
		slog.Debug("discarding superseded mutation result",
			"entity", m.Entity,
			"request_id", requestID,
		)
		return nil
	}

	if callErr == nil {
		if m.Commit != nil {
			if err := m.Commit(ctx, payload); err != nil {
				// Cache write failure degrades to no-cache
				slog.Warn("mutation commit skipped cache", "entity", m.Entity, "error", err)
			}
		}
		c.publish(ctx, userID, domain.TopicMutationConfirmed, Event{
			Entity:    m.Entity,
			RequestID: requestID,
		})
		return nil
	}

	if m.Revert != nil {
		m.Revert()
	}
	if errors.Is(callErr, domain.ErrUnauthorized) && c.invalidator != nil {
		c.invalidator.Invalidate()
	}
	c.publish(ctx, userID, domain.TopicMutationReverted, Event{
		Entity:    m.Entity,
		RequestID: requestID,
		Error:     callErr.Error(),
	})
	c.publish(ctx, userID, domain.TopicNotification, Event{
		Entity: m.Entity,
		Error:  callErr.Error(),
	})

	return callErr
}

func (c *Controller) entity(id string) *entityState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.entities[id]
	if !ok {
		state = &entityState{
			limiter: rate.NewLimiter(rate.Every(c.spacing), 1),
		}
		c.entities[id] = state
	}
	return state
}

func (c *Controller) publish(ctx context.Context, userID, topic string, ev Event) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, userID, topic, payload); err != nil {
		slog.Debug("mutation event dropped", "topic", topic, "error", err)
	}
}

// classify maps transport-level failures onto the error taxonomy the
// UI layer understands. Taxonomy errors pass through untouched.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrNetworkUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrTimeout
	}

	var rejected *domain.ServerRejectedError
	if errors.As(err, &rejected) {
		return err
	}
	var limited *domain.RateLimitedError
	if errors.As(err, &limited) {
		return err
	}

	return domain.ErrNetworkUnavailable
}
