// Package dedupe collapses concurrent identical fetches into a single
// in-flight call.
package dedupe

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Deduplicator guarantees that for a given key, at most one fetch is in
// flight at a time; every concurrent caller with the same key shares
// the one result. The pending entry is removed exactly once when the
// call settles, success or failure - singleflight owns that cleanup, so
// a factory that panics or returns early cannot leak a registry slot.
type Deduplicator struct {
	group singleflight.Group
}

// New creates a Deduplicator.
func New() *Deduplicator {
	return &Deduplicator{}
}

// Do invokes fn once per key per pending window. Callers that arrive
// while an identical call is in flight block until it settles and
// receive the same value and error.
//
// fn receives the initiating caller's context with its cancellation
// detached: one caller backing out must not fail the shared call for
// the others.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]byte), nil
}

// Forget drops the pending entry for key so the next Do issues a fresh
// call. Used after explicit invalidation of the backing cache entry.
func (d *Deduplicator) Forget(key string) {
	d.group.Forget(key)
}
