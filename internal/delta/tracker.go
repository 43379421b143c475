// Package delta tracks which items a subscription has already received.
package delta

import (
	"sync"

	"github.com/jpalmerr/tubelytics/internal/upstream"
)

// Tracker holds the set of item ids delivered to one subscription.
//
// The set only grows. A Tracker belongs to the subscription rather than to
// the worker polling for it, so it survives worker restarts. Its single
// writer is the subscription's current worker; the mutex covers readers
// such as [Tracker.Len] and the window between a dying worker and its
// replacement.
type Tracker struct {
	mu        sync.Mutex
	delivered map[string]struct{}
}

// NewTracker returns an empty [Tracker].
func NewTracker() *Tracker {
	return &Tracker{delivered: make(map[string]struct{})}
}

// Compute returns the items of batch whose ids have not been delivered yet,
// in batch order, and records those ids as delivered.
//
// An id repeated within batch is returned once. Calling Compute twice with
// the same batch returns an empty delta the second time.
func (t *Tracker) Compute(batch []upstream.Item) []upstream.Item {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []upstream.Item
	for _, it := range batch {
		if _, seen := t.delivered[it.ID]; seen {
			continue
		}
		t.delivered[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Delivered reports whether id has been delivered.
func (t *Tracker) Delivered(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.delivered[id]
	return ok
}

// Len returns the number of delivered ids.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.delivered)
}
