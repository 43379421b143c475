package tubelytics

import (
	"github.com/jpalmerr/tubelytics/internal/supervisor"
)

// Subscription is a handle on an open subscription. All methods are safe
// for concurrent use and keep working after the subscription has ended.
type Subscription struct {
	handle *supervisor.Handle
}

// ID returns the subscription id, as accepted by
// [Tubelytics.CancelSubscription].
func (s *Subscription) ID() string { return s.handle.ID() }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.handle.Topic() }

// Done is closed once the subscription has ended and its sink will receive
// nothing further.
func (s *Subscription) Done() <-chan struct{} { return s.handle.Done() }

// Err returns the terminal error of a subscription stopped after exhausting
// its restart budget. It matches [ErrEscalated]. Err is nil for a
// subscription that is live or was cancelled.
func (s *Subscription) Err() error { return s.handle.Err() }

// State returns the state of the subscription's current worker, one of
// "starting", "polling", "sleeping", "failed" or "stopped".
func (s *Subscription) State() string { return s.handle.State().String() }

// Restarts returns how many times the worker has been restarted.
func (s *Subscription) Restarts() int64 { return s.handle.Restarts() }

// Delivered returns the number of distinct items delivered so far.
func (s *Subscription) Delivered() int { return s.handle.Delivered() }

// Dropped returns how many batches were discarded because the sink fell
// behind.
func (s *Subscription) Dropped() uint64 { return s.handle.Dropped() }
