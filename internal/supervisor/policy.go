package supervisor

import (
	"time"
)

const (
	DefaultMaxRestarts   = 10
	DefaultRestartWindow = time.Minute
)

// Decision is the outcome of [Policy.OnFailure].
type Decision int

const (
	Restart Decision = iota
	Escalate
)

func (d Decision) String() string {
	if d == Escalate {
		return "escalate"
	}
	return "restart"
}

// Record is the restart bookkeeping for one subscription.
type Record struct {
	SubscriptionID string

	// RestartCount is the number of failures inside the current window and
	// WindowStart the time of the oldest of them.
	RestartCount int
	WindowStart  time.Time
	LastErr      error

	failures []time.Time
}

// Policy bounds restarts to MaxRestarts within a sliding Window.
type Policy struct {
	MaxRestarts int
	Window      time.Duration
}

// OnFailure charges one failure at now against r and decides whether the
// worker may be restarted.
//
// Failures more than Window before now no longer count. A worker failing
// on every cycle is therefore restarted exactly MaxRestarts times within
// any Window and escalated on the next failure.
func (p Policy) OnFailure(r *Record, now time.Time) Decision {
	kept := r.failures[:0]
	for _, at := range r.failures {
		if now.Sub(at) <= p.Window {
			kept = append(kept, at)
		}
	}
	r.failures = append(kept, now)
	r.RestartCount = len(r.failures)
	r.WindowStart = r.failures[0]

	if r.RestartCount > p.MaxRestarts {
		return Escalate
	}
	return Restart
}

func (p Policy) withDefaults() Policy {
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = DefaultMaxRestarts
	}
	if p.Window <= 0 {
		p.Window = DefaultRestartWindow
	}
	return p
}
