package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/jpalmerr/tubelytics/internal/delivery"
	"github.com/jpalmerr/tubelytics/internal/delta"
	"github.com/jpalmerr/tubelytics/internal/upstream"
)

// DefaultInterval is the delay between polls when none is configured.
const DefaultInterval = 30 * time.Second

// State is a step of the worker state machine.
type State int32

const (
	Starting State = iota
	Polling
	Sleeping
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Polling:
		return "polling"
	case Sleeping:
		return "sleeping"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Searcher is the part of the upstream a worker needs. Both
// [upstream.Client] implementations and the fetch cache satisfy it.
type Searcher interface {
	SearchByTopic(ctx context.Context, topic string) ([]upstream.Item, error)
}

// Subscription is the state a worker operates on. It outlives any single
// worker: a restarted worker gets the same Tracker and Out.
type Subscription struct {
	ID      string
	Topic   string
	Tracker *delta.Tracker
	Out     *delivery.Channel
}

// Config configures a [Worker].
type Config struct {
	// Interval is the sleep between polls. Defaults to [DefaultInterval].
	Interval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	// OnState, if set, is called synchronously on every transition.
	OnState func(State)
}

// Worker polls one subscription's topic until cancelled or a poll fails.
// A Worker is single-use: Run it once.
type Worker struct {
	sub      Subscription
	searcher Searcher
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	onState  func(State)

	state atomic.Int32
	polls atomic.Int64
}

// NewWorker returns a [Worker] for sub that fetches through searcher.
func NewWorker(sub Subscription, searcher Searcher, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		sub:      sub,
		searcher: searcher,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("subscription_id", sub.ID, "topic", sub.Topic),
		onState:  cfg.OnState,
	}
}

// State returns the current state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Polls returns the number of completed polls.
func (w *Worker) Polls() int64 {
	return w.polls.Load()
}

// Run executes the state machine until ctx is cancelled, in which case it
// returns nil, or a poll fails, in which case it returns the failure.
// A panic anywhere in a poll is reported as a failure.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			w.logger.Error("worker panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("worker panic (correlation_id: %s)", correlationID)
			w.transition(Failed)
		}
	}()

	w.transition(Starting)

	for {
		if ctx.Err() != nil {
			w.transition(Stopped)
			return nil
		}

		w.transition(Polling)
		if err := w.poll(ctx); err != nil {
			// a fetch cut short by cancellation is not a failure
			if ctx.Err() != nil {
				w.transition(Stopped)
				return nil
			}
			w.logger.Warn("poll failed", "error", err)
			w.transition(Failed)
			return err
		}

		if ctx.Err() != nil {
			w.transition(Stopped)
			return nil
		}

		w.transition(Sleeping)
		if !w.sleep(ctx) {
			w.transition(Stopped)
			return nil
		}
	}
}

// poll runs one fetch, delta and push cycle.
func (w *Worker) poll(ctx context.Context) error {
	batch, err := w.searcher.SearchByTopic(ctx, w.sub.Topic)
	if err != nil {
		return err
	}
	defer w.polls.Add(1)

	if ctx.Err() != nil {
		return nil
	}

	fresh := w.sub.Tracker.Compute(batch)
	if len(fresh) == 0 {
		w.logger.Debug("poll found nothing new", "batch_size", len(batch))
		return nil
	}

	if dropped := w.sub.Out.Push(delivery.Batch{Topic: w.sub.Topic, Items: fresh, At: w.clock.Now()}); dropped {
		w.logger.Debug("delivery channel full, dropped oldest batch")
	}
	w.logger.Debug("pushed delta", "new_items", len(fresh), "batch_size", len(batch))
	return nil
}

// sleep waits one interval. It returns false if ctx ended first.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := w.clock.NewTimer(w.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (w *Worker) transition(s State) {
	w.state.Store(int32(s))
	if w.onState != nil {
		w.onState(s)
	}
}
