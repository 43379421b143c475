package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/jpalmerr/tubelytics/internal/delivery"
	"github.com/jpalmerr/tubelytics/internal/delta"
	"github.com/jpalmerr/tubelytics/internal/metrics"
	"github.com/jpalmerr/tubelytics/internal/poller"
)

const (
	defaultBackoffMin = 100 * time.Millisecond
	defaultBackoffMax = 5 * time.Second
)

var (
	// ErrEscalated wraps the last failure of a subscription that ran out of
	// restarts. It is carried by the subscription's terminal batch.
	ErrEscalated = errors.New("restart budget exhausted")

	// ErrNotRunning is returned by [Supervisor.Spawn] before Start or after
	// Stop.
	ErrNotRunning = errors.New("supervisor not running")

	// ErrDuplicate is returned by [Supervisor.Spawn] for an id already live.
	ErrDuplicate = errors.New("subscription already exists")
)

// Config configures a [Supervisor]. Zero values select the defaults.
type Config struct {
	Policy Policy

	// BackoffMin and BackoffMax bound the exponential delay before each
	// restart. Default 100ms and 5s.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// MinDelay is a floor on every restart delay. Set it to the fetch
	// cache's negative TTL so a restarted worker reaches the upstream again
	// instead of replaying the cached failure, which would be charged as
	// another restart.
	MinDelay time.Duration

	// Interval is the workers' poll interval.
	Interval time.Duration

	// Buffer is the delivery channel capacity per subscription.
	Buffer int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Supervisor owns the polling workers of all live subscriptions.
//
// Each subscription gets a run loop, which starts a fresh [poller.Worker]
// after every failure the [Policy] allows, and a pump, which moves batches
// from the subscription's delivery channel to its sink. The delivered-id
// tracker belongs to the subscription, so restarts never redeliver.
//
// All lifecycle methods are safe for concurrent use.
type Supervisor struct {
	searcher poller.Searcher
	cfg      Config
	policy   Policy
	backoff  func(time.Duration, int) time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*Handle
	started bool
	stopped bool
}

// New creates a [Supervisor] whose workers fetch through searcher.
func New(searcher poller.Searcher, cfg Config) *Supervisor {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaultBackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(defaultBackoffMax, cfg.BackoffMin)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		searcher: searcher,
		cfg:      cfg,
		policy:   cfg.Policy.withDefaults(),
		backoff:  retry.ExpBackoff(cfg.BackoffMin, cfg.BackoffMax, 2, false),
		logger:   logger,
		handles:  make(map[string]*Handle),
	}
}

// Start makes the supervisor accept subscriptions. Cancelling ctx stops
// every subscription, as does [Supervisor.Stop].
//
// If ctx is nil, context.Background() is used. Start is idempotent. If Stop
// was called before Start, Start is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Stop cancels every subscription and waits for their goroutines to exit.
// Stop is idempotent and safe to call before Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Spawn starts a supervised worker for topic that delivers to sink.
func (s *Supervisor) Spawn(id, topic string, sink delivery.Sink) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return nil, ErrNotRunning
	}
	if _, exists := s.handles[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}

	out := delivery.NewChannel(s.cfg.Buffer)
	out.OnDrop(s.cfg.Metrics.BatchDropped)

	ctx, cancel := context.WithCancel(s.ctx)
	h := &Handle{
		sub: poller.Subscription{
			ID:      id,
			Topic:   topic,
			Tracker: delta.NewTracker(),
			Out:     out,
		},
		cancel: cancel,
		done:   make(chan struct{}),
		record: Record{SubscriptionID: id},
	}
	s.handles[id] = h
	s.cfg.Metrics.SubscriptionOpened()

	var tasks sync.WaitGroup
	tasks.Add(2)
	s.wg.Add(1)

	go func() {
		defer tasks.Done()
		s.run(ctx, h)
	}()
	go func() {
		defer tasks.Done()
		s.pump(ctx, h, sink)
	}()
	go func() {
		defer s.wg.Done()
		tasks.Wait()
		cancel()
		s.remove(h)
		close(h.done)
	}()

	s.logger.Debug("subscription spawned", "subscription_id", id, "topic", topic)
	return h, nil
}

// Cancel stops the subscription with the given id. It returns false if no
// such subscription is live. Cancel does not wait; use [Handle.Done].
func (s *Supervisor) Cancel(id string) bool {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Get returns the live subscription with the given id.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Len returns the number of live subscriptions.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Supervisor) remove(h *Handle) {
	s.mu.Lock()
	if s.handles[h.sub.ID] == h {
		delete(s.handles, h.sub.ID)
	}
	s.mu.Unlock()
	s.cfg.Metrics.SubscriptionClosed()
}

// run restarts workers for h until it is cancelled or escalated. It always
// closes the delivery channel on the way out so the pump can finish.
func (s *Supervisor) run(ctx context.Context, h *Handle) {
	defer h.sub.Out.Close()

	logger := s.logger.With("subscription_id", h.sub.ID, "topic", h.sub.Topic)

	for {
		w := poller.NewWorker(h.sub, s.searcher, poller.Config{
			Interval: s.cfg.Interval,
			Clock:    s.cfg.Clock,
			Logger:   s.logger,
			OnState:  h.setState,
		})

		err := w.Run(ctx)
		if err == nil {
			return
		}

		h.mu.Lock()
		h.record.LastErr = err
		decision := s.policy.OnFailure(&h.record, s.cfg.Clock.Now())
		count := h.record.RestartCount
		h.mu.Unlock()

		if decision == Escalate {
			terminal := fmt.Errorf("%w after %d restarts in %s: %w",
				ErrEscalated, s.policy.MaxRestarts, s.policy.Window, err)
			h.escalate(terminal)
			h.sub.Out.Push(delivery.Batch{Topic: h.sub.Topic, Err: terminal, At: s.cfg.Clock.Now()})
			s.cfg.Metrics.WorkerEscalated()
			logger.Error("worker escalated", "restart_count", count, "error", err)
			return
		}

		h.restarts.Add(1)
		s.cfg.Metrics.WorkerRestarted()
		delay := max(s.backoff(0, count-1), s.cfg.MinDelay)
		logger.Warn("restarting worker", "restart_count", count, "backoff", delay, "error", err)

		if !s.wait(ctx, delay) {
			return
		}
	}
}

// wait sleeps for d. It returns false if ctx ended first.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	timer := s.cfg.Clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

// pump hands batches to sink until the channel is closed and drained, or
// the subscription is cancelled.
func (s *Supervisor) pump(ctx context.Context, h *Handle, sink delivery.Sink) {
	for {
		b, err := h.sub.Out.Receive(ctx)
		if err != nil || ctx.Err() != nil {
			return
		}
		s.safeAccept(h, sink, b)
		s.cfg.Metrics.BatchDelivered()
	}
}

// safeAccept calls the sink with panic recovery. A panicking sink loses
// the batch but does not take the pump down with it.
func (s *Supervisor) safeAccept(h *Handle, sink delivery.Sink, b delivery.Batch) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			s.logger.Error("sink panic",
				"correlation_id", correlationID,
				"subscription_id", h.sub.ID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	sink.Accept(b)
}

// Handle is a live or finished subscription.
type Handle struct {
	sub    poller.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	state    atomic.Int32
	restarts atomic.Int64

	mu     sync.Mutex
	record Record
	err    error
}

// ID returns the subscription id.
func (h *Handle) ID() string { return h.sub.ID }

// Topic returns the subscribed topic.
func (h *Handle) Topic() string { return h.sub.Topic }

// Done is closed once the subscription has stopped and its sink will
// receive nothing further.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the state of the current worker.
func (h *Handle) State() poller.State { return poller.State(h.state.Load()) }

// Restarts returns how many restarts have been granted in total.
func (h *Handle) Restarts() int64 { return h.restarts.Load() }

// Delivered returns the number of distinct items delivered so far.
func (h *Handle) Delivered() int { return h.sub.Tracker.Len() }

// Dropped returns how many batches overflow has discarded.
func (h *Handle) Dropped() uint64 { return h.sub.Out.Dropped() }

// Err returns the terminal error of an escalated subscription, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Record returns a copy of the restart bookkeeping.
func (h *Handle) Record() Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

func (h *Handle) setState(st poller.State) {
	h.state.Store(int32(st))
}

func (h *Handle) escalate(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.setState(poller.Stopped)
}
