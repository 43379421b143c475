// Package correlator runs one-shot requests on a fixed worker pool and
// hands each caller its own answer within a deadline.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/jpalmerr/tubelytics/internal/upstream"
)

const (
	DefaultWorkers = 8
	DefaultTimeout = 5 * time.Second
)

// ErrStopped is returned by [Correlator.Ask] when the pool is not running.
var ErrStopped = errors.New("correlator stopped")

// Task is a unit of one-shot work. ctx is the pool's context, not the
// caller's: a caller giving up does not cancel the task.
type Task func(ctx context.Context) (any, error)

// Config configures a [Correlator]. Zero values select the defaults.
type Config struct {
	// Workers is the pool size. Defaults to 8.
	Workers int

	// Queue is how many asks may wait for a free worker. Defaults to
	// Workers.
	Queue int

	// Timeout applies to asks that do not pass their own. Defaults to 5s.
	Timeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type reply struct {
	value any
	err   error
}

type job struct {
	task  Task
	reply chan reply // buffered so a late worker never blocks
}

// Correlator bridges request/response over a worker pool.
//
// [Correlator.Ask] returns as soon as the answer arrives or the timeout
// fires, whichever is first. A timed-out task keeps running to completion;
// its result is discarded by the correlator but any cache it fills stays
// filled.
type Correlator struct {
	cfg    Config
	logger *slog.Logger
	jobs   chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a [Correlator]. It must be started with [Correlator.Start].
func New(cfg Config) *Correlator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Queue <= 0 {
		cfg.Queue = cfg.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan job, cfg.Queue),
	}
}

// Start launches the workers. If ctx is nil, context.Background() is used.
// Start is idempotent; after Stop it is a no-op.
func (c *Correlator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(c.cfg.Workers)
	for i := 0; i < c.cfg.Workers; i++ {
		go c.work(c.ctx)
	}
}

// Stop cancels running tasks and waits for the workers to exit. Waiting
// asks return [ErrStopped]. Stop is idempotent and safe before Start.
func (c *Correlator) Stop() {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		if c.cancel != nil {
			c.cancel()
		}
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// Ask runs task on the pool and waits at most timeout for its answer,
// including any time spent queued. A timeout of zero uses the configured
// default. On expiry Ask returns an error matching [upstream.ErrTimeout].
// If ctx ends first Ask returns ctx.Err().
func (c *Correlator) Ask(ctx context.Context, task Task, timeout time.Duration) (any, error) {
	c.mu.Lock()
	running := c.started && !c.stopped
	poolCtx := c.ctx
	c.mu.Unlock()
	if !running {
		return nil, ErrStopped
	}

	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	timer := c.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()

	j := job{task: task, reply: make(chan reply, 1)}

	select {
	case c.jobs <- j:
	case <-timer.Chan():
		return nil, timeoutError(timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-poolCtx.Done():
		return nil, ErrStopped
	}

	select {
	case r := <-j.reply:
		return r.value, r.err
	case <-timer.Chan():
		return nil, timeoutError(timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-poolCtx.Done():
		return nil, ErrStopped
	}
}

func (c *Correlator) work(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.jobs:
			v, err := c.safeRun(ctx, j.task)
			j.reply <- reply{value: v, err: err}
		}
	}
}

// safeRun calls task with panic recovery so one bad request cannot take a
// worker out of the pool.
func (c *Correlator) safeRun(ctx context.Context, task Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			c.logger.Error("task panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			v = nil
			err = upstream.Errorf(upstream.ErrUpstream, "task", "",
				fmt.Errorf("panic (correlation_id: %s)", correlationID))
		}
	}()
	return task(ctx)
}

func timeoutError(d time.Duration) error {
	return fmt.Errorf("ask: %w after %s", upstream.ErrTimeout, d)
}
