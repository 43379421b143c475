package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jpalmerr/tubelytics/internal/delivery"
	"github.com/jpalmerr/tubelytics/internal/upstream"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type searchFunc func(ctx context.Context, topic string) ([]upstream.Item, error)

func (f searchFunc) SearchByTopic(ctx context.Context, topic string) ([]upstream.Item, error) {
	return f(ctx, topic)
}

// collector is a Sink that records every batch it accepts.
type collector struct {
	mu      sync.Mutex
	batches []delivery.Batch
	got     chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) Accept(b delivery.Batch) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) Batches() []delivery.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery.Batch(nil), c.batches...)
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for a batch")
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription %s did not finish", h.ID())
	}
}

func newTestSupervisor(searcher searchFunc, policy Policy) *Supervisor {
	s := New(searcher, Config{
		Policy:     policy,
		BackoffMin: time.Millisecond,
		BackoffMax: time.Millisecond,
		Interval:   time.Hour,
		Buffer:     16,
		Logger:     testLogger(),
	})
	s.Start(context.Background())
	return s
}

// TestSupervisor_RestartBound verifies a worker failing on every cycle is
// restarted exactly MaxRestarts times, then escalated with one terminal
// batch.
func TestSupervisor_RestartBound(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	var calls atomic.Int32
	boom := upstream.Errorf(upstream.ErrUpstream, "search", "cats", errors.New("quota exceeded"))
	s := newTestSupervisor(func(ctx context.Context, topic string) ([]upstream.Item, error) {
		calls.Add(1)
		return nil, boom
	}, Policy{MaxRestarts: 3, Window: time.Minute})
	defer s.Stop()

	sink := newCollector()
	h, err := s.Spawn("sub-1", "cats", sink)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	waitDone(t, h)

	if got := calls.Load(); got != 4 {
		t.Errorf("searches = %d, want 4 (1 run + 3 restarts)", got)
	}
	if got := h.Restarts(); got != 3 {
		t.Errorf("Restarts() = %d, want 3", got)
	}

	batches := sink.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want exactly 1 terminal batch", len(batches))
	}
	if !batches[0].Terminal() {
		t.Fatal("batch is not terminal")
	}
	if !errors.Is(batches[0].Err, ErrEscalated) {
		t.Errorf("terminal error = %v, want ErrEscalated", batches[0].Err)
	}
	if !errors.Is(batches[0].Err, upstream.ErrUpstream) {
		t.Errorf("terminal error = %v, should wrap the last failure", batches[0].Err)
	}
	if !errors.Is(h.Err(), ErrEscalated) {
		t.Errorf("Handle.Err() = %v, want ErrEscalated", h.Err())
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after escalation", s.Len())
	}
	if s.Cancel("sub-1") {
		t.Error("Cancel() on escalated subscription = true, want false")
	}
}

func TestSupervisor_RecoversWithinBudget(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	var calls atomic.Int32
	s := newTestSupervisor(func(ctx context.Context, topic string) ([]upstream.Item, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("flaky")
		}
		return []upstream.Item{{ID: "A"}}, nil
	}, Policy{MaxRestarts: 3, Window: time.Minute})
	defer s.Stop()

	sink := newCollector()
	h, err := s.Spawn("sub-1", "cats", sink)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	sink.wait(t)

	batches := sink.Batches()
	if batches[0].Terminal() || batches[0].Items[0].ID != "A" {
		t.Errorf("first batch = %+v, want items [A]", batches[0])
	}
	if got := h.Restarts(); got != 2 {
		t.Errorf("Restarts() = %d, want 2", got)
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v, want nil", h.Err())
	}

	if !s.Cancel("sub-1") {
		t.Fatal("Cancel() = false, want true")
	}
	waitDone(t, h)
}

func TestSupervisor_MinDelayFloorsBackoff(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	var (
		mu    sync.Mutex
		calls []time.Time
	)
	s := New(searchFunc(func(ctx context.Context, topic string) ([]upstream.Item, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		n := len(calls)
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("flaky")
		}
		return []upstream.Item{{ID: "A"}}, nil
	}), Config{
		Policy:     Policy{MaxRestarts: 3, Window: time.Minute},
		BackoffMin: time.Millisecond,
		BackoffMax: time.Millisecond,
		MinDelay:   40 * time.Millisecond,
		Interval:   time.Hour,
		Logger:     testLogger(),
	})
	s.Start(context.Background())
	defer s.Stop()

	sink := newCollector()
	h, err := s.Spawn("sub-1", "cats", sink)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	sink.wait(t)

	mu.Lock()
	gap := calls[1].Sub(calls[0])
	mu.Unlock()
	if gap < 40*time.Millisecond {
		t.Errorf("restart delay = %s, want at least 40ms", gap)
	}
	if got := h.Restarts(); got != 1 {
		t.Errorf("Restarts() = %d, want 1", got)
	}

	s.Cancel("sub-1")
	waitDone(t, h)
}

// TestSupervisor_CancelStopsDelivery verifies a cancelled subscription
// delivers nothing further and is forgotten.
func TestSupervisor_CancelStopsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	var n atomic.Int32
	s := New(searchFunc(func(ctx context.Context, topic string) ([]upstream.Item, error) {
		return []upstream.Item{{ID: fmt.Sprintf("item-%d", n.Add(1))}}, nil
	}), Config{Interval: 5 * time.Millisecond, Logger: testLogger()})
	s.Start(context.Background())
	defer s.Stop()

	sink := newCollector()
	h, err := s.Spawn("sub-1", "cats", sink)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	sink.wait(t)

	s.Cancel("sub-1")
	waitDone(t, h)

	delivered := len(sink.Batches())
	time.Sleep(30 * time.Millisecond)
	if got := len(sink.Batches()); got != delivered {
		t.Errorf("batches after cancel = %d, want %d", got, delivered)
	}
	if _, ok := s.Get("sub-1"); ok {
		t.Error("Get() found a cancelled subscription")
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v, want nil for cancellation", h.Err())
	}
}

// TestSupervisor_IndependentSubscriptions verifies two subscriptions on the
// same topic each receive the same item.
func TestSupervisor_IndependentSubscriptions(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	s := newTestSupervisor(func(ctx context.Context, topic string) ([]upstream.Item, error) {
		return []upstream.Item{{ID: "A"}}, nil
	}, Policy{})
	defer s.Stop()

	first, second := newCollector(), newCollector()
	if _, err := s.Spawn("sub-1", "cats", first); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if _, err := s.Spawn("sub-2", "cats", second); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	first.wait(t)
	second.wait(t)

	for name, c := range map[string]*collector{"first": first, "second": second} {
		b := c.Batches()
		if len(b) != 1 || b[0].Items[0].ID != "A" {
			t.Errorf("%s sink batches = %+v, want one batch with A", name, b)
		}
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestSupervisor_SpawnErrors(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	search := searchFunc(func(ctx context.Context, topic string) ([]upstream.Item, error) {
		return nil, nil
	})

	s := New(search, Config{Logger: testLogger()})
	if _, err := s.Spawn("sub-1", "cats", newCollector()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Spawn() before Start error = %v, want ErrNotRunning", err)
	}

	s.Start(context.Background())
	if _, err := s.Spawn("sub-1", "cats", newCollector()); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if _, err := s.Spawn("sub-1", "dogs", newCollector()); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Spawn() duplicate error = %v, want ErrDuplicate", err)
	}

	s.Stop()
	if _, err := s.Spawn("sub-2", "cats", newCollector()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Spawn() after Stop error = %v, want ErrNotRunning", err)
	}
}

func TestSupervisor_CancelUnknown(t *testing.T) {
	s := New(searchFunc(nil), Config{Logger: testLogger()})
	if s.Cancel("nope") {
		t.Error("Cancel() on unknown id = true, want false")
	}
}

// TestSupervisor_StopTwice verifies Stop is idempotent and safe before
// Start.
func TestSupervisor_StopTwice(t *testing.T) {
	s := New(searchFunc(nil), Config{Logger: testLogger()})
	s.Stop()
	s.Stop()
	s.Start(context.Background())
	if _, err := s.Spawn("sub-1", "cats", newCollector()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Spawn() after Stop-then-Start error = %v, want ErrNotRunning", err)
	}
}

func TestSupervisor_StopEndsAll(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	s := newTestSupervisor(func(ctx context.Context, topic string) ([]upstream.Item, error) {
		return []upstream.Item{{ID: topic}}, nil
	}, Policy{})

	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := s.Spawn(fmt.Sprintf("sub-%d", i), fmt.Sprintf("topic-%d", i), newCollector())
		if err != nil {
			t.Fatalf("Spawn() error = %v", err)
		}
		handles = append(handles, h)
	}

	s.Stop()

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Errorf("subscription %s still running after Stop", h.ID())
		}
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestSupervisor_SinkPanicKeepsPumping(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	var n atomic.Int32
	s := New(searchFunc(func(ctx context.Context, topic string) ([]upstream.Item, error) {
		return []upstream.Item{{ID: fmt.Sprintf("item-%d", n.Add(1))}}, nil
	}), Config{Interval: 5 * time.Millisecond, Logger: testLogger()})
	s.Start(context.Background())
	defer s.Stop()

	var accepted atomic.Int32
	got := make(chan struct{}, 64)
	sink := delivery.SinkFunc(func(b delivery.Batch) {
		if accepted.Add(1) == 1 {
			panic("sink exploded")
		}
		select {
		case got <- struct{}{}:
		default:
		}
	})

	if _, err := s.Spawn("sub-1", "cats", sink); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no batch delivered after sink panic")
	}
}
