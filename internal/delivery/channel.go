package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpalmerr/tubelytics/internal/upstream"
)

// DefaultCapacity is the pending-batch bound used when none is given.
const DefaultCapacity = 256

// ErrClosed is returned by [Channel.Receive] once the channel is closed and
// drained.
var ErrClosed = errors.New("delivery channel closed")

// Batch is one push to a subscriber.
type Batch struct {
	// Seq numbers batches per channel starting at 1. Gaps mean batches were
	// dropped by overflow.
	Seq uint64 `json:"seq"`

	// Topic is the subscription's topic.
	Topic string `json:"topic"`

	// Items is the delta for this poll. Never empty for a non-terminal batch.
	Items []upstream.Item `json:"items"`

	// Err is set on the terminal batch of a subscription that was stopped
	// after exhausting its restart budget. No batch follows it.
	Err error `json:"-"`

	// At is when the batch was pushed.
	At time.Time `json:"at"`
}

// Terminal reports whether b ends the subscription.
func (b Batch) Terminal() bool {
	return b.Err != nil
}

// Sink accepts batches for a subscriber. Accept should be cheap: a network
// write queued elsewhere, not the write itself.
type Sink interface {
	Accept(Batch)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Batch)

// Accept calls f(b).
func (f SinkFunc) Accept(b Batch) {
	f(b)
}

// Channel is a bounded FIFO of batches with drop-oldest overflow.
//
// One producer and one consumer are the expected shape but any number of
// either is safe.
type Channel struct {
	mu      sync.Mutex
	buf     []Batch // ring buffer
	head    int
	size    int
	seq     uint64
	dropped uint64
	closed  bool

	// notify holds at most one wake-up for a waiting receiver
	notify chan struct{}
	done   chan struct{}

	onDrop func()
}

// NewChannel returns a [Channel] holding at most capacity pending batches.
// A capacity below 1 selects [DefaultCapacity].
func NewChannel(capacity int) *Channel {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Channel{
		buf:    make([]Batch, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// OnDrop registers fn to be called each time a batch is discarded by
// overflow. It must be set before the first Push.
func (c *Channel) OnDrop(fn func()) {
	c.onDrop = fn
}

// Push appends b, assigning its sequence number. If the channel is full the
// oldest pending batch is discarded and Push returns true. Push on a closed
// channel is a no-op. Push never blocks on the consumer.
func (c *Channel) Push(b Batch) (dropped bool) {
	return c.enqueue(b, true)
}

// Forward appends b like Push but keeps the sequence number b already
// carries. Use it to relay batches from another channel so consumers still
// see the gaps left by upstream drops.
func (c *Channel) Forward(b Batch) (dropped bool) {
	return c.enqueue(b, false)
}

func (c *Channel) enqueue(b Batch, number bool) (dropped bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	if number {
		c.seq++
		b.Seq = c.seq
	}

	capacity := len(c.buf)
	if c.size == capacity {
		c.buf[c.head] = Batch{}
		c.head = (c.head + 1) % capacity
		c.size--
		c.dropped++
		dropped = true
	}
	c.buf[(c.head+c.size)%capacity] = b
	c.size++
	onDrop := c.onDrop
	c.mu.Unlock()

	if dropped && onDrop != nil {
		onDrop()
	}
	c.wake()
	return dropped
}

// TryReceive pops the oldest pending batch without waiting.
func (c *Channel) TryReceive() (Batch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popLocked()
}

// Receive waits for the oldest pending batch. Once the channel is closed
// Receive keeps returning buffered batches until none are left, then
// returns [ErrClosed]. It returns ctx.Err() if ctx ends first.
func (c *Channel) Receive(ctx context.Context) (Batch, error) {
	for {
		c.mu.Lock()
		b, ok := c.popLocked()
		closed := c.closed
		c.mu.Unlock()

		if ok {
			return b, nil
		}
		if closed {
			return Batch{}, ErrClosed
		}

		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
	}
}

// Close stops accepting batches. Pending batches remain receivable.
// Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Len returns the number of pending batches.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Cap returns the pending-batch bound.
func (c *Channel) Cap() int {
	return len(c.buf)
}

// Dropped returns how many batches overflow has discarded.
func (c *Channel) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Channel) popLocked() (Batch, bool) {
	if c.size == 0 {
		return Batch{}, false
	}
	b := c.buf[c.head]
	c.buf[c.head] = Batch{}
	c.head = (c.head + 1) % len(c.buf)
	c.size--
	return b, true
}

func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
