package fetchcache

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/jpalmerr/tubelytics/internal/metrics"
	"github.com/jpalmerr/tubelytics/internal/upstream"
)

const (
	defaultTTL         = 2 * time.Minute
	defaultNegativeTTL = 5 * time.Second
	defaultCallTimeout = 10 * time.Second
	defaultMaxEntries  = 4096
)

// Op names the upstream operation a cache entry belongs to.
type Op string

const (
	OpSearch       Op = "search"
	OpItem         Op = "item"
	OpTag          Op = "tag"
	OpChannel      Op = "channel"
	OpChannelItems Op = "channel_items"
)

// Key identifies one cached upstream result.
type Key struct {
	Op    Op
	Param string
}

func (k Key) String() string {
	return string(k.Op) + "\x00" + k.Param
}

// Config configures a [Cache]. Zero values select the defaults.
type Config struct {
	// TTL is how long a successful result stays fresh. Defaults to 2m.
	TTL time.Duration

	// NegativeTTL is how long a failure is replayed before the upstream is
	// tried again. Defaults to 5s.
	NegativeTTL time.Duration

	// CallTimeout bounds a single upstream call. The call runs detached from
	// the callers' contexts so a late answer still fills the cache.
	// Defaults to 10s.
	CallTimeout time.Duration

	// MaxEntries bounds the number of resolved entries. Defaults to 4096.
	MaxEntries int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

type entry struct {
	value     any
	err       error
	fetchedAt time.Time
}

// Cache is a single-flight, time-bounded memoization layer in front of an
// [upstream.Client].
//
// For any key without a fresh entry, concurrent callers share exactly one
// upstream call and all of them observe its outcome. Entries are immutable
// once resolved and expire lazily on the next read.
//
// Cache itself implements [upstream.Client], so consumers can be handed
// either the raw client or the cached one.
type Cache struct {
	client upstream.Client
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Key]entry

	group singleflight.Group
	calls atomic.Int64
}

// New creates a [Cache] in front of client.
func New(client upstream.Client, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = defaultNegativeTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[Key]entry),
	}
}

// Fetch returns the value for key, calling fn at most once across all
// concurrent callers that find no fresh entry.
//
// If ctx ends before the shared call resolves, Fetch returns ctx.Err()
// while the call keeps running and populates the entry for later callers.
func (c *Cache) Fetch(ctx context.Context, key Key, fn func(ctx context.Context) (any, error)) (any, error) {
	if e, ok := c.lookup(key); ok {
		c.cfg.Metrics.CacheHit(string(key.Op))
		return e.value, e.err
	}
	c.cfg.Metrics.CacheMiss(string(key.Op))

	// context.WithoutCancel keeps request-scoped values for the call
	// while letting it outlive any one waiter
	detached := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key.String(), func() (any, error) {
		// a previous flight may have resolved between our lookup and
		// winning the slot
		if e, ok := c.lookup(key); ok {
			return e.value, e.err
		}

		callCtx, cancel := context.WithTimeout(detached, c.cfg.CallTimeout)
		defer cancel()

		v, err := c.call(callCtx, key, fn)
		c.store(key, v, err)
		return v, err
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UpstreamCalls reports how many upstream calls the cache has made.
func (c *Cache) UpstreamCalls() int64 {
	return c.calls.Load()
}

// Len returns the number of resolved entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// call invokes fn with panic recovery. A panicking upstream is reported to
// every waiter as an upstream error instead of crashing the process.
func (c *Cache) call(ctx context.Context, key Key, fn func(ctx context.Context) (any, error)) (v any, err error) {
	c.calls.Add(1)
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			c.logger.Error("upstream call panic",
				"correlation_id", correlationID,
				"op", string(key.Op),
				"param", key.Param,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			v = nil
			err = upstream.Errorf(upstream.ErrUpstream, string(key.Op), key.Param,
				fmt.Errorf("panic (correlation_id: %s)", correlationID))
		}
		c.cfg.Metrics.UpstreamCall(string(key.Op), err)
	}()

	v, err = fn(ctx)
	if err != nil {
		c.logger.Debug("upstream call failed", "op", string(key.Op), "param", key.Param, "error", err)
	}
	return v, err
}

// lookup returns the entry for key if it is still fresh. Stale entries are
// removed on the way out.
func (c *Cache) lookup(key Key) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	if !c.fresh(e, c.cfg.Clock.Now()) {
		delete(c.entries, key)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) fresh(e entry, now time.Time) bool {
	ttl := c.cfg.TTL
	if e.err != nil {
		ttl = c.cfg.NegativeTTL
	}
	return now.Sub(e.fetchedAt) < ttl
}

func (c *Cache) store(key Key, v any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry{value: v, err: err, fetchedAt: now}
}

// evictLocked drops every stale entry and, if that was not enough, the
// oldest resolved one. Callers hold c.mu.
func (c *Cache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !c.fresh(e, now) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.cfg.MaxEntries {
		return
	}

	var (
		oldestKey Key
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.fetchedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.fetchedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

// SearchByTopic implements [upstream.Client].
func (c *Cache) SearchByTopic(ctx context.Context, topic string) ([]upstream.Item, error) {
	v, err := c.Fetch(ctx, Key{Op: OpSearch, Param: topic}, func(ctx context.Context) (any, error) {
		return c.client.SearchByTopic(ctx, topic)
	})
	return items(v, err)
}

// SearchByTag implements [upstream.Client].
func (c *Cache) SearchByTag(ctx context.Context, tag string) ([]upstream.Item, error) {
	v, err := c.Fetch(ctx, Key{Op: OpTag, Param: tag}, func(ctx context.Context) (any, error) {
		return c.client.SearchByTag(ctx, tag)
	})
	return items(v, err)
}

// LatestByChannel implements [upstream.Client].
func (c *Cache) LatestByChannel(ctx context.Context, channelID string, limit int) ([]upstream.Item, error) {
	key := Key{Op: OpChannelItems, Param: fmt.Sprintf("%s/%d", channelID, limit)}
	v, err := c.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return c.client.LatestByChannel(ctx, channelID, limit)
	})
	return items(v, err)
}

// GetItem implements [upstream.Client].
func (c *Cache) GetItem(ctx context.Context, id string) (upstream.Item, error) {
	v, err := c.Fetch(ctx, Key{Op: OpItem, Param: id}, func(ctx context.Context) (any, error) {
		return c.client.GetItem(ctx, id)
	})
	if err != nil {
		return upstream.Item{}, err
	}
	it, _ := v.(upstream.Item)
	return it, nil
}

// GetChannel implements [upstream.Client].
func (c *Cache) GetChannel(ctx context.Context, channelID string) (upstream.Channel, error) {
	v, err := c.Fetch(ctx, Key{Op: OpChannel, Param: channelID}, func(ctx context.Context) (any, error) {
		return c.client.GetChannel(ctx, channelID)
	})
	if err != nil {
		return upstream.Channel{}, err
	}
	ch, _ := v.(upstream.Channel)
	return ch, nil
}

// items unpacks a cached item list. The slice is cloned so callers cannot
// reorder the shared entry.
func items(v any, err error) ([]upstream.Item, error) {
	if err != nil {
		return nil, err
	}
	list, _ := v.([]upstream.Item)
	return slices.Clone(list), nil
}
