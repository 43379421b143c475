package tubelytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/tubelytics/internal/correlator"
	"github.com/jpalmerr/tubelytics/internal/delivery"
	"github.com/jpalmerr/tubelytics/internal/fetchcache"
	"github.com/jpalmerr/tubelytics/internal/history"
	"github.com/jpalmerr/tubelytics/internal/metrics"
	"github.com/jpalmerr/tubelytics/internal/poller"
	"github.com/jpalmerr/tubelytics/internal/query"
	"github.com/jpalmerr/tubelytics/internal/server"
	"github.com/jpalmerr/tubelytics/internal/supervisor"
	"github.com/jpalmerr/tubelytics/internal/upstream"
)

const (
	defaultPort            = 8080
	defaultPollInterval    = poller.DefaultInterval
	defaultNegativeTTL     = 5 * time.Second
	defaultCallTimeout     = 10 * time.Second
	defaultCacheMaxEntries = 4096
	defaultDeliveryBuffer  = delivery.DefaultCapacity
	defaultBackoffMin      = 100 * time.Millisecond
	defaultBackoffMax      = 5 * time.Second
	defaultQueryTimeout    = correlator.DefaultTimeout
	defaultQueryWorkers    = correlator.DefaultWorkers
)

// Tubelytics is the live search subscription service.
//
// It owns one fetch cache shared by every subscription and every one-shot
// query, so identical upstream requests in flight at the same time cost a
// single call. Subscriptions are polled by supervised workers; one-shot
// queries run on a bounded worker pool with a per-query timeout.
//
// The typical lifecycle is:
//
//	t, err := tubelytics.New(tubelytics.WithAPIKey(key))
//	if err != nil {
//	    slog.Error("failed to create tubelytics", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	t.Run(ctx) // blocks until context cancelled
//
// Embedders that bring their own transport call [Tubelytics.Start] and
// [Tubelytics.Close] instead of Run.
type Tubelytics struct {
	cache      *fetchcache.Cache
	supervisor *supervisor.Supervisor
	correlator *correlator.Correlator
	executor   *query.Executor
	metrics    *metrics.Collector
	registry   *prometheus.Registry

	pollInterval time.Duration
	queryTimeout time.Duration
	port         int
	logger       *slog.Logger
	clock        clock.Clock
	closeClient  func()

	wg sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a new [Tubelytics] instance with the given options.
//
// An upstream must be configured via [WithAPIKey] or [WithClient]. Other
// options have sensible defaults:
//   - Poll interval: 30 seconds
//   - Cache TTL: 9/10 of the poll interval (failures: 5 seconds)
//   - Restart budget: 10 restarts per minute
//   - Query timeout: 5 seconds on 8 workers
//   - Port: 8080
//
// Returns an error if no upstream is configured or if any option is invalid.
func New(opts ...Option) (*Tubelytics, error) {
	cfg := &tlConfig{
		pollInterval:    defaultPollInterval,
		negativeTTL:     defaultNegativeTTL,
		callTimeout:     defaultCallTimeout,
		cacheMaxEntries: defaultCacheMaxEntries,
		deliveryBuffer:  defaultDeliveryBuffer,
		maxRestarts:     supervisor.DefaultMaxRestarts,
		restartWindow:   supervisor.DefaultRestartWindow,
		backoffMin:      defaultBackoffMin,
		backoffMax:      defaultBackoffMax,
		queryTimeout:    defaultQueryTimeout,
		queryWorkers:    defaultQueryWorkers,
		port:            defaultPort,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.client != nil && cfg.apiKey != "" {
		return nil, errors.New("client and api key are mutually exclusive")
	}
	if cfg.client == nil && cfg.apiKey == "" {
		return nil, errors.New("an upstream client or api key is required")
	}

	if cfg.cacheTTL == 0 {
		// every poll of a lone subscription reaches the upstream, while
		// subscriptions to the same topic still share results
		cfg.cacheTTL = cfg.pollInterval - cfg.pollInterval/10
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.clock
	if clk == nil {
		clk = clock.WallClock
	}
	store := cfg.history
	if store == nil {
		store = history.NewMemoryStore()
	}

	client := cfg.client
	closeClient := func() {}
	if client == nil {
		yt, err := upstream.NewYouTube(context.Background(), upstream.YouTubeConfig{
			APIKey:            cfg.apiKey,
			Endpoint:          cfg.apiEndpoint,
			MaxResults:        cfg.maxResults,
			RequestsPerSecond: cfg.rateLimit,
			Burst:             cfg.rateBurst,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream client: %w", err)
		}
		client = yt
		closeClient = yt.Close
	}

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cache := fetchcache.New(client, fetchcache.Config{
		TTL:         cfg.cacheTTL,
		NegativeTTL: cfg.negativeTTL,
		CallTimeout: cfg.callTimeout,
		MaxEntries:  cfg.cacheMaxEntries,
		Clock:       clk,
		Logger:      logger,
		Metrics:     collector,
	})

	return &Tubelytics{
		cache: cache,
		supervisor: supervisor.New(cache, supervisor.Config{
			Policy: supervisor.Policy{
				MaxRestarts: cfg.maxRestarts,
				Window:      cfg.restartWindow,
			},
			BackoffMin: cfg.backoffMin,
			BackoffMax: cfg.backoffMax,
			MinDelay:   cfg.negativeTTL,
			Interval:   cfg.pollInterval,
			Buffer:     cfg.deliveryBuffer,
			Clock:      clk,
			Logger:     logger,
			Metrics:    collector,
		}),
		correlator: correlator.New(correlator.Config{
			Workers: cfg.queryWorkers,
			Timeout: cfg.queryTimeout,
			Clock:   clk,
			Logger:  logger,
		}),
		executor:     query.NewExecutor(cache, store, clk),
		metrics:      collector,
		registry:     registry,
		pollInterval: cfg.pollInterval,
		queryTimeout: cfg.queryTimeout,
		port:         cfg.port,
		logger:       logger,
		clock:        clk,
		closeClient:  closeClient,
	}, nil
}

// Start makes the instance accept subscriptions and queries. Cancelling ctx
// cancels every subscription and stops the query pool, but only
// [Tubelytics.Close] waits for them.
//
// Start is non-blocking and idempotent. It is a no-op after Close.
func (t *Tubelytics) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed {
		return
	}
	t.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	t.supervisor.Start(ctx)
	t.correlator.Start(ctx)
}

// Run starts the instance and serves it over HTTP until ctx is cancelled.
//
// Routes:
//   - GET /api/subscribe?q=<topic>: Server-Sent Events
//   - GET /api/ws: WebSocket, one subscription per text frame
//   - GET /api/videos/{id}, /api/tags/{tag}, /api/channels/{id}
//   - GET /api/wordstats?q=, /api/search?q=&session=
//   - GET /metrics
//
// Returns nil on graceful shutdown. Returns an error if the HTTP server
// fails to start. Run closes the instance before returning.
func (t *Tubelytics) Run(ctx context.Context) error {
	defer t.Close()

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	t.Start(ctx)

	t.logger.Info("tubelytics starting",
		"poll_interval", t.pollInterval.String(),
		"query_timeout", t.queryTimeout.String(),
	)

	httpServer := server.NewServer(backend{t}, t.port, t.MetricsHandler(), t.logger)
	if err := httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	t.logger.Info("api available", "url", fmt.Sprintf("http://localhost:%d", t.port))

	<-ctx.Done()
	t.logger.Info("tubelytics stopped")
	return nil
}

// Close cancels every subscription, stops the query pool and waits for all
// goroutines to exit. Close is idempotent.
func (t *Tubelytics) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.supervisor.Stop()
	t.correlator.Stop()
	t.wg.Wait()
	t.closeClient()
}

// OpenSubscription starts polling topic and delivers each non-empty delta
// to sink, in order and at most once per item.
//
// The subscription ends when ctx is cancelled, when
// [Tubelytics.CancelSubscription] is called with its id, or when its
// worker exhausts the restart budget; in the last case sink receives one
// final batch whose Err wraps [ErrEscalated].
//
// Returns an error matching [ErrBadRequest] for an empty topic and
// [ErrNotRunning] before Start or after Close.
func (t *Tubelytics) OpenSubscription(ctx context.Context, topic string, sink Sink) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrBadRequest)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrBadRequest)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrNotRunning
	}
	t.wg.Add(1)
	t.mu.Unlock()

	id := uuid.NewString()
	h, err := t.supervisor.Spawn(id, topic, sink)
	if err != nil {
		t.wg.Done()
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		t.supervisor.Cancel(id)
	})
	go func() {
		defer t.wg.Done()
		<-h.Done()
		stop()
	}()

	t.logger.Info("subscription opened", "subscription_id", id, "topic", topic)
	return &Subscription{handle: h}, nil
}

// CancelSubscription stops the subscription with the given id. It returns
// false if the id is unknown or the subscription has already ended.
func (t *Tubelytics) CancelSubscription(id string) bool {
	ok := t.supervisor.Cancel(id)
	if ok {
		t.logger.Info("subscription cancelled", "subscription_id", id)
	}
	return ok
}

// Query runs a one-shot query and waits at most the configured query
// timeout for its answer.
//
// Errors match [ErrBadRequest], [ErrNotFound], [ErrTimeout] or
// [ErrUpstream]. Before Start or after Close, Query returns [ErrStopped].
func (t *Tubelytics) Query(ctx context.Context, req Request) (Response, error) {
	start := t.clock.Now()

	v, err := t.correlator.Ask(ctx, func(ctx context.Context) (any, error) {
		return t.executor.Execute(ctx, req)
	}, t.queryTimeout)

	t.metrics.QueryObserved(string(req.Kind), t.clock.Now().Sub(start).Seconds(), err)
	if err != nil {
		t.logger.Debug("query failed", "kind", string(req.Kind), "param", req.Param, "error", err)
		return Response{}, err
	}

	resp, _ := v.(Response)
	return resp, nil
}

// Subscriptions returns the number of live subscriptions.
func (t *Tubelytics) Subscriptions() int {
	return t.supervisor.Len()
}

// UpstreamCalls reports how many calls have reached the upstream.
func (t *Tubelytics) UpstreamCalls() int64 {
	return t.cache.UpstreamCalls()
}

// MetricsHandler returns an HTTP handler serving prometheus metrics for
// this instance.
func (t *Tubelytics) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Port returns the configured HTTP port.
func (t *Tubelytics) Port() int {
	return t.port
}

// PollInterval returns the configured interval between polls.
func (t *Tubelytics) PollInterval() time.Duration {
	return t.pollInterval
}

// backend adapts Tubelytics to the HTTP server.
type backend struct {
	t *Tubelytics
}

func (b backend) Subscribe(ctx context.Context, topic string, sink delivery.Sink) (server.Subscription, error) {
	sub, err := b.t.OpenSubscription(ctx, topic, sink)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b backend) Query(ctx context.Context, req query.Request) (query.Response, error) {
	return b.t.Query(ctx, req)
}
