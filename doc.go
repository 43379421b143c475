// Package tubelytics provides live search subscriptions over a slow,
// quota-metered video search provider.
//
// A subscription polls the provider for a topic on a fixed interval and
// pushes only the items it has not delivered before. Polls from any number
// of subscriptions, and from one-shot queries, read through a single
// shared cache, so the same topic asked for at the same time costs one
// upstream call.
//
// # Quick Start
//
//	t, _ := tubelytics.New(tubelytics.WithAPIKey(os.Getenv("YOUTUBE_API_KEY")))
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	t.Run(ctx) // serves the HTTP API until ctx is cancelled
//
// # Embedding
//
// Without the HTTP layer, start the instance and open subscriptions
// directly:
//
//	t.Start(ctx)
//	defer t.Close()
//
//	sub, err := t.OpenSubscription(ctx, "cats", tubelytics.SinkFunc(func(b tubelytics.Batch) {
//	    if b.Err != nil {
//	        // terminal: the worker exhausted its restart budget
//	        return
//	    }
//	    for _, item := range b.Items {
//	        fmt.Println(item.ID, item.Title)
//	    }
//	}))
//
// A sink sees each item id at most once per subscription. When the sink
// falls behind, the oldest pending batches are dropped.
//
// One-shot queries go through a bounded worker pool and return within the
// query timeout:
//
//	resp, err := t.Query(ctx, tubelytics.Request{Kind: tubelytics.ItemDetail, Param: "dQw4w9WgXcQ"})
//	if errors.Is(err, tubelytics.ErrNotFound) {
//	    // no such video
//	}
//
// # Failures
//
// A failed poll restarts the subscription's worker after a backoff. More
// than the allowed number of restarts within the restart window stops the
// subscription: its sink receives one final batch whose Err wraps
// [ErrEscalated] and the last failure.
//
// # Architecture
//
// The internal packages are:
//
//   - internal/upstream: provider contract and YouTube Data API client
//   - internal/fetchcache: single-flight, time-bounded cache
//   - internal/delta: per-subscription delivered-id tracker
//   - internal/poller: polling worker state machine
//   - internal/delivery: bounded drop-oldest batch channel
//   - internal/supervisor: restart policy and subscription lifecycle
//   - internal/correlator: one-shot request pool with timeouts
//   - internal/query, internal/wordstats, internal/history: one-shot queries
//   - internal/server: SSE, WebSocket and JSON HTTP API
//   - internal/metrics: prometheus collector
package tubelytics
