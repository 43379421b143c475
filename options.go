package tubelytics

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// tlConfig holds mutable state during Tubelytics construction.
type tlConfig struct {
	client      Client
	apiKey      string
	apiEndpoint string
	maxResults  int64
	rateLimit   float64
	rateBurst   int

	pollInterval    time.Duration
	cacheTTL        time.Duration
	negativeTTL     time.Duration
	callTimeout     time.Duration
	cacheMaxEntries int
	deliveryBuffer  int

	maxRestarts   int
	restartWindow time.Duration
	backoffMin    time.Duration
	backoffMax    time.Duration

	queryTimeout time.Duration
	queryWorkers int
	history      HistoryStore

	port   int
	logger *slog.Logger
	clock  clock.Clock
}

// Option is a function that configures a [Tubelytics] instance during
// construction.
//
// Options return an error if validation fails, which [New] passes on.
type Option func(*tlConfig) error

// WithClient sets the upstream provider. Use it to plug in a provider other
// than the YouTube Data API, or a fake in tests.
//
// Exactly one of WithClient and [WithAPIKey] must be given.
func WithClient(c Client) Option {
	return func(cfg *tlConfig) error {
		if c == nil {
			return errors.New("client cannot be nil")
		}
		cfg.client = c
		return nil
	}
}

// WithAPIKey selects the YouTube Data API as upstream, authenticated with
// key.
//
// Example:
//
//	t, err := tubelytics.New(
//	    tubelytics.WithAPIKey(os.Getenv("YOUTUBE_API_KEY")),
//	)
func WithAPIKey(key string) Option {
	return func(cfg *tlConfig) error {
		if key == "" {
			return errors.New("api key cannot be empty")
		}
		cfg.apiKey = key
		return nil
	}
}

// WithAPIEndpoint overrides the YouTube Data API base URL.
func WithAPIEndpoint(url string) Option {
	return func(cfg *tlConfig) error {
		cfg.apiEndpoint = url
		return nil
	}
}

// WithMaxResults sets how many items one upstream search returns.
// Defaults to 10. The YouTube Data API accepts 1 to 50.
func WithMaxResults(n int64) Option {
	return func(cfg *tlConfig) error {
		if n < 1 || n > 50 {
			return fmt.Errorf("max results must be between 1 and 50, got %d", n)
		}
		cfg.maxResults = n
		return nil
	}
}

// WithRateLimit bounds outbound upstream calls to perSecond with the given
// burst. Defaults to 5 per second with a burst of 5.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(cfg *tlConfig) error {
		if perSecond <= 0 {
			return errors.New("rate limit must be positive")
		}
		if burst <= 0 {
			return errors.New("rate burst must be positive")
		}
		cfg.rateLimit = perSecond
		cfg.rateBurst = burst
		return nil
	}
}

// WithPollInterval sets how long a subscription sleeps between polls.
// Defaults to 30 seconds.
//
// Returns an error if the duration is zero or negative.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *tlConfig) error {
		if d <= 0 {
			return errors.New("poll interval must be positive")
		}
		cfg.pollInterval = d
		return nil
	}
}

// WithCacheTTL sets how long a successful upstream result is served from
// the fetch cache. Defaults to nine tenths of the poll interval.
//
// The TTL also bounds how fresh a subscription can be: polls inside the
// TTL see the cached batch.
func WithCacheTTL(d time.Duration) Option {
	return func(cfg *tlConfig) error {
		if d <= 0 {
			return errors.New("cache ttl must be positive")
		}
		cfg.cacheTTL = d
		return nil
	}
}

// WithNegativeTTL sets how long a failed upstream result is replayed before
// the upstream is asked again. Defaults to 5 seconds.
func WithNegativeTTL(d time.Duration) Option {
	return func(cfg *tlConfig) error {
		if d <= 0 {
			return errors.New("negative ttl must be positive")
		}
		cfg.negativeTTL = d
		return nil
	}
}

// WithCallTimeout bounds a single upstream call. Defaults to 10 seconds.
func WithCallTimeout(d time.Duration) Option {
	return func(cfg *tlConfig) error {
		if d <= 0 {
			return errors.New("call timeout must be positive")
		}
		cfg.callTimeout = d
		return nil
	}
}

// WithCacheMaxEntries bounds the fetch cache. Defaults to 4096.
func WithCacheMaxEntries(n int) Option {
	return func(cfg *tlConfig) error {
		if n <= 0 {
			return errors.New("cache max entries must be positive")
		}
		cfg.cacheMaxEntries = n
		return nil
	}
}

// WithDeliveryBuffer sets how many batches a subscription holds for a slow
// sink before dropping the oldest. Defaults to 256.
func WithDeliveryBuffer(n int) Option {
	return func(cfg *tlConfig) error {
		if n <= 0 {
			return errors.New("delivery buffer must be positive")
		}
		cfg.deliveryBuffer = n
		return nil
	}
}

// WithRestartPolicy sets the restart budget of a subscription's worker:
// at most maxRestarts restarts within window before the subscription is
// stopped with a terminal error. Defaults to 10 per minute.
//
// Example:
//
//	t, err := tubelytics.New(
//	    tubelytics.WithAPIKey(key),
//	    tubelytics.WithRestartPolicy(3, 30*time.Second),
//	)
func WithRestartPolicy(maxRestarts int, window time.Duration) Option {
	return func(cfg *tlConfig) error {
		if maxRestarts <= 0 {
			return errors.New("max restarts must be positive")
		}
		if window <= 0 {
			return errors.New("restart window must be positive")
		}
		cfg.maxRestarts = maxRestarts
		cfg.restartWindow = window
		return nil
	}
}

// WithRestartBackoff sets the exponential delay before each restart.
// Defaults to 100ms doubling up to 5s. A restart never comes sooner than
// the negative TTL, see [WithNegativeTTL].
func WithRestartBackoff(minDelay, maxDelay time.Duration) Option {
	return func(cfg *tlConfig) error {
		if minDelay <= 0 {
			return errors.New("restart backoff must be positive")
		}
		if maxDelay < minDelay {
			return fmt.Errorf("restart backoff max %s is below min %s", maxDelay, minDelay)
		}
		cfg.backoffMin = minDelay
		cfg.backoffMax = maxDelay
		return nil
	}
}

// WithQueryTimeout sets how long [Tubelytics.Query] waits for an answer.
// Defaults to 5 seconds.
func WithQueryTimeout(d time.Duration) Option {
	return func(cfg *tlConfig) error {
		if d <= 0 {
			return errors.New("query timeout must be positive")
		}
		cfg.queryTimeout = d
		return nil
	}
}

// WithQueryWorkers sets the size of the one-shot query pool. Defaults to 8.
func WithQueryWorkers(n int) Option {
	return func(cfg *tlConfig) error {
		if n <= 0 {
			return errors.New("query workers must be positive")
		}
		cfg.queryWorkers = n
		return nil
	}
}

// WithHistoryStore sets where search history is kept. Defaults to an
// in-memory store.
func WithHistoryStore(s HistoryStore) Option {
	return func(cfg *tlConfig) error {
		if s == nil {
			return errors.New("history store cannot be nil")
		}
		cfg.history = s
		return nil
	}
}

// WithPort sets the HTTP port used by [Tubelytics.Run]. Defaults to 8080.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *tlConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. If not specified, [slog.Default]
// is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *tlConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithClock sets the clock used for cache expiry, poll sleeps, restart
// windows and query timeouts.
func WithClock(c clock.Clock) Option {
	return func(cfg *tlConfig) error {
		if c == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.clock = c
		return nil
	}
}
