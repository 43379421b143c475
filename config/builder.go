package config

import (
	"errors"
	"time"

	"github.com/jpalmerr/tubelytics"
)

// fill-ins for settings the SDK only accepts in pairs
const (
	defaultRateLimit     = 5
	defaultBurst         = 5
	defaultMaxRestarts   = 10
	defaultRestartWindow = time.Minute
	defaultBackoffMin    = 100 * time.Millisecond
	defaultBackoffMax    = 5 * time.Second
)

// BuildOptions converts parsed configuration into SDK options.
//
// Zero-valued optional settings produce no option, leaving the SDK default
// in place. The returned slice can be extended by the caller, e.g. with
// [tubelytics.WithLogger].
func BuildOptions(cfg *Config) ([]tubelytics.Option, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	opts := []tubelytics.Option{
		tubelytics.WithAPIKey(cfg.Upstream.APIKey),
		tubelytics.WithPort(cfg.Port),
		tubelytics.WithPollInterval(cfg.PollInterval.Duration()),
	}

	if cfg.Upstream.Endpoint != "" {
		opts = append(opts, tubelytics.WithAPIEndpoint(cfg.Upstream.Endpoint))
	}
	if cfg.Upstream.MaxResults != 0 {
		opts = append(opts, tubelytics.WithMaxResults(cfg.Upstream.MaxResults))
	}
	if cfg.Upstream.RateLimit != 0 || cfg.Upstream.Burst != 0 {
		rate, burst := cfg.Upstream.RateLimit, cfg.Upstream.Burst
		if rate == 0 {
			rate = defaultRateLimit
		}
		if burst == 0 {
			burst = defaultBurst
		}
		opts = append(opts, tubelytics.WithRateLimit(rate, burst))
	}

	if cfg.DeliveryBuffer != 0 {
		opts = append(opts, tubelytics.WithDeliveryBuffer(cfg.DeliveryBuffer))
	}

	if cfg.Cache.TTL != 0 {
		opts = append(opts, tubelytics.WithCacheTTL(cfg.Cache.TTL.Duration()))
	}
	if cfg.Cache.NegativeTTL != 0 {
		opts = append(opts, tubelytics.WithNegativeTTL(cfg.Cache.NegativeTTL.Duration()))
	}
	if cfg.Cache.CallTimeout != 0 {
		opts = append(opts, tubelytics.WithCallTimeout(cfg.Cache.CallTimeout.Duration()))
	}
	if cfg.Cache.MaxEntries != 0 {
		opts = append(opts, tubelytics.WithCacheMaxEntries(cfg.Cache.MaxEntries))
	}

	if cfg.Restart.Max != 0 || cfg.Restart.Window != 0 {
		maxRestarts, window := cfg.Restart.Max, cfg.Restart.Window
		if maxRestarts == 0 {
			maxRestarts = defaultMaxRestarts
		}
		if window == 0 {
			window = Duration(defaultRestartWindow)
		}
		opts = append(opts, tubelytics.WithRestartPolicy(maxRestarts, window.Duration()))
	}
	if cfg.Restart.BackoffMin != 0 || cfg.Restart.BackoffMax != 0 {
		minDelay, maxDelay := cfg.Restart.BackoffMin.Duration(), cfg.Restart.BackoffMax.Duration()
		if minDelay == 0 {
			minDelay = min(defaultBackoffMin, maxDelay)
		}
		if maxDelay == 0 {
			maxDelay = max(defaultBackoffMax, minDelay)
		}
		opts = append(opts, tubelytics.WithRestartBackoff(minDelay, maxDelay))
	}

	if cfg.Query.Timeout != 0 {
		opts = append(opts, tubelytics.WithQueryTimeout(cfg.Query.Timeout.Duration()))
	}
	if cfg.Query.Workers != 0 {
		opts = append(opts, tubelytics.WithQueryWorkers(cfg.Query.Workers))
	}

	return opts, nil
}
