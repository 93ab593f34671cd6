package chainstore

import (
	"context"
	"log/slog"
	"time"

	"ppy-wallet/go-core/internal/metrics"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/pkg/models"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxAttempts  = 10
)

// ObjectCache answers lookups without blocking.
type ObjectCache interface {
	Lookup(id string, force bool) (models.ChainObject, Presence)
}

type FetcherOptions struct {
	PollInterval time.Duration
	// MaxAttempts of zero means DefaultMaxAttempts; negative disables polling.
	MaxAttempts int
	Logger      *slog.Logger
	Metrics     *metrics.Collectors
}

// Fetcher polls an ObjectCache until an object shows up, is confirmed
// missing, or MaxAttempts retries are spent.
type Fetcher struct {
	cache    ObjectCache
	interval time.Duration
	max      int
	logger   *slog.Logger
	metrics  *metrics.Collectors
	wait     func(ctx context.Context, d time.Duration) error
}

func NewFetcher(cache ObjectCache, opts FetcherOptions) *Fetcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	switch {
	case opts.MaxAttempts == 0:
		opts.MaxAttempts = DefaultMaxAttempts
	case opts.MaxAttempts < 0:
		opts.MaxAttempts = 0
	}
	return &Fetcher{
		cache:    cache,
		interval: opts.PollInterval,
		max:      opts.MaxAttempts,
		logger:   privacylog.Ensure(opts.Logger),
		metrics:  opts.Metrics,
		wait:     sleepCtx,
	}
}

// GetObject resolves id. It returns (nil, nil) when the object is confirmed
// missing or when polling gave up after MaxAttempts+1 checks; the only error
// is ctx's.
func (f *Fetcher) GetObject(ctx context.Context, id string, force bool) (models.ChainObject, error) {
	for attempt := 0; ; attempt++ {
		obj, presence := f.cache.Lookup(id, force)
		switch presence {
		case Found:
			return obj, nil
		case Missing:
			return nil, nil
		}
		if attempt >= f.max {
			f.logger.Warn("object lookup exhausted polling attempts",
				"object_id", id, "attempts", attempt+1)
			f.metrics.PollTimeout()
			return nil, nil
		}
		if err := f.wait(ctx, f.interval); err != nil {
			return nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
