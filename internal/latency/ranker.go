// Package latency orders candidate endpoints by probe round trip.
package latency

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ppy-wallet/go-core/internal/metrics"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/internal/rpc"
)

const (
	DefaultProbeTimeout = 3 * time.Second
	DefaultConcurrency  = 8
	DefaultRate         = 20
)

var ErrNoReachableEndpoint = errors.New("no reachable endpoint")

// Prober measures one endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint string) (time.Duration, error)
}

type ProberFunc func(ctx context.Context, endpoint string) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context, endpoint string) (time.Duration, error) {
	return f(ctx, endpoint)
}

// RPCProber dials the websocket and times a login round trip.
type RPCProber struct {
	Options rpc.Options
}

func (p RPCProber) Probe(ctx context.Context, endpoint string) (time.Duration, error) {
	started := time.Now()
	client, err := rpc.Dial(ctx, endpoint, p.Options)
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.Close() }()
	if err := client.Login(ctx); err != nil {
		return 0, err
	}
	return time.Since(started), nil
}

type Ranked struct {
	Endpoint string
	Latency  time.Duration
}

// RankedList is ordered by ascending latency. It is replaced, never
// mutated, by each ranking cycle.
type RankedList []Ranked

func (l RankedList) Endpoints() []string {
	out := make([]string, len(l))
	for i, r := range l {
		out[i] = r.Endpoint
	}
	return out
}

type Options struct {
	ProbeTimeout time.Duration
	Concurrency  int
	Rate         float64
	Logger       *slog.Logger
	Metrics      *metrics.Collectors
}

type Ranker struct {
	prober      Prober
	timeout     time.Duration
	concurrency int
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     *metrics.Collectors
}

func NewRanker(prober Prober, opts Options) *Ranker {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Rate <= 0 {
		opts.Rate = DefaultRate
	}
	return &Ranker{
		prober:      prober,
		timeout:     opts.ProbeTimeout,
		concurrency: opts.Concurrency,
		limiter:     rate.NewLimiter(rate.Limit(opts.Rate), opts.Concurrency),
		logger:      privacylog.Ensure(opts.Logger),
		metrics:     opts.Metrics,
	}
}

type probeResult struct {
	latency time.Duration
	ok      bool
}

// Rank probes every endpoint and returns the reachable ones ordered by
// latency, ties kept in input order. It fails with ErrNoReachableEndpoint
// when nothing answered, and with ctx's error when ctx ends first.
func (r *Ranker) Rank(ctx context.Context, endpoints []string) (RankedList, error) {
	results := make([]probeResult, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			pctx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()
			latency, err := r.prober.Probe(pctx, endpoint)
			r.metrics.ObserveProbe(latency, err)
			if err != nil {
				r.logger.Debug("endpoint probe failed", "endpoint", endpoint, "error", err)
				return nil
			}
			results[i] = probeResult{latency: latency, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ranked := make(RankedList, 0, len(endpoints))
	for i, res := range results {
		if res.ok {
			ranked = append(ranked, Ranked{Endpoint: endpoints[i], Latency: res.latency})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Latency < ranked[j].Latency })

	r.logger.Info("endpoints ranked", "candidates", len(endpoints), "reachable", len(ranked))
	if len(ranked) == 0 {
		return nil, ErrNoReachableEndpoint
	}
	return ranked, nil
}
