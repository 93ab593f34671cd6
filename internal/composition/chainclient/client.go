// Package chainclient wires endpoint discovery, the connection supervisor,
// the API gateway, the object cache and the transaction pipeline into one
// client.
package chainclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"ppy-wallet/go-core/internal/account"
	"ppy-wallet/go-core/internal/chainapi"
	"ppy-wallet/go-core/internal/chainstore"
	"ppy-wallet/go-core/internal/config"
	"ppy-wallet/go-core/internal/endpoints"
	"ppy-wallet/go-core/internal/keys"
	"ppy-wallet/go-core/internal/latency"
	"ppy-wallet/go-core/internal/metrics"
	"ppy-wallet/go-core/internal/platform/notify"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/internal/platform/ratelimiter"
	"ppy-wallet/go-core/internal/rpc"
	"ppy-wallet/go-core/internal/session"
	"ppy-wallet/go-core/internal/txbuilder"
	"ppy-wallet/go-core/pkg/models"
)

const (
	MethodNetworkStatus = "network.status"
	MethodTxBroadcast   = "tx.broadcast"

	notificationBacklog = 256
)

var ErrInvalidCredentials = errors.New("invalid account credentials")

type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	HTTPClient *http.Client
	// Dialer overrides the websocket dialer used for sessions.
	Dialer session.Dialer
	// Prober overrides the latency probe.
	Prober latency.Prober
}

type Client struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metrics.Collectors
	source     *endpoints.Source
	supervisor *session.Supervisor
	gateway    *chainapi.Gateway
	store      *chainstore.Store
	fetcher    *chainstore.Fetcher
	precision  *chainstore.PrecisionCache
	accounts   *account.Service
	builder    *txbuilder.Builder
	events     *notify.Hub

	mu       sync.Mutex
	callback func(connected bool)
}

func New(cfg config.Config, opts Options) *Client {
	cfg = config.Normalize(cfg)
	logger := privacylog.Ensure(opts.Logger)
	collectors := metrics.New(opts.Registerer)

	rpcOpts := rpc.Options{HandshakeTimeout: cfg.HandshakeTimeout, Logger: logger}
	prober := opts.Prober
	if prober == nil {
		prober = latency.RPCProber{Options: rpc.Options{HandshakeTimeout: cfg.ProbeTimeout, Logger: logger}}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = session.NewRPCDialer(rpcOpts)
	}

	source := endpoints.New(endpoints.Options{
		Endpoints:    cfg.Endpoints,
		FallbackURL:  cfg.FallbackURL,
		UseTestnet:   cfg.UseTestnet,
		FetchTimeout: cfg.FallbackTimeout,
		HTTPClient:   opts.HTTPClient,
		Logger:       logger,
	})
	ranker := latency.NewRanker(prober, latency.Options{
		ProbeTimeout: cfg.ProbeTimeout,
		Concurrency:  cfg.ProbeConcurrency,
		Rate:         cfg.ProbeRate,
		Logger:       logger,
		Metrics:      collectors,
	})
	supervisor := session.New(source, ranker, dialer, session.Options{
		UseFallback:      cfg.UseFallback,
		HandshakeTimeout: cfg.HandshakeTimeout,
		RetryDelay:       cfg.RetryDelay,
		Logger:           logger,
		Metrics:          collectors,
	})
	gateway := chainapi.New(supervisor, chainapi.Options{
		Logger:  logger,
		Metrics: collectors,
		Limiter: ratelimiter.New(cfg.APIRate, cfg.APIBurst, 0),
	})
	store := chainstore.NewStore(gateway, logger)
	// Normalize has already applied defaults; zero here means a single check.
	maxAttempts := cfg.MaxPollAttempts
	if maxAttempts == 0 {
		maxAttempts = -1
	}
	fetcher := chainstore.NewFetcher(store, chainstore.FetcherOptions{
		PollInterval: cfg.PollInterval,
		MaxAttempts:  maxAttempts,
		Logger:       logger,
		Metrics:      collectors,
	})
	precision := chainstore.NewPrecisionCache(fetcher)
	accounts := account.NewService(gateway, precision, account.Options{FeeAsset: cfg.FeeAsset, Logger: logger})
	builder := txbuilder.New(accounts, precision, gateway, supervisor, supervisor, txbuilder.Options{
		ExpireAfter: cfg.ExpireAfter,
		Prefix:      cfg.ChainPrefix,
		Logger:      logger,
		Metrics:     collectors,
	})

	supervisor.SetInvalidator(store)
	supervisor.SetSyncChecker(session.NewSyncValidator(gateway, cfg.SyncTolerance, logger))

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		metrics:    collectors,
		source:     source,
		supervisor: supervisor,
		gateway:    gateway,
		store:      store,
		fetcher:    fetcher,
		precision:  precision,
		accounts:   accounts,
		builder:    builder,
		events:     notify.NewHub(notificationBacklog),
	}
	supervisor.SetStatusCallback(c.onStatus)
	return c
}

// Start runs the full initialization. Failures schedule a delayed retry and
// are reported through the status callback.
func (c *Client) Start(ctx context.Context) error {
	return c.supervisor.Start(ctx)
}

// Connect moves to the next ranked endpoint, or re-ranks when there is none.
func (c *Client) Connect(ctx context.Context) error {
	return c.supervisor.Connect(ctx)
}

func (c *Client) Close() error {
	err := c.supervisor.Close()
	c.store.Wait()
	return err
}

// SetStatusCallback registers fn for connection status changes. The last
// registration wins.
func (c *Client) SetStatusCallback(fn func(connected bool)) {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
}

func (c *Client) onStatus(connected bool) {
	status := c.Status()
	c.events.Publish(MethodNetworkStatus, map[string]any{
		"connected": connected,
		"status":    status,
	})
	c.mu.Lock()
	fn := c.callback
	c.mu.Unlock()
	if fn != nil {
		fn(connected)
	}
}

func (c *Client) Status() models.NetworkStatus {
	st := c.supervisor.Status()
	st.EndpointSource = c.source.LastSource()
	st.EndpointSourceReason = c.source.LastReason()
	return st
}

func (c *Client) Network() (rpc.Handshake, bool) {
	return c.supervisor.Network()
}

// Subscribe streams client events after fromSeq.
func (c *Client) Subscribe(fromSeq int64) ([]notify.Event, <-chan notify.Event, func()) {
	return c.events.Subscribe(fromSeq)
}

// GetObject waits a bounded time for id. A nil object with a nil error means
// the object does not exist or did not arrive in time.
func (c *Client) GetObject(ctx context.Context, id string, force bool) (models.ChainObject, error) {
	if _, err := models.ParseObjectID(id); err != nil {
		return nil, err
	}
	return c.fetcher.GetObject(ctx, id, force)
}

// CallAPI forwards to the gateway; failures come back as an empty result.
func (c *Client) CallAPI(ctx context.Context, plugin, method string, params []any) json.RawMessage {
	return c.gateway.CallAPI(ctx, plugin, method, params)
}

func (c *Client) FullAccount(ctx context.Context, nameOrID string) (*models.FullAccount, error) {
	return c.accounts.GetFullAccount(ctx, nameOrID)
}

func (c *Client) Balance(ctx context.Context, nameOrID, assetID string) (string, error) {
	if assetID == "" {
		assetID = models.CoreAssetID
	}
	return c.accounts.Balance(ctx, nameOrID, assetID)
}

func (c *Client) TransferFee(ctx context.Context) (string, error) {
	return c.accounts.TransferFee(ctx)
}

// Login derives the account's keys from its password and checks them
// against the chain.
func (c *Client) Login(ctx context.Context, accountName, password string) (*keys.SigningKeySet, error) {
	set, err := keys.FromPassword(accountName, password)
	if err != nil {
		return nil, err
	}
	ok, err := c.accounts.CredentialsValid(ctx, accountName, set, c.prefix())
	if err != nil {
		set.Zero()
		return nil, err
	}
	if !ok {
		set.Zero()
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, accountName)
	}
	return set, nil
}

// BuildTransfer returns a signed transfer; its JSON form is the serialized
// transaction.
func (c *Client) BuildTransfer(ctx context.Context, req txbuilder.TransferRequest) (*txbuilder.Transaction, error) {
	return c.builder.BuildTransfer(ctx, req)
}

func (c *Client) Broadcast(ctx context.Context, tx *txbuilder.Transaction) error {
	if err := c.builder.Broadcast(ctx, tx); err != nil {
		return err
	}
	id, _ := tx.ID()
	c.events.Publish(MethodTxBroadcast, map[string]any{"tx_id": id})
	return nil
}

func (c *Client) Metrics() *metrics.Collectors { return c.metrics }

func (c *Client) Config() config.Config { return c.cfg }

func (c *Client) prefix() string {
	if hs, ok := c.supervisor.Network(); ok && hs.AddrPrefix != "" {
		return hs.AddrPrefix
	}
	return c.cfg.ChainPrefix
}
