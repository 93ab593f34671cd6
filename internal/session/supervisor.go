// Package session owns the single live node connection: it resolves and
// ranks endpoints, connects with failover, watches the transport, and
// re-initializes after loss.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"ppy-wallet/go-core/internal/latency"
	"ppy-wallet/go-core/internal/metrics"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/internal/rpc"
	"ppy-wallet/go-core/pkg/models"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultRetryDelay       = 10 * time.Second
)

var (
	ErrConnectFailed    = errors.New("connect attempt failed")
	ErrNotConnected     = errors.New("not connected")
	ErrNotSynced        = errors.New("node clock out of sync")
	ErrSupervisorClosed = errors.New("supervisor closed")
)

type EndpointResolver interface {
	Resolve(ctx context.Context, useFallback bool) []string
}

type EndpointRanker interface {
	Rank(ctx context.Context, endpoints []string) (latency.RankedList, error)
}

// Invalidator drops cached chain state after a reconnect.
type Invalidator interface {
	Reset()
}

type SyncChecker interface {
	CheckSync(ctx context.Context) bool
}

type Options struct {
	UseFallback      bool
	HandshakeTimeout time.Duration
	RetryDelay       time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Collectors
	// OnTransition runs under the supervisor lock and must not call back
	// into the Supervisor.
	OnTransition func(from, to State)
}

type Supervisor struct {
	resolver EndpointResolver
	ranker   EndpointRanker
	dialer   Dialer

	useFallback      bool
	handshakeTimeout time.Duration
	retryDelay       time.Duration
	logger           *slog.Logger
	metrics          *metrics.Collectors
	onTransition     func(from, to State)
	id               string

	init      singleflight.Group
	attemptMu sync.Mutex

	mu           sync.Mutex
	state        State
	conn         Conn
	handshake    rpc.Handshake
	ranked       latency.RankedList
	index        int
	callback     func(connected bool)
	invalidator  Invalidator
	syncChecker  SyncChecker
	stopRetry    func() bool
	retryPending bool
	retries      int
	reinit       bool
	transitions  int
	lastChange   time.Time
	closed       bool

	baseCtx  context.Context
	cancel   context.CancelFunc
	schedule func(d time.Duration, f func()) (stop func() bool)
	now      func() time.Time
}

func New(resolver EndpointResolver, ranker EndpointRanker, dialer Dialer, opts Options) *Supervisor {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		resolver:         resolver,
		ranker:           ranker,
		dialer:           dialer,
		useFallback:      opts.UseFallback,
		handshakeTimeout: opts.HandshakeTimeout,
		retryDelay:       opts.RetryDelay,
		logger:           privacylog.Ensure(opts.Logger).With("session_id", id),
		metrics:          opts.Metrics,
		onTransition:     opts.OnTransition,
		id:               id,
		state:            StateDisconnected,
		lastChange:       time.Now(),
		baseCtx:          ctx,
		cancel:           cancel,
		schedule: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		now: time.Now,
	}
}

func (s *Supervisor) ID() string { return s.id }

// SetStatusCallback registers fn for connection status changes. The last
// registration wins; fn runs outside the supervisor lock.
func (s *Supervisor) SetStatusCallback(fn func(connected bool)) {
	s.mu.Lock()
	s.callback = fn
	s.mu.Unlock()
}

// SetInvalidator sets the cache reset on transport loss.
func (s *Supervisor) SetInvalidator(inv Invalidator) {
	s.mu.Lock()
	s.invalidator = inv
	s.mu.Unlock()
}

// SetSyncChecker sets the clock check run after each successful connect.
func (s *Supervisor) SetSyncChecker(c SyncChecker) {
	s.mu.Lock()
	s.syncChecker = c
	s.mu.Unlock()
}

// Start runs the full initialization sequence: connect with failover across
// the ranked list, then check sync. Concurrent calls share one run. Failures
// are logged and turned into one delayed retry; the returned error is only
// informational. A transport loss that lands while a run is in flight
// requests another run, which Start performs before returning.
func (s *Supervisor) Start(ctx context.Context) error {
	for {
		_, err, _ := s.init.Do("init", func() (any, error) {
			return nil, s.initialize(ctx)
		})
		s.mu.Lock()
		again := s.reinit && s.state == StateReconnecting && !s.closed
		s.mu.Unlock()
		if !again || ctx.Err() != nil {
			return err
		}
	}
}

// Connect makes a single connection attempt. With more than one ranked
// endpoint it advances to the next one; otherwise it resolves and ranks
// endpoints first and tries the best.
func (s *Supervisor) Connect(ctx context.Context) error {
	err := s.connect(ctx)
	if err != nil && !errors.Is(err, ErrSupervisorClosed) {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.transitionLocked(StateDisconnected)
		}
		s.mu.Unlock()
	}
	return err
}

// Call implements chainapi.Caller against the live connection.
func (s *Supervisor) Call(ctx context.Context, api, method string, params []any) (json.RawMessage, error) {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if conn == nil || state != StateConnected {
		return nil, &rpc.TransportError{Err: ErrNotConnected}
	}
	return conn.Call(ctx, api, method, params)
}

// Network returns the identity reported by the connected node.
func (s *Supervisor) Network() (rpc.Handshake, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return rpc.Handshake{}, false
	}
	return s.handshake, true
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Status() models.NetworkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.NetworkStatus{
		State:            string(s.state),
		RankedEndpoints:  len(s.ranked),
		RetryPending:     s.retryPending,
		RetriesScheduled: s.retries,
		Transitions:      s.transitions,
		LastChange:       s.lastChange,
	}
	if s.conn != nil && s.state == StateConnected {
		st.Endpoint = s.conn.URL()
		st.NetworkName = s.handshake.NetworkName
		st.ChainID = s.handshake.ChainID
	}
	return st
}

// Close stops pending retries and closes the connection. The Supervisor
// cannot be restarted.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelRetryLocked()
	conn := s.conn
	s.conn = nil
	wasConnected := s.state == StateConnected
	s.transitionLocked(StateDisconnected)
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		s.notify(false)
	}
	s.logger.Info("session closed")
	return nil
}

func (s *Supervisor) initialize(ctx context.Context) error {
	s.mu.Lock()
	s.reinit = false
	s.cancelRetryLocked()
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := s.connect(ctx)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if errors.Is(err, ErrSupervisorClosed) {
			return err
		}
		s.mu.Lock()
		n := len(s.ranked)
		s.mu.Unlock()
		if attempt+1 >= n || ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		s.fail(lastErr)
		return lastErr
	}

	s.mu.Lock()
	checker := s.syncChecker
	s.mu.Unlock()
	if checker != nil && !checker.CheckSync(ctx) {
		s.logger.Warn("node clock out of sync, closing connection", "retry_in", s.retryDelay)
		s.dropConnection()
		s.scheduleRetry()
		return ErrNotSynced
	}
	return nil
}

func (s *Supervisor) connect(ctx context.Context) error {
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSupervisorClosed
	}
	prev := s.conn
	s.conn = nil
	var inv Invalidator
	leaving := s.state == StateConnected
	if leaving {
		s.transitionLocked(StateReconnecting)
		inv = s.invalidator
	}
	s.mu.Unlock()

	// Objects cached from the previous node must not outlive it.
	if prev != nil {
		_ = prev.Close()
	}
	if leaving {
		s.notify(false)
		if inv != nil {
			inv.Reset()
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSupervisorClosed
	}
	s.enterConnectingLocked()
	var endpoint string
	fast := len(s.ranked) > 1
	if fast {
		s.index = (s.index + 1) % len(s.ranked)
		endpoint = s.ranked[s.index].Endpoint
	}
	s.mu.Unlock()

	if !fast {
		ranked, err := s.rank(ctx)
		if err != nil {
			s.logger.Warn("no endpoint available", "error", err)
			s.notify(false)
			return fmt.Errorf("%w: %w", ErrConnectFailed, err)
		}
		s.mu.Lock()
		s.ranked = ranked
		s.index = 0
		s.mu.Unlock()
		endpoint = ranked[0].Endpoint
	}
	return s.attempt(ctx, endpoint)
}

func (s *Supervisor) rank(ctx context.Context) (latency.RankedList, error) {
	candidates := s.resolver.Resolve(ctx, s.useFallback)
	if len(candidates) == 0 {
		return nil, latency.ErrNoReachableEndpoint
	}
	ranked, err := s.ranker.Rank(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, latency.ErrNoReachableEndpoint
	}
	return ranked, nil
}

func (s *Supervisor) attempt(ctx context.Context, endpoint string) error {
	actx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	s.logger.Info("connecting", "endpoint", endpoint)
	conn, err := s.dialer.Dial(actx, endpoint)
	var hs rpc.Handshake
	if err == nil {
		hs, err = conn.Handshake(actx)
	}
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		s.logger.Warn("connect attempt failed", "endpoint", endpoint, "error", err)
		s.notify(false)
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, endpoint, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSupervisorClosed
	}
	s.conn = conn
	s.handshake = hs
	s.transitionLocked(StateConnected)
	s.mu.Unlock()

	s.logger.Info("connected", "endpoint", endpoint, "network", hs.NetworkName, "chain_id", hs.ChainID)
	s.notify(true)
	go s.watch(conn)
	return nil
}

func (s *Supervisor) watch(conn Conn) {
	select {
	case <-conn.Done():
	case <-s.baseCtx.Done():
		return
	}
	s.handleTransportLoss(conn)
}

func (s *Supervisor) handleTransportLoss(conn Conn) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.ranked = nil
	s.index = 0
	s.reinit = true
	s.transitionLocked(StateReconnecting)
	inv := s.invalidator
	s.mu.Unlock()

	s.logger.Warn("connection lost, reinitializing", "endpoint", conn.URL(), "error", conn.Err())
	s.metrics.Reconnect()
	s.notify(false)
	if inv != nil {
		inv.Reset()
	}
	_ = s.Start(s.baseCtx)
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state == StateConnecting {
		s.transitionLocked(StateFailed)
	}
	s.transitionLocked(StateDisconnected)
	s.ranked = nil
	s.index = 0
	s.mu.Unlock()

	s.logger.Error("connection failed on every endpoint", "retry_in", s.retryDelay, "error", err)
	s.scheduleRetry()
}

func (s *Supervisor) dropConnection() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.ranked = nil
	s.index = 0
	s.transitionLocked(StateDisconnected)
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.notify(false)
}

func (s *Supervisor) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelRetryLocked()
	s.retryPending = true
	s.retries++
	s.stopRetry = s.schedule(s.retryDelay, s.retryFired)
	s.metrics.RetryScheduled()
}

func (s *Supervisor) retryFired() {
	s.mu.Lock()
	s.retryPending = false
	s.stopRetry = nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.logger.Info("retrying connection")
	_ = s.Start(s.baseCtx)
}

func (s *Supervisor) cancelRetryLocked() {
	if s.stopRetry != nil {
		s.stopRetry()
		s.stopRetry = nil
	}
	s.retryPending = false
}

func (s *Supervisor) enterConnectingLocked() {
	switch s.state {
	case StateConnecting:
		return
	case StateConnected:
		s.transitionLocked(StateReconnecting)
	case StateFailed:
		s.transitionLocked(StateDisconnected)
	}
	s.transitionLocked(StateConnecting)
}

func (s *Supervisor) transitionLocked(next State) bool {
	prev := s.state
	if prev == next {
		return true
	}
	if !canTransition(prev, next) {
		s.logger.Error("rejected state transition", "from", prev, "to", next)
		return false
	}
	s.state = next
	s.transitions++
	s.lastChange = s.now()
	s.metrics.SetState(next.Code())
	if s.onTransition != nil {
		s.onTransition(prev, next)
	}
	s.logger.Debug("state transition", "from", prev, "to", next)
	return true
}

func (s *Supervisor) notify(connected bool) {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb != nil {
		cb(connected)
	}
}
