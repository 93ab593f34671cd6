package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ppy-wallet/go-core/internal/latency"
	"ppy-wallet/go-core/internal/rpc"
)

type fakeConn struct {
	url    string
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{url: url, done: make(chan struct{})}
}

func (c *fakeConn) URL() string { return c.url }

func (c *fakeConn) Handshake(context.Context) (rpc.Handshake, error) {
	return rpc.Handshake{ChainID: "chain-" + c.url, NetworkName: "Peerplays", AddrPrefix: "PPY"}, nil
}

func (c *fakeConn) Call(_ context.Context, api, method string, _ []any) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf("%q", api+"."+method)), nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	select {
	case <-c.done:
		return errors.New("connection lost")
	default:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.drop()
	return nil
}

func (c *fakeConn) drop() { c.once.Do(func() { close(c.done) }) }

type fakeDialer struct {
	mu    sync.Mutex
	fail  map[string]bool
	dials []string
	conns []*fakeConn
	gate  chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, endpoint)
	if d.fail[endpoint] {
		return nil, &rpc.TransportError{URL: endpoint, Err: errors.New("connection refused")}
	}
	conn := newFakeConn(endpoint)
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type staticResolver struct {
	endpoints []string
	calls     atomic.Int32
}

func (r *staticResolver) Resolve(context.Context, bool) []string {
	r.calls.Add(1)
	return append([]string(nil), r.endpoints...)
}

type inOrderRanker struct{}

func (inOrderRanker) Rank(_ context.Context, endpoints []string) (latency.RankedList, error) {
	out := make(latency.RankedList, 0, len(endpoints))
	for i, e := range endpoints {
		out = append(out, latency.Ranked{Endpoint: e, Latency: time.Duration(i+1) * time.Millisecond})
	}
	if len(out) == 0 {
		return nil, latency.ErrNoReachableEndpoint
	}
	return out, nil
}

type resetCounter struct{ n atomic.Int32 }

func (r *resetCounter) Reset() { r.n.Add(1) }

type fixedSync bool

func (f fixedSync) CheckSync(context.Context) bool { return bool(f) }

type harness struct {
	sup      *Supervisor
	resolver *staticResolver
	dialer   *fakeDialer

	mu        sync.Mutex
	trace     []string
	scheduled []time.Duration
	stopped   int
	events    []bool
}

func newHarness(t *testing.T, endpoints []string) *harness {
	t.Helper()
	h := &harness{
		resolver: &staticResolver{endpoints: endpoints},
		dialer:   &fakeDialer{fail: map[string]bool{}},
	}
	h.sup = New(h.resolver, inOrderRanker{}, h.dialer, Options{
		UseFallback: true,
		OnTransition: func(from, to State) {
			h.mu.Lock()
			h.trace = append(h.trace, string(from)+">"+string(to))
			h.mu.Unlock()
		},
	})
	h.sup.schedule = func(d time.Duration, _ func()) func() bool {
		h.mu.Lock()
		h.scheduled = append(h.scheduled, d)
		h.mu.Unlock()
		return func() bool {
			h.mu.Lock()
			h.stopped++
			h.mu.Unlock()
			return true
		}
	}
	h.sup.SetStatusCallback(func(connected bool) {
		h.mu.Lock()
		h.events = append(h.events, connected)
		h.mu.Unlock()
	})
	t.Cleanup(func() { _ = h.sup.Close() })
	return h
}

func (h *harness) snapshot() (trace []string, scheduled []time.Duration, events []bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.trace...), append([]time.Duration(nil), h.scheduled...), append([]bool(nil), h.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assertTrace(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

func TestStartConnectsToBestRankedEndpoint(t *testing.T) {
	h := newHarness(t, []string{"wss://a", "wss://b"})

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	trace, scheduled, events := h.snapshot()
	assertTrace(t, trace, "disconnected>connecting", "connecting>connected")
	if len(scheduled) != 0 {
		t.Fatalf("no retry expected, got %v", scheduled)
	}
	if len(events) != 1 || !events[0] {
		t.Fatalf("expected a single true callback, got %v", events)
	}
	st := h.sup.Status()
	if st.State != "connected" || st.Endpoint != "wss://a" || st.NetworkName != "Peerplays" || st.RankedEndpoints != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
	hs, ok := h.sup.Network()
	if !ok || hs.ChainID != "chain-wss://a" {
		t.Fatalf("unexpected network %+v %v", hs, ok)
	}
}

func TestStartTriesEveryEndpointThenSchedulesOneRetry(t *testing.T) {
	h := newHarness(t, []string{"wss://a", "wss://b", "wss://c"})
	h.dialer.fail = map[string]bool{"wss://a": true, "wss://b": true, "wss://c": true}

	err := h.sup.Start(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	dialed := h.dialer.dialed()
	if len(dialed) != 3 || dialed[0] != "wss://a" || dialed[1] != "wss://b" || dialed[2] != "wss://c" {
		t.Fatalf("unexpected dial sequence %v", dialed)
	}
	trace, scheduled, events := h.snapshot()
	assertTrace(t, trace, "disconnected>connecting", "connecting>failed", "failed>disconnected")
	if len(scheduled) != 1 || scheduled[0] != DefaultRetryDelay {
		t.Fatalf("expected exactly one retry after %s, got %v", DefaultRetryDelay, scheduled)
	}
	if len(events) != 3 {
		t.Fatalf("expected a false callback per attempt, got %v", events)
	}
	st := h.sup.Status()
	if st.State != "disconnected" || !st.RetryPending || st.RankedEndpoints != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRetryReplacesPendingTimer(t *testing.T) {
	h := newHarness(t, []string{"wss://a"})
	h.dialer.fail = map[string]bool{"wss://a": true}

	_ = h.sup.Start(context.Background())
	_ = h.sup.Start(context.Background())

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.scheduled) != 2 || h.stopped != 1 {
		t.Fatalf("expected the first timer to be stopped, scheduled=%v stopped=%d", h.scheduled, h.stopped)
	}
}

func TestStartWithNoEndpointsFails(t *testing.T) {
	h := newHarness(t, nil)

	err := h.sup.Start(context.Background())
	if !errors.Is(err, latency.ErrNoReachableEndpoint) {
		t.Fatalf("expected ErrNoReachableEndpoint, got %v", err)
	}
	if len(h.dialer.dialed()) != 0 {
		t.Fatalf("nothing should be dialed")
	}
	_, scheduled, _ := h.snapshot()
	if len(scheduled) != 1 {
		t.Fatalf("expected one retry, got %v", scheduled)
	}
}

func TestConnectFastPathAdvancesIndex(t *testing.T) {
	h := newHarness(t, []string{"wss://a", "wss://b", "wss://c"})
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := h.dialer.lastConn()

	for _, want := range []string{"wss://b", "wss://c", "wss://a"} {
		if err := h.sup.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if got := h.sup.Status().Endpoint; got != want {
			t.Fatalf("connected to %s, want %s", got, want)
		}
	}
	if h.resolver.calls.Load() != 1 {
		t.Fatalf("fast path must not re-resolve, resolver calls %d", h.resolver.calls.Load())
	}
	if !first.closed.Load() {
		t.Fatalf("previous connection must be closed")
	}
	trace, _, _ := h.snapshot()
	for i, tr := range trace {
		if tr == "connected>connecting" || tr == "disconnected>connected" || tr == "reconnecting>connected" {
			t.Fatalf("transition %d skipped connecting: %v", i, trace)
		}
	}
}

func TestConnectSingleEndpointReResolves(t *testing.T) {
	h := newHarness(t, []string{"wss://only"})
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h.resolver.calls.Load() != 2 {
		t.Fatalf("expected a full resolve, resolver calls %d", h.resolver.calls.Load())
	}
}

func TestTransportLossReinitializes(t *testing.T) {
	h := newHarness(t, []string{"wss://a", "wss://b"})
	cache := &resetCounter{}
	h.sup.SetInvalidator(cache)
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := h.dialer.lastConn()

	first.drop()

	waitFor(t, "reconnect", func() bool {
		_, _, events := h.snapshot()
		return len(events) == 3 && h.sup.State() == StateConnected
	})
	if cache.n.Load() != 1 {
		t.Fatalf("expected one cache reset, got %d", cache.n.Load())
	}
	if h.resolver.calls.Load() != 2 {
		t.Fatalf("expected endpoints to be re-resolved, got %d", h.resolver.calls.Load())
	}
	trace, _, events := h.snapshot()
	assertTrace(t, trace,
		"disconnected>connecting", "connecting>connected",
		"connected>reconnecting", "reconnecting>connecting", "connecting>connected")
	if events[0] != true || events[1] != false || events[2] != true {
		t.Fatalf("unexpected callbacks %v", events)
	}
}

func TestOutOfSyncNodeIsDroppedAndRetried(t *testing.T) {
	h := newHarness(t, []string{"wss://a"})
	h.sup.SetSyncChecker(fixedSync(false))

	err := h.sup.Start(context.Background())
	if !errors.Is(err, ErrNotSynced) {
		t.Fatalf("expected ErrNotSynced, got %v", err)
	}
	if !h.dialer.lastConn().closed.Load() {
		t.Fatalf("connection must be closed")
	}
	trace, scheduled, _ := h.snapshot()
	assertTrace(t, trace, "disconnected>connecting", "connecting>connected", "connected>disconnected")
	if len(scheduled) != 1 {
		t.Fatalf("expected one delayed retry, got %v", scheduled)
	}
}

func TestInSyncNodeStaysConnected(t *testing.T) {
	h := newHarness(t, []string{"wss://a"})
	h.sup.SetSyncChecker(fixedSync(true))

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.sup.State() != StateConnected {
		t.Fatalf("unexpected state %s", h.sup.State())
	}
}

func TestConcurrentStartsShareOneInitialization(t *testing.T) {
	h := newHarness(t, []string{"wss://a"})
	h.dialer.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.sup.Start(context.Background())
		}()
	}
	waitFor(t, "connecting", func() bool { return h.sup.State() == StateConnecting })
	time.Sleep(20 * time.Millisecond)
	close(h.dialer.gate)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if n := len(h.dialer.dialed()); n != 1 {
		t.Fatalf("expected one dial, got %d", n)
	}
}

func TestStatusCallbackLastRegistrationWins(t *testing.T) {
	h := newHarness(t, []string{"wss://a"})
	var first, second atomic.Int32
	h.sup.SetStatusCallback(func(bool) { first.Add(1) })
	h.sup.SetStatusCallback(func(bool) { second.Add(1) })

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("callbacks first=%d second=%d", first.Load(), second.Load())
	}
}

func TestCallRequiresConnection(t *testing.T) {
	h := newHarness(t, []string{"wss://a"})

	_, err := h.sup.Call(context.Background(), rpc.APIDatabase, "get_chain_id", nil)
	if !errors.Is(err, ErrNotConnected) || !rpc.IsTransport(err) {
		t.Fatalf("expected transport ErrNotConnected, got %v", err)
	}

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	raw, err := h.sup.Call(context.Background(), rpc.APIDatabase, "get_chain_id", nil)
	if err != nil || string(raw) != `"database.get_chain_id"` {
		t.Fatalf("Call = %s, %v", raw, err)
	}
}

func TestCloseStopsRetriesAndConnection(t *testing.T) {
	h := newHarness(t, []string{"wss://a"})
	h.dialer.fail = map[string]bool{"wss://a": true}
	_ = h.sup.Start(context.Background())

	if err := h.sup.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("pending retry must be stopped, stopped=%d", stopped)
	}
	if err := h.sup.Start(context.Background()); !errors.Is(err, ErrSupervisorClosed) {
		t.Fatalf("expected ErrSupervisorClosed, got %v", err)
	}
	if st := h.sup.Status(); st.RetryPending || st.State != "disconnected" {
		t.Fatalf("unexpected status %+v", st)
	}
}

// dropDuringSync loses the live connection while the sync check runs and
// reports success once the loss has been observed.
type dropDuringSync struct {
	h     *harness
	calls atomic.Int32
}

func (d *dropDuringSync) CheckSync(context.Context) bool {
	if d.calls.Add(1) > 1 {
		return true
	}
	d.h.dialer.lastConn().drop()
	deadline := time.Now().Add(2 * time.Second)
	for d.h.sup.State() != StateReconnecting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// Let the loss handler join the running initialization.
	time.Sleep(20 * time.Millisecond)
	return true
}

func TestTransportLossDuringInitializationReinitializes(t *testing.T) {
	h := newHarness(t, []string{"wss://a", "wss://b"})
	cache := &resetCounter{}
	h.sup.SetInvalidator(cache)
	h.sup.SetSyncChecker(&dropDuringSync{h: h})

	_ = h.sup.Start(context.Background())

	waitFor(t, "second connection", func() bool {
		return len(h.dialer.dialed()) == 2 && h.sup.State() == StateConnected
	})
	_, scheduled, _ := h.snapshot()
	if len(scheduled) != 0 {
		t.Fatalf("recovery must not wait for a delayed retry, got %v", scheduled)
	}
	if cache.n.Load() != 1 {
		t.Fatalf("expected one cache reset, got %d", cache.n.Load())
	}
	if h.dialer.lastConn().closed.Load() {
		t.Fatalf("replacement connection must stay open")
	}
}

func TestConnectWhileConnectedInvalidatesCache(t *testing.T) {
	h := newHarness(t, []string{"wss://a", "wss://b"})
	cache := &resetCounter{}
	h.sup.SetInvalidator(cache)
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := h.sup.Status().Endpoint; got != "wss://b" {
		t.Fatalf("connected to %s, want wss://b", got)
	}
	if cache.n.Load() != 1 {
		t.Fatalf("expected the cache to be reset when leaving wss://a, got %d resets", cache.n.Load())
	}
	trace, _, events := h.snapshot()
	assertTrace(t, trace,
		"disconnected>connecting", "connecting>connected",
		"connected>reconnecting", "reconnecting>connecting", "connecting>connected")
	if len(events) != 3 || !events[0] || events[1] || !events[2] {
		t.Fatalf("unexpected callbacks %v", events)
	}
}
