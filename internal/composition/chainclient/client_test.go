package chainclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ppy-wallet/go-core/internal/config"
	"ppy-wallet/go-core/internal/keys"
	"ppy-wallet/go-core/internal/testutil/fakenode"
	"ppy-wallet/go-core/internal/txbuilder"
	"ppy-wallet/go-core/pkg/models"
)

type chain struct {
	mu      sync.Mutex
	objects map[string]any
	users   map[string]any
}

func newChain(t *testing.T) *chain {
	t.Helper()
	alice, err := keys.FromPassword("alice", "alice-pw")
	if err != nil {
		t.Fatalf("FromPassword: %v", err)
	}
	bob, err := keys.FromPassword("bob", "bob-pw")
	if err != nil {
		t.Fatalf("FromPassword: %v", err)
	}
	account := func(id, name string, set *keys.SigningKeySet, balance int64) map[string]any {
		return map[string]any{
			"account": map[string]any{
				"id":   id,
				"name": name,
				"active": map[string]any{
					"weight_threshold": 1,
					"key_auths":        [][]any{{set.Public(keys.RoleActive, "PPY"), 1}},
				},
				"options": map[string]any{"memo_key": set.Public(keys.RoleMemo, "PPY")},
			},
			"balances": []map[string]any{{"asset_type": "1.3.0", "balance": balance}},
		}
	}
	return &chain{
		objects: map[string]any{
			"2.1.0": map[string]any{
				"id":                "2.1.0",
				"head_block_number": 74565,
				"head_block_id":     "00012345aabbccdd0011223344556677",
				"time":              models.FormatChainTime(time.Now()),
			},
			"2.0.0": map[string]any{"id": "2.0.0"},
			"1.3.0": map[string]any{"id": "1.3.0", "symbol": "PPY", "precision": 5},
		},
		users: map[string]any{
			"alice": account("1.2.42", "alice", alice, 1234567),
			"bob":   account("1.2.43", "bob", bob, 0),
		},
	}
}

func (c *chain) install(node *fakenode.Node) {
	node.Handle("get_objects", func(params json.RawMessage) (any, *fakenode.Error) {
		var args [][]string
		if err := json.Unmarshal(params, &args); err != nil || len(args) != 1 {
			return nil, &fakenode.Error{Code: 1, Message: "bad params"}
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		out := make([]any, 0, len(args[0]))
		for _, id := range args[0] {
			out = append(out, c.objects[id])
		}
		return out, nil
	})
	node.Handle("get_dynamic_global_properties", func(json.RawMessage) (any, *fakenode.Error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.objects["2.1.0"], nil
	})
	node.Handle("get_full_accounts", func(params json.RawMessage) (any, *fakenode.Error) {
		var args []json.RawMessage
		var names []string
		if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 || json.Unmarshal(args[0], &names) != nil {
			return nil, &fakenode.Error{Code: 1, Message: "bad params"}
		}
		out := make([]any, 0, len(names))
		for _, name := range names {
			if acc, ok := c.users[name]; ok {
				out = append(out, []any{name, acc})
			}
		}
		return out, nil
	})
	node.Result("get_required_fees", []map[string]any{{"amount": 2000000, "asset_id": "1.3.0"}})
	node.Result("broadcast_transaction", nil)
}

func newClient(t *testing.T, node *fakenode.Node) *Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Endpoints = []string{node.URL}
	cfg.UseFallback = false
	cfg.ProbeTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxPollAttempts = 50
	c := New(cfg, Options{Registerer: prometheus.NewRegistry()})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientEndToEnd(t *testing.T) {
	node := fakenode.New(t)
	newChain(t).install(node)
	c := newClient(t, node)

	statuses := make(chan bool, 8)
	c.SetStatusCallback(func(connected bool) { statuses <- connected })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := <-statuses; !got {
		t.Fatalf("expected connected status callback")
	}
	st := c.Status()
	if st.State != "connected" || st.ChainID != fakenode.DefaultChainID || st.EndpointSource != "configured" {
		t.Fatalf("unexpected status %+v", st)
	}

	asset, err := c.GetObject(ctx, "1.3.0", false)
	if err != nil || asset == nil || asset["symbol"] != "PPY" {
		t.Fatalf("GetObject = %v, %v", asset, err)
	}
	missing, err := c.GetObject(ctx, "1.3.99", false)
	if err != nil || missing != nil {
		t.Fatalf("missing object = %v, %v", missing, err)
	}

	balance, err := c.Balance(ctx, "alice", "")
	if err != nil || balance != "12.34567" {
		t.Fatalf("Balance = %q, %v", balance, err)
	}
	fee, err := c.TransferFee(ctx)
	if err != nil || fee != "20" {
		t.Fatalf("TransferFee = %q, %v", fee, err)
	}

	set, err := c.Login(ctx, "alice", "alice-pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := c.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	tx, err := c.BuildTransfer(ctx, txbuilder.TransferRequest{
		From: "alice", To: "bob", Amount: "1.5", Memo: "thanks", Keys: set,
	})
	if err != nil {
		t.Fatalf("BuildTransfer: %v", err)
	}
	if err := c.Broadcast(ctx, tx); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if node.Calls("broadcast_transaction") != 1 {
		t.Fatalf("expected one broadcast, got %d", node.Calls("broadcast_transaction"))
	}

	replay, _, stop := c.Subscribe(0)
	defer stop()
	methods := make([]string, 0, len(replay))
	for _, evt := range replay {
		methods = append(methods, evt.Method)
	}
	if len(methods) < 2 || methods[0] != MethodNetworkStatus || methods[len(methods)-1] != MethodTxBroadcast {
		t.Fatalf("unexpected events %v", methods)
	}
}

func TestClientReconnectsAfterTransportLoss(t *testing.T) {
	node := fakenode.New(t)
	newChain(t).install(node)
	c := newClient(t, node)

	statuses := make(chan bool, 8)
	c.SetStatusCallback(func(connected bool) { statuses <- connected })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.GetObject(ctx, "1.3.0", false); err != nil {
		t.Fatalf("GetObject: %v", err)
	}

	node.DropConnections()
	want := []bool{true, false, true}
	for i, w := range want {
		select {
		case got := <-statuses:
			if got != w {
				t.Fatalf("status %d = %v, want %v", i, got, w)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for status %d", i)
		}
	}
	asset, err := c.GetObject(ctx, "1.3.0", false)
	if err != nil || asset == nil {
		t.Fatalf("object must be refetched after reconnect: %v, %v", asset, err)
	}
}

func TestClientGetObjectRejectsMalformedID(t *testing.T) {
	c := New(config.DefaultConfig(), Options{})
	t.Cleanup(func() { _ = c.Close() })
	if _, err := c.GetObject(context.Background(), "not-an-id", false); err == nil {
		t.Fatal("expected malformed id error")
	}
}
