package txbuilder

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"ppy-wallet/go-core/internal/keys"
	"ppy-wallet/go-core/internal/memo"
	"ppy-wallet/go-core/internal/rpc"
	"ppy-wallet/go-core/pkg/models"
)

const testChainID = "6b6b5f0ce7a36d323768e534f3edb41c6d6332a541a95725b98e28d140850134"

type fakeAccounts map[string]*models.FullAccount

func (f fakeAccounts) GetFullAccount(_ context.Context, nameOrID string) (*models.FullAccount, error) {
	acc, ok := f[nameOrID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, nameOrID)
	}
	return acc, nil
}

type fixedPrecision int

func (p fixedPrecision) Precision(context.Context, string) (int, error) { return int(p), nil }

type recordingGateway struct {
	mu      sync.Mutex
	fees    json.RawMessage
	props   json.RawMessage
	encoded map[string]string
}

func (g *recordingGateway) CallAPI(_ context.Context, plugin, method string, params []any) json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	encoded, _ := json.Marshal(params)
	if g.encoded == nil {
		g.encoded = map[string]string{}
	}
	g.encoded[method] = string(encoded)
	switch plugin + "." + method {
	case "db_api.get_required_fees":
		return g.fees
	case "db_api.get_dynamic_global_properties":
		return g.props
	}
	return json.RawMessage(`{}`)
}

type fixedChain struct{ connected bool }

func (c fixedChain) Network() (rpc.Handshake, bool) {
	return rpc.Handshake{ChainID: testChainID, NetworkName: "Peerplays", AddrPrefix: "PPY"}, c.connected
}

type recordingCaller struct {
	api, method string
	params      []any
	err         error
}

func (c *recordingCaller) Call(_ context.Context, api, method string, params []any) (json.RawMessage, error) {
	c.api, c.method, c.params = api, method, params
	return json.RawMessage(`null`), c.err
}

type fixture struct {
	builder *Builder
	gw      *recordingGateway
	caller  *recordingCaller
	alice   *keys.SigningKeySet
	bob     *keys.SigningKeySet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	alice, err := keys.FromPassword("alice", "alice-pw")
	if err != nil {
		t.Fatalf("FromPassword: %v", err)
	}
	bob, err := keys.FromPassword("bob", "bob-pw")
	if err != nil {
		t.Fatalf("FromPassword: %v", err)
	}
	accounts := fakeAccounts{
		"alice": {Account: models.Account{ID: "1.2.42", Name: "alice",
			Options: models.AccountOptions{MemoKey: alice.Public(keys.RoleMemo, "PPY")}}},
		"bob": {Account: models.Account{ID: "1.2.43", Name: "bob",
			Options: models.AccountOptions{MemoKey: bob.Public(keys.RoleMemo, "PPY")}}},
	}
	gw := &recordingGateway{
		fees:  json.RawMessage(`[{"amount":227,"asset_id":"1.3.0"}]`),
		props: json.RawMessage(`{"id":"2.1.0","head_block_number":74565,"head_block_id":"00012345aabbccdd0011223344556677","time":"2024-03-01T12:00:00"}`),
	}
	caller := &recordingCaller{}
	b := New(accounts, fixedPrecision(5), gw, fixedChain{connected: true}, caller, Options{})
	b.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{builder: b, gw: gw, caller: caller, alice: alice, bob: bob}
}

func (f *fixture) transfer(t *testing.T, memoText string) *Transaction {
	t.Helper()
	tx, err := f.builder.BuildTransfer(context.Background(), TransferRequest{
		From: "alice", To: "bob", Amount: "10.5", Memo: memoText, Keys: f.alice,
	})
	if err != nil {
		t.Fatalf("BuildTransfer: %v", err)
	}
	return tx
}

func TestBuildTransferScalesAmountAndPatchesFee(t *testing.T) {
	f := newFixture(t)
	tx := f.transfer(t, "")

	if tx.Stage() != StageSigned {
		t.Fatalf("stage = %s, want signed", tx.Stage())
	}
	op := tx.Operations[0].(*Transfer)
	if op.Amount.Amount != 1050000 || op.Amount.AssetID != "1.3.0" {
		t.Fatalf("unexpected amount %+v", op.Amount)
	}
	if op.FeeAmount.Amount != 227 {
		t.Fatalf("fee = %d, want 227", op.FeeAmount.Amount)
	}
	if op.From != "1.2.42" || op.To != "1.2.43" {
		t.Fatalf("unexpected parties %s -> %s", op.From, op.To)
	}
	wantQuery := `[[[0,{"fee":{"amount":0,"asset_id":"1.3.0"},"from":"1.2.42","to":"1.2.43","amount":{"amount":1050000,"asset_id":"1.3.0"},"extensions":[]}]],"1.3.0"]`
	if got := f.gw.encoded["get_required_fees"]; got != wantQuery {
		t.Fatalf("fee query = %s\nwant %s", got, wantQuery)
	}
	if tx.RefBlockNum != 0x2345 || tx.RefBlockPrefix != 0xddccbbaa {
		t.Fatalf("unexpected reference %#x %#x", tx.RefBlockNum, tx.RefBlockPrefix)
	}
}

func TestBuildTransferSignsWithActiveKey(t *testing.T) {
	f := newFixture(t)
	tx := f.transfer(t, "")

	if len(tx.Signatures) != 1 {
		t.Fatalf("expected one signature, got %d", len(tx.Signatures))
	}
	if !isCanonical(tx.Signatures[0]) {
		t.Fatalf("signature is not canonical")
	}
	digest, err := tx.Digest(testChainID)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	pub, _, err := ecdsa.RecoverCompact(tx.Signatures[0], digest)
	if err != nil {
		t.Fatalf("RecoverCompact: %v", err)
	}
	active, _ := f.alice.Get(keys.RoleActive)
	if !pub.IsEqual(active.Public) {
		t.Fatalf("signature not made by the active key")
	}
}

func TestBuildTransferJSONOmitsEmptyMemo(t *testing.T) {
	f := newFixture(t)
	raw, err := json.Marshal(f.transfer(t, ""))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(raw)
	if strings.Contains(s, "memo") {
		t.Fatalf("empty memo must be omitted: %s", s)
	}
	for _, want := range []string{
		`"ref_block_num":9029`,
		`"expiration":"2024-03-01T12:0`,
		`"operations":[[0,{"fee":{"amount":227,"asset_id":"1.3.0"}`,
		`"signatures":["`,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("JSON %s missing %s", s, want)
		}
	}
}

func TestBuildTransferEncryptsMemoWithFreshNonce(t *testing.T) {
	f := newFixture(t)
	first := f.transfer(t, "invoice 7").Operations[0].(*Transfer).Memo
	second := f.transfer(t, "invoice 7").Operations[0].(*Transfer).Memo
	if first == nil || second == nil {
		t.Fatalf("memo missing")
	}
	if first.Nonce == second.Nonce {
		t.Fatalf("nonce reused")
	}
	if first.From != f.alice.Public(keys.RoleMemo, "PPY") || first.To != f.bob.Public(keys.RoleMemo, "PPY") {
		t.Fatalf("unexpected memo keys %+v", first)
	}
	bobMemo, _ := f.bob.Get(keys.RoleMemo)
	aliceMemo, _ := f.alice.Get(keys.RoleMemo)
	plain, err := memo.Open(bobMemo.Private, aliceMemo.Public, *first)
	if err != nil || plain != "invoice 7" {
		t.Fatalf("recipient read %q, %v", plain, err)
	}
}

func TestBuildTransferErrors(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fixture, req *TransferRequest)
		step  string
		want  error
	}{
		{
			name:  "unknown sender",
			setup: func(_ *fixture, req *TransferRequest) { req.From = "ghost" },
			step:  StepAccount,
			want:  ErrAccountNotFound,
		},
		{
			name:  "unknown recipient",
			setup: func(_ *fixture, req *TransferRequest) { req.To = "ghost" },
			step:  StepAccount,
			want:  ErrAccountNotFound,
		},
		{
			name:  "fee query degraded",
			setup: func(f *fixture, _ *TransferRequest) { f.gw.fees = json.RawMessage(`{}`) },
			step:  StepFees,
			want:  ErrFeeQuery,
		},
		{
			name: "missing active key",
			setup: func(f *fixture, req *TransferRequest) {
				set := keys.NewSigningKeySet()
				owner, _ := f.alice.Get(keys.RoleOwner)
				set.Set(keys.RoleOwner, owner)
				req.Keys = set
			},
			step: StepAuthority,
			want: ErrInsufficientAuthority,
		},
		{
			name: "memo without memo key",
			setup: func(f *fixture, req *TransferRequest) {
				set := keys.NewSigningKeySet()
				active, _ := f.alice.Get(keys.RoleActive)
				set.Set(keys.RoleActive, active)
				req.Keys = set
				req.Memo = "hi"
			},
			step: StepMemo,
			want: ErrMemoKey,
		},
		{
			name:  "bad amount",
			setup: func(_ *fixture, req *TransferRequest) { req.Amount = "1.000001" },
			step:  StepAmount,
			want:  models.ErrPrecisionExceeded,
		},
		{
			name:  "no reference block",
			setup: func(f *fixture, _ *TransferRequest) { f.gw.props = json.RawMessage(`{}`) },
			step:  StepFinalize,
			want:  ErrReference,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := TransferRequest{From: "alice", To: "bob", Amount: "10.5", Keys: f.alice}
			tc.setup(f, &req)

			tx, err := f.builder.BuildTransfer(context.Background(), req)
			if tx != nil {
				t.Fatalf("no transaction expected on failure")
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var txErr *TransactionError
			if !errors.As(err, &txErr) || txErr.Step != tc.step {
				t.Fatalf("expected step %s, got %v", tc.step, err)
			}
		})
	}
}

type privateChain struct{}

func (privateChain) Network() (rpc.Handshake, bool) {
	return rpc.Handshake{ChainID: strings.Repeat("ab", 32)}, true
}

func TestBuildTransferFallsBackToConfiguredPrefix(t *testing.T) {
	f := newFixture(t)
	f.builder.chain = privateChain{}
	f.builder.prefix = "TEST"
	f.builder.accounts = fakeAccounts{
		"alice": {Account: models.Account{ID: "1.2.42", Name: "alice",
			Options: models.AccountOptions{MemoKey: f.alice.Public(keys.RoleMemo, "TEST")}}},
		"bob": {Account: models.Account{ID: "1.2.43", Name: "bob",
			Options: models.AccountOptions{MemoKey: f.bob.Public(keys.RoleMemo, "TEST")}}},
	}

	tx := f.transfer(t, "rent")
	if tx.Prefix() != "TEST" {
		t.Fatalf("prefix = %q, want TEST", tx.Prefix())
	}
	m := tx.Operations[0].(*Transfer).Memo
	if m == nil || m.From != f.alice.Public(keys.RoleMemo, "TEST") || m.To != f.bob.Public(keys.RoleMemo, "TEST") {
		t.Fatalf("unexpected memo keys %+v", m)
	}
}

func TestNewCarriesPrefixOption(t *testing.T) {
	b := New(fakeAccounts{}, fixedPrecision(5), &recordingGateway{}, privateChain{}, &recordingCaller{}, Options{Prefix: "TEST"})
	if b.prefix != "TEST" {
		t.Fatalf("prefix = %q, want TEST", b.prefix)
	}
}

func TestBuildTransferRequiresConnection(t *testing.T) {
	f := newFixture(t)
	f.builder.chain = fixedChain{connected: false}
	_, err := f.builder.BuildTransfer(context.Background(), TransferRequest{From: "alice", To: "bob", Amount: "1", Keys: f.alice})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestBroadcastSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	tx := f.transfer(t, "")

	if err := f.builder.Broadcast(context.Background(), tx); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if f.caller.api != rpc.APINetworkBroadcast || f.caller.method != "broadcast_transaction" {
		t.Fatalf("unexpected call %s.%s", f.caller.api, f.caller.method)
	}
	if f.caller.params[0] != tx {
		t.Fatalf("broadcast must carry the signed transaction")
	}
	if err := f.builder.Broadcast(context.Background(), tx); !errors.Is(err, ErrAlreadyBroadcast) {
		t.Fatalf("expected ErrAlreadyBroadcast, got %v", err)
	}
}

func TestBroadcastRejectsUnsigned(t *testing.T) {
	f := newFixture(t)
	tx := NewTransaction("PPY")
	if err := f.builder.Broadcast(context.Background(), tx); !errors.Is(err, ErrNotSigned) {
		t.Fatalf("expected ErrNotSigned, got %v", err)
	}
	if f.caller.method != "" {
		t.Fatalf("nothing must be sent")
	}
}

func TestBroadcastFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.caller.err = errors.New("duplicate transaction")
	tx := f.transfer(t, "")

	var txErr *TransactionError
	if err := f.builder.Broadcast(context.Background(), tx); !errors.As(err, &txErr) || txErr.Step != StepBroadcast {
		t.Fatalf("expected broadcast step error, got %v", err)
	}
	if err := f.builder.Broadcast(context.Background(), tx); !errors.Is(err, ErrAlreadyBroadcast) {
		t.Fatalf("expected ErrAlreadyBroadcast, got %v", err)
	}
}

func TestTransactionStageOrder(t *testing.T) {
	signer, _ := keys.FromPassword("alice", "pw")
	active, _ := signer.Get(keys.RoleActive)
	tx := NewTransaction("PPY")
	if err := tx.AddOperation(&Transfer{From: "1.2.1", To: "1.2.2", Amount: models.Amount{Amount: 1, AssetID: "1.3.0"}}); err != nil {
		t.Fatalf("AddOperation: %v", err)
	}

	if err := tx.AddSigner(active); !errors.Is(err, ErrFeesNotSet) {
		t.Fatalf("signer before fees: %v", err)
	}
	if err := tx.Finalize(Reference{}); !errors.Is(err, ErrFeesNotSet) {
		t.Fatalf("finalize before fees: %v", err)
	}
	if err := tx.Sign(testChainID); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("sign before finalize: %v", err)
	}
	if err := tx.SetFees([]models.Amount{{Amount: 20, AssetID: "1.3.0"}}); err != nil {
		t.Fatalf("SetFees: %v", err)
	}
	if err := tx.Finalize(Reference{RefBlockNum: 1, Expiration: time.Unix(1700000000, 0)}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := tx.Sign(testChainID); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("sign without signer: %v", err)
	}
	if err := tx.AddSigner(active); err != nil {
		t.Fatalf("AddSigner: %v", err)
	}
	if err := tx.Sign(testChainID); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := tx.Sign(testChainID); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("second sign: %v", err)
	}
	if err := tx.AddOperation(&Transfer{}); !errors.Is(err, ErrImmutable) {
		t.Fatalf("add after sign: %v", err)
	}
	if err := tx.SetFees([]models.Amount{{Amount: 1, AssetID: "1.3.0"}}); !errors.Is(err, ErrImmutable) {
		t.Fatalf("fees after sign: %v", err)
	}
}

func TestSerializeRoundTripIsByteEqual(t *testing.T) {
	f := newFixture(t)
	for _, memoText := range []string{"", "with memo"} {
		tx := f.transfer(t, memoText)
		first, err := tx.Serialize()
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		decoded, err := Deserialize(first)
		if err != nil {
			t.Fatalf("Deserialize: %v", err)
		}
		second, err := decoded.Serialize()
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		if hex.EncodeToString(first) != hex.EncodeToString(second) {
			t.Fatalf("round trip changed bytes")
		}
		if decoded.Stage() != StageSigned {
			t.Fatalf("stage lost: %s", decoded.Stage())
		}
		wantJSON, _ := json.Marshal(tx)
		gotJSON, _ := json.Marshal(decoded)
		if string(wantJSON) != string(gotJSON) {
			t.Fatalf("JSON differs after round trip:\n%s\n%s", wantJSON, gotJSON)
		}
		wantDigest, _ := tx.Digest(testChainID)
		gotDigest, _ := decoded.Digest(testChainID)
		if hex.EncodeToString(wantDigest) != hex.EncodeToString(gotDigest) {
			t.Fatalf("digest differs after round trip")
		}
	}
}

func TestEncodeTransactionLayout(t *testing.T) {
	tx := &Transaction{
		RefBlockNum:    0x2345,
		RefBlockPrefix: 0xddccbbaa,
		Expiration:     time.Unix(1700000000, 0).UTC(),
		Operations: []Operation{&Transfer{
			FeeAmount: models.Amount{Amount: 227, AssetID: "1.3.0"},
			From:      "1.2.42",
			To:        "1.2.43",
			Amount:    models.Amount{Amount: 1050000, AssetID: "1.3.0"},
		}},
		prefix: "PPY",
	}
	raw, err := encodeTransaction(tx)
	if err != nil {
		t.Fatalf("encodeTransaction: %v", err)
	}
	want := "4523" + "aabbccdd" + "00f15365" + "01" + "00" +
		"e300000000000000" + "00" + "2a" + "2b" + "9005100000000000" + "00" +
		"00" + "00" + "00"
	if got := hex.EncodeToString(raw); got != want {
		t.Fatalf("layout = %s\nwant     %s", got, want)
	}
}

func TestResolveReference(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	ref, err := ResolveReference(models.DynamicGlobalProperties{
		HeadBlockNumber: 0x12345,
		HeadBlockID:     "00012345aabbccdd",
	}, now, 30*time.Second)
	if err != nil {
		t.Fatalf("ResolveReference: %v", err)
	}
	if ref.RefBlockNum != 0x2345 || ref.RefBlockPrefix != 0xddccbbaa {
		t.Fatalf("unexpected reference %+v", ref)
	}
	if !ref.Expiration.Equal(time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)) {
		t.Fatalf("unexpected expiration %s", ref.Expiration)
	}
	if _, err := ResolveReference(models.DynamicGlobalProperties{HeadBlockID: "zz"}, now, 0); !errors.Is(err, ErrReference) {
		t.Fatalf("expected ErrReference, got %v", err)
	}
}

func TestLowestAuthorityRequired(t *testing.T) {
	cases := []struct {
		ops  []string
		want Authority
	}{
		{[]string{"transfer"}, AuthorityActive},
		{[]string{"custom"}, AuthorityPosting},
		{[]string{"custom", "transfer"}, AuthorityActive},
		{[]string{"transfer", "account_update"}, AuthorityOwner},
		{[]string{"account_update", "transfer"}, AuthorityOwner},
		{[]string{"no_such_op"}, AuthorityNone},
	}
	for _, tc := range cases {
		if got := LowestAuthorityRequired(tc.ops...); got != tc.want {
			t.Fatalf("LowestAuthorityRequired(%v) = %s, want %s", tc.ops, got, tc.want)
		}
	}
	if AuthorityActive.Role() != keys.RoleActive || AuthorityOwner.Role() != keys.RoleOwner {
		t.Fatalf("unexpected role mapping")
	}
}
