// Package txbuilder assembles, signs and broadcasts transactions.
package txbuilder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ppy-wallet/go-core/internal/chainapi"
	"ppy-wallet/go-core/internal/keys"
	"ppy-wallet/go-core/internal/memo"
	"ppy-wallet/go-core/internal/metrics"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/internal/rpc"
	"ppy-wallet/go-core/pkg/models"
)

type AccountLookup interface {
	GetFullAccount(ctx context.Context, nameOrID string) (*models.FullAccount, error)
}

type PrecisionSource interface {
	Precision(ctx context.Context, assetID string) (int, error)
}

type APIGateway interface {
	CallAPI(ctx context.Context, plugin, method string, params []any) json.RawMessage
}

// ChainInfo reports the identity of the connected chain.
type ChainInfo interface {
	Network() (rpc.Handshake, bool)
}

// Caller submits raw calls without degrading errors.
type Caller interface {
	Call(ctx context.Context, api, method string, params []any) (json.RawMessage, error)
}

type Options struct {
	ExpireAfter time.Duration
	// Prefix is the public key prefix used when the connected node's chain
	// id is not a known network.
	Prefix  string
	Logger  *slog.Logger
	Metrics *metrics.Collectors
}

// Builder holds no per-transaction state; concurrent builds are
// independent.
type Builder struct {
	accounts    AccountLookup
	precision   PrecisionSource
	gw          APIGateway
	chain       ChainInfo
	caller      Caller
	expireAfter time.Duration
	prefix      string
	logger      *slog.Logger
	metrics     *metrics.Collectors
	now         func() time.Time
}

func New(accounts AccountLookup, precision PrecisionSource, gw APIGateway, chain ChainInfo, caller Caller, opts Options) *Builder {
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = DefaultExpireAfter
	}
	return &Builder{
		accounts:    accounts,
		precision:   precision,
		gw:          gw,
		chain:       chain,
		caller:      caller,
		expireAfter: opts.ExpireAfter,
		prefix:      opts.Prefix,
		logger:      privacylog.Ensure(opts.Logger),
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

type TransferRequest struct {
	// From and To are account names or ids.
	From string
	To   string
	// Amount is a decimal in whole units of AssetID.
	Amount  string
	AssetID string
	Memo    string
	Keys    *keys.SigningKeySet
}

// BuildTransfer returns a signed transfer ready for Broadcast. Its JSON form
// is the serialized transaction.
func (b *Builder) BuildTransfer(ctx context.Context, req TransferRequest) (*Transaction, error) {
	assetID := req.AssetID
	if assetID == "" {
		assetID = models.CoreAssetID
	}
	hs, ok := b.chain.Network()
	if !ok {
		return nil, stepErr(StepSign, ErrNotConnected)
	}

	precision, err := b.precision.Precision(ctx, assetID)
	if err != nil {
		return nil, stepErr(StepAmount, err)
	}
	amount, err := models.ScaleAmount(req.Amount, precision)
	if err != nil {
		return nil, stepErr(StepAmount, err)
	}

	sender, err := b.accounts.GetFullAccount(ctx, req.From)
	if err != nil {
		return nil, stepErr(StepAccount, err)
	}
	recipient, err := b.accounts.GetFullAccount(ctx, req.To)
	if err != nil {
		return nil, stepErr(StepAccount, err)
	}

	op := &Transfer{
		FeeAmount: models.Amount{Amount: 0, AssetID: assetID},
		From:      sender.Account.ID,
		To:        recipient.Account.ID,
		Amount:    models.Amount{Amount: models.Int64(amount), AssetID: assetID},
	}
	prefix := hs.AddrPrefix
	if prefix == "" {
		prefix = b.prefix
	}
	if req.Memo != "" {
		msg, err := b.sealMemo(req, prefix, recipient)
		if err != nil {
			return nil, stepErr(StepMemo, err)
		}
		op.Memo = msg
	}

	tx := NewTransaction(prefix)
	if err := tx.AddOperation(op); err != nil {
		return nil, stepErr(StepFees, err)
	}
	if err := b.Complete(ctx, tx, req.Keys, assetID); err != nil {
		return nil, err
	}
	b.logger.Info("transfer signed",
		"from_account", req.From, "to_account", req.To, "amount", req.Amount, "asset", assetID,
		"fee", int64(op.FeeAmount.Amount), "has_memo", op.Memo != nil)
	return tx, nil
}

// Complete runs the stages after operations are added: fees, signer
// selection, finalization and signing.
func (b *Builder) Complete(ctx context.Context, tx *Transaction, set *keys.SigningKeySet, feeAssetID string) error {
	fees, err := b.requiredFees(ctx, tx, feeAssetID)
	if err != nil {
		return stepErr(StepFees, err)
	}
	if err := tx.SetFees(fees); err != nil {
		return stepErr(StepFees, err)
	}

	authority := LowestAuthorityRequired(tx.OperationNames()...)
	if authority == AuthorityNone {
		return stepErr(StepAuthority, fmt.Errorf("%w: no known operation", ErrUnsupportedOperation))
	}
	pair, ok := set.Get(authority.Role())
	if !ok {
		return stepErr(StepAuthority, fmt.Errorf("%w: %s key required", ErrInsufficientAuthority, authority))
	}
	if err := tx.AddSigner(pair); err != nil {
		return stepErr(StepAuthority, err)
	}

	ref, err := b.reference(ctx)
	if err != nil {
		return stepErr(StepFinalize, err)
	}
	if err := tx.Finalize(ref); err != nil {
		return stepErr(StepFinalize, err)
	}

	hs, ok := b.chain.Network()
	if !ok {
		return stepErr(StepSign, ErrNotConnected)
	}
	if err := tx.Sign(hs.ChainID); err != nil {
		return stepErr(StepSign, err)
	}
	return nil
}

// Broadcast submits a signed transaction once. The transaction is terminal
// afterwards whether or not the node accepted it.
func (b *Builder) Broadcast(ctx context.Context, tx *Transaction) error {
	if err := tx.MarkBroadcast(); err != nil {
		return stepErr(StepBroadcast, err)
	}
	if b.caller == nil {
		return stepErr(StepBroadcast, ErrNotConnected)
	}
	if _, err := b.caller.Call(ctx, rpc.APINetworkBroadcast, "broadcast_transaction", []any{tx}); err != nil {
		b.logger.Warn("broadcast failed", "error", err)
		return stepErr(StepBroadcast, err)
	}
	b.metrics.Broadcast()
	if id, err := tx.ID(); err == nil {
		b.logger.Info("transaction broadcast", "tx_id", id)
	}
	return nil
}

func (b *Builder) sealMemo(req TransferRequest, prefix string, recipient *models.FullAccount) (*memo.Message, error) {
	pair, ok := req.Keys.Get(keys.RoleMemo)
	if !ok {
		return nil, fmt.Errorf("%w: sender memo key missing", ErrMemoKey)
	}
	toKey := recipient.Account.Options.MemoKey
	toPub, err := keys.ParsePublicKey(toKey, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient memo key: %v", ErrMemoKey, err)
	}
	return memo.Seal(pair.Private, pair.PublicKeyString(prefix), toKey, toPub, req.Memo)
}

// requiredFees asks the node for the fee of every operation in tx.
func (b *Builder) requiredFees(ctx context.Context, tx *Transaction, feeAssetID string) ([]models.Amount, error) {
	ops := make([][2]any, 0, len(tx.Operations))
	for _, op := range tx.Operations {
		info, _ := LookupOperation(op.OpName())
		ops = append(ops, [2]any{info.ID, op})
	}
	raw := b.gw.CallAPI(ctx, chainapi.PluginDB, "get_required_fees", []any{ops, feeAssetID})
	var fees []models.Amount
	if err := chainapi.Decode(raw, &fees); err != nil {
		if errors.Is(err, chainapi.ErrEmptyResult) {
			return nil, ErrFeeQuery
		}
		return nil, fmt.Errorf("%w: %v", ErrFeeQuery, err)
	}
	if len(fees) != len(tx.Operations) {
		return nil, fmt.Errorf("%w: %d fees for %d operations", ErrFeeQuery, len(fees), len(tx.Operations))
	}
	return fees, nil
}

func (b *Builder) reference(ctx context.Context) (Reference, error) {
	raw := b.gw.CallAPI(ctx, chainapi.PluginDB, "get_dynamic_global_properties", []any{})
	var props models.DynamicGlobalProperties
	if err := chainapi.Decode(raw, &props); err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrReference, err)
	}
	return ResolveReference(props, b.now(), b.expireAfter)
}
