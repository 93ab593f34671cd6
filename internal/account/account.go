// Package account reads accounts, balances and fees through the degrading
// API gateway.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ppy-wallet/go-core/internal/chainapi"
	"ppy-wallet/go-core/internal/keys"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/pkg/models"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrFeeUnavailable  = errors.New("fee unavailable")
)

// TransferOpType is the transfer operation's type id.
const TransferOpType = 0

type APIGateway interface {
	CallAPI(ctx context.Context, plugin, method string, params []any) json.RawMessage
}

type PrecisionSource interface {
	Precision(ctx context.Context, assetID string) (int, error)
}

type Options struct {
	FeeAsset string
	Logger   *slog.Logger
}

type Service struct {
	gw        APIGateway
	precision PrecisionSource
	feeAsset  string
	logger    *slog.Logger
}

func NewService(gw APIGateway, precision PrecisionSource, opts Options) *Service {
	if opts.FeeAsset == "" {
		opts.FeeAsset = models.CoreAssetID
	}
	return &Service{
		gw:        gw,
		precision: precision,
		feeAsset:  opts.FeeAsset,
		logger:    privacylog.Ensure(opts.Logger),
	}
}

// GetFullAccount looks an account up by name or id.
func (s *Service) GetFullAccount(ctx context.Context, nameOrID string) (*models.FullAccount, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		return nil, ErrAccountNotFound
	}
	raw := s.gw.CallAPI(ctx, chainapi.PluginDB, "get_full_accounts", []any{[]string{nameOrID}, false})

	var pairs [][2]json.RawMessage
	if err := chainapi.Decode(raw, &pairs); err != nil || len(pairs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, nameOrID)
	}
	var full models.FullAccount
	if err := json.Unmarshal(pairs[0][1], &full); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", nameOrID, err)
	}
	if full.Account.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, nameOrID)
	}
	return &full, nil
}

// Balance returns the account's balance of assetID formatted with the
// asset's precision. A missing balance entry is zero.
func (s *Service) Balance(ctx context.Context, nameOrID, assetID string) (string, error) {
	full, err := s.GetFullAccount(ctx, nameOrID)
	if err != nil {
		return "", err
	}
	if assetID == "" {
		assetID = models.CoreAssetID
	}
	precision, err := s.precision.Precision(ctx, assetID)
	if err != nil {
		return "", err
	}
	amount, _ := full.BalanceOf(assetID)
	return models.FormatAmount(amount, precision), nil
}

// TransferFee returns the fee of a bare transfer in the fee asset, formatted
// with that asset's precision.
func (s *Service) TransferFee(ctx context.Context) (string, error) {
	raw := s.gw.CallAPI(ctx, chainapi.PluginDB, "get_required_fees", []any{[][]int{{TransferOpType}}, s.feeAsset})
	var fees []models.Amount
	if err := chainapi.Decode(raw, &fees); err != nil || len(fees) == 0 {
		return "", ErrFeeUnavailable
	}
	precision, err := s.precision.Precision(ctx, fees[0].AssetID)
	if err != nil {
		return "", err
	}
	return models.FormatAmount(int64(fees[0].Amount), precision), nil
}

// CredentialsValid reports whether the set's active key is one of the
// account's active key authorities.
func (s *Service) CredentialsValid(ctx context.Context, name string, set *keys.SigningKeySet, prefix string) (bool, error) {
	public := set.Public(keys.RoleActive, prefix)
	if public == "" {
		return false, nil
	}
	full, err := s.GetFullAccount(ctx, name)
	if err != nil {
		return false, err
	}
	ok := full.Account.Active.HasKey(public)
	if !ok {
		s.logger.Info("credentials rejected", "account_name", name)
	}
	return ok, nil
}
