package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"ppy-wallet/go-core/internal/chainapi"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/pkg/models"
)

const DefaultSyncTolerance = 30 * time.Second

// APIGateway is the degrading call surface used for the sync check.
type APIGateway interface {
	CallAPI(ctx context.Context, plugin, method string, params []any) json.RawMessage
}

// SyncValidator compares the head block time reported by the node with the
// local clock. Transactions expire relative to chain time, so a skewed clock
// yields transactions the node will reject.
type SyncValidator struct {
	gw        APIGateway
	tolerance time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewSyncValidator(gw APIGateway, tolerance time.Duration, logger *slog.Logger) *SyncValidator {
	if tolerance <= 0 {
		tolerance = DefaultSyncTolerance
	}
	return &SyncValidator{
		gw:        gw,
		tolerance: tolerance,
		logger:    privacylog.Ensure(logger),
		now:       time.Now,
	}
}

// CheckSync reports whether chain and local time agree within the
// tolerance. Any failure to read chain time counts as not synced.
func (v *SyncValidator) CheckSync(ctx context.Context) bool {
	raw := v.gw.CallAPI(ctx, chainapi.PluginDB, "get_objects", []any{[]string{
		models.DynamicGlobalPropertiesID,
		models.GlobalPropertiesID,
		models.CoreAssetID,
	}})
	var objs []json.RawMessage
	if err := chainapi.Decode(raw, &objs); err != nil || len(objs) == 0 {
		v.logger.Warn("sync check: no chain properties", "error", err)
		return false
	}
	var props models.DynamicGlobalProperties
	if err := json.Unmarshal(objs[0], &props); err != nil {
		v.logger.Warn("sync check: undecodable chain properties", "error", err)
		return false
	}
	chainTime, err := props.HeadTime()
	if err != nil {
		v.logger.Warn("sync check: bad chain time", "time", props.Time, "error", err)
		return false
	}

	skew := v.now().Sub(chainTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		v.logger.Warn("local clock out of sync with chain",
			"chain_time", chainTime.Format(time.RFC3339), "skew", skew.String(), "tolerance", v.tolerance.String())
		return false
	}
	return true
}
