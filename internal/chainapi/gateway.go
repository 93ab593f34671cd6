// Package chainapi routes plugin calls to the live connection.
//
// CallAPI never returns an error. Any failure (transport, node error,
// throttling, unknown plugin) is logged with the plugin, method, params and
// error, counted, and answered with an empty mapping "{}". Callers therefore
// cannot tell "no data" from "call failed" by the return value alone; the log
// line and the api_errors_total metric are the only record of the failure.
// Paths that must see errors (broadcast, handshake) use the Caller directly.
package chainapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"ppy-wallet/go-core/internal/metrics"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/internal/platform/ratelimiter"
	"ppy-wallet/go-core/internal/rpc"
)

// Plugin names accepted by CallAPI.
const (
	PluginDB      = "db_api"
	PluginNetwork = "network_api"
	PluginHistory = "history_api"
	PluginCrypto  = "crypto_api"
	PluginBookie  = "bookie_api"
)

var ErrUnknownPlugin = errors.New("unknown api plugin")

var pluginAPIs = map[string]string{
	PluginDB:      rpc.APIDatabase,
	PluginNetwork: rpc.APINetworkBroadcast,
	PluginHistory: rpc.APIHistory,
	PluginCrypto:  rpc.APICrypto,
	PluginBookie:  rpc.APIBookie,
}

// Empty is the degraded result.
var Empty = json.RawMessage(`{}`)

// Caller performs a raw call against the current connection.
type Caller interface {
	Call(ctx context.Context, api, method string, params []any) (json.RawMessage, error)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collectors
	Limiter *ratelimiter.MapLimiter
}

type Gateway struct {
	caller  Caller
	logger  *slog.Logger
	metrics *metrics.Collectors
	limiter *ratelimiter.MapLimiter
}

func New(caller Caller, opts Options) *Gateway {
	return &Gateway{
		caller:  caller,
		logger:  privacylog.Ensure(opts.Logger),
		metrics: opts.Metrics,
		limiter: opts.Limiter,
	}
}

// CallAPI routes method to plugin and degrades every failure to Empty.
func (g *Gateway) CallAPI(ctx context.Context, plugin, method string, params []any) json.RawMessage {
	if params == nil {
		params = []any{}
	}
	result, err := g.call(ctx, plugin, method, params)
	if err != nil {
		paramsJSON, _ := json.Marshal(params)
		g.logger.Error("chain api call failed",
			"plugin", plugin,
			"method", method,
			"params", string(paramsJSON),
			"error", err,
		)
		g.metrics.APIError(plugin, method)
		return Empty
	}
	if len(result) == 0 {
		return json.RawMessage(`null`)
	}
	return result
}

// DB is CallAPI against the database plugin.
func (g *Gateway) DB(ctx context.Context, method string, params ...any) json.RawMessage {
	return g.CallAPI(ctx, PluginDB, method, params)
}

func (g *Gateway) call(ctx context.Context, plugin, method string, params []any) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.%s: %v", plugin, method, r)
		}
	}()
	api, ok := pluginAPIs[plugin]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, plugin)
	}
	if g.caller == nil {
		return nil, &rpc.TransportError{Err: errors.New("no connection")}
	}
	if err := g.limiter.Wait(ctx, plugin); err != nil {
		return nil, err
	}
	return g.caller.Call(ctx, api, method, params)
}

// IsEmpty reports whether raw is the degraded result or JSON null.
func IsEmpty(raw json.RawMessage) bool {
	s := string(raw)
	return s == "" || s == "{}" || s == "null"
}

// Decode unmarshals raw into out, reporting degraded results as an error.
func Decode(raw json.RawMessage, out any) error {
	if IsEmpty(raw) {
		return ErrEmptyResult
	}
	return json.Unmarshal(raw, out)
}

var ErrEmptyResult = errors.New("empty api result")
