package rpc

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
)

const (
	rpcRateLimitEnabledEnv = "PPY_RPC_RATE_LIMIT_ENABLED"
	rpcRateLimitRPSEnv     = "PPY_RPC_RATE_LIMIT_RPS"
	rpcRateLimitBurstEnv   = "PPY_RPC_RATE_LIMIT_BURST"
	rpcSignRateRPSEnv      = "PPY_RPC_SIGN_RATE_RPS"
	rpcSignRateBurstEnv    = "PPY_RPC_SIGN_RATE_BURST"
)

// signingMethods derive keys from a password or reach the node on the
// caller's behalf. They draw from a separate, smaller budget so password
// guessing and broadcast floods stay slow while reads are unaffected.
var signingMethods = map[string]bool{
	"account.login":     true,
	"tx.build_transfer": true,
	"tx.broadcast":      true,
	"network.connect":   true,
}

type rpcRateLimitConfig struct {
	Enabled   bool
	RPS       float64
	Burst     int
	SignRPS   float64
	SignBurst int
}

func loadRPCRateLimitConfig() rpcRateLimitConfig {
	cfg := rpcRateLimitConfig{
		Enabled:   true,
		RPS:       30,
		Burst:     60,
		SignRPS:   1,
		SignBurst: 5,
	}
	if env, ok := parseBoolEnv(rpcRateLimitEnabledEnv); ok {
		cfg.Enabled = env
	} else {
		switch strings.ToLower(strings.TrimSpace(os.Getenv(envDeployment))) {
		case "test", "testing":
			cfg.Enabled = false
		}
	}
	cfg.RPS = positiveFloatEnv(rpcRateLimitRPSEnv, cfg.RPS)
	cfg.Burst = positiveIntEnv(rpcRateLimitBurstEnv, cfg.Burst)
	cfg.SignRPS = positiveFloatEnv(rpcSignRateRPSEnv, cfg.SignRPS)
	cfg.SignBurst = positiveIntEnv(rpcSignRateBurstEnv, cfg.SignBurst)
	return cfg
}

func positiveFloatEnv(name string, def float64) float64 {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

func positiveIntEnv(name string, def int) int {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

// rpcCallerKey identifies the caller by token, or by remote host when auth is
// disabled.
func rpcCallerKey(r *http.Request, token string) string {
	if strings.TrimSpace(token) != "" {
		return "token:" + token
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	if host == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}
