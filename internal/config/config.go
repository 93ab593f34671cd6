// Package config loads client settings from YAML, an optional .env file and
// the process environment, in increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvUseTestnet  = "PPY_BLOCKCHAIN_USE_TESTNET"
	EnvEndpoints   = "PPY_BLOCKCHAIN_ENDPOINTS"
	EnvFallbackURL = "PPY_ENDPOINTS_GIST"
	EnvMetricsAddr = "PPY_METRICS_ADDR"
	EnvUseFallback = "PPY_ENDPOINTS_USE_FALLBACK"

	DefaultFallbackURL = "https://api.github.com/gists/024a306a5dc41fd56bd8656c96d73fd0"

	PrefixMainnet = "PPY"
	PrefixTestnet = "TEST"
)

type Config struct {
	UseTestnet       bool          `yaml:"useTestnet"`
	UseFallback      bool          `yaml:"useFallback"`
	Endpoints        []string      `yaml:"endpoints"`
	FallbackURL      string        `yaml:"fallbackURL"`
	FallbackTimeout  time.Duration `yaml:"fallbackTimeout"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout"`
	ProbeRate        float64       `yaml:"probeRate"`
	ProbeConcurrency int           `yaml:"probeConcurrency"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	RetryDelay       time.Duration `yaml:"retryDelay"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	MaxPollAttempts  int           `yaml:"maxPollAttempts"`
	SyncTolerance    time.Duration `yaml:"syncTolerance"`
	ExpireAfter      time.Duration `yaml:"expireAfter"`
	APIRate          float64       `yaml:"apiRate"`
	APIBurst         int           `yaml:"apiBurst"`
	ChainPrefix      string        `yaml:"chainPrefix"`
	FeeAsset         string        `yaml:"feeAsset"`
	MetricsAddr      string        `yaml:"metricsAddr"`
}

type fileConfig struct {
	Network networkSection `yaml:"network"`
}

type networkSection struct {
	UseTestnet       *bool         `yaml:"useTestnet"`
	UseFallback      *bool         `yaml:"useFallback"`
	Endpoints        []string      `yaml:"endpoints"`
	FallbackURL      string        `yaml:"fallbackURL"`
	FallbackTimeout  time.Duration `yaml:"fallbackTimeout"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout"`
	ProbeRate        float64       `yaml:"probeRate"`
	ProbeConcurrency int           `yaml:"probeConcurrency"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	RetryDelay       time.Duration `yaml:"retryDelay"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	MaxPollAttempts  int           `yaml:"maxPollAttempts"`
	SyncTolerance    time.Duration `yaml:"syncTolerance"`
	ExpireAfter      time.Duration `yaml:"expireAfter"`
	APIRate          float64       `yaml:"apiRate"`
	APIBurst         int           `yaml:"apiBurst"`
	ChainPrefix      string        `yaml:"chainPrefix"`
	FeeAsset         string        `yaml:"feeAsset"`
	MetricsAddr      string        `yaml:"metricsAddr"`
}

func DefaultConfig() Config {
	return Config{
		UseTestnet:       false,
		UseFallback:      true,
		FallbackURL:      DefaultFallbackURL,
		FallbackTimeout:  5 * time.Second,
		ProbeTimeout:     3 * time.Second,
		ProbeRate:        20,
		ProbeConcurrency: 8,
		HandshakeTimeout: 10 * time.Second,
		RetryDelay:       10 * time.Second,
		PollInterval:     100 * time.Millisecond,
		MaxPollAttempts:  10,
		SyncTolerance:    30 * time.Second,
		ExpireAfter:      60 * time.Second,
		APIRate:          50,
		APIBurst:         20,
		ChainPrefix:      PrefixMainnet,
		FeeAsset:         "1.3.0",
	}
}

// LoadFromPath reads configPath (or the default candidates) and the .env file
// next to it. Unreadable or malformed files are skipped.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/config.yaml", "config.yaml")
	}

	envDir := "."
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		Merge(&cfg, parsed.Network)
		envDir = filepath.Dir(path)
		break
	}

	dotenv, err := godotenv.Read(filepath.Join(envDir, ".env"))
	if err != nil {
		dotenv = nil
	}
	ApplyEnvOverrides(&cfg, lookupWith(dotenv))
	return Normalize(cfg)
}

func Merge(dst *Config, src networkSection) {
	if src.UseTestnet != nil {
		dst.UseTestnet = *src.UseTestnet
		if dst.UseTestnet && src.ChainPrefix == "" {
			dst.ChainPrefix = PrefixTestnet
		}
	}
	if src.UseFallback != nil {
		dst.UseFallback = *src.UseFallback
	}
	if src.Endpoints != nil {
		dst.Endpoints = src.Endpoints
	}
	if src.FallbackURL != "" {
		dst.FallbackURL = src.FallbackURL
	}
	if src.FallbackTimeout != 0 {
		dst.FallbackTimeout = src.FallbackTimeout
	}
	if src.ProbeTimeout != 0 {
		dst.ProbeTimeout = src.ProbeTimeout
	}
	if src.ProbeRate != 0 {
		dst.ProbeRate = src.ProbeRate
	}
	if src.ProbeConcurrency != 0 {
		dst.ProbeConcurrency = src.ProbeConcurrency
	}
	if src.HandshakeTimeout != 0 {
		dst.HandshakeTimeout = src.HandshakeTimeout
	}
	if src.RetryDelay != 0 {
		dst.RetryDelay = src.RetryDelay
	}
	if src.PollInterval != 0 {
		dst.PollInterval = src.PollInterval
	}
	if src.MaxPollAttempts != 0 {
		dst.MaxPollAttempts = src.MaxPollAttempts
	}
	if src.SyncTolerance != 0 {
		dst.SyncTolerance = src.SyncTolerance
	}
	if src.ExpireAfter != 0 {
		dst.ExpireAfter = src.ExpireAfter
	}
	if src.APIRate != 0 {
		dst.APIRate = src.APIRate
	}
	if src.APIBurst != 0 {
		dst.APIBurst = src.APIBurst
	}
	if src.ChainPrefix != "" {
		dst.ChainPrefix = src.ChainPrefix
	}
	if src.FeeAsset != "" {
		dst.FeeAsset = src.FeeAsset
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr = src.MetricsAddr
	}
}

// ApplyEnvOverrides applies PPY_* variables found through lookup.
func ApplyEnvOverrides(cfg *Config, lookup func(string) string) {
	if lookup == nil {
		lookup = os.Getenv
	}
	if raw := strings.TrimSpace(lookup(EnvUseTestnet)); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.UseTestnet = v
			if v && cfg.ChainPrefix == PrefixMainnet {
				cfg.ChainPrefix = PrefixTestnet
			}
		}
	}
	if raw := strings.TrimSpace(lookup(EnvUseFallback)); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.UseFallback = v
		}
	}
	if raw := strings.TrimSpace(lookup(EnvEndpoints)); raw != "" {
		cfg.Endpoints = SplitList(raw)
	}
	if raw := strings.TrimSpace(lookup(EnvFallbackURL)); raw != "" {
		cfg.FallbackURL = raw
	}
	if raw := strings.TrimSpace(lookup(EnvMetricsAddr)); raw != "" {
		cfg.MetricsAddr = raw
	}
}

// SplitList splits a comma separated list, dropping blanks and whitespace.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = def.FallbackTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ProbeRate <= 0 {
		cfg.ProbeRate = def.ProbeRate
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = def.ProbeConcurrency
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollAttempts < 0 {
		cfg.MaxPollAttempts = 0
	} else if cfg.MaxPollAttempts == 0 {
		cfg.MaxPollAttempts = def.MaxPollAttempts
	}
	if cfg.SyncTolerance <= 0 {
		cfg.SyncTolerance = def.SyncTolerance
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = def.ExpireAfter
	}
	if cfg.APIBurst <= 0 {
		cfg.APIBurst = def.APIBurst
	}
	if cfg.ChainPrefix == "" {
		cfg.ChainPrefix = def.ChainPrefix
		if cfg.UseTestnet {
			cfg.ChainPrefix = PrefixTestnet
		}
	}
	if cfg.FeeAsset == "" {
		cfg.FeeAsset = def.FeeAsset
	}
	cfg.Endpoints = dedupe(cfg.Endpoints)
	return cfg
}

func dedupe(values []string) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func lookupWith(dotenv map[string]string) func(string) string {
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}
}
