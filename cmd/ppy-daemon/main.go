package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ppy-wallet/go-core/internal/composition/chainclient"
	"ppy-wallet/go-core/internal/composition/daemonserver"
	"ppy-wallet/go-core/internal/config"
	"ppy-wallet/go-core/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	rpcAddr := flag.String("rpc-addr", "127.0.0.1:8797", "JSON-RPC listen address")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-PPY-RPC-Token (optional)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address (overrides config)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("ppy-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	logger := privacylog.NewJSONLogger(os.Stderr, slog.LevelInfo)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *rpcToken != "" {
		_ = os.Setenv("PPY_RPC_TOKEN", *rpcToken)
	}

	cfg := config.LoadFromPath(*configPath)
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	srv := daemonserver.NewRPCServerWithOptions(*rpcAddr, cfg, chainclient.Options{
		Logger:     logger,
		Registerer: prometheus.DefaultRegisterer,
	})
	logger.Info("ppy-daemon starting", "rpc_addr", *rpcAddr, "testnet", cfg.UseTestnet, "endpoints", len(cfg.Endpoints))
	if err := srv.Run(ctx); err != nil {
		logger.Error("ppy-daemon failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ppy-daemon stopped")
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "addr", addr, "error", err)
	}
}
