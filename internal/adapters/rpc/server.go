// Package rpc serves the chain client over local JSON-RPC on HTTP, with a
// server-sent event stream for client notifications.
package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ppy-wallet/go-core/internal/keys"
	"ppy-wallet/go-core/internal/platform/notify"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/internal/platform/ratelimiter"
	"ppy-wallet/go-core/internal/txbuilder"
	"ppy-wallet/go-core/pkg/models"
)

const (
	DefaultRPCAddr = "127.0.0.1:8797"

	envRPCToken         = "PPY_RPC_TOKEN"
	envRequireRPCToken  = "PPY_REQUIRE_RPC_TOKEN"
	envRPCTokenRotate   = "PPY_RPC_TOKEN_ROTATE_ON_START"
	envRPCTokenFile     = "PPY_RPC_TOKEN_FILE"
	envAllowNullOrigin  = "PPY_ALLOW_NULL_ORIGIN"
	envDeployment       = "PPY_ENV"
	headerRPCToken      = "X-PPY-RPC-Token"
	headerRequestID     = "X-PPY-Request-ID"
	headerIdempotencyID = "X-PPY-Idempotency-Key"
)

// ChainService is the client surface the server exposes.
type ChainService interface {
	Start(ctx context.Context) error
	Close() error
	Connect(ctx context.Context) error
	Status() models.NetworkStatus
	GetObject(ctx context.Context, id string, force bool) (models.ChainObject, error)
	CallAPI(ctx context.Context, plugin, method string, params []any) json.RawMessage
	FullAccount(ctx context.Context, nameOrID string) (*models.FullAccount, error)
	Balance(ctx context.Context, nameOrID, assetID string) (string, error)
	TransferFee(ctx context.Context) (string, error)
	Login(ctx context.Context, account, password string) (*keys.SigningKeySet, error)
	BuildTransfer(ctx context.Context, req txbuilder.TransferRequest) (*txbuilder.Transaction, error)
	Broadcast(ctx context.Context, tx *txbuilder.Transaction) error
	Subscribe(fromSeq int64) ([]notify.Event, <-chan notify.Event, func())
}

type Server struct {
	httpServer  *http.Server
	service     ChainService
	initErr     error
	rpcToken    string
	requireRPC  bool
	logger      *slog.Logger
	rpcLimiter  *ratelimiter.MapLimiter
	signLimiter *ratelimiter.MapLimiter
	streams     *rpcStreamLimiter
	replays     *replayCache
	callTimeout time.Duration

	broadcastMu sync.Mutex
	broadcasts  map[string]time.Time
}

// NewServerWithService builds a server for svc. Token policy comes from the
// environment: a token is required unless PPY_ENV names a non-production
// deployment.
func NewServerWithService(rpcAddr string, svc ChainService, logger *slog.Logger) *Server {
	requireRPC := requiresRPCToken()
	rpcToken, err := resolveRPCToken()
	if err != nil {
		return &Server{initErr: err}
	}
	if requireRPC && rpcToken == "" {
		return &Server{
			initErr: errors.New("PPY_RPC_TOKEN is required unless PPY_REQUIRE_RPC_TOKEN=false or PPY_ENV is test/development/local"),
		}
	}
	return newServerWithService(rpcAddr, svc, rpcToken, requireRPC, logger)
}

func newServerWithService(rpcAddr string, svc ChainService, rpcToken string, requireRPC bool, logger *slog.Logger) *Server {
	if rpcAddr == "" {
		rpcAddr = DefaultRPCAddr
	}
	limits := loadRPCRateLimitConfig()
	var limiter, signLimiter *ratelimiter.MapLimiter
	if limits.Enabled {
		limiter = ratelimiter.New(limits.RPS, limits.Burst, 10*time.Minute)
		signLimiter = ratelimiter.New(limits.SignRPS, limits.SignBurst, 10*time.Minute)
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              rpcAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:     svc,
		rpcToken:    rpcToken,
		requireRPC:  requireRPC,
		logger:      privacylog.Ensure(logger),
		rpcLimiter:  limiter,
		signLimiter: signLimiter,
		streams:     newRPCStreamLimiter(loadRPCStreamLimitConfig()),
		replays:     newReplayCache(),
		callTimeout: 30 * time.Second,
		broadcasts:  make(map[string]time.Time),
	}
	if s.rpcToken == "" && !s.requireRPC {
		s.logger.Warn("PPY_RPC_TOKEN is not set; RPC auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleRPCStream)
	return s
}

// Handler exposes the routes, mostly for embedding and tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the chain client and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	// Start failures are retried by the client itself.
	if err := s.service.Start(ctx); err != nil {
		s.logger.Warn("chain client not connected yet", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			_ = s.service.Close()
			return err
		}
		if err := s.service.Close(); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		_ = s.service.Close()
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := map[string]string{"status": "ok"}
	if s.service != nil {
		status["chain"] = s.service.Status().State
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+headerRPCToken+", "+headerRequestID+", "+headerIdempotencyID)
	return true
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.rpcToken == "" && !s.requireRPC {
		return true
	}
	if s.extractRPCToken(r) != s.rpcToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractRPCToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get(headerRPCToken))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func requiresRPCToken() bool {
	if v, ok := parseBoolEnv(envRequireRPCToken); ok {
		if !v && !isNonProdEnv() {
			// Fail closed outside development deployments.
			return true
		}
		return v
	}
	return !isNonProdEnv()
}

func isNonProdEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envDeployment))) {
	case "test", "testing", "dev", "development", "local":
		return true
	default:
		return false
	}
}

func isAllowedOrigin(raw string) bool {
	if raw == "null" {
		allowNull, _ := parseBoolEnv(envAllowNullOrigin)
		return allowNull
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func parseBoolEnv(name string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// resolveRPCToken reads PPY_RPC_TOKEN; "auto" or PPY_RPC_TOKEN_ROTATE_ON_START
// generates a fresh token and writes it to PPY_RPC_TOKEN_FILE when set.
func resolveRPCToken() (string, error) {
	token := strings.TrimSpace(os.Getenv(envRPCToken))
	rotate := strings.EqualFold(token, "auto")
	if !rotate {
		if v, ok := parseBoolEnv(envRPCTokenRotate); ok && v {
			rotate = true
		}
	}
	if rotate {
		generated, err := generateRPCToken()
		if err != nil {
			return "", err
		}
		token = generated
		if err := persistRPCToken(token); err != nil {
			return "", err
		}
	}
	return token, nil
}

func generateRPCToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rpc_" + hex.EncodeToString(buf), nil
}

func persistRPCToken(token string) error {
	pathValue := strings.TrimSpace(os.Getenv(envRPCTokenFile))
	if pathValue == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(pathValue), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pathValue, []byte(token), 0o600)
}
