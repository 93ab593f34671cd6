package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type rpcRequest struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         json.RawMessage `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	APIVersion *int            `json:"api_version,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := s.extractRPCToken(r)
	caller := rpcCallerKey(r, token)
	if !s.rpcLimiter.Allow(caller, time.Now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	reqID := requestID(r, req.ID)
	w.Header().Set(headerRequestID, reqID)
	if rpcErr := validateRPCAPIVersion(req.APIVersion, req.Method); rpcErr != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	var replay, fingerprint string
	window, replayable := replayWindow(req.Method)
	if replayable {
		replay = replayKey(r.Header.Get(headerIdempotencyID), token, req.Method)
	}
	if replay != "" {
		fingerprint = requestFingerprint(req)
		cached, ok, conflict := s.replays.lookup(replay, fingerprint, time.Now())
		if conflict {
			writeRPC(w, rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: -32090, Message: "idempotency key reused with different request"},
			})
			return
		}
		if ok {
			cached.ID = req.ID
			writeRPC(w, cached)
			return
		}
	}
	if signingMethods[req.Method] && !s.signLimiter.Allow(caller, time.Now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	started := time.Now()
	s.logger.Info("rpc request", "request_id", reqID, "method", req.Method)
	ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout)
	defer cancel()
	result, rpcErr := s.dispatchRPC(ctx, req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Error("rpc failed", "request_id", reqID, "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.logger.Info("rpc response", "request_id", reqID, "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	}
	if replay != "" {
		s.replays.remember(replay, fingerprint, resp, window, time.Now())
	}
	writeRPC(w, resp)
}

func (s *Server) dispatchRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "rpc.version":
		return rpcVersionInfo(), nil
	}
	if s.service == nil {
		return nil, &rpcError{Code: -32099, Message: "service is not initialized"}
	}
	if result, rpcErr, ok := s.dispatchNetworkRPC(ctx, method); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchChainRPC(ctx, method, rawParams); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchAccountRPC(ctx, method, rawParams); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchTransactionRPC(ctx, method, rawParams); ok {
		return result, rpcErr
	}
	return nil, &rpcError{Code: -32601, Message: "method not found"}
}

// requestID prefers the caller's correlation header and falls back to the
// JSON-RPC id.
func requestID(r *http.Request, id json.RawMessage) string {
	if v := strings.TrimSpace(r.Header.Get(headerRequestID)); v != "" && len(v) <= 128 {
		return v
	}
	if len(id) > 0 && string(id) != "null" {
		return "rpc." + strings.NewReplacer(`"`, "_").Replace(string(id))
	}
	return fmt.Sprintf("rpc_%d", time.Now().UnixNano())
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32600, Message: "invalid request"},
	})
}
