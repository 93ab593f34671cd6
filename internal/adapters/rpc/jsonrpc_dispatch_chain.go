package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"ppy-wallet/go-core/internal/txbuilder"
)

const broadcastMemory = 10 * time.Minute

func (s *Server) dispatchNetworkRPC(ctx context.Context, method string) (any, *rpcError, bool) {
	switch method {
	case "network.status":
		return s.service.Status(), nil, true
	case "network.connect":
		if err := s.service.Connect(ctx); err != nil {
			return nil, rpcServiceError(codeNetworkConnect, err), true
		}
		return s.service.Status(), nil, true
	default:
		return nil, nil, false
	}
}

func (s *Server) dispatchChainRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "chain.get_object":
		id, force, err := decodeGetObjectParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		obj, err := s.service.GetObject(ctx, id, force)
		if err != nil {
			return nil, rpcServiceError(codeChainObject, err), true
		}
		return map[string]any{"id": id, "found": obj != nil, "object": obj}, nil, true
	case "chain.call_api":
		plugin, apiMethod, params, err := decodeCallAPIParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		return s.service.CallAPI(ctx, plugin, apiMethod, params), nil, true
	default:
		return nil, nil, false
	}
}

func (s *Server) dispatchAccountRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "account.get":
		name, err := decodeSingleStringParam(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		full, err := s.service.FullAccount(ctx, name)
		if err != nil {
			return nil, mapAccountRPCError(err), true
		}
		return full, nil, true
	case "account.balance":
		name, asset, err := decodeStringWithOptional(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		balance, err := s.service.Balance(ctx, name, asset)
		if err != nil {
			return nil, mapAccountRPCError(err), true
		}
		return map[string]string{"account": name, "balance": balance}, nil, true
	case "account.transfer_fee":
		if decodeNoParams(rawParams) != nil {
			return nil, rpcInvalidParams(), true
		}
		fee, err := s.service.TransferFee(ctx)
		if err != nil {
			return nil, rpcServiceError(codeAccount, err), true
		}
		return map[string]string{"fee": fee}, nil, true
	case "account.login":
		name, password, err := decodeTwoStringParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		set, err := s.service.Login(ctx, name, password)
		if err != nil {
			return nil, mapAccountRPCError(err), true
		}
		set.Zero()
		return map[string]any{"account": name, "valid": true}, nil, true
	default:
		return nil, nil, false
	}
}

func (s *Server) dispatchTransactionRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "tx.build_transfer":
		p, err := decodeTransferParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		set, err := s.service.Login(ctx, p.From, p.Password)
		if err != nil {
			return nil, mapTransactionRPCError(err), true
		}
		defer set.Zero()
		tx, err := s.service.BuildTransfer(ctx, txbuilder.TransferRequest{
			From: p.From, To: p.To, Amount: p.Amount, AssetID: p.AssetID, Memo: p.Memo, Keys: set,
		})
		if err != nil {
			return nil, mapTransactionRPCError(err), true
		}
		return transactionResult(tx)
	case "tx.decode":
		data, err := decodeEnvelopeParam(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		tx, err := txbuilder.Deserialize(data)
		if err != nil {
			return nil, rpcServiceError(codeTxEnvelope, err), true
		}
		return transactionResult(tx)
	case "tx.broadcast":
		data, err := decodeEnvelopeParam(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		tx, err := txbuilder.Deserialize(data)
		if err != nil {
			return nil, rpcServiceError(codeTxEnvelope, err), true
		}
		id, err := tx.ID()
		if err != nil {
			return nil, rpcServiceError(codeTxEnvelope, err), true
		}
		if !s.claimBroadcast(id, time.Now()) {
			return nil, mapTransactionRPCError(fmt.Errorf("%w: %s", txbuilder.ErrAlreadyBroadcast, id)), true
		}
		if err := s.service.Broadcast(ctx, tx); err != nil {
			return nil, mapTransactionRPCError(err), true
		}
		return map[string]string{"tx_id": id}, nil, true
	default:
		return nil, nil, false
	}
}

// claimBroadcast records id as submitted. An envelope is a copy of the
// transaction, so the submit-once rule is enforced here by id as well.
func (s *Server) claimBroadcast(id string, now time.Time) bool {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()
	for k, at := range s.broadcasts {
		if now.Sub(at) > broadcastMemory {
			delete(s.broadcasts, k)
		}
	}
	if _, ok := s.broadcasts[id]; ok {
		return false
	}
	s.broadcasts[id] = now
	return true
}

func transactionResult(tx *txbuilder.Transaction) (any, *rpcError, bool) {
	envelope, err := tx.Serialize()
	if err != nil {
		return nil, rpcServiceError(codeTxEnvelope, err), true
	}
	id, err := tx.ID()
	if err != nil {
		return nil, rpcServiceError(codeTxEnvelope, err), true
	}
	return map[string]any{
		"tx_id":       id,
		"stage":       tx.Stage().String(),
		"transaction": tx,
		"envelope":    base64.StdEncoding.EncodeToString(envelope),
	}, nil, true
}
