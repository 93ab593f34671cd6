package rpc

import (
	"errors"

	"ppy-wallet/go-core/internal/account"
	"ppy-wallet/go-core/internal/composition/chainclient"
	"ppy-wallet/go-core/internal/txbuilder"
)

var errInvalidParams = errors.New("invalid params")

const (
	codeNetworkStatus    = -32031
	codeNetworkConnect   = -32032
	codeChainObject      = -32040
	codeChainCall        = -32041
	codeAccount          = -32050
	codeAccountNotFound  = -32051
	codeCredentials      = -32052
	codeTxBuild          = -32060
	codeTxBroadcast      = -32061
	codeAlreadyBroadcast = -32062
	codeTxEnvelope       = -32063
)

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: -32602, Message: "invalid params"}
}

func rpcServiceError(code int, err error) *rpcError {
	return &rpcError{Code: code, Message: err.Error()}
}

func mapAccountRPCError(err error) *rpcError {
	switch {
	case errors.Is(err, account.ErrAccountNotFound):
		return rpcServiceError(codeAccountNotFound, err)
	case errors.Is(err, chainclient.ErrInvalidCredentials):
		return rpcServiceError(codeCredentials, err)
	default:
		return rpcServiceError(codeAccount, err)
	}
}

func mapTransactionRPCError(err error) *rpcError {
	switch {
	case errors.Is(err, txbuilder.ErrAlreadyBroadcast):
		return rpcServiceError(codeAlreadyBroadcast, err)
	case errors.Is(err, account.ErrAccountNotFound):
		return rpcServiceError(codeAccountNotFound, err)
	case errors.Is(err, chainclient.ErrInvalidCredentials):
		return rpcServiceError(codeCredentials, err)
	default:
		var txErr *txbuilder.TransactionError
		if errors.As(err, &txErr) && txErr.Step == txbuilder.StepBroadcast {
			return rpcServiceError(codeTxBroadcast, err)
		}
		return rpcServiceError(codeTxBuild, err)
	}
}
