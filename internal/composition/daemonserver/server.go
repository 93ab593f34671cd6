package daemonserver

import (
	"ppy-wallet/go-core/internal/adapters/rpc"
	"ppy-wallet/go-core/internal/composition/chainclient"
	"ppy-wallet/go-core/internal/config"
)

// NewRPCServerWithOptions wires the chain client and RPC transport.
func NewRPCServerWithOptions(rpcAddr string, cfg config.Config, opts chainclient.Options) *rpc.Server {
	client := chainclient.New(cfg, opts)
	return rpc.NewServerWithService(rpcAddr, client, opts.Logger)
}
