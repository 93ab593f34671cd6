package session

import (
	"context"
	"encoding/json"

	"ppy-wallet/go-core/internal/rpc"
)

// Conn is one live node connection.
type Conn interface {
	URL() string
	Handshake(ctx context.Context) (rpc.Handshake, error)
	Call(ctx context.Context, api, method string, params []any) (json.RawMessage, error)
	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}

// NewRPCDialer dials websocket JSON-RPC connections.
func NewRPCDialer(opts rpc.Options) Dialer {
	return DialerFunc(func(ctx context.Context, endpoint string) (Conn, error) {
		client, err := rpc.Dial(ctx, endpoint, opts)
		if err != nil {
			return nil, err
		}
		return client, nil
	})
}
