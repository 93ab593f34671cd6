// Package rpc is a websocket JSON-RPC client for Graphene style nodes.
//
// Requests take the form {"id":N,"method":"call","params":[api,method,args]}
// where api is a numeric API id obtained through the login API (id 1).
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"ppy-wallet/go-core/internal/platform/privacylog"

	"github.com/gorilla/websocket"
)

const (
	APILogin            = "login"
	APIDatabase         = "database"
	APINetworkBroadcast = "network_broadcast"
	APIHistory          = "history"
	APICrypto           = "crypto"
	APIBookie           = "bookie"

	loginAPIID = 1
)

type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
	Logger           *slog.Logger
}

// Handshake is the node identity learned while opening a session.
type Handshake struct {
	ChainID     string
	NetworkName string
	AddrPrefix  string
}

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type inbound struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

type response struct {
	result json.RawMessage
	err    error
}

type Client struct {
	url    string
	conn   *websocket.Conn
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan response
	apiIDs  map[string]int
	err     error
	done    chan struct{}
}

// Dial opens the websocket. ctx bounds only the dial; the connection lives
// until Close or a transport failure.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	c := &Client{
		url:     url,
		conn:    conn,
		opts:    opts,
		logger:  privacylog.Ensure(opts.Logger).With("endpoint", url),
		pending: make(map[uint64]chan response),
		apiIDs:  map[string]int{APILogin: loginAPIID},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) URL() string { return c.url }

// Done is closed once the connection is gone for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

// Login authenticates anonymously against the login API.
func (c *Client) Login(ctx context.Context) error {
	raw, err := c.call(ctx, loginAPIID, "login", []any{"", ""})
	if err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return fmt.Errorf("%w: login: %v", ErrUnexpectedData, err)
	}
	if !ok {
		return ErrLoginRejected
	}
	return nil
}

// Handshake logs in, resolves the database API and reads the chain id.
func (c *Client) Handshake(ctx context.Context) (Handshake, error) {
	if err := c.Login(ctx); err != nil {
		return Handshake{}, err
	}
	raw, err := c.Call(ctx, APIDatabase, "get_chain_id", nil)
	if err != nil {
		return Handshake{}, err
	}
	var chainID string
	if err := json.Unmarshal(raw, &chainID); err != nil {
		return Handshake{}, fmt.Errorf("%w: get_chain_id: %v", ErrUnexpectedData, err)
	}
	network := LookupNetwork(chainID)
	return Handshake{ChainID: chainID, NetworkName: network.Name, AddrPrefix: network.AddrPrefix}, nil
}

// Call invokes method on the named API, resolving the API id on first use.
func (c *Client) Call(ctx context.Context, api, method string, params []any) (json.RawMessage, error) {
	id, err := c.apiID(ctx, api)
	if err != nil {
		return nil, err
	}
	return c.call(ctx, id, method, params)
}

func (c *Client) apiID(ctx context.Context, api string) (int, error) {
	if api == "" {
		api = APIDatabase
	}
	c.mu.Lock()
	id, ok := c.apiIDs[api]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	raw, err := c.call(ctx, loginAPIID, api, nil)
	if err != nil {
		return 0, fmt.Errorf("resolve %s api: %w", api, err)
	}
	if err := json.Unmarshal(raw, &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s api id %s", ErrUnexpectedData, api, string(raw))
	}
	c.mu.Lock()
	c.apiIDs[api] = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) call(ctx context.Context, apiID int, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{ID: id, Method: "call", Params: []any{apiID, method, params}}
	if err := c.write(ctx, req); err != nil {
		c.forget(id)
		terr := &TransportError{URL: c.url, Err: err}
		c.fail(terr)
		return nil, terr
	}

	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		// A response may have raced the close.
		select {
		case resp := <-ch:
			return resp.result, resp.err
		default:
		}
		return nil, c.Err()
	}
}

func (c *Client) write(ctx context.Context, req request) error {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(req)
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(&TransportError{URL: c.url, Err: err})
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("rpc: undecodable frame", "error", err)
			continue
		}
		if msg.ID == nil {
			// Subscription notices are not consumed by this client.
			if msg.Method != "" {
				c.logger.Debug("rpc: notice ignored", "method", msg.Method)
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if msg.Error != nil {
			ch <- response{err: msg.Error}
			continue
		}
		ch <- response{result: msg.Result}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	close(c.done)
	c.mu.Unlock()

	if errors.Is(err, ErrClosed) {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	_ = c.conn.Close()
	for _, ch := range pending {
		ch <- response{err: err}
	}
}
