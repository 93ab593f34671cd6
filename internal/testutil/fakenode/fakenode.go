// Package fakenode serves a scripted Graphene style JSON-RPC node over a
// websocket for tests.
package fakenode

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultChainID = "6b6b5f0ce7a36d323768e534f3edb41c6d6332a541a95725b98e28d140850134"

// Error mirrors the node's structured error payload.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handler answers one method call.
type Handler func(params json.RawMessage) (any, *Error)

type Node struct {
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]int
	conns    map[*websocket.Conn]struct{}
	delay    time.Duration
	chainID  string
	rejectWS bool
}

type call struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

var apiIDs = map[string]int{
	"database":          2,
	"network_broadcast": 3,
	"history":           4,
	"crypto":            5,
	"bookie":            6,
}

func New(t testing.TB) *Node {
	t.Helper()
	n := &Node{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
		conns:    make(map[*websocket.Conn]struct{}),
		chainID:  DefaultChainID,
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serve))
	n.URL = "ws" + strings.TrimPrefix(n.srv.URL, "http")
	t.Cleanup(n.Close)
	return n
}

func (n *Node) Handle(method string, h Handler) {
	n.mu.Lock()
	n.handlers[method] = h
	n.mu.Unlock()
}

// Result registers a handler that always returns v.
func (n *Node) Result(method string, v any) {
	n.Handle(method, func(json.RawMessage) (any, *Error) { return v, nil })
}

func (n *Node) SetChainID(id string) {
	n.mu.Lock()
	n.chainID = id
	n.mu.Unlock()
}

// SetDelay delays every response, including login.
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	n.delay = d
	n.mu.Unlock()
}

// RejectUpgrades makes the node refuse websocket upgrades.
func (n *Node) RejectUpgrades(reject bool) {
	n.mu.Lock()
	n.rejectWS = reject
	n.mu.Unlock()
}

func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// DropConnections closes every open websocket without a close frame.
func (n *Node) DropConnections() {
	n.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (n *Node) Close() {
	n.DropConnections()
	n.srv.Close()
}

func (n *Node) serve(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	reject := n.rejectWS
	n.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n.mu.Lock()
	n.conns[conn] = struct{}{}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.conns, conn)
		n.mu.Unlock()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req call
		if err := json.Unmarshal(data, &req); err != nil || len(req.Params) != 3 {
			continue
		}
		go func(req call) {
			out := n.dispatch(req)
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteJSON(out)
		}(req)
	}
}

func (n *Node) dispatch(req call) map[string]any {
	var method string
	_ = json.Unmarshal(req.Params[1], &method)

	n.mu.Lock()
	n.calls[method]++
	delay := n.delay
	h := n.handlers[method]
	chainID := n.chainID
	n.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	out := map[string]any{"id": req.ID, "jsonrpc": "2.0"}
	if h != nil {
		result, rpcErr := h(req.Params[2])
		if rpcErr != nil {
			out["error"] = rpcErr
		} else {
			out["result"] = result
		}
		return out
	}
	switch {
	case method == "login":
		out["result"] = true
	case method == "get_chain_id":
		out["result"] = chainID
	case apiIDs[method] != 0:
		out["result"] = apiIDs[method]
	default:
		out["error"] = &Error{
			Code:    1,
			Message: "method not found",
			Data: map[string]any{
				"stack": []map[string]any{{
					"format": "unknown method ${method}",
					"data":   map[string]any{"method": method},
				}},
			},
		}
	}
	return out
}
