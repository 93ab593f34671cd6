package rpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"ppy-wallet/go-core/internal/txbuilder"
)

const rpcReplayMaxEntries = 1024

// replayWindows lists the methods that honor an idempotency key and how long
// their result may be replayed. A built transfer is useless once its
// expiration passes; a broadcast is remembered as long as the submit-once
// guard remembers it. Reads are safe to repeat and ignore the key.
var replayWindows = map[string]time.Duration{
	"network.connect":   30 * time.Second,
	"tx.build_transfer": txbuilder.DefaultExpireAfter,
	"tx.broadcast":      broadcastMemory,
}

func replayWindow(method string) (time.Duration, bool) {
	d, ok := replayWindows[method]
	return d, ok
}

type replayEntry struct {
	fingerprint string
	response    rpcResponse
	expiresAt   time.Time
}

// replayCache keeps the successful responses of mutating calls so a client
// retrying after a lost reply does not sign or submit twice.
type replayCache struct {
	mu      sync.Mutex
	entries map[string]replayEntry
}

func newReplayCache() *replayCache {
	return &replayCache{entries: make(map[string]replayEntry)}
}

// lookup returns the stored response for key. conflict is set when the key
// was used for a different request.
func (c *replayCache) lookup(key, fingerprint string, now time.Time) (resp rpcResponse, ok, conflict bool) {
	if c == nil {
		return rpcResponse{}, false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[key]
	if !found {
		return rpcResponse{}, false, false
	}
	if !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		return rpcResponse{}, false, false
	}
	if entry.fingerprint != fingerprint {
		return rpcResponse{}, false, true
	}
	return entry.response, true, false
}

// remember stores resp for the method's window. Failed calls are not kept so
// the same key can be retried.
func (c *replayCache) remember(key, fingerprint string, resp rpcResponse, window time.Duration, now time.Time) {
	if c == nil || resp.Error != nil || window <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= rpcReplayMaxEntries {
		c.evictSoonestLocked()
	}
	c.entries[key] = replayEntry{
		fingerprint: fingerprint,
		response:    resp,
		expiresAt:   now.Add(window),
	}
}

func (c *replayCache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for k, entry := range c.entries {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim, soonest = k, entry.expiresAt
		}
	}
	delete(c.entries, victim)
}

// replayKey scopes a client key to the caller and the method, so one key
// reused across build and broadcast names two separate entries.
func replayKey(raw, authToken, method string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	return authToken + "|" + method + "|" + key
}

// requestFingerprint digests the request with its params in canonical form,
// so field order and whitespace do not count as a different transfer. The
// password of tx.build_transfer takes part only through the digest.
func requestFingerprint(req rpcRequest) string {
	params := canonicalParams(req.Params)
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write(params)
	if req.APIVersion != nil {
		h.Write([]byte{0, byte(*req.APIVersion)})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalParams(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return trimmed
	}
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}
