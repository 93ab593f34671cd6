// Package chainstore caches chain objects and resolves them with bounded
// polling while the node has not delivered them yet.
package chainstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"ppy-wallet/go-core/internal/chainapi"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/pkg/models"
)

// Presence is the cache's knowledge about an id.
type Presence int

const (
	// Pending means the object has not been observed yet.
	Pending Presence = iota
	// Found means the object is cached.
	Found
	// Missing means the node confirmed the object does not exist.
	Missing
)

func (p Presence) String() string {
	switch p {
	case Found:
		return "found"
	case Missing:
		return "missing"
	default:
		return "pending"
	}
}

// APIGateway is the subset of chainapi.Gateway the store needs.
type APIGateway interface {
	CallAPI(ctx context.Context, plugin, method string, params []any) json.RawMessage
}

// Store is an in-memory object cache filled from get_objects. Unknown ids are
// requested in the background on first lookup; the cache absorbs duplicate
// lookups while a request is in flight.
type Store struct {
	gw     APIGateway
	logger *slog.Logger

	mu         sync.Mutex
	objects    map[string]models.ChainObject
	missing    map[string]struct{}
	inflight   map[string]struct{}
	generation uint64
	wg         sync.WaitGroup
}

func NewStore(gw APIGateway, logger *slog.Logger) *Store {
	return &Store{
		gw:       gw,
		logger:   privacylog.Ensure(logger),
		objects:  make(map[string]models.ChainObject),
		missing:  make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Lookup returns what the cache knows about id. A Pending or (with force) a
// Missing answer schedules a fetch.
func (s *Store) Lookup(id string, force bool) (models.ChainObject, Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[id]; ok {
		return obj, Found
	}
	if _, ok := s.missing[id]; ok && !force {
		return nil, Missing
	}
	s.requestLocked(id)
	return nil, Pending
}

// Put records an observed object.
func (s *Store) Put(obj models.ChainObject) {
	id := obj.ID()
	if id == "" {
		return
	}
	s.mu.Lock()
	s.objects[id] = obj
	delete(s.missing, id)
	s.mu.Unlock()
}

// Reset drops every cached and missing entry. In-flight fetches started
// before the reset are discarded when they land.
func (s *Store) Reset() {
	s.mu.Lock()
	s.objects = make(map[string]models.ChainObject)
	s.missing = make(map[string]struct{})
	s.inflight = make(map[string]struct{})
	s.generation++
	s.mu.Unlock()
	s.logger.Info("object cache invalidated")
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Wait blocks until background fetches finish. Used by tests and shutdown.
func (s *Store) Wait() {
	s.wg.Wait()
}

func (s *Store) requestLocked(id string) {
	if s.gw == nil {
		return
	}
	if _, ok := s.inflight[id]; ok {
		return
	}
	s.inflight[id] = struct{}{}
	gen := s.generation
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fetch(id, gen)
	}()
}

func (s *Store) fetch(id string, gen uint64) {
	raw := s.gw.CallAPI(context.Background(), chainapi.PluginDB, "get_objects", []any{[]string{id}})

	var objs []json.RawMessage
	decodeErr := chainapi.Decode(raw, &objs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	delete(s.inflight, id)
	if decodeErr != nil || len(objs) != 1 {
		// Leave the id pending so a later lookup asks again.
		return
	}
	if string(objs[0]) == "null" {
		s.missing[id] = struct{}{}
		return
	}
	var obj models.ChainObject
	if err := json.Unmarshal(objs[0], &obj); err != nil {
		s.logger.Warn("undecodable chain object", "object_id", id, "error", err)
		return
	}
	s.objects[id] = obj
	delete(s.missing, id)
}
