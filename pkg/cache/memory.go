package cache

import (
	"slices"
	"sort"
	"sync"

	"github.com/cuemby/docqa/pkg/events"
	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/metrics"
	"github.com/cuemby/docqa/pkg/types"
	"github.com/rs/zerolog"
)

// entry is never modified after it is stored
type entry struct {
	items   []types.Entity
	version uint64
}

// MemoryStore is the in-process Store.
//
// Reads load an immutable snapshot and never wait on writers. Writers
// take a per-key lock so that two updates to the same key cannot
// interleave; writers to different keys proceed in parallel.
type MemoryStore struct {
	entries sync.Map // Key -> *entry

	locksMu sync.Mutex
	locks   map[Key]*sync.Mutex

	broker    *events.Broker
	persister Persister
	logger    zerolog.Logger
}

// Option configures a MemoryStore
type Option func(*MemoryStore)

// WithBroker publishes a cache event for every committed write
func WithBroker(b *events.Broker) Option {
	return func(s *MemoryStore) { s.broker = b }
}

// WithPersister writes every committed change through to p
func WithPersister(p Persister) Option {
	return func(s *MemoryStore) { s.persister = p }
}

// NewMemoryStore creates an empty store
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		locks:  make(map[Key]*sync.Mutex),
		logger: log.WithComponent("cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) keyLock(key Key) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

func (s *MemoryStore) load(key Key) (*entry, bool) {
	v, ok := s.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Read implements Store
func (s *MemoryStore) Read(key Key) ([]types.Entity, bool) {
	e, ok := s.load(key)
	if !ok {
		return nil, false
	}
	return slices.Clone(e.items), true
}

// Version returns the number of writes committed to key
func (s *MemoryStore) Version(key Key) uint64 {
	e, ok := s.load(key)
	if !ok {
		return 0
	}
	return e.version
}

// Replace implements Store
func (s *MemoryStore) Replace(key Key, items []types.Entity) {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	s.commit(key, items, events.EventCacheReplaced, true)
}

// Hydrate loads a persisted snapshot without writing it back
func (s *MemoryStore) Hydrate(key Key, items []types.Entity) {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	s.commit(key, items, events.EventCacheReplaced, false)
}

// Update implements Store
func (s *MemoryStore) Update(key Key, fn UpdateFunc) {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := s.load(key)
	var items []types.Entity
	if ok {
		items = slices.Clone(cur.items)
	}
	next := fn(items)
	if !ok && len(next) == 0 {
		return
	}
	if ok && unchanged(items, next) {
		return
	}
	s.commit(key, next, events.EventCacheUpdated, true)
}

// UpdateExisting implements Store
func (s *MemoryStore) UpdateExisting(key Key, fn UpdateFunc) bool {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := s.load(key)
	if !ok {
		return false
	}
	items := slices.Clone(cur.items)
	if next := fn(items); !unchanged(items, next) {
		s.commit(key, next, events.EventCacheUpdated, true)
	}
	return true
}

// unchanged reports whether fn handed back the slice it was given
func unchanged(in, out []types.Entity) bool {
	if len(in) != len(out) {
		return false
	}
	return len(in) == 0 || &in[0] == &out[0]
}

// Delete implements Store
func (s *MemoryStore) Delete(key Key) {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	if _, loaded := s.entries.LoadAndDelete(key); !loaded {
		return
	}
	metrics.CacheEntries.Dec()

	if s.persister != nil {
		if err := s.persister.Delete(key); err != nil {
			s.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to delete persisted cache entry")
		}
	}
	s.publish(events.EventCacheDeleted, key)
}

// Keys implements Store
func (s *MemoryStore) Keys() []Key {
	var keys []Key
	s.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(Key))
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// commit must be called with the key lock held
func (s *MemoryStore) commit(key Key, items []types.Entity, evType events.EventType, persist bool) {
	var version uint64 = 1
	if cur, ok := s.load(key); ok {
		version = cur.version + 1
	} else {
		metrics.CacheEntries.Inc()
	}
	if items == nil {
		items = []types.Entity{}
	}
	s.entries.Store(key, &entry{items: slices.Clone(items), version: version})

	if persist && s.persister != nil {
		if err := s.persister.Save(key, items); err != nil {
			s.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to persist cache entry")
		}
	}
	s.publish(evType, key)
}

func (s *MemoryStore) publish(evType events.EventType, key Key) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type: evType,
		Metadata: map[string]string{
			"key":   key.String(),
			"kind":  string(key.Kind),
			"scope": key.Scope,
		},
	})
}
