// Package store holds the client's normalized entity cache. Each Store maps a
// stable entity identifier to the most recently observed value and is only
// mutated through four operations: ReplaceAll, UpsertOne, UpsertMany and
// RemoveOne. Every mutation publishes a new immutable Snapshot, so readers
// never take a lock and never observe a half-applied write.
package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/slink/im-client/internal/metrics"
)

// Entity is any server-owned record with a stable identifier.
type Entity interface {
	EntityID() string
}

// Op names a store transition.
type Op string

const (
	OpReplaceAll Op = "replace_all"
	OpUpsertOne  Op = "upsert_one"
	OpUpsertMany Op = "upsert_many"
	OpRemoveOne  Op = "remove_one"
)

// Change describes one applied mutation. Snapshot is the store content right
// after the mutation; observers should read from it rather than from the
// store, which may already have moved on.
type Change[T Entity] struct {
	Store    string
	Op       Op
	IDs      []string
	Version  uint64
	Snapshot *Snapshot[T]
}

// Snapshot is an immutable view of a store at one version.
type Snapshot[T Entity] struct {
	version uint64
	items   map[string]T
	seq     map[string]uint64 // first-arrival order per id
}

func emptySnapshot[T Entity]() *Snapshot[T] {
	return &Snapshot[T]{
		items: make(map[string]T),
		seq:   make(map[string]uint64),
	}
}

// Version returns the number of mutations applied before this snapshot.
func (s *Snapshot[T]) Version() uint64 { return s.version }

// Len returns the number of entities.
func (s *Snapshot[T]) Len() int { return len(s.items) }

// Get returns the entity stored under id.
func (s *Snapshot[T]) Get(id string) (T, bool) {
	v, ok := s.items[id]
	return v, ok
}

// Has reports whether id is present.
func (s *Snapshot[T]) Has(id string) bool {
	_, ok := s.items[id]
	return ok
}

// IDs returns the identifiers in arrival order.
func (s *Snapshot[T]) IDs() []string {
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.seq[ids[i]] < s.seq[ids[j]] })
	return ids
}

// Values returns the entities in arrival order.
func (s *Snapshot[T]) Values() []T {
	ids := s.IDs()
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = s.items[id]
	}
	return out
}

// Map returns a copy of the id -> entity mapping.
func (s *Snapshot[T]) Map() map[string]T {
	out := make(map[string]T, len(s.items))
	for id, v := range s.items {
		out[id] = v
	}
	return out
}

// clone copies the snapshot so a writer can modify it before publishing.
func (s *Snapshot[T]) clone() *Snapshot[T] {
	next := &Snapshot[T]{
		version: s.version,
		items:   make(map[string]T, len(s.items)+1),
		seq:     make(map[string]uint64, len(s.seq)+1),
	}
	for id, v := range s.items {
		next.items[id] = v
	}
	for id, n := range s.seq {
		next.seq[id] = n
	}
	return next
}

// Store is a process-wide, copy-on-write mapping from id to entity.
type Store[T Entity] struct {
	name   string
	logger *zap.Logger

	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot[T]]
	nextSeq uint64

	obsMu     sync.RWMutex
	observers map[uint64]func(Change[T])
	nextObs   uint64
}

// NewStore creates an empty store. The name labels log lines, metrics and
// change events.
func NewStore[T Entity](name string, logger *zap.Logger) *Store[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store[T]{
		name:      name,
		logger:    logger.Named("store").With(zap.String("store", name)),
		observers: make(map[uint64]func(Change[T])),
	}
	s.current.Store(emptySnapshot[T]())
	return s
}

// Name returns the store's name.
func (s *Store[T]) Name() string { return s.name }

// Snapshot returns the current immutable view.
func (s *Store[T]) Snapshot() *Snapshot[T] { return s.current.Load() }

// Get is shorthand for Snapshot().Get.
func (s *Store[T]) Get(id string) (T, bool) { return s.Snapshot().Get(id) }

// Len is shorthand for Snapshot().Len.
func (s *Store[T]) Len() int { return s.Snapshot().Len() }

// ReplaceAll discards the prior contents and installs entities. It is meant
// for listings where the server is authoritative for the whole set and no
// subscription pushes into the same store concurrently.
func (s *Store[T]) ReplaceAll(entities map[string]T) {
	s.apply(OpReplaceAll, func(_ *Snapshot[T]) (*Snapshot[T], []string) {
		next := emptySnapshot[T]()
		ids := sortedKeys(entities)
		for _, id := range ids {
			next.items[id] = entities[id]
			next.seq[id] = s.seq()
		}
		return next, ids
	})
}

// UpsertOne inserts or overwrites a single entity by id.
func (s *Store[T]) UpsertOne(entity T) {
	id := entity.EntityID()
	s.apply(OpUpsertOne, func(prev *Snapshot[T]) (*Snapshot[T], []string) {
		next := prev.clone()
		s.put(next, id, entity)
		return next, []string{id}
	})
}

// UpsertMany merges entities into the store as a keyed union. Ids not named
// in entities are left untouched.
func (s *Store[T]) UpsertMany(entities map[string]T) {
	if len(entities) == 0 {
		return
	}
	s.apply(OpUpsertMany, func(prev *Snapshot[T]) (*Snapshot[T], []string) {
		next := prev.clone()
		ids := sortedKeys(entities)
		for _, id := range ids {
			s.put(next, id, entities[id])
		}
		return next, ids
	})
}

// RemoveOne deletes the entity with the given id. Removing an absent id is a
// no-op and publishes nothing.
func (s *Store[T]) RemoveOne(id string) {
	s.apply(OpRemoveOne, func(prev *Snapshot[T]) (*Snapshot[T], []string) {
		if !prev.Has(id) {
			return nil, nil
		}
		next := prev.clone()
		delete(next.items, id)
		delete(next.seq, id)
		return next, []string{id}
	})
}

// Subscribe registers fn to be called after every mutation. Observers run on
// the mutating goroutine after the write lock is released; they must not
// block for long. The returned function removes the observer.
func (s *Store[T]) Subscribe(fn func(Change[T])) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

// apply runs mutate under the write lock, publishes the result and notifies
// observers. mutate returns a nil snapshot to signal "nothing changed".
func (s *Store[T]) apply(op Op, mutate func(prev *Snapshot[T]) (*Snapshot[T], []string)) {
	s.mu.Lock()
	prev := s.current.Load()
	next, ids := mutate(prev)
	if next == nil {
		s.mu.Unlock()
		return
	}
	next.version = prev.version + 1
	s.current.Store(next)
	s.mu.Unlock()

	metrics.StoreMutations.WithLabelValues(s.name, string(op)).Inc()
	s.logger.Debug("store mutated",
		zap.String("op", string(op)),
		zap.Int("ids", len(ids)),
		zap.Uint64("version", next.version))

	s.notify(Change[T]{Store: s.name, Op: op, IDs: ids, Version: next.version, Snapshot: next})
}

func (s *Store[T]) notify(change Change[T]) {
	s.obsMu.RLock()
	fns := make([]func(Change[T]), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}

// put writes entity under id, keeping the original arrival position of an
// existing id. Must be called with s.mu held.
func (s *Store[T]) put(snap *Snapshot[T], id string, entity T) {
	if _, ok := snap.seq[id]; !ok {
		snap.seq[id] = s.seq()
	}
	snap.items[id] = entity
}

// seq hands out arrival sequence numbers. Must be called with s.mu held.
func (s *Store[T]) seq() uint64 {
	s.nextSeq++
	return s.nextSeq
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Index builds an id -> entity mapping from a slice, later entries winning.
func Index[T Entity](entities []T) map[string]T {
	out := make(map[string]T, len(entities))
	for _, e := range entities {
		out[e.EntityID()] = e
	}
	return out
}
