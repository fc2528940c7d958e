package syncstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const cacheFileSuffix = ".json"

// CacheBackend persists one JSON blob per entity kind. Load returns nil, nil
// when nothing has ever been persisted for the kind.
type CacheBackend interface {
	Load(kind string) ([]Entity, error)
	Save(kind string, entities []Entity) error
}

type cacheBackendCloser interface {
	Close() error
}

// JSONDirBackend stores each kind as <dir>/<kind>.json, written atomically
// via a temp file rename so concurrent readers never observe a torn blob.
type JSONDirBackend struct {
	Dir string
}

func NewJSONDirBackend(dir string) *JSONDirBackend {
	return &JSONDirBackend{Dir: strings.TrimSpace(dir)}
}

func (b *JSONDirBackend) path(kind string) string {
	return filepath.Join(b.Dir, kind+cacheFileSuffix)
}

func (b *JSONDirBackend) Load(kind string) ([]Entity, error) {
	if b == nil || strings.TrimSpace(b.Dir) == "" || strings.TrimSpace(kind) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.path(kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var entities []Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

func (b *JSONDirBackend) Save(kind string, entities []Entity) error {
	if b == nil || strings.TrimSpace(b.Dir) == "" || strings.TrimSpace(kind) == "" {
		return nil
	}
	data, err := json.Marshal(entities)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	target := b.path(kind)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// MemoryBackend keeps blobs in process memory. Snapshots are cloned through
// JSON so callers never share slices with the backend.
type MemoryBackend struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: map[string][]byte{}}
}

func (b *MemoryBackend) Load(kind string) ([]Entity, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	data, ok := b.blobs[kind]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var entities []Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

func (b *MemoryBackend) Save(kind string, entities []Entity) error {
	if b == nil {
		return nil
	}
	data, err := json.Marshal(entities)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.blobs[kind] = data
	b.mu.Unlock()
	return nil
}

// CacheStore owns the authoritative local collection for every kind. All
// mutations are whole-collection overwrites; the last writer to persist wins
// across processes sharing a backend.
type CacheStore struct {
	mu       sync.Mutex
	backend  CacheBackend
	kinds    *KindRegistry
	notifier *Notifier
	seeded   map[string]bool
	log      zerolog.Logger
}

func NewCacheStore(backend CacheBackend, kinds *KindRegistry, notifier *Notifier, log zerolog.Logger) *CacheStore {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if kinds == nil {
		kinds = BuiltinKinds()
	}
	return &CacheStore{
		backend:  backend,
		kinds:    kinds,
		notifier: notifier,
		seeded:   map[string]bool{},
		log:      log,
	}
}

// LoadAll returns the persisted collection for a kind, sorted by sort_order
// then name. A first read with nothing persisted seeds the kind's built-in
// defaults and persists them immediately so subsequent reads are stable.
// Backend failures are logged and served as an empty collection; they never
// trigger seeding.
func (s *CacheStore) LoadAll(kind string) []Entity {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAllLocked(kind)
}

func (s *CacheStore) loadAllLocked(kind string) []Entity {
	entities, err := s.backend.Load(kind)
	if err != nil {
		// A read failure is not absence: whatever is persisted may still be
		// there, and seeding now would overwrite it. Serve empty and let a
		// later successful read see the real collection.
		s.log.Warn().Err(err).Str("kind", kind).Msg("cache load failed, serving empty")
		return nil
	}
	if entities == nil && !s.seeded[kind] {
		entities = s.seedLocked(kind)
	}
	s.seeded[kind] = true
	sortEntities(entities)
	return entities
}

func (s *CacheStore) seedLocked(kind string) []Entity {
	k, ok := s.kinds.Lookup(kind)
	if !ok || k.Seeds == nil {
		return nil
	}
	seeds := k.Seeds()
	if len(seeds) == 0 {
		return nil
	}
	sortEntities(seeds)
	if err := s.backend.Save(kind, seeds); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Msg("seed persist failed")
	}
	return seeds
}

// SaveAll normalizes, deduplicates by id, sorts, and persists the whole
// collection, then notifies listeners. A persistence failure is logged and
// the in-memory result is still returned so the caller is never blocked.
func (s *CacheStore) SaveAll(kind string, entities []Entity) []Entity {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := s.saveAllLocked(kind, entities)
	s.mu.Unlock()
	s.notifier.Publish(kind)
	return out
}

// saveAllLocked persists without notifying. Listeners may reenter the store,
// so callers publish only after releasing the mutex.
func (s *CacheStore) saveAllLocked(kind string, entities []Entity) []Entity {
	k, _ := s.kinds.Lookup(kind)
	seen := make(map[string]int, len(entities))
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		normalized := Normalize(k, e)
		if at, dup := seen[normalized.ID]; dup {
			out[at] = normalized
			continue
		}
		seen[normalized.ID] = len(out)
		out = append(out, normalized)
	}
	sortEntities(out)
	if err := s.backend.Save(kind, out); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Msg("cache persist failed, keeping in-memory result")
	}
	s.seeded[kind] = true
	return out
}

// Upsert replaces the entity with the same id, or appends it, and persists.
func (s *CacheStore) Upsert(kind string, e Entity) []Entity {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	entities := s.loadAllLocked(kind)
	replaced := false
	for i := range entities {
		if entities[i].ID == e.ID {
			entities[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		entities = append(entities, e)
	}
	out := s.saveAllLocked(kind, entities)
	s.mu.Unlock()
	s.notifier.Publish(kind)
	return out
}

// Delete removes the entity by id and persists. It reports whether the id
// was present.
func (s *CacheStore) Delete(kind, id string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	entities := s.loadAllLocked(kind)
	kept := entities[:0]
	removed := false
	for _, e := range entities {
		if e.ID == id {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		s.mu.Unlock()
		return false
	}
	s.saveAllLocked(kind, kept)
	s.mu.Unlock()
	s.notifier.Publish(kind)
	return true
}

func (s *CacheStore) Close() error {
	if s == nil {
		return nil
	}
	if closer, ok := s.backend.(cacheBackendCloser); ok {
		return closer.Close()
	}
	return nil
}
