package syncstore

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// StoreOptions configures a Store. Zero values get sensible defaults: a
// memory backend, the built-in kinds, a fresh notifier, and no remote.
type StoreOptions struct {
	// Backend persists the local cache. When nil and CacheDir is set, a
	// JSONDirBackend over CacheDir is used; otherwise a MemoryBackend. A
	// directory-backed cache, however configured, has its directory watched
	// for writes from other processes.
	Backend CacheBackend
	// CacheDir is a convenience for the common file-backed setup.
	CacheDir string
	// Transport mirrors collections to the remote. Nil means local-only.
	Transport Transport
	Kinds     *KindRegistry
	Notifier  *Notifier
	Logger    *zerolog.Logger
	// OrgScope supplies the current session's organization scope for remote
	// writes. Absence never blocks a local save.
	OrgScope func() string
}

type LoadOptions struct {
	IncludeInactive bool
	// LocalOnly skips the remote even when it is available.
	LocalOnly bool
}

type UpsertOptions struct {
	LocalOnly bool
}

type DeleteOptions struct {
	LocalOnly bool
}

// Store is the reconciler: the only surface other components call. Every
// operation commits its local effect synchronously before any remote leg, and
// no remote failure ever propagates to the caller.
type Store struct {
	cache     *CacheStore
	kinds     *KindRegistry
	notifier  *Notifier
	transport Transport
	prober    *prober
	orgScope  func() string
	log       zerolog.Logger
}

func NewStore(opts StoreOptions) *Store {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	kinds := opts.Kinds
	if kinds == nil {
		kinds = BuiltinKinds()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewNotifier(NotifierOptions{Logger: &log})
	}
	backend := opts.Backend
	if backend == nil && strings.TrimSpace(opts.CacheDir) != "" {
		backend = NewJSONDirBackend(opts.CacheDir)
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	// Any directory-backed cache gets the cross-process leg, whether it came
	// from CacheDir or was passed in directly.
	if dirBackend, ok := backend.(*JSONDirBackend); ok && strings.TrimSpace(dirBackend.Dir) != "" {
		dir := strings.TrimSpace(dirBackend.Dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("cache directory unavailable")
		}
		if err := notifier.WatchDir(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("cache directory watch unavailable")
		}
	}
	return &Store{
		cache:     NewCacheStore(backend, kinds, notifier, log),
		kinds:     kinds,
		notifier:  notifier,
		transport: opts.Transport,
		prober:    newProber(opts.Transport, log),
		orgScope:  opts.OrgScope,
		log:       log,
	}
}

// Load returns the entities of a kind. When the remote is preferred and
// available it is fetched, mapped, and used to refresh the local cache first,
// but only when non-empty: an empty remote has nothing to say yet and must
// not wipe local data. Inactive entities are filtered out unless requested.
// The only possible error is an unknown kind.
func (s *Store) Load(ctx context.Context, kind string, opts LoadOptions) ([]Entity, error) {
	k, ok := s.kinds.Lookup(kind)
	if !ok {
		return nil, ErrUnknownKind
	}
	entities := s.cache.LoadAll(k.Name)
	if !opts.LocalOnly && s.transport != nil && s.prober.available(ctx, k) {
		if remote := s.loadRemote(ctx, k); len(remote) > 0 {
			entities = s.cache.SaveAll(k.Name, remote)
		}
	}
	if opts.IncludeInactive {
		return entities, nil
	}
	active := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.Active {
			active = append(active, e)
		}
	}
	return active, nil
}

func (s *Store) loadRemote(ctx context.Context, k Kind) []Entity {
	response, err := s.transport.List(ctx, k.Collection)
	if err != nil {
		s.log.Debug().Err(err).Str("kind", k.Name).Msg("remote list failed, serving cache")
		return nil
	}
	rows, err := ValidateRows(response)
	if err != nil {
		s.log.Debug().Err(err).Str("kind", k.Name).Msg("remote list malformed, serving cache")
		return nil
	}
	return MapRows(k, rows)
}

// Upsert normalizes raw, replaces it by id in the local collection, persists
// synchronously, and then best-effort mirrors it to the remote. The returned
// entity is the most authoritative one available: the remote's canonical row
// when the mirror succeeded, else the locally normalized entity.
func (s *Store) Upsert(ctx context.Context, kind string, raw any, opts UpsertOptions) (Entity, error) {
	k, ok := s.kinds.Lookup(kind)
	if !ok {
		return Entity{}, ErrUnknownKind
	}
	e := Normalize(k, raw)
	if e.OrgScope == "" && s.orgScope != nil {
		e.OrgScope = strings.TrimSpace(s.orgScope())
	}
	s.cache.Upsert(k.Name, e)

	if opts.LocalOnly {
		return e, nil
	}
	mirrored, ok := s.upsertRemote(ctx, k, []Entity{e})
	if !ok {
		return e, nil
	}
	canonical := e
	for _, remote := range mirrored {
		if remote.ID == e.ID {
			canonical = remote
			break
		}
	}
	s.cache.Upsert(k.Name, canonical)
	return canonical, nil
}

// DeleteByID removes the entity from the local collection and persists
// immediately; the remote delete is best effort and its outcome ignored. It
// reports whether the id was present locally.
func (s *Store) DeleteByID(ctx context.Context, kind, id string, opts DeleteOptions) bool {
	k, ok := s.kinds.Lookup(kind)
	if !ok {
		return false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	removed := s.cache.Delete(k.Name, id)
	if !opts.LocalOnly {
		s.deleteRemote(ctx, k, id)
	}
	return removed
}

// Subscribe registers a listener for kind-changed events and returns its
// unsubscribe function.
func (s *Store) Subscribe(fn func(kind string)) func() {
	return s.notifier.Subscribe(fn)
}

// Kinds lists the registered kind names.
func (s *Store) Kinds() []string {
	return s.kinds.Names()
}

// Notifier exposes the store's event bus so external feeds can publish into
// it.
func (s *Store) Notifier() *Notifier {
	return s.notifier
}

func (s *Store) Close() error {
	err := s.notifier.Close()
	if cacheErr := s.cache.Close(); err == nil {
		err = cacheErr
	}
	return err
}
