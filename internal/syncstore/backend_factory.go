package syncstore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// CacheBackendFactory builds a backend from a DSN. Third-party backends can
// register a scheme before the store is constructed.
type CacheBackendFactory func(dsn string) (CacheBackend, error)

var cacheBackendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CacheBackendFactory
}{
	factories: map[string]CacheBackendFactory{},
}

func RegisterCacheBackendFactory(scheme string, factory CacheBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	cacheBackendRegistry.mu.Lock()
	defer cacheBackendRegistry.mu.Unlock()
	cacheBackendRegistry.factories[scheme] = factory
}

func lookupCacheBackendFactory(scheme string) (CacheBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	cacheBackendRegistry.mu.RLock()
	defer cacheBackendRegistry.mu.RUnlock()
	factory, ok := cacheBackendRegistry.factories[scheme]
	return factory, ok
}

// BuildCacheBackendFromDSN resolves a backend from a DSN such as
// "file:///var/lib/syncstore", "memory:", a bare directory path, or a
// postgres connection string. An empty DSN yields nil so the caller can fall
// back to its own default.
func BuildCacheBackendFromDSN(dsn string) (CacheBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupCacheBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		dir, dirErr := dsnDir(parsed, dsn)
		if dirErr != nil {
			return nil, dirErr
		}
		return NewJSONDirBackend(dir), nil
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

func dsnDir(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	if parsed.Opaque != "" {
		return parsed.Opaque, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: file DSN has no path: %s", ErrInvalidInput, raw)
	}
	return path, nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
