package cachestore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory makes an additional DSN scheme available to
// BuildBackendFromDSN. Registered factories win over the built-in schemes.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN returns the backend for dsn and the scheme it was
// built from. An empty dsn yields the memory backend.
func BuildBackendFromDSN(dsn string) (Backend, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), "memory", nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		backend, err := factory(dsn)
		return backend, scheme, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), "memory", nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, "", err
		}
		backend, err := NewFileBackend(path)
		return backend, "file", err
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, "", err
		}
		backend, err := NewSQLiteBackend(path)
		return backend, "sqlite", err
	case "redis", "rediss", "s3":
		return nil, "", fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, "", fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

// dsnPath extracts the filesystem path from a file-like DSN. Both
// file:///abs/path and file://relative/path are accepted, as is a bare path.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
