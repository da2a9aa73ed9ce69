package writequeue

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type BackendFactory func(ctx context.Context, dsn string, capacity int) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

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

// BuildBackendFromDSN returns the queue backend for dsn and the scheme it
// was built from. An empty dsn yields the memory backend.
func BuildBackendFromDSN(ctx context.Context, dsn string, capacity int) (Backend, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(capacity), "memory", nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		backend, err := factory(ctx, dsn, capacity)
		return backend, scheme, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(capacity), "memory", nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, "", err
		}
		backend, err := NewFileBackend(path, capacity)
		return backend, "file", err
	case "postgres", "postgresql":
		backend, err := NewPostgresBackend(dsn, capacity)
		return backend, "postgres", err
	case "mongodb", "mongodb+srv":
		backend, err := NewMongoBackend(ctx, dsn, capacity)
		return backend, "mongodb", err
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, "", fmt.Errorf("%w: write queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, "", fmt.Errorf("unsupported write queue scheme: %s", scheme)
	}
}

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
