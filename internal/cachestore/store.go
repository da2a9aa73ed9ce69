package cachestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotCacheable   = errors.New("only GET requests are cacheable")
	ErrStorage        = errors.New("storage failure")
	ErrNotImplemented = errors.New("not implemented")
)

type Key struct {
	Method string
	URL    string
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// KeyFor normalizes a request into its cache key. Headers and body never
// participate in the key.
func KeyFor(method, rawURL string) (Key, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !parsed.IsAbs() {
		return Key{}, fmt.Errorf("%w: cache key url must be absolute: %s", ErrInvalidInput, rawURL)
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	return Key{Method: method, URL: parsed.String()}, nil
}

type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"storedAt"`
}

func (e Entry) Key() Key {
	return Key{Method: e.Method, URL: e.URL}
}

// Backend is a namespaced entry store. Implementations must be safe for
// concurrent use; Put replaces the whole entry and PutAll publishes either
// every entry or none of them.
type Backend interface {
	Open(ctx context.Context, namespace string) error
	Namespaces(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, namespace string) (bool, error)
	Match(ctx context.Context, namespace string, key Key) (Entry, bool, error)
	Put(ctx context.Context, namespace string, entry Entry) error
	PutAll(ctx context.Context, namespace string, entries []Entry) error
	Close() error
}

// Store is the process-wide cache handle shared by the lifecycle manager and
// the strategies. Every backend error leaving it is wrapped in ErrStorage.
type Store struct {
	backend Backend
	name    string
	log     *zap.Logger
	now     func() time.Time
}

func NewStore(backend Backend, name string, logger *zap.Logger) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
		name = "memory"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		name:    name,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Open(ctx context.Context, namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	return storageErr("open", s.backend.Open(ctx, namespace))
}

func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	names, err := s.backend.Namespaces(ctx)
	if err != nil {
		return nil, storageErr("list namespaces", err)
	}
	return names, nil
}

func (s *Store) Delete(ctx context.Context, namespace string) (bool, error) {
	deleted, err := s.backend.Delete(ctx, namespace)
	if err != nil {
		return false, storageErr("delete namespace", err)
	}
	if deleted {
		s.log.Info("cache namespace deleted", zap.String("namespace", namespace))
	}
	return deleted, nil
}

func (s *Store) Match(ctx context.Context, namespace string, key Key) (Entry, bool, error) {
	entry, ok, err := s.backend.Match(ctx, namespace, key)
	if err != nil {
		return Entry{}, false, storageErr("match", err)
	}
	return entry, ok, nil
}

// MatchFirst searches the namespaces in order and returns the first hit.
func (s *Store) MatchFirst(ctx context.Context, key Key, namespaces ...string) (Entry, string, bool, error) {
	var errs []error
	for _, ns := range namespaces {
		if ns == "" {
			continue
		}
		entry, ok, err := s.Match(ctx, ns, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return entry, ns, true, nil
		}
	}
	return Entry{}, "", false, errors.Join(errs...)
}

func (s *Store) Put(ctx context.Context, namespace string, entry Entry) error {
	entry, err := s.prepare(entry)
	if err != nil {
		return err
	}
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	return storageErr("put", s.backend.Put(ctx, namespace, entry))
}

func (s *Store) PutAll(ctx context.Context, namespace string, entries []Entry) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	prepared := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		p, err := s.prepare(entry)
		if err != nil {
			return err
		}
		prepared = append(prepared, p)
	}
	return storageErr("put all", s.backend.PutAll(ctx, namespace, prepared))
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) prepare(entry Entry) (Entry, error) {
	key, err := KeyFor(entry.Method, entry.URL)
	if err != nil {
		return Entry{}, err
	}
	if key.Method != http.MethodGet {
		return Entry{}, ErrNotCacheable
	}
	entry.Method = key.Method
	entry.URL = key.URL
	if entry.Status == 0 {
		entry.Status = http.StatusOK
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.now()
	}
	entry.Header = entry.Header.Clone()
	entry.Body = append([]byte(nil), entry.Body...)
	return entry, nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func validateNamespace(namespace string) error {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" || strings.HasPrefix(namespace, ".") || strings.ContainsAny(namespace, `/\`) {
		return fmt.Errorf("%w: namespace %q", ErrInvalidInput, namespace)
	}
	return nil
}

func cloneEntry(entry Entry) Entry {
	entry.Header = entry.Header.Clone()
	entry.Body = append([]byte(nil), entry.Body...)
	return entry
}
