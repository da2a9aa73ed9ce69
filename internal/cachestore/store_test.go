package cachestore

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestKeyForNormalizesMethodAndURL(t *testing.T) {
	key, err := KeyFor("get", "HTTPS://Example.COM/static/app.css#section")
	if err != nil {
		t.Fatalf("key for failed: %v", err)
	}
	if key.Method != http.MethodGet {
		t.Fatalf("expected GET method, got %q", key.Method)
	}
	if key.URL != "https://example.com/static/app.css" {
		t.Fatalf("unexpected normalized url %q", key.URL)
	}
	defaulted, err := KeyFor("", "https://example.com/a?x=1")
	if err != nil {
		t.Fatalf("key for with empty method failed: %v", err)
	}
	if defaulted.Method != http.MethodGet || defaulted.URL != "https://example.com/a?x=1" {
		t.Fatalf("unexpected defaulted key %+v", defaulted)
	}
}

func TestKeyForRejectsRelativeURL(t *testing.T) {
	if _, err := KeyFor(http.MethodGet, "/static/app.css"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for relative url, got %v", err)
	}
}

func TestStoreRejectsNonGETEntries(t *testing.T) {
	store := NewStore(NewMemoryBackend(), "memory", zaptest.NewLogger(t))
	err := store.Put(context.Background(), "edge-dynamic-v1", Entry{Method: http.MethodPost, URL: "https://example.com/api/items"})
	if !errors.Is(err, ErrNotCacheable) {
		t.Fatalf("expected ErrNotCacheable, got %v", err)
	}
}

func TestStoreRejectsInvalidNamespace(t *testing.T) {
	store := NewStore(nil, "", nil)
	for _, ns := range []string{"", " ", ".hidden", "a/b"} {
		if err := store.Open(context.Background(), ns); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for namespace %q, got %v", ns, err)
		}
	}
}

func TestStoreMatchFirstSearchesInOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryBackend(), "memory", zaptest.NewLogger(t))
	key, _ := KeyFor(http.MethodGet, "https://example.com/api/items")
	if err := store.Put(ctx, "edge-static-v1", Entry{Method: key.Method, URL: key.URL, Body: []byte("static")}); err != nil {
		t.Fatalf("put static failed: %v", err)
	}
	entry, ns, ok, err := store.MatchFirst(ctx, key, "edge-dynamic-v1", "edge-static-v1")
	if err != nil || !ok {
		t.Fatalf("expected match in static namespace, ok=%v err=%v", ok, err)
	}
	if ns != "edge-static-v1" || string(entry.Body) != "static" {
		t.Fatalf("unexpected match ns=%s body=%q", ns, entry.Body)
	}
	if err := store.Put(ctx, "edge-dynamic-v1", Entry{Method: key.Method, URL: key.URL, Body: []byte("dynamic")}); err != nil {
		t.Fatalf("put dynamic failed: %v", err)
	}
	entry, ns, ok, _ = store.MatchFirst(ctx, key, "edge-dynamic-v1", "edge-static-v1")
	if !ok || ns != "edge-dynamic-v1" || string(entry.Body) != "dynamic" {
		t.Fatalf("expected dynamic namespace to win, got ns=%s body=%q ok=%v", ns, entry.Body, ok)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryBackend(), "memory", nil)
	key, _ := KeyFor(http.MethodGet, "https://example.com/a")
	body := []byte("original")
	if err := store.Put(ctx, "ns", Entry{Method: key.Method, URL: key.URL, Body: body}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	body[0] = 'X'
	entry, ok, err := store.Match(ctx, "ns", key)
	if err != nil || !ok {
		t.Fatalf("match failed: ok=%v err=%v", ok, err)
	}
	if string(entry.Body) != "original" {
		t.Fatalf("stored body was aliased: %q", entry.Body)
	}
}

func TestMemoryBackendContract(t *testing.T) {
	runBackendContract(t, NewMemoryBackend())
}

func TestFileBackendContract(t *testing.T) {
	backend, err := NewFileBackend(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	runBackendContract(t, backend)
}

func TestSQLiteBackendContract(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	runBackendContract(t, backend)
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "cache")
	backend, err := NewFileBackend(root)
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	store := NewStore(backend, "file", nil)
	key, _ := KeyFor(http.MethodGet, "https://example.com/static/app.js")
	if err := store.PutAll(ctx, "edge-static-v1", []Entry{{Method: key.Method, URL: key.URL, Body: []byte("js")}}); err != nil {
		t.Fatalf("put all failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileBackend(root)
	if err != nil {
		t.Fatalf("reopen file backend failed: %v", err)
	}
	defer reopened.Close()
	entry, ok, err := reopened.Match(ctx, "edge-static-v1", key)
	if err != nil || !ok {
		t.Fatalf("expected persisted entry, ok=%v err=%v", ok, err)
	}
	if string(entry.Body) != "js" {
		t.Fatalf("unexpected persisted body %q", entry.Body)
	}
}

func TestFileBackendRefusesSecondOpener(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	backend, err := NewFileBackend(root)
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	defer backend.Close()
	if _, err := NewFileBackend(root); err == nil {
		t.Fatalf("expected second opener of the same cache dir to fail")
	}
}

func TestBuildBackendFromDSN(t *testing.T) {
	backend, scheme, err := BuildBackendFromDSN("memory://")
	if err != nil || backend == nil || scheme != "memory" {
		t.Fatalf("memory dsn: backend=%v scheme=%s err=%v", backend, scheme, err)
	}
	dir := filepath.Join(t.TempDir(), "cache")
	backend, scheme, err = BuildBackendFromDSN("file://" + dir)
	if err != nil || scheme != "file" {
		t.Fatalf("file dsn: scheme=%s err=%v", scheme, err)
	}
	_ = backend.Close()
	backend, scheme, err = BuildBackendFromDSN("sqlite://" + filepath.Join(t.TempDir(), "cache.db"))
	if err != nil || scheme != "sqlite" {
		t.Fatalf("sqlite dsn: scheme=%s err=%v", scheme, err)
	}
	_ = backend.Close()
	if _, _, err := BuildBackendFromDSN("redis://localhost:6379/0"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for redis, got %v", err)
	}
	if _, _, err := BuildBackendFromDSN("gopher://x"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterBackendFactory(t *testing.T) {
	RegisterBackendFactory("cachetestcustom", func(dsn string) (Backend, error) {
		return NewMemoryBackend(), nil
	})
	backend, scheme, err := BuildBackendFromDSN("cachetestcustom://example")
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if backend == nil || scheme != "cachetestcustom" {
		t.Fatalf("unexpected registered backend=%v scheme=%s", backend, scheme)
	}
}

func runBackendContract(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	store := NewStore(backend, "contract", zaptest.NewLogger(t))
	defer store.Close()

	if err := store.Open(ctx, "edge-static-v1"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := store.Open(ctx, "edge-static-v1"); err != nil {
		t.Fatalf("second open must be idempotent: %v", err)
	}
	keyA, _ := KeyFor(http.MethodGet, "https://example.com/a")
	keyB, _ := KeyFor(http.MethodGet, "https://example.com/b")
	header := http.Header{"Content-Type": []string{"text/css"}}
	if err := store.PutAll(ctx, "edge-static-v1", []Entry{
		{Method: keyA.Method, URL: keyA.URL, Header: header, Body: []byte("a")},
		{Method: keyB.Method, URL: keyB.URL, Body: []byte("b"), Status: http.StatusOK},
	}); err != nil {
		t.Fatalf("put all failed: %v", err)
	}
	entry, ok, err := store.Match(ctx, "edge-static-v1", keyA)
	if err != nil || !ok {
		t.Fatalf("expected entry a, ok=%v err=%v", ok, err)
	}
	if string(entry.Body) != "a" || entry.Status != http.StatusOK || entry.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("unexpected entry a: %+v", entry)
	}
	if entry.StoredAt.IsZero() {
		t.Fatalf("expected stored-at to be set")
	}

	if err := store.Put(ctx, "edge-static-v1", Entry{Method: keyA.Method, URL: keyA.URL, Body: []byte("a2"), Status: http.StatusCreated}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	entry, _, _ = store.Match(ctx, "edge-static-v1", keyA)
	if string(entry.Body) != "a2" || entry.Status != http.StatusCreated || entry.Header.Get("Content-Type") != "" {
		t.Fatalf("expected whole-entry overwrite, got %+v", entry)
	}
	if _, ok, _ := store.Match(ctx, "edge-static-v1", keyB); !ok {
		t.Fatalf("expected entry b to survive overwrite of a")
	}

	if _, ok, err := store.Match(ctx, "edge-static-v2", keyA); err != nil || ok {
		t.Fatalf("expected miss in unknown namespace, ok=%v err=%v", ok, err)
	}

	if err := store.Put(ctx, "edge-dynamic-v1", Entry{Method: keyA.Method, URL: keyA.URL, Body: []byte("d")}); err != nil {
		t.Fatalf("put dynamic failed: %v", err)
	}
	names, err := store.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces failed: %v", err)
	}
	if len(names) != 2 || names[0] != "edge-dynamic-v1" || names[1] != "edge-static-v1" {
		t.Fatalf("unexpected namespaces %v", names)
	}

	deleted, err := store.Delete(ctx, "edge-dynamic-v1")
	if err != nil || !deleted {
		t.Fatalf("expected delete to succeed, deleted=%v err=%v", deleted, err)
	}
	deleted, err = store.Delete(ctx, "edge-dynamic-v1")
	if err != nil || deleted {
		t.Fatalf("expected second delete to report false, deleted=%v err=%v", deleted, err)
	}
	if _, ok, _ := store.Match(ctx, "edge-dynamic-v1", keyA); ok {
		t.Fatalf("expected deleted namespace to miss")
	}

	runConcurrentPutSameKey(t, store)
}

// runConcurrentPutSameKey races writers on one key; the survivor must be one
// writer's whole entry, never a mix of two.
func runConcurrentPutSameKey(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	key, _ := KeyFor(http.MethodGet, "https://example.com/api/race")
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := strconv.Itoa(i)
			entry := Entry{
				Method: key.Method,
				URL:    key.URL,
				Status: http.StatusOK,
				Header: http.Header{"X-Writer": []string{id}},
				Body:   []byte("body-" + id),
			}
			if err := store.Put(ctx, "edge-dynamic-race", entry); err != nil {
				t.Errorf("concurrent put %s failed: %v", id, err)
			}
		}()
	}
	wg.Wait()
	entry, ok, err := store.Match(ctx, "edge-dynamic-race", key)
	if err != nil || !ok {
		t.Fatalf("expected raced entry, ok=%v err=%v", ok, err)
	}
	writer := entry.Header.Get("X-Writer")
	if writer == "" || string(entry.Body) != "body-"+writer {
		t.Fatalf("expected a whole entry from one writer, got header %q body %q", writer, entry.Body)
	}
}
