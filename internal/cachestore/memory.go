package cachestore

import (
	"context"
	"sort"
	"sync"
)

type MemoryBackend struct {
	mu         sync.RWMutex
	namespaces map[string]map[Key]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{namespaces: map[string]map[Key]Entry{}}
}

func (b *MemoryBackend) Open(_ context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.namespaces[namespace]; !ok {
		b.namespaces[namespace] = map[Key]Entry{}
	}
	return nil
}

func (b *MemoryBackend) Namespaces(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.namespaces))
	for name := range b.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBackend) Delete(_ context.Context, namespace string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.namespaces[namespace]; !ok {
		return false, nil
	}
	delete(b.namespaces, namespace)
	return true, nil
}

func (b *MemoryBackend) Match(_ context.Context, namespace string, key Key) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries, ok := b.namespaces[namespace]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (b *MemoryBackend) Put(_ context.Context, namespace string, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.namespaces[namespace]
	if !ok {
		entries = map[Key]Entry{}
		b.namespaces[namespace] = entries
	}
	entries[entry.Key()] = cloneEntry(entry)
	return nil
}

func (b *MemoryBackend) PutAll(_ context.Context, namespace string, batch []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.namespaces[namespace]
	if !ok {
		entries = map[Key]Entry{}
		b.namespaces[namespace] = entries
	}
	for _, entry := range batch {
		entries[entry.Key()] = cloneEntry(entry)
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
