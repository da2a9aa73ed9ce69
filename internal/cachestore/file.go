package cachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/offlineagent/internal/fsutil"
)

const fileLockName = ".lock"

// FileBackend keeps one directory per namespace and one JSON document per
// entry. The root directory is flocked for the lifetime of the backend.
type FileBackend struct {
	root string
	mu   sync.RWMutex
	lock *fsutil.Lock
}

func NewFileBackend(root string) (*FileBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	lock, err := fsutil.AcquireLock(filepath.Join(root, fileLockName))
	if err != nil {
		return nil, fmt.Errorf("lock cache dir %s: %w", root, err)
	}
	b := &FileBackend{root: root, lock: lock}
	b.sweepStaging()
	return b, nil
}

func (b *FileBackend) Open(_ context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return os.MkdirAll(b.namespaceDir(namespace), 0o755)
}

func (b *FileBackend) Namespaces(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dirEntries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dirEntries))
	for _, d := range dirEntries {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		names = append(names, d.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (b *FileBackend) Delete(_ context.Context, namespace string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dir := b.namespaceDir(namespace)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (b *FileBackend) Match(_ context.Context, namespace string, key Key) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(b.namespaceDir(namespace), entryFileName(key)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (b *FileBackend) Put(_ context.Context, namespace string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return fsutil.WriteFileAtomic(filepath.Join(b.namespaceDir(namespace), entryFileName(entry.Key())), data, 0o644)
}

// PutAll builds the complete namespace in a staging directory and swaps it
// in with renames.
func (b *FileBackend) PutAll(_ context.Context, namespace string, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.namespaceDir(namespace)
	stamp := fmt.Sprintf("%d", time.Now().UnixNano())
	staging := filepath.Join(b.root, ".staging-"+namespace+"-"+stamp)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	existing, err := os.ReadDir(target)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, d := range existing {
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(target, d.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(staging, d.Name()), data, 0o644); err != nil {
			return err
		}
	}
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(staging, entryFileName(entry.Key())), data, 0o644); err != nil {
			return err
		}
	}

	retired := ""
	if dirExists(target) {
		retired = filepath.Join(b.root, ".retired-"+namespace+"-"+stamp)
		if err := os.Rename(target, retired); err != nil {
			return err
		}
	}
	if err := os.Rename(staging, target); err != nil {
		if retired != "" {
			_ = os.Rename(retired, target)
		}
		return err
	}
	committed = true
	if retired != "" {
		_ = os.RemoveAll(retired)
	}
	return nil
}

func (b *FileBackend) Close() error {
	return b.lock.Release()
}

func (b *FileBackend) namespaceDir(namespace string) string {
	return filepath.Join(b.root, namespace)
}

// sweepStaging clears leftovers of an interrupted PutAll. A retired
// directory whose namespace is missing is the last published copy and is
// restored instead of removed.
func (b *FileBackend) sweepStaging() {
	dirEntries, err := os.ReadDir(b.root)
	if err != nil {
		return
	}
	for _, d := range dirEntries {
		if !d.IsDir() {
			continue
		}
		name := d.Name()
		path := filepath.Join(b.root, name)
		switch {
		case strings.HasPrefix(name, ".staging-"):
			_ = os.RemoveAll(path)
		case strings.HasPrefix(name, ".retired-"):
			trimmed := strings.TrimPrefix(name, ".retired-")
			if idx := strings.LastIndex(trimmed, "-"); idx > 0 {
				target := b.namespaceDir(trimmed[:idx])
				if !dirExists(target) {
					_ = os.Rename(path, target)
					continue
				}
			}
			_ = os.RemoveAll(path)
		}
	}
}

func entryFileName(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:]) + ".json"
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
