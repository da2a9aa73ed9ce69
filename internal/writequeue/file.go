package writequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/agentworkforce/offlineagent/internal/fsutil"
)

// FileBackend keeps the whole queue as one JSON snapshot that is rewritten
// atomically on every mutation. The snapshot path is flocked while open.
type FileBackend struct {
	path     string
	capacity int
	lock     *fsutil.Lock
	mu       sync.Mutex
	items    []PendingOperation
}

type fileQueueState struct {
	Version int                `json:"version"`
	Items   []PendingOperation `json:"items"`
}

func NewFileBackend(path string, capacity int) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	lock, err := fsutil.AcquireLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("lock queue file %s: %w", path, err)
	}
	b := &FileBackend{
		path:     path,
		capacity: capacity,
		lock:     lock,
		items:    []PendingOperation{},
	}
	if err := b.load(); err != nil {
		_ = lock.Release()
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) Append(_ context.Context, op PendingOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if indexOf(b.items, op.ID) >= 0 {
		return ErrDuplicateOperation
	}
	if len(b.items) >= b.capacity {
		return ErrQueueFull
	}
	b.items = append(b.items, cloneOperation(op))
	if err := b.saveLocked(); err != nil {
		b.items = b.items[:len(b.items)-1]
		return err
	}
	return nil
}

func (b *FileBackend) List(_ context.Context, tag string) ([]PendingOperation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return filterByTag(b.items, tag), nil
}

func (b *FileBackend) Get(_ context.Context, id string) (PendingOperation, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := indexOf(b.items, id)
	if idx < 0 {
		return PendingOperation{}, false, nil
	}
	return cloneOperation(b.items[idx]), true, nil
}

func (b *FileBackend) Update(_ context.Context, op PendingOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := indexOf(b.items, op.ID)
	if idx < 0 {
		return ErrNotFound
	}
	previous := b.items[idx]
	b.items[idx] = cloneOperation(op)
	if err := b.saveLocked(); err != nil {
		b.items[idx] = previous
		return err
	}
	return nil
}

func (b *FileBackend) Remove(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := indexOf(b.items, id)
	if idx < 0 {
		return false, nil
	}
	previous := append([]PendingOperation(nil), b.items...)
	b.items = append(b.items[:idx], b.items[idx+1:]...)
	if err := b.saveLocked(); err != nil {
		b.items = previous
		return false, err
	}
	return true, nil
}

func (b *FileBackend) Depth(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items), nil
}

func (b *FileBackend) Capacity() int {
	return b.capacity
}

func (b *FileBackend) Close() error {
	return b.lock.Release()
}

func (b *FileBackend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode queue file %s: %w", b.path, err)
	}
	b.items = append([]PendingOperation(nil), snapshot.Items...)
	return nil
}

func (b *FileBackend) saveLocked() error {
	snapshot := fileQueueState{
		Version: 1,
		Items:   b.items,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(b.path, data, 0o600)
}
