package writequeue

import (
	"context"
	"sync"
)

type MemoryBackend struct {
	mu       sync.Mutex
	capacity int
	items    []PendingOperation
}

func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryBackend{capacity: capacity, items: []PendingOperation{}}
}

func (b *MemoryBackend) Append(_ context.Context, op PendingOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if indexOf(b.items, op.ID) >= 0 {
		return ErrDuplicateOperation
	}
	if len(b.items) >= b.capacity {
		return ErrQueueFull
	}
	b.items = append(b.items, cloneOperation(op))
	return nil
}

func (b *MemoryBackend) List(_ context.Context, tag string) ([]PendingOperation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return filterByTag(b.items, tag), nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (PendingOperation, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := indexOf(b.items, id)
	if idx < 0 {
		return PendingOperation{}, false, nil
	}
	return cloneOperation(b.items[idx]), true, nil
}

func (b *MemoryBackend) Update(_ context.Context, op PendingOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := indexOf(b.items, op.ID)
	if idx < 0 {
		return ErrNotFound
	}
	b.items[idx] = cloneOperation(op)
	return nil
}

func (b *MemoryBackend) Remove(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := indexOf(b.items, id)
	if idx < 0 {
		return false, nil
	}
	b.items = append(b.items[:idx], b.items[idx+1:]...)
	return true, nil
}

func (b *MemoryBackend) Depth(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items), nil
}

func (b *MemoryBackend) Capacity() int {
	return b.capacity
}

func (b *MemoryBackend) Close() error {
	return nil
}

func indexOf(items []PendingOperation, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func filterByTag(items []PendingOperation, tag string) []PendingOperation {
	out := make([]PendingOperation, 0, len(items))
	for _, op := range items {
		if tag != "" && op.Tag != tag {
			continue
		}
		out = append(out, cloneOperation(op))
	}
	return out
}

func cloneOperation(op PendingOperation) PendingOperation {
	op.Payload = append([]byte(nil), op.Payload...)
	if op.NextAttemptAt != nil {
		next := *op.NextAttemptAt
		op.NextAttemptAt = &next
	}
	return op
}
