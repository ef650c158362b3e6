package cache

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBackend keeps every store in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

type memoryStore struct {
	name    string
	writeMu sync.Mutex
	entries atomic.Pointer[map[Identity]*Entry]
	deleted atomic.Bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		stores: make(map[string]*memoryStore),
	}
}

func (b *MemoryBackend) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, StorageUnavailable(err, "open", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.stores[name]; ok {
		return s, nil
	}

	s := &memoryStore{name: name}
	empty := make(map[Identity]*Entry)
	s.entries.Store(&empty)
	b.stores[name] = s
	return s, nil
}

func (b *MemoryBackend) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, StorageUnavailable(err, "list", "")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.stores))
	for name := range b.stores {
		names = append(names, name)
	}
	return names, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, StorageUnavailable(err, "delete", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.stores[name]
	if !ok {
		return false, nil
	}
	s.deleted.Store(true)
	delete(b.stores, name)
	return true, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) PutAll(ctx context.Context, records []Record) error {
	if err := validate(s.name, records); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return StorageUnavailable(err, "put", s.name)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.deleted.Load() {
		return StorageUnavailable(errStoreDeleted, "put", s.name)
	}

	current := *s.entries.Load()
	next := make(map[Identity]*Entry, len(current)+len(records))
	for id, e := range current {
		next[id] = e
	}
	for _, r := range records {
		next[r.Identity] = r.Entry.Clone()
	}

	// Readers see either the previous map or the complete batch.
	s.entries.Store(&next)
	return nil
}

func (s *memoryStore) Match(ctx context.Context, id Identity) (*Entry, bool, error) {
	if s.deleted.Load() {
		return nil, false, nil
	}

	e, ok := (*s.entries.Load())[id]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

func (s *memoryStore) Len(ctx context.Context) (int, error) {
	if s.deleted.Load() {
		return 0, nil
	}
	return len(*s.entries.Load()), nil
}
