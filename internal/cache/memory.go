package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps every generation in process memory.
type MemoryStorage struct {
	mu          sync.RWMutex
	generations map[string]*memoryGeneration
}

type memoryGeneration struct {
	storage *MemoryStorage
	name    string
	data    map[string][]byte
}

// NewMemory creates an empty in-memory storage
func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		generations: make(map[string]*memoryGeneration),
	}
}

func (m *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStorage) Open(ctx context.Context, name string) (GenericCache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gen, ok := m.generations[name]
	if !ok {
		gen = &memoryGeneration{storage: m, name: name, data: make(map[string][]byte)}
		m.generations[name] = gen
	}
	return gen, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.generations[name]
	delete(m.generations, name)
	return ok, nil
}

func (m *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.generations[name]
	return ok, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

// alive must be called with the storage lock held
func (g *memoryGeneration) alive() bool {
	return g.storage.generations[g.name] == g
}

func (g *memoryGeneration) Get(ctx context.Context, key string) ([]byte, error) {
	g.storage.mu.RLock()
	defer g.storage.mu.RUnlock()

	if !g.alive() {
		return nil, nil
	}
	value, ok := g.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (g *memoryGeneration) Set(ctx context.Context, key string, value []byte) error {
	g.storage.mu.Lock()
	defer g.storage.mu.Unlock()

	if !g.alive() {
		return ErrGenerationDeleted
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	g.data[key] = stored
	return nil
}
