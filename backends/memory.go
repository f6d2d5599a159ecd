package backends

import (
	"context"
	"sort"
	"sync"
)

// Memory is a Storage kept entirely in process memory. Nothing survives a
// restart, so it is used in tests and for throwaway local runs.
type Memory struct {
	mu     sync.RWMutex
	stores map[string]map[string]*Entry
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{stores: make(map[string]map[string]*Entry)}
}

func (m *Memory) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = make(map[string]*Entry)
	}
	return &memoryStore{parent: m, name: name}, nil
}

func (m *Memory) Names(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m *Memory) Close() error { return nil }

type memoryStore struct {
	parent *Memory
	name   string
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Match(ctx context.Context, key string) (*Entry, bool, error) {
	s.parent.mu.RLock()
	defer s.parent.mu.RUnlock()
	e, ok := s.parent.stores[s.name][key]
	if !ok {
		return nil, true, nil
	}
	return e.Clone(), false, nil
}

func (s *memoryStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	entries, ok := s.parent.stores[s.name]
	if !ok {
		// Deleted by an activation while this write was in flight.
		return nil
	}
	entries[key] = entry.Clone()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	entries := s.parent.stores[s.name]
	_, ok := entries[key]
	delete(entries, key)
	return ok, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	s.parent.mu.RLock()
	defer s.parent.mu.RUnlock()
	keys := make([]string, 0, len(s.parent.stores[s.name]))
	for k := range s.parent.stores[s.name] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Len(ctx context.Context) (int, error) {
	s.parent.mu.RLock()
	defer s.parent.mu.RUnlock()
	return len(s.parent.stores[s.name]), nil
}
