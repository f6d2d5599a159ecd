package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a Queue kept in process memory. It does not survive restarts.
type Memory struct {
	mu      sync.Mutex
	actions map[string]Action
	seq     map[string]int64
	next    int64
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		actions: make(map[string]Action),
		seq:     make(map[string]int64),
	}
}

func (m *Memory) Enqueue(ctx context.Context, a Action) (Action, error) {
	a, err := prepare(a, time.Now())
	if err != nil {
		return Action{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; ok {
		return Action{}, fmt.Errorf("action %s already queued", a.ID)
	}
	m.next++
	m.actions[a.ID] = a
	m.seq[a.ID] = m.next
	return a, nil
}

func (m *Memory) Drain(ctx context.Context, kind Kind) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Action
	for _, a := range m.actions {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out, nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[id]; !ok {
		return ErrNotFound
	}
	delete(m.actions, id)
	delete(m.seq, id)
	return nil
}

func (m *Memory) Close() error { return nil }
