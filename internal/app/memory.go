package app

import (
	"context"
	"sync"
)

// MemoryManager is an in-process Manager backed by a fixed or
// runtime-registered app set — the default driver, matching
// original_source's MemoryAppManager fallback in every AppManagerDriver
// branch of factory.rs.
type MemoryManager struct {
	mu      sync.RWMutex
	byID    map[string]*App
	byKey   map[string]*App
}

// NewMemoryManager builds a MemoryManager seeded with apps.
func NewMemoryManager(apps ...*App) *MemoryManager {
	m := &MemoryManager{
		byID:  make(map[string]*App),
		byKey: make(map[string]*App),
	}
	for _, a := range apps {
		m.Put(a)
	}
	return m
}

// Put registers or replaces an app.
func (m *MemoryManager) Put(a *App) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[a.ID] = a
	m.byKey[a.Key] = a
}

// Remove deregisters an app by id.
func (m *MemoryManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byID[id]; ok {
		delete(m.byID, id)
		delete(m.byKey, a.Key)
	}
}

func (m *MemoryManager) FindByID(ctx context.Context, id string) (*App, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	return a, ok, nil
}

func (m *MemoryManager) FindByKey(ctx context.Context, key string) (*App, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byKey[key]
	return a, ok, nil
}

func (m *MemoryManager) GetApps(ctx context.Context) ([]*App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*App, 0, len(m.byID))
	for _, a := range m.byID {
		out = append(out, a)
	}
	return out, nil
}

// CheckHealth always succeeds: the in-memory driver has no external
// dependency to fail against.
func (m *MemoryManager) CheckHealth(ctx context.Context) error { return nil }
