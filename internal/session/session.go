// Package session keeps per-session prompt history and the cached analysis
// of an existing project.
package session

import (
	"context"
	"sync"
)

// Store holds session history. Histories are append-only and ordered
// oldest first.
type Store interface {
	Append(ctx context.Context, sessionID, prompt string) error
	History(ctx context.Context, sessionID string) ([]string, error)
	SetAnalysis(ctx context.Context, sessionID, analysis string) error
	Analysis(ctx context.Context, sessionID string) (string, error)
	Remove(ctx context.Context, sessionID string) error
}

type entry struct {
	prompts  []string
	analysis string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*entry)}
}

func (m *MemoryStore) get(sessionID string) *entry {
	e, ok := m.sessions[sessionID]
	if !ok {
		e = &entry{}
		m.sessions[sessionID] = e
	}
	return e
}

func (m *MemoryStore) Append(_ context.Context, sessionID, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(sessionID)
	e.prompts = append(e.prompts, prompt)
	return nil
}

// History returns a copy of the prompts of sessionID.
func (m *MemoryStore) History(_ context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), e.prompts...), nil
}

func (m *MemoryStore) SetAnalysis(_ context.Context, sessionID, analysis string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(sessionID).analysis = analysis
	return nil
}

func (m *MemoryStore) Analysis(_ context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.sessions[sessionID]; ok {
		return e.analysis, nil
	}
	return "", nil
}

func (m *MemoryStore) Remove(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

// Len reports how many sessions are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
