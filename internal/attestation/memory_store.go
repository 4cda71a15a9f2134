package attestation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory (for demo/testing).
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string][]*Attestation // agentID -> attestations in creation order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]*Attestation)}
}

// caller must hold m.mu
func (m *MemoryStore) findLocked(agentID, hash string) *Attestation {
	for _, a := range m.rows[agentID] {
		if a.Hash == hash {
			return a
		}
	}
	return nil
}

func (m *MemoryStore) Create(_ context.Context, a *Attestation) (*Attestation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.findLocked(a.AgentID, a.Hash); existing != nil {
		cp := *existing
		return &cp, false, nil
	}
	stored := *a
	m.rows[a.AgentID] = append(m.rows[a.AgentID], &stored)
	cp := stored
	return &cp, true, nil
}

func (m *MemoryStore) Get(_ context.Context, agentID, hash string) (*Attestation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a := m.findLocked(agentID, hash)
	if a == nil {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Latest(_ context.Context, agentID string) (*Attestation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Attestation
	for _, a := range m.rows[agentID] {
		if latest == nil || !a.CreatedAt.Before(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, agentID, hash, txid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findLocked(agentID, hash)
	if a == nil {
		return ErrNotFound
	}
	a.TxID = txid
	a.PublishedAt = &at
	return nil
}
