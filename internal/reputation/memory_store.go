package reputation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryScoreStore implements ScoreStore in memory (for demo/testing).
type MemoryScoreStore struct {
	mu     sync.RWMutex
	scores map[string]*Score
}

func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{scores: make(map[string]*Score)}
}

func (m *MemoryScoreStore) Get(_ context.Context, agentID string) (*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.scores[agentID]
	if !ok {
		return nil, ErrScoreNotFound
	}
	cp := *sc
	return &cp, nil
}

func (m *MemoryScoreStore) Put(_ context.Context, score *Score) error {
	cp := *score
	m.mu.Lock()
	if prev, ok := m.scores[score.AgentID]; ok {
		cp.AttestationHash = prev.AttestationHash
	}
	m.scores[score.AgentID] = &cp
	m.mu.Unlock()
	score.AttestationHash = cp.AttestationHash
	return nil
}

func (m *MemoryScoreStore) List(_ context.Context) ([]*Score, error) {
	m.mu.RLock()
	out := make([]*Score, 0, len(m.scores))
	for _, sc := range m.scores {
		cp := *sc
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	SortScores(out)
	return out, nil
}

func (m *MemoryScoreStore) SetAttestationHash(_ context.Context, agentID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scores[agentID]
	if !ok {
		return ErrScoreNotFound
	}
	sc.AttestationHash = hash
	return nil
}

// MemoryEventStore implements EventStore in memory (for demo/testing).
// Events are kept per agent in append order.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]*Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]*Event)}
}

func (m *MemoryEventStore) Append(_ context.Context, ev *Event) error {
	cp := *ev
	m.mu.Lock()
	m.events[ev.AgentID] = append(m.events[ev.AgentID], &cp)
	m.mu.Unlock()
	return nil
}

func typeSet(types []EventType) map[EventType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func (m *MemoryEventStore) Query(_ context.Context, q EventQuery) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pool []*Event
	if q.AgentID != "" {
		pool = m.events[q.AgentID]
	} else {
		for _, evs := range m.events {
			pool = append(pool, evs...)
		}
		sort.SliceStable(pool, func(i, j int) bool { return pool[i].CreatedAt.Before(pool[j].CreatedAt) })
	}

	types := typeSet(q.Types)
	var out []*Event
	for i := len(pool) - 1; i >= 0; i-- {
		ev := pool[i]
		if types != nil && !types[ev.EventType] {
			continue
		}
		if !q.Since.IsZero() && ev.CreatedAt.Before(q.Since) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryEventStore) CountByType(_ context.Context, agentID string, since time.Time) (map[EventType]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[EventType]int)
	for _, ev := range m.events[agentID] {
		if !ev.CreatedAt.Before(since) {
			counts[ev.EventType]++
		}
	}
	return counts, nil
}

func (m *MemoryEventStore) Latest(_ context.Context, agentID string, types []EventType) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := typeSet(types)
	var latest time.Time
	for _, ev := range m.events[agentID] {
		if set != nil && !set[ev.EventType] {
			continue
		}
		if ev.CreatedAt.After(latest) {
			latest = ev.CreatedAt
		}
	}
	return latest, nil
}

func (m *MemoryEventStore) AgentIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.events))
	for id := range m.events {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}
