package reputation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrScoreNotFound    = errors.New("reputation: score not found")
	ErrUnknownEventType = errors.New("reputation: unknown event type")
	ErrInvalidEvent     = errors.New("reputation: invalid event")
	ErrInvalidAgentID   = errors.New("reputation: invalid agent id")
)

// Event listing limits.
const (
	DefaultEventLimit = 50
	MaxEventLimit     = 500
)

// ScoreStore persists the latest score snapshot per agent.
type ScoreStore interface {
	// Get returns the cached score or ErrScoreNotFound.
	Get(ctx context.Context, agentID string) (*Score, error)
	// Put replaces the snapshot for score.AgentID. The attestation hash is
	// written only when the snapshot is first created; afterwards the stored
	// hash wins and is copied into score. Only SetAttestationHash changes it.
	Put(ctx context.Context, score *Score) error
	// List returns every snapshot, highest overall score first.
	List(ctx context.Context) ([]*Score, error)
	// SetAttestationHash updates only the attestation hash. Returns
	// ErrScoreNotFound if no snapshot exists.
	SetAttestationHash(ctx context.Context, agentID, hash string) error
}

// EventQuery filters reputation events. Zero fields do not filter.
type EventQuery struct {
	AgentID string
	Types   []EventType
	Since   time.Time
	Limit   int
}

// EventStore is the append-only reputation event log.
type EventStore interface {
	Append(ctx context.Context, ev *Event) error
	// Query returns matching events, newest first.
	Query(ctx context.Context, q EventQuery) ([]*Event, error)
	// CountByType counts an agent's events at or after since.
	CountByType(ctx context.Context, agentID string, since time.Time) (map[EventType]int, error)
	// Latest returns the newest event time among types, zero if none.
	Latest(ctx context.Context, agentID string, types []EventType) (time.Time, error)
	// AgentIDs lists every agent with at least one event.
	AgentIDs(ctx context.Context) ([]string, error)
}
