package reputation

import (
	"context"
	"encoding/json"
	"time"
)

// maxRatingsConsidered bounds the review events read per computation.
const maxRatingsConsidered = 1000

// TaskSignals reports task outcomes for an agent.
type TaskSignals interface {
	// TaskCounts returns completed and total (completed+failed) tasks since.
	TaskCounts(ctx context.Context, agentID string, since time.Time) (completed, total int, err error)
	// LastTaskCompleted returns the newest completion, zero if none.
	LastTaskCompleted(ctx context.Context, agentID string) (time.Time, error)
}

// ReviewSignals reports peer ratings (1-5) for an agent.
type ReviewSignals interface {
	Ratings(ctx context.Context, agentID string) ([]float64, error)
}

// SessionSignals reports completed sessions for an agent.
type SessionSignals interface {
	SessionCount(ctx context.Context, agentID string, since time.Time) (int, error)
}

// AgentDirectory enumerates agents eligible for scoring.
type AgentDirectory interface {
	AgentIDs(ctx context.Context) ([]string, error)
}

// Signals bundles every source the scorer reads.
type Signals struct {
	Tasks    TaskSignals
	Reviews  ReviewSignals
	Sessions SessionSignals
	Agents   AgentDirectory
}

// EventSignals derives every signal from the reputation event log.
type EventSignals struct {
	events EventStore
}

// NewEventSignals returns signals backed by the event log.
func NewEventSignals(events EventStore) *EventSignals {
	return &EventSignals{events: events}
}

// Bundle returns a Signals with every source backed by s.
func (s *EventSignals) Bundle() Signals {
	return Signals{Tasks: s, Reviews: s, Sessions: s, Agents: s}
}

func (s *EventSignals) TaskCounts(ctx context.Context, agentID string, since time.Time) (int, int, error) {
	counts, err := s.events.CountByType(ctx, agentID, since)
	if err != nil {
		return 0, 0, err
	}
	completed := counts[EventTaskCompleted]
	return completed, completed + counts[EventTaskFailed], nil
}

func (s *EventSignals) LastTaskCompleted(ctx context.Context, agentID string) (time.Time, error) {
	return s.events.Latest(ctx, agentID, []EventType{EventTaskCompleted})
}

// Ratings reads metadata.rating from review_received events. Ratings
// outside 1-5 are ignored.
func (s *EventSignals) Ratings(ctx context.Context, agentID string) ([]float64, error) {
	evs, err := s.events.Query(ctx, EventQuery{
		AgentID: agentID,
		Types:   []EventType{EventReviewReceived},
		Limit:   maxRatingsConsidered,
	})
	if err != nil {
		return nil, err
	}
	ratings := make([]float64, 0, len(evs))
	for _, ev := range evs {
		if r, ok := ratingOf(ev.Metadata); ok {
			ratings = append(ratings, r)
		}
	}
	return ratings, nil
}

func (s *EventSignals) SessionCount(ctx context.Context, agentID string, since time.Time) (int, error) {
	counts, err := s.events.CountByType(ctx, agentID, since)
	if err != nil {
		return 0, err
	}
	return counts[EventSessionCompleted], nil
}

func (s *EventSignals) AgentIDs(ctx context.Context) ([]string, error) {
	return s.events.AgentIDs(ctx)
}

func ratingOf(meta json.RawMessage) (float64, bool) {
	if len(meta) == 0 {
		return 0, false
	}
	var m struct {
		Rating *float64 `json:"rating"`
	}
	if err := json.Unmarshal(meta, &m); err != nil || m.Rating == nil {
		return 0, false
	}
	if *m.Rating < 1 || *m.Rating > 5 {
		return 0, false
	}
	return *m.Rating, true
}
