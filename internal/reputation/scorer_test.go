package reputation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/agentgov/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func newTestScorer(t *testing.T, opts ...Option) (*Scorer, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(t0)
	opts = append([]Option{WithClock(clk)}, opts...)
	return NewScorer(NewMemoryScoreStore(), NewMemoryEventStore(), opts...), clk
}

// recordAt records an event as if it happened at the given time, then
// returns the clock to t0.
func recordAt(t *testing.T, s *Scorer, clk *clock.FakeClock, at time.Time, agentID string, et EventType, meta string) {
	t.Helper()
	clk.Set(at)
	defer clk.Set(t0)
	in := EventInput{AgentID: agentID, EventType: et}
	if meta != "" {
		in.Metadata = json.RawMessage(meta)
	}
	_, err := s.RecordEvent(context.Background(), in)
	require.NoError(t, err)
}

func TestComputeScore_NewAgentIsNeutral(t *testing.T) {
	s, _ := newTestScorer(t)

	sc, err := s.ComputeScore(context.Background(), "agent-new")
	require.NoError(t, err)
	assert.Equal(t, Components{TaskCompletion: 50, PeerRating: 50, CreditPattern: 50, SecurityCompliance: 100}, sc.Components)
	assert.Equal(t, 55, sc.OverallScore)
	assert.Equal(t, TrustMedium, sc.TrustLevel)
	assert.True(t, sc.ComputedAt.Equal(t0))
}

func TestComputeScore_TasksAndSessions(t *testing.T) {
	s, clk := newTestScorer(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		recordAt(t, s, clk, t0.Add(-time.Duration(i+1)*day), "agent-1", EventTaskCompleted, "")
	}
	recordAt(t, s, clk, t0.Add(-2*day), "agent-1", EventTaskFailed, "")
	for i := 0; i < 3; i++ {
		recordAt(t, s, clk, t0.Add(-time.Duration(i+1)*time.Hour), "agent-1", EventSessionCompleted, "")
	}
	// outside the 90-day task window
	recordAt(t, s, clk, t0.Add(-100*day), "agent-1", EventTaskFailed, "")

	sc, err := s.ComputeScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 80, sc.Components.TaskCompletion)
	assert.Equal(t, 30, sc.Components.ActivityLevel)
	assert.Equal(t, 67, sc.OverallScore)
	assert.Equal(t, TrustMedium, sc.TrustLevel)
}

func TestComputeScore_PeerRatingFromMetadata(t *testing.T) {
	s, clk := newTestScorer(t)

	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventReviewReceived, `{"rating":5}`)
	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventReviewReceived, `{"rating":4}`)
	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventReviewReceived, `{"rating":9}`)
	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventReviewReceived, `{"comment":"no rating"}`)

	sc, err := s.ComputeScore(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 88, sc.Components.PeerRating)
}

func TestComputeScore_SecurityViolations(t *testing.T) {
	s, clk := newTestScorer(t)

	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventSecurityViolation, "")
	recordAt(t, s, clk, t0.Add(-10*day), "agent-1", EventSecurityViolation, "")

	sc, err := s.ComputeScore(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 60, sc.Components.SecurityCompliance)
	assert.Equal(t, 47, sc.OverallScore)
	assert.Equal(t, TrustLow, sc.TrustLevel)
}

func TestComputeScore_DecaysLongInactiveAgent(t *testing.T) {
	s, clk := newTestScorer(t)

	recordAt(t, s, clk, t0.Add(-300*day), "agent-old", EventSessionCompleted, "")

	sc, err := s.ComputeScore(context.Background(), "agent-old")
	require.NoError(t, err)
	assert.LessOrEqual(t, sc.OverallScore, 10)
	assert.Equal(t, 8, sc.OverallScore)
	assert.Equal(t, TrustUntrusted, sc.TrustLevel)
}

func TestComputeScore_DecayFloorsAtOne(t *testing.T) {
	s, clk := newTestScorer(t)

	recordAt(t, s, clk, t0.Add(-2000*day), "agent-ancient", EventSessionCompleted, "")

	sc, err := s.ComputeScore(context.Background(), "agent-ancient")
	require.NoError(t, err)
	assert.Equal(t, 1, sc.OverallScore)
}

func TestComputeScore_ViolationIsNotActivity(t *testing.T) {
	s, clk := newTestScorer(t)

	recordAt(t, s, clk, t0.Add(-60*day), "agent-1", EventSessionCompleted, "")
	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventSecurityViolation, "")

	sc, err := s.ComputeScore(context.Background(), "agent-1")
	require.NoError(t, err)
	// undecayed 51, 60 days inactive
	assert.Equal(t, 41, sc.OverallScore)
}

func TestComputeScore_AttestationPublishedIsActivity(t *testing.T) {
	s, clk := newTestScorer(t)

	recordAt(t, s, clk, t0.Add(-100*day), "agent-1", EventSessionCompleted, "")
	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventAttestationPublished, "")

	sc, err := s.ComputeScore(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 55, sc.OverallScore)
}

func TestComputeScore_ComputedAtMillisecondPrecision(t *testing.T) {
	s, clk := newTestScorer(t)
	clk.Set(t0.Add(1234567 * time.Nanosecond))

	sc, err := s.ComputeScore(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, sc.ComputedAt.Equal(t0.Add(time.Millisecond)))
	assert.Equal(t, time.UTC, sc.ComputedAt.Location())
}

func TestComputeScore_InvalidAgentID(t *testing.T) {
	s, _ := newTestScorer(t)
	_, err := s.ComputeScore(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidAgentID)
	_, err = s.ComputeScore(context.Background(), "bad id with spaces")
	assert.ErrorIs(t, err, ErrInvalidAgentID)
}

func TestComputeScore_PreservesAttestationHash(t *testing.T) {
	s, _ := newTestScorer(t)
	ctx := context.Background()

	_, err := s.ComputeScore(ctx, "agent-1")
	require.NoError(t, err)
	require.NoError(t, s.SetAttestationHash(ctx, "agent-1", "abc123"))

	sc, err := s.ComputeScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", sc.AttestationHash)

	cached, err := s.GetCachedScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", cached.AttestationHash)
}

// hashRacingStore sets a new attestation hash just before each Put, as a
// concurrent CreateAttestation would.
type hashRacingStore struct {
	ScoreStore
	hash string
}

func (r *hashRacingStore) Put(ctx context.Context, sc *Score) error {
	if r.hash != "" {
		if err := r.ScoreStore.SetAttestationHash(ctx, sc.AgentID, r.hash); err != nil && err != ErrScoreNotFound {
			return err
		}
	}
	return r.ScoreStore.Put(ctx, sc)
}

func TestComputeScore_KeepsHashWrittenDuringCompute(t *testing.T) {
	store := &hashRacingStore{ScoreStore: NewMemoryScoreStore()}
	s := NewScorer(store, NewMemoryEventStore(), WithClock(clock.Fake(t0)))
	ctx := context.Background()

	_, err := s.ComputeScore(ctx, "agent-1")
	require.NoError(t, err)
	require.NoError(t, s.SetAttestationHash(ctx, "agent-1", "OLDHASH"))

	store.hash = "NEWHASH"
	sc, err := s.ComputeScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "NEWHASH", sc.AttestationHash)

	cached, err := s.GetCachedScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "NEWHASH", cached.AttestationHash)
}

func TestMemoryScoreStore_PutKeepsStoredHash(t *testing.T) {
	m := NewMemoryScoreStore()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, &Score{AgentID: "agent-1", AttestationHash: "first"}))
	stale := &Score{AgentID: "agent-1", OverallScore: 70, AttestationHash: "stale"}
	require.NoError(t, m.Put(ctx, stale))
	assert.Equal(t, "first", stale.AttestationHash)

	sc, err := m.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 70, sc.OverallScore)
	assert.Equal(t, "first", sc.AttestationHash)
}

func TestSetAttestationHash_UnknownAgent(t *testing.T) {
	s, _ := newTestScorer(t)
	err := s.SetAttestationHash(context.Background(), "nobody", "abc")
	assert.ErrorIs(t, err, ErrScoreNotFound)
}

func TestGetCachedScore_NeverComputed(t *testing.T) {
	s, _ := newTestScorer(t)
	_, err := s.GetCachedScore(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrScoreNotFound)
}

func TestGetScore_ComputesOnMiss(t *testing.T) {
	s, clk := newTestScorer(t)
	ctx := context.Background()

	first, err := s.GetScore(ctx, "agent-1", false)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	cached, err := s.GetScore(ctx, "agent-1", false)
	require.NoError(t, err)
	assert.True(t, cached.ComputedAt.Equal(first.ComputedAt))

	refreshed, err := s.GetScore(ctx, "agent-1", true)
	require.NoError(t, err)
	assert.True(t, refreshed.ComputedAt.After(first.ComputedAt))
}

func TestComputeAllIfStale(t *testing.T) {
	s, clk := newTestScorer(t)
	ctx := context.Background()

	recordAt(t, s, clk, t0.Add(-day), "agent-a", EventTaskCompleted, "")
	recordAt(t, s, clk, t0.Add(-day), "agent-b", EventTaskCompleted, "")

	n, err := s.ComputeAllIfStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.ComputeAllIfStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh scores are not recomputed")

	clk.Advance(4 * time.Minute)
	_, err = s.ComputeScore(ctx, "agent-a")
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	n, err = s.ComputeAllIfStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only agent-b is older than the window")
}

func TestComputeAllIfStale_CustomWindow(t *testing.T) {
	s, clk := newTestScorer(t, WithStaleAfter(time.Minute), WithConcurrency(1))
	ctx := context.Background()

	recordAt(t, s, clk, t0.Add(-day), "agent-a", EventTaskCompleted, "")
	recordAt(t, s, clk, t0.Add(-day), "agent-b", EventTaskCompleted, "")

	n, err := s.ComputeAllIfStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	clk.Advance(2 * time.Minute)
	n, err = s.ComputeAllIfStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// ctxCheckingStore fails reads once the caller's context is done, like the
// PostgreSQL store does.
type ctxCheckingStore struct {
	ScoreStore
}

func (c ctxCheckingStore) List(ctx context.Context) ([]*Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.ScoreStore.List(ctx)
}

func TestComputeAllIfStale_IgnoresCallerCancellation(t *testing.T) {
	clk := clock.Fake(t0)
	s := NewScorer(ctxCheckingStore{NewMemoryScoreStore()}, NewMemoryEventStore(), WithClock(clk))
	recordAt(t, s, clk, t0.Add(-day), "agent-a", EventTaskCompleted, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := s.ComputeAllIfStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestComputeAllIfStale_Concurrent(t *testing.T) {
	s, clk := newTestScorer(t)
	ctx := context.Background()

	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		recordAt(t, s, clk, t0.Add(-day), id, EventSessionCompleted, "")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ComputeAllIfStale(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	scores, err := s.ListScores(ctx)
	require.NoError(t, err)
	assert.Len(t, scores, 3)
	for _, sc := range scores {
		assert.Equal(t, 56, sc.OverallScore)
	}
}

func TestComputeAll_SortedDescending(t *testing.T) {
	s, clk := newTestScorer(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		recordAt(t, s, clk, t0.Add(-day), "agent-hi", EventTaskCompleted, "")
		recordAt(t, s, clk, t0.Add(-day), "agent-hi", EventSessionCompleted, "")
	}
	for i := 0; i < 3; i++ {
		recordAt(t, s, clk, t0.Add(-day), "agent-lo", EventSecurityViolation, "")
	}
	recordAt(t, s, clk, t0.Add(-day), "agent-mid", EventCreditEarned, "")

	scores, err := s.ComputeAll(ctx)
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Equal(t, "agent-hi", scores[0].AgentID)
	assert.Equal(t, "agent-mid", scores[1].AgentID)
	assert.Equal(t, "agent-lo", scores[2].AgentID)
	for i := 1; i < len(scores); i++ {
		assert.GreaterOrEqual(t, scores[i-1].OverallScore, scores[i].OverallScore)
	}
}

func TestRecordEvent_Validation(t *testing.T) {
	s, _ := newTestScorer(t)
	ctx := context.Background()

	_, err := s.RecordEvent(ctx, EventInput{AgentID: "agent-1", EventType: "task_started"})
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = s.RecordEvent(ctx, EventInput{AgentID: "", EventType: EventTaskCompleted})
	assert.ErrorIs(t, err, ErrInvalidAgentID)

	_, err = s.RecordEvent(ctx, EventInput{AgentID: "agent-1", EventType: EventTaskCompleted, Metadata: json.RawMessage(`{bad`)})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	events, err := s.GetEvents(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events, "rejected events are never stored")
}

func TestGetEvents_NewestFirstWithLimit(t *testing.T) {
	s, clk := newTestScorer(t)
	ctx := context.Background()

	recordAt(t, s, clk, t0.Add(-3*day), "agent-1", EventTaskCompleted, "")
	recordAt(t, s, clk, t0.Add(-2*day), "agent-1", EventTaskFailed, "")
	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventSessionCompleted, "")

	events, err := s.GetEvents(ctx, "agent-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventSessionCompleted, events[0].EventType)
	assert.Equal(t, EventTaskFailed, events[1].EventType)
	assert.Contains(t, events[0].ID, "rev_")
}

func TestGate(t *testing.T) {
	s, clk := newTestScorer(t)
	ctx := context.Background()

	d, err := s.Gate(ctx, "agent-1", false)
	require.NoError(t, err)
	assert.Equal(t, TrustMedium, d.TrustLevel)
	assert.Equal(t, 5, d.MaxActionsPerCycle)
	assert.True(t, d.Allowed)

	for i := 0; i < 5; i++ {
		recordAt(t, s, clk, t0.Add(-day), "agent-bad", EventSecurityViolation, "")
	}
	for i := 0; i < 3; i++ {
		recordAt(t, s, clk, t0.Add(-day), "agent-bad", EventTaskFailed, "")
	}
	d, err = s.Gate(ctx, "agent-bad", true)
	require.NoError(t, err)
	assert.Equal(t, TrustUntrusted, d.TrustLevel)
	assert.Equal(t, 0, d.MaxActionsPerCycle)
	assert.False(t, d.Allowed)
}

type stubTasks struct {
	completed, total int
	last             time.Time
}

func (s stubTasks) TaskCounts(context.Context, string, time.Time) (int, int, error) {
	return s.completed, s.total, nil
}

func (s stubTasks) LastTaskCompleted(context.Context, string) (time.Time, error) {
	return s.last, nil
}

func TestWithSignals_ExternalTaskSource(t *testing.T) {
	tasks := stubTasks{completed: 9, total: 10, last: t0.Add(-44 * day)}
	s, _ := newTestScorer(t, WithSignals(Signals{Tasks: tasks}))

	sc, err := s.ComputeScore(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 90, sc.Components.TaskCompletion)
	// undecayed 67, 44 days inactive
	assert.Equal(t, 60, sc.OverallScore)
}

func TestNewScorer_RejectsBadWeights(t *testing.T) {
	s, _ := newTestScorer(t, WithWeights(Weights{TaskCompletion: 50}))
	assert.Equal(t, DefaultWeights, s.weights)
}
