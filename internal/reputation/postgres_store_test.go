//go:build integration

package reputation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mbd888/agentgov/internal/clock"
	"github.com/mbd888/agentgov/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPGScorer(t *testing.T) (*Scorer, *clock.FakeClock) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	clk := clock.Fake(t0)
	return NewScorer(NewPostgresScoreStore(db), NewPostgresEventStore(db), WithClock(clk)), clk
}

func TestPostgres_ScoreRoundTrip(t *testing.T) {
	s, clk := newPGScorer(t)
	ctx := context.Background()

	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventReviewReceived, `{"rating":5}`)
	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventSessionCompleted, "")

	computed, err := s.ComputeScore(ctx, "agent-1")
	require.NoError(t, err)

	cached, err := s.GetCachedScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, computed.OverallScore, cached.OverallScore)
	assert.Equal(t, computed.Components, cached.Components)
	assert.True(t, computed.ComputedAt.Equal(cached.ComputedAt))
	assert.Equal(t, 100, cached.Components.PeerRating)
}

func TestPostgres_AttestationHashPreserved(t *testing.T) {
	s, _ := newPGScorer(t)
	ctx := context.Background()

	_, err := s.ComputeScore(ctx, "agent-1")
	require.NoError(t, err)
	require.NoError(t, s.SetAttestationHash(ctx, "agent-1", "deadbeef"))

	sc, err := s.ComputeScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", sc.AttestationHash)

	assert.ErrorIs(t, s.SetAttestationHash(ctx, "nobody", "x"), ErrScoreNotFound)
}

func TestPostgres_PutDoesNotOverwriteHash(t *testing.T) {
	s, _ := newPGScorer(t)
	ctx := context.Background()

	_, err := s.ComputeScore(ctx, "agent-1")
	require.NoError(t, err)
	require.NoError(t, s.SetAttestationHash(ctx, "agent-1", "NEWHASH"))

	stale := &Score{AgentID: "agent-1", OverallScore: 40, TrustLevel: TrustLow, AttestationHash: "OLDHASH", ComputedAt: t0}
	require.NoError(t, s.scores.Put(ctx, stale))
	assert.Equal(t, "NEWHASH", stale.AttestationHash)

	sc, err := s.GetCachedScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 40, sc.OverallScore)
	assert.Equal(t, "NEWHASH", sc.AttestationHash)
}

func TestPostgres_EventQueries(t *testing.T) {
	s, clk := newPGScorer(t)
	ctx := context.Background()

	recordAt(t, s, clk, t0.Add(-100*day), "agent-1", EventTaskFailed, "")
	recordAt(t, s, clk, t0.Add(-2*day), "agent-1", EventTaskCompleted, "")
	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventSecurityViolation, `{"reason":"prompt injection"}`)
	recordAt(t, s, clk, t0.Add(-day), "agent-2", EventSessionCompleted, "")

	counts, err := s.events.CountByType(ctx, "agent-1", t0.Add(-ScoringWindow))
	require.NoError(t, err)
	assert.Equal(t, map[EventType]int{EventTaskCompleted: 1, EventSecurityViolation: 1}, counts)

	latest, err := s.events.Latest(ctx, "agent-1", activityEvents())
	require.NoError(t, err)
	assert.True(t, latest.Equal(t0.Add(-2*day)))

	evs, err := s.GetEvents(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, EventSecurityViolation, evs[0].EventType)
	var meta map[string]string
	require.NoError(t, json.Unmarshal(evs[0].Metadata, &meta))
	assert.Equal(t, "prompt injection", meta["reason"])

	ids, err := s.events.AgentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1", "agent-2"}, ids)
}

func TestPostgres_ComputeAllIfStale(t *testing.T) {
	s, clk := newPGScorer(t)
	ctx := context.Background()

	recordAt(t, s, clk, t0.Add(-day), "agent-a", EventTaskCompleted, "")
	recordAt(t, s, clk, t0.Add(-day), "agent-b", EventTaskCompleted, "")

	n, err := s.ComputeAllIfStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	clk.Advance(10 * time.Minute)
	n, err = s.ComputeAllIfStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	scores, err := s.ListScores(ctx)
	require.NoError(t, err)
	assert.Len(t, scores, 2)
}
