package attestation

import (
	"testing"
	"time"

	"github.com/mbd888/agentgov/internal/reputation"
	"github.com/mbd888/agentgov/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleScore() *reputation.Score {
	return &reputation.Score{
		AgentID:      "agent-1",
		OverallScore: 55,
		TrustLevel:   reputation.TrustMedium,
		Components: reputation.Components{
			TaskCompletion:     50,
			PeerRating:         50,
			CreditPattern:      50,
			SecurityCompliance: 100,
		},
		ComputedAt: t0,
	}
}

func TestCanonicalPayload_Golden(t *testing.T) {
	payload, err := CanonicalPayload(sampleScore())
	require.NoError(t, err)
	assert.Equal(t,
		`{"agentId":"agent-1","overallScore":55,"trustLevel":"medium",`+
			`"components":{"taskCompletion":50,"peerRating":50,"creditPattern":50,"securityCompliance":100,"activityLevel":0},`+
			`"computedAt":"2026-05-01T12:00:00.000Z"}`,
		string(payload))
}

func TestCanonicalPayload_NormalizesTimezone(t *testing.T) {
	local := sampleScore()
	local.ComputedAt = t0.In(time.FixedZone("UTC+2", 2*60*60))

	h1, err := Hash(sampleScore())
	require.NoError(t, err)
	h2, err := Hash(local)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHash_DeterministicHex(t *testing.T) {
	h1, err := Hash(sampleScore())
	require.NoError(t, err)
	h2, err := Hash(sampleScore())
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, validation.IsValidHash(h1, HashLength), h1)
}

func TestHash_ExcludesAttestationHash(t *testing.T) {
	withHash := sampleScore()
	withHash.AttestationHash = "previous"

	h1, _ := Hash(sampleScore())
	h2, _ := Hash(withHash)
	assert.Equal(t, h1, h2)
}

func TestHash_EveryFieldMatters(t *testing.T) {
	base, _ := Hash(sampleScore())

	mutations := map[string]func(*reputation.Score){
		"agentId":    func(s *reputation.Score) { s.AgentID = "agent-2" },
		"overall":    func(s *reputation.Score) { s.OverallScore = 56 },
		"trustLevel": func(s *reputation.Score) { s.TrustLevel = reputation.TrustHigh },
		"component":  func(s *reputation.Score) { s.Components.ActivityLevel = 10 },
		"computedAt": func(s *reputation.Score) { s.ComputedAt = t0.Add(time.Millisecond) },
	}
	for name, mutate := range mutations {
		sc := sampleScore()
		mutate(sc)
		h, err := Hash(sc)
		require.NoError(t, err)
		assert.NotEqual(t, base, h, name)
	}
}

func TestVerify(t *testing.T) {
	sc := sampleScore()
	h, err := Hash(sc)
	require.NoError(t, err)

	assert.True(t, Verify(sc, h))

	tampered := sampleScore()
	tampered.OverallScore = 95
	assert.False(t, Verify(tampered, h))
	assert.False(t, Verify(sc, ""))
	assert.False(t, Verify(nil, h))
}

func TestCanonicalPayload_RejectsEmptyScore(t *testing.T) {
	_, err := CanonicalPayload(nil)
	assert.ErrorIs(t, err, ErrInvalidScore)
	_, err = CanonicalPayload(&reputation.Score{})
	assert.ErrorIs(t, err, ErrInvalidScore)
}
