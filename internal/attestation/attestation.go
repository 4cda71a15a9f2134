// Package attestation produces tamper-evident fingerprints of reputation
// snapshots and optionally anchors them on chain.
//
// The fingerprint is the lowercase hex SHA-256 of a canonical JSON payload
// holding every score field except the attestation hash itself. Hashing is
// a pure function: the same snapshot always yields the same hash.
package attestation

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentgov/internal/reputation"
)

var (
	ErrNotFound             = errors.New("attestation: not found")
	ErrInvalidScore         = errors.New("attestation: invalid score")
	ErrNoChainSender        = errors.New("attestation: no chain sender configured")
	ErrPublisherUnavailable = errors.New("attestation: chain publisher unavailable")
	ErrSendFailed           = errors.New("attestation: chain send failed")
)

// HashLength is the length of a hex-encoded SHA-256 digest.
const HashLength = 64

// computedAtLayout renders timestamps as UTC RFC 3339 with milliseconds.
const computedAtLayout = "2006-01-02T15:04:05.000Z07:00"

// Attestation is a persisted fingerprint of one score snapshot.
type Attestation struct {
	AgentID     string     `json:"agentId"`
	Hash        string     `json:"hash"`
	Payload     string     `json:"payload"`
	TxID        string     `json:"txid,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Published reports whether the attestation has been anchored on chain.
func (a *Attestation) Published() bool {
	return a.TxID != ""
}

// canonicalPayload is the hashed form of a score. Field order is fixed by
// the struct and must not change.
type canonicalPayload struct {
	AgentID      string                `json:"agentId"`
	OverallScore int                   `json:"overallScore"`
	TrustLevel   string                `json:"trustLevel"`
	Components   reputation.Components `json:"components"`
	ComputedAt   string                `json:"computedAt"`
}

// CanonicalPayload returns the deterministic serialization of score.
func CanonicalPayload(score *reputation.Score) ([]byte, error) {
	if score == nil || score.AgentID == "" {
		return nil, ErrInvalidScore
	}
	data, err := json.Marshal(canonicalPayload{
		AgentID:      score.AgentID,
		OverallScore: score.OverallScore,
		TrustLevel:   string(score.TrustLevel),
		Components:   score.Components,
		ComputedAt:   score.ComputedAt.UTC().Format(computedAtLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("attestation: failed to marshal payload: %w", err)
	}
	return data, nil
}

// HashPayload returns the hex SHA-256 of payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Hash fingerprints score.
func Hash(score *reputation.Score) (string, error) {
	payload, err := CanonicalPayload(score)
	if err != nil {
		return "", err
	}
	return HashPayload(payload), nil
}

// Verify recomputes score's hash and compares it with expected. Any
// difference, including a malformed score, is reported as false.
func Verify(score *reputation.Score, expected string) bool {
	got, err := Hash(score)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// Store persists attestations keyed by (agent, hash).
type Store interface {
	// Create inserts a unless (agentID, hash) already exists. It returns the
	// stored row and whether it was newly created.
	Create(ctx context.Context, a *Attestation) (*Attestation, bool, error)
	// Get returns one attestation or ErrNotFound.
	Get(ctx context.Context, agentID, hash string) (*Attestation, error)
	// Latest returns the newest attestation for agentID or ErrNotFound.
	Latest(ctx context.Context, agentID string) (*Attestation, error)
	// MarkPublished records the on-chain transaction for an attestation.
	MarkPublished(ctx context.Context, agentID, hash, txid string, at time.Time) error
}

// ChainSender submits a note transaction and returns its id. The transport
// is supplied by the caller.
type ChainSender interface {
	SendNote(ctx context.Context, note string) (txid string, err error)
}

// ChainSenderFunc adapts a function to ChainSender.
type ChainSenderFunc func(ctx context.Context, note string) (string, error)

func (f ChainSenderFunc) SendNote(ctx context.Context, note string) (string, error) {
	return f(ctx, note)
}

// HashRecorder stores the latest attestation hash on the score record.
type HashRecorder interface {
	GetCachedScore(ctx context.Context, agentID string) (*reputation.Score, error)
	SetAttestationHash(ctx context.Context, agentID, hash string) error
}

// EventRecorder appends reputation events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, in reputation.EventInput) (*reputation.Event, error)
}
