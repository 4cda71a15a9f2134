package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/agentgov/internal/circuitbreaker"
	"github.com/mbd888/agentgov/internal/clock"
	"github.com/mbd888/agentgov/internal/config"
	"github.com/mbd888/agentgov/internal/logging"
	"github.com/mbd888/agentgov/internal/reputation"
	"github.com/mbd888/agentgov/internal/syncutil"
	"github.com/mbd888/agentgov/internal/traces"
)

// Publisher breaker defaults.
const (
	DefaultBreakerThreshold = 3
	DefaultBreakerCooldown  = 30 * time.Second
)

// Service creates, verifies and publishes attestations.
type Service struct {
	store     Store
	hashes    HashRecorder
	events    EventRecorder
	sender    ChainSender
	breaker   *circuitbreaker.Breaker
	publishMu *syncutil.KeyedLocker // per agent:hash
	namespace string
	clk       clock.Clock
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHashRecorder sets where attestation hashes are written back to scores.
func WithHashRecorder(h HashRecorder) Option { return func(s *Service) { s.hashes = h } }

// WithEventRecorder enables attestation_published events.
func WithEventRecorder(e EventRecorder) Option { return func(s *Service) { s.events = e } }

// WithChainSender sets the default sender used by PublishOnChain.
func WithChainSender(c ChainSender) Option { return func(s *Service) { s.sender = c } }

func WithBreaker(b *circuitbreaker.Breaker) Option { return func(s *Service) { s.breaker = b } }

func WithNamespace(ns string) Option { return func(s *Service) { s.namespace = ns } }

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clk = clock.OrReal(c) } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates an attestation service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		publishMu: syncutil.NewKeyedLocker(0),
		namespace: config.DefaultAttestationNamespace,
		clk:       clock.Real(),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker == nil {
		s.breaker = circuitbreaker.New(DefaultBreakerThreshold, DefaultBreakerCooldown).WithClock(s.clk)
	}
	return s
}

// CanPublish reports whether a default chain sender is configured.
func (s *Service) CanPublish() bool {
	return s.sender != nil
}

// Namespace is the prefix of every published note.
func (s *Service) Namespace() string {
	return s.namespace
}

// CreateAttestation fingerprints score, persists the attestation and points
// the score record at it. Repeating it for an identical snapshot returns
// the existing attestation. Nothing is persisted when the agent has no
// score record.
func (s *Service) CreateAttestation(ctx context.Context, score *reputation.Score) (a *Attestation, err error) {
	payload, err := CanonicalPayload(score)
	if err != nil {
		return nil, err
	}
	hash := HashPayload(payload)

	ctx, span := traces.StartSpan(ctx, "attestation.create", traces.AgentID(score.AgentID), traces.Hash(hash))
	defer func() { traces.End(span, err) }()

	if s.hashes != nil {
		if _, err := s.hashes.GetCachedScore(ctx, score.AgentID); err != nil {
			return nil, fmt.Errorf("attestation: no score record for %s: %w", score.AgentID, err)
		}
	}

	stored, created, err := s.store.Create(ctx, &Attestation{
		AgentID:   score.AgentID,
		Hash:      hash,
		Payload:   string(payload),
		CreatedAt: s.clk.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if created {
		attestationsCreated.WithLabelValues("created").Inc()
	} else {
		attestationsCreated.WithLabelValues("existing").Inc()
	}

	if s.hashes != nil {
		if err := s.hashes.SetAttestationHash(ctx, score.AgentID, hash); err != nil {
			return nil, fmt.Errorf("attestation: failed to record hash on score: %w", err)
		}
	}
	logging.L(ctx).Info("attestation created", "agent_id", score.AgentID, "hash", hash, "new", created)
	return stored, nil
}

// VerifyAttestation reports whether score still hashes to expectedHash.
func (s *Service) VerifyAttestation(score *reputation.Score, expectedHash string) bool {
	ok := Verify(score, expectedHash)
	if ok {
		verifications.WithLabelValues("valid").Inc()
	} else {
		verifications.WithLabelValues("invalid").Inc()
	}
	return ok
}

// GetAttestation returns the newest attestation for agentID.
func (s *Service) GetAttestation(ctx context.Context, agentID string) (*Attestation, error) {
	return s.store.Latest(ctx, agentID)
}

// PublishOnChain submits the note "<namespace>:<agentId>:<hash>" through
// sender (or the configured default) and records the returned txid. The
// attestation must already exist. An attestation that is already published
// is returned unchanged. Publishes of the same attestation are serialized so
// the note is sent at most once per process.
func (s *Service) PublishOnChain(ctx context.Context, agentID, hash string, sender ChainSender) (a *Attestation, err error) {
	if sender == nil {
		sender = s.sender
	}
	if sender == nil {
		return nil, ErrNoChainSender
	}

	ctx, span := traces.StartSpan(ctx, "attestation.publish", traces.AgentID(agentID), traces.Hash(hash))
	defer func() { traces.End(span, err) }()

	unlock, err := s.publishMu.Lock(ctx, agentID+":"+hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err = s.store.Get(ctx, agentID, hash)
	if err != nil {
		return nil, err
	}
	if a.Published() {
		return a, nil
	}

	note := s.namespace + ":" + agentID + ":" + hash
	var txid string
	err = s.breaker.Execute(s.namespace, func() error {
		var serr error
		txid, serr = sender.SendNote(ctx, note)
		return serr
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		publishes.WithLabelValues("unavailable").Inc()
		return nil, ErrPublisherUnavailable
	case err != nil:
		publishes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	now := s.clk.Now().UTC()
	if err = s.store.MarkPublished(ctx, agentID, hash, txid, now); err != nil {
		publishes.WithLabelValues("error").Inc()
		return nil, err
	}
	publishes.WithLabelValues("ok").Inc()
	a.TxID = txid
	a.PublishedAt = &now

	s.recordPublished(ctx, agentID, hash, txid)
	logging.L(ctx).Info("attestation published", "agent_id", agentID, "hash", hash, "txid", txid)
	return a, nil
}

// recordPublished appends an attestation_published event. Failures are
// logged and swallowed.
func (s *Service) recordPublished(ctx context.Context, agentID, hash, txid string) {
	if s.events == nil {
		return
	}
	meta, _ := json.Marshal(map[string]string{"hash": hash, "txid": txid})
	_, err := s.events.RecordEvent(ctx, reputation.EventInput{
		AgentID:   agentID,
		EventType: reputation.EventAttestationPublished,
		Metadata:  meta,
	})
	if err != nil {
		logging.L(ctx).Warn("failed to record attestation_published event", "agent_id", agentID, "error", err)
	}
}
