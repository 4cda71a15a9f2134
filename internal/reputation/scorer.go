package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/agentgov/internal/clock"
	"github.com/mbd888/agentgov/internal/idgen"
	"github.com/mbd888/agentgov/internal/logging"
	"github.com/mbd888/agentgov/internal/traces"
	"github.com/mbd888/agentgov/internal/validation"
)

// Defaults for batch recomputation.
const (
	DefaultStaleAfter  = 5 * time.Minute
	DefaultConcurrency = 8
)

// GateDecision tells a caller how much autonomy an agent currently has.
type GateDecision struct {
	AgentID            string     `json:"agentId"`
	OverallScore       int        `json:"overallScore"`
	TrustLevel         TrustLevel `json:"trustLevel"`
	MaxActionsPerCycle int        `json:"maxActionsPerCycle"`
	Allowed            bool       `json:"allowed"`
}

// EventInput is a reputation event as submitted by a caller.
type EventInput struct {
	AgentID     string
	EventType   EventType
	ScoreImpact float64
	Metadata    json.RawMessage
}

// Scorer computes, caches and serves reputation scores.
type Scorer struct {
	scores      ScoreStore
	events      EventStore
	signals     Signals
	weights     Weights
	staleAfter  time.Duration
	concurrency int
	clk         clock.Clock
	logger      *slog.Logger
	batch       singleflight.Group
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithSignals replaces the non-nil signal sources. Nil fields keep the
// event-log defaults.
func WithSignals(sig Signals) Option {
	return func(s *Scorer) {
		if sig.Tasks != nil {
			s.signals.Tasks = sig.Tasks
		}
		if sig.Reviews != nil {
			s.signals.Reviews = sig.Reviews
		}
		if sig.Sessions != nil {
			s.signals.Sessions = sig.Sessions
		}
		if sig.Agents != nil {
			s.signals.Agents = sig.Agents
		}
	}
}

func WithWeights(w Weights) Option { return func(s *Scorer) { s.weights = w } }

// WithStaleAfter sets the age past which ComputeAllIfStale recomputes a score.
func WithStaleAfter(d time.Duration) Option { return func(s *Scorer) { s.staleAfter = d } }

// WithConcurrency bounds parallel computations in batch operations.
func WithConcurrency(n int) Option { return func(s *Scorer) { s.concurrency = n } }

func WithClock(c clock.Clock) Option { return func(s *Scorer) { s.clk = clock.OrReal(c) } }

func WithLogger(l *slog.Logger) Option { return func(s *Scorer) { s.logger = l } }

// NewScorer creates a scorer over the given stores. Signals default to the
// event log.
func NewScorer(scores ScoreStore, events EventStore, opts ...Option) *Scorer {
	s := &Scorer{
		scores:      scores,
		events:      events,
		signals:     NewEventSignals(events).Bundle(),
		weights:     DefaultWeights,
		staleAfter:  DefaultStaleAfter,
		concurrency: DefaultConcurrency,
		clk:         clock.Real(),
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.weights.Sum() != 100 {
		s.logger.Warn("reputation weights do not sum to 100, using defaults", "sum", s.weights.Sum())
		s.weights = DefaultWeights
	}
	return s
}

// inputs are the raw signal readings behind one computation.
type inputs struct {
	completed, total int
	lastTask         time.Time
	ratings          []float64
	sessions         int
	counts           map[EventType]int
	lastEvent        time.Time
	anyEvent         bool
}

func (s *Scorer) gather(ctx context.Context, agentID string, now time.Time) (*inputs, error) {
	in := &inputs{}
	windowStart := now.Add(-ScoringWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		in.completed, in.total, err = s.signals.Tasks.TaskCounts(gctx, agentID, windowStart)
		return err
	})
	g.Go(func() error {
		var err error
		in.lastTask, err = s.signals.Tasks.LastTaskCompleted(gctx, agentID)
		return err
	})
	g.Go(func() error {
		var err error
		in.ratings, err = s.signals.Reviews.Ratings(gctx, agentID)
		return err
	})
	g.Go(func() error {
		var err error
		in.sessions, err = s.signals.Sessions.SessionCount(gctx, agentID, now.Add(-ActivityWindow))
		return err
	})
	g.Go(func() error {
		var err error
		in.counts, err = s.events.CountByType(gctx, agentID, windowStart)
		return err
	})
	g.Go(func() error {
		var err error
		in.lastEvent, err = s.events.Latest(gctx, agentID, activityEvents())
		return err
	})
	g.Go(func() error {
		evs, err := s.events.Query(gctx, EventQuery{AgentID: agentID, Limit: 1})
		in.anyEvent = len(evs) > 0
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *inputs) hasHistory() bool {
	return in.anyEvent || in.total > 0 || len(in.ratings) > 0 || in.sessions > 0 || !in.lastTask.IsZero()
}

func (in *inputs) lastActivity() time.Time {
	if in.lastTask.After(in.lastEvent) {
		return in.lastTask
	}
	return in.lastEvent
}

// ComputeScore recomputes agentID's score from current signals, caches it
// and returns it. An existing attestation hash is carried over.
func (s *Scorer) ComputeScore(ctx context.Context, agentID string) (*Score, error) {
	return s.compute(ctx, agentID, "single")
}

func (s *Scorer) compute(ctx context.Context, agentID, trigger string) (score *Score, err error) {
	if !validation.IsValidAgentID(agentID) {
		return nil, ErrInvalidAgentID
	}
	ctx, span := traces.StartSpan(ctx, "reputation.compute", traces.AgentID(agentID), traces.Op(trigger))
	done := observeCompute(trigger)
	defer func() {
		done()
		traces.End(span, err)
	}()

	now := s.clk.Now()
	in, err := s.gather(ctx, agentID, now)
	if err != nil {
		return nil, fmt.Errorf("gather signals for %s: %w", agentID, err)
	}

	comp := Components{
		TaskCompletion:     TaskCompletionScore(in.completed, in.total),
		PeerRating:         PeerRatingScore(in.ratings),
		CreditPattern:      CreditPatternScore(in.counts[EventCreditEarned], in.counts[EventCreditSpent]),
		SecurityCompliance: SecurityComplianceScore(in.counts[EventSecurityViolation]),
		ActivityLevel:      ActivityLevelScore(in.sessions),
	}

	var daysInactive float64
	if last := in.lastActivity(); !last.IsZero() && now.After(last) {
		daysInactive = now.Sub(last).Hours() / 24
	}
	overall := ApplyDecay(s.weights.Overall(comp), daysInactive, in.hasHistory())

	score = &Score{
		AgentID:      agentID,
		OverallScore: overall,
		TrustLevel:   TrustLevelFor(overall),
		Components:   comp,
		ComputedAt:   now.UTC().Truncate(time.Millisecond),
	}

	// Put keeps any stored attestation hash and copies it into score.
	if err := s.scores.Put(ctx, score); err != nil {
		return nil, err
	}
	trustLevels.WithLabelValues(string(score.TrustLevel)).Inc()
	logging.L(ctx).Debug("reputation score computed",
		"agent_id", agentID, "score", overall, "trust_level", score.TrustLevel, "days_inactive", daysInactive)
	return score, nil
}

// GetCachedScore returns the cached snapshot without recomputing.
func (s *Scorer) GetCachedScore(ctx context.Context, agentID string) (*Score, error) {
	return s.scores.Get(ctx, agentID)
}

// GetScore returns the cached score, computing it when refresh is set or
// nothing is cached.
func (s *Scorer) GetScore(ctx context.Context, agentID string, refresh bool) (*Score, error) {
	if !refresh {
		score, err := s.scores.Get(ctx, agentID)
		if err == nil {
			return score, nil
		}
		if !errors.Is(err, ErrScoreNotFound) {
			return nil, err
		}
	}
	return s.ComputeScore(ctx, agentID)
}

// agentIDs is every agent known to the directory or the score cache.
func (s *Scorer) agentIDs(ctx context.Context) ([]string, map[string]*Score, error) {
	cached, err := s.scores.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	known, err := s.signals.Agents.AgentIDs(ctx)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]*Score, len(cached))
	for _, sc := range cached {
		byID[sc.AgentID] = sc
	}
	seen := make(map[string]bool, len(cached)+len(known))
	ids := make([]string, 0, len(cached)+len(known))
	for _, id := range known {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, sc := range cached {
		if !seen[sc.AgentID] {
			seen[sc.AgentID] = true
			ids = append(ids, sc.AgentID)
		}
	}
	sort.Strings(ids)
	return ids, byID, nil
}

// ComputeAllIfStale recomputes every agent whose snapshot is missing or
// older than the staleness window and returns how many were refreshed.
// Concurrent callers share one pass, which is detached from the first
// caller's cancellation. Per-agent failures are logged and returned joined;
// the rest of the pass still runs.
func (s *Scorer) ComputeAllIfStale(ctx context.Context) (int, error) {
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.batch.Do("stale", func() (any, error) {
		return s.refreshStale(shared)
	})
	n, _ := v.(int)
	return n, err
}

func (s *Scorer) refreshStale(ctx context.Context) (int, error) {
	ids, cached, err := s.agentIDs(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clk.Now()

	var (
		mu        sync.Mutex
		refreshed int
		failures  []error
		g         errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		if sc, ok := cached[id]; ok && now.Sub(sc.ComputedAt) < s.staleAfter {
			continue
		}
		g.Go(func() error {
			_, err := s.compute(ctx, id, "stale")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.L(ctx).Warn("stale score refresh failed", "agent_id", id, "error", err)
				failures = append(failures, fmt.Errorf("%s: %w", id, err))
				return nil
			}
			refreshed++
			return nil
		})
	}
	_ = g.Wait()
	return refreshed, errors.Join(failures...)
}

// ComputeAll recomputes every known agent and returns the scores, highest
// first.
func (s *Scorer) ComputeAll(ctx context.Context) ([]*Score, error) {
	ids, _, err := s.agentIDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*Score, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			sc, err := s.compute(gctx, id, "all")
			if err != nil {
				return err
			}
			out[i] = sc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	SortScores(out)
	return out, nil
}

// ListScores returns every cached snapshot, highest first.
func (s *Scorer) ListScores(ctx context.Context) ([]*Score, error) {
	return s.scores.List(ctx)
}

// SortScores orders by overall score descending, then agent id.
func SortScores(scores []*Score) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].OverallScore != scores[j].OverallScore {
			return scores[i].OverallScore > scores[j].OverallScore
		}
		return scores[i].AgentID < scores[j].AgentID
	})
}

// RecordEvent validates and appends a reputation event. Scores are not
// recomputed.
func (s *Scorer) RecordEvent(ctx context.Context, in EventInput) (*Event, error) {
	if !validation.IsValidAgentID(in.AgentID) {
		return nil, ErrInvalidAgentID
	}
	if !in.EventType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, in.EventType)
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return nil, fmt.Errorf("%w: metadata is not valid JSON", ErrInvalidEvent)
	}

	ev := &Event{
		ID:          idgen.WithPrefix(idgen.PrefixEvent),
		AgentID:     in.AgentID,
		EventType:   in.EventType,
		ScoreImpact: in.ScoreImpact,
		Metadata:    in.Metadata,
		CreatedAt:   s.clk.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.events.Append(ctx, ev); err != nil {
		return nil, err
	}
	eventsRecorded.WithLabelValues(string(ev.EventType)).Inc()
	return ev, nil
}

// GetEvents returns an agent's events, newest first.
func (s *Scorer) GetEvents(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}
	return s.events.Query(ctx, EventQuery{AgentID: agentID, Limit: limit})
}

// SetAttestationHash records hash on the agent's cached score.
func (s *Scorer) SetAttestationHash(ctx context.Context, agentID, hash string) error {
	return s.scores.SetAttestationHash(ctx, agentID, hash)
}

// Gate reports the agent's trust level and its per-cycle action budget,
// computing a score if none is cached.
func (s *Scorer) Gate(ctx context.Context, agentID string, refresh bool) (*GateDecision, error) {
	score, err := s.GetScore(ctx, agentID, refresh)
	if err != nil {
		return nil, err
	}
	maxActions := MaxActionsPerCycle(score.TrustLevel)
	return &GateDecision{
		AgentID:            agentID,
		OverallScore:       score.OverallScore,
		TrustLevel:         score.TrustLevel,
		MaxActionsPerCycle: maxActions,
		Allowed:            maxActions > 0,
	}, nil
}
