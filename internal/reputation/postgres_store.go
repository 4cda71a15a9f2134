package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresScoreStore implements ScoreStore on agent_reputation.
type PostgresScoreStore struct {
	db *sql.DB
}

func NewPostgresScoreStore(db *sql.DB) *PostgresScoreStore {
	return &PostgresScoreStore{db: db}
}

const scoreColumns = `agent_id, overall_score, trust_level, task_completion, peer_rating,
	credit_pattern, security_compliance, activity_level, COALESCE(attestation_hash, ''), computed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(row rowScanner) (*Score, error) {
	sc := &Score{}
	var level string
	err := row.Scan(&sc.AgentID, &sc.OverallScore, &level,
		&sc.Components.TaskCompletion, &sc.Components.PeerRating, &sc.Components.CreditPattern,
		&sc.Components.SecurityCompliance, &sc.Components.ActivityLevel,
		&sc.AttestationHash, &sc.ComputedAt)
	if err != nil {
		return nil, err
	}
	sc.TrustLevel = TrustLevel(level)
	sc.ComputedAt = sc.ComputedAt.UTC()
	return sc, nil
}

func (p *PostgresScoreStore) Get(ctx context.Context, agentID string) (*Score, error) {
	sc, err := scanScore(p.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM agent_reputation WHERE agent_id = $1`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScoreNotFound
	}
	return sc, err
}

func (p *PostgresScoreStore) Put(ctx context.Context, sc *Score) error {
	var hash string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO agent_reputation (agent_id, overall_score, trust_level, task_completion, peer_rating,
			credit_pattern, security_compliance, activity_level, attestation_hash, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		ON CONFLICT (agent_id) DO UPDATE SET
			overall_score       = EXCLUDED.overall_score,
			trust_level         = EXCLUDED.trust_level,
			task_completion     = EXCLUDED.task_completion,
			peer_rating         = EXCLUDED.peer_rating,
			credit_pattern      = EXCLUDED.credit_pattern,
			security_compliance = EXCLUDED.security_compliance,
			activity_level      = EXCLUDED.activity_level,
			computed_at         = EXCLUDED.computed_at
		RETURNING COALESCE(attestation_hash, '')
	`, sc.AgentID, sc.OverallScore, string(sc.TrustLevel),
		sc.Components.TaskCompletion, sc.Components.PeerRating, sc.Components.CreditPattern,
		sc.Components.SecurityCompliance, sc.Components.ActivityLevel,
		sc.AttestationHash, sc.ComputedAt).Scan(&hash)
	if err != nil {
		return fmt.Errorf("failed to store score: %w", err)
	}
	sc.AttestationHash = hash
	return nil
}

func (p *PostgresScoreStore) List(ctx context.Context) ([]*Score, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM agent_reputation ORDER BY overall_score DESC, agent_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Score{}
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (p *PostgresScoreStore) SetAttestationHash(ctx context.Context, agentID, hash string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE agent_reputation SET attestation_hash = $2 WHERE agent_id = $1`, agentID, hash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrScoreNotFound
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (p *PostgresScoreStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// PostgresEventStore implements EventStore on reputation_events.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func typeStrings(types []EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func (p *PostgresEventStore) Append(ctx context.Context, ev *Event) error {
	var meta any
	if len(ev.Metadata) > 0 {
		meta = string(ev.Metadata)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reputation_events (id, agent_id, event_type, score_impact, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, ev.ID, ev.AgentID, string(ev.EventType), ev.ScoreImpact, meta, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func (p *PostgresEventStore) Query(ctx context.Context, q EventQuery) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if q.AgentID != "" {
		args = append(args, q.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if len(q.Types) > 0 {
		args = append(args, pq.Array(typeStrings(q.Types)))
		where = append(where, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := `SELECT id, agent_id, event_type, score_impact, COALESCE(metadata::text, ''), created_at
		FROM reputation_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Event{}
	for rows.Next() {
		ev := &Event{}
		var typ, meta string
		if err := rows.Scan(&ev.ID, &ev.AgentID, &typ, &ev.ScoreImpact, &meta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.EventType = EventType(typ)
		if meta != "" {
			ev.Metadata = []byte(meta)
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresEventStore) CountByType(ctx context.Context, agentID string, since time.Time) (map[EventType]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM reputation_events
		WHERE agent_id = $1 AND created_at >= $2
		GROUP BY event_type
	`, agentID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[EventType]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[EventType(typ)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresEventStore) Latest(ctx context.Context, agentID string, types []EventType) (time.Time, error) {
	var latest sql.NullTime
	var err error
	if len(types) == 0 {
		err = p.db.QueryRowContext(ctx,
			`SELECT MAX(created_at) FROM reputation_events WHERE agent_id = $1`, agentID).Scan(&latest)
	} else {
		err = p.db.QueryRowContext(ctx,
			`SELECT MAX(created_at) FROM reputation_events WHERE agent_id = $1 AND event_type = ANY($2)`,
			agentID, pq.Array(typeStrings(types))).Scan(&latest)
	}
	if err != nil || !latest.Valid {
		return time.Time{}, err
	}
	return latest.Time.UTC(), nil
}

func (p *PostgresEventStore) AgentIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM reputation_events ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
