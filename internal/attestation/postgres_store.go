package attestation

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore implements Store on reputation_attestations.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const attestationColumns = `agent_id, hash, payload, COALESCE(txid, ''), published_at, created_at`

func scanAttestation(row interface{ Scan(...any) error }) (*Attestation, error) {
	a := &Attestation{}
	var published sql.NullTime
	if err := row.Scan(&a.AgentID, &a.Hash, &a.Payload, &a.TxID, &published, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if published.Valid {
		t := published.Time.UTC()
		a.PublishedAt = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (p *PostgresStore) Create(ctx context.Context, a *Attestation) (*Attestation, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO reputation_attestations (agent_id, hash, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, hash) DO NOTHING
	`, a.AgentID, a.Hash, a.Payload, a.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	stored, err := p.Get(ctx, a.AgentID, a.Hash)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (p *PostgresStore) Get(ctx context.Context, agentID, hash string) (*Attestation, error) {
	return scanAttestation(p.db.QueryRowContext(ctx,
		`SELECT `+attestationColumns+` FROM reputation_attestations WHERE agent_id = $1 AND hash = $2`,
		agentID, hash))
}

func (p *PostgresStore) Latest(ctx context.Context, agentID string) (*Attestation, error) {
	return scanAttestation(p.db.QueryRowContext(ctx, `
		SELECT `+attestationColumns+` FROM reputation_attestations
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, agentID))
}

func (p *PostgresStore) MarkPublished(ctx context.Context, agentID, hash, txid string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE reputation_attestations SET txid = $3, published_at = $4
		WHERE agent_id = $1 AND hash = $2
	`, agentID, hash, txid, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
