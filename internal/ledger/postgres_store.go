package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/agentgov/internal/retry"
)

// Serialization conflicts are retried this many times before surfacing.
const (
	maxTxAttempts  = 5
	txRetryBackoff = 5 * time.Millisecond
)

// PostgresStore implements Store with PostgreSQL. Each mutation runs in a
// SERIALIZABLE transaction holding the wallet row FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, wallet string) (*Balance, error) {
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_ledger (wallet_address) VALUES ($1)
		ON CONFLICT (wallet_address) DO NOTHING
	`, wallet); err != nil {
		return nil, fmt.Errorf("failed to create wallet row: %w", err)
	}

	bal := &Balance{WalletAddress: wallet}
	err := p.db.QueryRowContext(ctx, `
		SELECT credits, reserved, total_purchased, total_consumed, updated_at
		FROM credit_ledger WHERE wallet_address = $1
	`, wallet).Scan(&bal.Credits, &bal.Reserved, &bal.TotalPurchased, &bal.TotalConsumed, &bal.UpdatedAt)
	if err != nil {
		return nil, err
	}
	bal.settle()
	return bal, nil
}

func (p *PostgresStore) Mutate(ctx context.Context, wallet string, fn Mutation) (*Balance, error) {
	var result *Balance
	err := retry.DoIf(ctx, maxTxAttempts, txRetryBackoff, isRetryable, func() error {
		bal, err := p.mutateOnce(ctx, wallet, fn)
		if err != nil {
			return err
		}
		result = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) mutateOnce(ctx context.Context, wallet string, fn Mutation) (*Balance, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (wallet_address) VALUES ($1)
		ON CONFLICT (wallet_address) DO NOTHING
	`, wallet); err != nil {
		return nil, err
	}

	bal := &Balance{WalletAddress: wallet}
	if err := tx.QueryRowContext(ctx, `
		SELECT credits, reserved, total_purchased, total_consumed, updated_at
		FROM credit_ledger WHERE wallet_address = $1
		FOR UPDATE
	`, wallet).Scan(&bal.Credits, &bal.Reserved, &bal.TotalPurchased, &bal.TotalConsumed, &bal.UpdatedAt); err != nil {
		return nil, err
	}
	bal.settle()

	entry, err := fn(bal)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if entry == nil {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return bal, nil
	}
	if err := checkInvariants(bal); err != nil {
		return nil, retry.Permanent(err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_ledger SET
			credits         = $2,
			reserved        = $3,
			total_purchased = $4,
			total_consumed  = $5,
			updated_at      = $6
		WHERE wallet_address = $1
	`, wallet, bal.Credits, bal.Reserved, bal.TotalPurchased, bal.TotalConsumed, bal.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, wallet_address, type, amount, reference, session_id, txid, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
	`, entry.ID, wallet, string(entry.Type), entry.Amount, entry.Reference, entry.SessionID, entry.TxID, entry.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, retry.Permanent(ErrDuplicatePayment)
		}
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	bal.settle()
	return bal, nil
}

func (p *PostgresStore) History(ctx context.Context, wallet string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, wallet_address, type, amount, reference,
		       COALESCE(session_id, ''), COALESCE(txid, ''), created_at
		FROM credit_transactions
		WHERE wallet_address = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Transaction{}
	for rows.Next() {
		t := &Transaction{}
		var typ string
		if err := rows.Scan(&t.ID, &t.WalletAddress, &typ, &t.Amount, &t.Reference, &t.SessionID, &t.TxID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = TxType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ping checks connectivity for health reporting.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
