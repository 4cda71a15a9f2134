package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/mbd888/agentgov/internal/idgen"
	"github.com/mbd888/agentgov/internal/logging"
)

type contextKey string

const ctxActor contextKey = "audit_actor"

// WithActor attaches the acting principal ("admin", "agent:<id>", ...) for audit logging.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxActor, actor)
}

func actorFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActor).(string); ok && v != "" {
		return v
	}
	return "system"
}

// AuditEntry is one before/after record of a ledger mutation.
type AuditEntry struct {
	ID            string          `json:"id"`
	WalletAddress string          `json:"walletAddress"`
	Actor         string          `json:"actor"`
	Operation     string          `json:"operation"`
	Reference     string          `json:"reference,omitempty"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// AuditLogger persists audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, wallet string, limit int) ([]*AuditEntry, error)
}

func balanceSnapshot(b *Balance) json.RawMessage {
	if b == nil {
		return json.RawMessage("{}")
	}
	raw, _ := json.Marshal(map[string]int64{
		"credits":        b.Credits,
		"reserved":       b.Reserved,
		"totalPurchased": b.TotalPurchased,
		"totalConsumed":  b.TotalConsumed,
	})
	return raw
}

// recordAudit writes an audit entry. Failures are logged, never returned.
func (l *Ledger) recordAudit(ctx context.Context, op string, before, after *Balance, tx *Transaction) {
	if l.audit == nil {
		return
	}
	entry := &AuditEntry{
		ID:            idgen.WithPrefix(idgen.PrefixAudit),
		WalletAddress: tx.WalletAddress,
		Actor:         actorFromCtx(ctx),
		Operation:     op,
		Reference:     tx.Reference,
		Before:        balanceSnapshot(before),
		After:         balanceSnapshot(after),
		CreatedAt:     tx.CreatedAt,
	}
	if err := l.audit.LogAudit(ctx, entry); err != nil {
		logging.L(ctx).Warn("audit log write failed", "op", op, "wallet", tx.WalletAddress, "error", err)
	}
}

// QueryAudit returns the wallet's audit trail newest first.
func (l *Ledger) QueryAudit(ctx context.Context, wallet string, limit int) ([]*AuditEntry, error) {
	w, err := normalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	if l.audit == nil {
		return []*AuditEntry{}, nil
	}
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = DefaultHistoryLimit
	}
	return l.audit.QueryAudit(ctx, w, limit)
}

// --- PostgresAuditLogger ---

// PostgresAuditLogger writes audit entries to PostgreSQL.
type PostgresAuditLogger struct {
	db *sql.DB
}

// NewPostgresAuditLogger creates an audit logger backed by PostgreSQL.
func NewPostgresAuditLogger(db *sql.DB) *PostgresAuditLogger {
	return &PostgresAuditLogger{db: db}
}

func (p *PostgresAuditLogger) LogAudit(ctx context.Context, e *AuditEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_audit_log (id, wallet_address, actor, operation, before_state, after_state, reference, created_at)
		VALUES ($1, $2, $3, $4, $5::JSONB, $6::JSONB, $7, $8)
	`, e.ID, e.WalletAddress, e.Actor, e.Operation, string(e.Before), string(e.After), e.Reference, e.CreatedAt)
	return err
}

func (p *PostgresAuditLogger) QueryAudit(ctx context.Context, wallet string, limit int) ([]*AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, wallet_address, actor, operation,
		       COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
		       reference, created_at
		FROM credit_audit_log
		WHERE wallet_address = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var before, after string
		if err := rows.Scan(&e.ID, &e.WalletAddress, &e.Actor, &e.Operation, &before, &after, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Before = json.RawMessage(before)
		e.After = json.RawMessage(after)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- MemoryAuditLogger ---

// MemoryAuditLogger keeps audit entries in memory.
type MemoryAuditLogger struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

// NewMemoryAuditLogger creates an in-memory audit logger.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

func (m *MemoryAuditLogger) LogAudit(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryAuditLogger) QueryAudit(_ context.Context, wallet string, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*AuditEntry{}
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].WalletAddress == wallet {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
