package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/mbd888/agentgov/internal/logging"
)

// ConfigStore persists credit config overrides as key/value pairs.
type ConfigStore interface {
	LoadOverrides(ctx context.Context) (map[string]string, error)
	SaveOverride(ctx context.Context, key, value string) error
}

// LoadConfigOverrides applies persisted overrides on top of the live config.
// Unusable rows are logged and skipped.
func (l *Ledger) LoadConfigOverrides(ctx context.Context) error {
	if l.configs == nil {
		return nil
	}
	overrides, err := l.configs.LoadOverrides(ctx)
	if err != nil {
		return fmt.Errorf("load credit config overrides: %w", err)
	}
	cfg := l.Config()
	for key, value := range overrides {
		if err := cfg.ApplyOverride(key, value); err != nil {
			logging.L(ctx).Warn("ignoring credit config override", "key", key, "error", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.cfg.Store(&cfg)
	return nil
}

// UpdateConfig validates, persists and activates one override. Last write wins.
func (l *Ledger) UpdateConfig(ctx context.Context, key, value string) error {
	if l.configs == nil {
		return ErrConfigUnavailable
	}
	cfg := l.Config()
	if err := cfg.ApplyOverride(key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := l.configs.SaveOverride(ctx, key, value); err != nil {
		return err
	}
	l.cfg.Store(&cfg)
	logging.L(ctx).Info("credit config updated", "key", key, "value", value)
	return nil
}

// MemoryConfigStore keeps overrides in memory.
type MemoryConfigStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryConfigStore creates an empty in-memory config store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{values: make(map[string]string)}
}

func (m *MemoryConfigStore) LoadOverrides(context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryConfigStore) SaveOverride(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

// PostgresConfigStore persists overrides in credit_config.
type PostgresConfigStore struct {
	db *sql.DB
}

// NewPostgresConfigStore creates a PostgreSQL-backed config store.
func NewPostgresConfigStore(db *sql.DB) *PostgresConfigStore {
	return &PostgresConfigStore{db: db}
}

func (p *PostgresConfigStore) LoadOverrides(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM credit_config`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *PostgresConfigStore) SaveOverride(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_config (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	return err
}
