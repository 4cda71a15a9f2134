package ledger

import (
	"context"
	"sync"

	"github.com/mbd888/agentgov/internal/clock"
	"github.com/mbd888/agentgov/internal/syncutil"
)

// MemoryStore implements Store in memory (for demo/testing).
// Mutations are serialized per wallet; reads never block on a mutation.
type MemoryStore struct {
	locks *syncutil.KeyedLocker
	clk   clock.Clock

	mu       sync.RWMutex
	balances map[string]*Balance
	txs      map[string][]*Transaction
	paidTxs  map[string]bool
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithStoreClock sets the clock used to stamp newly created rows.
func WithStoreClock(c clock.Clock) MemoryStoreOption {
	return func(m *MemoryStore) { m.clk = clock.OrReal(c) }
}

// NewMemoryStore creates a new in-memory ledger store
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		locks:    syncutil.NewKeyedLocker(0),
		clk:      clock.Real(),
		balances: make(map[string]*Balance),
		txs:      make(map[string][]*Transaction),
		paidTxs:  make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// caller must hold m.mu for writing
func (m *MemoryStore) rowLocked(wallet string) *Balance {
	bal, ok := m.balances[wallet]
	if !ok {
		bal = &Balance{WalletAddress: wallet, UpdatedAt: m.clk.Now()}
		m.balances[wallet] = bal
	}
	return bal
}

func (m *MemoryStore) GetOrCreate(_ context.Context, wallet string) (*Balance, error) {
	m.mu.RLock()
	bal, ok := m.balances[wallet]
	if ok {
		cp := *bal
		m.mu.RUnlock()
		cp.settle()
		return &cp, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	cp := *m.rowLocked(wallet)
	m.mu.Unlock()
	cp.settle()
	return &cp, nil
}

func (m *MemoryStore) Mutate(ctx context.Context, wallet string, fn Mutation) (*Balance, error) {
	unlock, err := m.locks.Lock(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.Lock()
	current := *m.rowLocked(wallet)
	m.mu.Unlock()

	working := current
	working.settle()
	tx, err := fn(&working)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		current.settle()
		return &current, nil
	}
	if err := checkInvariants(&working); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.Type == TxPurchase && tx.TxID != "" {
		if m.paidTxs[tx.TxID] {
			return nil, ErrDuplicatePayment
		}
		m.paidTxs[tx.TxID] = true
	}
	working.settle()
	stored := working
	m.balances[wallet] = &stored
	txCopy := *tx
	m.txs[wallet] = append(m.txs[wallet], &txCopy)

	return &working, nil
}

func (m *MemoryStore) History(_ context.Context, wallet string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.txs[wallet]
	out := make([]*Transaction, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}
