//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/mbd888/agentgov/internal/config"
	"github.com/mbd888/agentgov/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPGLedger(t *testing.T) *Ledger {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return New(NewPostgresStore(db), config.DefaultCreditConfig(),
		WithAuditLogger(NewPostgresAuditLogger(db)),
		WithConfigStore(NewPostgresConfigStore(db)))
}

func TestPostgres_GetBalanceIdempotent(t *testing.T) {
	l := newPGLedger(t)
	ctx := context.Background()

	b1, err := l.GetBalance(ctx, walletA)
	require.NoError(t, err)
	b2, err := l.GetBalance(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, b1.WalletAddress, b2.WalletAddress)
	assert.Equal(t, int64(0), b2.Credits)
}

func TestPostgres_PurchaseDuplicateTxID(t *testing.T) {
	l := newPGLedger(t)
	ctx := context.Background()

	res, err := l.PurchaseCredits(ctx, walletA, 1_000_000, "ALGOTX1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Balance.Credits)

	_, err = l.PurchaseCredits(ctx, walletA, 1_000_000, "ALGOTX1")
	assert.ErrorIs(t, err, ErrDuplicatePayment)

	bal, _ := l.GetBalance(ctx, walletA)
	assert.Equal(t, int64(1000), bal.Credits)
}

func TestPostgres_ReservationLifecycle(t *testing.T) {
	l := newPGLedger(t)
	ctx := context.Background()
	_, err := l.GrantCredits(ctx, walletA, 100, "")
	require.NoError(t, err)

	res, err := l.ReserveGroupCredits(ctx, walletA, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Reserved)
	assert.Equal(t, int64(80), res.Available)

	bal, err := l.ConsumeReservedCredits(ctx, walletA, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(80), bal.Credits)
	assert.Equal(t, int64(0), bal.Reserved)

	bal, err = l.ReleaseReservedCredits(ctx, walletA, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Reserved)

	txs, err := l.GetTransactionHistory(ctx, walletA, 10)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, TxConsume, txs[0].Type)

	audit, err := l.QueryAudit(ctx, walletA, 10)
	require.NoError(t, err)
	assert.Len(t, audit, 3)
}

func TestPostgres_ConcurrentDeduct(t *testing.T) {
	l := newPGLedger(t)
	ctx := context.Background()
	_, err := l.GrantCredits(ctx, walletA, 5, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.DeductTurnCredits(ctx, walletA, "")
			if err == nil && res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, successes, 5)
	bal, _ := l.GetBalance(ctx, walletA)
	assert.GreaterOrEqual(t, bal.Credits, int64(0))
	assert.Equal(t, int64(5-successes), bal.Credits)
}

func TestPostgres_ConfigOverrides(t *testing.T) {
	l := newPGLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpdateConfig(ctx, config.KeyCreditsPerTurn, "2"))
	fresh := New(l.store, config.DefaultCreditConfig(), WithConfigStore(l.configs))
	require.NoError(t, fresh.LoadConfigOverrides(ctx))
	assert.Equal(t, int64(2), fresh.Config().CreditsPerTurn)
}
