// Package ledger is the credit ledger: per-wallet balances with purchase,
// grant, per-turn deduction and a reserve / consume / release protocol.
//
// Every mutation is a single check-then-write against one wallet row
// (Store.Mutate), so concurrent sessions can never push available credits
// below zero. "Can I afford this" outcomes are result structs, not errors.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mbd888/agentgov/internal/clock"
	"github.com/mbd888/agentgov/internal/config"
	"github.com/mbd888/agentgov/internal/idgen"
	"github.com/mbd888/agentgov/internal/logging"
	"github.com/mbd888/agentgov/internal/traces"
	"github.com/mbd888/agentgov/internal/validation"
)

var (
	ErrInvalidWallet     = errors.New("invalid wallet address")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDuplicatePayment  = errors.New("payment already credited")
	ErrBalanceInvariant  = errors.New("balance invariant violated")
	ErrConfigUnavailable = errors.New("credit config store not configured")
	ErrInvalidConfig     = errors.New("invalid credit config")
)

// History limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// MaxGroupMembers bounds memberCount for a group reservation.
const MaxGroupMembers = 10_000

// MicroUnitsPerAlgo is the number of payment micro-units in one ALGO.
const MicroUnitsPerAlgo = 1_000_000

// TxType classifies a credit transaction.
type TxType string

const (
	TxPurchase     TxType = "purchase"
	TxGrant        TxType = "grant"
	TxDeduction    TxType = "deduction"
	TxAgentMessage TxType = "agent_message"
	TxReserve      TxType = "reserve"
	TxConsume      TxType = "consume"
	TxRelease      TxType = "release"
)

// Balance is one wallet's credit state. Available = Credits - Reserved.
type Balance struct {
	WalletAddress  string    `json:"walletAddress"`
	Credits        int64     `json:"credits"`
	Reserved       int64     `json:"reserved"`
	Available      int64     `json:"available"`
	TotalPurchased int64     `json:"totalPurchased"`
	TotalConsumed  int64     `json:"totalConsumed"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (b *Balance) settle() {
	b.Available = b.Credits - b.Reserved
}

func (b *Balance) spendable() int64 {
	return b.Credits - b.Reserved
}

// checkInvariants rejects any state a ledger operation must never produce.
func checkInvariants(b *Balance) error {
	if b.Credits < 0 || b.Reserved < 0 || b.Credits < b.Reserved {
		return fmt.Errorf("%w: credits=%d reserved=%d", ErrBalanceInvariant, b.Credits, b.Reserved)
	}
	return nil
}

// Transaction is one append-only ledger event.
type Transaction struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"walletAddress"`
	Type          TxType    `json:"type"`
	Amount        int64     `json:"amount"`
	Reference     string    `json:"reference"`
	SessionID     string    `json:"sessionId,omitempty"`
	TxID          string    `json:"txid,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Mutation inspects and edits a wallet's balance inside Store.Mutate.
// Returning a nil transaction and nil error leaves the row untouched.
type Mutation func(bal *Balance) (*Transaction, error)

// Store persists balances and the transaction log.
type Store interface {
	// GetOrCreate returns the wallet's balance, inserting a zero row on first reference.
	GetOrCreate(ctx context.Context, wallet string) (*Balance, error)
	// Mutate runs fn against the current balance with the wallet exclusively
	// held, then persists the edited balance and fn's transaction as one unit.
	Mutate(ctx context.Context, wallet string, fn Mutation) (*Balance, error)
	// History returns up to limit transactions, newest first.
	History(ctx context.Context, wallet string, limit int) ([]*Transaction, error)
}

// CreditResult describes a purchase or grant.
type CreditResult struct {
	CreditsAdded int64        `json:"creditsAdded"`
	Balance      *Balance     `json:"balance"`
	Transaction  *Transaction `json:"transaction"`
}

// DeductResult is the outcome of a per-turn or per-message charge.
// CreditsRemaining is the wallet's available credits after the call.
type DeductResult struct {
	Success          bool  `json:"success"`
	CreditsRemaining int64 `json:"creditsRemaining"`
	IsLow            bool  `json:"isLow"`
	IsExhausted      bool  `json:"isExhausted"`
}

// ReserveResult is the outcome of a group reservation.
type ReserveResult struct {
	Success   bool  `json:"success"`
	Amount    int64 `json:"amount"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

// SessionCheck answers whether a wallet may open a new session.
type SessionCheck struct {
	Allowed bool   `json:"allowed"`
	Credits int64  `json:"credits"`
	Reason  string `json:"reason,omitempty"`
}

// Ledger applies credit operations to a Store.
type Ledger struct {
	store   Store
	cfg     atomic.Pointer[config.CreditConfig]
	configs ConfigStore
	audit   AuditLogger
	clk     clock.Clock
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithAuditLogger records every mutation to a.
func WithAuditLogger(a AuditLogger) Option { return func(l *Ledger) { l.audit = a } }

// WithConfigStore persists admin config overrides to cs.
func WithConfigStore(cs ConfigStore) Option { return func(l *Ledger) { l.configs = cs } }

// WithClock sets the clock used for transaction timestamps.
func WithClock(c clock.Clock) Option { return func(l *Ledger) { l.clk = clock.OrReal(c) } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }

// New creates a ledger over store using cfg as the live economic config.
func New(store Store, cfg config.CreditConfig, opts ...Option) *Ledger {
	l := &Ledger{store: store, clk: clock.Real(), logger: slog.Default()}
	l.cfg.Store(&cfg)
	for _, o := range opts {
		o(l)
	}
	return l
}

// Config returns a copy of the live economic config.
func (l *Ledger) Config() config.CreditConfig {
	return *l.cfg.Load()
}

func normalizeWallet(wallet string) (string, error) {
	w := validation.NormalizeWallet(wallet)
	if !validation.IsValidWallet(w) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWallet, wallet)
	}
	return w, nil
}

// GetBalance returns the wallet's balance, creating a zero row on first reference.
func (l *Ledger) GetBalance(ctx context.Context, wallet string) (*Balance, error) {
	w, err := normalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	return l.store.GetOrCreate(ctx, w)
}

// CreditsForPayment converts payment micro-units to credits at rate credits
// per ALGO, flooring any fraction. Split into whole and fractional parts so
// large payments do not overflow the intermediate product.
func CreditsForPayment(microUnits, rate int64) int64 {
	whole := microUnits / MicroUnitsPerAlgo
	frac := microUnits % MicroUnitsPerAlgo
	return whole*rate + frac*rate/MicroUnitsPerAlgo
}

// FormatAlgo renders micro-units as a human-readable ALGO amount ("1 ALGO", "0.5 ALGO").
func FormatAlgo(microUnits int64) string {
	whole := microUnits / MicroUnitsPerAlgo
	frac := microUnits % MicroUnitsPerAlgo
	if frac == 0 {
		return fmt.Sprintf("%d ALGO", whole)
	}
	digits := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%d.%s ALGO", whole, digits)
}

// PurchaseCredits credits a wallet for an on-chain payment. Payments below
// the smallest credit floor to zero credits and still record a purchase.
// A txid already credited returns ErrDuplicatePayment.
func (l *Ledger) PurchaseCredits(ctx context.Context, wallet string, microUnits int64, txid string) (*CreditResult, error) {
	if microUnits < 0 {
		return nil, ErrInvalidAmount
	}
	credits := CreditsForPayment(microUnits, l.Config().CreditsPerAlgo)
	return l.credit(ctx, "purchase", wallet, TxPurchase, credits, FormatAlgo(microUnits), strings.TrimSpace(txid))
}

// GrantCredits adds credits administratively. Same ledger effect as a
// purchase, including TotalPurchased.
func (l *Ledger) GrantCredits(ctx context.Context, wallet string, amount int64, reference string) (*CreditResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		reference = "admin_grant"
	}
	return l.credit(ctx, "grant", wallet, TxGrant, amount, reference, "")
}

func (l *Ledger) credit(ctx context.Context, op, wallet string, typ TxType, amount int64, reference, txid string) (*CreditResult, error) {
	var recorded *Transaction
	bal, err := l.mutate(ctx, op, wallet, func(b *Balance) (*Transaction, error) {
		b.Credits += amount
		b.TotalPurchased += amount
		recorded = l.newTx(b.WalletAddress, typ, amount, reference, "", txid)
		return recorded, nil
	})
	if err != nil {
		return nil, err
	}
	creditsMoved.WithLabelValues(string(typ)).Add(float64(amount))
	return &CreditResult{CreditsAdded: amount, Balance: bal, Transaction: recorded}, nil
}

// DeductTurnCredits charges one conversation turn.
func (l *Ledger) DeductTurnCredits(ctx context.Context, wallet, sessionID string) (*DeductResult, error) {
	return l.deduct(ctx, "deduct_turn", wallet, l.Config().CreditsPerTurn, TxDeduction, "turn", sessionID)
}

// DeductAgentMessageCredits charges one agent-to-agent message.
func (l *Ledger) DeductAgentMessageCredits(ctx context.Context, wallet, targetAgentID, sessionID string) (*DeductResult, error) {
	return l.deduct(ctx, "deduct_agent_message", wallet, l.Config().CreditsPerAgentMessage, TxAgentMessage, "to:"+targetAgentID, sessionID)
}

func (l *Ledger) deduct(ctx context.Context, op, wallet string, cost int64, typ TxType, reference, sessionID string) (*DeductResult, error) {
	charged := false
	bal, err := l.mutate(ctx, op, wallet, func(b *Balance) (*Transaction, error) {
		charged = false
		if b.spendable() < cost {
			return nil, nil
		}
		b.Credits -= cost
		b.TotalConsumed += cost
		charged = true
		return l.newTx(b.WalletAddress, typ, cost, reference, sessionID, ""), nil
	})
	if err != nil {
		return nil, err
	}
	if charged {
		creditsMoved.WithLabelValues(string(typ)).Add(float64(cost))
	} else {
		ledgerOutcomes.WithLabelValues(op, "insufficient").Inc()
	}

	threshold := l.Config().LowCreditThreshold
	return &DeductResult{
		Success:          charged,
		CreditsRemaining: bal.Available,
		IsLow:            bal.Available <= threshold,
		IsExhausted:      bal.Available == 0,
	}, nil
}

// ReserveGroupCredits earmarks memberCount * ReservePerGroupMessage credits.
// All or nothing: an insufficient balance reserves nothing.
func (l *Ledger) ReserveGroupCredits(ctx context.Context, wallet string, memberCount int) (*ReserveResult, error) {
	if memberCount <= 0 || memberCount > MaxGroupMembers {
		return nil, ErrInvalidAmount
	}
	per := l.Config().ReservePerGroupMessage
	amount := int64(memberCount) * per
	if amount/int64(memberCount) != per {
		return nil, ErrInvalidAmount
	}
	reserved := false
	bal, err := l.mutate(ctx, "reserve", wallet, func(b *Balance) (*Transaction, error) {
		reserved = false
		if b.spendable() < amount {
			return nil, nil
		}
		b.Reserved += amount
		reserved = true
		return l.newTx(b.WalletAddress, TxReserve, amount, fmt.Sprintf("group:%d", memberCount), "", ""), nil
	})
	if err != nil {
		return nil, err
	}
	if !reserved {
		ledgerOutcomes.WithLabelValues("reserve", "insufficient").Inc()
	}
	return &ReserveResult{Success: reserved, Amount: amount, Reserved: bal.Reserved, Available: bal.Available}, nil
}

// ConsumeReservedCredits spends up to amount of the active reservation.
// The charge is clamped to what is reserved.
func (l *Ledger) ConsumeReservedCredits(ctx context.Context, wallet string, amount int64) (*Balance, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, "consume", wallet, func(b *Balance) (*Transaction, error) {
		n := min(amount, b.Reserved)
		if n == 0 {
			return nil, nil
		}
		b.Credits -= n
		b.Reserved -= n
		b.TotalConsumed += n
		return l.newTx(b.WalletAddress, TxConsume, n, "group_reservation", "", ""), nil
	})
}

// ReleaseReservedCredits cancels up to amount of the active reservation.
// Reserved never drops below zero; credits are untouched.
func (l *Ledger) ReleaseReservedCredits(ctx context.Context, wallet string, amount int64) (*Balance, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, "release", wallet, func(b *Balance) (*Transaction, error) {
		n := min(amount, b.Reserved)
		if n == 0 {
			return nil, nil
		}
		b.Reserved -= n
		return l.newTx(b.WalletAddress, TxRelease, n, "group_reservation", "", ""), nil
	})
}

// HasAnyCredits reports whether the wallet holds or has ever held credits.
func (l *Ledger) HasAnyCredits(ctx context.Context, wallet string) (bool, error) {
	bal, err := l.GetBalance(ctx, wallet)
	if err != nil {
		return false, err
	}
	return bal.Credits > 0 || bal.TotalPurchased > 0, nil
}

// IsFirstTimeWallet reports whether nothing was ever purchased or granted.
func (l *Ledger) IsFirstTimeWallet(ctx context.Context, wallet string) (bool, error) {
	bal, err := l.GetBalance(ctx, wallet)
	if err != nil {
		return false, err
	}
	return bal.TotalPurchased == 0, nil
}

// MaybeGrantFirstTimeCredits grants the first-message bonus once per wallet
// and returns the amount granted (0 when the wallet is not new).
func (l *Ledger) MaybeGrantFirstTimeCredits(ctx context.Context, wallet string) (int64, error) {
	bonus := l.Config().FreeCreditsOnFirstMessage
	var granted int64
	_, err := l.mutate(ctx, "first_time_grant", wallet, func(b *Balance) (*Transaction, error) {
		granted = 0
		if b.TotalPurchased != 0 || bonus <= 0 {
			return nil, nil
		}
		b.Credits += bonus
		b.TotalPurchased += bonus
		granted = bonus
		return l.newTx(b.WalletAddress, TxGrant, bonus, "first_message_bonus", "", ""), nil
	})
	if err != nil {
		return 0, err
	}
	if granted > 0 {
		creditsMoved.WithLabelValues(string(TxGrant)).Add(float64(granted))
	}
	return granted, nil
}

// CanStartSession allows a session only when some credits are available.
func (l *Ledger) CanStartSession(ctx context.Context, wallet string) (*SessionCheck, error) {
	bal, err := l.GetBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if bal.Available <= 0 {
		return &SessionCheck{Allowed: false, Credits: bal.Available, Reason: "No credits available. Purchase credits to continue."}, nil
	}
	return &SessionCheck{Allowed: true, Credits: bal.Available}, nil
}

// GetTransactionHistory returns the wallet's transactions newest first.
func (l *Ledger) GetTransactionHistory(ctx context.Context, wallet string, limit int) ([]*Transaction, error) {
	w, err := normalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return l.store.History(ctx, w, limit)
}

func (l *Ledger) newTx(wallet string, typ TxType, amount int64, reference, sessionID, txid string) *Transaction {
	return &Transaction{
		ID:            idgen.WithPrefix(idgen.PrefixCreditTx),
		WalletAddress: wallet,
		Type:          typ,
		Amount:        amount,
		Reference:     reference,
		SessionID:     sessionID,
		TxID:          txid,
		CreatedAt:     l.clk.Now(),
	}
}

// mutate wraps Store.Mutate with tracing, metrics and the audit trail.
func (l *Ledger) mutate(ctx context.Context, op, wallet string, fn Mutation) (*Balance, error) {
	w, err := normalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.Wallet(w), traces.Op(op))
	done := observeOp(op)

	var before Balance
	var tx *Transaction
	bal, err := l.store.Mutate(ctx, w, func(b *Balance) (*Transaction, error) {
		before = *b
		t, ferr := fn(b)
		if t != nil {
			b.UpdatedAt = t.CreatedAt
		}
		tx = t
		return t, ferr
	})
	done()
	traces.End(span, err)
	if err != nil {
		ledgerOutcomes.WithLabelValues(op, "error").Inc()
		if !errors.Is(err, ErrDuplicatePayment) {
			logging.L(ctx).Error("ledger mutation failed", "op", op, "wallet", w, "error", err)
		}
		return nil, err
	}
	if tx != nil {
		ledgerOutcomes.WithLabelValues(op, "ok").Inc()
		l.recordAudit(ctx, op, &before, bal, tx)
	}
	return bal, nil
}
