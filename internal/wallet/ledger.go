// Package wallet implements the Wallet Ledger: every balance change in
// the system goes through Credit or Debit here, and each mutation is
// paired with exactly one append-only transaction record in the same
// logical operation. Operations on one wallet are serialized by a
// per-user lock, so concurrent scheduled jobs cannot interleave
// read-modify-write cycles on the same balance.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lendpool/funds-engine/internal/events"
	"github.com/lendpool/funds-engine/internal/metrics"
	"github.com/lendpool/funds-engine/internal/model"
	"github.com/lendpool/funds-engine/internal/store"
)

// Meta carries the cross-entity context recorded on a ledger entry.
type Meta struct {
	Reference   string // globally unique; generated when empty
	SenderID    string
	RecipientID string
	LoanID      string
	EscrowID    string
	Description string
}

// Config sets the wallet defaults applied when a wallet is first created.
type Config struct {
	Currency      string
	DefaultLimits model.WalletLimits
}

// Ledger is the single writer for wallet balances.
type Ledger struct {
	store store.Store
	hub   *events.Hub
	cfg   Config
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates a wallet ledger. hub may be nil.
func NewLedger(st store.Store, hub *events.Hub, cfg Config) *Ledger {
	if cfg.Currency == "" {
		cfg.Currency = "NGN"
	}
	return &Ledger{
		store: st,
		hub:   hub,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing operations on one user's wallet.
func (l *Ledger) lockFor(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}

// Credit adds amount to the user's wallet and appends a completed
// ledger entry. Fails with model.ErrValidation on non-positive amounts
// and model.ErrDuplicateReference on a replayed reference, in which
// case the balance is untouched.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, txnType string, meta Meta) (*model.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("credit: empty user id: %w", model.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive: %w", model.ErrValidation)
	}

	lock := l.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	w, err := l.getOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	l.rollUsageWindows(w, now)
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = now

	txn := l.buildTxn(userID, model.DirectionCredit, amount, txnType, meta, now)
	if err := l.store.ApplyWalletChange(ctx, w, txn); err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(txnType, model.DirectionCredit).Inc()
	l.hub.Broadcast(events.Event{
		Type:   "ledger." + txnType,
		UserID: userID,
		LoanID: meta.LoanID,
		Amount: amount.String(),
		At:     now,
	})
	return txn, nil
}

// Debit removes amount from the user's wallet. Fails with
// model.ErrInsufficientFunds when the balance is too low and
// model.ErrLimitExceeded when a daily or monthly cap would be crossed;
// in both cases the balance is left unchanged.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, txnType string, meta Meta) (*model.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("debit: empty user id: %w", model.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("debit amount must be positive: %w", model.ErrValidation)
	}

	lock := l.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	w, err := l.getOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	l.rollUsageWindows(w, now)

	if ok, reason := checkLimits(w, amount); !ok {
		metrics.FailedDebits.WithLabelValues("limit").Inc()
		return nil, fmt.Errorf("%s: %w", reason, model.ErrLimitExceeded)
	}
	if w.Balance.LessThan(amount) {
		metrics.FailedDebits.WithLabelValues("balance").Inc()
		return nil, fmt.Errorf("balance %s below %s: %w", w.Balance, amount, model.ErrInsufficientFunds)
	}

	w.Balance = w.Balance.Sub(amount)
	w.DailyUsage = w.DailyUsage.Add(amount)
	w.MonthlyUsage = w.MonthlyUsage.Add(amount)
	w.UpdatedAt = now

	txn := l.buildTxn(userID, model.DirectionDebit, amount, txnType, meta, now)
	if err := l.store.ApplyWalletChange(ctx, w, txn); err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(txnType, model.DirectionDebit).Inc()
	l.hub.Broadcast(events.Event{
		Type:   "ledger." + txnType,
		UserID: userID,
		LoanID: meta.LoanID,
		Amount: amount.Neg().String(),
		At:     now,
	})
	return txn, nil
}

// CheckLimits evaluates the configured caps for a prospective debit
// without mutating anything.
func (l *Ledger) CheckLimits(ctx context.Context, userID string, amount decimal.Decimal) (bool, string, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return true, "", nil // fresh wallet, nothing used yet
		}
		return false, "", err
	}
	l.rollUsageWindows(w, l.now())
	ok, reason := checkLimits(w, amount)
	return ok, reason, nil
}

// AddTransaction appends a ledger entry that does not move a wallet
// balance, such as the lender→escrow custody record written when a
// funding payment verifies. Duplicate references are rejected.
func (l *Ledger) AddTransaction(ctx context.Context, txn *model.Transaction) error {
	if txn.Reference == "" {
		return fmt.Errorf("transaction reference required: %w", model.ErrValidation)
	}
	if !txn.Amount.IsPositive() {
		return fmt.Errorf("transaction amount must be positive: %w", model.ErrValidation)
	}
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = l.now()
	}
	if err := l.store.InsertTransaction(ctx, txn); err != nil {
		return err
	}
	metrics.LedgerEntries.WithLabelValues(txn.Type, "none").Inc()
	return nil
}

// Wallet returns the user's wallet with its ledger entries attached.
func (l *Ledger) Wallet(ctx context.Context, userID string) (*model.Wallet, []model.Transaction, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	txns, err := l.store.ListTransactionsByUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return w, txns, nil
}

// --- internals ---

func (l *Ledger) getOrCreate(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	now := l.now()
	w = &model.Wallet{
		UserID:       userID,
		Balance:      decimal.Zero,
		Currency:     l.cfg.Currency,
		DailyUsage:   decimal.Zero,
		MonthlyUsage: decimal.Zero,
		UsageDay:     now.Format("2006-01-02"),
		UsageMonth:   now.Format("2006-01"),
		Limits:       l.cfg.DefaultLimits,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.store.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return l.store.GetWallet(ctx, userID)
		}
		return nil, err
	}
	return w, nil
}

// rollUsageWindows resets usage counters when the calendar day or month
// has moved past the recorded window.
func (l *Ledger) rollUsageWindows(w *model.Wallet, now time.Time) {
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	if w.UsageDay != day {
		w.UsageDay = day
		w.DailyUsage = decimal.Zero
	}
	if w.UsageMonth != month {
		w.UsageMonth = month
		w.MonthlyUsage = decimal.Zero
	}
}

func checkLimits(w *model.Wallet, amount decimal.Decimal) (bool, string) {
	if w.Limits.DailyDebit.IsPositive() && w.DailyUsage.Add(amount).GreaterThan(w.Limits.DailyDebit) {
		return false, "daily debit limit exceeded"
	}
	if w.Limits.MonthlyDebit.IsPositive() && w.MonthlyUsage.Add(amount).GreaterThan(w.Limits.MonthlyDebit) {
		return false, "monthly debit limit exceeded"
	}
	return true, ""
}

func (l *Ledger) buildTxn(userID, direction string, amount decimal.Decimal, txnType string, meta Meta, now time.Time) *model.Transaction {
	ref := meta.Reference
	if ref == "" {
		ref = uuid.New().String()
	}
	return &model.Transaction{
		ID:          uuid.New().String(),
		Reference:   ref,
		Type:        txnType,
		Amount:      amount,
		Status:      model.TxnCompleted,
		SenderID:    meta.SenderID,
		RecipientID: meta.RecipientID,
		WalletID:    userID,
		Direction:   direction,
		LoanID:      meta.LoanID,
		EscrowID:    meta.EscrowID,
		Description: meta.Description,
		CreatedAt:   now,
	}
}
