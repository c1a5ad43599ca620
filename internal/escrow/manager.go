// Package escrow implements the custodial state machine for lender
// funds: pending → held → released/refunded, with pre-funding
// cancellation. Transitions are validated against the allowed-transition
// table in model and persisted with status-guarded conditional writes,
// so state only ever advances after explicit external confirmation.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lendpool/funds-engine/internal/events"
	"github.com/lendpool/funds-engine/internal/gateway"
	"github.com/lendpool/funds-engine/internal/metrics"
	"github.com/lendpool/funds-engine/internal/model"
	"github.com/lendpool/funds-engine/internal/notify"
	"github.com/lendpool/funds-engine/internal/store"
	"github.com/lendpool/funds-engine/internal/wallet"

	"github.com/google/uuid"
)

// Manager owns every escrow transition. Operations on one escrow are
// serialized by a per-escrow lock on top of the store's conditional
// writes.
type Manager struct {
	store    store.Store
	ledger   *wallet.Ledger
	gateway  gateway.Gateway
	notifier notify.Notifier
	hub      *events.Hub
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates an escrow manager. hub may be nil; nowFn nil means
// time.Now (UTC).
func NewManager(st store.Store, ledger *wallet.Ledger, gw gateway.Gateway, notifier notify.Notifier, hub *events.Hub, nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Manager{
		store:    st,
		ledger:   ledger,
		gateway:  gw,
		notifier: notifier,
		hub:      hub,
		now:      nowFn,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(escrowID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[escrowID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[escrowID] = l
	}
	return l
}

// Create opens a pending escrow for an approved loan. Fails with
// model.ErrConflict if an escrow already exists for the loan or the
// loan is not approved.
func (m *Manager) Create(ctx context.Context, loanID, lenderID, borrowerID string, amount decimal.Decimal) (*model.Escrow, error) {
	if loanID == "" || lenderID == "" || borrowerID == "" {
		return nil, fmt.Errorf("loan, lender and borrower ids required: %w", model.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("escrow amount must be positive: %w", model.ErrValidation)
	}

	loan, err := m.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != model.LoanApproved {
		return nil, fmt.Errorf("loan %s is %s, not approved: %w", loanID, loan.Status, model.ErrConflict)
	}

	now := m.now()
	e := &model.Escrow{
		ID:         uuid.New().String(),
		LoanID:     loanID,
		LenderID:   lenderID,
		BorrowerID: borrowerID,
		Amount:     amount,
		Status:     model.EscrowPending,
		Conditions: model.ReleaseConditions{LoanApproved: true},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateEscrow(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowPending)).Inc()
	slog.Info("escrow created", "escrow", e.ID, "loan", loanID, "amount", amount.String())
	return e, nil
}

// Fund initializes a gateway payment for a pending escrow and stores
// the resulting reference. The escrow stays pending until the payment
// is verified.
func (m *Manager) Fund(ctx context.Context, escrowID, payerEmail string) (*gateway.InitResponse, error) {
	lock := m.lockFor(escrowID)
	lock.Lock()
	defer lock.Unlock()

	e, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != model.EscrowPending {
		return nil, fmt.Errorf("escrow %s is %s, not pending: %w", escrowID, e.Status, model.ErrConflict)
	}

	init, err := m.gateway.InitializePayment(ctx, gateway.InitRequest{
		Amount:     e.Amount,
		PayerEmail: payerEmail,
		Metadata:   map[string]string{"escrow_id": e.ID, "loan_id": e.LoanID},
	})
	if err != nil {
		// Escrow keeps its pre-call status; retry is safe.
		return nil, err
	}

	e.Payment.GatewayReference = init.Reference
	e.Payment.PaymentStatus = model.PaymentStatusPending
	e.UpdatedAt = m.now()
	if err := m.store.UpdateEscrow(ctx, e, model.EscrowPending); err != nil {
		return nil, err
	}

	slog.Info("escrow funding initialized", "escrow", e.ID, "reference", init.Reference)
	return init, nil
}

// Verify resolves a gateway payment reference. On a confirmed payment
// the escrow moves pending→held and the custody ledger entry (lender→
// escrow) is appended; the unique reference makes re-verification of a
// replayed webhook a no-op. A failed payment is recorded and leaves the
// escrow pending for retry.
func (m *Manager) Verify(ctx context.Context, reference string) (*model.Escrow, error) {
	e, err := m.store.GetEscrowByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(e.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; another verification may have won.
	e, err = m.store.GetEscrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if e.Status != model.EscrowPending {
		return e, nil // already advanced, idempotent no-op
	}

	result, err := m.gateway.VerifyPayment(ctx, reference)
	if err != nil {
		// Network/timeout: escrow untouched, retryable.
		return nil, err
	}

	now := m.now()
	if result.Status != model.PaymentStatusCompleted {
		e.Payment.PaymentStatus = model.PaymentStatusFailed
		e.UpdatedAt = now
		if err := m.store.UpdateEscrow(ctx, e, model.EscrowPending); err != nil {
			return nil, err
		}
		slog.Warn("escrow payment failed", "escrow", e.ID, "reference", reference)
		return e, nil
	}

	// Custody record: lender funds entered escrow. The gateway reference
	// is the transaction reference, so a replay cannot double-record.
	custody := &model.Transaction{
		Reference:   reference,
		Type:        model.TxnEscrowFunding,
		Amount:      e.Amount,
		Status:      model.TxnCompleted,
		SenderID:    e.LenderID,
		LoanID:      e.LoanID,
		EscrowID:    e.ID,
		Description: "lender funds held in escrow",
	}
	if err := m.ledger.AddTransaction(ctx, custody); err != nil && !errors.Is(err, model.ErrDuplicateReference) {
		return nil, err
	}

	e.Status = model.EscrowHeld
	e.Payment.PaymentStatus = model.PaymentStatusCompleted
	e.Payment.GatewayTransactionID = result.GatewayTransactionID
	e.UpdatedAt = now
	if err := m.store.UpdateEscrow(ctx, e, model.EscrowPending); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return m.store.GetEscrow(ctx, e.ID) // lost the race to another verifier
		}
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowHeld)).Inc()
	m.notifier.Notify(ctx, notify.EventEscrowFunded, e)
	m.hub.Broadcast(events.Event{
		Type: notify.EventEscrowFunded, EscrowID: e.ID, LoanID: e.LoanID,
		Status: string(e.Status), Amount: e.Amount.String(), At: now,
	})
	slog.Info("escrow held", "escrow", e.ID, "loan", e.LoanID, "amount", e.Amount.String())

	if e.Conditions.AllConditionsMet {
		return m.release(ctx, e.ID, "", "auto-release: all conditions met")
	}
	return e, nil
}

// ConditionPatch merges boolean release-condition flags; nil fields are
// left unchanged.
type ConditionPatch struct {
	LoanApproved       *bool `json:"loan_approved,omitempty"`
	KYCVerified        *bool `json:"kyc_verified,omitempty"`
	CollateralVerified *bool `json:"collateral_verified,omitempty"`
}

// UpdateConditions merges the patch, recomputes the derived flag, and
// auto-releases when a held escrow becomes fully cleared.
func (m *Manager) UpdateConditions(ctx context.Context, escrowID string, patch ConditionPatch) (*model.Escrow, error) {
	lock := m.lockFor(escrowID)
	lock.Lock()
	defer lock.Unlock()

	e, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != model.EscrowPending && e.Status != model.EscrowHeld {
		return nil, fmt.Errorf("escrow %s is %s, conditions frozen: %w", escrowID, e.Status, model.ErrConflict)
	}

	if patch.LoanApproved != nil {
		e.Conditions.LoanApproved = *patch.LoanApproved
	}
	if patch.KYCVerified != nil {
		e.Conditions.KYCVerified = *patch.KYCVerified
	}
	if patch.CollateralVerified != nil {
		e.Conditions.CollateralVerified = *patch.CollateralVerified
	}
	e.Conditions.Recompute()
	e.UpdatedAt = m.now()

	if err := m.store.UpdateEscrow(ctx, e, e.Status); err != nil {
		return nil, err
	}

	if e.Status == model.EscrowHeld && e.Conditions.AllConditionsMet {
		return m.release(ctx, escrowID, "", "auto-release: all conditions met")
	}
	return e, nil
}

// Release disburses held funds to the borrower. Precondition: the
// escrow is held and all release conditions are met; otherwise
// model.ErrConflict. Releasing twice credits exactly once.
func (m *Manager) Release(ctx context.Context, escrowID, releasedBy, reason string) (*model.Escrow, error) {
	lock := m.lockFor(escrowID)
	lock.Lock()
	defer lock.Unlock()
	return m.release(ctx, escrowID, releasedBy, reason)
}

// release requires the caller to hold the escrow lock.
func (m *Manager) release(ctx context.Context, escrowID, releasedBy, reason string) (*model.Escrow, error) {
	e, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != model.EscrowHeld {
		return nil, fmt.Errorf("escrow %s is %s, not held: %w", escrowID, e.Status, model.ErrConflict)
	}
	if !e.Conditions.AllConditionsMet {
		return nil, fmt.Errorf("escrow %s release conditions not met: %w", escrowID, model.ErrConflict)
	}

	// Credit the borrower first: the status is only persisted as
	// released once the wallet credit succeeded. The fixed reference
	// makes a crashed retry safe — the second credit deduplicates.
	_, err = m.ledger.Credit(ctx, e.BorrowerID, e.Amount, model.TxnEscrowRelease, wallet.Meta{
		Reference:   "escrow-release:" + e.ID,
		SenderID:    e.LenderID,
		RecipientID: e.BorrowerID,
		LoanID:      e.LoanID,
		EscrowID:    e.ID,
		Description: "escrow released to borrower",
	})
	if err != nil && !errors.Is(err, model.ErrDuplicateReference) {
		return nil, err
	}

	now := m.now()
	e.Status = model.EscrowReleased
	e.ReleasedAt = &now
	e.ReleasedBy = releasedBy
	e.Reason = reason
	e.UpdatedAt = now
	if err := m.store.UpdateEscrow(ctx, e, model.EscrowHeld); err != nil {
		return nil, err
	}

	m.setLoanStatus(ctx, e.LoanID, model.LoanFunded)
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowReleased)).Inc()
	m.notifier.Notify(ctx, notify.EventEscrowReleased, e)
	m.hub.Broadcast(events.Event{
		Type: notify.EventEscrowReleased, EscrowID: e.ID, LoanID: e.LoanID,
		UserID: e.BorrowerID, Status: string(e.Status), Amount: e.Amount.String(), At: now,
	})
	slog.Info("escrow released", "escrow", e.ID, "loan", e.LoanID, "by", releasedBy, "reason", reason)
	return e, nil
}

// Refund returns funds to the lender from a held or pending escrow and
// cancels the loan.
func (m *Manager) Refund(ctx context.Context, escrowID, refundedBy, reason string) (*model.Escrow, error) {
	lock := m.lockFor(escrowID)
	lock.Lock()
	defer lock.Unlock()

	e, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != model.EscrowHeld && e.Status != model.EscrowPending {
		return nil, fmt.Errorf("escrow %s is %s, not refundable: %w", escrowID, e.Status, model.ErrConflict)
	}
	prev := e.Status

	_, err = m.ledger.Credit(ctx, e.LenderID, e.Amount, model.TxnEscrowRefund, wallet.Meta{
		Reference:   "escrow-refund:" + e.ID,
		RecipientID: e.LenderID,
		LoanID:      e.LoanID,
		EscrowID:    e.ID,
		Description: "escrow refunded to lender",
	})
	if err != nil && !errors.Is(err, model.ErrDuplicateReference) {
		return nil, err
	}

	now := m.now()
	e.Status = model.EscrowRefunded
	e.RefundedAt = &now
	e.RefundedBy = refundedBy
	e.Reason = reason
	e.UpdatedAt = now
	if err := m.store.UpdateEscrow(ctx, e, prev); err != nil {
		return nil, err
	}

	m.setLoanStatus(ctx, e.LoanID, model.LoanCancelled)
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowRefunded)).Inc()
	m.notifier.Notify(ctx, notify.EventEscrowRefunded, e)
	m.hub.Broadcast(events.Event{
		Type: notify.EventEscrowRefunded, EscrowID: e.ID, LoanID: e.LoanID,
		UserID: e.LenderID, Status: string(e.Status), Amount: e.Amount.String(), At: now,
	})
	slog.Info("escrow refunded", "escrow", e.ID, "loan", e.LoanID, "by", refundedBy, "reason", reason)
	return e, nil
}

// Cancel closes a pending escrow before any funds were held. No money
// moves.
func (m *Manager) Cancel(ctx context.Context, escrowID, reason string) (*model.Escrow, error) {
	lock := m.lockFor(escrowID)
	lock.Lock()
	defer lock.Unlock()

	e, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != model.EscrowPending {
		return nil, fmt.Errorf("escrow %s is %s, not pending: %w", escrowID, e.Status, model.ErrConflict)
	}

	now := m.now()
	e.Status = model.EscrowCancelled
	e.Reason = reason
	e.UpdatedAt = now
	if err := m.store.UpdateEscrow(ctx, e, model.EscrowPending); err != nil {
		return nil, err
	}

	m.setLoanStatus(ctx, e.LoanID, model.LoanCancelled)
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowCancelled)).Inc()
	m.notifier.Notify(ctx, notify.EventEscrowCancelled, e)
	slog.Info("escrow cancelled", "escrow", e.ID, "loan", e.LoanID, "reason", reason)
	return e, nil
}

// Get returns one escrow.
func (m *Manager) Get(ctx context.Context, escrowID string) (*model.Escrow, error) {
	return m.store.GetEscrow(ctx, escrowID)
}

// SweepReleases re-checks held escrows whose conditions are fully met
// and releases them. Covers conditions that were updated while an
// earlier release attempt failed. Per-escrow errors are logged and
// skipped.
func (m *Manager) SweepReleases(ctx context.Context) error {
	held, err := m.store.ListEscrowsByStatus(ctx, model.EscrowHeld)
	if err != nil {
		return err
	}
	for i := range held {
		e := &held[i]
		if !e.Conditions.AllConditionsMet {
			continue
		}
		if _, err := m.Release(ctx, e.ID, "", "auto-release sweep"); err != nil {
			slog.Error("auto-release sweep", "escrow", e.ID, "err", err)
		}
	}
	return nil
}

// setLoanStatus flips the loan after a terminal escrow transition. The
// escrow transition already happened; a loan write failure is logged,
// never unwound.
func (m *Manager) setLoanStatus(ctx context.Context, loanID string, status model.LoanStatus) {
	loan, err := m.store.GetLoan(ctx, loanID)
	if err != nil {
		slog.Error("load loan after escrow transition", "loan", loanID, "err", err)
		return
	}
	loan.Status = status
	loan.UpdatedAt = m.now()
	if err := m.store.UpdateLoan(ctx, loan); err != nil {
		slog.Error("update loan after escrow transition", "loan", loanID, "status", status, "err", err)
	}
}
