// Package repay implements the scheduled repayment processor: it scans
// active loans for due installments, debits borrower wallets through
// the ledger, and rolls the results into the loan aggregates.
package repay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lendpool/funds-engine/internal/lock"
	"github.com/lendpool/funds-engine/internal/model"
	"github.com/lendpool/funds-engine/internal/notify"
	"github.com/lendpool/funds-engine/internal/store"
	"github.com/lendpool/funds-engine/internal/wallet"
)

// Config tunes the tiered weekly late fee: a percentage of the
// installment amount per whole week overdue, with a flat minimum once
// late at all, capped after MaxWeeks.
type Config struct {
	WeeklyRate decimal.Decimal
	Minimum    decimal.Decimal
	MaxWeeks   int
}

// DefaultConfig returns the production late-fee tiering.
func DefaultConfig() Config {
	return Config{
		WeeklyRate: decimal.NewFromFloat(0.01),
		Minimum:    decimal.NewFromInt(1),
		MaxWeeks:   5,
	}
}

// Summary reports one processing run.
type Summary struct {
	LoansScanned       int
	InstallmentsPaid   int
	InstallmentsFailed int
	LoansCompleted     int
}

// Processor collects due installments. All debits go through the
// wallet ledger; the processor never touches balances directly.
type Processor struct {
	store    store.Store
	ledger   *wallet.Ledger
	notifier notify.Notifier
	locks    *lock.Keyed
	cfg      Config
	now      func() time.Time
}

// NewProcessor creates a repayment processor. locks must be the same
// registry the penalty calculator uses, so the two jobs serialize on a
// loan; nil creates a private one. nowFn nil means time.Now (UTC).
func NewProcessor(st store.Store, ledger *wallet.Ledger, notifier notify.Notifier, locks *lock.Keyed, cfg Config, nowFn func() time.Time) *Processor {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if locks == nil {
		locks = lock.NewKeyed()
	}
	return &Processor{store: st, ledger: ledger, notifier: notifier, locks: locks, cfg: cfg, now: nowFn}
}

// ProcessDue runs one collection cycle over all active loans. Per-loan
// failures are logged and skipped so one bad loan cannot block the
// batch.
func (p *Processor) ProcessDue(ctx context.Context) (Summary, error) {
	var sum Summary

	loans, err := p.store.ListLoansByStatus(ctx, model.LoanActive, model.LoanFunded)
	if err != nil {
		return sum, err
	}

	for i := range loans {
		sum.LoansScanned++
		if err := p.processLoan(ctx, loans[i].ID, &sum); err != nil {
			slog.Error("repayment processing", "loan", loans[i].ID, "err", err)
		}
	}
	return sum, nil
}

func (p *Processor) processLoan(ctx context.Context, loanID string, sum *Summary) error {
	l := p.locks.For(loanID)
	l.Lock()
	defer l.Unlock()

	// Fresh read under the loan lock; the listing snapshot may already
	// be stale.
	loan, err := p.store.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}

	now := p.now()
	changed := false

	for i := range loan.Repayments {
		inst := &loan.Repayments[i]
		if inst.Status == model.InstallmentPaid {
			continue // terminal for this cycle, re-processing is a no-op
		}
		if inst.DueDate.After(now) {
			continue
		}

		lateFee := p.lateFee(inst.Amount, inst.DueDate, now)
		total := inst.Amount.Add(lateFee)
		ref := fmt.Sprintf("repayment:%s:%d:%d", loan.ID, inst.Number, inst.RetryCount)

		prior, lookupErr := p.store.GetTransactionByReference(ctx, ref)
		switch {
		case lookupErr == nil:
			// An earlier cycle debited the wallet but lost the loan
			// write. Recover the collected amount from the ledger entry
			// and finish the bookkeeping instead of debiting again.
			total = prior.Amount
			lateFee = total.Sub(inst.Amount)
			slog.Warn("installment already collected, completing bookkeeping",
				"loan", loan.ID, "installment", inst.Number, "reference", ref, "amount", total.String())
		case errors.Is(lookupErr, model.ErrNotFound):
			_, err := p.ledger.Debit(ctx, loan.BorrowerID, total, model.TxnLoanRepayment, wallet.Meta{
				Reference:   ref,
				SenderID:    loan.BorrowerID,
				RecipientID: loan.LenderID,
				LoanID:      loan.ID,
				Description: fmt.Sprintf("installment %d repayment", inst.Number),
			})
			switch {
			case err == nil:
			case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrLimitExceeded), errors.Is(err, model.ErrGateway):
				inst.Status = model.InstallmentFailed
				inst.RetryCount++
				changed = true
				sum.InstallmentsFailed++
				p.notifier.Notify(ctx, notify.EventRepaymentFailed, map[string]any{
					"loan_id":            loan.ID,
					"borrower_id":        loan.BorrowerID,
					"installment_number": inst.Number,
					"amount_due":         total.String(),
					"retry_count":        inst.RetryCount,
				})
				slog.Warn("installment debit failed",
					"loan", loan.ID, "installment", inst.Number, "amount", total.String(), "err", err)
				continue
			default:
				// Unexpected store failure: skip this installment, keep
				// the rest of the schedule moving.
				slog.Error("installment debit error", "loan", loan.ID, "installment", inst.Number, "err", err)
				continue
			}
		default:
			slog.Error("installment reference lookup", "loan", loan.ID, "installment", inst.Number, "err", lookupErr)
			continue
		}

		inst.Status = model.InstallmentPaid
		inst.PaidAt = &now
		inst.AmountPaid = total
		// Late fees are penalty charges, so the remaining-amount
		// arithmetic stays exact: remaining drops by the base amount.
		if lateFee.IsPositive() {
			inst.PenaltyCharges = inst.PenaltyCharges.Add(lateFee)
			loan.TotalPenaltyCharges = loan.TotalPenaltyCharges.Add(lateFee)
		}
		loan.AmountPaid = loan.AmountPaid.Add(total)
		loan.RecomputeRemaining()
		changed = true
		sum.InstallmentsPaid++

		p.notifier.Notify(ctx, notify.EventRepaymentPaid, map[string]any{
			"loan_id":            loan.ID,
			"borrower_id":        loan.BorrowerID,
			"installment_number": inst.Number,
			"amount_paid":        total.String(),
		})
	}

	if allPaid(loan) && loan.Status != model.LoanCompleted {
		loan.Status = model.LoanCompleted
		changed = true
		sum.LoansCompleted++
		p.notifier.Notify(ctx, notify.EventLoanCompleted, map[string]any{"loan_id": loan.ID})
		p.notifier.Notify(ctx, notify.EventCreditScoreRefresh, map[string]any{
			"user_id": loan.BorrowerID,
			"loan_id": loan.ID,
		})
		slog.Info("loan completed", "loan", loan.ID)
	}

	if !changed {
		return nil
	}
	loan.UpdatedAt = now
	return p.store.UpdateLoan(ctx, loan)
}

// lateFee computes the tiered weekly fee for an overdue installment:
// WeeklyRate of the amount per whole week overdue (capped at MaxWeeks),
// never below Minimum once the due date has passed.
func (p *Processor) lateFee(amount decimal.Decimal, due, now time.Time) decimal.Decimal {
	if !now.After(due) {
		return decimal.Zero
	}
	weeks := int(now.Sub(due) / (7 * 24 * time.Hour))
	if weeks > p.cfg.MaxWeeks {
		weeks = p.cfg.MaxWeeks
	}
	fee := amount.Mul(p.cfg.WeeklyRate).Mul(decimal.NewFromInt(int64(weeks)))
	if fee.LessThan(p.cfg.Minimum) {
		fee = p.cfg.Minimum
	}
	return fee
}

func allPaid(loan *model.Loan) bool {
	for _, inst := range loan.Repayments {
		if inst.Status != model.InstallmentPaid {
			return false
		}
	}
	return len(loan.Repayments) > 0
}
