// Package penalty implements the scheduled late-payment penalty
// accrual. Each overdue installment carries a checkpoint
// (LastPenaltyCalculation) advanced only by whole accrued days, so runs
// at any frequency never double-count an interval and penalty charges
// are monotonically non-decreasing.
package penalty

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lendpool/funds-engine/internal/lock"
	"github.com/lendpool/funds-engine/internal/metrics"
	"github.com/lendpool/funds-engine/internal/model"
	"github.com/lendpool/funds-engine/internal/notify"
	"github.com/lendpool/funds-engine/internal/store"
)

// Config tunes penalty accrual.
type Config struct {
	GracePeriod time.Duration   // no accrual within this window after the due date
	DailyRate   decimal.Decimal // fraction of the loan amount per day overdue
}

// DefaultConfig returns the production accrual parameters: 24h grace,
// 0.5% of the loan amount per day.
func DefaultConfig() Config {
	return Config{
		GracePeriod: 24 * time.Hour,
		DailyRate:   decimal.NewFromFloat(0.005),
	}
}

// Summary reports one accrual run.
type Summary struct {
	LoansScanned        int
	InstallmentsAccrued int
	TotalAccrued        decimal.Decimal
}

// Calculator accrues penalties on overdue installments.
type Calculator struct {
	store    store.Store
	notifier notify.Notifier
	locks    *lock.Keyed
	cfg      Config
	now      func() time.Time
}

// NewCalculator creates a penalty calculator. locks must be the same
// registry the repayment processor uses, so the two jobs serialize on a
// loan; nil creates a private one. nowFn nil means time.Now (UTC).
func NewCalculator(st store.Store, notifier notify.Notifier, locks *lock.Keyed, cfg Config, nowFn func() time.Time) *Calculator {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if locks == nil {
		locks = lock.NewKeyed()
	}
	return &Calculator{store: st, notifier: notifier, locks: locks, cfg: cfg, now: nowFn}
}

// Accrue runs one accrual cycle. Per-loan failures are logged and
// skipped.
func (c *Calculator) Accrue(ctx context.Context) (Summary, error) {
	sum := Summary{TotalAccrued: decimal.Zero}

	loans, err := c.store.ListLoansByStatus(ctx, model.LoanActive, model.LoanFunded)
	if err != nil {
		return sum, err
	}

	for i := range loans {
		sum.LoansScanned++
		if err := c.accrueLoan(ctx, loans[i].ID, &sum); err != nil {
			slog.Error("penalty accrual", "loan", loans[i].ID, "err", err)
		}
	}
	return sum, nil
}

func (c *Calculator) accrueLoan(ctx context.Context, loanID string, sum *Summary) error {
	l := c.locks.For(loanID)
	l.Lock()
	defer l.Unlock()

	// Fresh read under the loan lock; a concurrent repayment run may
	// have collected installments since the listing snapshot.
	loan, err := c.store.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}

	now := c.now()
	dailyPenalty := loan.Amount.Mul(c.cfg.DailyRate)
	changed := false

	for i := range loan.Repayments {
		inst := &loan.Repayments[i]
		if inst.Status != model.InstallmentOverdue && inst.Status != model.InstallmentFailed {
			continue
		}

		graceEnd := inst.DueDate.Add(c.cfg.GracePeriod)
		if !now.After(graceEnd) {
			continue
		}

		// A failed debit becomes an overdue installment once the grace
		// period has run out.
		if inst.Status == model.InstallmentFailed {
			inst.Status = model.InstallmentOverdue
			changed = true
		}

		since := graceEnd
		if inst.LastPenaltyCalculation != nil && inst.LastPenaltyCalculation.After(graceEnd) {
			since = *inst.LastPenaltyCalculation
		}

		days := int64(now.Sub(since) / (24 * time.Hour))
		if days <= 0 {
			continue
		}

		added := dailyPenalty.Mul(decimal.NewFromInt(days))
		inst.PenaltyCharges = inst.PenaltyCharges.Add(added)
		// Advance the checkpoint by whole days only: the fractional
		// remainder is carried into the next run, never dropped or
		// counted twice.
		checkpoint := since.Add(time.Duration(days) * 24 * time.Hour)
		inst.LastPenaltyCalculation = &checkpoint

		loan.TotalPenaltyCharges = loan.TotalPenaltyCharges.Add(added)
		loan.RecomputeRemaining()
		changed = true
		sum.InstallmentsAccrued++
		sum.TotalAccrued = sum.TotalAccrued.Add(added)
		metrics.PenaltiesAccrued.Inc()

		c.notifier.Notify(ctx, notify.EventPenaltyAccrued, map[string]any{
			"loan_id":            loan.ID,
			"borrower_id":        loan.BorrowerID,
			"installment_number": inst.Number,
			"penalty_added":      added.String(),
			"penalty_total":      inst.PenaltyCharges.String(),
		})
		slog.Info("penalty accrued",
			"loan", loan.ID, "installment", inst.Number,
			"days", days, "added", added.String())
	}

	if !changed {
		return nil
	}
	loan.UpdatedAt = now
	return c.store.UpdateLoan(ctx, loan)
}
