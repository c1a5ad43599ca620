package penalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lendpool/funds-engine/internal/lock"
	"github.com/lendpool/funds-engine/internal/model"
	"github.com/lendpool/funds-engine/internal/penalty"
	"github.com/lendpool/funds-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedLoanWithInstallment(t *testing.T, ms *store.MemoryStore, amount float64, inst model.Installment) *model.Loan {
	t.Helper()
	now := time.Now().UTC()
	loan := &model.Loan{
		ID:                  "loan1",
		BorrowerID:          "borrower1",
		LenderID:            "lender1",
		Amount:              d(amount),
		TotalRepayment:      d(amount * 1.1),
		Status:              model.LoanActive,
		Repayments:          []model.Installment{inst},
		TotalPenaltyCharges: decimal.Zero,
		AmountPaid:          decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	loan.RecomputeRemaining()
	if err := ms.CreateLoan(context.Background(), loan); err != nil {
		t.Fatalf("failed to seed loan: %v", err)
	}
	return loan
}

// Three whole days past the grace window on a 1000 loan at 0.5%/day
// accrues exactly 15.00.
func TestAccrueOverdueInstallment(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	calc := penalty.NewCalculator(ms, nil, nil, penalty.DefaultConfig(), func() time.Time { return now })
	ctx := context.Background()

	// Due 4 days ago: grace ends 3 days ago, so 3 whole days accrued.
	seedLoanWithInstallment(t, ms, 1000, model.Installment{
		Number:         1,
		Amount:         d(100),
		DueDate:        now.Add(-4 * 24 * time.Hour),
		Status:         model.InstallmentOverdue,
		PenaltyCharges: decimal.Zero,
		AmountPaid:     decimal.Zero,
	})

	sum, err := calc.Accrue(ctx)
	if err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	if sum.InstallmentsAccrued != 1 {
		t.Fatalf("summary = %+v, want 1 installment accrued", sum)
	}
	if !sum.TotalAccrued.Equal(d(15)) {
		t.Errorf("accrued = %s, want 15 (3 days × 0.5%% of 1000)", sum.TotalAccrued)
	}

	loan, _ := ms.GetLoan(ctx, "loan1")
	inst := loan.Repayments[0]
	if !inst.PenaltyCharges.Equal(d(15)) {
		t.Errorf("installment penalties = %s, want 15", inst.PenaltyCharges)
	}
	if !loan.TotalPenaltyCharges.Equal(d(15)) {
		t.Errorf("loan penalties = %s, want 15", loan.TotalPenaltyCharges)
	}
	if !loan.AmountRemaining.Equal(loan.TotalRepayment.Add(d(15))) {
		t.Errorf("remaining = %s violates the aggregate invariant", loan.AmountRemaining)
	}
	if inst.LastPenaltyCalculation == nil {
		t.Fatal("checkpoint not set")
	}
	// The checkpoint advances by whole days only.
	wantCheckpoint := inst.DueDate.Add(24 * time.Hour).Add(3 * 24 * time.Hour)
	if !inst.LastPenaltyCalculation.Equal(wantCheckpoint) {
		t.Errorf("checkpoint = %s, want %s", inst.LastPenaltyCalculation, wantCheckpoint)
	}
}

// Repeated runs with no elapsed time accrue nothing; penalties only
// grow when a new whole day has passed.
func TestAccrualIsMonotonicAndFrequencyIndependent(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	current := now
	calc := penalty.NewCalculator(ms, nil, nil, penalty.DefaultConfig(), func() time.Time { return current })
	ctx := context.Background()

	seedLoanWithInstallment(t, ms, 1000, model.Installment{
		Number:         1,
		Amount:         d(100),
		DueDate:        now.Add(-4 * 24 * time.Hour),
		Status:         model.InstallmentOverdue,
		PenaltyCharges: decimal.Zero,
		AmountPaid:     decimal.Zero,
	})

	if _, err := calc.Accrue(ctx); err != nil {
		t.Fatalf("first accrue failed: %v", err)
	}

	// Immediate re-run, and a run half a day later: no new whole day.
	for _, advance := range []time.Duration{0, 12 * time.Hour} {
		current = now.Add(advance)
		sum, err := calc.Accrue(ctx)
		if err != nil {
			t.Fatalf("accrue failed: %v", err)
		}
		if !sum.TotalAccrued.IsZero() {
			t.Errorf("accrued %s after %s, want 0", sum.TotalAccrued, advance)
		}
	}

	// A day and a half later exactly one more day is due, the half day
	// carries forward.
	current = now.Add(36 * time.Hour)
	sum, err := calc.Accrue(ctx)
	if err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	if !sum.TotalAccrued.Equal(d(5)) {
		t.Errorf("accrued = %s, want 5 for one additional day", sum.TotalAccrued)
	}

	loan, _ := ms.GetLoan(ctx, "loan1")
	if !loan.TotalPenaltyCharges.Equal(d(20)) {
		t.Errorf("total penalties = %s, want 20", loan.TotalPenaltyCharges)
	}
}

func TestGracePeriodSuppressesAccrual(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	calc := penalty.NewCalculator(ms, nil, nil, penalty.DefaultConfig(), func() time.Time { return now })
	ctx := context.Background()

	seedLoanWithInstallment(t, ms, 1000, model.Installment{
		Number:         1,
		Amount:         d(100),
		DueDate:        now.Add(-12 * time.Hour), // inside the 24h grace
		Status:         model.InstallmentOverdue,
		PenaltyCharges: decimal.Zero,
		AmountPaid:     decimal.Zero,
	})

	sum, err := calc.Accrue(ctx)
	if err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	if sum.InstallmentsAccrued != 0 || !sum.TotalAccrued.IsZero() {
		t.Errorf("summary = %+v, want no accrual inside grace", sum)
	}
}

// A failed debit left by the repayment processor is promoted to overdue
// once the grace period has run out, and accrues from there.
func TestFailedInstallmentPromotedToOverdue(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	calc := penalty.NewCalculator(ms, nil, nil, penalty.DefaultConfig(), func() time.Time { return now })
	ctx := context.Background()

	seedLoanWithInstallment(t, ms, 1000, model.Installment{
		Number:         1,
		Amount:         d(100),
		DueDate:        now.Add(-2 * 24 * time.Hour),
		Status:         model.InstallmentFailed,
		RetryCount:     2,
		PenaltyCharges: decimal.Zero,
		AmountPaid:     decimal.Zero,
	})

	sum, err := calc.Accrue(ctx)
	if err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	if !sum.TotalAccrued.Equal(d(5)) {
		t.Errorf("accrued = %s, want 5 for one day past grace", sum.TotalAccrued)
	}

	loan, _ := ms.GetLoan(ctx, "loan1")
	if loan.Repayments[0].Status != model.InstallmentOverdue {
		t.Errorf("status = %s, want overdue after promotion", loan.Repayments[0].Status)
	}
}

func TestPaidInstallmentsNeverAccrue(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	calc := penalty.NewCalculator(ms, nil, nil, penalty.DefaultConfig(), func() time.Time { return now })
	ctx := context.Background()

	paidAt := now.Add(-24 * time.Hour)
	seedLoanWithInstallment(t, ms, 1000, model.Installment{
		Number:         1,
		Amount:         d(100),
		DueDate:        now.Add(-10 * 24 * time.Hour),
		Status:         model.InstallmentPaid,
		PaidAt:         &paidAt,
		PenaltyCharges: decimal.Zero,
		AmountPaid:     d(100),
	})

	sum, err := calc.Accrue(ctx)
	if err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	if sum.InstallmentsAccrued != 0 {
		t.Errorf("summary = %+v, want no accrual on a paid installment", sum)
	}
}

// A collection that lands while the accrual run is waiting on the loan
// lock must be visible to it: the listing snapshot is re-read under the
// lock, so the payment write is never clobbered or double-counted.
func TestAccrualSerializedWithCollection(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	locks := lock.NewKeyed()
	calc := penalty.NewCalculator(ms, nil, locks, penalty.DefaultConfig(), func() time.Time { return now })
	ctx := context.Background()

	seedLoanWithInstallment(t, ms, 1000, model.Installment{
		Number:         1,
		Amount:         d(100),
		DueDate:        now.Add(-4 * 24 * time.Hour),
		Status:         model.InstallmentOverdue,
		PenaltyCharges: decimal.Zero,
		AmountPaid:     decimal.Zero,
	})

	m := locks.For("loan1")
	m.Lock()

	done := make(chan penalty.Summary, 1)
	go func() {
		sum, err := calc.Accrue(ctx)
		if err != nil {
			t.Errorf("accrue failed: %v", err)
		}
		done <- sum
	}()

	// Let the run list the loan and block on the lock, then collect the
	// installment while it waits.
	time.Sleep(50 * time.Millisecond)
	loan, err := ms.GetLoan(ctx, "loan1")
	if err != nil {
		t.Fatalf("get loan failed: %v", err)
	}
	paidAt := now
	loan.Repayments[0].Status = model.InstallmentPaid
	loan.Repayments[0].PaidAt = &paidAt
	loan.Repayments[0].AmountPaid = d(100)
	loan.AmountPaid = d(100)
	loan.RecomputeRemaining()
	if err := ms.UpdateLoan(ctx, loan); err != nil {
		t.Fatalf("update loan failed: %v", err)
	}

	m.Unlock()
	sum := <-done

	if !sum.TotalAccrued.IsZero() {
		t.Errorf("accrued %s on a collected installment, want 0", sum.TotalAccrued)
	}
	loan, _ = ms.GetLoan(ctx, "loan1")
	if loan.Repayments[0].Status != model.InstallmentPaid || !loan.AmountPaid.Equal(d(100)) {
		t.Errorf("payment clobbered: status = %s, amount paid = %s", loan.Repayments[0].Status, loan.AmountPaid)
	}
}
