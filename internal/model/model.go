// Package model defines the core domain types of the custodial funds
// engine: escrows, loans and their repayment schedules, wallets, and
// ledger transactions. All monetary values use shopspring/decimal —
// never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus is the custodial state of lender funds for one loan.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowHeld      EscrowStatus = "held"
	EscrowReleased  EscrowStatus = "released"
	EscrowRefunded  EscrowStatus = "refunded"
	EscrowCancelled EscrowStatus = "cancelled"
)

// escrowTransitions is the allowed-transition table. Released, refunded
// and cancelled are terminal; cancellation is only possible pre-funding.
var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowPending: {EscrowHeld, EscrowRefunded, EscrowCancelled},
	EscrowHeld:    {EscrowReleased, EscrowRefunded},
}

// CanTransition reports whether an escrow may move from one status to
// another. Self-transitions (field updates without a status change) are
// always allowed.
func CanTransition(from, to EscrowStatus) bool {
	if from == to {
		return true
	}
	for _, next := range escrowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReleaseConditions are the three boolean gates that must all hold
// before a held escrow auto-releases. AllConditionsMet is derived.
type ReleaseConditions struct {
	LoanApproved       bool `json:"loan_approved"`
	KYCVerified        bool `json:"kyc_verified"`
	CollateralVerified bool `json:"collateral_verified"`
	AllConditionsMet   bool `json:"all_conditions_met"`
}

// Recompute derives AllConditionsMet from the three gates.
func (c *ReleaseConditions) Recompute() {
	c.AllConditionsMet = c.LoanApproved && c.KYCVerified && c.CollateralVerified
}

// PaymentStatus values for the gateway leg of escrow funding.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// PaymentDetails records the gateway-side state of the funding payment.
type PaymentDetails struct {
	GatewayReference     string `json:"gateway_reference,omitempty"`
	GatewayTransactionID string `json:"gateway_transaction_id,omitempty"`
	PaymentStatus        string `json:"payment_status,omitempty"`
}

// Escrow is the custodial holding of lender funds tied to exactly one
// loan. Amount is immutable once the escrow reaches held.
type Escrow struct {
	ID         string            `json:"id" db:"id"`
	LoanID     string            `json:"loan_id" db:"loan_id"` // unique per loan
	LenderID   string            `json:"lender_id" db:"lender_id"`
	BorrowerID string            `json:"borrower_id" db:"borrower_id"`
	Amount     decimal.Decimal   `json:"amount" db:"amount"`
	Status     EscrowStatus      `json:"status" db:"status"`
	Conditions ReleaseConditions `json:"release_conditions"`
	Payment    PaymentDetails    `json:"payment_details"`
	ReleasedAt *time.Time        `json:"released_at,omitempty"`
	RefundedAt *time.Time        `json:"refunded_at,omitempty"`
	ReleasedBy string            `json:"released_by,omitempty"`
	RefundedBy string            `json:"refunded_by,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// LoanStatus is the lifecycle state of a loan as seen by this engine.
type LoanStatus string

const (
	LoanPending   LoanStatus = "pending"
	LoanApproved  LoanStatus = "approved"
	LoanFunded    LoanStatus = "funded"
	LoanActive    LoanStatus = "active"
	LoanCompleted LoanStatus = "completed"
	LoanDefaulted LoanStatus = "defaulted"
	LoanCancelled LoanStatus = "cancelled"
)

// InstallmentStatus is the per-cycle state of one scheduled repayment.
type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPaid    InstallmentStatus = "paid"
	InstallmentOverdue InstallmentStatus = "overdue"
	InstallmentFailed  InstallmentStatus = "failed"
)

// Installment is one scheduled repayment unit within a loan's plan.
type Installment struct {
	Number                 int               `json:"installment_number"`
	Amount                 decimal.Decimal   `json:"amount"`
	DueDate                time.Time         `json:"due_date"`
	Status                 InstallmentStatus `json:"status"`
	PenaltyCharges         decimal.Decimal   `json:"penalty_charges"`
	LastPenaltyCalculation *time.Time        `json:"last_penalty_calculation,omitempty"`
	RetryCount             int               `json:"retry_count"`
	PaidAt                 *time.Time        `json:"paid_at,omitempty"`
	AmountPaid             decimal.Decimal   `json:"amount_paid"`
}

// Loan is the engine's view of a marketplace loan: the repayment plan
// plus the monetary aggregates this engine owns.
//
// Invariant: AmountRemaining = TotalRepayment + TotalPenaltyCharges − AmountPaid.
type Loan struct {
	ID                  string          `json:"id" db:"id"`
	BorrowerID          string          `json:"borrower_id" db:"borrower_id"`
	LenderID            string          `json:"lender_id" db:"lender_id"`
	Amount              decimal.Decimal `json:"amount" db:"amount"` // principal
	TotalRepayment      decimal.Decimal `json:"total_repayment" db:"total_repayment"`
	Status              LoanStatus      `json:"status" db:"status"`
	Repayments          []Installment   `json:"repayments"`
	TotalPenaltyCharges decimal.Decimal `json:"total_penalty_charges" db:"total_penalty_charges"`
	AmountPaid          decimal.Decimal `json:"amount_paid" db:"amount_paid"`
	AmountRemaining     decimal.Decimal `json:"amount_remaining" db:"amount_remaining"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// RecomputeRemaining restores the loan aggregate invariant after any
// change to AmountPaid or TotalPenaltyCharges.
func (l *Loan) RecomputeRemaining() {
	l.AmountRemaining = l.TotalRepayment.Add(l.TotalPenaltyCharges).Sub(l.AmountPaid)
}

// Transaction types recorded in the wallet ledger.
const (
	TxnEscrowFunding = "escrow_funding"
	TxnEscrowRelease = "escrow_release"
	TxnEscrowRefund  = "escrow_refund"
	TxnLoanRepayment = "loan_repayment"
)

// TransactionStatus is the ledger entry lifecycle. Completed entries are
// immutable except for an explicit, audited reversal.
type TransactionStatus string

const (
	TxnPending   TransactionStatus = "pending"
	TxnCompleted TransactionStatus = "completed"
	TxnReversed  TransactionStatus = "reversed"
)

// Ledger entry directions against the owning wallet.
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// Transaction is an append-only ledger record. Reference is globally
// unique and doubles as the idempotency guard against replayed webhooks
// and job retries.
type Transaction struct {
	ID          string            `json:"id" db:"id"`
	Reference   string            `json:"reference" db:"reference"` // unique
	Type        string            `json:"type" db:"type"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"`
	Status      TransactionStatus `json:"status" db:"status"`
	SenderID    string            `json:"sender_id,omitempty" db:"sender_id"`
	RecipientID string            `json:"recipient_id,omitempty" db:"recipient_id"`
	WalletID    string            `json:"wallet_id,omitempty" db:"wallet_id"` // user whose balance this entry affects
	Direction   string            `json:"direction,omitempty" db:"direction"` // credit or debit against WalletID
	LoanID      string            `json:"loan_id,omitempty" db:"loan_id"`
	EscrowID    string            `json:"escrow_id,omitempty" db:"escrow_id"`
	Description string            `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// WalletLimits caps debit volume per calendar day and month. A zero
// limit means unlimited.
type WalletLimits struct {
	DailyDebit   decimal.Decimal `json:"daily_debit"`
	MonthlyDebit decimal.Decimal `json:"monthly_debit"`
}

// Wallet holds a user's balance. One wallet per user.
//
// Invariant: Balance equals the sum of completed transaction deltas
// recorded against it; no balance mutation occurs without a ledger entry.
type Wallet struct {
	UserID       string          `json:"user_id" db:"user_id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	Currency     string          `json:"currency" db:"currency"`
	DailyUsage   decimal.Decimal `json:"daily_usage" db:"daily_usage"`
	MonthlyUsage decimal.Decimal `json:"monthly_usage" db:"monthly_usage"`
	UsageDay     string          `json:"usage_day,omitempty" db:"usage_day"`     // YYYY-MM-DD window key
	UsageMonth   string          `json:"usage_month,omitempty" db:"usage_month"` // YYYY-MM window key
	Limits       WalletLimits    `json:"limits"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}
