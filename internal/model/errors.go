package model

import "errors"

// Error taxonomy. Callers classify with errors.Is; wrap with %w so the
// HTTP layer and scheduled jobs can map failures without string checks.
var (
	// ErrValidation marks bad input. Surfaced immediately, never retried.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks an illegal state transition, such as releasing a
	// non-held escrow or creating a second escrow for a loan.
	ErrConflict = errors.New("conflict")

	// ErrInsufficientFunds marks a debit blocked by the wallet balance.
	// The balance is left unchanged.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrGateway marks a payment-provider failure (network, timeout,
	// 4xx). Safe to retry with backoff: verification is idempotent.
	ErrGateway = errors.New("payment gateway error")

	// ErrNotFound marks a missing escrow, loan, wallet or transaction.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateReference marks a ledger append with a reference that
	// already exists. This is the idempotency guard against replayed
	// webhooks and retried jobs.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrLimitExceeded marks a debit blocked by daily or monthly caps.
	ErrLimitExceeded = errors.New("wallet limit exceeded")
)
