// Package store defines the persistence interface for the funds engine.
// Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/lendpool/funds-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Status-changing escrow
// writes are conditional on the expected current status so that a lost
// race surfaces as model.ErrConflict instead of a blind overwrite.
type Store interface {
	// --- Escrow operations ---

	// CreateEscrow persists a new escrow. Fails with model.ErrConflict
	// if an escrow already exists for the same loan.
	CreateEscrow(ctx context.Context, e *model.Escrow) error

	// GetEscrow retrieves an escrow by its ID.
	GetEscrow(ctx context.Context, id string) (*model.Escrow, error)

	// GetEscrowByLoan retrieves the escrow tied to a loan.
	GetEscrowByLoan(ctx context.Context, loanID string) (*model.Escrow, error)

	// GetEscrowByReference retrieves an escrow by its stored gateway
	// payment reference.
	GetEscrowByReference(ctx context.Context, reference string) (*model.Escrow, error)

	// UpdateEscrow writes the escrow only if its persisted status still
	// equals expect (compare-and-swap). Returns model.ErrConflict when
	// the status moved underneath the caller.
	UpdateEscrow(ctx context.Context, e *model.Escrow, expect model.EscrowStatus) error

	// ListEscrowsByStatus returns all escrows in the given status.
	ListEscrowsByStatus(ctx context.Context, status model.EscrowStatus) ([]model.Escrow, error)

	// --- Loan operations ---

	// CreateLoan persists a new loan with its repayment schedule.
	CreateLoan(ctx context.Context, l *model.Loan) error

	// GetLoan retrieves a loan by its ID.
	GetLoan(ctx context.Context, id string) (*model.Loan, error)

	// UpdateLoan writes the loan, its schedule and aggregates.
	UpdateLoan(ctx context.Context, l *model.Loan) error

	// ListLoansByStatus returns loans in any of the given statuses.
	ListLoansByStatus(ctx context.Context, statuses ...model.LoanStatus) ([]model.Loan, error)

	// --- Wallets and ledger ---

	// CreateWallet persists a new wallet. One wallet per user.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// GetWallet retrieves a wallet by user ID.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// ApplyWalletChange atomically appends a ledger entry and writes the
	// updated wallet in the same logical operation. A duplicate entry
	// reference fails the whole operation with
	// model.ErrDuplicateReference, leaving the balance unchanged.
	ApplyWalletChange(ctx context.Context, w *model.Wallet, txn *model.Transaction) error

	// InsertTransaction appends a ledger entry that does not move a
	// wallet balance (e.g. lender→escrow custody records). Rejects
	// duplicate references.
	InsertTransaction(ctx context.Context, txn *model.Transaction) error

	// GetTransactionByReference retrieves the ledger entry carrying the
	// given unique reference.
	GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error)

	// ListTransactionsByUser returns the ledger entries where the user
	// is the wallet owner, sender, or recipient, oldest first.
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)
}
