package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lendpool/funds-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Uniqueness constraints: escrows(loan_id), transactions(reference).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Escrow operations ---

func (s *PostgresStore) CreateEscrow(ctx context.Context, e *model.Escrow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO escrows (id, loan_id, lender_id, borrower_id, amount, status,
		                      loan_approved, kyc_verified, collateral_verified, all_conditions_met,
		                      gateway_reference, gateway_transaction_id, payment_status,
		                      released_at, refunded_at, released_by, refunded_by, reason,
		                      created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		e.ID, e.LoanID, e.LenderID, e.BorrowerID, e.Amount.String(), string(e.Status),
		e.Conditions.LoanApproved, e.Conditions.KYCVerified, e.Conditions.CollateralVerified, e.Conditions.AllConditionsMet,
		e.Payment.GatewayReference, e.Payment.GatewayTransactionID, e.Payment.PaymentStatus,
		e.ReleasedAt, e.RefundedAt, e.ReleasedBy, e.RefundedBy, e.Reason,
		e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("escrow for loan %s exists: %w", e.LoanID, model.ErrConflict)
	}
	return err
}

const escrowColumns = `id, loan_id, lender_id, borrower_id, amount::TEXT, status,
	loan_approved, kyc_verified, collateral_verified, all_conditions_met,
	gateway_reference, gateway_transaction_id, payment_status,
	released_at, refunded_at, released_by, refunded_by, reason,
	created_at, updated_at`

func scanEscrow(row pgx.Row) (*model.Escrow, error) {
	var e model.Escrow
	var amount, status string

	err := row.Scan(&e.ID, &e.LoanID, &e.LenderID, &e.BorrowerID, &amount, &status,
		&e.Conditions.LoanApproved, &e.Conditions.KYCVerified, &e.Conditions.CollateralVerified, &e.Conditions.AllConditionsMet,
		&e.Payment.GatewayReference, &e.Payment.GatewayTransactionID, &e.Payment.PaymentStatus,
		&e.ReleasedAt, &e.RefundedAt, &e.ReleasedBy, &e.RefundedBy, &e.Reason,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}

	e.Amount, _ = decimal.NewFromString(amount)
	e.Status = model.EscrowStatus(status)
	return &e, nil
}

func (s *PostgresStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

func (s *PostgresStore) GetEscrowByLoan(ctx context.Context, loanID string) (*model.Escrow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE loan_id = $1`, loanID)
	return scanEscrow(row)
}

func (s *PostgresStore) GetEscrowByReference(ctx context.Context, reference string) (*model.Escrow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE gateway_reference = $1`, reference)
	return scanEscrow(row)
}

func (s *PostgresStore) UpdateEscrow(ctx context.Context, e *model.Escrow, expect model.EscrowStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE escrows
		 SET status = $3,
		     loan_approved = $4, kyc_verified = $5, collateral_verified = $6, all_conditions_met = $7,
		     gateway_reference = $8, gateway_transaction_id = $9, payment_status = $10,
		     released_at = $11, refunded_at = $12, released_by = $13, refunded_by = $14, reason = $15,
		     updated_at = $16
		 WHERE id = $1 AND status = $2`,
		e.ID, string(expect), string(e.Status),
		e.Conditions.LoanApproved, e.Conditions.KYCVerified, e.Conditions.CollateralVerified, e.Conditions.AllConditionsMet,
		e.Payment.GatewayReference, e.Payment.GatewayTransactionID, e.Payment.PaymentStatus,
		e.ReleasedAt, e.RefundedAt, e.ReleasedBy, e.RefundedBy, e.Reason,
		e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the escrow is gone or its status moved underneath us.
		if _, getErr := s.GetEscrow(ctx, e.ID); errors.Is(getErr, model.ErrNotFound) {
			return model.ErrNotFound
		}
		return fmt.Errorf("escrow %s no longer %s: %w", e.ID, expect, model.ErrConflict)
	}
	return nil
}

func (s *PostgresStore) ListEscrowsByStatus(ctx context.Context, status model.EscrowStatus) ([]model.Escrow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// --- Loan operations ---

func (s *PostgresStore) CreateLoan(ctx context.Context, l *model.Loan) error {
	schedule, err := json.Marshal(l.Repayments)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO loans (id, borrower_id, lender_id, amount, total_repayment, status,
		                    repayments, total_penalty_charges, amount_paid, amount_remaining,
		                    created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		l.ID, l.BorrowerID, l.LenderID, l.Amount.String(), l.TotalRepayment.String(), string(l.Status),
		schedule, l.TotalPenaltyCharges.String(), l.AmountPaid.String(), l.AmountRemaining.String(),
		l.CreatedAt, l.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("loan %s exists: %w", l.ID, model.ErrConflict)
	}
	return err
}

const loanColumns = `id, borrower_id, lender_id, amount::TEXT, total_repayment::TEXT, status,
	repayments, total_penalty_charges::TEXT, amount_paid::TEXT, amount_remaining::TEXT,
	created_at, updated_at`

func scanLoan(row pgx.Row) (*model.Loan, error) {
	var l model.Loan
	var amount, total, penalty, paid, remaining, status string
	var schedule []byte

	err := row.Scan(&l.ID, &l.BorrowerID, &l.LenderID, &amount, &total, &status,
		&schedule, &penalty, &paid, &remaining,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}

	l.Amount, _ = decimal.NewFromString(amount)
	l.TotalRepayment, _ = decimal.NewFromString(total)
	l.TotalPenaltyCharges, _ = decimal.NewFromString(penalty)
	l.AmountPaid, _ = decimal.NewFromString(paid)
	l.AmountRemaining, _ = decimal.NewFromString(remaining)
	l.Status = model.LoanStatus(status)
	if err := json.Unmarshal(schedule, &l.Repayments); err != nil {
		return nil, fmt.Errorf("decode repayment schedule for loan %s: %w", l.ID, err)
	}
	return &l, nil
}

func (s *PostgresStore) GetLoan(ctx context.Context, id string) (*model.Loan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id)
	return scanLoan(row)
}

func (s *PostgresStore) UpdateLoan(ctx context.Context, l *model.Loan) error {
	schedule, err := json.Marshal(l.Repayments)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE loans
		 SET status = $2, repayments = $3,
		     total_penalty_charges = $4::NUMERIC, amount_paid = $5::NUMERIC, amount_remaining = $6::NUMERIC,
		     updated_at = $7
		 WHERE id = $1`,
		l.ID, string(l.Status), schedule,
		l.TotalPenaltyCharges.String(), l.AmountPaid.String(), l.AmountRemaining.String(),
		l.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListLoansByStatus(ctx context.Context, statuses ...model.LoanStatus) ([]model.Loan, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE status = ANY($1) ORDER BY created_at`, vals)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// --- Wallets and ledger ---

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, currency, daily_usage, monthly_usage,
		                      usage_day, usage_month, daily_limit, monthly_limit, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		w.UserID, w.Balance.String(), w.Currency, w.DailyUsage.String(), w.MonthlyUsage.String(),
		w.UsageDay, w.UsageMonth, w.Limits.DailyDebit.String(), w.Limits.MonthlyDebit.String(),
		w.CreatedAt, w.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("wallet for user %s exists: %w", w.UserID, model.ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance, daily, monthly, dailyLimit, monthlyLimit string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, currency, daily_usage::TEXT, monthly_usage::TEXT,
		        usage_day, usage_month, daily_limit::TEXT, monthly_limit::TEXT, created_at, updated_at
		 FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &balance, &w.Currency, &daily, &monthly,
			&w.UsageDay, &w.UsageMonth, &dailyLimit, &monthlyLimit, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}

	w.Balance, _ = decimal.NewFromString(balance)
	w.DailyUsage, _ = decimal.NewFromString(daily)
	w.MonthlyUsage, _ = decimal.NewFromString(monthly)
	w.Limits.DailyDebit, _ = decimal.NewFromString(dailyLimit)
	w.Limits.MonthlyDebit, _ = decimal.NewFromString(monthlyLimit)
	return &w, nil
}

func (s *PostgresStore) ApplyWalletChange(ctx context.Context, w *model.Wallet, txn *model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertTransaction(ctx, tx, txn); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallets
		 SET balance = $2::NUMERIC, daily_usage = $3::NUMERIC, monthly_usage = $4::NUMERIC,
		     usage_day = $5, usage_month = $6, updated_at = $7
		 WHERE user_id = $1`,
		w.UserID, w.Balance.String(), w.DailyUsage.String(), w.MonthlyUsage.String(),
		w.UsageDay, w.UsageMonth, w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTransaction(ctx context.Context, db execer, t *model.Transaction) error {
	_, err := db.Exec(ctx,
		`INSERT INTO transactions (id, reference, type, amount, status, sender_id, recipient_id,
		                           wallet_id, direction, loan_id, escrow_id, description, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Reference, t.Type, t.Amount.String(), string(t.Status), t.SenderID, t.RecipientID,
		t.WalletID, t.Direction, t.LoanID, t.EscrowID, t.Description, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("reference %s: %w", t.Reference, model.ErrDuplicateReference)
	}
	return err
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	return insertTransaction(ctx, s.pool, txn)
}

func (s *PostgresStore) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, reference, type, amount::TEXT, status, sender_id, recipient_id,
		        wallet_id, direction, loan_id, escrow_id, description, created_at
		 FROM transactions WHERE reference = $1`, reference)

	var t model.Transaction
	var amount, status string
	var created time.Time
	if err := row.Scan(&t.ID, &t.Reference, &t.Type, &amount, &status, &t.SenderID, &t.RecipientID,
		&t.WalletID, &t.Direction, &t.LoanID, &t.EscrowID, &t.Description, &created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	t.Amount, _ = decimal.NewFromString(amount)
	t.Status = model.TransactionStatus(status)
	t.CreatedAt = created
	return &t, nil
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, reference, type, amount::TEXT, status, sender_id, recipient_id,
		        wallet_id, direction, loan_id, escrow_id, description, created_at
		 FROM transactions
	 WHERE wallet_id = $1 OR sender_id = $1 OR recipient_id = $1
	 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount, status string
		var created time.Time
		if err := rows.Scan(&t.ID, &t.Reference, &t.Type, &amount, &status, &t.SenderID, &t.RecipientID,
			&t.WalletID, &t.Direction, &t.LoanID, &t.EscrowID, &t.Description, &created); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		t.Status = model.TransactionStatus(status)
		t.CreatedAt = created
		out = append(out, t)
	}
	return out, rows.Err()
}
