package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lendpool/funds-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for wallets and escrows. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall
// back to the primary. Loans and the ledger are never cached — the
// scheduled jobs must always see the persisted truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Escrows: write-through with invalidation ---

func (s *CachedStore) CreateEscrow(ctx context.Context, e *model.Escrow) error {
	if err := s.primary.CreateEscrow(ctx, e); err != nil {
		return err
	}
	s.cacheEscrow(ctx, e)
	return nil
}

func (s *CachedStore) UpdateEscrow(ctx context.Context, e *model.Escrow, expect model.EscrowStatus) error {
	if err := s.primary.UpdateEscrow(ctx, e, expect); err != nil {
		return err
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, escrowKey(e.ID))
	return nil
}

func (s *CachedStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	data, err := s.rdb.Get(ctx, escrowKey(id)).Bytes()
	if err == nil {
		var e model.Escrow
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.primary.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheEscrow(ctx, e)
	return e, nil
}

// GetEscrowByLoan and GetEscrowByReference always hit the primary: both
// are used on transition paths where a stale read would be unsafe.
func (s *CachedStore) GetEscrowByLoan(ctx context.Context, loanID string) (*model.Escrow, error) {
	return s.primary.GetEscrowByLoan(ctx, loanID)
}

func (s *CachedStore) GetEscrowByReference(ctx context.Context, reference string) (*model.Escrow, error) {
	return s.primary.GetEscrowByReference(ctx, reference)
}

func (s *CachedStore) ListEscrowsByStatus(ctx context.Context, status model.EscrowStatus) ([]model.Escrow, error) {
	return s.primary.ListEscrowsByStatus(ctx, status)
}

// --- Loans: passthrough ---

func (s *CachedStore) CreateLoan(ctx context.Context, l *model.Loan) error {
	return s.primary.CreateLoan(ctx, l)
}

func (s *CachedStore) GetLoan(ctx context.Context, id string) (*model.Loan, error) {
	return s.primary.GetLoan(ctx, id)
}

func (s *CachedStore) UpdateLoan(ctx context.Context, l *model.Loan) error {
	return s.primary.UpdateLoan(ctx, l)
}

func (s *CachedStore) ListLoansByStatus(ctx context.Context, statuses ...model.LoanStatus) ([]model.Loan, error) {
	return s.primary.ListLoansByStatus(ctx, statuses...)
}

// --- Wallets: read-through, invalidate on mutation ---

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.CreateWallet(ctx, w); err != nil {
		return err
	}
	s.cacheWallet(ctx, w)
	return nil
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID)).Bytes()
	if err == nil {
		var w model.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	w, err := s.primary.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheWallet(ctx, w)
	return w, nil
}

func (s *CachedStore) ApplyWalletChange(ctx context.Context, w *model.Wallet, txn *model.Transaction) error {
	if err := s.primary.ApplyWalletChange(ctx, w, txn); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(w.UserID))
	return nil
}

func (s *CachedStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	return s.primary.InsertTransaction(ctx, txn)
}

func (s *CachedStore) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	return s.primary.GetTransactionByReference(ctx, reference)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheEscrow(ctx context.Context, e *model.Escrow) {
	if data, err := json.Marshal(e); err == nil {
		s.rdb.Set(ctx, escrowKey(e.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheWallet(ctx context.Context, w *model.Wallet) {
	if data, err := json.Marshal(w); err == nil {
		s.rdb.Set(ctx, walletKey(w.UserID), data, s.ttl)
	}
}

func escrowKey(id string) string  { return fmt.Sprintf("escrow:%s", id) }
func walletKey(uid string) string { return fmt.Sprintf("wallet:%s", uid) }
