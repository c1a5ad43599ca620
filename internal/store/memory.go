package store

import (
	"context"
	"sync"

	"github.com/lendpool/funds-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	escrows      map[string]*model.Escrow
	escrowByLoan map[string]string // loanID → escrowID
	loans        map[string]*model.Loan
	wallets      map[string]*model.Wallet
	ledger       []model.Transaction
	references   map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:      make(map[string]*model.Escrow),
		escrowByLoan: make(map[string]string),
		loans:        make(map[string]*model.Loan),
		wallets:      make(map[string]*model.Wallet),
		references:   make(map[string]struct{}),
	}
}

// --- Escrow operations ---

func (s *MemoryStore) CreateEscrow(_ context.Context, e *model.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrowByLoan[e.LoanID]; exists {
		return model.ErrConflict
	}

	// Store a copy to avoid external mutation.
	cp := *e
	s.escrows[e.ID] = &cp
	s.escrowByLoan[e.LoanID] = e.ID
	return nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, id string) (*model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetEscrowByLoan(_ context.Context, loanID string) (*model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.escrowByLoan[loanID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *s.escrows[id]
	return &cp, nil
}

func (s *MemoryStore) GetEscrowByReference(_ context.Context, reference string) (*model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.escrows {
		if e.Payment.GatewayReference == reference {
			cp := *e
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *MemoryStore) UpdateEscrow(_ context.Context, e *model.Escrow, expect model.EscrowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.escrows[e.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Status != expect {
		return model.ErrConflict
	}
	cp := *e
	s.escrows[e.ID] = &cp
	return nil
}

func (s *MemoryStore) ListEscrowsByStatus(_ context.Context, status model.EscrowStatus) ([]model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Escrow
	for _, e := range s.escrows {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	return out, nil
}

// --- Loan operations ---

func copyLoan(l *model.Loan) *model.Loan {
	cp := *l
	cp.Repayments = make([]model.Installment, len(l.Repayments))
	copy(cp.Repayments, l.Repayments)
	return &cp
}

func (s *MemoryStore) CreateLoan(_ context.Context, l *model.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.loans[l.ID]; exists {
		return model.ErrConflict
	}
	s.loans[l.ID] = copyLoan(l)
	return nil
}

func (s *MemoryStore) GetLoan(_ context.Context, id string) (*model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.loans[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyLoan(l), nil
}

func (s *MemoryStore) UpdateLoan(_ context.Context, l *model.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loans[l.ID]; !ok {
		return model.ErrNotFound
	}
	s.loans[l.ID] = copyLoan(l)
	return nil
}

func (s *MemoryStore) ListLoansByStatus(_ context.Context, statuses ...model.LoanStatus) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Loan
	for _, l := range s.loans {
		for _, st := range statuses {
			if l.Status == st {
				out = append(out, *copyLoan(l))
				break
			}
		}
	}
	return out, nil
}

// --- Wallets and ledger ---

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.wallets[w.UserID]; exists {
		return model.ErrConflict
	}
	cp := *w
	s.wallets[w.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ApplyWalletChange(_ context.Context, w *model.Wallet, txn *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.UserID]; !ok {
		return model.ErrNotFound
	}
	if _, dup := s.references[txn.Reference]; dup {
		return model.ErrDuplicateReference
	}

	s.references[txn.Reference] = struct{}{}
	s.ledger = append(s.ledger, *txn)
	cp := *w
	s.wallets[w.UserID] = &cp
	return nil
}

func (s *MemoryStore) InsertTransaction(_ context.Context, txn *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.references[txn.Reference]; dup {
		return model.ErrDuplicateReference
	}
	s.references[txn.Reference] = struct{}{}
	s.ledger = append(s.ledger, *txn)
	return nil
}

func (s *MemoryStore) GetTransactionByReference(_ context.Context, reference string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.ledger {
		if s.ledger[i].Reference == reference {
			cp := s.ledger[i]
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for _, t := range s.ledger {
		if t.WalletID == userID || t.SenderID == userID || t.RecipientID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}
