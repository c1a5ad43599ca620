package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lendpool/funds-engine/internal/model"
)

// Stub is an in-process Gateway for tests and development. Every
// initialized payment succeeds on verify unless its reference has been
// failed via FailNext or Fail. Verify of an unknown reference fails.
type Stub struct {
	mu       sync.Mutex
	payments map[string]string // reference → "completed" | "failed"
	Err      error             // when set, both calls return it
}

// NewStub creates an empty stub gateway.
func NewStub() *Stub {
	return &Stub{payments: make(map[string]string)}
}

func (s *Stub) InitializePayment(_ context.Context, _ InitRequest) (*InitResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	ref := "stub-" + uuid.New().String()
	s.payments[ref] = model.PaymentStatusCompleted
	return &InitResponse{
		Reference:        ref,
		AuthorizationURL: "https://checkout.example.test/" + ref,
	}, nil
}

func (s *Stub) VerifyPayment(_ context.Context, reference string) (*VerifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	status, ok := s.payments[reference]
	if !ok {
		return nil, fmt.Errorf("unknown reference %s: %w", reference, model.ErrGateway)
	}
	return &VerifyResult{
		Status:               status,
		GatewayTransactionID: "txn-" + reference,
	}, nil
}

// Fail marks a reference so that verification reports a failed payment.
func (s *Stub) Fail(reference string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[reference] = model.PaymentStatusFailed
}
