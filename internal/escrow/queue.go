package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lendpool/funds-engine/internal/model"
)

// VerifyQueue decouples inbound gateway webhooks from payment
// verification. The webhook handler enqueues the reference and returns
// immediately; a single consumer goroutine applies verifications, so
// transitions for the same escrow never race each other.
type VerifyQueue struct {
	mgr     *Manager
	refs    chan string
	done    chan struct{}
	timeout time.Duration
}

// NewVerifyQueue creates a queue feeding the given manager.
func NewVerifyQueue(mgr *Manager, buffer int) *VerifyQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &VerifyQueue{
		mgr:     mgr,
		refs:    make(chan string, buffer),
		done:    make(chan struct{}),
		timeout: 30 * time.Second,
	}
}

// Start launches the consumer. Must be called once.
func (q *VerifyQueue) Start() {
	go func() {
		defer close(q.done)
		for ref := range q.refs {
			q.process(ref)
		}
	}()
}

// Stop drains no further; pending references are abandoned (the
// gateway redelivers webhooks, and verification is idempotent).
func (q *VerifyQueue) Stop() {
	close(q.refs)
	<-q.done
}

// Enqueue adds a payment reference for verification. Returns false if
// the queue is full; the gateway will redeliver.
func (q *VerifyQueue) Enqueue(reference string) bool {
	select {
	case q.refs <- reference:
		return true
	default:
		slog.Warn("verify queue full, dropping webhook", "reference", reference)
		return false
	}
}

func (q *VerifyQueue) process(reference string) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	_, err := q.mgr.Verify(ctx, reference)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		slog.Warn("webhook for unknown reference", "reference", reference)
	case errors.Is(err, model.ErrGateway):
		// Retryable; the provider redelivers the webhook.
		slog.Error("verification gateway error", "reference", reference, "err", err)
	default:
		slog.Error("verification failed", "reference", reference, "err", err)
	}
}
