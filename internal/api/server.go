// Package api exposes the engine over HTTP: escrow lifecycle, wallet
// queries, the gateway webhook, and manual job invocation for
// operational recovery.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lendpool/funds-engine/internal/escrow"
	"github.com/lendpool/funds-engine/internal/events"
	"github.com/lendpool/funds-engine/internal/gateway"
	"github.com/lendpool/funds-engine/internal/metrics"
	"github.com/lendpool/funds-engine/internal/model"
	"github.com/lendpool/funds-engine/internal/scheduler"
	"github.com/lendpool/funds-engine/internal/store"
	"github.com/lendpool/funds-engine/internal/wallet"
)

// Server wires the engine services into an HTTP router.
type Server struct {
	store         store.Store
	escrows       *escrow.Manager
	ledger        *wallet.Ledger
	queue         *escrow.VerifyQueue
	sched         *scheduler.Scheduler
	hub           *events.Hub
	webhookSecret string
}

// NewServer creates the HTTP server wiring. hub and sched may be nil.
func NewServer(st store.Store, escrows *escrow.Manager, ledger *wallet.Ledger, queue *escrow.VerifyQueue, sched *scheduler.Scheduler, hub *events.Hub, webhookSecret string) *Server {
	return &Server{
		store:         st,
		escrows:       escrows,
		ledger:        ledger,
		queue:         queue,
		sched:         sched,
		hub:           hub,
		webhookSecret: webhookSecret,
	}
}

// Router builds the chi router with the engine's full surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"funds-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Post("/loans", s.createLoan)
		r.Get("/loans/{loanID}", s.getLoan)

		r.Post("/escrows", s.createEscrow)
		r.Get("/escrows/{escrowID}", s.getEscrow)
		r.Post("/escrows/{escrowID}/fund", s.fundEscrow)
		r.Post("/escrows/{escrowID}/conditions", s.updateConditions)
		r.Post("/escrows/{escrowID}/release", s.releaseEscrow)
		r.Post("/escrows/{escrowID}/refund", s.refundEscrow)
		r.Post("/escrows/{escrowID}/cancel", s.cancelEscrow)

		r.Post("/payments/webhook", s.paymentWebhook)

		r.Get("/wallets/{userID}", s.getWallet)

		r.Get("/jobs", s.listJobs)
		r.Post("/jobs/{name}/run", s.runJob)
	})

	return r
}

// --- Loans ---

// CreateLoanRequest registers an approved loan with its repayment
// schedule so the engine can escrow and collect it.
type CreateLoanRequest struct {
	ID             string          `json:"id"`
	BorrowerID     string          `json:"borrower_id"`
	LenderID       string          `json:"lender_id"`
	Amount         decimal.Decimal `json:"amount"`
	TotalRepayment decimal.Decimal `json:"total_repayment"`
	Installments   []struct {
		Number  int             `json:"installment_number"`
		Amount  decimal.Decimal `json:"amount"`
		DueDate time.Time       `json:"due_date"`
	} `json:"installments"`
}

func (s *Server) createLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BorrowerID == "" || req.LenderID == "" || !req.Amount.IsPositive() || len(req.Installments) == 0 {
		writeError(w, "borrower_id, lender_id, positive amount and installments required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	loan := &model.Loan{
		ID:                  req.ID,
		BorrowerID:          req.BorrowerID,
		LenderID:            req.LenderID,
		Amount:              req.Amount,
		TotalRepayment:      req.TotalRepayment,
		Status:              model.LoanApproved,
		TotalPenaltyCharges: decimal.Zero,
		AmountPaid:          decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if loan.ID == "" {
		loan.ID = uuid.New().String()
	}
	if loan.TotalRepayment.IsZero() {
		for _, in := range req.Installments {
			loan.TotalRepayment = loan.TotalRepayment.Add(in.Amount)
		}
	}
	for _, in := range req.Installments {
		loan.Repayments = append(loan.Repayments, model.Installment{
			Number:         in.Number,
			Amount:         in.Amount,
			DueDate:        in.DueDate,
			Status:         model.InstallmentPending,
			PenaltyCharges: decimal.Zero,
			AmountPaid:     decimal.Zero,
		})
	}
	loan.RecomputeRemaining()

	if err := s.store.CreateLoan(r.Context(), loan); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := s.store.GetLoan(r.Context(), chi.URLParam(r, "loanID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// --- Escrows ---

// CreateEscrowRequest opens a pending escrow for an approved loan.
type CreateEscrowRequest struct {
	LoanID     string          `json:"loan_id"`
	LenderID   string          `json:"lender_id"`
	BorrowerID string          `json:"borrower_id"`
	Amount     decimal.Decimal `json:"amount"`
}

func (s *Server) createEscrow(w http.ResponseWriter, r *http.Request) {
	var req CreateEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := s.escrows.Create(r.Context(), req.LoanID, req.LenderID, req.BorrowerID, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.escrows.Get(r.Context(), chi.URLParam(r, "escrowID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) fundEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayerEmail string `json:"payer_email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	init, err := s.escrows.Fund(r.Context(), chi.URLParam(r, "escrowID"), req.PayerEmail)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, init)
}

func (s *Server) updateConditions(w http.ResponseWriter, r *http.Request) {
	var patch escrow.ConditionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := s.escrows.UpdateConditions(r.Context(), chi.URLParam(r, "escrowID"), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type actionRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) releaseEscrow(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := s.escrows.Release(r.Context(), chi.URLParam(r, "escrowID"), req.By, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) refundEscrow(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := s.escrows.Refund(r.Context(), chi.URLParam(r, "escrowID"), req.By, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) cancelEscrow(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := s.escrows.Cancel(r.Context(), chi.URLParam(r, "escrowID"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// --- Webhook ---

type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// paymentWebhook validates the provider signature and enqueues the
// reference for serialized verification. State never advances here.
func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, "unreadable body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Gateway-Signature")
	if !gateway.VerifySignature(body, signature, s.webhookSecret) {
		writeError(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Data.Reference == "" {
		writeError(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if !s.queue.Enqueue(payload.Data.Reference) {
		// Provider retries; tell it to.
		writeError(w, "queue full", http.StatusServiceUnavailable)
		return
	}
	slog.Info("webhook accepted", "event", payload.Event, "reference", payload.Data.Reference)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// --- Wallets ---

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	wal, txns, err := s.ledger.Wallet(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":       wal,
		"transactions": txns,
	})
}

// --- Jobs ---

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusOK, []scheduler.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Statuses())
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.sched.RunNow(r.Context(), name); err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "invoked"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrDuplicateReference):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrLimitExceeded):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, model.ErrGateway):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
