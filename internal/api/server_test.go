package api_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lendpool/funds-engine/internal/api"
	"github.com/lendpool/funds-engine/internal/escrow"
	"github.com/lendpool/funds-engine/internal/gateway"
	"github.com/lendpool/funds-engine/internal/model"
	"github.com/lendpool/funds-engine/internal/scheduler"
	"github.com/lendpool/funds-engine/internal/store"
	"github.com/lendpool/funds-engine/internal/wallet"
)

const testSecret = "test-webhook-secret"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store   *store.MemoryStore
	ledger  *wallet.Ledger
	gateway *gateway.Stub
	queue   *escrow.VerifyQueue
	router  chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	ledger := wallet.NewLedger(ms, nil, wallet.Config{})
	gw := gateway.NewStub()
	mgr := escrow.NewManager(ms, ledger, gw, nil, nil, nil)
	queue := escrow.NewVerifyQueue(mgr, 16)
	queue.Start()
	t.Cleanup(queue.Stop)

	sched := scheduler.New()
	srv := api.NewServer(ms, mgr, ledger, queue, sched, nil, testSecret)
	return &testEnv{store: ms, ledger: ledger, gateway: gw, queue: queue, router: srv.Router()}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	} else {
		buf.WriteString("{}")
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createLoan(t *testing.T, env *testEnv, id string, amount float64) {
	t.Helper()
	w := doJSON(t, env.router, "POST", "/api/v1/loans", map[string]any{
		"id":          id,
		"borrower_id": "borrower1",
		"lender_id":   "lender1",
		"amount":      amount,
		"installments": []map[string]any{
			{"installment_number": 1, "amount": amount / 2, "due_date": time.Now().UTC().Add(30 * 24 * time.Hour)},
			{"installment_number": 2, "amount": amount / 2, "due_date": time.Now().UTC().Add(60 * 24 * time.Hour)},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create loan: status %d, body %s", w.Code, w.Body.String())
	}
}

func createEscrow(t *testing.T, env *testEnv, loanID string, amount float64) model.Escrow {
	t.Helper()
	w := doJSON(t, env.router, "POST", "/api/v1/escrows", map[string]any{
		"loan_id":     loanID,
		"lender_id":   "lender1",
		"borrower_id": "borrower1",
		"amount":      amount,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create escrow: status %d, body %s", w.Code, w.Body.String())
	}
	var e model.Escrow
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode escrow: %v", err)
	}
	return e
}

func sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// waitForStatus polls until the escrow reaches the wanted status; the
// webhook path verifies asynchronously.
func waitForStatus(t *testing.T, env *testEnv, escrowID string, want model.EscrowStatus) model.Escrow {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := doJSON(t, env.router, "GET", "/api/v1/escrows/"+escrowID, nil)
		if w.Code == http.StatusOK {
			var e model.Escrow
			if err := json.Unmarshal(w.Body.Bytes(), &e); err == nil && e.Status == want {
				return e
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("escrow %s never reached %s", escrowID, want)
	return model.Escrow{}
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	createLoan(t, env, "loan1", 1000)
	e := createEscrow(t, env, "loan1", 1000)

	// Initialize funding.
	w := doJSON(t, env.router, "POST", "/api/v1/escrows/"+e.ID+"/fund", map[string]any{
		"payer_email": "lender@example.test",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("fund: status %d, body %s", w.Code, w.Body.String())
	}
	var init gateway.InitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if init.Reference == "" || init.AuthorizationURL == "" {
		t.Fatalf("init response incomplete: %+v", init)
	}

	// Signed webhook confirms the payment asynchronously.
	payload, _ := json.Marshal(map[string]any{
		"event": "charge.success",
		"data":  map[string]string{"reference": init.Reference},
	})
	req := httptest.NewRequest("POST", "/api/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Gateway-Signature", sign(payload))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: status %d, body %s", rec.Code, rec.Body.String())
	}
	waitForStatus(t, env, e.ID, model.EscrowHeld)

	// Clear conditions; held escrow auto-releases.
	w = doJSON(t, env.router, "POST", "/api/v1/escrows/"+e.ID+"/conditions", map[string]any{
		"kyc_verified":        true,
		"collateral_verified": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("conditions: status %d, body %s", w.Code, w.Body.String())
	}
	waitForStatus(t, env, e.ID, model.EscrowReleased)

	// Borrower wallet shows the disbursement.
	w = doJSON(t, env.router, "GET", "/api/v1/wallets/borrower1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("wallet: status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Wallet       model.Wallet        `json:"wallet"`
		Transactions []model.Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}
	if !resp.Wallet.Balance.Equal(d(1000)) {
		t.Errorf("borrower balance = %s, want 1000", resp.Wallet.Balance)
	}
	if len(resp.Transactions) == 0 {
		t.Error("no transactions in borrower history")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)
	req := httptest.NewRequest("POST", "/api/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Gateway-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("tampered signature: status %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/v1/payments/webhook", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing signature: status %d, want 401", rec.Code)
	}
}

func TestWebhookRejectsEmptyReference(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{"event":"charge.success","data":{}}`)
	req := httptest.NewRequest("POST", "/api/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Gateway-Signature", sign(payload))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty reference: status %d, want 400", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	createLoan(t, env, "loan1", 500)

	// Missing escrow.
	if w := doJSON(t, env.router, "GET", "/api/v1/escrows/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing escrow: status %d, want 404", w.Code)
	}

	// Validation failure.
	if w := doJSON(t, env.router, "POST", "/api/v1/escrows", map[string]any{
		"loan_id": "loan1", "lender_id": "lender1", "borrower_id": "borrower1", "amount": -5,
	}); w.Code != http.StatusBadRequest {
		t.Errorf("negative amount: status %d, want 400", w.Code)
	}

	// Conflict: second escrow for the same loan.
	createEscrow(t, env, "loan1", 500)
	if w := doJSON(t, env.router, "POST", "/api/v1/escrows", map[string]any{
		"loan_id": "loan1", "lender_id": "lender1", "borrower_id": "borrower1", "amount": 500,
	}); w.Code != http.StatusConflict {
		t.Errorf("duplicate escrow: status %d, want 409", w.Code)
	}

	// Missing wallet.
	if w := doJSON(t, env.router, "GET", "/api/v1/wallets/nobody", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing wallet: status %d, want 404", w.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestEnv(t)
	createLoan(t, env, "loan1", 500)
	e := createEscrow(t, env, "loan1", 500)

	w := doJSON(t, env.router, "POST", "/api/v1/escrows/"+e.ID+"/cancel", map[string]any{
		"reason": "lender backed out",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d, body %s", w.Code, w.Body.String())
	}
	var got model.Escrow
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode escrow: %v", err)
	}
	if got.Status != model.EscrowCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if w := doJSON(t, env.router, "GET", "/api/v1/jobs", nil); w.Code != http.StatusOK {
		t.Errorf("list jobs: status %d, want 200", w.Code)
	}
	if w := doJSON(t, env.router, "POST", "/api/v1/jobs/unknown/run", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown job: status %d, want 404", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: status %d, want 200", w.Code)
	}
}
