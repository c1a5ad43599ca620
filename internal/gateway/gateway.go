// Package gateway is the boundary to the third-party payment provider.
// The provider never decides application state: escrows only advance
// after an explicit verify call confirms the payment.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

// InitRequest describes a payment to initialize for escrow funding.
type InitRequest struct {
	Amount     decimal.Decimal
	PayerEmail string
	Metadata   map[string]string
}

// InitResponse carries the provider's reference and the checkout URL
// the lender is redirected to.
type InitResponse struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
}

// VerifyResult is the provider's answer for a payment reference.
type VerifyResult struct {
	Status               string `json:"status"` // "completed" or "failed"
	GatewayTransactionID string `json:"gateway_transaction_id"`
}

// Gateway initializes and verifies payments with the provider. Both
// calls are network I/O and must honor the context deadline; a timed
// out call leaves the owning escrow in its pre-call status.
type Gateway interface {
	InitializePayment(ctx context.Context, req InitRequest) (*InitResponse, error)
	VerifyPayment(ctx context.Context, reference string) (*VerifyResult, error)
}

// VerifySignature checks an inbound webhook body against the shared
// secret. The provider signs the raw body with HMAC-SHA512 and sends
// the hex digest in a signature header.
func VerifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
