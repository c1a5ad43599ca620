package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lendpool/funds-engine/internal/model"
)

// HTTPGateway talks to the provider's REST API. All failures — network,
// timeout, non-2xx, undecodable body — are wrapped as model.ErrGateway
// so callers can retry with backoff.
type HTTPGateway struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewHTTPGateway creates a gateway client. Timeout guards every call;
// zero means 15 seconds.
func NewHTTPGateway(baseURL, secret string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

type initPayload struct {
	Amount   string            `json:"amount"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type initEnvelope struct {
	Status bool `json:"status"`
	Data   struct {
		Reference        string `json:"reference"`
		AuthorizationURL string `json:"authorization_url"`
	} `json:"data"`
}

func (g *HTTPGateway) InitializePayment(ctx context.Context, req InitRequest) (*InitResponse, error) {
	body, err := json.Marshal(initPayload{
		Amount:   req.Amount.String(),
		Email:    req.PayerEmail,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	var env initEnvelope
	if err := g.do(ctx, http.MethodPost, "/transaction/initialize", body, &env); err != nil {
		return nil, err
	}
	if !env.Status || env.Data.Reference == "" {
		return nil, fmt.Errorf("initialize payment rejected: %w", model.ErrGateway)
	}
	return &InitResponse{
		Reference:        env.Data.Reference,
		AuthorizationURL: env.Data.AuthorizationURL,
	}, nil
}

type verifyEnvelope struct {
	Status bool `json:"status"`
	Data   struct {
		Status        string `json:"status"` // "success" or "failed"
		TransactionID string `json:"id"`
	} `json:"data"`
}

func (g *HTTPGateway) VerifyPayment(ctx context.Context, reference string) (*VerifyResult, error) {
	var env verifyEnvelope
	if err := g.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &env); err != nil {
		return nil, err
	}
	if !env.Status {
		return nil, fmt.Errorf("verify %s rejected: %w", reference, model.ErrGateway)
	}

	result := &VerifyResult{GatewayTransactionID: env.Data.TransactionID}
	if env.Data.Status == "success" {
		result.Status = model.PaymentStatusCompleted
	} else {
		result.Status = model.PaymentStatusFailed
	}
	return result, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, model.ErrGateway)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, model.ErrGateway)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, model.ErrGateway)
	}
	return nil
}
