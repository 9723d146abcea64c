package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talentpay/backend/internal/config"
	"github.com/talentpay/backend/internal/models"
)

// Client is the HTTP implementation of Adapter against the configured
// processor gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Adapter = (*Client)(nil)

func NewClient(cfg config.Config) *Client {
	return &Client{
		baseURL:    cfg.ProcessorBaseURL,
		apiKey:     cfg.ProcessorAPIKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type holdRequest struct {
	PaymentID string `json:"payment_id"`
	PayerID   string `json:"payer_id"`
	PayeeID   string `json:"payee_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Method    string `json:"method"`
}

type referenceResponse struct {
	Reference string `json:"reference"`
}

func (c *Client) CreateHold(ctx context.Context, p *models.Payment) (string, error) {
	var resp referenceResponse
	err := c.post(ctx, "/v1/holds", holdRequest{
		PaymentID: p.ID.String(),
		PayerID:   p.PayerID.String(),
		PayeeID:   p.PayeeID.String(),
		Amount:    p.Amount.StringFixed(2),
		Currency:  p.Currency,
		Method:    string(p.Method),
	}, &resp)
	if err != nil {
		return "", &Error{Op: "create hold", Err: err}
	}
	if resp.Reference == "" {
		return "", &Error{Op: "create hold", Err: fmt.Errorf("processor returned no reference")}
	}
	return resp.Reference, nil
}

func (c *Client) Release(ctx context.Context, p *models.Payment) (string, error) {
	if p.ExternalPaymentRef == nil {
		return "", &Error{Op: "release", Err: fmt.Errorf("payment %s has no processor reference", p.ID)}
	}
	var resp referenceResponse
	err := c.post(ctx, fmt.Sprintf("/v1/holds/%s/release", *p.ExternalPaymentRef), map[string]string{
		"payee_id": p.PayeeID.String(),
	}, &resp)
	if err != nil {
		return "", &Error{Op: "release", Err: err}
	}
	if resp.Reference == "" {
		return "", &Error{Op: "release", Err: fmt.Errorf("processor returned no transfer reference")}
	}
	return resp.Reference, nil
}

func (c *Client) Cancel(ctx context.Context, externalRef, reason string) error {
	err := c.post(ctx, fmt.Sprintf("/v1/holds/%s/cancel", externalRef), map[string]string{
		"reason": reason,
	}, nil)
	if err != nil {
		return &Error{Op: "cancel", Err: err}
	}
	return nil
}

func (c *Client) Refund(ctx context.Context, externalRef string, amount decimal.Decimal, reason string) (string, error) {
	var resp referenceResponse
	err := c.post(ctx, fmt.Sprintf("/v1/charges/%s/refunds", externalRef), map[string]string{
		"amount": amount.StringFixed(2),
		"reason": reason,
	}, &resp)
	if err != nil {
		return "", &Error{Op: "refund", Err: err}
	}
	if resp.Reference == "" {
		return "", &Error{Op: "refund", Err: fmt.Errorf("processor returned no refund reference")}
	}
	return resp.Reference, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("processor returned %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
