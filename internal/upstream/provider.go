package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/openedge-labs/kestrel/internal/domain"
	"github.com/openedge-labs/kestrel/internal/payments"
)

// CreateIntent registers a payment attempt with the backend, which owns
// the provider wire protocols and hands back flow material.
func (c *Client) CreateIntent(ctx context.Context, orderRef string, method domain.PaymentMethod, order domain.OrderContext) (*payments.Intent, error) {
	ctx, span := tracer.Start(ctx, "upstream.CreateIntent")
	defer span.End()

	payload, err := c.do(ctx, http.MethodPost, "/api/payments/intents", map[string]any{
		"orderRef": orderRef,
		"method":   method,
		"order":    order,
	})
	if err != nil {
		return nil, err
	}

	var intent payments.Intent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent: %w", err)
	}
	return &intent, nil
}

// SubmitBankTransfer performs a direct account-to-account submission.
func (c *Client) SubmitBankTransfer(ctx context.Context, orderRef string, order domain.OrderContext) (*domain.PaymentResult, error) {
	ctx, span := tracer.Start(ctx, "upstream.SubmitBankTransfer")
	defer span.End()

	payload, err := c.do(ctx, http.MethodPost, "/api/payments/bank-transfer", map[string]any{
		"orderRef": orderRef,
		"order":    order,
	})
	if err != nil {
		return nil, err
	}

	var result domain.PaymentResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode payment result: %w", err)
	}
	return &result, nil
}

// Finalize reports the provider verdict for a pending attempt.
func (c *Client) Finalize(ctx context.Context, orderRef string) (*domain.PaymentResult, error) {
	ctx, span := tracer.Start(ctx, "upstream.Finalize")
	defer span.End()

	payload, err := c.do(ctx, http.MethodPost, "/api/payments/"+url.PathEscape(orderRef)+"/finalize", nil)
	if err != nil {
		return nil, err
	}

	var result domain.PaymentResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode payment result: %w", err)
	}
	return &result, nil
}
