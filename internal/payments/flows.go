package payments

import (
	"context"

	"github.com/openedge-labs/kestrel/internal/domain"
)

// Provider is the upstream payment surface the orchestrator drives.
// Implementations own the provider wire protocols; the orchestrator
// only sees intents and normalized results.
type Provider interface {
	// CreateIntent registers a payment attempt upstream and returns
	// the flow-specific material the client needs to continue.
	CreateIntent(ctx context.Context, orderRef string, method domain.PaymentMethod, order domain.OrderContext) (*Intent, error)

	// SubmitBankTransfer performs a direct account-to-account
	// submission, which completes server-side without a client step.
	SubmitBankTransfer(ctx context.Context, orderRef string, order domain.OrderContext) (*domain.PaymentResult, error)

	// Finalize reports the provider's verdict for an attempt and
	// returns the normalized result.
	Finalize(ctx context.Context, orderRef string) (*domain.PaymentResult, error)
}

// Intent is the provider material returned from intent creation. At
// most one field is populated, matching the flow kind.
type Intent struct {
	RedirectURL  string `json:"redirectUrl,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// flowFor maps a method onto its provider interaction model.
func flowFor(method domain.PaymentMethod) domain.FlowKind {
	switch method {
	case domain.MethodCard:
		return domain.FlowCardElement
	case domain.MethodApplePay, domain.MethodGooglePay:
		return domain.FlowWalletSession
	case domain.MethodSEPA:
		return domain.FlowBankTransfer
	default:
		// paypal, ideal, upi, crypto, afterpay all redirect to a
		// provider-hosted page
		return domain.FlowHostedCheckout
	}
}
