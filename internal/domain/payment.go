package domain

// PaymentMethod identifies one of the supported checkout methods.
type PaymentMethod string

const (
	MethodCard      PaymentMethod = "card"
	MethodPayPal    PaymentMethod = "paypal"
	MethodApplePay  PaymentMethod = "apple_pay"
	MethodGooglePay PaymentMethod = "google_pay"
	MethodSEPA      PaymentMethod = "sepa"
	MethodIDEAL     PaymentMethod = "ideal"
	MethodUPI       PaymentMethod = "upi"
	MethodCrypto    PaymentMethod = "crypto"
	MethodAfterpay  PaymentMethod = "afterpay"
)

// FlowKind selects the provider interaction model for a method.
type FlowKind string

const (
	// FlowHostedCheckout redirects the client to a provider-hosted page.
	FlowHostedCheckout FlowKind = "hosted_checkout"

	// FlowCardElement confirms a client-side card element against an
	// intent created upstream.
	FlowCardElement FlowKind = "card_element"

	// FlowWalletSession drives a platform wallet session callback
	// (Apple Pay / Google Pay).
	FlowWalletSession FlowKind = "wallet_session"

	// FlowBankTransfer submits account details directly (SEPA).
	FlowBankTransfer FlowKind = "bank_transfer"
)

// OrderContext carries everything a payment flow needs. Entered form
// data (IBAN/BIC, return URL) survives a failed attempt untouched.
type OrderContext struct {
	CartID      string  `json:"cartId" validate:"required"`
	UserID      string  `json:"userId" validate:"required"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
	Currency    string  `json:"currency" validate:"required,iso4217"`
	CountryCode string  `json:"countryCode" validate:"required,iso3166_1_alpha2"`
	IBAN        string  `json:"iban,omitempty" validate:"omitempty,iban"`
	BIC         string  `json:"bic,omitempty" validate:"omitempty,bic"`
	ReturnURL   string  `json:"returnUrl,omitempty" validate:"omitempty,url"`
}

// PaymentHandle is what the gateway returns to the UI after initiating
// a payment. Exactly one of the flow-specific fields is populated.
type PaymentHandle struct {
	OrderRef     string        `json:"orderRef"`
	Method       PaymentMethod `json:"method"`
	Kind         FlowKind      `json:"kind"`
	RedirectURL  string        `json:"redirectUrl,omitempty"`
	ClientSecret string        `json:"clientSecret,omitempty"`
	SessionToken string        `json:"sessionToken,omitempty"`
	Status       string        `json:"status"`
}

// PaymentResult is the uniform shape every provider response is
// normalized into.
type PaymentResult struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"paymentId,omitempty"`
	OrderRef  string `json:"orderId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// MethodRule gates a payment method behind a CEL predicate over the
// order context (currency, country, amount).
type MethodRule struct {
	Method     PaymentMethod `json:"method"`
	Expression string        `json:"expression"`
}

// PaymentsConfig holds orchestrator settings.
type PaymentsConfig struct {
	// DefaultCountry is used when the client supplies no region.
	DefaultCountry string `env:"PAYMENTS_DEFAULT_COUNTRY"`

	// Rules override the built-in eligibility set when non-empty.
	Rules []MethodRule
}
