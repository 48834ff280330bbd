package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openedge-labs/kestrel/internal/domain"
)

// orderRefTTL bounds how long an unfinished attempt keeps its order
// reference. Long enough to cover any realistic retry window.
const orderRefTTL = 30 * time.Minute

// FallbackEvent is published when an ineligible method selection is
// downgraded to card.
type FallbackEvent struct {
	Requested domain.PaymentMethod `json:"requested"`
	Selected  domain.PaymentMethod `json:"selected"`
	Currency  string               `json:"currency"`
}

// CompletedEvent is published when a payment settles successfully.
type CompletedEvent struct {
	OrderRef  string  `json:"orderRef"`
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// Orchestrator owns method resolution, currency gating, order-reference
// idempotency, and dispatch to the provider flows.
type Orchestrator struct {
	provider Provider
	cache    domain.Cache
	bus      domain.EventBus
	rules    *Eligibility
	validate *validator.Validate

	defaultCountry string

	mu   sync.Mutex
	refs map[string]string
}

// New creates an orchestrator. cache may be nil, in which case order
// references live only in process memory.
func New(provider Provider, cache domain.Cache, bus domain.EventBus, cfg domain.PaymentsConfig) (*Orchestrator, error) {
	rules, err := NewEligibility(cfg.Rules)
	if err != nil {
		return nil, err
	}

	country := cfg.DefaultCountry
	if country == "" {
		country = "US"
	}

	return &Orchestrator{
		provider:       provider,
		cache:          cache,
		bus:            bus,
		rules:          rules,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		defaultCountry: country,
		refs:           make(map[string]string),
	}, nil
}

// euMembers is the ISO 3166-1 alpha-2 set of EU member states.
var euMembers = map[string]bool{
	"AT": true, "BE": true, "BG": true, "HR": true, "CY": true,
	"CZ": true, "DK": true, "EE": true, "FI": true, "FR": true,
	"DE": true, "GR": true, "HU": true, "IE": true, "IT": true,
	"LV": true, "LT": true, "LU": true, "MT": true, "NL": true,
	"PL": true, "PT": true, "RO": true, "SK": true, "SI": true,
	"ES": true, "SE": true,
}

// ResolveMethods returns the ordered method list for a region. Unknown
// or empty regions get the conservative default set.
func (o *Orchestrator) ResolveMethods(countryCode string) []domain.PaymentMethod {
	if countryCode == "" {
		countryCode = o.defaultCountry
	}

	switch {
	case countryCode == "US":
		return []domain.PaymentMethod{
			domain.MethodCard, domain.MethodPayPal, domain.MethodApplePay,
			domain.MethodGooglePay, domain.MethodAfterpay,
		}
	case countryCode == "IN":
		return []domain.PaymentMethod{
			domain.MethodCard, domain.MethodUPI, domain.MethodGooglePay,
		}
	case euMembers[countryCode]:
		methods := []domain.PaymentMethod{domain.MethodCard, domain.MethodSEPA}
		if countryCode == "NL" {
			methods = append(methods, domain.MethodIDEAL)
		}
		return append(methods,
			domain.MethodPayPal, domain.MethodApplePay, domain.MethodGooglePay,
		)
	default:
		return []domain.PaymentMethod{domain.MethodCard, domain.MethodPayPal}
	}
}

// SelectMethod gates the requested method against the eligibility
// rules. Ineligible selections fall back to card and a fallback
// notification is published; the fallback itself is never an error.
func (o *Orchestrator) SelectMethod(ctx context.Context, method domain.PaymentMethod, order domain.OrderContext) domain.PaymentMethod {
	if o.rules.Eligible(method, order) {
		return method
	}

	slog.Info("payment method ineligible, falling back to card",
		"requested", method,
		"currency", order.Currency,
	)
	o.publish(ctx, order.UserID, domain.TopicPaymentFallback, FallbackEvent{
		Requested: method,
		Selected:  domain.MethodCard,
		Currency:  order.Currency,
	})
	return domain.MethodCard
}

// Initiate validates the order, gates the method, and dispatches to
// the provider flow. The order reference is minted once per cart and
// reused on retry so the backend never sees a duplicate order.
func (o *Orchestrator) Initiate(ctx context.Context, method domain.PaymentMethod, order domain.OrderContext) (*domain.PaymentHandle, error) {
	if err := o.validate.Struct(order); err != nil {
		return nil, fmt.Errorf("invalid order: %w", err)
	}

	method = o.SelectMethod(ctx, method, order)
	kind := flowFor(method)
	ref := o.orderRef(ctx, order.UserID, order.CartID)

	handle := &domain.PaymentHandle{
		OrderRef: ref,
		Method:   method,
		Kind:     kind,
	}

	if kind == domain.FlowBankTransfer {
		return o.bankTransfer(ctx, handle, order)
	}

	intent, err := o.provider.CreateIntent(ctx, ref, method, order)
	if err != nil {
		if nerr := o.fail(handle, err); nerr != nil {
			return nil, nerr
		}
		handle.Status = "cancelled"
		return handle, nil
	}

	switch kind {
	case domain.FlowHostedCheckout:
		handle.RedirectURL = intent.RedirectURL
	case domain.FlowCardElement:
		handle.ClientSecret = intent.ClientSecret
	case domain.FlowWalletSession:
		handle.SessionToken = intent.SessionToken
	}
	handle.Status = "pending"

	return handle, nil
}

// bankTransfer submits account details directly. IBAN and BIC are
// checked locally before any network call.
func (o *Orchestrator) bankTransfer(ctx context.Context, handle *domain.PaymentHandle, order domain.OrderContext) (*domain.PaymentHandle, error) {
	if order.IBAN == "" {
		return nil, fmt.Errorf("invalid order: %w: sepa requires an IBAN", domain.ErrConfiguration)
	}

	result, err := o.provider.SubmitBankTransfer(ctx, handle.OrderRef, order)
	if err != nil {
		if nerr := o.fail(handle, err); nerr != nil {
			return nil, nerr
		}
		handle.Status = "cancelled"
		return handle, nil
	}
	if !result.Success {
		return nil, o.fail(handle, &domain.ProviderDeclinedError{Reason: result.Error})
	}

	handle.Status = result.Status
	o.settle(ctx, order, result)
	return handle, nil
}

// Complete finalizes a pending attempt once the client-side step has
// run. On success the cart cache is cleared and a completion event is
// published; on failure the cart (and the entered form data it holds)
// is left untouched for retry.
func (o *Orchestrator) Complete(ctx context.Context, order domain.OrderContext) (*domain.PaymentResult, error) {
	ref := o.orderRef(ctx, order.UserID, order.CartID)

	result, err := o.provider.Finalize(ctx, ref)
	if err != nil {
		err = normalize(err)
		if errors.Is(err, domain.ErrUserCancelled) {
			// Silent return, the checkout form stays as it was
			return &domain.PaymentResult{OrderRef: ref, Status: "cancelled"}, nil
		}
		return nil, err
	}
	if !result.Success {
		return nil, &domain.ProviderDeclinedError{Reason: result.Error}
	}

	o.settle(ctx, order, result)
	return result, nil
}

// settle clears the cart and the attempt registry entry, then
// announces the completed payment.
func (o *Orchestrator) settle(ctx context.Context, order domain.OrderContext, result *domain.PaymentResult) {
	o.forgetRef(ctx, order.UserID, order.CartID)
	if o.cache != nil {
		if err := o.cache.Delete(ctx, order.UserID, domain.PrefixCart+order.CartID); err != nil {
			slog.Warn("cart cache not cleared after payment", "cart_id", order.CartID, "error", err)
		}
	}
	o.publish(ctx, order.UserID, domain.TopicPaymentCompleted, CompletedEvent{
		OrderRef:  result.OrderRef,
		PaymentID: result.PaymentID,
		Amount:    order.Amount,
		Currency:  order.Currency,
	})
}

// fail normalizes a provider error. A user cancellation is swallowed
// (callers report a cancelled handle instead). The order reference
// stays registered so a retry reuses it, and the cart cache is
// untouched.
func (o *Orchestrator) fail(handle *domain.PaymentHandle, err error) error {
	err = normalize(err)
	if errors.Is(err, domain.ErrUserCancelled) {
		return nil
	}
	slog.Warn("payment attempt failed",
		"order_ref", handle.OrderRef,
		"method", handle.Method,
		"error", err,
	)
	return err
}

// orderRef returns the cart's order reference, minting one on first
// use. References survive process restarts via the cache so a retry
// after a crash still reconciles to the same order.
func (o *Orchestrator) orderRef(ctx context.Context, userID, cartID string) string {
	key := domain.PrefixOrder + cartID
	if o.cache != nil {
		if v, err := o.cache.Get(ctx, userID, key); err == nil && v != nil {
			return string(v)
		}
	}

	o.mu.Lock()
	ref, ok := o.refs[userID+"/"+cartID]
	if !ok {
		ref = uuid.New().String()
		o.refs[userID+"/"+cartID] = ref
	}
	o.mu.Unlock()

	if o.cache != nil {
		if err := o.cache.Set(ctx, userID, key, []byte(ref), orderRefTTL); err != nil {
			slog.Debug("order reference not persisted", "cart_id", cartID, "error", err)
		}
	}
	return ref
}

func (o *Orchestrator) forgetRef(ctx context.Context, userID, cartID string) {
	o.mu.Lock()
	delete(o.refs, userID+"/"+cartID)
	o.mu.Unlock()
	if o.cache != nil {
		_ = o.cache.Delete(ctx, userID, domain.PrefixOrder+cartID)
	}
}

func (o *Orchestrator) publish(ctx context.Context, userID, topic string, ev any) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, userID, topic, payload); err != nil {
		slog.Debug("payment event dropped", "topic", topic, "error", err)
	}
}

// normalize maps provider failures onto the payment error taxonomy.
// Taxonomy errors pass through untouched.
func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrUserCancelled),
		errors.Is(err, domain.ErrConfiguration),
		errors.Is(err, domain.ErrNetworkUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrTimeout):
		return domain.ErrNetworkUnavailable
	}

	var declined *domain.ProviderDeclinedError
	if errors.As(err, &declined) {
		return err
	}
	var rejected *domain.ServerRejectedError
	if errors.As(err, &rejected) {
		return &domain.ProviderDeclinedError{Reason: rejected.Message}
	}

	return domain.ErrNetworkUnavailable
}
