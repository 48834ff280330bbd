package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openedge-labs/kestrel/internal/bus"
	"github.com/openedge-labs/kestrel/internal/cache"
	"github.com/openedge-labs/kestrel/internal/domain"
)

type fakeProvider struct {
	mu        sync.Mutex
	intentErr error
	refs      []string
	transfer  *domain.PaymentResult
	finalized *domain.PaymentResult
}

func (f *fakeProvider) CreateIntent(ctx context.Context, orderRef string, method domain.PaymentMethod, order domain.OrderContext) (*Intent, error) {
	f.mu.Lock()
	f.refs = append(f.refs, orderRef)
	err := f.intentErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Intent{
		RedirectURL:  "https://pay.example.com/" + orderRef,
		ClientSecret: "secret-" + orderRef,
		SessionToken: "session-" + orderRef,
	}, nil
}

func (f *fakeProvider) SubmitBankTransfer(ctx context.Context, orderRef string, order domain.OrderContext) (*domain.PaymentResult, error) {
	f.mu.Lock()
	f.refs = append(f.refs, orderRef)
	f.mu.Unlock()
	if f.transfer == nil {
		return &domain.PaymentResult{Success: true, OrderRef: orderRef, Status: "succeeded"}, nil
	}
	return f.transfer, nil
}

func (f *fakeProvider) Finalize(ctx context.Context, orderRef string) (*domain.PaymentResult, error) {
	if f.finalized == nil {
		return &domain.PaymentResult{Success: true, OrderRef: orderRef, Status: "succeeded"}, nil
	}
	return f.finalized, nil
}

func (f *fakeProvider) seenRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refs...)
}

func order(currency string) domain.OrderContext {
	return domain.OrderContext{
		CartID:      "cart-001",
		UserID:      "user-001",
		Amount:      49.99,
		Currency:    currency,
		CountryCode: "DE",
	}
}

func TestResolveMethods(t *testing.T) {
	o, err := New(&fakeProvider{}, nil, nil, domain.PaymentsConfig{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cases := []struct {
		country string
		want    []domain.PaymentMethod
	}{
		{"US", []domain.PaymentMethod{
			domain.MethodCard, domain.MethodPayPal, domain.MethodApplePay,
			domain.MethodGooglePay, domain.MethodAfterpay,
		}},
		{"IN", []domain.PaymentMethod{
			domain.MethodCard, domain.MethodUPI, domain.MethodGooglePay,
		}},
		{"DE", []domain.PaymentMethod{
			domain.MethodCard, domain.MethodSEPA, domain.MethodPayPal,
			domain.MethodApplePay, domain.MethodGooglePay,
		}},
		{"NL", []domain.PaymentMethod{
			domain.MethodCard, domain.MethodSEPA, domain.MethodIDEAL,
			domain.MethodPayPal, domain.MethodApplePay, domain.MethodGooglePay,
		}},
		{"BR", []domain.PaymentMethod{domain.MethodCard, domain.MethodPayPal}},
		{"", []domain.PaymentMethod{
			domain.MethodCard, domain.MethodPayPal, domain.MethodApplePay,
			domain.MethodGooglePay, domain.MethodAfterpay,
		}},
	}

	for _, tc := range cases {
		got := o.ResolveMethods(tc.country)
		if len(got) != len(tc.want) {
			t.Errorf("%q: expected %d methods, got %v", tc.country, len(tc.want), got)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("%q: position %d: expected %s, got %s", tc.country, i, tc.want[i], got[i])
			}
		}
	}
}

func TestCurrencyGating(t *testing.T) {
	ctx := context.Background()

	t.Run("SEPAWithUSDFallsBackToCard", func(t *testing.T) {
		b := bus.NewChannelBus(16)
		defer b.Close()

		fallback := make(chan *domain.Message, 1)
		if _, err := b.Subscribe(ctx, "user-001", domain.TopicPaymentFallback, func(ctx context.Context, msg *domain.Message) error {
			fallback <- msg
			return nil
		}); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		o, err := New(&fakeProvider{}, nil, b, domain.PaymentsConfig{})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		got := o.SelectMethod(ctx, domain.MethodSEPA, order("USD"))
		if got != domain.MethodCard {
			t.Errorf("expected card fallback, got %s", got)
		}

		select {
		case <-fallback:
		case <-time.After(time.Second):
			t.Fatal("expected a fallback notification")
		}
	})

	t.Run("SEPAWithEURPassesThrough", func(t *testing.T) {
		b := bus.NewChannelBus(16)
		defer b.Close()

		fallback := make(chan *domain.Message, 1)
		if _, err := b.Subscribe(ctx, "user-001", domain.TopicPaymentFallback, func(ctx context.Context, msg *domain.Message) error {
			fallback <- msg
			return nil
		}); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		o, err := New(&fakeProvider{}, nil, b, domain.PaymentsConfig{})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		if got := o.SelectMethod(ctx, domain.MethodSEPA, order("EUR")); got != domain.MethodSEPA {
			t.Errorf("expected sepa to pass through, got %s", got)
		}

		select {
		case <-fallback:
			t.Error("unexpected fallback notification for eligible method")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("UPIRequiresINR", func(t *testing.T) {
		o, err := New(&fakeProvider{}, nil, nil, domain.PaymentsConfig{})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if got := o.SelectMethod(ctx, domain.MethodUPI, order("USD")); got != domain.MethodCard {
			t.Errorf("expected card fallback for upi/USD, got %s", got)
		}
	})

	t.Run("CustomRulesOverrideDefaults", func(t *testing.T) {
		cfg := domain.PaymentsConfig{Rules: []domain.MethodRule{
			{Method: domain.MethodCrypto, Expression: `amount < 100.0`},
		}}
		o, err := New(&fakeProvider{}, nil, nil, cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		if got := o.SelectMethod(ctx, domain.MethodCrypto, order("USD")); got != domain.MethodCrypto {
			t.Errorf("expected crypto under limit, got %s", got)
		}

		big := order("USD")
		big.Amount = 500
		if got := o.SelectMethod(ctx, domain.MethodCrypto, big); got != domain.MethodCard {
			t.Errorf("expected card fallback over limit, got %s", got)
		}
	})
}

func TestInitiateFlows(t *testing.T) {
	ctx := context.Background()

	t.Run("HostedCheckoutReturnsRedirect", func(t *testing.T) {
		o, _ := New(&fakeProvider{}, nil, nil, domain.PaymentsConfig{})
		handle, err := o.Initiate(ctx, domain.MethodPayPal, order("USD"))
		if err != nil {
			t.Fatalf("Initiate failed: %v", err)
		}
		if handle.Kind != domain.FlowHostedCheckout || handle.RedirectURL == "" {
			t.Errorf("expected hosted checkout redirect, got %+v", handle)
		}
		if handle.ClientSecret != "" || handle.SessionToken != "" {
			t.Errorf("expected only redirect material, got %+v", handle)
		}
	})

	t.Run("CardElementReturnsClientSecret", func(t *testing.T) {
		o, _ := New(&fakeProvider{}, nil, nil, domain.PaymentsConfig{})
		handle, err := o.Initiate(ctx, domain.MethodCard, order("USD"))
		if err != nil {
			t.Fatalf("Initiate failed: %v", err)
		}
		if handle.Kind != domain.FlowCardElement || handle.ClientSecret == "" {
			t.Errorf("expected card element secret, got %+v", handle)
		}
	})

	t.Run("WalletSessionReturnsToken", func(t *testing.T) {
		o, _ := New(&fakeProvider{}, nil, nil, domain.PaymentsConfig{})
		handle, err := o.Initiate(ctx, domain.MethodApplePay, order("USD"))
		if err != nil {
			t.Fatalf("Initiate failed: %v", err)
		}
		if handle.Kind != domain.FlowWalletSession || handle.SessionToken == "" {
			t.Errorf("expected wallet session token, got %+v", handle)
		}
	})

	t.Run("BankTransferRequiresIBAN", func(t *testing.T) {
		provider := &fakeProvider{}
		o, _ := New(provider, nil, nil, domain.PaymentsConfig{})

		_, err := o.Initiate(ctx, domain.MethodSEPA, order("EUR"))
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
		if n := len(provider.seenRefs()); n != 0 {
			t.Errorf("expected no network call for missing IBAN, got %d", n)
		}
	})

	t.Run("BankTransferSubmitsDirectly", func(t *testing.T) {
		o, _ := New(&fakeProvider{}, nil, nil, domain.PaymentsConfig{})

		ord := order("EUR")
		ord.IBAN = "DE89370400440532013000"
		ord.BIC = "COBADEFFXXX"

		handle, err := o.Initiate(ctx, domain.MethodSEPA, ord)
		if err != nil {
			t.Fatalf("Initiate failed: %v", err)
		}
		if handle.Kind != domain.FlowBankTransfer || handle.Status != "succeeded" {
			t.Errorf("expected completed bank transfer, got %+v", handle)
		}
	})

	t.Run("InvalidOrderNeverReachesProvider", func(t *testing.T) {
		provider := &fakeProvider{}
		o, _ := New(provider, nil, nil, domain.PaymentsConfig{})

		bad := order("usd-lowercase-invalid")
		if _, err := o.Initiate(ctx, domain.MethodCard, bad); err == nil {
			t.Fatal("expected validation error")
		}
		if n := len(provider.seenRefs()); n != 0 {
			t.Errorf("expected no provider call for invalid order, got %d", n)
		}
	})

	t.Run("UserCancellationIsSilent", func(t *testing.T) {
		provider := &fakeProvider{intentErr: domain.ErrUserCancelled}
		o, _ := New(provider, nil, nil, domain.PaymentsConfig{})

		handle, err := o.Initiate(ctx, domain.MethodPayPal, order("USD"))
		if err != nil {
			t.Fatalf("expected cancellation to be silent, got %v", err)
		}
		if handle.Status != "cancelled" {
			t.Errorf("expected cancelled status, got %s", handle.Status)
		}
	})
}

func TestRetryReusesOrderReference(t *testing.T) {
	ctx := context.Background()

	t.Run("AfterTransientFailure", func(t *testing.T) {
		provider := &fakeProvider{intentErr: domain.ErrNetworkUnavailable}
		store := cache.NewMemoryCache(100, 1<<20)
		o, _ := New(provider, store, nil, domain.PaymentsConfig{})

		if _, err := o.Initiate(ctx, domain.MethodPayPal, order("USD")); !errors.Is(err, domain.ErrNetworkUnavailable) {
			t.Fatalf("expected network error, got %v", err)
		}

		provider.mu.Lock()
		provider.intentErr = nil
		provider.mu.Unlock()

		handle, err := o.Initiate(ctx, domain.MethodPayPal, order("USD"))
		if err != nil {
			t.Fatalf("retry failed: %v", err)
		}

		refs := provider.seenRefs()
		if len(refs) != 2 {
			t.Fatalf("expected 2 attempts, got %d", len(refs))
		}
		if refs[0] != refs[1] {
			t.Errorf("retry minted a new order reference: %s vs %s", refs[0], refs[1])
		}
		if handle.OrderRef != refs[0] {
			t.Errorf("handle carries unexpected reference %s", handle.OrderRef)
		}
	})

	t.Run("ReferenceSurvivesRestartViaCache", func(t *testing.T) {
		store := cache.NewMemoryCache(100, 1<<20)
		provider := &fakeProvider{}

		first, _ := New(provider, store, nil, domain.PaymentsConfig{})
		h1, err := first.Initiate(ctx, domain.MethodPayPal, order("USD"))
		if err != nil {
			t.Fatalf("Initiate failed: %v", err)
		}

		second, _ := New(provider, store, nil, domain.PaymentsConfig{})
		h2, err := second.Initiate(ctx, domain.MethodPayPal, order("USD"))
		if err != nil {
			t.Fatalf("Initiate failed: %v", err)
		}

		if h1.OrderRef != h2.OrderRef {
			t.Errorf("expected persisted reference reuse, got %s vs %s", h1.OrderRef, h2.OrderRef)
		}
	})

	t.Run("NewCartMintsNewReference", func(t *testing.T) {
		provider := &fakeProvider{}
		o, _ := New(provider, nil, nil, domain.PaymentsConfig{})

		h1, _ := o.Initiate(ctx, domain.MethodPayPal, order("USD"))
		other := order("USD")
		other.CartID = "cart-002"
		h2, _ := o.Initiate(ctx, domain.MethodPayPal, other)

		if h1.OrderRef == h2.OrderRef {
			t.Error("distinct carts must not share an order reference")
		}
	})
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("SuccessClearsCartAndPublishes", func(t *testing.T) {
		store := cache.NewMemoryCache(100, 1<<20)
		b := bus.NewChannelBus(16)
		defer b.Close()

		completed := make(chan *domain.Message, 1)
		if _, err := b.Subscribe(ctx, "user-001", domain.TopicPaymentCompleted, func(ctx context.Context, msg *domain.Message) error {
			completed <- msg
			return nil
		}); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		ord := order("USD")
		_ = store.Set(ctx, ord.UserID, domain.PrefixCart+ord.CartID, []byte(`{"items":3}`), domain.TTLProfile)

		o, _ := New(&fakeProvider{}, store, b, domain.PaymentsConfig{})
		if _, err := o.Initiate(ctx, domain.MethodPayPal, ord); err != nil {
			t.Fatalf("Initiate failed: %v", err)
		}

		result, err := o.Complete(ctx, ord)
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if !result.Success {
			t.Errorf("expected success, got %+v", result)
		}

		if v, _ := store.Get(ctx, ord.UserID, domain.PrefixCart+ord.CartID); v != nil {
			t.Error("expected cart cache cleared after settled payment")
		}

		select {
		case <-completed:
		case <-time.After(time.Second):
			t.Fatal("expected a completion event")
		}
	})

	t.Run("DeclineKeepsCart", func(t *testing.T) {
		store := cache.NewMemoryCache(100, 1<<20)
		provider := &fakeProvider{
			finalized: &domain.PaymentResult{Success: false, Status: "declined", Error: "insufficient funds"},
		}

		ord := order("USD")
		cart := []byte(`{"items":3,"iban":"entered-by-user"}`)
		_ = store.Set(ctx, ord.UserID, domain.PrefixCart+ord.CartID, cart, domain.TTLProfile)

		o, _ := New(provider, store, nil, domain.PaymentsConfig{})
		_, err := o.Complete(ctx, ord)

		var declined *domain.ProviderDeclinedError
		if !errors.As(err, &declined) {
			t.Fatalf("expected ProviderDeclinedError, got %v", err)
		}
		if declined.Reason != "insufficient funds" {
			t.Errorf("unexpected reason %q", declined.Reason)
		}

		v, _ := store.Get(ctx, ord.UserID, domain.PrefixCart+ord.CartID)
		if string(v) != string(cart) {
			t.Error("entered form data must survive a declined payment")
		}
	})
}

func TestEligibilityCompile(t *testing.T) {
	t.Run("RejectsNonBooleanExpression", func(t *testing.T) {
		_, err := NewEligibility([]domain.MethodRule{
			{Method: domain.MethodCard, Expression: `amount * 2.0`},
		})
		if err == nil {
			t.Fatal("expected compile error for non-boolean rule")
		}
	})

	t.Run("RejectsInvalidSyntax", func(t *testing.T) {
		_, err := NewEligibility([]domain.MethodRule{
			{Method: domain.MethodCard, Expression: `currency ==`},
		})
		if err == nil {
			t.Fatal("expected compile error for invalid syntax")
		}
	})
}
