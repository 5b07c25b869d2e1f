package payments

import (
	"errors"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v72"

	"github.com/atriumhq/atrium/types"
)

type mockStripeClient struct {
	subscription *stripe.Subscription
	subErr       error

	checkoutPriceKey string
}

func (sc *mockStripeClient) configure(secret string, restrictedSecret string, customerID string) {}

func (sc *mockStripeClient) getSubscription() (*stripe.Subscription, error) {
	return sc.subscription, sc.subErr
}

func (sc *mockStripeClient) createCheckoutSession(priceLookupKey string) (string, error) {
	sc.checkoutPriceKey = priceLookupKey
	return "https://test-checkout-session.url", nil
}

func (sc *mockStripeClient) createBillingPortal() (string, error) {
	return "https://test-billing-portal.url", nil
}

func subscriptionWithPrice(status stripe.SubscriptionStatus, lookupKey string) *stripe.Subscription {
	return &stripe.Subscription{
		ID:     "sub_test",
		Status: status,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{LookupKey: lookupKey}},
			},
		},
	}
}

func TestTierForCustomer(t *testing.T) {
	tests := []struct {
		name     string
		sub      *stripe.Subscription
		wantTier types.Tier
		wantErr  bool
	}{
		{"active starter", subscriptionWithPrice(stripe.SubscriptionStatusActive, priceKeyStarter), types.TierStarter, false},
		{"active standard", subscriptionWithPrice(stripe.SubscriptionStatusActive, priceKeyStandard), types.TierStandard, false},
		{"trialing pro", subscriptionWithPrice(stripe.SubscriptionStatusTrialing, priceKeyPro), types.TierPro, false},
		{"unknown price defaults to starter", subscriptionWithPrice(stripe.SubscriptionStatusActive, "legacy_plan"), types.TierStarter, false},
		{"canceled subscription", subscriptionWithPrice(stripe.SubscriptionStatusCanceled, priceKeyPro), "", true},
		{"no subscription", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &mockStripeClient{subscription: tt.sub}
			tier, err := TierForCustomer(sc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("TierForCustomer error = %v, wantErr %v", err, tt.wantErr)
			}
			if tier != tt.wantTier {
				t.Errorf("TierForCustomer = %q, want %q", tier, tt.wantTier)
			}
		})
	}
}

func TestTierForCustomerStripeError(t *testing.T) {
	sc := &mockStripeClient{subErr: errors.New("stripe down")}
	if _, err := TierForCustomer(sc); err == nil {
		t.Error("expected an error when Stripe is unreachable")
	}
}

func TestCreateSessionRouting(t *testing.T) {
	t.Run("live subscription gets the billing portal", func(t *testing.T) {
		sc := &mockStripeClient{subscription: subscriptionWithPrice(stripe.SubscriptionStatusActive, priceKeyStandard)}
		url, err := CreateSession(sc, types.TierStandard)
		if err != nil {
			t.Fatalf("CreateSession failed: %s", err)
		}
		if !strings.Contains(url, "billing-portal") {
			t.Errorf("expected a billing portal URL, got %q", url)
		}
	})

	t.Run("no subscription gets checkout for the requested tier", func(t *testing.T) {
		sc := &mockStripeClient{}
		url, err := CreateSession(sc, types.TierPro)
		if err != nil {
			t.Fatalf("CreateSession failed: %s", err)
		}
		if !strings.Contains(url, "checkout") {
			t.Errorf("expected a checkout URL, got %q", url)
		}
		if sc.checkoutPriceKey != priceKeyPro {
			t.Errorf("checkout used price key %q, want %q", sc.checkoutPriceKey, priceKeyPro)
		}
	})
}
