package payments // import "github.com/atriumhq/atrium/payments"

import (
	"github.com/stripe/stripe-go/v72"
	billingPortal "github.com/stripe/stripe-go/v72/billingportal/session"
	checkout "github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/price"
	"github.com/stripe/stripe-go/v72/sub"

	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/utils"
)

// StripeClient interacts directly with the official Stripe client.
type StripeClient struct {
	key        string // The secret key to authenticate calls to the Stripe API
	customerID string // The Stripe ID of the customer
}

// NewStripeClient returns a configured client for one customer.
func NewStripeClient(secret string, restrictedSecret string, customerID string) *StripeClient {
	sc := &StripeClient{}
	sc.configure(secret, restrictedSecret, customerID)
	return sc
}

// configure sets the client fields. The restricted key is used in local
// development so a leaked dev environment can't mutate live billing data.
func (sc *StripeClient) configure(secret string, restrictedSecret string, customerID string) {
	if metadata.IsLocalEnv() {
		sc.key = restrictedSecret
	} else {
		sc.key = secret
	}

	stripe.Key = sc.key
	sc.customerID = customerID
}

// getSubscription returns the customer's most recent subscription, or nil
// when they have never subscribed.
func (sc *StripeClient) getSubscription() (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: sc.customerID,
		Status:   "all",
	}
	params.Filters.AddFilter("limit", "", "1")

	list := sub.List(params)
	for list.Next() {
		return list.Subscription(), nil
	}
	if err := list.Err(); err != nil {
		return nil, utils.MakeError("failed to list subscriptions for customer %s: %s", sc.customerID, err)
	}
	return nil, nil
}

// createCheckoutSession creates a Stripe checkout session for the current
// customer at the price registered under the given lookup key.
func (sc *StripeClient) createCheckoutSession(priceLookupKey string) (string, error) {
	priceList := price.List(&stripe.PriceListParams{
		Active:     stripe.Bool(true),
		LookupKeys: stripe.StringSlice([]string{priceLookupKey}),
	})

	var priceID string
	for priceList.Next() {
		priceID = priceList.Price().ID
	}
	if err := priceList.Err(); err != nil {
		return "", utils.MakeError("failed to read price list from Stripe: %s", err)
	}
	if priceID == "" {
		return "", utils.MakeError("no active Stripe price registered under lookup key %s", priceLookupKey)
	}

	trialDays := int64(14)

	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(sc.customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(trialDays),
		},
		PaymentMethodTypes: []*string{
			stripe.String("card"),
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(utils.Sprintf("https://%s/callback/payment?success=true", metadata.GetPlatformDomain())),
		CancelURL:  stripe.String(utils.Sprintf("https://%s/callback/payment?success=false", metadata.GetPlatformDomain())),
	}

	s, err := checkout.New(params)
	if err != nil {
		return "", utils.MakeError("failed to create checkout session: %s", err)
	}
	return s.URL, nil
}

// createBillingPortal creates a Stripe billing portal for the current
// customer.
func (sc *StripeClient) createBillingPortal() (string, error) {
	s, err := billingPortal.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sc.customerID),
		ReturnURL: stripe.String(utils.Sprintf("https://%s/callback/payment", metadata.GetPlatformDomain())),
	})
	if err != nil {
		return "", err
	}
	return s.URL, nil
}
