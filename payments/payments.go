// Package payments wraps Stripe for the two things the platform needs
// from it: deciding which subscription tier a customer is on, and
// minting checkout/billing-portal sessions for the web app.
package payments // import "github.com/atriumhq/atrium/payments"

import (
	"github.com/stripe/stripe-go/v72"

	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

// AtriumStripeClient is an abstraction of the Stripe calls we make, so
// tests can substitute a mock without touching the Stripe API.
type AtriumStripeClient interface {
	configure(secret string, restrictedSecret string, customerID string)
	getSubscription() (*stripe.Subscription, error)
	createCheckoutSession(priceLookupKey string) (string, error)
	createBillingPortal() (string, error)
}

// Price lookup keys registered in the Stripe dashboard, one per tier.
const (
	priceKeyStarter  = "atrium_starter_monthly"
	priceKeyStandard = "atrium_standard_monthly"
	priceKeyPro      = "atrium_pro_monthly"
)

var tiersByPriceKey = map[string]types.Tier{
	priceKeyStarter:  types.TierStarter,
	priceKeyStandard: types.TierStandard,
	priceKeyPro:      types.TierPro,
}

// subscriptionLive reports whether a subscription status entitles the
// customer to a running instance.
func subscriptionLive(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

// TierForCustomer resolves a customer's subscription tier. A customer
// with no live subscription gets an error; a live subscription whose
// price we don't recognize gets the starter tier so a dashboard
// misconfiguration degrades service instead of denying it.
func TierForCustomer(sc AtriumStripeClient) (types.Tier, error) {
	sub, err := sc.getSubscription()
	if err != nil {
		return "", utils.MakeError("couldn't fetch subscription: %s", err)
	}
	if sub == nil || !subscriptionLive(sub.Status) {
		return "", utils.MakeError("customer has no live subscription")
	}

	for _, item := range sub.Items.Data {
		if item.Price == nil {
			continue
		}
		if tier, ok := tiersByPriceKey[item.Price.LookupKey]; ok {
			return tier, nil
		}
	}

	logger.Warningf("Live subscription %s has no recognized price lookup key, defaulting to starter tier", sub.ID)
	return types.TierStarter, nil
}

// CreateSession returns a Stripe session URL for the customer: a billing
// portal when they already hold a live subscription, a checkout session
// for the requested tier otherwise.
func CreateSession(sc AtriumStripeClient, tier types.Tier) (string, error) {
	sub, err := sc.getSubscription()
	if err != nil {
		return "", utils.MakeError("couldn't fetch subscription: %s", err)
	}

	if sub != nil && subscriptionLive(sub.Status) {
		url, err := sc.createBillingPortal()
		if err != nil {
			return "", utils.MakeError("error creating billing portal: %s", err)
		}
		return url, nil
	}

	priceKey := priceKeyStarter
	switch tier {
	case types.TierStandard:
		priceKey = priceKeyStandard
	case types.TierPro:
		priceKey = priceKeyPro
	}

	url, err := sc.createCheckoutSession(priceKey)
	if err != nil {
		return "", utils.MakeError("error creating checkout session: %s", err)
	}
	return url, nil
}
