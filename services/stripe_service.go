package services

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const stripeCallTimeout = 10 * time.Second

// StripeService wraps the outbound Stripe API. It is passed into handlers as
// an explicit dependency so tests can stand in a fake; nothing in this repo
// touches the package-level stripe client.
type StripeService struct {
	api     *client.API
	timeout time.Duration
}

func NewStripeService(apiKey string) *StripeService {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeService{api: sc, timeout: stripeCallTimeout}
}

// Customer fetches a customer record. The customer object is the durable
// anchor for identity resolution when an event payload carries no metadata.
func (s *StripeService) Customer(ctx context.Context, id string) (*stripe.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.CustomerParams{Params: stripe.Params{Context: ctx}}
	cust, err := s.api.Customers.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stripe customer %s: %w", id, err)
	}
	return cust, nil
}

// Subscription fetches a subscription record, used when an invoice event
// references a subscription whose metadata is not embedded in the payload.
func (s *StripeService) Subscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	sub, err := s.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stripe subscription %s: %w", id, err)
	}
	return sub, nil
}
