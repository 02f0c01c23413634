package subscription

import "time"

// Status values mirror the Stripe subscription lifecycle vocabulary.
const (
	StatusIncomplete = "incomplete"
	StatusTrialing   = "trialing"
	StatusActive     = "active"
	StatusPastDue    = "past_due"
	StatusCanceled   = "canceled"
	StatusUnpaid     = "unpaid"
)

type Subscription struct {
	ID                   string     `json:"id" db:"id"`
	UserID               string     `json:"userId" db:"user_id"`
	StripeCustomerID     string     `json:"stripeCustomerId" db:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId" db:"stripe_subscription_id"`
	StripePriceID        string     `json:"stripePriceId" db:"stripe_price_id"`
	Status               string     `json:"status" db:"status"`
	Tier                 string     `json:"tier" db:"tier"`
	CurrentPeriodStart   time.Time  `json:"currentPeriodStart" db:"current_period_start"`
	CurrentPeriodEnd     time.Time  `json:"currentPeriodEnd" db:"current_period_end"`
	CancelAt             *time.Time `json:"cancelAt,omitempty" db:"cancel_at"`
	CanceledAt           *time.Time `json:"canceledAt,omitempty" db:"canceled_at"`
	CreatedAt            time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time  `json:"updatedAt" db:"updated_at"`
}

// Overview is what the dashboard shows on the billing page.
type Overview struct {
	Tier         string        `json:"tier"`
	Status       string        `json:"status"`
	Subscription *Subscription `json:"subscription,omitempty"`
}
