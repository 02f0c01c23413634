package payment

import "time"

const StatusSucceeded = "succeeded"

// Payment is an immutable ledger entry. Rows are only ever inserted.
type Payment struct {
	ID                    string    `json:"id" db:"id"`
	UserID                string    `json:"userId" db:"user_id"`
	SubscriptionID        *string   `json:"subscriptionId,omitempty" db:"subscription_id"`
	StripePaymentIntentID *string   `json:"stripePaymentIntentId,omitempty" db:"stripe_payment_intent_id"`
	Amount                int64     `json:"amount"`
	Currency              string    `json:"currency"`
	Status                string    `json:"status"`
	CreatedAt             time.Time `json:"createdAt"`
}
