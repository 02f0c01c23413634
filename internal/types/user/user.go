package user

import "time"

const (
	TierFree = "free"
	TierPro  = "pro"
)

type User struct {
	ID                 string    `json:"id"`
	ClerkID            string    `json:"clerkId"`
	Email              string    `json:"email"`
	Username           string    `json:"username"`
	DisplayName        string    `json:"displayName"`
	ImageURL           string    `json:"imageUrl,omitempty"`
	PageSlug           string    `json:"pageSlug"`
	Tier               string    `json:"tier"`
	SubscriptionStatus string    `json:"subscriptionStatus"`
	StripeCustomerID   string    `json:"stripeCustomerId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}
