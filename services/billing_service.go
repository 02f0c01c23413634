package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"linkfolioAPI/internal/billing"
	"linkfolioAPI/internal/types/payment"
	"linkfolioAPI/internal/types/subscription"
	"linkfolioAPI/internal/types/user"
)

var ErrUserNotFound = errors.New("user not found")

// Postgres foreign_key_violation.
const pgForeignKeyViolation = "23503"

// BillingService owns every write derived from payment-processor events:
// the user's tier/status, the subscription row and the payment ledger.
type BillingService struct {
	db          *pgxpool.Pool
	tierByPrice map[string]string
}

// NewBillingService creates the service. tierByPrice maps Stripe price ids to
// tier names for deployments with more than one paid tier; any active price
// not in the map grants "pro".
func NewBillingService(db *pgxpool.Pool, tierByPrice map[string]string) *BillingService {
	if tierByPrice == nil {
		tierByPrice = map[string]string{}
	}
	return &BillingService{db: db, tierByPrice: tierByPrice}
}

func (s *BillingService) tierFor(status, priceID string) string {
	if status != subscription.StatusActive {
		return user.TierFree
	}
	if tier, ok := s.tierByPrice[priceID]; ok {
		return tier
	}
	return user.TierPro
}

// ReconcileSubscription applies a whole-state subscription snapshot: the user
// row and the subscription row are written in one transaction so entitlement
// and subscription state are never observably torn. The upsert is keyed on the
// Stripe subscription id, so replaying the same snapshot is a no-op overwrite.
func (s *BillingService) ReconcileSubscription(ctx context.Context, userID string, snap *billing.SubscriptionSnapshot) error {
	tier := s.tierFor(snap.Status, snap.PriceID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET tier = $1, subscription_status = $2, stripe_customer_id = $3, updated_at = NOW()
		WHERE id = $4
	`, tier, snap.Status, snap.CustomerID, userID)
	if err != nil {
		return fmt.Errorf("failed to update user tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reconcile subscription %s: %w", snap.ID, ErrUserNotFound)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (
			id, user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
			status, tier, current_period_start, current_period_end,
			cancel_at, canceled_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (stripe_subscription_id) DO UPDATE SET
			stripe_customer_id   = EXCLUDED.stripe_customer_id,
			stripe_price_id      = EXCLUDED.stripe_price_id,
			status               = EXCLUDED.status,
			tier                 = EXCLUDED.tier,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end   = EXCLUDED.current_period_end,
			cancel_at            = EXCLUDED.cancel_at,
			canceled_at          = EXCLUDED.canceled_at,
			updated_at           = NOW()
	`, uuid.New().String(), userID, snap.CustomerID, snap.ID, snap.PriceID,
		snap.Status, tier, snap.CurrentPeriodStart, snap.CurrentPeriodEnd,
		snap.CancelAt, snap.CanceledAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription %s: %w", snap.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit subscription reconcile: %w", err)
	}

	return nil
}

// CancelSubscription handles the deleted event. "Deleted" is authoritative:
// status becomes canceled and the tier drops to free regardless of what the
// snapshot's own status field says. The subscription row is kept for history.
func (s *BillingService) CancelSubscription(ctx context.Context, userID string, snap *billing.SubscriptionSnapshot) error {
	canceledAt := time.Now().UTC()
	if snap.CanceledAt != nil {
		canceledAt = *snap.CanceledAt
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET tier = $1, subscription_status = $2, updated_at = NOW()
		WHERE id = $3
	`, user.TierFree, subscription.StatusCanceled, userID)
	if err != nil {
		return fmt.Errorf("failed to downgrade user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cancel subscription %s: %w", snap.ID, ErrUserNotFound)
	}

	_, err = tx.Exec(ctx, `
		UPDATE subscriptions
		SET status = $1, tier = $2, canceled_at = $3, updated_at = NOW()
		WHERE stripe_subscription_id = $4
	`, subscription.StatusCanceled, user.TierFree, canceledAt, snap.ID)
	if err != nil {
		return fmt.Errorf("failed to mark subscription canceled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit subscription cancel: %w", err)
	}

	return nil
}

// RecordPaymentSucceeded appends one ledger row for a paid invoice. A missing
// subscription row never blocks the insert; the ledger entry just carries a
// null subscription link. Replays of the same payment intent are dropped by
// the unique index on stripe_payment_intent_id.
func (s *BillingService) RecordPaymentSucceeded(ctx context.Context, userID string, inv *billing.InvoiceSnapshot) error {
	var subID *string
	if inv.SubscriptionID != "" {
		var id string
		err := s.db.QueryRow(ctx,
			`SELECT id FROM subscriptions WHERE stripe_subscription_id = $1`,
			inv.SubscriptionID,
		).Scan(&id)
		switch {
		case err == nil:
			subID = &id
		case errors.Is(err, pgx.ErrNoRows):
			// Invoice arrived before the subscription event; record anyway.
		default:
			return fmt.Errorf("failed to look up subscription %s: %w", inv.SubscriptionID, err)
		}
	}

	var intentID *string
	if inv.PaymentIntentID != "" {
		intentID = &inv.PaymentIntentID
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (id, user_id, subscription_id, stripe_payment_intent_id, amount, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (stripe_payment_intent_id) WHERE stripe_payment_intent_id IS NOT NULL DO NOTHING
	`, uuid.New().String(), userID, subID, intentID, inv.AmountPaid, inv.Currency, payment.StatusSucceeded)
	if err != nil {
		// A user_id with no users row violates the foreign key; surface it as
		// the missing-user case so redelivery is not wasted on it.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("record payment for invoice %s: %w", inv.ID, ErrUserNotFound)
		}
		return fmt.Errorf("failed to record payment for invoice %s: %w", inv.ID, err)
	}

	return nil
}

// MarkPaymentOverdue flags the user after a failed invoice. No ledger row is
// written for failures; the tier is left alone until the subscription events
// catch up.
func (s *BillingService) MarkPaymentOverdue(ctx context.Context, userID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET subscription_status = $1, updated_at = NOW() WHERE id = $2
	`, subscription.StatusPastDue, userID)
	if err != nil {
		return fmt.Errorf("failed to mark user %s overdue: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark overdue: %w", ErrUserNotFound)
	}
	return nil
}

// RecordDeadLetter keeps an event that could not be mapped to a user, so a
// lost billing state change can be replayed by hand instead of vanishing.
func (s *BillingService) RecordDeadLetter(ctx context.Context, eventID, kind, reason string, payload []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_dead_letters (id, stripe_event_id, kind, reason, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), eventID, kind, reason, payload)
	if err != nil {
		return fmt.Errorf("failed to record dead letter for event %s: %w", eventID, err)
	}
	return nil
}

// BillingOverview returns the entitlement state the dashboard renders.
func (s *BillingService) BillingOverview(ctx context.Context, clerkID string) (*subscription.Overview, error) {
	var userID string
	overview := &subscription.Overview{}
	err := s.db.QueryRow(ctx,
		`SELECT id, tier, subscription_status FROM users WHERE clerk_id = $1`,
		clerkID,
	).Scan(&userID, &overview.Tier, &overview.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	sub := &subscription.Subscription{}
	err = s.db.QueryRow(ctx, `
		SELECT id, user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
		       status, tier, current_period_start, current_period_end,
		       cancel_at, canceled_at, created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID).Scan(
		&sub.ID, &sub.UserID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.StripePriceID,
		&sub.Status, &sub.Tier, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAt, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	switch {
	case err == nil:
		overview.Subscription = sub
	case errors.Is(err, pgx.ErrNoRows):
		// Never subscribed; tier/status alone is the whole story.
	default:
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	return overview, nil
}

// PaymentsByUser lists the user's payment ledger, newest first.
func (s *BillingService) PaymentsByUser(ctx context.Context, clerkID string) ([]*payment.Payment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.user_id, p.subscription_id, p.stripe_payment_intent_id,
		       p.amount, p.currency, p.status, p.created_at
		FROM payments p
		JOIN users u ON u.id = p.user_id
		WHERE u.clerk_id = $1
		ORDER BY p.created_at DESC
		LIMIT 50
	`, clerkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := []*payment.Payment{}
	for rows.Next() {
		p := &payment.Payment{}
		if err := rows.Scan(
			&p.ID, &p.UserID, &p.SubscriptionID, &p.StripePaymentIntentID,
			&p.Amount, &p.Currency, &p.Status, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return payments, nil
}

// SubscriptionByStripeID fetches one subscription row by its correlation key.
func (s *BillingService) SubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*subscription.Subscription, error) {
	sub := &subscription.Subscription{}
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
		       status, tier, current_period_start, current_period_end,
		       cancel_at, canceled_at, created_at, updated_at
		FROM subscriptions
		WHERE stripe_subscription_id = $1
	`, stripeSubscriptionID).Scan(
		&sub.ID, &sub.UserID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.StripePriceID,
		&sub.Status, &sub.Tier, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAt, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s not found", stripeSubscriptionID)
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

// GetUserByID is used by entitlement checks elsewhere in the platform.
func (s *BillingService) GetUserByID(ctx context.Context, userID string) (*user.User, error) {
	u := &user.User{}
	err := s.db.QueryRow(ctx, `
		SELECT id, clerk_id, email, username, display_name, image_url, page_slug,
		       tier, subscription_status, COALESCE(stripe_customer_id, ''), created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID).Scan(
		&u.ID, &u.ClerkID, &u.Email, &u.Username, &u.DisplayName, &u.ImageURL, &u.PageSlug,
		&u.Tier, &u.SubscriptionStatus, &u.StripeCustomerID, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	return u, nil
}
