package services

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkfolioAPI/internal/billing"
	"linkfolioAPI/internal/types/subscription"
	"linkfolioAPI/internal/types/user"
)

// setupTestDB connects to the database named by TEST_DATABASE_URL. The schema
// from migrations/ must already be applied. Tests are skipped when no test
// database is configured.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("Failed to ping test database: %v", err)
	}

	t.Cleanup(func() {
		_, err := pool.Exec(ctx, "DELETE FROM users WHERE email LIKE 'billing-test-%@example.com'")
		if err != nil {
			t.Logf("Warning: failed to cleanup test data: %v", err)
		}
		pool.Close()
	})

	return pool
}

// createTestUser inserts a free-tier user and returns its id. Cascading
// deletes on users clean up subscriptions and payments with it.
func createTestUser(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	ctx := context.Background()
	id := uuid.New().String()
	_, err := pool.Exec(ctx, `
		INSERT INTO users (id, clerk_id, email, username, display_name, page_slug, tier, subscription_status)
		VALUES ($1, $2, $3, $4, 'Billing Test', '', 'free', '')
	`, id, "clerk_"+id, fmt.Sprintf("billing-test-%s@example.com", id), "user_"+id[:8])
	require.NoError(t, err)
	return id
}

func activeSnapshot(subID string) *billing.SubscriptionSnapshot {
	return &billing.SubscriptionSnapshot{
		ID:                 subID,
		CustomerID:         "cus_test",
		PriceID:            "price_test",
		Status:             subscription.StatusActive,
		CurrentPeriodStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestReconcileSubscriptionUpsertsOneRow(t *testing.T) {
	pool := setupTestDB(t)
	svc := NewBillingService(pool, nil)
	ctx := context.Background()

	userID := createTestUser(t, pool)
	subID := "sub_test_" + uuid.New().String()

	require.NoError(t, svc.ReconcileSubscription(ctx, userID, activeSnapshot(subID)))

	u, err := svc.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, user.TierPro, u.Tier)
	assert.Equal(t, subscription.StatusActive, u.SubscriptionStatus)
	assert.Equal(t, "cus_test", u.StripeCustomerID)

	// Replaying the same snapshot and then an update must not grow the table.
	require.NoError(t, svc.ReconcileSubscription(ctx, userID, activeSnapshot(subID)))

	updated := activeSnapshot(subID)
	updated.Status = subscription.StatusPastDue
	require.NoError(t, svc.ReconcileSubscription(ctx, userID, updated))

	var count int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE stripe_subscription_id = $1`, subID,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	sub, err := svc.SubscriptionByStripeID(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, sub.Status)
	assert.Equal(t, user.TierFree, sub.Tier)

	u, err = svc.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, user.TierFree, u.Tier)
}

func TestReconcileSubscriptionTierByPrice(t *testing.T) {
	pool := setupTestDB(t)
	svc := NewBillingService(pool, map[string]string{"price_premium": "premium"})
	ctx := context.Background()

	userID := createTestUser(t, pool)
	snap := activeSnapshot("sub_test_" + uuid.New().String())
	snap.PriceID = "price_premium"

	require.NoError(t, svc.ReconcileSubscription(ctx, userID, snap))

	u, err := svc.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "premium", u.Tier)
}

func TestReconcileSubscriptionUnknownUser(t *testing.T) {
	pool := setupTestDB(t)
	svc := NewBillingService(pool, nil)

	err := svc.ReconcileSubscription(context.Background(), uuid.New().String(), activeSnapshot("sub_test_ghost"))
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCancelSubscriptionDowngrades(t *testing.T) {
	pool := setupTestDB(t)
	svc := NewBillingService(pool, nil)
	ctx := context.Background()

	userID := createTestUser(t, pool)
	subID := "sub_test_" + uuid.New().String()
	require.NoError(t, svc.ReconcileSubscription(ctx, userID, activeSnapshot(subID)))

	// The deleted event's snapshot may still carry the last active status.
	require.NoError(t, svc.CancelSubscription(ctx, userID, activeSnapshot(subID)))

	u, err := svc.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, user.TierFree, u.Tier)
	assert.Equal(t, subscription.StatusCanceled, u.SubscriptionStatus)

	sub, err := svc.SubscriptionByStripeID(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
}

func TestRecordPaymentSucceededDeduplicates(t *testing.T) {
	pool := setupTestDB(t)
	svc := NewBillingService(pool, nil)
	ctx := context.Background()

	userID := createTestUser(t, pool)
	subID := "sub_test_" + uuid.New().String()
	require.NoError(t, svc.ReconcileSubscription(ctx, userID, activeSnapshot(subID)))

	inv := &billing.InvoiceSnapshot{
		ID:              "in_test_1",
		CustomerID:      "cus_test",
		SubscriptionID:  subID,
		PaymentIntentID: "pi_test_" + uuid.New().String(),
		AmountPaid:      900,
		Currency:        "usd",
	}

	require.NoError(t, svc.RecordPaymentSucceeded(ctx, userID, inv))
	require.NoError(t, svc.RecordPaymentSucceeded(ctx, userID, inv))

	var count int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payments WHERE stripe_payment_intent_id = $1`, inv.PaymentIntentID,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "replayed payment intent must not duplicate the ledger row")
}

func TestRecordPaymentSucceededWithoutSubscriptionRow(t *testing.T) {
	pool := setupTestDB(t)
	svc := NewBillingService(pool, nil)
	ctx := context.Background()

	userID := createTestUser(t, pool)
	inv := &billing.InvoiceSnapshot{
		ID:              "in_test_2",
		CustomerID:      "cus_test",
		SubscriptionID:  "sub_never_seen",
		PaymentIntentID: "pi_test_" + uuid.New().String(),
		AmountPaid:      1200,
		Currency:        "usd",
	}

	require.NoError(t, svc.RecordPaymentSucceeded(ctx, userID, inv))

	var subRef *string
	err := pool.QueryRow(ctx,
		`SELECT subscription_id FROM payments WHERE stripe_payment_intent_id = $1`, inv.PaymentIntentID,
	).Scan(&subRef)
	require.NoError(t, err)
	assert.Nil(t, subRef)
}

func TestRecordPaymentSucceededUnknownUser(t *testing.T) {
	pool := setupTestDB(t)
	svc := NewBillingService(pool, nil)

	inv := &billing.InvoiceSnapshot{
		ID:              "in_test_3",
		CustomerID:      "cus_test",
		PaymentIntentID: "pi_test_" + uuid.New().String(),
		AmountPaid:      900,
		Currency:        "usd",
	}

	err := svc.RecordPaymentSucceeded(context.Background(), uuid.New().String(), inv)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMarkPaymentOverdue(t *testing.T) {
	pool := setupTestDB(t)
	svc := NewBillingService(pool, nil)
	ctx := context.Background()

	userID := createTestUser(t, pool)
	subID := "sub_test_" + uuid.New().String()
	require.NoError(t, svc.ReconcileSubscription(ctx, userID, activeSnapshot(subID)))

	require.NoError(t, svc.MarkPaymentOverdue(ctx, userID))

	u, err := svc.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, u.SubscriptionStatus)
	assert.Equal(t, user.TierPro, u.Tier, "a failed payment alone does not change the tier")

	var count int
	err = pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE user_id = $1`, userID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed payments never produce a ledger row")
}

func TestBillingOverview(t *testing.T) {
	pool := setupTestDB(t)
	svc := NewBillingService(pool, nil)
	ctx := context.Background()

	userID := createTestUser(t, pool)
	u, err := svc.GetUserByID(ctx, userID)
	require.NoError(t, err)

	overview, err := svc.BillingOverview(ctx, u.ClerkID)
	require.NoError(t, err)
	assert.Equal(t, user.TierFree, overview.Tier)
	assert.Nil(t, overview.Subscription)

	subID := "sub_test_" + uuid.New().String()
	require.NoError(t, svc.ReconcileSubscription(ctx, userID, activeSnapshot(subID)))

	overview, err = svc.BillingOverview(ctx, u.ClerkID)
	require.NoError(t, err)
	assert.Equal(t, user.TierPro, overview.Tier)
	require.NotNil(t, overview.Subscription)
	assert.Equal(t, subID, overview.Subscription.StripeSubscriptionID)
}

func TestRecordDeadLetter(t *testing.T) {
	pool := setupTestDB(t)
	svc := NewBillingService(pool, nil)
	ctx := context.Background()

	eventID := "evt_test_" + uuid.New().String()
	err := svc.RecordDeadLetter(ctx, eventID, "customer.subscription.updated", "no user mapping", []byte(`{"id":"sub_x"}`))
	require.NoError(t, err)

	var reason string
	err = pool.QueryRow(ctx,
		`SELECT reason FROM webhook_dead_letters WHERE stripe_event_id = $1`, eventID,
	).Scan(&reason)
	require.NoError(t, err)
	assert.Equal(t, "no user mapping", reason)

	_, err = pool.Exec(ctx, `DELETE FROM webhook_dead_letters WHERE stripe_event_id = $1`, eventID)
	require.NoError(t, err)
}
