package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkfolioAPI/internal/types/payment"
	"linkfolioAPI/internal/types/subscription"
	"linkfolioAPI/internal/types/user"
	"linkfolioAPI/middleware"
	"linkfolioAPI/services"
)

type fakeBillingReader struct {
	overviews map[string]*subscription.Overview
	payments  map[string][]*payment.Payment
	err       error
}

func (f *fakeBillingReader) BillingOverview(ctx context.Context, clerkID string) (*subscription.Overview, error) {
	if f.err != nil {
		return nil, f.err
	}
	o, ok := f.overviews[clerkID]
	if !ok {
		return nil, services.ErrUserNotFound
	}
	return o, nil
}

func (f *fakeBillingReader) PaymentsByUser(ctx context.Context, clerkID string) ([]*payment.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.payments[clerkID], nil
}

func authedRequest(method, target, clerkID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if clerkID != "" {
		ctx := context.WithValue(req.Context(), middleware.ClerkIDKey, clerkID)
		req = req.WithContext(ctx)
	}
	return req
}

func TestGetSubscription(t *testing.T) {
	reader := &fakeBillingReader{
		overviews: map[string]*subscription.Overview{
			"clerk_1": {
				Tier:   user.TierPro,
				Status: subscription.StatusActive,
				Subscription: &subscription.Subscription{
					ID:                   "row-1",
					StripeSubscriptionID: "sub_1",
					Status:               subscription.StatusActive,
					Tier:                 user.TierPro,
				},
			},
		},
	}
	h := NewBillingHandler(reader)

	rr := httptest.NewRecorder()
	h.GetSubscription(rr, authedRequest(http.MethodGet, "/api/v1/billing/subscription", "clerk_1"))

	require.Equal(t, http.StatusOK, rr.Code)

	var got subscription.Overview
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, user.TierPro, got.Tier)
	require.NotNil(t, got.Subscription)
	assert.Equal(t, "sub_1", got.Subscription.StripeSubscriptionID)
}

func TestGetSubscriptionUnauthenticated(t *testing.T) {
	h := NewBillingHandler(&fakeBillingReader{})

	rr := httptest.NewRecorder()
	h.GetSubscription(rr, authedRequest(http.MethodGet, "/api/v1/billing/subscription", ""))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGetSubscriptionUnknownUser(t *testing.T) {
	h := NewBillingHandler(&fakeBillingReader{overviews: map[string]*subscription.Overview{}})

	rr := httptest.NewRecorder()
	h.GetSubscription(rr, authedRequest(http.MethodGet, "/api/v1/billing/subscription", "clerk_ghost"))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetPayments(t *testing.T) {
	intentID := "pi_1"
	reader := &fakeBillingReader{
		payments: map[string][]*payment.Payment{
			"clerk_1": {
				{ID: "pay-1", UserID: "u1", StripePaymentIntentID: &intentID, Amount: 900, Currency: "usd", Status: payment.StatusSucceeded},
			},
		},
	}
	h := NewBillingHandler(reader)

	rr := httptest.NewRecorder()
	h.GetPayments(rr, authedRequest(http.MethodGet, "/api/v1/billing/payments", "clerk_1"))

	require.Equal(t, http.StatusOK, rr.Code)

	var got []*payment.Payment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(900), got[0].Amount)
	assert.Equal(t, payment.StatusSucceeded, got[0].Status)
}

func TestGetPaymentsStoreFailure(t *testing.T) {
	h := NewBillingHandler(&fakeBillingReader{err: fmt.Errorf("connection refused")})

	rr := httptest.NewRecorder()
	h.GetPayments(rr, authedRequest(http.MethodGet, "/api/v1/billing/payments", "clerk_1"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
