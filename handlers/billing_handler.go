package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"linkfolioAPI/internal/types/payment"
	"linkfolioAPI/internal/types/subscription"
	"linkfolioAPI/middleware"
	"linkfolioAPI/services"
)

// BillingReader is the read-side surface the dashboard consumes.
type BillingReader interface {
	BillingOverview(ctx context.Context, clerkID string) (*subscription.Overview, error)
	PaymentsByUser(ctx context.Context, clerkID string) ([]*payment.Payment, error)
}

type BillingHandler struct {
	billing BillingReader
}

func NewBillingHandler(billing BillingReader) *BillingHandler {
	return &BillingHandler{billing: billing}
}

// GetSubscription returns the authenticated user's tier, status and current
// subscription. The rest of the platform gates Pro-only features on this.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	overview, err := h.billing.BillingOverview(ctx, clerkID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			respondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Error loading billing state")
		return
	}

	respondWithJSON(w, http.StatusOK, overview)
}

// GetPayments returns the authenticated user's payment history.
func (h *BillingHandler) GetPayments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	payments, err := h.billing.PaymentsByUser(ctx, clerkID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Error loading payments")
		return
	}

	respondWithJSON(w, http.StatusOK, payments)
}

// Helper functions
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
