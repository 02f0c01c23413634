package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"linkfolioAPI/internal/billing"
	"linkfolioAPI/middleware"
	"linkfolioAPI/services"
)

// Stripe recommends capping webhook bodies; real events are a few KB.
const maxWebhookBody = int64(65536)

// metadataUserIDKey is the metadata field the platform stamps on checkout
// sessions, subscriptions and customers at creation time.
const metadataUserIDKey = "user_id"

// ErrUserUnresolved means neither the event metadata nor the customer record
// carried an internal user id.
var ErrUserUnresolved = errors.New("event does not map to a known user")

// BillingService is the slice of services.BillingService the webhook needs.
type BillingService interface {
	ReconcileSubscription(ctx context.Context, userID string, snap *billing.SubscriptionSnapshot) error
	CancelSubscription(ctx context.Context, userID string, snap *billing.SubscriptionSnapshot) error
	RecordPaymentSucceeded(ctx context.Context, userID string, inv *billing.InvoiceSnapshot) error
	MarkPaymentOverdue(ctx context.Context, userID string) error
	RecordDeadLetter(ctx context.Context, eventID, kind, reason string, payload []byte) error
}

// StripeGateway is the outbound Stripe API surface, implemented by
// services.StripeService and by fakes in tests.
type StripeGateway interface {
	Customer(ctx context.Context, id string) (*stripe.Customer, error)
	Subscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// BillingNotifier tells the user about billing trouble. Optional; delivery
// failures never affect the webhook response.
type BillingNotifier interface {
	NotifyPaymentFailed(ctx context.Context, userID string) error
	NotifySubscriptionCanceled(ctx context.Context, userID string) error
}

type WebhookHandler struct {
	billing   BillingService
	stripeAPI StripeGateway
	notifier  BillingNotifier
	secret    string
}

func NewWebhookHandler(billingService BillingService, gateway StripeGateway, notifier BillingNotifier, webhookSecret string) *WebhookHandler {
	return &WebhookHandler{
		billing:   billingService,
		stripeAPI: gateway,
		notifier:  notifier,
		secret:    webhookSecret,
	}
}

// HandleStripeWebhook processes events sent by Stripe. Signature verification
// over the exact received bytes is the authentication gate for this endpoint;
// nothing is parsed or written before it passes. Stripe redelivers on any
// non-2xx, so every outcome maps to exactly one of 200/400/500.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		// Not an authentication failure; a 5xx lets transient read errors be
		// redelivered while oversized bodies exhaust their retries.
		respondWithError(w, http.StatusServiceUnavailable, "Failed to read request body")
		return
	}

	if h.secret == "" {
		log.Println("STRIPE_WEBHOOK_SECRET is not configured, rejecting webhook")
		respondWithError(w, http.StatusBadRequest, "Webhook not configured")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		respondWithError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Printf("Error verifying webhook signature: %v", err)
		respondWithError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	ev, err := billing.Decode(event)
	if err != nil {
		// Valid signature but unparseable data; keep the payload in the log
		// so it can be investigated, and let Stripe redeliver.
		log.Printf("Error decoding webhook event %s: %v; payload: %s", event.ID, err, payload)
		middleware.ObserveBillingEvent(string(event.Type), "failed")
		respondWithError(w, http.StatusInternalServerError, "Failed to process webhook event")
		return
	}

	outcome, err := h.process(r.Context(), ev, payload)
	middleware.ObserveBillingEvent(ev.Kind.String(), outcome)
	if err != nil {
		log.Printf("Error handling %s event %s: %v", ev.Kind, ev.ID, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to process webhook event")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// process runs one decoded event through the matching component. It returns
// the metrics outcome; a non-nil error means the store write failed and the
// event should be redelivered.
func (h *WebhookHandler) process(ctx context.Context, ev *billing.Event, payload []byte) (string, error) {
	switch ev.Kind {
	case billing.KindSubscriptionCreated, billing.KindSubscriptionUpdated:
		snap := ev.Subscription
		userID, err := h.resolveUser(ctx, snap.Metadata, snap.CustomerID, "")
		if err != nil {
			return h.deadLetter(ctx, ev, payload, err)
		}
		if err := h.billing.ReconcileSubscription(ctx, userID, snap); err != nil {
			if errors.Is(err, services.ErrUserNotFound) {
				return h.deadLetter(ctx, ev, payload, err)
			}
			return "failed", err
		}
		return "processed", nil

	case billing.KindSubscriptionDeleted:
		snap := ev.Subscription
		userID, err := h.resolveUser(ctx, snap.Metadata, snap.CustomerID, "")
		if err != nil {
			return h.deadLetter(ctx, ev, payload, err)
		}
		if err := h.billing.CancelSubscription(ctx, userID, snap); err != nil {
			if errors.Is(err, services.ErrUserNotFound) {
				return h.deadLetter(ctx, ev, payload, err)
			}
			return "failed", err
		}
		if h.notifier != nil {
			if err := h.notifier.NotifySubscriptionCanceled(ctx, userID); err != nil {
				log.Printf("Error notifying %s about cancellation: %v", userID, err)
			}
		}
		return "processed", nil

	case billing.KindInvoicePaymentSucceeded:
		inv := ev.Invoice
		userID, err := h.resolveUser(ctx, inv.Metadata, inv.CustomerID, inv.SubscriptionID)
		if err != nil {
			return h.deadLetter(ctx, ev, payload, err)
		}
		if err := h.billing.RecordPaymentSucceeded(ctx, userID, inv); err != nil {
			if errors.Is(err, services.ErrUserNotFound) {
				return h.deadLetter(ctx, ev, payload, err)
			}
			return "failed", err
		}
		return "processed", nil

	case billing.KindInvoicePaymentFailed:
		inv := ev.Invoice
		userID, err := h.resolveUser(ctx, inv.Metadata, inv.CustomerID, inv.SubscriptionID)
		if err != nil {
			return h.deadLetter(ctx, ev, payload, err)
		}
		if err := h.billing.MarkPaymentOverdue(ctx, userID); err != nil {
			if errors.Is(err, services.ErrUserNotFound) {
				return h.deadLetter(ctx, ev, payload, err)
			}
			return "failed", err
		}
		if h.notifier != nil {
			if err := h.notifier.NotifyPaymentFailed(ctx, userID); err != nil {
				log.Printf("Error notifying %s about failed payment: %v", userID, err)
			}
		}
		return "processed", nil

	case billing.KindCheckoutCompleted:
		// Provisioning happens on the subscription events that follow.
		log.Printf("Checkout session %s completed for customer %s", ev.Checkout.ID, ev.Checkout.CustomerID)
		return "ignored", nil

	default:
		log.Printf("Unhandled stripe event %s, acknowledging", ev.ID)
		return "ignored", nil
	}
}

// resolveUser maps an event to an internal user id. The direct path is the
// user_id metadata stamped at checkout time; failing that, the subscription
// and finally the customer record are fetched and their metadata read. Any
// outbound failure counts as a resolution failure, the event is not retried.
func (h *WebhookHandler) resolveUser(ctx context.Context, meta map[string]string, customerID, subscriptionID string) (string, error) {
	if id := meta[metadataUserIDKey]; id != "" {
		return id, nil
	}

	if subscriptionID != "" {
		sub, err := h.stripeAPI.Subscription(ctx, subscriptionID)
		if err != nil {
			log.Printf("Error fetching subscription %s during identity resolution: %v", subscriptionID, err)
		} else if id := sub.Metadata[metadataUserIDKey]; id != "" {
			return id, nil
		}
	}

	if customerID == "" {
		return "", ErrUserUnresolved
	}

	cust, err := h.stripeAPI.Customer(ctx, customerID)
	if err != nil {
		return "", fmt.Errorf("resolve user via customer %s: %w", customerID, err)
	}
	if cust.Deleted {
		return "", ErrUserUnresolved
	}
	if id := cust.Metadata[metadataUserIDKey]; id != "" {
		return id, nil
	}

	return "", ErrUserUnresolved
}

// deadLetter records an unresolvable event and acknowledges it, so Stripe
// stops redelivering something we will never be able to apply.
func (h *WebhookHandler) deadLetter(ctx context.Context, ev *billing.Event, payload []byte, cause error) (string, error) {
	log.Printf("Dropping %s event %s: %v", ev.Kind, ev.ID, cause)
	if err := h.billing.RecordDeadLetter(ctx, ev.ID, ev.Kind.String(), cause.Error(), payload); err != nil {
		log.Printf("Error recording dead letter for event %s: %v", ev.ID, err)
	}
	return "dropped", nil
}
