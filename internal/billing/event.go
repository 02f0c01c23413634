package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
)

// Kind is the closed set of webhook event kinds this service acts on.
// Everything else decodes to KindUnknown and is acknowledged without processing.
type Kind int

const (
	KindUnknown Kind = iota
	KindCheckoutCompleted
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindInvoicePaymentSucceeded
	KindInvoicePaymentFailed
)

func (k Kind) String() string {
	switch k {
	case KindCheckoutCompleted:
		return "checkout.session.completed"
	case KindSubscriptionCreated:
		return "customer.subscription.created"
	case KindSubscriptionUpdated:
		return "customer.subscription.updated"
	case KindSubscriptionDeleted:
		return "customer.subscription.deleted"
	case KindInvoicePaymentSucceeded:
		return "invoice.payment_succeeded"
	case KindInvoicePaymentFailed:
		return "invoice.payment_failed"
	default:
		return "unknown"
	}
}

func kindFor(eventType string) Kind {
	switch eventType {
	case "checkout.session.completed":
		return KindCheckoutCompleted
	case "customer.subscription.created":
		return KindSubscriptionCreated
	case "customer.subscription.updated":
		return KindSubscriptionUpdated
	case "customer.subscription.deleted":
		return KindSubscriptionDeleted
	case "invoice.payment_succeeded":
		return KindInvoicePaymentSucceeded
	case "invoice.payment_failed":
		return KindInvoicePaymentFailed
	default:
		return KindUnknown
	}
}

// Event is the canonical decoded form of a verified webhook notification.
// Exactly one of Subscription, Invoice or Checkout is set, depending on Kind.
type Event struct {
	ID           string
	Kind         Kind
	Subscription *SubscriptionSnapshot
	Invoice      *InvoiceSnapshot
	Checkout     *CheckoutSnapshot
}

// SubscriptionSnapshot carries the complete current state of a Stripe
// subscription as of the event, not a delta.
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAt           *time.Time
	CanceledAt         *time.Time
	Metadata           map[string]string
}

type InvoiceSnapshot struct {
	ID              string
	CustomerID      string
	SubscriptionID  string
	PaymentIntentID string
	AmountPaid      int64
	AmountDue       int64
	Currency        string
	Metadata        map[string]string
}

type CheckoutSnapshot struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
}

// Decode normalizes a verified stripe.Event into an Event. Field-name
// variants across Stripe API versions are absorbed here so the rest of the
// service only ever sees the canonical snapshot shapes.
func Decode(ev stripe.Event) (*Event, error) {
	out := &Event{ID: ev.ID, Kind: kindFor(string(ev.Type))}
	if out.Kind == KindUnknown {
		return out, nil
	}

	// A signed event can still arrive without a data object.
	if ev.Data == nil {
		return nil, fmt.Errorf("decode event %s: no data object", ev.ID)
	}

	switch out.Kind {
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionDeleted:
		var ws wireSubscription
		if err := json.Unmarshal(ev.Data.Raw, &ws); err != nil {
			return nil, fmt.Errorf("decode subscription event %s: %w", ev.ID, err)
		}
		out.Subscription = ws.snapshot()
	case KindInvoicePaymentSucceeded, KindInvoicePaymentFailed:
		var wi wireInvoice
		if err := json.Unmarshal(ev.Data.Raw, &wi); err != nil {
			return nil, fmt.Errorf("decode invoice event %s: %w", ev.ID, err)
		}
		out.Invoice = wi.snapshot()
	case KindCheckoutCompleted:
		var wc wireCheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &wc); err != nil {
			return nil, fmt.Errorf("decode checkout event %s: %w", ev.ID, err)
		}
		out.Checkout = wc.snapshot()
	}

	return out, nil
}

// expandableID accepts either a bare string id or an expanded object with an
// "id" field, which is how Stripe serializes references depending on expansion.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type wireSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAt           int64             `json:"cancel_at"`
	CanceledAt         int64             `json:"canceled_at"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			// Newer API versions carry period bounds per item instead
			// of on the subscription itself.
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
			Plan struct {
				ID string `json:"id"`
			} `json:"plan"`
		} `json:"data"`
	} `json:"items"`
}

func (ws *wireSubscription) snapshot() *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ID:                 ws.ID,
		CustomerID:         string(ws.Customer),
		Status:             ws.Status,
		CurrentPeriodStart: unixTime(ws.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(ws.CurrentPeriodEnd),
		CancelAt:           unixTimePtr(ws.CancelAt),
		CanceledAt:         unixTimePtr(ws.CanceledAt),
		Metadata:           ws.Metadata,
	}

	if len(ws.Items.Data) > 0 {
		item := ws.Items.Data[0]
		if snap.PriceID = item.Price.ID; snap.PriceID == "" {
			snap.PriceID = item.Plan.ID
		}
		if ws.CurrentPeriodStart == 0 {
			snap.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		}
		if ws.CurrentPeriodEnd == 0 {
			snap.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		}
	}

	return snap
}

type wireInvoice struct {
	ID            string            `json:"id"`
	Customer      expandableID      `json:"customer"`
	Subscription  expandableID      `json:"subscription"`
	PaymentIntent expandableID      `json:"payment_intent"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`

	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`

	// Newer API versions nest the subscription reference under parent.
	Parent struct {
		SubscriptionDetails struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (wi *wireInvoice) snapshot() *InvoiceSnapshot {
	snap := &InvoiceSnapshot{
		ID:              wi.ID,
		CustomerID:      string(wi.Customer),
		SubscriptionID:  string(wi.Subscription),
		PaymentIntentID: string(wi.PaymentIntent),
		AmountPaid:      wi.AmountPaid,
		AmountDue:       wi.AmountDue,
		Currency:        wi.Currency,
		Metadata:        map[string]string{},
	}

	if snap.SubscriptionID == "" {
		snap.SubscriptionID = string(wi.Parent.SubscriptionDetails.Subscription)
	}

	// The subscription's own metadata is where the platform stamps the
	// internal user id at checkout time; prefer it over invoice metadata.
	for k, v := range wi.Metadata {
		snap.Metadata[k] = v
	}
	for k, v := range wi.Parent.SubscriptionDetails.Metadata {
		snap.Metadata[k] = v
	}
	for k, v := range wi.SubscriptionDetails.Metadata {
		snap.Metadata[k] = v
	}

	return snap
}

type wireCheckoutSession struct {
	ID           string            `json:"id"`
	Customer     expandableID      `json:"customer"`
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func (wc *wireCheckoutSession) snapshot() *CheckoutSnapshot {
	return &CheckoutSnapshot{
		ID:             wc.ID,
		CustomerID:     string(wc.Customer),
		SubscriptionID: string(wc.Subscription),
		Metadata:       wc.Metadata,
	}
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixTimePtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
