package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mstiller/subpilot/app/models"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"
)

// ErrInvalidSignature marks a webhook whose signature did not verify. The
// payload must not be processed and the error is terminal: Stripe gets a
// non-2xx auth response, not a retryable failure.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// HandlerFunc processes one verified, deduplicated webhook event.
type HandlerFunc func(ctx context.Context, event *stripe.Event) error

// Outcome reports what the dispatcher did with a delivery.
type Outcome struct {
	EventID   string
	EventType string
	Duplicate bool
	Ignored   bool
}

// Dispatcher verifies, deduplicates and routes Stripe webhook deliveries.
// Routing is a map from event type to handler; unknown types are a no-op so
// new provider events never fail the endpoint.
type Dispatcher struct {
	secret   string
	svc      *Service
	handlers map[string]HandlerFunc
}

// NewDispatcher creates a dispatcher with the default handler table.
func NewDispatcher(webhookSecret string, svc *Service) *Dispatcher {
	d := &Dispatcher{
		secret:   webhookSecret,
		svc:      svc,
		handlers: make(map[string]HandlerFunc),
	}
	d.handlers["customer.created"] = d.handleCustomerCreated
	d.handlers["customer.subscription.created"] = d.handleSubscriptionChanged
	d.handlers["customer.subscription.updated"] = d.handleSubscriptionChanged
	d.handlers["customer.subscription.deleted"] = d.handleSubscriptionDeleted
	d.handlers["checkout.session.completed"] = d.handleCheckoutCompleted
	return d
}

// RegisterHandler installs or replaces the handler for an event type.
func (d *Dispatcher) RegisterHandler(eventType string, fn HandlerFunc) {
	d.handlers[eventType] = fn
}

// Dispatch verifies the signature, records the event for idempotency and
// runs the matching handler. Success is returned only after the handler
// completes.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, sigHeader string) (Outcome, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, d.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Outcome{EventID: event.ID, EventType: string(event.Type)}

	created, stored, err := d.svc.RecordWebhookEvent(ctx, WebhookEventInput{
		StripeEventID:  event.ID,
		EventType:      string(event.Type),
		PayloadJSON:    string(payload),
		SignatureValid: true,
	})
	if err != nil {
		return out, fmt.Errorf("record webhook event: %w", err)
	}
	if !created {
		// Only a successfully processed event counts as a duplicate. A
		// stored row from a failed delivery means Stripe is retrying;
		// the handlers are idempotent, so run them again.
		if stored.ProcessedAt != nil && stored.ProcessingError == "" {
			out.Duplicate = true
			return out, nil
		}
	}

	handler, ok := d.handlers[string(event.Type)]
	if !ok {
		out.Ignored = true
		if err := d.svc.MarkWebhookProcessed(ctx, stored.ID, nil); err != nil {
			log.Printf("webhook %s: failed to mark ignored event processed: %v", event.ID, err)
		}
		return out, nil
	}

	handlerErr := handler(ctx, &event)
	if err := d.svc.MarkWebhookProcessed(ctx, stored.ID, handlerErr); err != nil {
		log.Printf("webhook %s: failed to mark event processed: %v", event.ID, err)
	}
	if handlerErr != nil {
		return out, handlerErr
	}
	return out, nil
}

// customerPayload is the slice of a Stripe customer object the handlers
// read. Raw payload decoding keeps us independent of the webhook endpoint's
// pinned API version.
type customerPayload struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// periodBounds prefers the top-level fields and falls back to the first
// item, covering payloads from both older and current API versions.
func (p *subscriptionPayload) periodBounds() (start, end int64) {
	start, end = p.CurrentPeriodStart, p.CurrentPeriodEnd
	if start == 0 && end == 0 && len(p.Items.Data) > 0 {
		start, end = p.Items.Data[0].CurrentPeriodStart, p.Items.Data[0].CurrentPeriodEnd
	}
	return start, end
}

func (p *subscriptionPayload) priceID() string {
	for _, item := range p.Items.Data {
		if item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func (d *Dispatcher) handleCustomerCreated(ctx context.Context, event *stripe.Event) error {
	var customer customerPayload
	if err := json.Unmarshal(event.Data.Raw, &customer); err != nil {
		return fmt.Errorf("decode customer: %w", err)
	}

	userID := strings.TrimSpace(customer.Metadata["user_id"])
	if userID == "" {
		return &DataIntegrityError{Field: "user_id", EventID: event.ID}
	}

	_, err := d.svc.EnsureCustomerRecord(ctx, userID, customer.ID, customer.Email)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

func (d *Dispatcher) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}

	userID, err := d.resolveUserID(ctx, event, &sub)
	if err != nil {
		return err
	}

	start, end := sub.periodBounds()
	_, err = d.svc.SyncSubscription(ctx, SubscriptionSnapshot{
		UserID:               userID,
		StripeSubscriptionID: sub.ID,
		StripePriceID:        sub.priceID(),
		Status:               sub.Status,
		CurrentPeriodStart:   unixTimePtr(start),
		CurrentPeriodEnd:     unixTimePtr(end),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		RawPayloadJSON:       string(event.Data.Raw),
	})
	if err != nil {
		return fmt.Errorf("sync subscription: %w", err)
	}
	return nil
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}

	userID, err := d.resolveUserID(ctx, event, &sub)
	if err != nil {
		return err
	}

	// Subscriptions are never hard-deleted locally; deletion is a status
	// transition to canceled.
	start, end := sub.periodBounds()
	_, err = d.svc.SyncSubscription(ctx, SubscriptionSnapshot{
		UserID:               userID,
		StripeSubscriptionID: sub.ID,
		StripePriceID:        sub.priceID(),
		Status:               models.BillingStatusCanceled,
		CurrentPeriodStart:   unixTimePtr(start),
		CurrentPeriodEnd:     unixTimePtr(end),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		RawPayloadJSON:       string(event.Data.Raw),
	})
	if err != nil {
		return fmt.Errorf("sync canceled subscription: %w", err)
	}
	return nil
}

// handleCheckoutCompleted is reserved for one-off purchase fulfillment.
func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	_ = ctx
	log.Printf("webhook %s: checkout.session.completed received (no fulfillment configured)", event.ID)
	return nil
}

// resolveUserID finds the user an event belongs to: subscription metadata
// first, then the stored customer linkage, then the previously synced
// subscription row. Failure to resolve is a data-integrity error, never a
// silent skip.
func (d *Dispatcher) resolveUserID(ctx context.Context, event *stripe.Event, sub *subscriptionPayload) (string, error) {
	if userID := strings.TrimSpace(sub.Metadata["user_id"]); userID != "" {
		return userID, nil
	}

	if sub.Customer != "" {
		userID, err := d.svc.ResolveUserID(ctx, sub.Customer)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("resolve user for customer %s: %w", sub.Customer, err)
		}
	}

	if sub.ID != "" {
		userID, err := d.svc.ResolveSubscriptionUser(ctx, sub.ID)
		if err == nil && userID != "" {
			return userID, nil
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("resolve user for subscription %s: %w", sub.ID, err)
		}
	}

	return "", &DataIntegrityError{Field: "user_id", EventID: event.ID}
}
