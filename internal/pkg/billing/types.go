package billing

import (
	"fmt"
	"time"
)

// StatusNotSubscribed is the sentinel status returned when a customer has no
// active subscription. Absence of a subscription is a normal business state,
// not a failure.
const StatusNotSubscribed = "not subscribed any plan"

// SubscriptionSnapshot is the normalized shape used when syncing Stripe
// subscription state into local tables.
type SubscriptionSnapshot struct {
	UserID               string
	StripeSubscriptionID string
	StripePriceID        string
	Status               string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	RawPayloadJSON       string
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	StripeEventID  string
	EventType      string
	PayloadJSON    string
	SignatureValid bool
}

// SubscriptionStatusDTO is the simplified subscription view served to clients.
type SubscriptionStatusDTO struct {
	SubscriptionID     string     `json:"subscription_id"`
	PriceID            string     `json:"price_id"`
	Status             string     `json:"status"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
}

// NotSubscribedDTO returns the sentinel DTO for customers without an active
// subscription.
func NotSubscribedDTO() SubscriptionStatusDTO {
	return SubscriptionStatusDTO{Status: StatusNotSubscribed}
}

// ProductInfo is the simplified product view served to clients.
type ProductInfo struct {
	DefaultPriceID string `json:"default_price_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
}

// DataIntegrityError marks an event whose expected metadata or linkage could
// not be resolved. Such events fail the request so Stripe redelivers them.
type DataIntegrityError struct {
	Field   string
	EventID string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("event %s: required field %q could not be resolved", e.EventID, e.Field)
}
