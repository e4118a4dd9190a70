package models

import "time"

const (
	BillingStatusActive            = "active"
	BillingStatusTrialing          = "trialing"
	BillingStatusPastDue           = "past_due"
	BillingStatusCanceled          = "canceled"
	BillingStatusIncomplete        = "incomplete"
	BillingStatusIncompleteExpired = "incomplete_expired"
	BillingStatusUnpaid            = "unpaid"
	BillingStatusPaused            = "paused"
)

// BillingSubscription mirrors a Stripe subscription for a user. Rows are
// upserted by stripe_subscription_id and never deleted; cancellation is a
// status transition.
type BillingSubscription struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UserID               string     `gorm:"type:varchar(191);not null;index" json:"user_id"`
	StripeSubscriptionID string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_subscriptions_stripe_id" json:"stripe_subscription_id"`
	StripePriceID        string     `gorm:"type:varchar(191);not null;default:'';index" json:"stripe_price_id"`
	Status               string     `gorm:"type:varchar(32);not null;default:'incomplete';index" json:"status"`
	CurrentPeriodStart   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `gorm:"default:false" json:"cancel_at_period_end"`
	RawPayloadJSON       string     `gorm:"type:longtext" json:"raw_payload_json"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsOpen reports whether the subscription still occupies the user's single
// non-canceled slot.
func (s *BillingSubscription) IsOpen() bool {
	return s.Status != BillingStatusCanceled
}
